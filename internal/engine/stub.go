package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"
	"unicode/utf8"
)

// StubReader returns a canned page without fetching anything (for development/testing).
type StubReader struct{}

func (r *StubReader) Read(_ context.Context, url string) (*Page, error) {
	return &Page{
		URL:    url,
		Title:  "Stub article",
		Byline: "Stub Author",
		Text:   "This is a stub article standing in for " + url + ".",
	}, nil
}

// StubSynthesizer produces silent 16-bit mono WAV audio whose length grows
// with the input (for development/testing). Delay simulates upstream latency.
type StubSynthesizer struct {
	Delay time.Duration
}

const stubSampleRate = 16000

func (s *StubSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Delay):
		}
	}

	// 40ms of silence per character, between 0.2s and 5s.
	d := time.Duration(utf8.RuneCountInString(text)) * 40 * time.Millisecond
	d = min(max(d, 200*time.Millisecond), 5*time.Second)
	return SilentWAV(d), nil
}

// SilentWAV encodes d of silence as a PCM WAV file.
func SilentWAV(d time.Duration) []byte {
	samples := int(d.Seconds() * stubSampleRate)
	dataSize := uint32(samples * 2)

	var buf bytes.Buffer
	buf.Grow(44 + int(dataSize))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))             // chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))              // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1))              // mono
	binary.Write(&buf, binary.LittleEndian, uint32(stubSampleRate)) // sample rate
	binary.Write(&buf, binary.LittleEndian, uint32(stubSampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))  // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16)) // bits per sample
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}
