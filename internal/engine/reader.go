package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	nurl "net/url"
	"regexp"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
)

const (
	// Pages with less readable text than this are usually login or cookie walls.
	minPageRunes = 100
	readAttempts = 2
	maxPageBytes = 5 << 20
)

// ErrUnreadable marks pages that will never yield speech, so they are not retried.
var ErrUnreadable = errors.New("page is not readable")

type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("fetch %s: HTTP %d", e.url, e.code)
}

// HTTPReader fetches a page and keeps the article body found by go-readability.
type HTTPReader struct {
	client   *http.Client
	maxRunes int
}

// NewHTTPReader returns a reader whose text is cut to maxRunes runes.
// A non-positive maxRunes keeps the whole article. Only public addresses are
// dialed, including on redirects.
func NewHTTPReader(maxRunes int) *HTTPReader {
	return newHTTPReader(maxRunes, publicOnly)
}

func newHTTPReader(maxRunes int, control func(network, address string, c syscall.RawConn) error) *HTTPReader {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   control,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// A proxy would be dialed instead of the page host and defeat the address check.
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext

	return &HTTPReader{
		client:   &http.Client{Timeout: 30 * time.Second, Transport: transport},
		maxRunes: maxRunes,
	}
}

var nonPublicPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// publicOnly is a net.Dialer Control hook. It runs after name resolution, so
// it sees the address actually dialed.
func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if !isPublicAddr(ip) {
		return fmt.Errorf("%w: %s is not a public address", ErrUnreadable, ip)
	}
	return nil
}

func isPublicAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.IsGlobalUnicast() || ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return false
	}
	for _, p := range nonPublicPrefixes {
		if p.Contains(ip) {
			return false
		}
	}
	return true
}

// IsURL reports whether a prompt is an absolute http(s) URL that should be
// read aloud instead of spoken verbatim.
func IsURL(prompt string) bool {
	p := strings.TrimSpace(prompt)
	if p == "" || strings.ContainsAny(p, " \t\n") {
		return false
	}
	u, err := nurl.Parse(p)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Read fetches rawURL, retrying once on network errors, 429 and 5xx.
func (r *HTTPReader) Read(ctx context.Context, rawURL string) (*Page, error) {
	u, err := nurl.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	for attempt := 1; ; attempt++ {
		page, err := r.fetch(ctx, u)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == readAttempts || !retryableRead(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 2 * time.Second):
		}
	}
}

func retryableRead(err error) bool {
	if errors.Is(err, ErrUnreadable) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

func (r *HTTPReader) fetch(ctx context.Context, u *nurl.URL) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; readaloud/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, url: u.String()}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, fmt.Errorf("%w: content type %q", ErrUnreadable, ct)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxPageBytes), u)
	if err != nil {
		return nil, fmt.Errorf("readability: %w", err)
	}

	text := speakable(article.TextContent)
	if n := utf8.RuneCountInString(text); n < minPageRunes {
		return nil, fmt.Errorf("%w: only %d characters of text", ErrUnreadable, n)
	}

	return &Page{
		URL:    u.String(),
		Title:  strings.TrimSpace(article.Title),
		Byline: strings.TrimSpace(article.Byline),
		Text:   Truncate(text, r.maxRunes),
	}, nil
}

// Truncate cuts s to at most n runes, backing off to the last whitespace so
// words are not split. n <= 0 returns s unchanged.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	cut := string([]rune(s)[:n])
	if i := strings.LastIndexAny(cut, " \n\t"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

var (
	blankRun = regexp.MustCompile(`[ \t\r\f\v]+`)
	lineRun  = regexp.MustCompile(`\s*\n\s*(\n\s*)+`)
)

// speakable collapses layout whitespace; blank lines become paragraph breaks
// so the synthesizer pauses between them.
func speakable(s string) string {
	s = blankRun.ReplaceAllString(s, " ")
	s = lineRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
