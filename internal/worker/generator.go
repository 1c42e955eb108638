package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/yangwenmai/readaloud/internal/blob"
	"github.com/yangwenmai/readaloud/internal/engine"
	"github.com/yangwenmai/readaloud/internal/events"
	"github.com/yangwenmai/readaloud/internal/model"
)

// ArtifactStore is the slice of the record store the generator needs.
type ArtifactStore interface {
	GetArtifact(ctx context.Context, id int64) (*model.Artifact, error)
	MarkFailed(ctx context.Context, id int64, errorInfo string) error
}

// Publisher receives artifact state changes.
type Publisher interface {
	Publish(ev events.Event)
}

// Recorder receives generation metrics.
type Recorder interface {
	RecordGeneration(status string)
	ObserveStep(step string, d time.Duration)
}

// errDeleted marks a generation whose record disappeared while it ran.
var errDeleted = errors.New("artifact deleted during generation")

// Generator produces the audio file for one artifact record.
// Reader, Events and Metrics are optional.
type Generator struct {
	Store         ArtifactStore
	Storage       blob.Storage
	Synthesizer   engine.Synthesizer
	Reader        engine.PageReader
	MaxTextLength int
	Events        Publisher
	Metrics       Recorder
	Logger        *zap.Logger
}

// Run generates the artifact for id. A missing record is not an error.
// Failures other than cancellation are persisted on the record.
func (g *Generator) Run(ctx context.Context, id int64) (err error) {
	logger := g.logger().With(zap.Int64("artifact_id", id))

	a, err := g.Store.GetArtifact(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		logger.Debug("artifact gone before generation")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load artifact %d: %w", id, err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.Error("generation panicked", zap.Any("panic", r), zap.Stack("stack"))
			g.fail(ctx, logger, a, err)
		}
	}()

	err = g.generate(ctx, logger, a)
	switch {
	case err == nil:
		logger.Info("artifact ready", zap.String("key", a.Key()))
		g.record("ready")
		g.publish(events.NewEvent(events.TypeReady, a.ID, string(model.StatusReady)))
		return nil
	case errors.Is(err, errDeleted):
		logger.Info("artifact deleted during generation, file removed")
		return nil
	case errors.Is(err, context.Canceled):
		// Delete or shutdown. The record is gone or stays Pending for Resume.
		logger.Info("generation cancelled")
		return err
	default:
		g.fail(ctx, logger, a, err)
		return err
	}
}

func (g *Generator) generate(ctx context.Context, logger *zap.Logger, a *model.Artifact) error {
	text := a.Prompt
	if g.Reader != nil && engine.IsURL(text) {
		start := time.Now()
		page, err := g.Reader.Read(ctx, strings.TrimSpace(text))
		g.observe(model.StepExtract, start)
		if err != nil {
			return &StepError{Step: model.StepExtract, Err: err}
		}
		text = page.Speech()
		logger.Info("page read", zap.String("title", page.Title), zap.Int("runes", utf8.RuneCountInString(text)))
	}
	text = engine.Truncate(text, g.MaxTextLength)

	start := time.Now()
	audio, err := g.Synthesizer.Synthesize(ctx, text)
	g.observe(model.StepSynthesize, start)
	if err != nil {
		return &StepError{Step: model.StepSynthesize, Err: err}
	}

	contentType, err := detectAudio(audio, a.Format)
	if err != nil {
		return &StepError{Step: model.StepDecode, Err: err}
	}

	start = time.Now()
	key := a.Key()
	if err := g.Storage.Put(ctx, key, audio, contentType); err != nil {
		return &StepError{Step: model.StepStore, Err: err}
	}
	g.observe(model.StepStore, start)

	// Delete cancels the job before it removes the file, so a write that
	// landed after that cancel is undone here.
	if err := ctx.Err(); err != nil {
		g.removeOrphan(ctx, logger, key)
		return &StepError{Step: model.StepStore, Err: err}
	}
	Release(ctx)

	// Delete may have run between the load and the write.
	if _, err := g.Store.GetArtifact(context.WithoutCancel(ctx), a.ID); errors.Is(err, model.ErrNotFound) {
		g.removeOrphan(ctx, logger, key)
		return errDeleted
	}
	return nil
}

func (g *Generator) removeOrphan(ctx context.Context, logger *zap.Logger, key string) {
	if err := g.Storage.Remove(context.WithoutCancel(ctx), key); err != nil {
		logger.Error("remove orphaned file", zap.String("key", key), zap.Error(err))
	}
}

// fail persists the failure on the record and announces it.
func (g *Generator) fail(ctx context.Context, logger *zap.Logger, a *model.Artifact, cause error) {
	g.record("failed")

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := g.Store.MarkFailed(mctx, a.ID, buildErrorInfo(cause))
	if errors.Is(err, model.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Error("persist failure", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	ev := events.NewEvent(events.TypeFailed, a.ID, string(model.StatusFailed))
	ev.Message = cause.Error()
	g.publish(ev)
}

// detectAudio checks that payload is audio of the requested format and
// returns its MIME type.
func detectAudio(payload []byte, format string) (string, error) {
	mt := mimetype.Detect(payload)
	if !strings.HasPrefix(mt.String(), "audio/") {
		return "", fmt.Errorf("payload is %s, not audio", mt.String())
	}
	if !strings.EqualFold(mt.Extension(), "."+format) && !mt.Is("audio/"+format) {
		return "", fmt.Errorf("payload is %s, want %s", mt.String(), format)
	}
	return mt.String(), nil
}

func (g *Generator) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

func (g *Generator) publish(ev events.Event) {
	if g.Events != nil {
		g.Events.Publish(ev)
	}
}

func (g *Generator) record(status string) {
	if g.Metrics != nil {
		g.Metrics.RecordGeneration(status)
	}
}

func (g *Generator) observe(step string, start time.Time) {
	if g.Metrics != nil {
		g.Metrics.ObserveStep(step, time.Since(start))
	}
}
