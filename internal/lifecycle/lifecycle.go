// Package lifecycle creates, deletes and retries artifacts, keeping the
// record store, the file storage and the generation queue consistent.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/yangwenmai/readaloud/internal/blob"
	"github.com/yangwenmai/readaloud/internal/events"
	"github.com/yangwenmai/readaloud/internal/model"
	"github.com/yangwenmai/readaloud/internal/store"
)

// Queue schedules generations.
type Queue interface {
	Submit(id int64) error
	Cancel(id int64) bool
	InFlight() int
}

// Admitter is the quota check.
type Admitter interface {
	Admit(ctx context.Context, inFlight int) error
	CountActive(ctx context.Context) (int, error)
	Limit() int
}

// Publisher receives artifact state changes.
type Publisher interface {
	Publish(ev events.Event)
}

// QuotaRecorder receives quota metrics.
type QuotaRecorder interface {
	RecordQuotaDenial()
	SetActiveArtifacts(n int)
}

// Entry is an artifact with its derived status.
type Entry struct {
	Artifact model.Artifact
	Status   model.Status
}

// Config fixes where and in which format new artifacts are stored.
type Config struct {
	StorageLocation string
	Format          string
}

// Controller orchestrates the artifact lifecycle.
type Controller struct {
	repo    store.ArtifactRepository
	storage blob.Storage
	quota   Admitter
	queue   Queue
	cfg     Config
	events  Publisher
	metrics QuotaRecorder
	logger  *zap.Logger

	// admitMu serializes admit, create and submit so concurrent creates
	// cannot overshoot the limit.
	admitMu sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithEvents publishes created, failed and deleted events.
func WithEvents(p Publisher) Option {
	return func(c *Controller) { c.events = p }
}

// WithMetrics records quota denials and the active artifact count.
func WithMetrics(m QuotaRecorder) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates a Controller.
func New(repo store.ArtifactRepository, storage blob.Storage, quota Admitter, queue Queue, cfg Config, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		repo:    repo,
		storage: storage,
		quota:   quota,
		queue:   queue,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "lifecycle")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateArtifact admits and records a new artifact and queues its generation.
// It returns model.ErrQuotaExceeded without side effects when the limit is
// reached. A job the queue rejects leaves the record Failed.
func (c *Controller) CreateArtifact(ctx context.Context, prompt string) (*model.Artifact, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, model.ErrEmptyPrompt
	}

	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	if err := c.admit(ctx); err != nil {
		return nil, err
	}

	a, err := c.repo.CreateArtifact(ctx, model.NewArtifact(prompt, c.cfg.StorageLocation, c.cfg.Format))
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	c.logger.Info("artifact created", zap.Int64("artifact_id", a.ID), zap.String("key", a.Key()))
	c.publish(events.NewEvent(events.TypeCreated, a.ID, string(model.StatusPending)))

	c.submit(ctx, a)
	return a, nil
}

// RetryArtifact requeues a Failed artifact. It passes through the quota like
// a new artifact.
func (c *Controller) RetryArtifact(ctx context.Context, id int64) (*model.Artifact, error) {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	e, err := c.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != model.StatusFailed {
		return nil, fmt.Errorf("artifact %d is %s: %w", id, e.Status, model.ErrNotFailed)
	}
	if err := c.admit(ctx); err != nil {
		return nil, err
	}

	if err := c.repo.ClearFailure(ctx, id); err != nil {
		return nil, fmt.Errorf("clear failure: %w", err)
	}
	a := e.Artifact
	a.ErrorInfo = nil
	c.logger.Info("artifact retried", zap.Int64("artifact_id", id))
	c.publish(events.NewEvent(events.TypeCreated, id, string(model.StatusPending)))

	c.submit(ctx, &a)
	return &a, nil
}

// DeleteArtifact cancels any generation, removes the file and then the
// record. Deleting a missing artifact is a no-op. When the file cannot be
// removed the record is kept.
func (c *Controller) DeleteArtifact(ctx context.Context, id int64) error {
	a, err := c.repo.GetArtifact(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load artifact: %w", err)
	}

	c.queue.Cancel(id)

	if err := c.storage.Remove(ctx, a.Key()); err != nil {
		return fmt.Errorf("remove artifact file: %w", err)
	}
	if err := c.repo.DeleteArtifact(ctx, id); err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("delete artifact: %w", err)
	}

	c.logger.Info("artifact deleted", zap.Int64("artifact_id", id))
	c.publish(events.NewEvent(events.TypeDeleted, id, ""))
	return nil
}

// Resume queues Pending artifacts left over from a previous run and returns
// how many were queued.
func (c *Controller) Resume(ctx context.Context) (int, error) {
	pending, err := c.repo.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	n := 0
	for i := range pending {
		a := &pending[i]
		ok, err := c.storage.Exists(ctx, a.Key())
		if err != nil {
			return n, fmt.Errorf("check artifact %d: %w", a.ID, err)
		}
		if ok {
			continue
		}
		if c.submit(ctx, a) {
			n++
		}
	}
	if n > 0 {
		c.logger.Info("resumed pending generations", zap.Int("count", n))
	}
	return n, nil
}

// Status loads an artifact and derives its status.
func (c *Controller) Status(ctx context.Context, id int64) (*Entry, error) {
	a, err := c.repo.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.entry(ctx, *a)
}

// List returns up to limit artifacts, newest first.
func (c *Controller) List(ctx context.Context, limit int) ([]Entry, error) {
	artifacts, err := c.repo.ListArtifacts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	entries := make([]Entry, 0, len(artifacts))
	for _, a := range artifacts {
		e, err := c.entry(ctx, a)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

// Open returns the audio file of a Ready artifact. It returns
// model.ErrNotFound while the artifact is not Ready.
func (c *Controller) Open(ctx context.Context, id int64) (io.ReadCloser, int64, *model.Artifact, error) {
	a, err := c.repo.GetArtifact(ctx, id)
	if err != nil {
		return nil, 0, nil, err
	}
	rc, size, err := c.storage.Open(ctx, a.Key())
	if errors.Is(err, blob.ErrNotExist) {
		return nil, 0, nil, fmt.Errorf("audio for artifact %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, 0, nil, fmt.Errorf("open audio: %w", err)
	}
	return rc, size, a, nil
}

// Active returns the number of stored artifact files and the limit.
func (c *Controller) Active(ctx context.Context) (active, limit int, err error) {
	active, err = c.quota.CountActive(ctx)
	if err != nil {
		return 0, 0, err
	}
	if c.metrics != nil {
		c.metrics.SetActiveArtifacts(active)
	}
	return active, c.quota.Limit(), nil
}

func (c *Controller) admit(ctx context.Context) error {
	err := c.quota.Admit(ctx, c.queue.InFlight())
	if errors.Is(err, model.ErrQuotaExceeded) {
		c.logger.Info("artifact refused", zap.Error(err))
		if c.metrics != nil {
			c.metrics.RecordQuotaDenial()
		}
	}
	return err
}

// submit queues a generation. When the queue refuses, the record is marked
// Failed so pollers see a terminal state.
func (c *Controller) submit(ctx context.Context, a *model.Artifact) bool {
	err := c.queue.Submit(a.ID)
	if err == nil {
		return true
	}

	c.logger.Warn("generation not queued", zap.Int64("artifact_id", a.ID), zap.Error(err))
	info := model.NewErrorInfo(model.StepQueue, err.Error(), true).ToJSON()
	if mErr := c.repo.MarkFailed(ctx, a.ID, info); mErr != nil {
		c.logger.Error("persist queue failure", zap.Int64("artifact_id", a.ID), zap.Error(mErr))
		return false
	}
	a.ErrorInfo = &info
	ev := events.NewEvent(events.TypeFailed, a.ID, string(model.StatusFailed))
	ev.Message = err.Error()
	c.publish(ev)
	return false
}

func (c *Controller) entry(ctx context.Context, a model.Artifact) (*Entry, error) {
	ok, err := c.storage.Exists(ctx, a.Key())
	if err != nil {
		return nil, fmt.Errorf("check artifact %d: %w", a.ID, err)
	}
	return &Entry{Artifact: a, Status: a.Status(ok)}, nil
}

func (c *Controller) publish(ev events.Event) {
	if c.events != nil {
		c.events.Publish(ev)
	}
}
