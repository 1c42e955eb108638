package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/readaloud/internal/engine"
	"github.com/yangwenmai/readaloud/internal/model"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("generation queue full")
	// ErrPoolClosed is returned by Submit after Close or once Run has returned.
	ErrPoolClosed = errors.New("generation pool closed")
)

// Processor runs the generation for a single artifact.
type Processor interface {
	Run(ctx context.Context, id int64) error
}

// InFlightGauge observes the number of queued and running jobs.
type InFlightGauge interface {
	SetInFlight(n int)
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

type releaseKey struct{}

// Release marks the job running under ctx as done for InFlight and Close.
// Processors call it once their result is durable so the remaining
// bookkeeping no longer counts against admission. Calling it twice, or with
// a context that carries no job, does nothing.
func Release(ctx context.Context) {
	if release, ok := ctx.Value(releaseKey{}).(func()); ok {
		release()
	}
}

type job struct {
	id     int64
	cancel context.CancelFunc
}

// Pool runs Processor jobs on a fixed number of goroutines fed by a bounded
// queue. Jobs are detached from the caller: each one gets its own context
// derived from the context passed to Run plus the job timeout.
type Pool struct {
	proc   Processor
	cfg    PoolConfig
	logger *zap.Logger
	gauge  InFlightGauge

	mu      sync.Mutex
	jobs    map[int64]*job
	queue   chan *job
	closed  bool
	drained chan struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithGauge reports the in-flight count after every change.
func WithGauge(g InFlightGauge) PoolOption {
	return func(p *Pool) { p.gauge = g }
}

// NewPool creates a pool. Zero values in cfg fall back to 2 workers, a queue
// of 16 and a 2 minute job timeout.
func NewPool(proc Processor, cfg PoolConfig, logger *zap.Logger, opts ...PoolOption) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	p := &Pool{
		proc:   proc,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "worker")),
		jobs:   make(map[int64]*job),
		queue:  make(chan *job, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and blocks until ctx is cancelled. Running jobs are
// cancelled with ctx; queued jobs are abandoned.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize),
		zap.Duration("job_timeout", p.cfg.JobTimeout))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			p.loop(gctx)
			return nil
		})
	}
	err := g.Wait()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			p.execute(ctx, j)
		}
	}
}

func (p *Pool) execute(ctx context.Context, j *job) {
	p.mu.Lock()
	if p.jobs[j.id] != j {
		// Cancelled or superseded while queued.
		p.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	jobCtx = context.WithValue(jobCtx, releaseKey{}, func() { p.release(j) })
	j.cancel = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.release(j)
	}()

	start := time.Now()
	if err := p.runSafe(jobCtx, j.id); err != nil {
		p.logger.Warn("generation failed",
			zap.Int64("artifact_id", j.id),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	p.logger.Info("generation finished",
		zap.Int64("artifact_id", j.id),
		zap.Duration("elapsed", time.Since(start)))
}

func (p *Pool) runSafe(ctx context.Context, id int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("generation panicked", zap.Int64("artifact_id", id), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.proc.Run(ctx, id)
}

// Submit queues a generation for id without blocking. A second Submit for an
// id that is still queued or running supersedes the first.
func (p *Pool) Submit(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	j := &job{id: id}
	select {
	case p.queue <- j:
		p.jobs[id] = j
		p.report()
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel drops a queued job or cancels a running one. It reports whether a
// job was found.
func (p *Pool) Cancel(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	j, ok := p.jobs[id]
	if !ok {
		return false
	}
	if j.cancel != nil {
		j.cancel()
	}
	p.removeLocked(id)
	return true
}

// InFlight returns the number of queued plus running jobs. A job that has
// called Release no longer counts.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Close stops accepting jobs and waits until queued and running jobs finish
// or ctx is done. Jobs still pending when ctx expires are cancelled by the
// caller cancelling Run's context.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	if len(p.jobs) == 0 {
		p.mu.Unlock()
		return nil
	}
	if p.drained == nil {
		p.drained = make(chan struct{})
	}
	drained := p.drained
	p.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release(j *job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jobs[j.id] == j {
		p.removeLocked(j.id)
	}
}

func (p *Pool) removeLocked(id int64) {
	delete(p.jobs, id)
	if len(p.jobs) == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
	p.report()
}

func (p *Pool) report() {
	if p.gauge != nil {
		p.gauge.SetInFlight(len(p.jobs))
	}
}

// StepError wraps an error with the generation step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// buildErrorInfo converts a generation error into the persisted failure.
func buildErrorInfo(err error) string {
	step := "unknown"
	var se *StepError
	if errors.As(err, &se) {
		step = se.Step
	}

	retryable := step != model.StepDecode &&
		!errors.Is(err, engine.ErrUnreadable) &&
		!errors.Is(err, engine.ErrAudioTooLarge)
	var apiErr *engine.APIError
	if errors.As(err, &apiErr) {
		retryable = apiErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		retryable = true
	}
	return model.NewErrorInfo(step, err.Error(), retryable).ToJSON()
}
