package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/readaloud/internal/api"
	"github.com/yangwenmai/readaloud/internal/blob"
	"github.com/yangwenmai/readaloud/internal/config"
	"github.com/yangwenmai/readaloud/internal/engine"
	"github.com/yangwenmai/readaloud/internal/events"
	"github.com/yangwenmai/readaloud/internal/lifecycle"
	"github.com/yangwenmai/readaloud/internal/metrics"
	"github.com/yangwenmai/readaloud/internal/quota"
	"github.com/yangwenmai/readaloud/internal/store"
	"github.com/yangwenmai/readaloud/internal/view"
	"github.com/yangwenmai/readaloud/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "readaloud: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if err := config.LoadEnvFiles(".env.local", ".env"); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// The stub synthesizer only produces WAV.
	format := cfg.ArtifactFormat
	if cfg.UseStubs() && format != "wav" {
		logger.Warn("HUGGINGFACE_API_KEY not set, using stub synthesizer with wav output",
			zap.String("configured_format", format))
		format = "wav"
	}

	// Open SQLite.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	s, err := store.New(db)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	storage, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}

	// Build generation dependencies.
	var synth engine.Synthesizer
	var reader engine.PageReader
	if cfg.UseStubs() {
		synth = &engine.StubSynthesizer{Delay: time.Second}
		reader = &engine.StubReader{}
	} else {
		logger.Info("using Hugging Face inference", zap.String("model_url", cfg.HFModelURL))
		synth = engine.NewHuggingFaceClient(cfg.HFToken,
			engine.WithModelURL(cfg.HFModelURL),
			engine.WithTimeout(cfg.GenerationTimeout),
			engine.WithRateLimit(cfg.UpstreamRPS))
		reader = engine.NewHTTPReader(cfg.MaxTextLength)
	}
	if !cfg.ReadURLs {
		reader = nil
	}

	collector := metrics.NewCollector("readaloud")
	hub := events.NewHub(256, logger, events.WithAllowedOrigin(cfg.CORSOrigin))

	gen := &worker.Generator{
		Store:         s,
		Storage:       storage,
		Synthesizer:   synth,
		Reader:        reader,
		MaxTextLength: cfg.MaxTextLength,
		Events:        hub,
		Metrics:       collector,
		Logger:        logger.With(zap.String("component", "generator")),
	}
	pool := worker.NewPool(gen, worker.PoolConfig{
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		JobTimeout: cfg.GenerationTimeout,
	}, logger, worker.WithGauge(collector))

	guard := quota.NewGuard(storage, cfg.Storage.Prefix, cfg.ArtifactLimit)
	artifacts := lifecycle.New(s, storage, guard, pool,
		lifecycle.Config{StorageLocation: cfg.Storage.Prefix, Format: format},
		logger,
		lifecycle.WithEvents(hub),
		lifecycle.WithMetrics(collector))

	renderer, err := view.New(cfg.PollInterval, cfg.MaxPolls)
	if err != nil {
		return err
	}
	createLimit, createWindow, _ := cfg.CreateRate()
	srv := api.New(artifacts, renderer, logger, api.Options{
		ListLimit:    cfg.ListLimit,
		CORSOrigin:   cfg.CORSOrigin,
		CreateLimit:  createLimit,
		CreateWindow: createWindow,
		Events:       http.HandlerFunc(hub.HandleWebSocket),
		Metrics:      collector,
		Health:       s.Ping,
	})
	httpServer := newHTTPServer(":"+cfg.Port, srv.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The pool and hub outlive the signal so shutdown can drain them.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(workCtx) })
	g.Go(func() error { return hub.Run(workCtx) })

	// Re-queue generations interrupted by the previous shutdown.
	if n, err := artifacts.Resume(ctx); err != nil {
		logger.Warn("resume pending generations", zap.Error(err))
	} else if n > 0 {
		logger.Info("re-queued pending generations", zap.Int("count", n))
	}

	g.Go(func() error {
		logger.Info("readaloud server listening",
			zap.String("addr", "http://localhost:"+cfg.Port),
			zap.String("storage", cfg.Storage.Backend),
			zap.Bool("stub", cfg.UseStubs()))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if err := pool.Close(shutdownCtx); err != nil {
			logger.Warn("generations still running at shutdown, cancelling",
				zap.Int("in_flight", pool.InFlight()), zap.Error(err))
		}
		cancelWork()
		return nil
	})

	return g.Wait()
}

func openStorage(c config.StorageConfig) (blob.Storage, error) {
	switch c.Backend {
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, err := blob.NewS3Storage(ctx, blob.S3Config{
			Endpoint:  c.S3.Endpoint,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
			Bucket:    c.S3.Bucket,
			Region:    c.S3.Region,
			Secure:    c.S3.Secure,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 storage: %w", err)
		}
		return st, nil
	default:
		st, err := blob.NewFSStorage(c.Root)
		if err != nil {
			return nil, fmt.Errorf("open fs storage: %w", err)
		}
		return st, nil
	}
}

// newHTTPServer leaves WriteTimeout unset: /ws and /audio stream for as long
// as the client listens.
func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
