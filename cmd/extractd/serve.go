package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/contentforge/extractd/constants"
	"github.com/contentforge/extractd/internal/classify"
	"github.com/contentforge/extractd/internal/common"
	"github.com/contentforge/extractd/internal/coordinator"
	"github.com/contentforge/extractd/internal/export"
	"github.com/contentforge/extractd/internal/extract"
	"github.com/contentforge/extractd/internal/insights"
	"github.com/contentforge/extractd/internal/pipeline"
	"github.com/contentforge/extractd/internal/server"
	"github.com/contentforge/extractd/internal/storage"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the extraction daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	// Logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := common.LoadConfig()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Context with signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Storage.Root, 0o755); err != nil {
		log.Fatalf("creating storage root: %v", err)
	}

	// Storage
	index, err := storage.OpenJobIndex(filepath.Join(cfg.Storage.Root, "jobs.db"), nil)
	if err != nil {
		log.Fatalf("opening job index: %v", err)
	}
	defer index.Close()
	artifacts, err := storage.NewArtifactStore(cfg.Storage.Root, nil)
	if err != nil {
		log.Fatalf("creating artifact store: %v", err)
	}
	results, err := storage.NewResultStore(cfg.Storage.Root, nil)
	if err != nil {
		log.Fatalf("creating result store: %v", err)
	}

	// Jobs left non-terminal by a previous process are unrecoverable: the
	// queue is in-memory.
	swept, err := index.SweepStale(ctx)
	if err != nil {
		log.Fatalf("sweeping stale jobs: %v", err)
	}
	if swept > 0 {
		log.Infow("swept stale jobs", "count", swept)
	}

	// Extractors
	runner := extract.NewExecRunner(nil)
	ecfg := extract.Config{
		Pdftotext:     cfg.Decoders.Pdftotext,
		Tesseract:     cfg.Decoders.Tesseract,
		FFprobe:       cfg.Decoders.FFprobe,
		FFmpeg:        cfg.Decoders.FFmpeg,
		TesseractLang: cfg.Decoders.TesseractLang,
		EnableOCR:     cfg.Decoders.EnableOCR,
		MaxPages:      cfg.Decoders.MaxPages,
		AudioWindow:   cfg.Decoders.AudioWindow,
		FrameInterval: cfg.Decoders.FrameInterval,
	}
	registry := extract.NewRegistry()
	registry.Register(constants.PDF, extract.NewPDFExtractor(ecfg, runner, nil))
	registry.Register(constants.IMAGE, extract.NewImageExtractor(ecfg, runner, nil))
	registry.Register(constants.AUDIO, extract.NewAudioExtractor(ecfg, runner, nil))
	registry.Register(constants.VIDEO, extract.NewVideoExtractor(ecfg, runner, nil))
	registry.Register(constants.XML, extract.NewXMLExtractor(nil))

	// Pipeline and coordinator
	pipe := pipeline.New(nil, classify.New(nil), registry, artifacts, results, index)
	if s := insights.NewSummarizer(cfg.Insights.APIKey, cfg.Insights.Model); s != nil {
		pipe.WithSummarizer(s, cfg.Insights.Timeout)
		log.Infow("insights enabled", "model", s.Model())
	}
	coord := coordinator.New(nil, index, artifacts, pipe,
		coordinator.WithWorkers(cfg.Pipeline.Workers),
		coordinator.WithQueueCapacity(cfg.Pipeline.QueueCapacity),
		coordinator.WithJobTimeout(cfg.Pipeline.JobTimeout))

	// HTTP server
	srv := server.NewServer(coord, index, results, export.NewService(index, nil), cfg.Server.MaxUploadBytes, nil)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infof("HTTP serving on %s", cfg.Server.Addr)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	coord.Shutdown(shutdownCtx)
	log.Info("stopped.")
	return nil
}
