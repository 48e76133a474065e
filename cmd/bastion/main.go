// Package main is the entry point for the bastion orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bastion/internal/bastion"
	"bastion/internal/config"
	"bastion/internal/logger"
	"bastion/internal/observability"
	"bastion/internal/quota"
	"bastion/internal/store"
)

func main() {
	// Parse flags
	dryRunFlag := flag.Bool("dry-run", false, "Compute scheduling decisions without acting on them")
	flag.Parse()

	// Load Config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New()
	ctx := context.Background()

	// Tracing
	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "bastion", cfg.OTELEndpoint)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Printf("Failed to shutdown tracer: %v", err)
			}
		}()
	}

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()
	metrics, err := observability.NewMetrics()
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			log.Printf("Metrics listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server stopped: %v", err)
			}
		}()
	}

	fs := store.NewFS()

	var cleaner bastion.Cleaner = bastion.NoopCleaner{}
	if cfg.CleanerTTL > 0 {
		cleaner = bastion.AgeCleaner{TTL: cfg.CleanerTTL}
	}

	engine, err := bastion.New(bastion.Config{
		Store:      fs,
		RootDir:    cfg.RootDir,
		ScratchDir: cfg.ScratchDir,
		Quota:      quota.FileSource{Path: cfg.QuotaFile},
		Cleaner:    cleaner,
		Publisher: bastion.FilePublisher{
			Path: filepath.Join(cfg.ScratchDir, "history", "events"),
		},
		Interval: cfg.UpdateInterval,
		Logger:   slogger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf("Failed to build orchestrator: %v", err)
	}

	if *dryRunFlag {
		if err := bastion.SetRuntimeOptions(ctx, fs, cfg.RootDir,
			map[string]any{"scheduler": map[string]any{"dry_run": true}}); err != nil {
			log.Fatalf("Failed to set dry-run option: %v", err)
		}
	}

	// Mirror process logs and history files to the store in the background.
	uploader := bastion.NewUploader(bastion.UploaderConfig{
		Store:   fs,
		Workers: cfg.UploadWorkers,
		RPS:     cfg.UploadRPS,
		Logger:  slogger,
	})
	defer uploader.Stop()
	mirrorCtx, stopMirror := context.WithCancel(ctx)
	defer stopMirror()
	go uploader.MirrorEvery(mirrorCtx, filepath.Join(cfg.ScratchDir, "logs"),
		engine.Directory().LogDir(), cfg.UpdateInterval)
	go uploader.MirrorEvery(mirrorCtx, filepath.Join(cfg.ScratchDir, "history"),
		engine.Directory().HistoryDir(), cfg.UpdateInterval)

	// Graceful Shutdown
	runCtx, cancel := context.WithCancel(ctx)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("Shutting down orchestrator...")
		cancel()
	}()

	log.Printf("Bastion starting (root=%s, interval=%s)", cfg.RootDir, cfg.UpdateInterval)
	if err := engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Orchestrator stopped: %v", err)
	}

	// Give in-flight uploads a moment to drain.
	time.Sleep(100 * time.Millisecond)
	log.Println("Orchestrator exited properly")
}
