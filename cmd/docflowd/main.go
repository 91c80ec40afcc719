// docflowd is the long-running service: it accepts PDF uploads, segments
// large documents, and drives field extraction through the tiered gateway.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"docflow/internal/api"
	"docflow/internal/async"
	"docflow/internal/config"
	"docflow/internal/extract"
	"docflow/internal/orchestrator"
	"docflow/internal/progress"
	"docflow/internal/segmenter"
	"docflow/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	_ = godotenv.Load(".env")
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewDB(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	docRepo := storage.NewDocumentRepo(db)
	segmentRepo := storage.NewSegmentRepo(db)
	metricsRepo := storage.NewMetricsRepo(db)
	logRepo := storage.NewLogRepo(db)

	library, err := extract.NewVertexExtractor(ctx, cfg.VertexProjectID, cfg.VertexRegion, cfg.VertexModel, logger)
	if err != nil {
		logger.Error("Failed to initialize library extraction tier", "error", err)
		os.Exit(1)
	}
	defer library.Close()

	gw := extract.NewGateway(
		library,
		extract.NewRemoteClient(cfg.RemoteEndpoint, cfg.RemoteAPIKey, logger),
		extract.NewFallbackClient(cfg.FallbackEndpoint, cfg.FallbackAPIKey, cfg.FallbackModel, logger),
		extract.GatewayConfig{
			LibraryPageCap: cfg.LibraryPageCap,
			RemotePageCap:  cfg.RemotePageCap,
			RemoteRPM:      cfg.RemoteRPM,
			FallbackRPM:    cfg.FallbackRPM,
		},
		logger,
	)

	seg := segmenter.New(docRepo, segmentRepo, metricsRepo, logRepo, cfg.SegmentsDir, segmenter.Thresholds{
		LargeFileMB:    cfg.LargeFileMB,
		LargePageCount: cfg.LargePageCount,
		DefaultPages:   cfg.DefaultSegPages,
		MinPages:       cfg.MinSegPages,
		MaxPages:       cfg.MaxSegPages,
	}, logger)

	orch := orchestrator.New(docRepo, segmentRepo, metricsRepo, logRepo, gw, seg, orchestrator.Config{
		MaxWorkers:  cfg.MaxWorkers,
		MaxAttempts: cfg.MaxAttempts,
	}, logger)

	queue := async.NewDocumentQueue(orch, logger,
		async.WithWorkers(2),
		async.WithQueueSize(cfg.QueueSize),
		async.WithProcessTimeout(time.Duration(cfg.ProcessTimeout)*time.Second),
	)

	tracker := progress.NewTracker(docRepo, metricsRepo, logRepo, cfg.MaxWorkers)
	server := api.NewServer(docRepo, queue, orch, tracker, cfg.UploadsDir, logger)

	httpServer := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("docflowd listening", "addr", cfg.APIAddr, "workers", cfg.MaxWorkers)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	queue.Shutdown(shutdownCtx)
	logger.Info("Shutdown complete.")
}
