package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/catalog"
	"github.com/dgnsrekt/datacollector/internal/collector"
	"github.com/dgnsrekt/datacollector/internal/config"
	"github.com/dgnsrekt/datacollector/internal/export"
	"github.com/dgnsrekt/datacollector/internal/notify"
	"github.com/dgnsrekt/datacollector/internal/sequence"
	"github.com/dgnsrekt/datacollector/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Setup logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	// Load config
	cfg, err := config.Load(os.Getenv("COLLECTOR_CONFIG"))
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return 1
	}

	logger.Info("configuration loaded",
		zap.Int("devices", len(cfg.Devices)),
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("serverEnabled", cfg.Server.Enabled),
		zap.String("outputDir", cfg.Output.Directory),
		zap.String("catalog", cfg.Output.Catalog),
		zap.Duration("exportInterval", cfg.Export.Interval),
	)

	c, err := collector.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to build collector", zap.Error(err))
		return 1
	}

	// Context for the producers and the scheduler
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	notifier := notify.New(&cfg.Notify, logger)
	c.OnFault(func(id string, fault error) {
		go func() {
			sendCtx, sendCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer sendCancel()
			if err := notifier.SendFault(sendCtx, id, fault); err != nil {
				logger.Warn("fault notification failed", zap.String("device", id), zap.Error(err))
			}
		}()
	})

	// Partial failures are logged by the collector; serve whatever connected.
	c.Connect(ctx)
	c.Start()

	var (
		store      *catalog.Store
		recorder   export.Recorder
		recordings server.Recordings
	)
	if cfg.Output.Catalog != "" {
		store, err = catalog.Open(cfg.Output.Catalog, logger)
		if err != nil {
			logger.Error("failed to open catalog", zap.Error(err))
			return 1
		}
		defer store.Close()
		recorder, recordings = store, store
	}

	mgr := export.NewManager(c, sequence.NewWriter(logger), cfg.Output.Directory, cfg.Output.Workers, recorder, logger)

	scheduler := export.NewScheduler(mgr, c, cfg.Export.Interval, cfg.Export.Compressed, logger)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(ctx)
	}()

	var httpServer *http.Server
	if cfg.Server.Enabled {
		router, err := server.NewRouter(server.NewServer(c, mgr, recordings, cfg.Export.Compressed, logger), logger)
		if err != nil {
			logger.Error("failed to create router", zap.Error(err))
			return 1
		}
		httpServer = &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		go func() {
			logger.Info("starting server", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", zap.Error(err))
				cancel()
			}
		}()
	}

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("shutting down...")

	code := 0
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			code = 1
		}
	}
	<-schedulerDone

	if _, err := c.Stop(); err != nil {
		code = 1
	}
	if _, err := c.Disconnect(); err != nil {
		code = 1
	}

	logger.Info("stopped", zap.String("state", c.State().String()))
	return code
}
