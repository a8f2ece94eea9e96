package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"unlockflow/config"
	"unlockflow/internal/channel"
	"unlockflow/internal/dashboard"
	"unlockflow/logger"
	"unlockflow/processor"
	"unlockflow/reader/unlocks"
	"unlockflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Unlockflow.Name,
		"version": cfg.Unlockflow.Version,
	}).Info("starting unlockflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Storage.S3.Enabled {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "UnlockFlow")
	}

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.RawBuffer,
		cfg.Channels.ProcessedBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	client := unlocks.NewClient(cfg)
	reader := unlocks.NewReader(cfg, client, channels)
	flattener := processor.NewFlattener(cfg, channels)

	dashboardServer, err := dashboard.NewServer(cfg.Dashboard, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}

	var archiveWriter *writer.ArchiveWriter
	if cfg.Storage.S3.Enabled {
		archiveWriter, err = writer.NewArchiveWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archive writer")
	}

	publishers := []processor.Publisher{}
	if dashboardServer != nil {
		publishers = append(publishers, dashboardServer)
	}
	if archiveWriter != nil {
		publishers = append(publishers, archiveWriter)
	}
	aggregator := processor.NewAggregator(cfg, channels, publishers...)

	var wg sync.WaitGroup

	if dashboardServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.WithFields(logger.Fields{"address": dashboardServer.Address()}).Info("dashboard listening")
			if err := dashboardServer.Run(ctx, cfg.Unlockflow.Name); err != nil {
				log.WithError(err).Warn("dashboard server exited with error")
			}
		}()
	}

	if archiveWriter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := archiveWriter.Start(ctx); err != nil {
				log.WithError(err).Warn("archive writer failed to start")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := aggregator.Start(ctx); err != nil {
			log.WithError(err).Warn("aggregator failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := flattener.Start(ctx); err != nil {
			log.WithError(err).Warn("flattener failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reader.Start(ctx); err != nil {
			log.WithError(err).Warn("unlocks reader failed to start")
		}
	}()

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping unlocks reader")
	reader.Stop()

	log.Info("stopping flattener")
	flattener.Stop()

	log.Info("stopping aggregator")
	aggregator.Stop()

	if archiveWriter != nil {
		log.Info("stopping archive writer")
		archiveWriter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("unlockflow stopped")
}
