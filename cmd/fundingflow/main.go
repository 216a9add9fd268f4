package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundingflow/config"
	"fundingflow/internal/aggregator"
	"fundingflow/internal/api"
	"fundingflow/internal/archive"
	"fundingflow/internal/cache"
	"fundingflow/internal/exchange"
	"fundingflow/internal/execution"
	"fundingflow/internal/store"
	"fundingflow/logger"
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
		"service":     cfg.Fundingflow.Name,
		"version":     cfg.Fundingflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting fundingflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Storage.S3.Enabled {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Fundingflow.Name, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	shared := cache.New(cfg.Cache.Redis.Address, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB)
	defer shared.Close()

	var records *store.Store
	if cfg.Database.Enabled {
		records, err = store.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Error("failed to connect to database")
			os.Exit(1)
		}
		defer records.Close()
		if err := records.EnsureSchema(ctx); err != nil {
			log.WithError(err).Error("failed to bootstrap schema")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("database disabled; records API unavailable")
	}
	vault := store.NewVault(cfg.Vault.Secret)

	var archiver *archive.Archiver
	if cfg.Storage.S3.Enabled {
		archiver, err = archive.New(ctx, archive.Options{
			Bucket: cfg.Storage.S3.Bucket,
			Prefix: cfg.Storage.S3.Prefix,
			Region: cfg.Storage.S3.Region,
		})
		if err != nil {
			log.WithError(err).Error("failed to create S3 archiver")
			os.Exit(1)
		}
		archiver.Start(ctx)
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archiver")
	}

	leverage := exchange.NewLeverageResolver(cfg.Leverage.Enabled, cfg.Leverage.TTL, cfg.Market.RequestTimeout)
	fetchOpts := exchange.Options{
		RequestTimeout: cfg.Market.RequestTimeout,
		FanoutBudget:   cfg.Market.FanoutBudget,
		MaxConcurrency: cfg.Market.MaxConcurrency,
	}
	fetchers := []exchange.Fetcher{
		exchange.NewBinanceFetcher(fetchOpts, leverage),
		exchange.NewOkxFetcher(fetchOpts, leverage),
		exchange.NewBybitFetcher(fetchOpts, leverage),
		exchange.NewBitgetFetcher(fetchOpts, leverage),
		exchange.NewGateioFetcher(fetchOpts, leverage),
	}

	agg := aggregator.New(fetchers, shared, aggregator.Options{
		SnapshotTTL:     cfg.Market.SnapshotTTL,
		ExchangeTimeout: cfg.Market.ExchangeTimeout,
		StaleFactor:     cfg.Market.StaleFactor,
	})

	// Live order routing needs venue gateways; none ship by default, so the
	// orders endpoint only accepts record_only requests until one is registered.
	gateways := execution.Registry{}

	server := api.NewServer(cfg.API.Address, agg, records, vault, gateways, archiver)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		log.WithError(err).Error("api server failed")
		os.Exit(1)
	}

	if archiver != nil {
		log.Info("waiting for archive uploads to drain")
		archiver.Wait()
	}

	log.Info("fundingflow stopped")
}
