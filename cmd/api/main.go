// The api command runs the ingest HTTP service: upload slots, document
// registration, and the pipeline status endpoints.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"brant.roofing.org/api"
	"brant.roofing.org/common"
	"brant.roofing.org/config"
	"brant.roofing.org/httpkit"
	"brant.roofing.org/queue"
	"brant.roofing.org/storage"
	"brant.roofing.org/store"
)

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	loader := config.NewLoader("BRANT")
	loader.SetConfigDefaults()
	var cfg config.Config
	if err := loader.Load(*cfgFile, &cfg); err != nil {
		common.Logger.WithError(err).Fatal("failed to load configuration")
	}
	if err := config.ValidateConfig(&cfg); err != nil {
		common.Logger.WithError(err).Fatal("invalid configuration")
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to open document store")
	}

	var blobs storage.BlobStore
	if cfg.Blob.Endpoint != "" || cfg.Blob.AccessKey != "" {
		blobs, err = storage.NewS3BlobStore(ctx, cfg.Blob)
		if err != nil {
			common.Logger.WithError(err).Fatal("failed to initialize blob store")
		}
	} else {
		common.Logger.WithField("dir", cfg.Blob.LocalDir).Info("no blob endpoint configured, using local storage")
		blobs = &storage.LocalBlobStore{Root: cfg.Blob.LocalDir}
	}

	jobs, err := queue.New(cfg.Broker)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to connect to broker")
	}
	defer jobs.Close()

	dedupe, err := store.NewDedupeCache(ctx, cfg.Redis.URL, cfg.Redis.DedupeWindow)
	if err != nil {
		common.Logger.WithError(err).Warn("dedupe cache unavailable, idempotency disabled")
		dedupe = nil
	} else {
		defer dedupe.Close()
	}

	e := httpkit.NewEchoServer(cfg.Server)
	handlers := api.NewHandlers(st, blobs, jobs, dedupeOrNil(dedupe), jobs, &cfg)
	handlers.Register(e, cfg.Server.APIKey)

	if err := httpkit.Start(ctx, e, cfg.Server); err != nil {
		common.Logger.WithError(err).Fatal("http server failed")
	}
}

// dedupeOrNil avoids handing the handlers a typed nil interface.
func dedupeOrNil(c *store.DedupeCache) api.Dedupe {
	if c == nil {
		return nil
	}
	return c
}
