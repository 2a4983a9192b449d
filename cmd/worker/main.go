// The worker command runs the pipeline worker: it consumes document jobs
// from the broker, drives each through the five processing stages under the
// three-phase commit protocol, and runs the lease janitor.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"brant.roofing.org/analyze"
	"brant.roofing.org/common"
	"brant.roofing.org/config"
	"brant.roofing.org/estimate"
	"brant.roofing.org/extract"
	"brant.roofing.org/interpret"
	"brant.roofing.org/llm"
	"brant.roofing.org/measure"
	"brant.roofing.org/ocr"
	"brant.roofing.org/pipeline"
	"brant.roofing.org/queue"
	"brant.roofing.org/storage"
	"brant.roofing.org/store"
	"brant.roofing.org/worker"
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
		blobs = &storage.LocalBlobStore{Root: cfg.Blob.LocalDir}
	}

	jobs, err := queue.New(cfg.Broker)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to connect to broker")
	}
	defer jobs.Close()

	var cancelFlags pipeline.CancelFlags
	dedupe, err := store.NewDedupeCache(ctx, cfg.Redis.URL, cfg.Redis.DedupeWindow)
	if err != nil {
		common.Logger.WithError(err).Warn("redis unavailable, cancellation uses DB polling only")
	} else {
		defer dedupe.Close()
		cancelFlags = dedupe
	}

	// Adapter calls share a per-process token bucket to respect upstream
	// quotas.
	llmClient := pipeline.NewRateLimitedLLM(llm.NewHTTPClient(cfg.LLM), cfg.LLM.RatePerSecond)
	ocrEngine := pipeline.NewRateLimitedOCR(ocr.NewClient(cfg.OCR), cfg.OCR.RatePerSecond)

	orch := pipeline.New(
		st,
		blobs,
		jobs,
		cancelFlags,
		analyze.New(llmClient),
		extract.New(ocrEngine, cfg.OCR),
		measure.New(llmClient, cfg.CV, cfg.LLM),
		interpret.New(llmClient, cfg.LLM),
		estimate.New(cfg.Pricing),
		cfg.Pipeline,
	)

	janitor := pipeline.NewJanitor(st, jobs, jobs, cfg.Pipeline.JanitorInterval, cfg.Pipeline.RetryMaxAttempts)
	go janitor.Run(ctx)

	pool := worker.NewPool(jobs, orch, cfg.Pipeline.WorkerConcurrency)
	consumerTag := "brant-worker-" + uuid.New().String()[:8]
	if err := pool.Run(ctx, consumerTag); err != nil {
		common.Logger.WithError(err).Fatal("worker pool failed")
	}
}
