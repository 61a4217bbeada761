package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"image-resizer/internal/batch"
	"image-resizer/internal/blob"
	"image-resizer/internal/models"
	"image-resizer/internal/notify"
	"image-resizer/internal/server"
	"image-resizer/internal/storage"
	"image-resizer/internal/transform"
	"image-resizer/internal/worker"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "config.yaml"), "path to the yaml config")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.NewStorage(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to init storage", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var (
		blobs    blob.Store
		filesDir string
	)
	switch cfg.StorageDriver {
	case models.StorageMinIO:
		blobs, err = blob.NewMinIO(ctx, cfg.MinIO)
	default:
		var local *blob.Local
		local, err = blob.NewLocal(cfg.StoragePath, "/files")
		blobs, filesDir = local, cfg.StoragePath
	}
	if err != nil {
		log.Error("failed to init blob storage", "driver", cfg.StorageDriver, "error", err)
		os.Exit(1)
	}

	broadcaster := notify.NewBroadcaster()
	publishers := []notify.Publisher{broadcaster}
	switch cfg.Notifier {
	case models.NotifierKafka:
		k := notify.NewKafka(cfg.KafkaBroker, cfg.EventsTopic)
		defer k.Close()
		publishers = append(publishers, k)
	case models.NotifierAMQP:
		a, err := notify.NewAMQP(cfg.AMQPURL, cfg.EventsTopic)
		if err != nil {
			log.Error("failed to init amqp notifier", "error", err)
			os.Exit(1)
		}
		defer a.Close()
		publishers = append(publishers, a)
	}
	notifier := notify.New(log, blobs.URL, publishers...)
	aggregator := batch.NewAggregator(db, log)

	job := transform.NewJob(transform.Deps{
		Images:      db,
		Blobs:       blobs,
		Aggregator:  aggregator,
		Notifier:    notifier,
		Observer:    transform.NewLogObserver(log),
		MaxAttempts: cfg.Jobs.MaxAttempts,
	})

	reader := worker.NewReader(cfg.KafkaBroker, cfg.KafkaTopic, cfg.KafkaGroupID)
	defer reader.Close()
	w := worker.New(reader, job, log, worker.Options{
		Timeout: cfg.Jobs.Timeout,
		Backoff: cfg.Jobs.Backoff,
		Workers: cfg.Jobs.Workers,
	})

	enqueuer := worker.NewEnqueuer(cfg.KafkaBroker, cfg.KafkaTopic)
	defer enqueuer.Close()

	srv := server.NewServer(cfg, db, aggregator, blobs, enqueuer, broadcaster, filesDir, log)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := w.Run(ctx); err != nil {
			log.Error("worker stopped", "error", err)
		}
	}()

	go func() {
		log.Info("server starting", "addr", cfg.ServerAddr)
		if err := srv.Start(); err != nil {
			log.Error("failed to start server", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("server shutdown", "error", err)
	}
	<-workerDone
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
