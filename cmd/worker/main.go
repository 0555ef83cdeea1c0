package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"ai-worker/internal/config"
	"ai-worker/internal/repository/jobapi"
	"ai-worker/internal/repository/objectstore"
	"ai-worker/internal/repository/postgresql"
	"ai-worker/internal/service"
	"ai-worker/internal/stage"
	httptransport "ai-worker/internal/transport/http"
	"ai-worker/internal/worker"
)

type poisonStore interface {
	worker.PoisonSink
	httptransport.PoisonLister
	io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("storage: %v", err)
	}
	slog.Info("worker config", slog.Any("config", cfg))

	client := &http.Client{Timeout: cfg.APITimeout}

	// status reporting
	repo := jobapi.NewJobRepository(client, cfg.APIBaseURL, cfg.InternalAPIKey)

	// uploads and synthesis run much longer than a status call
	stageClient := newStageClient(cfg)

	// stages
	transcriber := stage.NewTranscriber(
		stage.NewWhisperTranscriber(stageClient, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.UploadPath),
		stage.NewStubTranscriber(),
		cfg.UseOpenAI && cfg.OpenAIAPIKey != "",
	)
	translator := stage.NewTranslator(stage.NewHelsinkiTranslator(), stage.NewStubTranslator(), cfg.UseHelsinki)
	synthesizer := stage.NewSynthesizer(
		stage.NewCoquiSynthesizer(stageClient, cfg.CoquiURL),
		stage.NewStubSynthesizer(),
		cfg.UseCoqui,
	)

	stats := worker.NewStats()
	procOpts := []worker.ProcessorOption{worker.WithStats(stats)}

	if cfg.MinIO.Enabled() {
		store, err := objectstore.NewMinIOStore(ctx, objectstore.Config{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Bucket:          cfg.MinIO.Bucket,
			BasePath:        cfg.MinIO.BasePath,
		})
		if err != nil {
			log.Fatalf("minio: %v", err)
		}
		procOpts = append(procOpts, worker.WithReplicator(store))
	}

	poison, err := openPoisonStore(ctx, cfg)
	if err != nil {
		log.Fatalf("poison sink: %v", err)
	}

	processor := worker.NewProcessor(repo, transcriber, translator, synthesizer, cfg.ResultsPath, procOpts...)

	queue := service.NewRabbitQueue(service.RabbitConfig{
		URL:      cfg.RabbitMQURL,
		Queue:    cfg.RabbitMQQueue,
		DLQ:      cfg.RabbitMQDLQ,
		Prefetch: cfg.Prefetch,
	})

	var sink worker.PoisonSink
	var closers []io.Closer
	if poison != nil {
		sink = poison
		closers = append(closers, poison)
	}
	pool := worker.NewPool(processor, cfg.Prefetch, cfg.RabbitMQQueue, stats, sink)

	lcOpts := []worker.LifecycleOption{
		worker.WithClosers(closers...),
		worker.WithShutdownTimeout(cfg.ShutdownTimeout),
	}
	if cfg.AdminAddr != "" {
		var hOpts []httptransport.HandlerOption
		if poison != nil {
			hOpts = append(hOpts, httptransport.WithPoisonLister(poison))
		}
		h := httptransport.NewHandler(service.NewJobService(queue), stats, queue, hOpts...)
		lcOpts = append(lcOpts, worker.WithAdminServer(&http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           httptransport.Routes(h, cfg.ServiceAPIKey),
			ReadHeaderTimeout: 5 * time.Second,
		}))
	}

	lc := worker.NewLifecycle(queue, pool, repo, lcOpts...)

	slog.Info("worker starting", slog.String("queue", cfg.RabbitMQQueue), slog.Int("prefetch", cfg.Prefetch))
	if err := lc.Start(ctx); err != nil {
		slog.Error("worker exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newStageClient(cfg *config.Config) *http.Client {
	return &http.Client{Timeout: cfg.StageTimeout}
}

func openPoisonStore(ctx context.Context, cfg *config.Config) (poisonStore, error) {
	switch cfg.PoisonSink {
	case config.PoisonSinkRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, err
		}
		return service.NewRedisPoisonSink(rdb, cfg.RedisPoisonKey, cfg.PoisonMax), nil

	case config.PoisonSinkPostgres:
		pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		repo := postgresql.NewPoisonRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return repo, nil

	default:
		return nil, nil
	}
}
