package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"x-monitor/internal/adapters/repo"
	"x-monitor/internal/infra/config"
	"x-monitor/internal/infra/db"
	infralog "x-monitor/internal/infra/log"
	"x-monitor/internal/infra/metrics"
	"x-monitor/internal/infra/openrouter"
	"x-monitor/internal/infra/queue"
	"x-monitor/internal/usecase/generate"
)

func main() {
	cfg := config.Load()
	log.Logger = infralog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}
	genQueue, err := queue.New(cfg.RabbitURL, redisClient, cfg.Queues.Generation)
	if err != nil {
		log.Fatal().Err(err).Msg("worker: очередь недоступна")
	}

	llm := openrouter.NewClient(cfg.OpenRouter.APIKey, cfg.OpenRouter.BaseURL, cfg.OpenRouter.Timeout)
	generateSvc := generate.NewService(llm, repoAdapter, repoAdapter, repoAdapter, genQueue,
		cfg.OpenRouter.Model, cfg.OpenRouter.APIKey, cfg.Limits.RepliesPerPost,
		log.With().Str("component", "generate").Logger())

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), ":9090")

	log.Info().Msg("worker: старт")
	for {
		job, ack, err := genQueue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Msg("worker: ошибка чтения очереди")
			continue
		}

		genErr := generateSvc.Generate(ctx, job)
		if genErr != nil {
			log.Error().Err(genErr).Str("post", job.PostID.String()).Str("cause", string(job.Cause)).Msg("worker: задача завершилась ошибкой")
		}

		// Ошибка генерации терминальна: пост уже помечен failed, повторная
		// доставка ничего не исправит. В очередь возвращаются только задачи,
		// прерванные остановкой воркера.
		requeue := genErr != nil && errors.Is(genErr, context.Canceled)
		if ackErr := ack(!requeue); ackErr != nil {
			log.Error().Err(ackErr).Str("job", job.ID).Msg("worker: не удалось подтвердить задачу")
		}
	}
	log.Info().Msg("worker: остановка")
}
