package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"x-monitor/internal/adapters/media"
	"x-monitor/internal/adapters/repo"
	"x-monitor/internal/adapters/xapi"
	"x-monitor/internal/domain"
	"x-monitor/internal/infra/cache"
	"x-monitor/internal/infra/config"
	"x-monitor/internal/infra/db"
	infralog "x-monitor/internal/infra/log"
	"x-monitor/internal/infra/metrics"
	"x-monitor/internal/infra/queue"
	"x-monitor/internal/usecase/retrieval"
)

func main() {
	cfg := config.Load()
	log.Logger = infralog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
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
		log.Fatal().Err(err).Msg("scheduler: очередь недоступна")
	}

	xAPIKey, err := repoAdapter.StringSetting(ctx, domain.SettingXAPIKey, cfg.XAPI.APIKey)
	if err != nil {
		log.Warn().Err(err).Msg("scheduler: не удалось прочитать ключ провайдера из настроек")
		xAPIKey = cfg.XAPI.APIKey
	}
	provider := xapi.NewClient(xAPIKey, cfg.XAPI.BaseURL, cfg.XAPI.MinInterval, log.With().Str("component", "xapi").Logger())
	fetcher := media.NewFetcher(cfg.Media.Dir, log.With().Str("component", "media").Logger())

	retrievalSvc := retrieval.NewService(provider, fetcher, repoAdapter, repoAdapter, repoAdapter, genQueue,
		cfg.Retrieval.BatchSize, cfg.XAPI.MaxPages, log.With().Str("component", "retrieval").Logger())

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), ":9090")

	runOnce := func() {
		_, err := retrievalSvc.StartForAllActive(ctx)
		if errors.Is(err, retrieval.ErrAlreadyRunning) {
			log.Warn().Msg("scheduler: прошлая выгрузка ещё идёт, запуск пропущен")
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("scheduler: выгрузка завершилась ошибкой")
		}
	}

	scheduled := runOnce
	if redisClient != nil {
		// Replica-гвард: при нескольких экземплярах планировщика цикл
		// запускает только тот, кто первым захватил ключ.
		redisCache := cache.NewRedis(redisClient)
		scheduled = func() {
			err := redisCache.Once("scheduler:retrieval", cfg.Retrieval.Interval/2, func() error {
				runOnce()
				return nil
			})
			if err != nil {
				log.Error().Err(err).Msg("scheduler: блокировка не взялась")
			}
		}
	}

	c := cron.New()
	if _, err := c.AddFunc("@every "+cfg.Retrieval.Interval.String(), scheduled); err != nil {
		log.Fatal().Err(err).Msg("scheduler: неверный интервал выгрузки")
	}
	c.Start()
	log.Info().Dur("interval", cfg.Retrieval.Interval).Msg("scheduler: старт")

	<-ctx.Done()
	log.Info().Msg("scheduler: остановка")
	<-c.Stop().Done()
}
