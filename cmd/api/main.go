package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"x-monitor/internal/adapters/media"
	"x-monitor/internal/adapters/repo"
	"x-monitor/internal/adapters/xapi"
	"x-monitor/internal/domain"
	"x-monitor/internal/infra/config"
	"x-monitor/internal/infra/db"
	httpinfra "x-monitor/internal/infra/http"
	infralog "x-monitor/internal/infra/log"
	"x-monitor/internal/infra/metrics"
	"x-monitor/internal/infra/openrouter"
	"x-monitor/internal/infra/queue"
	"x-monitor/internal/usecase/generate"
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
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
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
		log.Fatal().Err(err).Msg("api: очередь недоступна")
	}

	xAPIKey, err := repoAdapter.StringSetting(ctx, domain.SettingXAPIKey, cfg.XAPI.APIKey)
	if err != nil {
		log.Warn().Err(err).Msg("api: не удалось прочитать ключ провайдера из настроек")
		xAPIKey = cfg.XAPI.APIKey
	}
	provider := xapi.NewClient(xAPIKey, cfg.XAPI.BaseURL, cfg.XAPI.MinInterval, log.With().Str("component", "xapi").Logger())
	fetcher := media.NewFetcher(cfg.Media.Dir, log.With().Str("component", "media").Logger())

	retrievalSvc := retrieval.NewService(provider, fetcher, repoAdapter, repoAdapter, repoAdapter, genQueue,
		cfg.Retrieval.BatchSize, cfg.XAPI.MaxPages, log.With().Str("component", "retrieval").Logger())

	llm := openrouter.NewClient(cfg.OpenRouter.APIKey, cfg.OpenRouter.BaseURL, cfg.OpenRouter.Timeout)
	generateSvc := generate.NewService(llm, repoAdapter, repoAdapter, repoAdapter, genQueue,
		cfg.OpenRouter.Model, cfg.OpenRouter.APIKey, cfg.Limits.RepliesPerPost,
		log.With().Str("component", "generate").Logger())

	// Посты, зависшие в pending/processing после прошлого рестарта,
	// возвращаются в очередь до приёма трафика.
	if recovered, err := generateSvc.RecoverStuck(ctx); err != nil {
		log.Error().Err(err).Msg("api: восстановление незавершённых задач не удалось")
	} else if recovered > 0 {
		log.Info().Int("posts", recovered).Msg("api: незавершённые задачи возвращены в очередь")
	}

	srv := httpinfra.NewServer(log.With().Str("component", "http").Logger())

	srv.Router.Post("/api/retrievals", func(w http.ResponseWriter, r *http.Request) {
		if retrievalSvc.Stats().IsRunning {
			writeError(w, http.StatusConflict, retrieval.ErrAlreadyRunning.Error())
			return
		}
		defer r.Body.Close()
		var req retrievalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "неверное тело запроса")
			return
		}
		if req.Since != nil && req.Until != nil && !req.Until.After(*req.Since) {
			writeError(w, http.StatusBadRequest, "until должен быть позже since")
			return
		}
		go func() {
			var err error
			if req.Since != nil || req.Until != nil {
				_, err = retrievalSvc.Run(context.Background(), req.Since, req.Until)
			} else {
				_, err = retrievalSvc.StartForAllActive(context.Background())
			}
			if err != nil {
				log.Error().Err(err).Msg("api: выгрузка завершилась ошибкой")
			}
		}()
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"status": "started"})
	})

	srv.Router.Get("/api/retrievals/status", func(w http.ResponseWriter, r *http.Request) {
		stats := retrievalSvc.Stats()
		resp := map[string]any{
			"is_running":       stats.IsRunning,
			"accounts_checked": stats.AccountsChecked,
			"posts_found":      stats.PostsFound,
		}
		if stats.LastRunAt != nil {
			resp["last_run_at"] = stats.LastRunAt.UTC().Format(time.RFC3339)
			resp["last_run_seconds"] = stats.LastRunDuration.Seconds()
		}
		if stats.LastError != "" {
			resp["last_error"] = stats.LastError
		}
		writeJSON(w, resp)
	})

	srv.Router.Post("/api/posts/{id}/regenerate", func(w http.ResponseWriter, r *http.Request) {
		postID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "неверный идентификатор поста")
			return
		}
		defer r.Body.Close()
		var req regenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "неверное тело запроса")
			return
		}
		if err := generateSvc.Regenerate(r.Context(), postID, req.Hint); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "пост не найден")
				return
			}
			log.Error().Err(err).Str("post", postID.String()).Msg("api: перегенерация не запустилась")
			writeError(w, http.StatusInternalServerError, "не удалось запустить перегенерацию")
			return
		}
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"status": "processing"})
	})

	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			log.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type retrievalRequest struct {
	Since *time.Time `json:"since"`
	Until *time.Time `json:"until"`
}

type regenerateRequest struct {
	Hint string `json:"hint"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
