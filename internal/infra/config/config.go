package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	XAPI struct {
		APIKey      string        `envconfig:"X_API_KEY"`
		BaseURL     string        `envconfig:"X_API_BASE_URL"`
		MinInterval time.Duration `envconfig:"X_API_MIN_INTERVAL" default:"6s"`
		MaxPages    int           `envconfig:"X_API_MAX_PAGES" default:"5"`
	} `envconfig:""`

	OpenRouter struct {
		APIKey  string        `envconfig:"OPENROUTER_API_KEY"`
		BaseURL string        `envconfig:"OPENROUTER_BASE_URL"`
		Model   string        `envconfig:"OPENROUTER_MODEL" default:"anthropic/claude-sonnet-4-20250514"`
		Timeout time.Duration `envconfig:"OPENROUTER_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Media struct {
		Dir string `envconfig:"MEDIA_DIR" default:"/app/data/media"`
	} `envconfig:""`

	Retrieval struct {
		Interval  time.Duration `envconfig:"RETRIEVAL_INTERVAL" default:"30m"`
		BatchSize int           `envconfig:"RETRIEVAL_BATCH_SIZE" default:"20"`
	} `envconfig:""`

	Limits struct {
		RepliesPerPost int `envconfig:"REPLIES_PER_POST" default:"10"`
	} `envconfig:""`

	Queues struct {
		Generation string `envconfig:"GENERATION_QUEUE_KEY" default:"generation_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
