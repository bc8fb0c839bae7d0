package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProviderClient отвечает за запросы к внешнему API данных X.
type ProviderClient interface {
	IsConfigured() bool
	ResolveUser(ctx context.Context, username string) (XUser, error)
	UserTimeline(ctx context.Context, userID, sinceID string, maxResults int) ([]Tweet, error)
	SearchByUsers(ctx context.Context, usernames []string, sinceID, since string, maxPages int) ([]Tweet, error)
}

// MediaFetcher скачивает вложения поста в локальное хранилище.
type MediaFetcher interface {
	Download(ctx context.Context, urls []string, externalID string) []string
}

// AccountRepo управляет наблюдаемыми аккаунтами.
type AccountRepo interface {
	ListActiveAccounts(ctx context.Context) ([]Account, error)
	ListBatchAccounts(ctx context.Context, batchID uuid.UUID) ([]Account, error)
	BackfillIdentity(ctx context.Context, accountID uuid.UUID, xUserID, displayName, profileImageURL string) error
	TouchChecked(ctx context.Context, accountID uuid.UUID, lastPostID string) error
}

// BatchRepo управляет запусками выгрузки.
type BatchRepo interface {
	CreateBatch(ctx context.Context, accountIDs []uuid.UUID, since, until *time.Time) (RetrievalBatch, error)
	LatestCompletedUntil(ctx context.Context) (*time.Time, error)
	FinishBatch(ctx context.Context, batchID uuid.UUID, status BatchStatus, errMsg string) error
}

// PostRepo управляет постами.
type PostRepo interface {
	// InsertPost вставляет пост, если external_post_id ещё не встречался.
	// Возвращает false без ошибки, если такой пост уже сохранён.
	InsertPost(ctx context.Context, post *Post) (bool, error)
	GetPostWithAccount(ctx context.Context, postID uuid.UUID) (Post, Account, error)
	SetLLMStatus(ctx context.Context, postID uuid.UUID, status LLMStatus) error
	ListUnfinishedPosts(ctx context.Context) ([]Post, error)
}

// ReplyRepo управляет сгенерированными ответами.
type ReplyRepo interface {
	// ReplaceReplies удаляет старые ответы поста, вставляет новые и
	// помечает пост завершённым — всё в одной транзакции.
	ReplaceReplies(ctx context.Context, postID uuid.UUID, texts []string, model string) error
	// ResetForRegeneration очищает ответы и переводит пост в processing
	// в одной транзакции, до постановки новой задачи в очередь.
	ResetForRegeneration(ctx context.Context, postID uuid.UUID) error
}

// Ключи настроек в хранилище настроек.
const (
	SettingOpenRouterModel  = "openrouter_model"
	SettingOpenRouterAPIKey = "openrouter_api_key"
	SettingSystemPrompt     = "system_prompt"
	SettingRepliesPerPost   = "replies_per_post"
	SettingXAPIKey          = "x_api_key"
)

// SettingsRepo читает конфигурацию из хранилища настроек.
type SettingsRepo interface {
	StringSetting(ctx context.Context, key, def string) (string, error)
	IntSetting(ctx context.Context, key string, def int) (int, error)
}

// Cache используется для межэкземплярных блокировок по TTL.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
}
