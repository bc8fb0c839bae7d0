package domain

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus описывает состояние запуска выгрузки.
type BatchStatus string

const (
	// BatchRunning — выгрузка выполняется.
	BatchRunning BatchStatus = "running"
	// BatchCompleted — выгрузка завершена успешно.
	BatchCompleted BatchStatus = "completed"
	// BatchFailed — выгрузка завершилась ошибкой.
	BatchFailed BatchStatus = "failed"
)

// LLMStatus описывает состояние генерации ответов для поста.
type LLMStatus string

const (
	// LLMPending — пост ждёт генерации.
	LLMPending LLMStatus = "pending"
	// LLMProcessing — генерация выполняется.
	LLMProcessing LLMStatus = "processing"
	// LLMCompleted — ответы сгенерированы.
	LLMCompleted LLMStatus = "completed"
	// LLMFailed — генерация завершилась ошибкой.
	LLMFailed LLMStatus = "failed"
)

// PostType классифицирует пост провайдера.
type PostType string

const (
	PostTypeTweet   PostType = "tweet"
	PostTypeRetweet PostType = "retweet"
	PostTypeQuote   PostType = "quote"
	PostTypeReply   PostType = "reply"
)

// Account описывает наблюдаемый аккаунт X.
type Account struct {
	ID              uuid.UUID
	Username        string
	DisplayName     string
	XUserID         string
	ProfileImageURL string
	IsActive        bool
	AddedAt         time.Time
	LastCheckedAt   *time.Time
	LastPostID      string
}

// RetrievalBatch описывает один запуск выгрузки постов.
type RetrievalBatch struct {
	ID           uuid.UUID
	CreatedAt    time.Time
	SinceDT      *time.Time
	UntilDT      *time.Time
	Status       BatchStatus
	ErrorMessage string
}

// Post представляет один выгруженный пост.
type Post struct {
	ID              uuid.UUID
	AccountID       uuid.UUID
	BatchID         *uuid.UUID
	ExternalPostID  string
	PostURL         string
	Text            string
	HasMedia        bool
	MediaURLs       []string
	MediaLocalPaths []string
	PostType        PostType
	PostedAt        time.Time
	ScrapedAt       time.Time
	LLMStatus       LLMStatus
}

// GeneratedReply содержит один вариант ответа на пост.
type GeneratedReply struct {
	ID          uuid.UUID
	PostID      uuid.UUID
	Text        string
	ReplyIndex  int
	ModelUsed   string
	IsFavorite  bool
	WasUsed     bool
	GeneratedAt time.Time
}

// MediaKind описывает тип вложения у провайдера.
type MediaKind string

const (
	MediaPhoto       MediaKind = "photo"
	MediaVideo       MediaKind = "video"
	MediaAnimatedGIF MediaKind = "animated_gif"
)

// XMedia описывает вложение твита.
type XMedia struct {
	URL  string
	Kind MediaKind
}

// XUser описывает пользователя X после нормализации ответа провайдера.
type XUser struct {
	ID              string
	Username        string
	Name            string
	ProfileImageURL string
}

// ReferenceType классифицирует связь твита с другим твитом.
type ReferenceType string

const (
	RefReply   ReferenceType = "replied_to"
	RefRetweet ReferenceType = "retweeted"
	RefQuote   ReferenceType = "quoted"
)

// Tweet представляет нормализованный твит из ответа провайдера.
// Поля автора заполняются только у результатов advanced search.
type Tweet struct {
	ID             string
	Text           string
	CreatedAt      time.Time
	Media          []XMedia
	ReferenceType  ReferenceType
	AuthorUsername string
	AuthorID       string
	AuthorImageURL string
}

// PostTypeOf переводит тип ссылки провайдера в тип поста.
func PostTypeOf(ref ReferenceType) PostType {
	switch ref {
	case RefRetweet:
		return PostTypeRetweet
	case RefQuote:
		return PostTypeQuote
	case RefReply:
		return PostTypeReply
	default:
		return PostTypeTweet
	}
}

// RetrievalStats хранит итоги последнего цикла выгрузки.
type RetrievalStats struct {
	IsRunning       bool
	LastRunAt       *time.Time
	LastRunDuration time.Duration
	AccountsChecked int
	PostsFound      int
	LastError       string
}
