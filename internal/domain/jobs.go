package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// GenerationCause описывает источник задачи генерации.
type GenerationCause string

const (
	// GenerationCauseRetrieval — пост только что выгружен.
	GenerationCauseRetrieval GenerationCause = "retrieval"
	// GenerationCauseRegenerate — пользователь запросил перегенерацию.
	GenerationCauseRegenerate GenerationCause = "regenerate"
	// GenerationCauseRecovery — пост подобран при восстановлении после рестарта.
	GenerationCauseRecovery GenerationCause = "recovery"
)

// GenerationJob содержит информацию о задаче генерации ответов.
type GenerationJob struct {
	ID          string          `json:"job_id,omitempty"`
	PostID      uuid.UUID       `json:"post_id"`
	Hint        string          `json:"hint,omitempty"`
	Cause       GenerationCause `json:"cause"`
	RequestedAt time.Time       `json:"requested_at"`
}

// GenerationAckFunc подтверждает обработку или возвращает задачу в очередь.
type GenerationAckFunc func(success bool) error

// GenerationQueue описывает очередь задач генерации.
type GenerationQueue interface {
	Enqueue(ctx context.Context, job GenerationJob) error
	Receive(ctx context.Context) (GenerationJob, GenerationAckFunc, error)
}
