package generate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"x-monitor/internal/domain"
	"x-monitor/internal/infra/metrics"
	"x-monitor/internal/infra/openrouter"
)

const (
	generationTemperature = 0.8
	generationMaxTokens   = 2000
)

const defaultSystemPrompt = "You are a social media assistant. Generate engaging, natural-sounding replies to posts on X (formerly Twitter). Each reply must be under 280 characters, written in the same language as the post, and must not repeat other replies. Avoid hashtags unless they add real value."

// repliesSchema ограничивает ответ модели объектом с массивом строк.
var repliesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "replies": {
      "type": "array",
      "items": {"type": "string"}
    }
  },
  "required": ["replies"],
  "additionalProperties": false
}`)

// LLMClient — подмножество клиента OpenRouter, нужное сервису.
type LLMClient interface {
	SetAPIKey(key string)
	CreateChatCompletion(ctx context.Context, req openrouter.ChatCompletionRequest) (openrouter.ChatCompletionResponse, error)
}

// Service реализует генерацию ответов на посты.
type Service struct {
	llm      LLMClient
	posts    domain.PostRepo
	replies  domain.ReplyRepo
	settings domain.SettingsRepo
	queue    domain.GenerationQueue
	log      zerolog.Logger

	defaultModel   string
	defaultAPIKey  string
	defaultReplies int
}

// NewService создаёт сервис генерации. defaultAPIKey — ключ из окружения,
// значение из настроек имеет приоритет.
func NewService(llm LLMClient, posts domain.PostRepo, replies domain.ReplyRepo, settings domain.SettingsRepo, queue domain.GenerationQueue, defaultModel, defaultAPIKey string, defaultReplies int, logger zerolog.Logger) *Service {
	if defaultReplies <= 0 {
		defaultReplies = 10
	}
	return &Service{
		llm:            llm,
		posts:          posts,
		replies:        replies,
		settings:       settings,
		queue:          queue,
		log:            logger,
		defaultModel:   defaultModel,
		defaultAPIKey:  defaultAPIKey,
		defaultReplies: defaultReplies,
	}
}

// Generate выполняет одну задачу генерации: строит промпт по посту,
// вызывает модель и заменяет ответы поста свежим набором.
func (s *Service) Generate(ctx context.Context, job domain.GenerationJob) error {
	post, account, err := s.posts.GetPostWithAccount(ctx, job.PostID)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Warn().Str("post", job.PostID.String()).Msg("пост задачи не найден, задача пропущена")
		metrics.ObserveGenerationOutcome("missing")
		return nil
	}
	if err != nil {
		metrics.ObserveGenerationOutcome("failed")
		return fmt.Errorf("чтение поста: %w", err)
	}

	if err := s.posts.SetLLMStatus(ctx, post.ID, domain.LLMProcessing); err != nil {
		metrics.ObserveGenerationOutcome("failed")
		return fmt.Errorf("перевод поста в processing: %w", err)
	}

	texts, model, err := s.generateReplies(ctx, post, account, job.Hint)
	if err != nil {
		if setErr := s.posts.SetLLMStatus(ctx, post.ID, domain.LLMFailed); setErr != nil {
			s.log.Error().Err(setErr).Str("post", post.ID.String()).Msg("не удалось пометить пост failed")
		}
		metrics.ObserveGenerationOutcome("failed")
		return err
	}

	if err := s.replies.ReplaceReplies(ctx, post.ID, texts, model); err != nil {
		if setErr := s.posts.SetLLMStatus(ctx, post.ID, domain.LLMFailed); setErr != nil {
			s.log.Error().Err(setErr).Str("post", post.ID.String()).Msg("не удалось пометить пост failed")
		}
		metrics.ObserveGenerationOutcome("failed")
		return fmt.Errorf("сохранение ответов: %w", err)
	}

	metrics.ObserveGenerationOutcome("completed")
	s.log.Info().
		Str("post", post.ID.String()).
		Str("cause", string(job.Cause)).
		Int("replies", len(texts)).
		Str("model", model).
		Msg("ответы сгенерированы")
	return nil
}

func (s *Service) generateReplies(ctx context.Context, post domain.Post, account domain.Account, hint string) ([]string, string, error) {
	apiKey, err := s.settings.StringSetting(ctx, domain.SettingOpenRouterAPIKey, s.defaultAPIKey)
	if err != nil {
		return nil, "", fmt.Errorf("чтение ключа OpenRouter: %w", err)
	}
	if apiKey == "" {
		return nil, "", domain.ErrNotConfigured
	}
	s.llm.SetAPIKey(apiKey)

	model, err := s.settings.StringSetting(ctx, domain.SettingOpenRouterModel, s.defaultModel)
	if err != nil {
		return nil, "", fmt.Errorf("чтение модели: %w", err)
	}
	count, err := s.settings.IntSetting(ctx, domain.SettingRepliesPerPost, s.defaultReplies)
	if err != nil {
		return nil, "", fmt.Errorf("чтение числа ответов: %w", err)
	}
	if count <= 0 {
		count = s.defaultReplies
	}
	systemPrompt, err := s.settings.StringSetting(ctx, domain.SettingSystemPrompt, defaultSystemPrompt)
	if err != nil {
		return nil, "", fmt.Errorf("чтение системного промпта: %w", err)
	}

	req := openrouter.ChatCompletionRequest{
		Model: model,
		Messages: []openrouter.ChatMessage{
			{Role: openrouter.RoleSystem, Content: systemPrompt},
			{Role: openrouter.RoleUser, Content: s.buildUserContent(post, account, hint, count)},
		},
		Temperature: generationTemperature,
		MaxTokens:   generationMaxTokens,
		ResponseFormat: &openrouter.ChatCompletionResponseFormat{
			Type: openrouter.ResponseFormatTypeJSONSchema,
			JSONSchema: &openrouter.JSONSchema{
				Name:   "replies",
				Strict: true,
				Schema: repliesSchema,
			},
		},
	}

	resp, err := s.llm.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("запрос к модели: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, "", fmt.Errorf("модель не вернула ни одного варианта")
	}

	texts, err := parseReplies(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, "", err
	}
	if len(texts) == 0 {
		return nil, "", fmt.Errorf("модель вернула пустой список ответов")
	}
	if len(texts) > count {
		texts = texts[:count]
	}
	return texts, model, nil
}

// buildUserContent собирает мультимодальное сообщение: текст поста плюс
// скачанные картинки как data URI. Отсутствующий на диске файл пропускается.
func (s *Service) buildUserContent(post domain.Post, account domain.Account, hint string, count int) []openrouter.ContentPart {
	var b strings.Builder
	author := account.Username
	if account.DisplayName != "" {
		fmt.Fprintf(&b, "Post by %s (@%s):\n\n", account.DisplayName, author)
	} else {
		fmt.Fprintf(&b, "Post by @%s:\n\n", author)
	}
	b.WriteString(post.Text)
	fmt.Fprintf(&b, "\n\nGenerate %d different replies to this post.", count)
	if hint != "" {
		fmt.Fprintf(&b, "\n\nAdditional instructions: %s", hint)
	}

	parts := []openrouter.ContentPart{{Type: openrouter.ContentTypeText, Text: b.String()}}
	for _, path := range post.MediaLocalPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("файл вложения недоступен, пропущен")
			continue
		}
		parts = append(parts, openrouter.ContentPart{
			Type:     openrouter.ContentTypeImageURL,
			ImageURL: &openrouter.ImageURL{URL: dataURI(path, data)},
		})
	}
	return parts
}

func dataURI(path string, data []byte) string {
	mime := "image/jpeg"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		mime = "image/png"
	case ".gif":
		mime = "image/gif"
	case ".webp":
		mime = "image/webp"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// parseReplies разбирает ответ модели: основной формат — объект с полем
// replies, устаревший — голый массив строк.
func parseReplies(content string) ([]string, error) {
	content = stripCodeFence(strings.TrimSpace(content))

	var wrapped struct {
		Replies []string `json:"replies"`
	}
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil && wrapped.Replies != nil {
		return cleanReplies(wrapped.Replies), nil
	}

	var legacy []string
	if err := json.Unmarshal([]byte(content), &legacy); err == nil {
		return cleanReplies(legacy), nil
	}

	return nil, fmt.Errorf("не удалось разобрать ответ модели: %.200s", content)
}

// stripCodeFence убирает markdown-обёртку ```json ... ```, которой модели
// иногда оборачивают JSON несмотря на запрошенный формат.
func stripCodeFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

func cleanReplies(raw []string) []string {
	var texts []string
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r != "" {
			texts = append(texts, r)
		}
	}
	return texts
}

// Regenerate сбрасывает ответы поста и ставит новую задачу генерации.
// Сброс выполняется синхронно: клиент сразу видит статус processing.
func (s *Service) Regenerate(ctx context.Context, postID uuid.UUID, hint string) error {
	if _, _, err := s.posts.GetPostWithAccount(ctx, postID); err != nil {
		return err
	}
	if err := s.replies.ResetForRegeneration(ctx, postID); err != nil {
		return fmt.Errorf("сброс ответов: %w", err)
	}
	job := domain.GenerationJob{
		ID:          uuid.NewString(),
		PostID:      postID,
		Hint:        hint,
		Cause:       domain.GenerationCauseRegenerate,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("постановка задачи: %w", err)
	}
	return nil
}

// RecoverStuck заново ставит в очередь посты, оставшиеся в pending или
// processing после рестарта. Возвращает число поставленных задач.
func (s *Service) RecoverStuck(ctx context.Context) (int, error) {
	posts, err := s.posts.ListUnfinishedPosts(ctx)
	if err != nil {
		return 0, fmt.Errorf("поиск незавершённых постов: %w", err)
	}
	recovered := 0
	for _, post := range posts {
		job := domain.GenerationJob{
			ID:          uuid.NewString(),
			PostID:      post.ID,
			Cause:       domain.GenerationCauseRecovery,
			RequestedAt: time.Now().UTC(),
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.log.Error().Err(err).Str("post", post.ID.String()).Msg("не удалось восстановить задачу")
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.log.Info().Int("posts", recovered).Msg("незавершённые посты возвращены в очередь")
	}
	return recovered, nil
}
