package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"x-monitor/internal/infra/metrics"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

const defaultMaxRetries = 3

// Client выполняет Chat Completions запросы к OpenRouter.
type Client struct {
	http       *http.Client
	baseURL    string
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	apiKey string
}

// NewClient создаёт клиента OpenRouter.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout + 5*time.Second}
	return &Client{
		http:       httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxRetries: defaultMaxRetries,
		sleep:      sleepCtx,
	}
}

// SetAPIKey обновляет ключ во время работы (ключ может прийти из настроек).
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
}

func (c *Client) currentKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey
}

// ChatCompletionRequest описывает тело запроса.
type ChatCompletionRequest struct {
	Model          string                        `json:"model"`
	Messages       []ChatMessage                 `json:"messages"`
	Temperature    float64                       `json:"temperature,omitempty"`
	MaxTokens      int                           `json:"max_tokens,omitempty"`
	ResponseFormat *ChatCompletionResponseFormat `json:"response_format,omitempty"`
}

// ChatMessage представляет сообщение в диалоге. Content — либо строка,
// либо список ContentPart для мультимодальных сообщений.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart — один блок мультимодального сообщения.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL содержит ссылку или data URI картинки.
type ImageURL struct {
	URL string `json:"url"`
}

const (
	// RoleSystem системная инструкция.
	RoleSystem = "system"
	// RoleUser сообщение пользователя.
	RoleUser = "user"

	// ContentTypeText текстовый блок.
	ContentTypeText = "text"
	// ContentTypeImageURL блок с картинкой.
	ContentTypeImageURL = "image_url"
)

// ChatCompletionResponseFormat задаёт формат ответа.
type ChatCompletionResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema описывает схему структурированного ответа.
type JSONSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

const (
	// ResponseFormatTypeJSONObject просит вернуть объект JSON.
	ResponseFormatTypeJSONObject = "json_object"
	// ResponseFormatTypeJSONSchema ограничивает ответ схемой.
	ResponseFormatTypeJSONSchema = "json_schema"
)

// ChatCompletionResponse описывает ответ модели.
type ChatCompletionResponse struct {
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *ChatCompletionUsage   `json:"usage,omitempty"`
}

// ChatCompletionChoice содержит сообщение модели.
type ChatCompletionChoice struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// ChatCompletionUsage описывает статистику использования токенов.
type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StatusError возвращается при не-2xx ответе, который нет смысла повторять.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openrouter: статус %d: %s", e.Status, e.Message)
}

// CreateChatCompletion вызывает /chat/completions с повторами.
// Повторяются ответы 429 и 5xx, а также таймауты запроса; пауза между
// попытками растёт как 2^attempt секунд. Любой другой не-2xx статус
// завершает вызов сразу.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResponse, error) {
	apiKey := c.currentKey()
	if apiKey == "" {
		return ChatCompletionResponse{}, fmt.Errorf("openrouter: api key is empty")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("openrouter: marshal request: %w", err)
	}
	endpoint := c.baseURL + "/chat/completions"

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return ChatCompletionResponse{}, fmt.Errorf("openrouter: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)

		start := time.Now()
		resp, err := c.http.Do(httpReq)
		if err != nil {
			metrics.ObserveNetworkRequest("openrouter", "chat_completions", req.Model, start, err)
			if !isTimeout(err) {
				return ChatCompletionResponse{}, fmt.Errorf("openrouter: do request: %w", err)
			}
			lastErr = err
			if err := c.backoff(ctx, attempt); err != nil {
				return ChatCompletionResponse{}, err
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			metrics.ObserveNetworkRequest("openrouter", "chat_completions", req.Model, start, readErr)
			return ChatCompletionResponse{}, fmt.Errorf("openrouter: read response: %w", readErr)
		}

		if resp.StatusCode == http.StatusOK {
			var completion ChatCompletionResponse
			if err := json.Unmarshal(respBody, &completion); err != nil {
				metrics.ObserveNetworkRequest("openrouter", "chat_completions", req.Model, start, err)
				return ChatCompletionResponse{}, fmt.Errorf("openrouter: decode response: %w", err)
			}
			metrics.ObserveNetworkRequest("openrouter", "chat_completions", req.Model, start, nil)
			if completion.Usage != nil {
				metrics.ObserveLLMGeneration(req.Model, time.Since(start), completion.Usage.PromptTokens, completion.Usage.CompletionTokens, completion.Usage.TotalTokens)
			}
			return completion, nil
		}

		statusErr := &StatusError{Status: resp.StatusCode, Message: errorMessage(respBody)}
		metrics.ObserveNetworkRequest("openrouter", "chat_completions", req.Model, start, statusErr)
		if !retryableStatus(resp.StatusCode) {
			return ChatCompletionResponse{}, statusErr
		}
		lastErr = statusErr
		if err := c.backoff(ctx, attempt); err != nil {
			return ChatCompletionResponse{}, err
		}
	}

	return ChatCompletionResponse{}, fmt.Errorf("openrouter: исчерпаны %d попытки: %w", c.maxRetries, lastErr)
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	wait := time.Duration(1<<uint(attempt+1)) * time.Second
	return c.sleep(ctx, wait)
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errorMessage(body []byte) string {
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
