package generate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"x-monitor/internal/domain"
	"x-monitor/internal/infra/openrouter"
)

type stubLLM struct {
	apiKey  string
	lastReq openrouter.ChatCompletionRequest
	calls   int
	content string
	err     error
}

func (l *stubLLM) SetAPIKey(key string) { l.apiKey = key }

func (l *stubLLM) CreateChatCompletion(ctx context.Context, req openrouter.ChatCompletionRequest) (openrouter.ChatCompletionResponse, error) {
	l.lastReq = req
	l.calls++
	if l.err != nil {
		return openrouter.ChatCompletionResponse{}, l.err
	}
	var resp openrouter.ChatCompletionResponse
	resp.Choices = make([]openrouter.ChatCompletionChoice, 1)
	resp.Choices[0].Message.Content = l.content
	return resp, nil
}

type stubPosts struct {
	posts      map[uuid.UUID]domain.Post
	account    domain.Account
	unfinished []domain.Post
	statuses   []domain.LLMStatus
}

func (p *stubPosts) InsertPost(ctx context.Context, post *domain.Post) (bool, error) {
	return false, errors.New("не используется")
}

func (p *stubPosts) GetPostWithAccount(ctx context.Context, postID uuid.UUID) (domain.Post, domain.Account, error) {
	post, ok := p.posts[postID]
	if !ok {
		return domain.Post{}, domain.Account{}, domain.ErrNotFound
	}
	return post, p.account, nil
}

func (p *stubPosts) SetLLMStatus(ctx context.Context, postID uuid.UUID, status domain.LLMStatus) error {
	p.statuses = append(p.statuses, status)
	return nil
}

func (p *stubPosts) ListUnfinishedPosts(ctx context.Context) ([]domain.Post, error) {
	return p.unfinished, nil
}

type stubReplies struct {
	replacedTexts []string
	replacedModel string
	replaceErr    error
	resetCalls    int
}

func (r *stubReplies) ReplaceReplies(ctx context.Context, postID uuid.UUID, texts []string, model string) error {
	if r.replaceErr != nil {
		return r.replaceErr
	}
	r.replacedTexts = texts
	r.replacedModel = model
	return nil
}

func (r *stubReplies) ResetForRegeneration(ctx context.Context, postID uuid.UUID) error {
	r.resetCalls++
	return nil
}

type stubSettings struct {
	strings map[string]string
	ints    map[string]int
}

func (s *stubSettings) StringSetting(ctx context.Context, key, def string) (string, error) {
	if v, ok := s.strings[key]; ok {
		return v, nil
	}
	return def, nil
}

func (s *stubSettings) IntSetting(ctx context.Context, key string, def int) (int, error) {
	if v, ok := s.ints[key]; ok {
		return v, nil
	}
	return def, nil
}

type stubQueue struct {
	jobs []domain.GenerationJob
}

func (q *stubQueue) Enqueue(ctx context.Context, job domain.GenerationJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubQueue) Receive(ctx context.Context) (domain.GenerationJob, domain.GenerationAckFunc, error) {
	return domain.GenerationJob{}, nil, errors.New("не используется")
}

type fixture struct {
	llm      *stubLLM
	posts    *stubPosts
	replies  *stubReplies
	settings *stubSettings
	queue    *stubQueue
	svc      *Service
	postID   uuid.UUID
}

func newFixture(post domain.Post) *fixture {
	if post.ID == uuid.Nil {
		post.ID = uuid.New()
	}
	f := &fixture{
		llm:      &stubLLM{content: `{"replies":["первый","второй"]}`},
		posts:    &stubPosts{posts: map[uuid.UUID]domain.Post{post.ID: post}, account: domain.Account{Username: "alice", DisplayName: "Alice"}},
		replies:  &stubReplies{},
		settings: &stubSettings{strings: map[string]string{}, ints: map[string]int{}},
		queue:    &stubQueue{},
		postID:   post.ID,
	}
	f.svc = NewService(f.llm, f.posts, f.replies, f.settings, f.queue, "test/model", "env-key", 10, zerolog.Nop())
	return f
}

func TestGenerateSuccess(t *testing.T) {
	f := newFixture(domain.Post{Text: "hello world"})

	job := domain.GenerationJob{PostID: f.postID, Cause: domain.GenerationCauseRetrieval}
	if err := f.svc.Generate(context.Background(), job); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(f.posts.statuses) != 1 || f.posts.statuses[0] != domain.LLMProcessing {
		t.Errorf("пост должен переводиться в processing перед генерацией: %v", f.posts.statuses)
	}
	if len(f.replies.replacedTexts) != 2 {
		t.Fatalf("ожидалось 2 ответа, получено: %v", f.replies.replacedTexts)
	}
	if f.replies.replacedModel != "test/model" {
		t.Errorf("модель должна сохраняться вместе с ответами: %s", f.replies.replacedModel)
	}
	if f.llm.apiKey != "env-key" {
		t.Errorf("без настройки должен использоваться ключ из окружения: %s", f.llm.apiKey)
	}
	if f.llm.lastReq.Temperature != generationTemperature || f.llm.lastReq.MaxTokens != generationMaxTokens {
		t.Errorf("неверные параметры запроса: %+v", f.llm.lastReq)
	}
	if f.llm.lastReq.ResponseFormat == nil || f.llm.lastReq.ResponseFormat.Type != openrouter.ResponseFormatTypeJSONSchema {
		t.Errorf("ответ должен ограничиваться json_schema: %+v", f.llm.lastReq.ResponseFormat)
	}
}

func TestGenerateSettingsOverride(t *testing.T) {
	f := newFixture(domain.Post{Text: "hello"})
	f.settings.strings[domain.SettingOpenRouterAPIKey] = "db-key"
	f.settings.strings[domain.SettingOpenRouterModel] = "other/model"
	f.settings.ints[domain.SettingRepliesPerPost] = 1
	f.llm.content = `{"replies":["a","b","c"]}`

	if err := f.svc.Generate(context.Background(), domain.GenerationJob{PostID: f.postID}); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if f.llm.apiKey != "db-key" {
		t.Errorf("ключ из настроек должен иметь приоритет: %s", f.llm.apiKey)
	}
	if f.llm.lastReq.Model != "other/model" {
		t.Errorf("модель из настроек должна иметь приоритет: %s", f.llm.lastReq.Model)
	}
	if len(f.replies.replacedTexts) != 1 {
		t.Errorf("список ответов должен обрезаться до replies_per_post: %v", f.replies.replacedTexts)
	}
}

func TestGenerateLegacyArrayFormat(t *testing.T) {
	f := newFixture(domain.Post{Text: "hello"})
	f.llm.content = `["один","два","три"]`

	if err := f.svc.Generate(context.Background(), domain.GenerationJob{PostID: f.postID}); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(f.replies.replacedTexts) != 3 {
		t.Errorf("голый массив строк должен приниматься: %v", f.replies.replacedTexts)
	}
}

func TestGenerateReplaceFailure(t *testing.T) {
	f := newFixture(domain.Post{Text: "hello"})
	f.replies.replaceErr = errors.New("БД недоступна")

	err := f.svc.Generate(context.Background(), domain.GenerationJob{PostID: f.postID})
	if err == nil {
		t.Fatal("ошибка сохранения ответов должна возвращаться наружу")
	}
	last := f.posts.statuses[len(f.posts.statuses)-1]
	if last != domain.LLMFailed {
		t.Errorf("после ошибки сохранения пост должен быть failed: %v", f.posts.statuses)
	}
}

func TestGenerateLLMFailure(t *testing.T) {
	f := newFixture(domain.Post{Text: "hello"})
	f.llm.err = errors.New("всё сломалось")

	err := f.svc.Generate(context.Background(), domain.GenerationJob{PostID: f.postID})
	if err == nil {
		t.Fatal("ошибка модели должна возвращаться наружу")
	}
	last := f.posts.statuses[len(f.posts.statuses)-1]
	if last != domain.LLMFailed {
		t.Errorf("после ошибки пост должен быть failed: %v", f.posts.statuses)
	}
	if f.replies.replacedTexts != nil {
		t.Errorf("ответы не должны сохраняться при ошибке: %v", f.replies.replacedTexts)
	}
}

func TestGenerateMissingPost(t *testing.T) {
	f := newFixture(domain.Post{Text: "hello"})

	if err := f.svc.Generate(context.Background(), domain.GenerationJob{PostID: uuid.New()}); err != nil {
		t.Fatalf("исчезнувший пост не должен считаться ошибкой задачи: %v", err)
	}
	if f.llm.calls != 0 {
		t.Errorf("модель не должна вызываться для отсутствующего поста")
	}
}

func TestGenerateNoAPIKey(t *testing.T) {
	f := newFixture(domain.Post{Text: "hello"})
	f.svc.defaultAPIKey = ""

	err := f.svc.Generate(context.Background(), domain.GenerationJob{PostID: f.postID})
	if !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("ожидалась ErrNotConfigured, получено: %v", err)
	}
	last := f.posts.statuses[len(f.posts.statuses)-1]
	if last != domain.LLMFailed {
		t.Errorf("без ключа пост должен становиться failed: %v", f.posts.statuses)
	}
}

func TestGenerateSkipsMissingMedia(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "image_0.png")
	if err := os.WriteFile(existing, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := newFixture(domain.Post{
		Text:            "с картинками",
		HasMedia:        true,
		MediaLocalPaths: []string{existing, filepath.Join(dir, "missing.jpg")},
	})

	if err := f.svc.Generate(context.Background(), domain.GenerationJob{PostID: f.postID}); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	parts, ok := f.llm.lastReq.Messages[1].Content.([]openrouter.ContentPart)
	if !ok {
		t.Fatalf("сообщение пользователя должно быть мультимодальным: %T", f.llm.lastReq.Messages[1].Content)
	}
	images := 0
	for _, part := range parts {
		if part.Type == openrouter.ContentTypeImageURL {
			images++
			if part.ImageURL == nil || part.ImageURL.URL[:15] != "data:image/png;" {
				t.Errorf("картинка должна уходить как data URI: %+v", part.ImageURL)
			}
		}
	}
	if images != 1 {
		t.Errorf("недоступный файл должен пропускаться, картинок: %d", images)
	}
}

func TestRegenerate(t *testing.T) {
	f := newFixture(domain.Post{Text: "hello"})

	if err := f.svc.Regenerate(context.Background(), f.postID, "пиши коротко"); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if f.replies.resetCalls != 1 {
		t.Errorf("старые ответы должны сбрасываться до постановки задачи")
	}
	if len(f.queue.jobs) != 1 {
		t.Fatalf("должна встать ровно одна задача: %d", len(f.queue.jobs))
	}
	job := f.queue.jobs[0]
	if job.Cause != domain.GenerationCauseRegenerate || job.Hint == "" || job.PostID != f.postID {
		t.Errorf("неверная задача перегенерации: %+v", job)
	}
}

func TestRegenerateUnknownPost(t *testing.T) {
	f := newFixture(domain.Post{Text: "hello"})

	err := f.svc.Regenerate(context.Background(), uuid.New(), "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получено: %v", err)
	}
	if f.replies.resetCalls != 0 {
		t.Error("сброс не должен выполняться для неизвестного поста")
	}
}

func TestRecoverStuck(t *testing.T) {
	f := newFixture(domain.Post{Text: "hello"})
	f.posts.unfinished = []domain.Post{
		{ID: uuid.New(), LLMStatus: domain.LLMPending},
		{ID: uuid.New(), LLMStatus: domain.LLMProcessing},
	}

	recovered, err := f.svc.RecoverStuck(context.Background())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if recovered != 2 || len(f.queue.jobs) != 2 {
		t.Fatalf("обе зависшие задачи должны вернуться в очередь: %d", recovered)
	}
	for _, job := range f.queue.jobs {
		if job.Cause != domain.GenerationCauseRecovery {
			t.Errorf("причина задачи должна быть recovery: %+v", job)
		}
	}
}

func TestParseRepliesErrors(t *testing.T) {
	if _, err := parseReplies("это не JSON"); err == nil {
		t.Error("мусор должен приводить к ошибке разбора")
	}
	texts, err := parseReplies(`{"replies":["  a  ",""]}`)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(texts) != 1 || texts[0] != "a" {
		t.Errorf("пустые строки должны отбрасываться, пробелы обрезаться: %v", texts)
	}
}

func TestParseRepliesStripsCodeFence(t *testing.T) {
	fenced := "```json\n[\"раз\",\"два\"]\n```"
	texts, err := parseReplies(fenced)
	if err != nil {
		t.Fatalf("ответ в markdown-обёртке должен разбираться: %v", err)
	}
	if len(texts) != 2 || texts[0] != "раз" {
		t.Errorf("неверный разбор обёрнутого ответа: %v", texts)
	}
}
