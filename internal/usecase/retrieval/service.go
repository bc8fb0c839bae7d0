package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"x-monitor/internal/domain"
	"x-monitor/internal/infra/metrics"
)

// ErrAlreadyRunning возвращается при попытке запустить выгрузку поверх идущей.
var ErrAlreadyRunning = errors.New("выгрузка уже выполняется")

// providerSinceLayout — формат даты в поисковом запросе провайдера.
const providerSinceLayout = "2006-01-02_15:04:05"

// timelineMaxResults ограничивает выборку при чтении таймлайна одного аккаунта.
const timelineMaxResults = 100

// Service реализует жизненный цикл выгрузки постов.
type Service struct {
	provider domain.ProviderClient
	fetcher  domain.MediaFetcher
	accounts domain.AccountRepo
	batches  domain.BatchRepo
	posts    domain.PostRepo
	queue    domain.GenerationQueue
	log      zerolog.Logger

	groupSize int
	maxPages  int
	now       func() time.Time

	mu    sync.Mutex
	stats domain.RetrievalStats
}

// NewService создаёт сервис выгрузки.
func NewService(provider domain.ProviderClient, fetcher domain.MediaFetcher, accounts domain.AccountRepo, batches domain.BatchRepo, posts domain.PostRepo, queue domain.GenerationQueue, groupSize, maxPages int, logger zerolog.Logger) *Service {
	if groupSize <= 0 {
		groupSize = 20
	}
	if maxPages <= 0 {
		maxPages = 5
	}
	return &Service{
		provider:  provider,
		fetcher:   fetcher,
		accounts:  accounts,
		batches:   batches,
		posts:     posts,
		queue:     queue,
		log:       logger,
		groupSize: groupSize,
		maxPages:  maxPages,
		now:       time.Now,
	}
}

// Stats возвращает снимок состояния последней выгрузки.
func (s *Service) Stats() domain.RetrievalStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) markRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.IsRunning {
		return false
	}
	s.stats.IsRunning = true
	return true
}

func (s *Service) markFinished(started time.Time, checked, found int, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := started
	s.stats.IsRunning = false
	s.stats.LastRunAt = &ts
	s.stats.LastRunDuration = s.now().Sub(started)
	s.stats.AccountsChecked = checked
	s.stats.PostsFound = found
	if runErr != nil {
		s.stats.LastError = runErr.Error()
	} else {
		s.stats.LastError = ""
	}
}

// StartForAllActive запускает выгрузку по всем активным аккаунтам.
// Нижняя граница окна — until_dt последней успешной выгрузки, а при её
// отсутствии — сутки назад.
func (s *Service) StartForAllActive(ctx context.Context) (domain.RetrievalBatch, error) {
	since, err := s.batches.LatestCompletedUntil(ctx)
	if err != nil {
		return domain.RetrievalBatch{}, fmt.Errorf("чтение границы прошлой выгрузки: %w", err)
	}
	if since == nil {
		ts := s.now().UTC().Add(-24 * time.Hour)
		since = &ts
	}
	until := s.now().UTC()
	return s.Run(ctx, since, &until)
}

// Run выполняет один цикл выгрузки в окне (since, until].
// Одновременно может идти только один цикл.
func (s *Service) Run(ctx context.Context, since, until *time.Time) (domain.RetrievalBatch, error) {
	if !s.markRunning() {
		return domain.RetrievalBatch{}, ErrAlreadyRunning
	}
	started := s.now()

	batch, checked, found, err := s.run(ctx, since, until)
	s.markFinished(started, checked, found, err)
	metrics.ObserveRetrieval(started, err)
	return batch, err
}

func (s *Service) run(ctx context.Context, since, until *time.Time) (domain.RetrievalBatch, int, int, error) {
	accounts, err := s.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return domain.RetrievalBatch{}, 0, 0, fmt.Errorf("чтение аккаунтов: %w", err)
	}

	accountIDs := make([]uuid.UUID, 0, len(accounts))
	for _, acc := range accounts {
		accountIDs = append(accountIDs, acc.ID)
	}
	batch, err := s.batches.CreateBatch(ctx, accountIDs, since, until)
	if err != nil {
		return domain.RetrievalBatch{}, 0, 0, fmt.Errorf("создание выгрузки: %w", err)
	}

	if len(accounts) == 0 {
		if err := s.batches.FinishBatch(ctx, batch.ID, domain.BatchCompleted, "нет активных аккаунтов"); err != nil {
			return batch, 0, 0, err
		}
		batch.Status = domain.BatchCompleted
		s.log.Info().Str("batch", batch.ID.String()).Msg("нет активных аккаунтов, выгрузка пуста")
		return batch, 0, 0, nil
	}

	if !s.provider.IsConfigured() {
		_ = s.batches.FinishBatch(ctx, batch.ID, domain.BatchFailed, domain.ErrNotConfigured.Error())
		batch.Status = domain.BatchFailed
		return batch, 0, 0, domain.ErrNotConfigured
	}

	// Дальше выгрузка идёт по зафиксированному составу, а не по живому
	// списку: аккаунт, выключенный после создания выгрузки, в её рамках
	// всё равно обрабатывается.
	accounts, err = s.accounts.ListBatchAccounts(ctx, batch.ID)
	if err != nil {
		_ = s.batches.FinishBatch(ctx, batch.ID, domain.BatchFailed, err.Error())
		batch.Status = domain.BatchFailed
		return batch, 0, 0, fmt.Errorf("чтение аккаунтов выгрузки: %w", err)
	}

	byUsername := make(map[string]*domain.Account, len(accounts))
	for i := range accounts {
		byUsername[strings.ToLower(accounts[i].Username)] = &accounts[i]
	}

	var (
		created      []uuid.UUID
		found        int
		groupsFailed int
		lastErr      error
	)
	lastSeen := make(map[uuid.UUID]string)

	process := func(acc *domain.Account, tweet domain.Tweet) {
		if until != nil && tweet.CreatedAt.After(*until) {
			return
		}
		if since != nil && !tweet.CreatedAt.After(*since) {
			return
		}
		if acc.XUserID == "" && tweet.AuthorID != "" {
			if err := s.accounts.BackfillIdentity(ctx, acc.ID, tweet.AuthorID, "", tweet.AuthorImageURL); err != nil {
				s.log.Warn().Err(err).Str("account", acc.Username).Msg("не удалось дозаполнить аккаунт")
			} else {
				acc.XUserID = tweet.AuthorID
			}
		}
		postID, inserted, err := s.storeTweet(ctx, batch.ID, acc, tweet)
		if err != nil {
			s.log.Error().Err(err).Str("tweet", tweet.ID).Msg("не удалось сохранить пост")
			lastErr = err
			return
		}
		if inserted {
			created = append(created, postID)
			found++
			metrics.IncPostsInserted()
		} else {
			metrics.IncPostsDuplicate()
		}
		if maxPostID(lastSeen[acc.ID], tweet.ID) == tweet.ID {
			lastSeen[acc.ID] = tweet.ID
		}
	}

	groups := groupUsernames(accounts, s.groupSize)
	for _, group := range groups {
		tweets, err := s.provider.SearchByUsers(ctx, group, "", formatSince(since), s.maxPages)
		if err != nil {
			var provErr *domain.ProviderError
			if errors.As(err, &provErr) && provErr.Retryable() {
				// Провайдер перегружен или лимитирован: таймлайны упрутся
				// в ту же ошибку и только сожгут бюджет запросов.
				groupsFailed++
				lastErr = err
				s.log.Error().Err(err).Strs("group", group).Msg("поиск по группе аккаунтов не удался")
				continue
			}
			s.log.Error().Err(err).Strs("group", group).Msg("поиск по группе аккаунтов не удался, переход на таймлайны")
			// Деградация: аккаунты сломанной группы читаются по одному
			// через таймлайн пользователя.
			survived := 0
			for _, username := range group {
				acc := byUsername[username]
				if fbErr := s.fallbackTimeline(ctx, acc, process); fbErr != nil {
					s.log.Warn().Err(fbErr).Str("account", acc.Username).Msg("таймлайн аккаунта тоже недоступен")
					continue
				}
				survived++
			}
			if survived == 0 {
				groupsFailed++
				lastErr = err
			}
			continue
		}
		for _, tweet := range tweets {
			acc, ok := byUsername[tweet.AuthorUsername]
			if !ok {
				continue
			}
			process(acc, tweet)
		}
	}

	for _, acc := range accounts {
		if err := s.accounts.TouchChecked(ctx, acc.ID, lastSeen[acc.ID]); err != nil {
			s.log.Warn().Err(err).Str("account", acc.Username).Msg("не удалось отметить проверку аккаунта")
		}
	}

	// Выгрузка проваливается целиком только когда не удалась ни одна
	// группа: частичный результат полезнее пустого.
	if groupsFailed == len(groups) && groupsFailed > 0 {
		msg := ""
		if lastErr != nil {
			msg = lastErr.Error()
		}
		_ = s.batches.FinishBatch(ctx, batch.ID, domain.BatchFailed, msg)
		batch.Status = domain.BatchFailed
		return batch, len(accounts), found, fmt.Errorf("все группы аккаунтов не выгрузились: %w", lastErr)
	}

	if err := s.batches.FinishBatch(ctx, batch.ID, domain.BatchCompleted, ""); err != nil {
		return batch, len(accounts), found, err
	}
	batch.Status = domain.BatchCompleted

	// Задачи ставятся в очередь после фиксации выгрузки: воркер не должен
	// увидеть задачу раньше, чем пост окажется в БД.
	for _, postID := range created {
		job := domain.GenerationJob{
			ID:          uuid.NewString(),
			PostID:      postID,
			Cause:       domain.GenerationCauseRetrieval,
			RequestedAt: s.now().UTC(),
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.log.Error().Err(err).Str("post", postID.String()).Msg("не удалось поставить задачу генерации")
		}
	}

	s.log.Info().
		Str("batch", batch.ID.String()).
		Int("accounts", len(accounts)).
		Int("posts", found).
		Int("groups_failed", groupsFailed).
		Msg("выгрузка завершена")
	return batch, len(accounts), found, nil
}

// fallbackTimeline выгружает посты одного аккаунта через его таймлайн,
// когда групповой поиск недоступен. Для аккаунта без известного идентификатора
// сначала резолвится пользователь.
func (s *Service) fallbackTimeline(ctx context.Context, acc *domain.Account, process func(*domain.Account, domain.Tweet)) error {
	if acc.XUserID == "" {
		user, err := s.provider.ResolveUser(ctx, acc.Username)
		if err != nil {
			return fmt.Errorf("резолв пользователя %s: %w", acc.Username, err)
		}
		if err := s.accounts.BackfillIdentity(ctx, acc.ID, user.ID, user.Name, user.ProfileImageURL); err != nil {
			s.log.Warn().Err(err).Str("account", acc.Username).Msg("не удалось дозаполнить аккаунт")
		}
		acc.XUserID = user.ID
	}
	tweets, err := s.provider.UserTimeline(ctx, acc.XUserID, acc.LastPostID, timelineMaxResults)
	if err != nil {
		return fmt.Errorf("таймлайн %s: %w", acc.Username, err)
	}
	for _, tweet := range tweets {
		// Поиск отсекает реплаи и ретвиты на уровне запроса, таймлайн — нет.
		if tweet.ReferenceType == domain.RefReply || tweet.ReferenceType == domain.RefRetweet {
			continue
		}
		process(acc, tweet)
	}
	return nil
}

func (s *Service) storeTweet(ctx context.Context, batchID uuid.UUID, acc *domain.Account, tweet domain.Tweet) (uuid.UUID, bool, error) {
	var mediaURLs []string
	for _, m := range tweet.Media {
		mediaURLs = append(mediaURLs, m.URL)
	}
	var localPaths []string
	if len(mediaURLs) > 0 {
		localPaths = s.fetcher.Download(ctx, mediaURLs, tweet.ID)
	}

	post := domain.Post{
		AccountID:       acc.ID,
		BatchID:         &batchID,
		ExternalPostID:  tweet.ID,
		PostURL:         fmt.Sprintf("https://x.com/%s/status/%s", acc.Username, tweet.ID),
		Text:            tweet.Text,
		HasMedia:        len(mediaURLs) > 0,
		MediaURLs:       mediaURLs,
		MediaLocalPaths: localPaths,
		PostType:        domain.PostTypeOf(tweet.ReferenceType),
		PostedAt:        tweet.CreatedAt,
		LLMStatus:       domain.LLMPending,
	}
	inserted, err := s.posts.InsertPost(ctx, &post)
	if err != nil {
		return uuid.Nil, false, err
	}
	return post.ID, inserted, nil
}

// groupUsernames режет аккаунты на группы для одного поискового запроса.
func groupUsernames(accounts []domain.Account, size int) [][]string {
	var groups [][]string
	for i := 0; i < len(accounts); i += size {
		end := i + size
		if end > len(accounts) {
			end = len(accounts)
		}
		group := make([]string, 0, end-i)
		for _, acc := range accounts[i:end] {
			group = append(group, strings.ToLower(acc.Username))
		}
		groups = append(groups, group)
	}
	return groups
}

// formatSince переводит время в формат since-условия провайдера.
func formatSince(since *time.Time) string {
	if since == nil {
		return ""
	}
	return since.UTC().Format(providerSinceLayout) + "_UTC"
}

// maxPostID сравнивает идентификаторы постов как числа.
func maxPostID(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	an, aerr := strconv.ParseInt(a, 10, 64)
	bn, berr := strconv.ParseInt(b, 10, 64)
	if aerr != nil || berr != nil {
		if a > b {
			return a
		}
		return b
	}
	if an > bn {
		return a
	}
	return b
}
