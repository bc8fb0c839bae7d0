package xapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"x-monitor/internal/domain"
	"x-monitor/internal/infra/metrics"
)

const defaultBaseURL = "https://api.twitterapi.io"

// MinRequestInterval — минимальная пауза между запросами к провайдеру.
// Жёсткое внешнее ограничение бесплатного тарифа (1 запрос / 5 сек),
// а не оптимизация.
const MinRequestInterval = 6 * time.Second

// Client выполняет запросы к twitterapi.io с соблюдением лимита частоты.
type Client struct {
	http        *http.Client
	baseURL     string
	minInterval time.Duration
	log         zerolog.Logger

	mu          sync.Mutex
	apiKey      string
	lastRequest time.Time
}

// NewClient создаёт клиента провайдера.
func NewClient(apiKey, baseURL string, minInterval time.Duration, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if minInterval <= 0 {
		minInterval = MinRequestInterval
	}
	return &Client{
		http:        &http.Client{Timeout: 30 * time.Second},
		baseURL:     baseURL,
		minInterval: minInterval,
		log:         logger,
		apiKey:      apiKey,
	}
}

var _ domain.ProviderClient = (*Client)(nil)

// IsConfigured сообщает, задан ли ключ API.
func (c *Client) IsConfigured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey != ""
}

// SetAPIKey обновляет ключ во время работы.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// rateLimit сериализует исходящие запросы через один мьютекс: каждый
// вызов досыпает остаток минимального интервала от предыдущего запроса.
func (c *Client) rateLimit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastRequest.IsZero() {
		elapsed := time.Since(c.lastRequest)
		if elapsed < c.minInterval {
			timer := time.NewTimer(c.minInterval - elapsed)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	c.lastRequest = time.Now()
	return nil
}

func (c *Client) currentKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey
}

func (c *Client) doGet(ctx context.Context, operation, path string, params url.Values) ([]byte, error) {
	if err := c.rateLimit(ctx); err != nil {
		return nil, err
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("xapi: build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.currentKey())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("xapi", operation, path, start, err)
		return nil, fmt.Errorf("xapi: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("xapi", operation, path, start, err)
		return nil, fmt.Errorf("xapi: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		provErr := &domain.ProviderError{Status: resp.StatusCode, Message: errorDetail(body)}
		metrics.ObserveNetworkRequest("xapi", operation, path, start, provErr)
		return nil, provErr
	}
	metrics.ObserveNetworkRequest("xapi", operation, path, start, nil)
	return body, nil
}

func errorDetail(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return detail
}

type wireUser struct {
	ID             string `json:"id"`
	UserName       string `json:"userName"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profilePicture"`
}

type wireMedia struct {
	MediaURLHTTPS string `json:"media_url_https"`
	Type          string `json:"type"`
}

type wireTweet struct {
	ID               string          `json:"id"`
	Text             string          `json:"text"`
	CreatedAt        string          `json:"createdAt"`
	IsReply          bool            `json:"isReply"`
	RetweetedTweet   json.RawMessage `json:"retweeted_tweet"`
	QuotedTweet      json.RawMessage `json:"quoted_tweet"`
	ExtendedEntities struct {
		Media []wireMedia `json:"media"`
	} `json:"extendedEntities"`
	Author wireUser `json:"author"`
}

// ResolveUser переводит username в стабильную идентичность пользователя.
func (c *Client) ResolveUser(ctx context.Context, username string) (domain.XUser, error) {
	params := url.Values{}
	params.Set("userName", username)
	body, err := c.doGet(ctx, "user_info", "/twitter/user/info", params)
	if err != nil {
		return domain.XUser{}, err
	}
	var payload struct {
		Data *wireUser `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.XUser{}, fmt.Errorf("xapi: decode user: %w", err)
	}
	if payload.Data == nil || payload.Data.ID == "" {
		return domain.XUser{}, domain.ErrNotFound
	}
	return domain.XUser{
		ID:              payload.Data.ID,
		Username:        payload.Data.UserName,
		Name:            payload.Data.Name,
		ProfileImageURL: upscaleAvatar(payload.Data.ProfilePicture),
	}, nil
}

// upscaleAvatar заменяет суффикс миниатюры на вариант 200x200.
func upscaleAvatar(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.Replace(raw, "_normal.", "_200x200.", 1)
}

// UserTimeline возвращает последние твиты пользователя, от новых к старым.
// Чтение останавливается, как только встречается id <= sinceID: всё дальше
// гарантированно уже видели. Возвращается не более maxResults твитов.
func (c *Client) UserTimeline(ctx context.Context, userID, sinceID string, maxResults int) ([]domain.Tweet, error) {
	params := url.Values{}
	params.Set("userId", userID)
	body, err := c.doGet(ctx, "last_tweets", "/twitter/user/last_tweets", params)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tweets []wireTweet `json:"tweets"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("xapi: decode tweets: %w", err)
	}

	var sinceNum int64
	if sinceID != "" {
		sinceNum, _ = strconv.ParseInt(sinceID, 10, 64)
	}

	var tweets []domain.Tweet
	for _, wt := range payload.Tweets {
		if sinceNum > 0 {
			id, err := strconv.ParseInt(wt.ID, 10, 64)
			if err == nil && id <= sinceNum {
				break
			}
		}
		tweets = append(tweets, c.parseTweet(wt, false))
		if maxResults > 0 && len(tweets) >= maxResults {
			break
		}
	}
	return tweets, nil
}

// SearchByUsers выгружает свежие твиты сразу нескольких пользователей одним
// advanced-search запросом `from:user1 OR from:user2 ... since_id:X`.
// Провайдер тарифицирует запросы, а не результаты, поэтому число запросов
// ограничено числом страниц, а не числом аккаунтов. since принимает дату
// в формате провайдера, например "2026-02-23_11:00:00_UTC".
func (c *Client) SearchByUsers(ctx context.Context, usernames []string, sinceID, since string, maxPages int) ([]domain.Tweet, error) {
	clauses := make([]string, 0, len(usernames))
	for _, u := range usernames {
		clauses = append(clauses, "from:"+u)
	}
	query := "(" + strings.Join(clauses, " OR ") + ") -filter:replies -filter:retweets"
	if sinceID != "" {
		query += " since_id:" + sinceID
	} else if since != "" {
		query += " since:" + since
	}

	var all []domain.Tweet
	cursor := ""
	pages := 0

	for page := 0; page < maxPages; page++ {
		params := url.Values{}
		params.Set("query", query)
		params.Set("queryType", "Latest")
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		body, err := c.doGet(ctx, "advanced_search", "/twitter/tweet/advanced_search", params)
		if err != nil {
			return nil, err
		}
		var payload struct {
			Tweets      []wireTweet `json:"tweets"`
			HasNextPage bool        `json:"has_next_page"`
			NextCursor  string      `json:"next_cursor"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("xapi: decode search page: %w", err)
		}
		for _, wt := range payload.Tweets {
			all = append(all, c.parseTweet(wt, true))
		}
		pages++
		if !payload.HasNextPage || payload.NextCursor == "" {
			break
		}
		cursor = payload.NextCursor
	}

	c.log.Info().
		Int("tweets", len(all)).
		Int("pages", pages).
		Int("users", len(usernames)).
		Msg("advanced search выполнен")
	return all, nil
}

// parseTweet нормализует сырой твит провайдера в доменную структуру.
// Это единственное место, где встречаются имена полей провайдера.
func (c *Client) parseTweet(wt wireTweet, withAuthor bool) domain.Tweet {
	var ref domain.ReferenceType
	switch {
	case wt.IsReply:
		ref = domain.RefReply
	case len(wt.RetweetedTweet) > 0 && string(wt.RetweetedTweet) != "null":
		ref = domain.RefRetweet
	case len(wt.QuotedTweet) > 0 && string(wt.QuotedTweet) != "null":
		ref = domain.RefQuote
	}

	var media []domain.XMedia
	for _, m := range wt.ExtendedEntities.Media {
		if m.MediaURLHTTPS == "" {
			continue
		}
		kind := domain.MediaKind(m.Type)
		if kind == "" {
			kind = domain.MediaPhoto
		}
		media = append(media, domain.XMedia{URL: m.MediaURLHTTPS, Kind: kind})
	}

	createdAt, err := time.Parse(time.RubyDate, wt.CreatedAt)
	if err != nil {
		c.log.Warn().Str("tweet", wt.ID).Str("created_at", wt.CreatedAt).Msg("не удалось разобрать дату твита")
		createdAt = time.Now().UTC()
	}

	tweet := domain.Tweet{
		ID:            wt.ID,
		Text:          wt.Text,
		CreatedAt:     createdAt,
		Media:         media,
		ReferenceType: ref,
	}
	if withAuthor {
		tweet.AuthorUsername = strings.ToLower(wt.Author.UserName)
		tweet.AuthorID = wt.Author.ID
		tweet.AuthorImageURL = upscaleAvatar(wt.Author.ProfilePicture)
	}
	return tweet
}
