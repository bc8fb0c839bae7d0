package xapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"x-monitor/internal/domain"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-key", srv.URL, time.Millisecond, zerolog.Nop())
}

func TestResolveUser(t *testing.T) {
	var gotPath, gotKey string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		fmt.Fprint(w, `{"data":{"id":"123","userName":"elonmusk","name":"Elon Musk","profilePicture":"https://pbs.twimg.com/profile_images/1_normal.jpg"}}`)
	})

	user, err := c.ResolveUser(context.Background(), "elonmusk")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if gotPath != "/twitter/user/info" {
		t.Errorf("неверный путь запроса: %s", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("ключ API не передан в заголовке: %q", gotKey)
	}
	if user.ID != "123" || user.Username != "elonmusk" {
		t.Errorf("неверный пользователь: %+v", user)
	}
	if !strings.Contains(user.ProfileImageURL, "_200x200.") {
		t.Errorf("аватар не увеличен до 200x200: %s", user.ProfileImageURL)
	}
}

func TestResolveUserNotFound(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":null}`)
	})

	_, err := c.ResolveUser(context.Background(), "no_such_user")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получено: %v", err)
	}
}

func TestResolveUserProviderError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"message":"rate limit exceeded"}`)
	})

	_, err := c.ResolveUser(context.Background(), "elonmusk")
	var provErr *domain.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("ожидалась ProviderError, получено: %v", err)
	}
	if provErr.Status != http.StatusTooManyRequests {
		t.Errorf("неверный статус: %d", provErr.Status)
	}
	if !provErr.Retryable() {
		t.Error("429 должна считаться повторяемой ошибкой")
	}
}

func TestUserTimelineStopsAtSinceID(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tweets":[
			{"id":"300","text":"новый","createdAt":"Mon Jan 02 15:04:05 +0000 2026"},
			{"id":"200","text":"граница","createdAt":"Mon Jan 02 15:04:05 +0000 2026"},
			{"id":"100","text":"старый","createdAt":"Mon Jan 02 15:04:05 +0000 2026"}
		]}`)
	})

	tweets, err := c.UserTimeline(context.Background(), "123", "200", 0)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(tweets) != 1 {
		t.Fatalf("ожидался 1 твит новее since_id, получено %d", len(tweets))
	}
	if tweets[0].ID != "300" {
		t.Errorf("неверный твит: %s", tweets[0].ID)
	}
}

func TestUserTimelineCapsResults(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tweets":[
			{"id":"3","text":"a","createdAt":"Mon Jan 02 15:04:05 +0000 2026"},
			{"id":"2","text":"b","createdAt":"Mon Jan 02 15:04:05 +0000 2026"},
			{"id":"1","text":"c","createdAt":"Mon Jan 02 15:04:05 +0000 2026"}
		]}`)
	})

	tweets, err := c.UserTimeline(context.Background(), "123", "", 2)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(tweets) != 2 {
		t.Fatalf("ожидалось 2 твита, получено %d", len(tweets))
	}
}

func TestSearchByUsersPagination(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	var cursors []string
	page := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Query().Get("query"))
		cursors = append(cursors, r.URL.Query().Get("cursor"))
		page++
		n := page
		mu.Unlock()
		fmt.Fprintf(w, `{"tweets":[{"id":"%d","text":"t","createdAt":"Mon Jan 02 15:04:05 +0000 2026","author":{"id":"9","userName":"Alice"}}],"has_next_page":true,"next_cursor":"cur%d"}`, n, n)
	})

	tweets, err := c.SearchByUsers(context.Background(), []string{"alice", "bob"}, "", "2026-02-23_11:00:00_UTC", 3)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(tweets) != 3 {
		t.Fatalf("ожидалось 3 твита с 3 страниц, получено %d", len(tweets))
	}
	if page != 3 {
		t.Fatalf("клиент должен остановиться на maxPages=3, сделано запросов: %d", page)
	}
	wantQuery := "(from:alice OR from:bob) -filter:replies -filter:retweets since:2026-02-23_11:00:00_UTC"
	if queries[0] != wantQuery {
		t.Errorf("неверный поисковый запрос:\n got: %s\nwant: %s", queries[0], wantQuery)
	}
	if cursors[0] != "" || cursors[1] != "cur1" || cursors[2] != "cur2" {
		t.Errorf("курсоры не передаются между страницами: %v", cursors)
	}
	if tweets[0].AuthorUsername != "alice" {
		t.Errorf("имя автора должно приводиться к нижнему регистру: %q", tweets[0].AuthorUsername)
	}
}

func TestSearchByUsersSinceIDWins(t *testing.T) {
	var gotQuery string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		fmt.Fprint(w, `{"tweets":[],"has_next_page":false}`)
	})

	if _, err := c.SearchByUsers(context.Background(), []string{"alice"}, "555", "2026-02-23_11:00:00_UTC", 1); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !strings.Contains(gotQuery, "since_id:555") {
		t.Errorf("при заданном since_id должен использоваться он: %s", gotQuery)
	}
	if strings.Contains(gotQuery, "since:2026") {
		t.Errorf("since не должен попадать в запрос вместе с since_id: %s", gotQuery)
	}
}

func TestRateLimitSpacesRequests(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"id":"1","userName":"a"}}`)
	})
	c.minInterval = 120 * time.Millisecond

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.ResolveUser(context.Background(), "a"); err != nil {
			t.Fatalf("неожиданная ошибка: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 240*time.Millisecond {
		t.Errorf("три запроса выполнились слишком быстро: %v", elapsed)
	}
}

func TestRateLimitHonorsContext(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"id":"1","userName":"a"}}`)
	})
	c.minInterval = 5 * time.Second

	if _, err := c.ResolveUser(context.Background(), "a"); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.ResolveUser(ctx, "a")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ожидалась отмена по контексту, получено: %v", err)
	}
}

func TestParseTweetReferenceTypes(t *testing.T) {
	c := NewClient("k", "", time.Second, zerolog.Nop())

	cases := []struct {
		name string
		wt   wireTweet
		want domain.ReferenceType
	}{
		{"ответ", wireTweet{IsReply: true}, domain.RefReply},
		{"ретвит", wireTweet{RetweetedTweet: []byte(`{"id":"1"}`)}, domain.RefRetweet},
		{"цитата", wireTweet{QuotedTweet: []byte(`{"id":"1"}`)}, domain.RefQuote},
		{"обычный", wireTweet{}, ""},
		{"null не считается ретвитом", wireTweet{RetweetedTweet: []byte(`null`)}, ""},
	}
	for _, tc := range cases {
		tweet := c.parseTweet(tc.wt, false)
		if tweet.ReferenceType != tc.want {
			t.Errorf("%s: получено %q, ожидалось %q", tc.name, tweet.ReferenceType, tc.want)
		}
	}
}
