package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"x-monitor/internal/domain"
	"x-monitor/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.AccountRepo = (*Postgres)(nil)
	_ domain.BatchRepo   = (*Postgres)(nil)
	_ domain.PostRepo    = (*Postgres)(nil)
	_ domain.ReplyRepo   = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const accountColumns = `id, username, display_name, x_user_id, profile_image_url, is_active, added_at, last_checked_at, last_post_id`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		acc       domain.Account
		display   sql.NullString
		xUserID   sql.NullString
		avatar    sql.NullString
		checkedAt sql.NullTime
		lastPost  sql.NullString
	)
	err := row.Scan(&acc.ID, &acc.Username, &display, &xUserID, &avatar, &acc.IsActive, &acc.AddedAt, &checkedAt, &lastPost)
	if err != nil {
		return domain.Account{}, err
	}
	if display.Valid {
		acc.DisplayName = display.String
	}
	if xUserID.Valid {
		acc.XUserID = xUserID.String
	}
	if avatar.Valid {
		acc.ProfileImageURL = avatar.String
	}
	if checkedAt.Valid {
		ts := checkedAt.Time
		acc.LastCheckedAt = &ts
	}
	if lastPost.Valid {
		acc.LastPostID = lastPost.String
	}
	return acc, nil
}

// ListActiveAccounts возвращает активные наблюдаемые аккаунты.
func (p *Postgres) ListActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+accountColumns+`
FROM monitored_accounts WHERE is_active
ORDER BY added_at
`)
	metrics.ObserveNetworkRequest("postgres", "accounts_list_active", "monitored_accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// ListBatchAccounts возвращает аккаунты, закреплённые за выгрузкой.
func (p *Postgres) ListBatchAccounts(ctx context.Context, batchID uuid.UUID) ([]domain.Account, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT a.id, a.username, a.display_name, a.x_user_id, a.profile_image_url, a.is_active, a.added_at, a.last_checked_at, a.last_post_id
FROM monitored_accounts a
JOIN batch_accounts ba ON ba.account_id = a.id
WHERE ba.batch_id = $1
ORDER BY a.added_at
`, batchID)
	metrics.ObserveNetworkRequest("postgres", "accounts_list_batch", "batch_accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// BackfillIdentity дозаполняет идентичность аккаунта данными провайдера.
// Пустые значения не затирают уже сохранённые.
func (p *Postgres) BackfillIdentity(ctx context.Context, accountID uuid.UUID, xUserID, displayName, profileImageURL string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE monitored_accounts
SET x_user_id = COALESCE(NULLIF($2,''), x_user_id),
    display_name = COALESCE(NULLIF($3,''), display_name),
    profile_image_url = COALESCE(NULLIF($4,''), profile_image_url)
WHERE id = $1
`, accountID, xUserID, displayName, profileImageURL)
	metrics.ObserveNetworkRequest("postgres", "accounts_backfill_identity", "monitored_accounts", start, err)
	return err
}

// TouchChecked отмечает проверку аккаунта и сдвигает last_post_id вперёд.
func (p *Postgres) TouchChecked(ctx context.Context, accountID uuid.UUID, lastPostID string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE monitored_accounts
SET last_checked_at = now(),
    last_post_id = COALESCE(NULLIF($2,''), last_post_id)
WHERE id = $1
`, accountID, lastPostID)
	metrics.ObserveNetworkRequest("postgres", "accounts_touch_checked", "monitored_accounts", start, err)
	return err
}

// CreateBatch создаёт запуск выгрузки в статусе running и закрепляет за ним
// список аккаунтов одной транзакцией.
func (p *Postgres) CreateBatch(ctx context.Context, accountIDs []uuid.UUID, since, until *time.Time) (domain.RetrievalBatch, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "retrieval_batches", start, err)
	if err != nil {
		return domain.RetrievalBatch{}, err
	}
	defer tx.Rollback(ctx)

	batch := domain.RetrievalBatch{
		ID:      uuid.New(),
		SinceDT: since,
		UntilDT: until,
		Status:  domain.BatchRunning,
	}
	start = time.Now()
	err = tx.QueryRow(ctx, `
INSERT INTO retrieval_batches (id, since_dt, until_dt, status)
VALUES ($1, $2, $3, $4)
RETURNING created_at
`, batch.ID, since, until, batch.Status).Scan(&batch.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "retrieval_batches_insert", "retrieval_batches", start, err)
	if err != nil {
		return domain.RetrievalBatch{}, err
	}

	for _, accountID := range accountIDs {
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO batch_accounts (batch_id, account_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`, batch.ID, accountID)
		metrics.ObserveNetworkRequest("postgres", "batch_accounts_insert", "batch_accounts", start, err)
		if err != nil {
			return domain.RetrievalBatch{}, err
		}
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "retrieval_batches", start, err)
	if err != nil {
		return domain.RetrievalBatch{}, err
	}
	return batch, nil
}

// LatestCompletedUntil возвращает until_dt последней успешной выгрузки.
func (p *Postgres) LatestCompletedUntil(ctx context.Context) (*time.Time, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var until sql.NullTime
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT until_dt FROM retrieval_batches
WHERE status = 'completed'
ORDER BY created_at DESC
LIMIT 1
`).Scan(&until)
	metrics.ObserveNetworkRequest("postgres", "retrieval_batches_latest_until", "retrieval_batches", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !until.Valid {
		return nil, nil
	}
	ts := until.Time
	return &ts, nil
}

// FinishBatch переводит выгрузку из running в терминальный статус.
// Повторный вызов не перезаписывает уже завершённую выгрузку.
func (p *Postgres) FinishBatch(ctx context.Context, batchID uuid.UUID, status domain.BatchStatus, errMsg string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE retrieval_batches
SET status = $2, error_message = NULLIF($3,'')
WHERE id = $1 AND status = 'running'
`, batchID, status, errMsg)
	metrics.ObserveNetworkRequest("postgres", "retrieval_batches_finish", "retrieval_batches", start, err)
	return err
}

const postColumns = `id, account_id, batch_id, external_post_id, post_url, text, has_media, media_urls, media_local_paths, post_type, posted_at, scraped_at, llm_status`

func scanPost(row pgx.Row) (domain.Post, error) {
	var (
		post      domain.Post
		urlsJSON  []byte
		pathsJSON []byte
	)
	err := row.Scan(&post.ID, &post.AccountID, &post.BatchID, &post.ExternalPostID, &post.PostURL, &post.Text, &post.HasMedia, &urlsJSON, &pathsJSON, &post.PostType, &post.PostedAt, &post.ScrapedAt, &post.LLMStatus)
	if err != nil {
		return domain.Post{}, err
	}
	if len(urlsJSON) > 0 {
		if err := json.Unmarshal(urlsJSON, &post.MediaURLs); err != nil {
			return domain.Post{}, fmt.Errorf("repo: decode media_urls: %w", err)
		}
	}
	if len(pathsJSON) > 0 {
		if err := json.Unmarshal(pathsJSON, &post.MediaLocalPaths); err != nil {
			return domain.Post{}, fmt.Errorf("repo: decode media_local_paths: %w", err)
		}
	}
	return post, nil
}

// InsertPost вставляет пост, если external_post_id ещё не встречался.
func (p *Postgres) InsertPost(ctx context.Context, post *domain.Post) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if post.ID == uuid.Nil {
		post.ID = uuid.New()
	}
	if post.LLMStatus == "" {
		post.LLMStatus = domain.LLMPending
	}
	urlsJSON, err := json.Marshal(post.MediaURLs)
	if err != nil {
		return false, err
	}
	pathsJSON, err := json.Marshal(post.MediaLocalPaths)
	if err != nil {
		return false, err
	}

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO posts (id, account_id, batch_id, external_post_id, post_url, text, has_media, media_urls, media_local_paths, post_type, posted_at, llm_status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (external_post_id) DO NOTHING
`, post.ID, post.AccountID, post.BatchID, post.ExternalPostID, post.PostURL, post.Text, post.HasMedia, urlsJSON, pathsJSON, post.PostType, post.PostedAt, post.LLMStatus)
	metrics.ObserveNetworkRequest("postgres", "posts_insert", "posts", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// GetPostWithAccount возвращает пост вместе с его аккаунтом.
func (p *Postgres) GetPostWithAccount(ctx context.Context, postID uuid.UUID) (domain.Post, domain.Account, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT p.id, p.account_id, p.batch_id, p.external_post_id, p.post_url, p.text, p.has_media, p.media_urls, p.media_local_paths, p.post_type, p.posted_at, p.scraped_at, p.llm_status,
       a.id, a.username, a.display_name, a.x_user_id, a.profile_image_url, a.is_active, a.added_at, a.last_checked_at, a.last_post_id
FROM posts p JOIN monitored_accounts a ON a.id = p.account_id
WHERE p.id = $1
`, postID)

	var (
		post      domain.Post
		urlsJSON  []byte
		pathsJSON []byte
		acc       domain.Account
		display   sql.NullString
		xUserID   sql.NullString
		avatar    sql.NullString
		checkedAt sql.NullTime
		lastPost  sql.NullString
	)
	err := row.Scan(&post.ID, &post.AccountID, &post.BatchID, &post.ExternalPostID, &post.PostURL, &post.Text, &post.HasMedia, &urlsJSON, &pathsJSON, &post.PostType, &post.PostedAt, &post.ScrapedAt, &post.LLMStatus,
		&acc.ID, &acc.Username, &display, &xUserID, &avatar, &acc.IsActive, &acc.AddedAt, &checkedAt, &lastPost)
	metrics.ObserveNetworkRequest("postgres", "posts_get_with_account", "posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, domain.Account{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Post{}, domain.Account{}, err
	}
	if len(urlsJSON) > 0 {
		if err := json.Unmarshal(urlsJSON, &post.MediaURLs); err != nil {
			return domain.Post{}, domain.Account{}, fmt.Errorf("repo: decode media_urls: %w", err)
		}
	}
	if len(pathsJSON) > 0 {
		if err := json.Unmarshal(pathsJSON, &post.MediaLocalPaths); err != nil {
			return domain.Post{}, domain.Account{}, fmt.Errorf("repo: decode media_local_paths: %w", err)
		}
	}
	if display.Valid {
		acc.DisplayName = display.String
	}
	if xUserID.Valid {
		acc.XUserID = xUserID.String
	}
	if avatar.Valid {
		acc.ProfileImageURL = avatar.String
	}
	if checkedAt.Valid {
		ts := checkedAt.Time
		acc.LastCheckedAt = &ts
	}
	if lastPost.Valid {
		acc.LastPostID = lastPost.String
	}
	return post, acc, nil
}

// SetLLMStatus переводит пост в новый статус генерации.
func (p *Postgres) SetLLMStatus(ctx context.Context, postID uuid.UUID, status domain.LLMStatus) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `UPDATE posts SET llm_status=$2 WHERE id=$1`, postID, status)
	metrics.ObserveNetworkRequest("postgres", "posts_set_llm_status", "posts", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListUnfinishedPosts возвращает посты, застрявшие в pending или processing.
func (p *Postgres) ListUnfinishedPosts(ctx context.Context) ([]domain.Post, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+postColumns+`
FROM posts
WHERE llm_status IN ('pending','processing')
ORDER BY scraped_at
`)
	metrics.ObserveNetworkRequest("postgres", "posts_list_unfinished", "posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var posts []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// ReplaceReplies заменяет ответы поста свежесгенерированными и помечает
// пост завершённым. Всё в одной транзакции: читатель либо видит старый
// полный набор, либо новый, но не смесь.
func (p *Postgres) ReplaceReplies(ctx context.Context, postID uuid.UUID, texts []string, model string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "generated_replies", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	_, err = tx.Exec(ctx, `DELETE FROM generated_replies WHERE post_id=$1`, postID)
	metrics.ObserveNetworkRequest("postgres", "generated_replies_delete", "generated_replies", start, err)
	if err != nil {
		return err
	}

	for i, text := range texts {
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO generated_replies (id, post_id, text, reply_index, model_used)
VALUES ($1,$2,$3,$4,$5)
`, uuid.New(), postID, text, i+1, model)
		metrics.ObserveNetworkRequest("postgres", "generated_replies_insert", "generated_replies", start, err)
		if err != nil {
			return err
		}
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `UPDATE posts SET llm_status='completed' WHERE id=$1`, postID)
	metrics.ObserveNetworkRequest("postgres", "posts_set_llm_status", "posts", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "generated_replies", start, err)
	return err
}

// ResetForRegeneration очищает ответы поста и переводит его в processing
// до постановки новой задачи: клиент сразу видит, что генерация идёт.
func (p *Postgres) ResetForRegeneration(ctx context.Context, postID uuid.UUID) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "generated_replies", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	res, err := tx.Exec(ctx, `UPDATE posts SET llm_status='processing' WHERE id=$1`, postID)
	metrics.ObserveNetworkRequest("postgres", "posts_set_llm_status", "posts", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `DELETE FROM generated_replies WHERE post_id=$1`, postID)
	metrics.ObserveNetworkRequest("postgres", "generated_replies_delete", "generated_replies", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "generated_replies", start, err)
	return err
}
