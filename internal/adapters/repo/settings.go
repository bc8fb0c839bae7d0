package repo

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"x-monitor/internal/domain"
	"x-monitor/internal/infra/metrics"
)

var _ domain.SettingsRepo = (*Postgres)(nil)

func (p *Postgres) rawSetting(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var raw []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT value FROM app_settings WHERE key=$1`, key).Scan(&raw)
	metrics.ObserveNetworkRequest("postgres", "app_settings_get", "app_settings", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// StringSetting читает строковую настройку, отдавая def при её отсутствии.
// Значения хранятся как JSONB, но исторически встречаются и голые строки.
func (p *Postgres) StringSetting(ctx context.Context, key, def string) (string, error) {
	raw, err := p.rawSetting(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	var value string
	if err := json.Unmarshal(raw, &value); err == nil {
		if value == "" {
			return def, nil
		}
		return value, nil
	}
	value = strings.TrimSpace(string(raw))
	if value == "" {
		return def, nil
	}
	return value, nil
}

// IntSetting читает целочисленную настройку, отдавая def при её отсутствии
// или нечисловом значении.
func (p *Postgres) IntSetting(ctx context.Context, key string, def int) (int, error) {
	raw, err := p.rawSetting(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	var value int
	if err := json.Unmarshal(raw, &value); err == nil {
		return value, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(str)); err == nil {
			return parsed, nil
		}
		return def, nil
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
		return parsed, nil
	}
	return def, nil
}
