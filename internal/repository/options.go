package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
)

// SettingsOptionKey is the options row holding the settings blob.
const SettingsOptionKey = "wc_coupon_gatekeeper_settings"

const (
	getOptionSQL = `SELECT value::text FROM options WHERE key = $1`

	upsertOptionSQL = `INSERT INTO options (key, value, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
)

var _ settings.Repository = (*OptionsRepository)(nil)

// OptionsRepository stores a single JSON option blob in PostgreSQL.
type OptionsRepository struct {
	pool *pgxpool.Pool
	key  string
}

// NewOptionsRepository returns an OptionsRepository for the given option key.
func NewOptionsRepository(pool *pgxpool.Pool, key string) *OptionsRepository {
	return &OptionsRepository{pool: pool, key: key}
}

// Load returns the stored blob or settings.ErrNotFound.
func (r *OptionsRepository) Load(ctx context.Context) ([]byte, error) {
	var value string
	err := r.pool.QueryRow(ctx, getOptionSQL, r.key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, settings.ErrNotFound
		}
		return nil, fmt.Errorf("loading option %q: %w", r.key, err)
	}
	return []byte(value), nil
}

// Save replaces the stored blob.
func (r *OptionsRepository) Save(ctx context.Context, data []byte) error {
	if _, err := r.pool.Exec(ctx, upsertOptionSQL, r.key, string(data)); err != nil {
		return fmt.Errorf("saving option %q: %w", r.key, err)
	}
	return nil
}
