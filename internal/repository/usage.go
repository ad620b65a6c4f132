package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/usage"
)

const (
	usageColumns = `id, coupon_code, customer_key, month, count, last_order_id, updated_at`

	getUsageCountSQL = `SELECT count FROM coupon_usage
		WHERE coupon_code = $1 AND customer_key = $2 AND month = $3`

	// The upsert is a single statement so concurrent increments for the same
	// key serialize on the unique constraint.
	incrementUsageSQL = `INSERT INTO coupon_usage (coupon_code, customer_key, month, count, last_order_id, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5)
		ON CONFLICT (coupon_code, customer_key, month) DO UPDATE
		SET count = coupon_usage.count + 1,
			last_order_id = EXCLUDED.last_order_id,
			updated_at = EXCLUDED.updated_at`

	decrementUsageSQL = `UPDATE coupon_usage
		SET count = count - 1, last_order_id = $4, updated_at = $5
		WHERE coupon_code = $1 AND customer_key = $2 AND month = $3 AND count > 0`

	resetUsageSQL = `UPDATE coupon_usage SET count = 0, updated_at = $4
		WHERE coupon_code = $1 AND customer_key = $2 AND month = $3`

	resetUsageByIDsSQL = `UPDATE coupon_usage SET count = 0, updated_at = $2 WHERE id = ANY($1)`

	cleanupUsageSQL = `DELETE FROM coupon_usage WHERE month < $1`

	usageHistorySQL = `SELECT ` + usageColumns + ` FROM coupon_usage
		WHERE coupon_code = $1 AND customer_key = $2
		ORDER BY month DESC
		LIMIT $3`
)

var (
	_ usage.Ledger  = (*UsageRepository)(nil)
	_ usage.Browser = (*UsageRepository)(nil)
)

// UsageRepository implements the usage ledger backed by PostgreSQL.
type UsageRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewUsageRepository returns a UsageRepository that uses the given pool.
func NewUsageRepository(pool *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{pool: pool, now: time.Now}
}

// Count returns the usage count for the key, 0 when no record exists.
func (r *UsageRepository) Count(ctx context.Context, coupon, customerKey string, month usage.Month) (int, error) {
	var count int32
	err := r.pool.QueryRow(ctx, getUsageCountSQL, coupon, customerKey, month.String()).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("counting usage of %q for %q in %s: %w", coupon, customerKey, month, err)
	}
	return int(count), nil
}

// Increment creates the record with count 1 or increments it atomically.
func (r *UsageRepository) Increment(ctx context.Context, coupon, customerKey string, orderID int64, month usage.Month) error {
	_, err := r.pool.Exec(ctx, incrementUsageSQL, coupon, customerKey, month.String(), orderID, r.now().UTC())
	if err != nil {
		return fmt.Errorf("incrementing usage of %q for %q in %s: %w", coupon, customerKey, month, err)
	}
	return nil
}

// Decrement lowers a positive count by one. Missing or zero records are left
// untouched.
func (r *UsageRepository) Decrement(ctx context.Context, coupon, customerKey string, orderID int64, month usage.Month) error {
	_, err := r.pool.Exec(ctx, decrementUsageSQL, coupon, customerKey, month.String(), orderID, r.now().UTC())
	if err != nil {
		return fmt.Errorf("decrementing usage of %q for %q in %s: %w", coupon, customerKey, month, err)
	}
	return nil
}

// Cleanup deletes records older than the retention window.
func (r *UsageRepository) Cleanup(ctx context.Context, retentionMonths int, now time.Time) (int64, error) {
	cutoff := usage.Cutoff(now, retentionMonths)
	tag, err := r.pool.Exec(ctx, cleanupUsageSQL, cutoff.String())
	if err != nil {
		return 0, fmt.Errorf("deleting usage before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

// Reset zeroes one record.
func (r *UsageRepository) Reset(ctx context.Context, coupon, customerKey string, month usage.Month) error {
	_, err := r.pool.Exec(ctx, resetUsageSQL, coupon, customerKey, month.String(), r.now().UTC())
	if err != nil {
		return fmt.Errorf("resetting usage of %q for %q in %s: %w", coupon, customerKey, month, err)
	}
	return nil
}

// ResetByIDs zeroes the given records and returns how many were updated.
func (r *UsageRepository) ResetByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, resetUsageByIDsSQL, ids, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("resetting %d usage records: %w", len(ids), err)
	}
	return tag.RowsAffected(), nil
}

// List returns filtered records, most recently updated first.
func (r *UsageRepository) List(ctx context.Context, f usage.Filter, offset, limit int) ([]usage.Record, error) {
	where, args := usageWhere(f)
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM coupon_usage%s ORDER BY updated_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		usageColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanUsageRecord)
	if err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}
	return records, nil
}

// CountFiltered returns the number of records matching f.
func (r *UsageRepository) CountFiltered(ctx context.Context, f usage.Filter) (int64, error) {
	where, args := usageWhere(f)

	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM coupon_usage`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting usage records: %w", err)
	}
	return n, nil
}

// History returns up to months records for one customer and coupon, newest
// month first.
func (r *UsageRepository) History(ctx context.Context, coupon, customerKey string, months int) ([]usage.Record, error) {
	rows, err := r.pool.Query(ctx, usageHistorySQL, coupon, customerKey, months)
	if err != nil {
		return nil, fmt.Errorf("loading usage history of %q for %q: %w", coupon, customerKey, err)
	}
	records, err := pgx.CollectRows(rows, scanUsageRecord)
	if err != nil {
		return nil, fmt.Errorf("loading usage history of %q for %q: %w", coupon, customerKey, err)
	}
	return records, nil
}

// usageWhere renders f as a WHERE clause with positional arguments.
func usageWhere(f usage.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Month != "" {
		add("month = $%d", f.Month.String())
	}
	if f.Coupon != "" {
		add(`coupon_code ILIKE $%d ESCAPE '\'`, "%"+escapeLike(f.Coupon)+"%")
	}
	if f.Customer != "" {
		add(`customer_key LIKE $%d ESCAPE '\'`, "%"+escapeLike(f.Customer)+"%")
	}
	if f.MinCount != nil {
		add("count >= $%d", *f.MinCount)
	}
	if f.MaxCount != nil {
		add("count <= $%d", *f.MaxCount)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanUsageRecord(row pgx.CollectableRow) (usage.Record, error) {
	var (
		rec   usage.Record
		month string
		count int32
	)
	err := row.Scan(
		&rec.ID, &rec.CouponCode, &rec.CustomerKey, &month, &count, &rec.LastOrderID, &rec.UpdatedAt,
	)
	rec.Month = usage.Month(month)
	rec.Count = int(count)
	return rec, err
}
