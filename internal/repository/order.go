package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/order"
)

const (
	getOrderSQL = `SELECT id, user_id, billing_email, status, lines, coupons, notes,
		subtotal, discount_total, total, created_at
		FROM orders WHERE id = $1`

	upsertOrderSQL = `INSERT INTO orders (id, user_id, billing_email, status, lines, coupons, notes,
		subtotal, discount_total, total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			billing_email = EXCLUDED.billing_email,
			status = EXCLUDED.status,
			lines = EXCLUDED.lines,
			coupons = EXCLUDED.coupons,
			notes = EXCLUDED.notes,
			subtotal = EXCLUDED.subtotal,
			discount_total = EXCLUDED.discount_total,
			total = EXCLUDED.total,
			updated_at = EXCLUDED.updated_at`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Get loads a mirrored order. Returns order.ErrNotFound when absent.
func (r *OrderRepository) Get(ctx context.Context, id int64) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}
	return o, nil
}

// Save creates or replaces the order. Lines, coupons and notes are
// serialized to JSON for the JSONB columns.
func (r *OrderRepository) Save(ctx context.Context, o *order.Order) error {
	linesJSON, err := marshalJSONList(o.Lines)
	if err != nil {
		return fmt.Errorf("marshaling order lines: %w", err)
	}
	couponsJSON, err := marshalJSONList(o.Coupons)
	if err != nil {
		return fmt.Errorf("marshaling order coupons: %w", err)
	}
	notesJSON, err := marshalJSONList(o.Notes)
	if err != nil {
		return fmt.Errorf("marshaling order notes: %w", err)
	}

	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.pool.Exec(ctx, upsertOrderSQL,
		o.ID, o.UserID, o.BillingEmail, o.Status, linesJSON, couponsJSON, notesJSON,
		o.Subtotal, o.DiscountTotal, o.Total, createdAt,
	)
	if err != nil {
		return fmt.Errorf("saving order %d: %w", o.ID, err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o                                 order.Order
		linesJSON, couponsJSON, notesJSON []byte
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.BillingEmail, &o.Status, &linesJSON, &couponsJSON, &notesJSON,
		&o.Subtotal, &o.DiscountTotal, &o.Total, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(linesJSON, &o.Lines); err != nil {
		return nil, fmt.Errorf("unmarshaling order lines: %w", err)
	}
	if err := json.Unmarshal(couponsJSON, &o.Coupons); err != nil {
		return nil, fmt.Errorf("unmarshaling order coupons: %w", err)
	}
	if err := json.Unmarshal(notesJSON, &o.Notes); err != nil {
		return nil, fmt.Errorf("unmarshaling order notes: %w", err)
	}
	return &o, nil
}

// marshalJSONList encodes v, writing nil slices as an empty array.
func marshalJSONList[T any](v []T) ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}
