package gatekeeper

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/order"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/usage"
)

// --- Mock implementations ---

type staticSettings struct {
	s   settings.Settings
	err error
}

func (m *staticSettings) Get(_ context.Context) (settings.Settings, error) {
	return m.s.Clone(), m.err
}

type ledgerKey struct {
	coupon, customer string
	month            usage.Month
}

// memLedger is an in-memory Ledger with the same floor-at-zero semantics as
// the SQL implementation.
type memLedger struct {
	mu        sync.Mutex
	counts    map[ledgerKey]int
	lastOrder map[ledgerKey]int64
	countErr  error
	incErr    error
	decErr    error
}

func newMemLedger() *memLedger {
	return &memLedger{
		counts:    make(map[ledgerKey]int),
		lastOrder: make(map[ledgerKey]int64),
	}
}

func (m *memLedger) Count(_ context.Context, coupon, customerKey string, month usage.Month) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.counts[ledgerKey{coupon, customerKey, month}], nil
}

func (m *memLedger) Increment(_ context.Context, coupon, customerKey string, orderID int64, month usage.Month) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incErr != nil {
		return m.incErr
	}
	k := ledgerKey{coupon, customerKey, month}
	m.counts[k]++
	m.lastOrder[k] = orderID
	return nil
}

func (m *memLedger) Decrement(_ context.Context, coupon, customerKey string, orderID int64, month usage.Month) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decErr != nil {
		return m.decErr
	}
	k := ledgerKey{coupon, customerKey, month}
	if m.counts[k] > 0 {
		m.counts[k]--
		m.lastOrder[k] = orderID
	}
	return nil
}

func (m *memLedger) Cleanup(_ context.Context, retentionMonths int, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := usage.Cutoff(now, retentionMonths)
	var n int64
	for k := range m.counts {
		if k.month < cutoff {
			delete(m.counts, k)
			n++
		}
	}
	return n, nil
}

func (m *memLedger) Reset(_ context.Context, coupon, customerKey string, month usage.Month) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey{coupon, customerKey, month}
	if _, ok := m.counts[k]; ok {
		m.counts[k] = 0
	}
	return nil
}

func (m *memLedger) get(coupon, customerKey string, month usage.Month) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[ledgerKey{coupon, customerKey, month}]
}

type mockOrderRepo struct {
	mu      sync.Mutex
	saved   map[int64]*order.Order
	saves   int
	saveErr error
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{saved: make(map[int64]*order.Order)}
}

func (m *mockOrderRepo) Get(_ context.Context, id int64) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.saved[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

func (m *mockOrderRepo) Save(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.saved[o.ID] = o
	return nil
}

type failingDeduper struct{}

func (failingDeduper) Claim(_ context.Context, _ string) (bool, error) {
	return false, errors.New("redis down")
}

func (failingDeduper) Release(_ context.Context, _ string) error {
	return errors.New("redis down")
}

// --- Helpers ---

func managedSettings(codes ...string) settings.Settings {
	s := settings.Defaults()
	s.RestrictedCoupons = codes
	s.AnonymizeEmail = false
	return s
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
