package janitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/usage"
)

func TestJanitor_RunOnce(t *testing.T) {
	now := time.Date(2025, time.June, 15, 3, 0, 0, 0, time.UTC)
	s := settings.Defaults()
	s.RetentionMonths = 6
	ledger := &mockLedger{deleted: 4}

	j := New(&mockSettings{s: s}, ledger, zap.NewNop(), nil, 0)
	j.now = func() time.Time { return now }

	n, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.Len(t, ledger.calls, 1)
	assert.Equal(t, 6, ledger.calls[0].retention)
	assert.Equal(t, now, ledger.calls[0].now)
	assert.Equal(t, DefaultInterval, j.interval)
}

func TestJanitor_RunOnceErrors(t *testing.T) {
	t.Run("settings", func(t *testing.T) {
		j := New(&mockSettings{err: errors.New("boom")}, &mockLedger{}, zap.NewNop(), nil, time.Hour)
		_, err := j.RunOnce(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "get settings")
	})

	t.Run("ledger", func(t *testing.T) {
		j := New(&mockSettings{s: settings.Defaults()}, &mockLedger{err: errors.New("boom")}, zap.NewNop(), nil, time.Hour)
		_, err := j.RunOnce(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cleanup")
	})
}

func TestJanitor_RunUntilCancelled(t *testing.T) {
	ledger := &mockLedger{}
	j := New(&mockSettings{s: settings.Defaults()}, ledger, zap.NewNop(), nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	require.Eventually(t, func() bool { return ledger.callCount() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// --- Mock implementations ---

type mockSettings struct {
	s   settings.Settings
	err error
}

func (m *mockSettings) Get(_ context.Context) (settings.Settings, error) {
	return m.s, m.err
}

type cleanupCall struct {
	retention int
	now       time.Time
}

type mockLedger struct {
	mu      sync.Mutex
	calls   []cleanupCall
	deleted int64
	err     error
}

func (m *mockLedger) Count(context.Context, string, string, usage.Month) (int, error) {
	return 0, nil
}

func (m *mockLedger) Increment(context.Context, string, string, int64, usage.Month) error {
	return nil
}

func (m *mockLedger) Decrement(context.Context, string, string, int64, usage.Month) error {
	return nil
}

func (m *mockLedger) Reset(context.Context, string, string, usage.Month) error {
	return nil
}

func (m *mockLedger) Cleanup(_ context.Context, retentionMonths int, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, cleanupCall{retention: retentionMonths, now: now})
	return m.deleted, m.err
}

func (m *mockLedger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
