package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
)

func openTemp(t *testing.T) (*Bolt, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper.db")
	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, path
}

func TestBolt_GetPut(t *testing.T) {
	b, _ := openTemp(t)

	_, err := b.Get("missing")
	require.ErrorIs(t, err, settings.ErrNotFound)

	written, err := b.Put("k", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, written)

	written, err = b.Put("k", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.False(t, written, "identical value is not rewritten")

	written, err = b.Put("k", []byte(`{"a":2}`))
	require.NoError(t, err)
	assert.True(t, written)

	got, err := b.Get("k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(got))
}

func TestBolt_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatekeeper.db")
	b, err := Open(path)
	require.NoError(t, err)
	_, err = b.Put("k", []byte("v"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestOption_SettingsStore(t *testing.T) {
	ctx := context.Background()
	b, _ := openTemp(t)
	store := settings.NewStore(b.Option("wc_coupon_gatekeeper_settings"), zap.NewNop())

	s, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, settings.Defaults(), s)

	s.RestrictedCoupons = []string{"summer27"}
	s.AllowedDays = []int{1, 15}
	_, err = store.Update(ctx, s)
	require.NoError(t, err)

	fresh := settings.NewStore(b.Option("wc_coupon_gatekeeper_settings"), zap.NewNop())
	got, err := fresh.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, []string{"summer27"}, got.RestrictedCoupons)
	assert.Equal(t, []int{1, 15}, got.AllowedDays)
}
