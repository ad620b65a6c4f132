package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/kvstore"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/repository"
)

// --- Helpers ---

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writeGzFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

// --- Tests ---

func TestCollectCodes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "SUMMER27\nvip, flash\n\n")
	b := writeGzFile(t, dir, "b.txt.gz", "summer27\nwinter\n")
	c := writeFile(t, dir, "c.txt", "Summer27\nwinter\nflash\n")

	tests := []struct {
		name     string
		files    []string
		minFiles int
		want     []string
	}{
		{name: "union", files: []string{a, b, c}, minFiles: 1, want: []string{"flash", "summer27", "vip", "winter"}},
		{name: "in two files", files: []string{a, b, c}, minFiles: 2, want: []string{"flash", "summer27", "winter"}},
		{name: "in all files", files: []string{a, b, c}, minFiles: 3, want: []string{"summer27"}},
		{name: "gzip only", files: []string{b}, minFiles: 1, want: []string{"summer27", "winter"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := collectCodes(ctx, tt.files, tt.minFiles, 1000)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCollectCodes_Errors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "x\n")

	_, err := collectCodes(ctx, []string{a}, 2, 1000)
	require.Error(t, err)

	_, err = collectCodes(ctx, []string{a, filepath.Join(dir, "missing.txt")}, 1, 1000)
	require.Error(t, err)
}

func TestMerge(t *testing.T) {
	s := settings.Defaults()
	s.RestrictedCoupons = []string{"zeta", "alpha"}
	s.LimitOverrides = map[string]int{"alpha": 2}

	t.Run("merge keeps existing order", func(t *testing.T) {
		next, added := merge(s, []string{"beta", "ALPHA", "gamma"}, map[string]int{"beta": 5}, false)
		assert.Equal(t, 2, added)
		assert.Equal(t, []string{"zeta", "alpha", "beta", "gamma"}, next.RestrictedCoupons)
		assert.Equal(t, map[string]int{"alpha": 2, "beta": 5}, next.LimitOverrides)
		assert.Equal(t, []string{"zeta", "alpha"}, s.RestrictedCoupons, "input is not mutated")
	})

	t.Run("replace", func(t *testing.T) {
		next, added := merge(s, []string{"beta"}, nil, true)
		assert.Equal(t, 1, added)
		assert.Equal(t, []string{"beta"}, next.RestrictedCoupons)
	})

	t.Run("replace without codes keeps the list", func(t *testing.T) {
		next, _ := merge(s, nil, map[string]int{"zeta": 3}, true)
		assert.Equal(t, []string{"zeta", "alpha"}, next.RestrictedCoupons)
		assert.Equal(t, 3, next.LimitOverrides["zeta"])
	})
}

func TestRun_Bolt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	boltPath := filepath.Join(dir, "gatekeeper.db")

	err := run(ctx, importConfig{
		boltPath:      boltPath,
		overridesFile: writeFile(t, dir, "overrides.txt", "summer27:3\nbad line\n"),
		minFiles:      1,
		expected:      100,
		files:         []string{writeFile(t, dir, "codes.txt", "SUMMER27\nvip\n")},
	})
	require.NoError(t, err)

	kv, err := kvstore.Open(boltPath)
	require.NoError(t, err)
	defer kv.Close()

	data, err := kv.Option(repository.SettingsOptionKey).Load(ctx)
	require.NoError(t, err)
	s, err := settings.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"summer27", "vip"}, s.RestrictedCoupons)
	assert.Equal(t, 3, s.LimitOverrides["summer27"])
	assert.Equal(t, 1, s.Version)
}

func TestRun_DryRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	boltPath := filepath.Join(dir, "gatekeeper.db")

	err := run(ctx, importConfig{
		boltPath: boltPath,
		minFiles: 1,
		expected: 100,
		dryRun:   true,
		files:    []string{writeFile(t, dir, "codes.txt", "vip\n")},
	})
	require.NoError(t, err)

	kv, err := kvstore.Open(boltPath)
	require.NoError(t, err)
	defer kv.Close()

	_, err = kv.Option(repository.SettingsOptionKey).Load(ctx)
	require.ErrorIs(t, err, settings.ErrNotFound)
}
