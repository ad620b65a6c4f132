package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/auth"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/repository"
)

type seedConfig struct {
	databaseURL   string
	storefrontKey string
	adminKey      string
	apiKeyPepper  string
	settingsFile  string
	revoke        string
}

func main() {
	var cfg seedConfig

	flag.StringVar(&cfg.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&cfg.storefrontKey, "storefront-key", "", "storefront API key to seed (or GATEKEEPER_SEED_STOREFRONT_KEY env)")
	flag.StringVar(&cfg.adminKey, "admin-key", "", "admin API key to seed (or GATEKEEPER_SEED_ADMIN_KEY env)")
	flag.StringVar(&cfg.apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or GATEKEEPER_API_KEY_PEPPER env)")
	flag.StringVar(&cfg.settingsFile, "settings-file", "", "optional JSON settings to store when none are saved yet")
	flag.StringVar(&cfg.revoke, "revoke", "", "comma-separated API key IDs to deactivate")
	flag.Parse()

	envDefault(&cfg.databaseURL, "DATABASE_URL")
	envDefault(&cfg.storefrontKey, "GATEKEEPER_SEED_STOREFRONT_KEY")
	envDefault(&cfg.adminKey, "GATEKEEPER_SEED_ADMIN_KEY")
	envDefault(&cfg.apiKeyPepper, "GATEKEEPER_API_KEY_PEPPER")

	if cfg.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if cfg.storefrontKey == "" && cfg.adminKey == "" && cfg.revoke == "" {
		slog.Error("nothing to do: set --storefront-key, --admin-key or --revoke")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func envDefault(dst *string, name string) {
	if *dst == "" {
		*dst = os.Getenv(name)
	}
}

func run(ctx context.Context, cfg seedConfig) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedSettings(ctx, repository.NewOptionsRepository(pool, repository.SettingsOptionKey), cfg.settingsFile); err != nil {
		return errors.Wrap(err, "seed settings")
	}

	keys := repository.NewAPIKeyRepository(pool)
	pepper := []byte(cfg.apiKeyPepper)
	if cfg.storefrontKey != "" {
		if err := seedAPIKey(ctx, keys, pepper, "storefront", "Storefront", cfg.storefrontKey, auth.ScopeStorefront); err != nil {
			return errors.Wrap(err, "seed storefront key")
		}
	}
	if cfg.adminKey != "" {
		if err := seedAPIKey(ctx, keys, pepper, "admin", "Administrator", cfg.adminKey, auth.ScopeAdmin); err != nil {
			return errors.Wrap(err, "seed admin key")
		}
	}

	for _, id := range strings.Split(cfg.revoke, ",") {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		switch err := keys.Deactivate(ctx, id); {
		case errors.Is(err, auth.ErrKeyNotFound):
			slog.Warn("API key not active, nothing to revoke", slog.String("id", id))
		case err != nil:
			return errors.Wrapf(err, "revoke key %s", id)
		default:
			slog.Info("revoked API key", slog.String("id", id))
		}
	}

	return nil
}

// seedSettings stores the initial settings unless some are already saved,
// so re-running the seed never overwrites an administrator's changes.
func seedSettings(ctx context.Context, repo *repository.OptionsRepository, path string) error {
	_, err := repo.Load(ctx)
	switch {
	case err == nil:
		slog.Info("settings already present, leaving them untouched")
		return nil
	case !errors.Is(err, settings.ErrNotFound):
		return err
	}

	initial := settings.Defaults()
	if path != "" {
		slog.Info("reading settings file", slog.String("path", path))
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "read settings file")
		}
		if initial, err = settings.Unmarshal(data); err != nil {
			return errors.Wrap(err, "parse settings file")
		}
	}

	saved, err := settings.NewStore(repo, zap.NewNop()).Update(ctx, initial)
	if err != nil {
		return err
	}

	slog.Info("stored settings",
		slog.Int("version", saved.Version),
		slog.Int("restricted_coupons", len(saved.RestrictedCoupons)),
	)
	return nil
}

func seedAPIKey(ctx context.Context, repo *repository.APIKeyRepository, pepper []byte, id, name, key, scope string) error {
	if err := repo.Upsert(ctx, &auth.APIKeyInfo{
		ID:      id,
		KeyHash: auth.HashKey(pepper, key),
		Name:    name,
		Scopes:  []string{scope},
	}); err != nil {
		return err
	}

	slog.Info("upserted API key", slog.String("id", id), slog.String("scope", scope))
	return nil
}
