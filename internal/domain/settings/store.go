package settings

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// ErrNotFound is returned by a Repository when no settings were persisted.
var ErrNotFound = errors.New("settings not found")

// Repository persists the encoded settings blob.
type Repository interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Source provides the current settings to domain services.
type Source interface {
	Get(ctx context.Context) (Settings, error)
}

var _ Source = (*Store)(nil)

// Store is the typed accessor over the persisted blob. The blob is loaded
// lazily on first use and cached for maxAge, so that updates written by
// other instances sharing the repository are picked up. A zero maxAge caches
// until Reload or a successful Update.
type Store struct {
	repo   Repository
	lg     *zap.Logger
	maxAge time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	cached   *Settings
	loadedAt time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxAge sets how long loaded settings are served before the repository
// is read again.
func WithMaxAge(d time.Duration) StoreOption {
	return func(s *Store) { s.maxAge = d }
}

// NewStore creates a Store backed by repo.
func NewStore(repo Repository, lg *zap.Logger, opts ...StoreOption) *Store {
	s := &Store{repo: repo, lg: lg, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) fresh(now time.Time) bool {
	return s.cached != nil && (s.maxAge <= 0 || now.Sub(s.loadedAt) < s.maxAge)
}

// Get returns a copy of the current settings, loading them on first use and
// whenever the cached copy is older than maxAge. A missing blob yields
// Defaults(). When a refresh fails the previous settings are kept.
func (s *Store) Get(ctx context.Context) (Settings, error) {
	now := s.now()

	s.mu.RLock()
	if s.fresh(now) {
		out := s.cached.Clone()
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fresh(now) {
		return s.cached.Clone(), nil
	}

	loaded, err := s.load(ctx)
	if err != nil {
		if s.cached != nil {
			s.lg.Warn("Settings refresh failed, keeping previous settings", zap.Error(err))
			s.loadedAt = now
			return s.cached.Clone(), nil
		}
		return Settings{}, err
	}
	if s.cached != nil && s.cached.Version != loaded.Version {
		s.lg.Info("Settings changed",
			zap.Int("from_version", s.cached.Version),
			zap.Int("to_version", loaded.Version),
		)
	}
	s.cached = &loaded
	s.loadedAt = now
	return loaded.Clone(), nil
}

func (s *Store) load(ctx context.Context) (Settings, error) {
	data, err := s.repo.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return Defaults(), nil
	}
	if err != nil {
		return Settings{}, errors.Wrap(err, "load settings")
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}

	// Stored blobs predate validation or were edited by hand; never hand an
	// invalid state to the core.
	out, err := Validate(decoded)
	if err != nil {
		s.lg.Warn("Stored settings are invalid, using fallback values", zap.Error(err))
	}
	return out, nil
}

// Reload drops the cached settings. The next Get reads the repository again.
func (s *Store) Reload() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Update validates next and persists it with an incremented version. The
// version is taken from the repository, not the cache, so that an instance
// with stale settings does not reuse a version number. When validation fails
// nothing is persisted, the previous settings stay active and a
// *ValidationError is returned.
func (s *Store) Update(ctx context.Context, next Settings) (Settings, error) {
	valid, err := Validate(next)
	if err != nil {
		return Settings{}, err
	}

	current, err := s.load(ctx)
	if err != nil {
		return Settings{}, err
	}
	valid.Version = current.Version + 1

	if err := s.repo.Save(ctx, valid.Marshal()); err != nil {
		return Settings{}, errors.Wrap(err, "save settings")
	}

	s.mu.Lock()
	s.cached = &valid
	s.loadedAt = s.now()
	s.mu.Unlock()

	s.lg.Info("Settings updated", zap.Int("version", valid.Version))
	return valid.Clone(), nil
}
