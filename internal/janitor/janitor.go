// Package janitor periodically deletes usage records that fell out of the
// configured retention window.
package janitor

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/usage"
)

// DefaultInterval matches a daily scheduled cleanup.
const DefaultInterval = 24 * time.Hour

// Janitor runs ledger retention cleanup.
type Janitor struct {
	settings settings.Source
	ledger   usage.Ledger
	lg       *zap.Logger
	loc      *time.Location
	interval time.Duration
	now      func() time.Time
}

// New creates a Janitor. A non-positive interval selects DefaultInterval and
// a nil location selects UTC.
func New(src settings.Source, ledger usage.Ledger, lg *zap.Logger, loc *time.Location, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Janitor{
		settings: src,
		ledger:   ledger,
		lg:       lg,
		loc:      loc,
		interval: interval,
		now:      time.Now,
	}
}

// RunOnce deletes records older than the configured retention and returns
// the number of deleted rows.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	s, err := j.settings.Get(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "get settings")
	}

	now := j.now().In(j.loc)
	deleted, err := j.ledger.Cleanup(ctx, s.Retention(), now)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup")
	}

	j.lg.Info("Usage retention cleanup finished",
		zap.Int64("deleted", deleted),
		zap.Int("retention_months", s.Retention()),
		zap.String("cutoff", usage.Cutoff(now, s.Retention()).String()),
	)
	return deleted, nil
}

// Run performs a cleanup immediately and then once per interval until ctx
// is cancelled. Failed runs are logged and retried on the next tick.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.lg.Error("Usage retention cleanup failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
