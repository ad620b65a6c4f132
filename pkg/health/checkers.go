package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails once more than threshold goroutines are running,
// which points at leaked request or janitor goroutines.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		count := runtime.NumGoroutine()
		if count > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", count, threshold)
		}
		return nil
	}
}

// LatencyCheck wraps check and additionally reports unhealthy when it takes
// longer than threshold to succeed. Use it for readiness checks against
// dependencies where a slow answer is as bad as none (the ledger database,
// the dedup cache).
func LatencyCheck(threshold time.Duration, check CheckFunc) CheckFunc {
	return func(ctx context.Context) error {
		start := time.Now()
		if err := check(ctx); err != nil {
			return err
		}
		if took := time.Since(start); took > threshold {
			return errors.Errorf("check took %s, exceeds threshold %s", took.Round(time.Millisecond), threshold)
		}
		return nil
	}
}
