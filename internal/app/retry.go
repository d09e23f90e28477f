package app

import (
	"context"
	"log"
	"time"
)

// Startup dependency dials get a short retry budget before the process gives
// up with ExitDependency; a rolling deploy routinely races its database and
// broker coming up.
const (
	startupAttempts = 5
	startupBaseWait = 2 * time.Second
)

// dialRetry runs fn up to attempts times with doubling waits between tries.
// It returns nil on the first success, fn's last error once the budget is
// exhausted, and stops early when ctx ends.
func dialRetry(ctx context.Context, logger *log.Logger, what string, attempts int, wait time.Duration, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= attempts || ctx.Err() != nil {
			return err
		}
		logger.Printf("⚠️  %s unavailable (attempt %d/%d), retrying in %s: %v",
			what, attempt, attempts, wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		wait *= 2
	}
}
