package checks

import (
	"context"
	"time"

	"github.com/charlesng35/homesync/internal/monitoring"
)

const defaultStoreTimeout = 2 * time.Second

// Pinger is satisfied by the local store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LocalStore returns a readiness probe that pings the embedded sync store.
func LocalStore(store Pinger, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("local_store", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if store == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDown,
				Details:  "local store not configured",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultStoreTimeout))
		defer cancel()

		if err := store.Ping(probeCtx); err != nil {
			return monitoring.ResultFromError("local_store", err, time.Since(start))
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Duration: time.Since(start),
		}
	})
}

func chooseTimeout(provided, fallback time.Duration) time.Duration {
	if provided <= 0 {
		return fallback
	}
	return provided
}
