package checks

import (
	"context"
	"time"

	"github.com/charlesng35/homesync/internal/monitoring"
)

// OnlineReporter exposes the connectivity flag.
type OnlineReporter interface {
	Online() bool
}

// Upstream reports degraded while the upstream API is unreachable. The agent keeps
// serving cached reads and queuing mutations, so offline is never "down".
func Upstream(reporter OnlineReporter) monitoring.Check {
	return monitoring.NewCheck("upstream", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if reporter == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "connectivity monitor unavailable",
				Duration: time.Since(start),
			}
		}
		if !reporter.Online() {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "offline: serving cache and queuing mutations",
				Duration: time.Since(start),
			}
		}
		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Duration: time.Since(start),
		}
	})
}
