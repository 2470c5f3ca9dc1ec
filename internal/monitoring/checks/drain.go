package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/homesync/internal/monitoring"
)

const defaultDrainFailureThreshold = 3

// Drain reports degraded once consecutive drains fail to empty the queue. The queue
// is retried indefinitely, so a stuck head entry never marks the agent down.
func Drain(failureThreshold uint64) monitoring.Check {
	if failureThreshold == 0 {
		failureThreshold = defaultDrainFailureThreshold
	}

	return monitoring.NewCheck("drain", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		summary := monitoring.Snapshot()

		if summary.Drain.TotalRuns == 0 {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  "no drain recorded yet",
				Duration: time.Since(start),
			}
		}

		status := monitoring.StatusUp
		var details []string
		if summary.Drain.ConsecutiveFailures >= failureThreshold {
			status = monitoring.StatusDegraded
			details = append(details, fmt.Sprintf("%d consecutive failed drains", summary.Drain.ConsecutiveFailures))
			if summary.Drain.LastError != "" {
				details = append(details, summary.Drain.LastError)
			}
		}
		if summary.Queue.Depth > 0 {
			details = append(details, fmt.Sprintf("%d queued", summary.Queue.Depth))
		}

		return monitoring.ProbeResult{
			Status:   status,
			Details:  strings.Join(details, "; "),
			Duration: time.Since(start),
		}
	})
}
