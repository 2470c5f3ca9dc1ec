package monitoring

import "time"

// Summary surfaces aggregated sync statistics for the status endpoint and CLI.
type Summary struct {
	GeneratedAt  time.Time           `json:"generated_at"`
	Cache        CacheSummary        `json:"cache"`
	Queue        QueueSummary        `json:"queue"`
	Connectivity ConnectivitySummary `json:"connectivity"`
	Store        StoreSummary        `json:"store"`
	Drain        DrainSummary        `json:"drain"`
	Realtime     RealtimeSummary     `json:"realtime"`
}

type CacheSummary struct {
	Writes         uint64 `json:"writes"`
	WriteErrors    uint64 `json:"write_errors"`
	FallbackHits   uint64 `json:"fallback_hits"`
	FallbackMisses uint64 `json:"fallback_misses"`
}

type QueueSummary struct {
	Depth          int64  `json:"depth"`
	Enqueued       uint64 `json:"enqueued"`
	EnqueueErrors  uint64 `json:"enqueue_errors"`
	Replayed       uint64 `json:"replayed"`
	ReplayFailures uint64 `json:"replay_failures"`
}

type ConnectivitySummary struct {
	Online      bool   `json:"online"`
	Transitions uint64 `json:"transitions"`
}

type StoreSummary struct {
	Degraded bool   `json:"degraded"`
	Error    string `json:"error,omitempty"`
}

type DrainSummary struct {
	LastStatus          string        `json:"last_status"`
	LastRunAt           time.Time     `json:"last_run_at"`
	LastDuration        time.Duration `json:"last_duration"`
	LastReplayed        int64         `json:"last_replayed"`
	LastError           string        `json:"last_error,omitempty"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	ConsecutiveFailures uint64        `json:"consecutive_failures"`
	TotalRuns           uint64        `json:"total_runs"`
}

type FailureRecord struct {
	Stream   string    `json:"stream"`
	Type     string    `json:"type"`
	Message  string    `json:"message"`
	Occurred time.Time `json:"occurred_at"`
}

type RealtimeSummary struct {
	ActiveConnections int64          `json:"active_connections"`
	Broadcasts        uint64         `json:"broadcasts"`
	Failures          uint64         `json:"failures"`
	LastFailure       *FailureRecord `json:"last_failure,omitempty"`
}

// Snapshot returns a point-in-time summary from the current module when configured.
func Snapshot() Summary {
	if module := ensureModule(); module != nil && module.stats != nil {
		return module.stats.summary()
	}
	return Summary{GeneratedAt: time.Now()}
}
