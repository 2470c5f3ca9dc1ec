package monitoring

import (
	"sync/atomic"
	"time"
)

type statStore struct {
	cacheWrites      atomic.Uint64
	cacheWriteErrors atomic.Uint64
	fallbackHits     atomic.Uint64
	fallbackMisses   atomic.Uint64

	enqueued       atomic.Uint64
	enqueueErrors  atomic.Uint64
	replayed       atomic.Uint64
	replayFailures atomic.Uint64
	queueDepth     atomic.Int64

	online        atomic.Bool
	transitions   atomic.Uint64
	storeDegraded atomic.Bool
	storeError    atomic.Value // string

	drain drainStats

	realtimeConnections atomic.Int64
	realtimeBroadcasts  atomic.Uint64
	realtimeFailures    atomic.Uint64
	realtimeLastFailure atomic.Value // *FailureRecord
}

func newStatStore() *statStore {
	store := &statStore{}
	store.storeError.Store("")
	store.realtimeLastFailure.Store((*FailureRecord)(nil))
	return store
}

func (s *statStore) summary() Summary {
	lastFailure, _ := s.realtimeLastFailure.Load().(*FailureRecord)
	storeErr, _ := s.storeError.Load().(string)

	return Summary{
		GeneratedAt: time.Now(),
		Cache: CacheSummary{
			Writes:         s.cacheWrites.Load(),
			WriteErrors:    s.cacheWriteErrors.Load(),
			FallbackHits:   s.fallbackHits.Load(),
			FallbackMisses: s.fallbackMisses.Load(),
		},
		Queue: QueueSummary{
			Depth:          s.queueDepth.Load(),
			Enqueued:       s.enqueued.Load(),
			EnqueueErrors:  s.enqueueErrors.Load(),
			Replayed:       s.replayed.Load(),
			ReplayFailures: s.replayFailures.Load(),
		},
		Connectivity: ConnectivitySummary{
			Online:      s.online.Load(),
			Transitions: s.transitions.Load(),
		},
		Store: StoreSummary{
			Degraded: s.storeDegraded.Load(),
			Error:    storeErr,
		},
		Drain: s.drain.snapshot(),
		Realtime: RealtimeSummary{
			ActiveConnections: s.realtimeConnections.Load(),
			Broadcasts:        s.realtimeBroadcasts.Load(),
			Failures:          s.realtimeFailures.Load(),
			LastFailure:       lastFailure,
		},
	}
}

func (s *statStore) recordCacheWrite(result string) {
	if result == "success" {
		s.cacheWrites.Add(1)
		return
	}
	s.cacheWriteErrors.Add(1)
}

func (s *statStore) recordCacheFallback(result string) {
	if result == "hit" {
		s.fallbackHits.Add(1)
		return
	}
	s.fallbackMisses.Add(1)
}

func (s *statStore) recordEnqueue(result string) {
	if result == "success" {
		s.enqueued.Add(1)
		return
	}
	s.enqueueErrors.Add(1)
}

func (s *statStore) recordReplay(result string) {
	if result == "success" {
		s.replayed.Add(1)
		return
	}
	s.replayFailures.Add(1)
}

func (s *statStore) recordRealtimeConnection(delta int64) {
	newValue := s.realtimeConnections.Add(delta)
	if newValue < 0 {
		s.realtimeConnections.Store(0)
	}
}

func (s *statStore) recordRealtimeFailure(record FailureRecord) {
	s.realtimeFailures.Add(1)
	cloned := record
	s.realtimeLastFailure.Store(&cloned)
}

type drainStats struct {
	lastStatus          atomic.Value // string
	lastError           atomic.Value // string
	lastRun             atomic.Int64 // unix nano
	lastDuration        atomic.Int64 // nanoseconds
	lastReplayed        atomic.Int64
	lastSuccessfulRun   atomic.Int64
	consecutiveFailures atomic.Uint64
	totalRuns           atomic.Uint64
}

func (d *drainStats) snapshot() DrainSummary {
	status, _ := d.lastStatus.Load().(string)
	errMsg, _ := d.lastError.Load().(string)

	summary := DrainSummary{
		LastStatus:          status,
		LastDuration:        time.Duration(d.lastDuration.Load()),
		LastReplayed:        d.lastReplayed.Load(),
		LastError:           errMsg,
		ConsecutiveFailures: d.consecutiveFailures.Load(),
		TotalRuns:           d.totalRuns.Load(),
	}
	if ts := d.lastRun.Load(); ts > 0 {
		summary.LastRunAt = time.Unix(0, ts)
	}
	if ts := d.lastSuccessfulRun.Load(); ts > 0 {
		summary.LastSuccessAt = time.Unix(0, ts)
	}
	return summary
}

func (d *drainStats) record(result, message string, replayed int, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	now := time.Now()
	d.lastStatus.Store(result)
	d.lastError.Store(message)
	d.lastRun.Store(now.UnixNano())
	d.lastDuration.Store(int64(duration))
	d.lastReplayed.Store(int64(replayed))
	d.totalRuns.Add(1)

	if result == "success" {
		d.consecutiveFailures.Store(0)
		d.lastSuccessfulRun.Store(now.UnixNano())
		return
	}
	d.consecutiveFailures.Add(1)
}
