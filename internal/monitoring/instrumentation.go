package monitoring

import (
	"strings"
	"time"
)

// ObserveAPILatency captures the HTTP request latency for the supplied route.
func ObserveAPILatency(method, path, status string, duration time.Duration) {
	module := ensureModule()
	if module == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "UNKNOWN"
	}
	path = sanitizePath(path)
	if path == "" {
		path = "unknown"
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "unknown"
	}
	module.metrics.apiLatency.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordCacheWrite counts a response cache write.
func RecordCacheWrite(result string) {
	module := ensureModule()
	if module == nil {
		return
	}
	label := normalizeLabel(result)
	module.metrics.cacheWrites.WithLabelValues(label).Inc()
	module.stats.recordCacheWrite(label)
}

// RecordCacheFallback counts an offline read that consulted the cache.
func RecordCacheFallback(result string) {
	module := ensureModule()
	if module == nil {
		return
	}
	label := normalizeLabel(result)
	module.metrics.cacheFallbacks.WithLabelValues(label).Inc()
	module.stats.recordCacheFallback(label)
}

// RecordEnqueue counts a mutation diverted to the offline queue.
func RecordEnqueue(method, result string) {
	module := ensureModule()
	if module == nil {
		return
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "UNKNOWN"
	}
	label := normalizeLabel(result)
	module.metrics.mutationsEnqueued.WithLabelValues(method, label).Inc()
	module.stats.recordEnqueue(label)
}

// RecordReplay counts a single queued mutation replay.
func RecordReplay(result string) {
	module := ensureModule()
	if module == nil {
		return
	}
	label := normalizeLabel(result)
	module.metrics.replays.WithLabelValues(label).Inc()
	module.stats.recordReplay(label)
}

// RecordDrain records the completion of a queue drain.
func RecordDrain(result, message string, replayed int, duration time.Duration) {
	module := ensureModule()
	if module == nil {
		return
	}
	result = normalizeLabel(result)
	module.metrics.drainRuns.WithLabelValues(result).Inc()
	if result == "skipped" {
		return
	}
	observeDuration(module.metrics.drainDuration, duration)
	if result == "success" {
		module.metrics.drainLastSuccess.Set(float64(time.Now().Unix()))
	}
	module.stats.drain.record(result, strings.TrimSpace(message), replayed, duration)
}

// SetQueueDepth publishes the current number of queued mutations.
func SetQueueDepth(depth int64) {
	module := ensureModule()
	if module == nil {
		return
	}
	if depth < 0 {
		depth = 0
	}
	module.metrics.queueDepth.Set(float64(depth))
	module.stats.queueDepth.Store(depth)
}

// RecordConnectivity publishes the online state and counts the transition.
func RecordConnectivity(online bool) {
	module := ensureModule()
	if module == nil {
		return
	}
	state := "offline"
	value := 0.0
	if online {
		state = "online"
		value = 1
	}
	module.metrics.online.Set(value)
	module.metrics.connectivityChanges.WithLabelValues(state).Inc()
	module.stats.online.Store(online)
	module.stats.transitions.Add(1)
}

// RecordStoreDegraded flags the local store as unavailable.
func RecordStoreDegraded(message string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.storeDegraded.Set(1)
	module.stats.storeDegraded.Store(true)
	module.stats.storeError.Store(strings.TrimSpace(message))
}

// RecordRealtimeConnection adjusts the websocket connection gauge.
func RecordRealtimeConnection(delta int64) {
	module := ensureModule()
	if module == nil {
		return
	}
	if delta == 0 {
		return
	}
	module.metrics.realtimeConnections.Add(float64(delta))
	module.stats.recordRealtimeConnection(delta)
	if module.stats.realtimeConnections.Load() < 0 {
		module.stats.realtimeConnections.Store(0)
		module.metrics.realtimeConnections.Set(0)
	}
}

// RecordRealtimeSubscription tracks subscribe/unsubscribe events.
func RecordRealtimeSubscription(stream, action string) {
	module := ensureModule()
	if module == nil {
		return
	}
	stream = normalizePath(stream)
	action = normalizeLabel(action)
	module.metrics.realtimeSubscription.WithLabelValues(stream, action).Inc()
}

// RecordRealtimeBroadcast increments broadcast counters per stream.
func RecordRealtimeBroadcast(stream string) {
	module := ensureModule()
	if module == nil {
		return
	}
	stream = normalizePath(stream)
	module.metrics.realtimeBroadcasts.WithLabelValues(stream).Inc()
	module.stats.realtimeBroadcasts.Add(1)
}

// RecordRealtimeFailure snapshots a realtime failure occurrence.
func RecordRealtimeFailure(stream, failureType, message string) {
	module := ensureModule()
	if module == nil {
		return
	}
	stream = normalizePath(stream)
	failureType = normalizeLabel(failureType)
	module.metrics.realtimeFailures.WithLabelValues(stream, failureType).Inc()
	module.stats.recordRealtimeFailure(FailureRecord{
		Stream:   stream,
		Type:     failureType,
		Message:  strings.TrimSpace(message),
		Occurred: time.Now(),
	})
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}

func sanitizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "/" {
		return "root"
	}
	return normalizePath(path)
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	path = strings.ReplaceAll(path, " ", "_")
	if path == "" {
		return "root"
	}
	return path
}
