package realtime

// Named realtime streams.
const (
	// StreamSync carries queue, replay, drain and connectivity events.
	StreamSync = "sync"
)

// Sync event names.
const (
	EventMutationQueued   = "mutation.queued"
	EventMutationReplayed = "mutation.replayed"
	EventDrainCompleted   = "drain.completed"
	EventConnectivity     = "connectivity.changed"
	EventQueueCleared     = "queue.cleared"
	EventCacheCleared     = "cache.cleared"
)
