// Package connectivity tracks whether the upstream API is reachable.
package connectivity

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/charlesng35/homesync/internal/monitoring"
	"github.com/charlesng35/homesync/pkg/logger"
)

// Monitor holds the online flag. Reads are lock-free.
type Monitor struct {
	online atomic.Bool
	events chan struct{}
	log    *zap.Logger

	mu          sync.RWMutex
	subscribers []func(online bool)
}

// NewMonitor returns a monitor in the given initial state.
func NewMonitor(initial bool) *Monitor {
	m := &Monitor{
		events: make(chan struct{}, 1),
		log:    logger.WithModule("connectivity"),
	}
	m.online.Store(initial)
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Set updates the state. An offline to online transition signals OnlineEvents; pending
// signals coalesce so a burst of reconnects yields at most one queued event.
func (m *Monitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	m.log.Info("connectivity changed", zap.Bool("online", online))
	monitoring.RecordConnectivity(online)

	if online {
		select {
		case m.events <- struct{}{}:
		default:
		}
	}

	m.mu.RLock()
	subscribers := append([]func(bool){}, m.subscribers...)
	m.mu.RUnlock()
	for _, fn := range subscribers {
		fn(online)
	}
}

// OnlineEvents delivers one value per reconnect. The channel has a single consumer: the
// sync coordinator. Use Subscribe for additional observers.
func (m *Monitor) OnlineEvents() <-chan struct{} {
	return m.events
}

// Subscribe registers fn to be called synchronously on every transition.
func (m *Monitor) Subscribe(fn func(online bool)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}
