package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/homesync/internal/coordinator"
	"github.com/charlesng35/homesync/internal/models"
	"github.com/charlesng35/homesync/internal/realtime"
	apperrors "github.com/charlesng35/homesync/pkg/errors"
	"github.com/charlesng35/homesync/pkg/response"
)

// SyncStore is the slice of the local store the admin endpoints need.
type SyncStore interface {
	QueueListAll(ctx context.Context) ([]models.QueuedMutation, error)
	QueueLen(ctx context.Context) (int64, error)
	QueueClear(ctx context.Context) (int64, error)
	CacheClear(ctx context.Context) (int64, error)
	Degraded() bool
}

// Drainer triggers and reports queue drains.
type Drainer interface {
	Drain(ctx context.Context) (coordinator.Result, error)
	LastResult() (coordinator.Result, bool)
}

// OnlineReporter exposes the current connectivity state.
type OnlineReporter interface {
	Online() bool
}

// Publisher receives sync events.
type Publisher interface {
	Publish(event string, payload any)
}

// SyncHandler serves the /_sync admin endpoints.
type SyncHandler struct {
	store     SyncStore
	drainer   Drainer
	conn      OnlineReporter
	publisher Publisher
}

// NewSyncHandler constructs the admin handler. The publisher may be nil.
func NewSyncHandler(store SyncStore, drainer Drainer, conn OnlineReporter, publisher Publisher) (*SyncHandler, error) {
	if store == nil {
		return nil, errors.New("sync handler: store is required")
	}
	if drainer == nil {
		return nil, errors.New("sync handler: drainer is required")
	}
	if conn == nil {
		return nil, errors.New("sync handler: connectivity is required")
	}
	return &SyncHandler{store: store, drainer: drainer, conn: conn, publisher: publisher}, nil
}

type statusPayload struct {
	Online     bool                `json:"online"`
	Degraded   bool                `json:"degraded"`
	QueueDepth int64               `json:"queue_depth"`
	LastDrain  *coordinator.Result `json:"last_drain,omitempty"`
	CheckedAt  time.Time           `json:"checked_at"`
}

// Status GET /_sync/status
func (h *SyncHandler) Status(c *gin.Context) {
	depth, err := h.store.QueueLen(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	payload := statusPayload{
		Online:     h.conn.Online(),
		Degraded:   h.store.Degraded(),
		QueueDepth: depth,
		CheckedAt:  time.Now().UTC(),
	}
	if last, ok := h.drainer.LastResult(); ok {
		payload.LastDrain = &last
	}

	response.Success(c, http.StatusOK, payload)
}

// queuedView is the listing shape of a queued mutation. Credential headers are masked.
type queuedView struct {
	ID             uint64            `json:"id"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	BodyBytes      int               `json:"body_bytes"`
	IdempotencyKey string            `json:"idempotency_key"`
	QueuedAt       time.Time         `json:"queued_at"`
}

// ListQueue GET /_sync/queue
func (h *SyncHandler) ListQueue(c *gin.Context) {
	queued, err := h.store.QueueListAll(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	views := make([]queuedView, 0, len(queued))
	for _, mutation := range queued {
		views = append(views, queuedView{
			ID:             mutation.ID,
			Method:         mutation.Method,
			URL:            mutation.URL,
			Headers:        maskHeaders(mutation.HeaderMap()),
			BodyBytes:      len(mutation.Body),
			IdempotencyKey: mutation.IdempotencyKey,
			QueuedAt:       time.UnixMilli(mutation.Timestamp).UTC(),
		})
	}

	response.SuccessWithMeta(c, http.StatusOK, views, &response.Meta{Total: int64(len(views))})
}

// ClearQueue DELETE /_sync/queue
func (h *SyncHandler) ClearQueue(c *gin.Context) {
	removed, err := h.store.QueueClear(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	h.publish(realtime.EventQueueCleared, gin.H{"removed": removed})
	response.Success(c, http.StatusOK, gin.H{"removed": removed})
}

// Drain POST /_sync/drain
func (h *SyncHandler) Drain(c *gin.Context) {
	result, err := h.drainer.Drain(requestContext(c))
	if err != nil {
		response.Error(c, apperrors.ErrStorage.WithInternal(err))
		return
	}
	if result.Skipped && result.Reason == coordinator.ReasonInProgress {
		response.Error(c, apperrors.ErrDrainInProgress)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// ClearCache DELETE /_sync/cache
func (h *SyncHandler) ClearCache(c *gin.Context) {
	removed, err := h.store.CacheClear(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	h.publish(realtime.EventCacheCleared, gin.H{"removed": removed})
	response.Success(c, http.StatusOK, gin.H{"removed": removed})
}

func (h *SyncHandler) publish(event string, payload any) {
	if h.publisher != nil {
		h.publisher.Publish(event, payload)
	}
}

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"proxy-authorization": {},
}

func maskHeaders(headers map[string]string) map[string]string {
	masked := make(map[string]string, len(headers))
	for name, value := range headers {
		if _, ok := sensitiveHeaders[strings.ToLower(name)]; ok && value != "" {
			value = "[redacted]"
		}
		masked[name] = value
	}
	return masked
}
