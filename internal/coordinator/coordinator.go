// Package coordinator replays queued mutations once connectivity returns.
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/charlesng35/homesync/internal/models"
	"github.com/charlesng35/homesync/internal/monitoring"
	"github.com/charlesng35/homesync/internal/transport"
	"github.com/charlesng35/homesync/pkg/logger"
)

// IdempotencyHeader lets the upstream recognise a replay whose first response was lost.
const IdempotencyHeader = "X-Idempotency-Key"

// Skip reasons reported in Result.Reason.
const (
	ReasonOffline    = "offline"
	ReasonInProgress = "in_progress"
)

// Store is the subset of the local store used for draining.
type Store interface {
	QueueListAll(ctx context.Context) ([]models.QueuedMutation, error)
	QueueRemove(ctx context.Context, id uint64) error
}

// Connectivity reports the online state and delivers reconnect signals.
type Connectivity interface {
	Online() bool
	OnlineEvents() <-chan struct{}
}

// Publisher receives sync events.
type Publisher interface {
	Publish(event string, payload any)
}

// Result summarises one drain.
type Result struct {
	Trigger   string        `json:"trigger,omitempty"`
	Skipped   bool          `json:"skipped"`
	Reason    string        `json:"reason,omitempty"`
	Replayed  int           `json:"replayed"`
	Remaining int           `json:"remaining"`
	FailedID  uint64        `json:"failed_id,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Option customises the Coordinator.
type Option func(*Coordinator)

// WithDrainSchedule adds a periodic drain on the given cron specification.
func WithDrainSchedule(spec string) Option {
	return func(c *Coordinator) {
		c.schedule = spec
	}
}

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(cr *cron.Cron) Option {
	return func(c *Coordinator) {
		if cr != nil {
			c.cron = cr
		}
	}
}

// WithPublisher emits replay and drain events.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) {
		c.publisher = p
	}
}

// WithLogger overrides the module logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator drains the mutation queue. At most one drain runs at a time.
type Coordinator struct {
	store     Store
	client    *http.Client
	conn      Connectivity
	publisher Publisher
	cron      *cron.Cron
	schedule  string
	now       func() time.Time
	log       *zap.Logger

	draining sync.Mutex

	lastMu sync.RWMutex
	last   *Result
}

// New constructs a Coordinator replaying through client, which should be the same
// intercepting client used for live traffic.
func New(store Store, client *http.Client, conn Connectivity, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		client: client,
		conn:   conn,
		now:    time.Now,
		log:    logger.WithModule("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cron == nil {
		c.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	return c
}

// Run drains once for application start, then once per reconnect signal and on the
// optional schedule, until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.schedule != "" {
		if _, err := c.cron.AddFunc(c.schedule, func() {
			c.trigger(ctx, "schedule")
		}); err != nil {
			return fmt.Errorf("coordinator: schedule %q: %w", c.schedule, err)
		}
		c.cron.Start()
		defer func() {
			<-c.cron.Stop().Done()
		}()
	}

	c.trigger(ctx, "start")

	events := c.conn.OnlineEvents()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-events:
			c.trigger(ctx, "reconnect")
		}
	}
}

func (c *Coordinator) trigger(ctx context.Context, name string) {
	result, err := c.drain(ctx, name)
	if err != nil {
		c.log.Warn("drain aborted", zap.String("trigger", name), zap.Error(err))
		return
	}
	if result.Skipped {
		c.log.Debug("drain skipped", zap.String("trigger", name), zap.String("reason", result.Reason))
	}
}

// Drain replays queued mutations in ascending id order, removing each after a 2xx
// response and stopping at the first failure. Replay failures are reported in the
// Result; the returned error only covers a failure to read the queue.
func (c *Coordinator) Drain(ctx context.Context) (Result, error) {
	return c.drain(ctx, "manual")
}

func (c *Coordinator) drain(ctx context.Context, trigger string) (Result, error) {
	result := Result{Trigger: trigger, StartedAt: c.now()}

	if !c.conn.Online() {
		result.Skipped = true
		result.Reason = ReasonOffline
		monitoring.RecordDrain("skipped", ReasonOffline, 0, 0)
		return result, nil
	}
	if !c.draining.TryLock() {
		result.Skipped = true
		result.Reason = ReasonInProgress
		monitoring.RecordDrain("skipped", ReasonInProgress, 0, 0)
		return result, nil
	}
	defer c.draining.Unlock()

	start := time.Now()
	queued, err := c.store.QueueListAll(ctx)
	if err != nil {
		result.Err = err
		result.Error = err.Error()
		monitoring.RecordDrain("error", err.Error(), 0, time.Since(start))
		return result, fmt.Errorf("coordinator: list queue: %w", err)
	}
	if len(queued) == 0 {
		result.Duration = time.Since(start)
		c.setLast(result)
		return result, nil
	}

	c.log.Info("draining offline queue", zap.String("trigger", trigger), zap.Int("queued", len(queued)))

	for idx, mutation := range queued {
		if err := c.replayOne(ctx, mutation); err != nil {
			result.FailedID = mutation.ID
			result.Remaining = len(queued) - idx
			result.Err = err
			result.Error = err.Error()
			break
		}
		result.Replayed++
	}

	result.Duration = time.Since(start)
	status := "success"
	if result.Err != nil {
		status = "failure"
		c.log.Warn("drain stopped at failed replay",
			zap.Uint64("id", result.FailedID),
			zap.Int("replayed", result.Replayed),
			zap.Int("remaining", result.Remaining),
			zap.Error(result.Err),
		)
	} else {
		c.log.Info("offline queue drained", zap.Int("replayed", result.Replayed), zap.Duration("duration", result.Duration))
	}
	monitoring.RecordDrain(status, result.Error, result.Replayed, result.Duration)
	c.publish("drain.completed", result)
	c.setLast(result)
	return result, nil
}

// replayOne sends one mutation and removes it on success. A removal failure after a
// successful replay also stops the drain; the idempotency key covers the repeat.
func (c *Coordinator) replayOne(ctx context.Context, mutation models.QueuedMutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.replay(ctx, mutation); err != nil {
		monitoring.RecordReplay("failure")
		return err
	}
	monitoring.RecordReplay("success")

	if err := c.store.QueueRemove(ctx, mutation.ID); err != nil {
		return fmt.Errorf("remove replayed mutation %d: %w", mutation.ID, err)
	}

	c.log.Debug("replayed mutation",
		zap.Uint64("id", mutation.ID),
		zap.String("method", mutation.Method),
		zap.String("url", mutation.URL),
	)
	c.publish("mutation.replayed", map[string]any{
		"id":     mutation.ID,
		"method": mutation.Method,
		"url":    mutation.URL,
	})
	return nil
}

func (c *Coordinator) replay(ctx context.Context, mutation models.QueuedMutation) error {
	desc := mutation.Descriptor()

	var body io.Reader
	if len(desc.Body) > 0 {
		body = bytes.NewReader(desc.Body)
	}
	req, err := http.NewRequestWithContext(transport.WithReplay(ctx), desc.Method, desc.URL, body)
	if err != nil {
		return fmt.Errorf("build replay request %d: %w", mutation.ID, err)
	}
	for name, value := range desc.Headers {
		req.Header.Set(name, value)
	}
	if req.Header.Get(IdempotencyHeader) == "" && mutation.IdempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, mutation.IdempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("replay %d: %w", mutation.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// Redirects are not followed; a 3xx means the upstream accepted the mutation.
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("replay %d: upstream status %d", mutation.ID, resp.StatusCode)
	}
	return nil
}

// LastResult returns the most recent drain that did not skip.
func (c *Coordinator) LastResult() (Result, bool) {
	c.lastMu.RLock()
	defer c.lastMu.RUnlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

func (c *Coordinator) setLast(result Result) {
	c.lastMu.Lock()
	c.last = &result
	c.lastMu.Unlock()
}

func (c *Coordinator) publish(event string, payload any) {
	if c.publisher != nil {
		c.publisher.Publish(event, payload)
	}
}
