package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/charlesng35/homesync/pkg/logger"
)

const (
	defaultProbeSpec    = "@every 15s"
	defaultProbeTimeout = 5 * time.Second
)

// Prober periodically checks the upstream health URL and feeds the result into a Monitor.
type Prober struct {
	url      string
	monitor  *Monitor
	client   *http.Client
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
	log      *zap.Logger
}

// ProberOption customises the Prober.
type ProberOption func(*Prober)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) ProberOption {
	return func(p *Prober) {
		if c != nil {
			p.cron = c
		}
	}
}

// WithSchedule overrides the cron specification for probing.
func WithSchedule(spec string) ProberOption {
	return func(p *Prober) {
		if spec != "" {
			p.schedule = spec
		}
	}
}

// WithTimeout bounds each probe request.
func WithTimeout(timeout time.Duration) ProberOption {
	return func(p *Prober) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithHTTPClient overrides the client used for probes. It must not be the intercepting client.
func WithHTTPClient(client *http.Client) ProberOption {
	return func(p *Prober) {
		if client != nil {
			p.client = client
		}
	}
}

// NewProber constructs a Prober for url.
func NewProber(url string, monitor *Monitor, opts ...ProberOption) *Prober {
	p := &Prober{
		url:      url,
		monitor:  monitor,
		client:   &http.Client{},
		schedule: defaultProbeSpec,
		timeout:  defaultProbeTimeout,
		log:      logger.WithModule("connectivity"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cron == nil {
		p.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return p
}

// Start registers the probe job and launches the scheduler.
func (p *Prober) Start() error {
	if p.url == "" || p.monitor == nil {
		return errors.New("connectivity: prober requires a url and a monitor")
	}
	if _, err := p.cron.AddFunc(p.schedule, func() {
		p.CheckNow(context.Background())
	}); err != nil {
		return fmt.Errorf("connectivity: schedule %q: %w", p.schedule, err)
	}
	p.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running probe to complete.
func (p *Prober) Stop() context.Context {
	if p.cron == nil {
		return context.Background()
	}
	return p.cron.Stop()
}

// CheckNow probes synchronously, updates the monitor and returns the observed state.
func (p *Prober) CheckNow(ctx context.Context) bool {
	online, err := p.probe(ctx)
	if err != nil {
		p.log.Debug("probe failed", zap.String("url", p.url), zap.Error(err))
	}
	if p.monitor != nil {
		p.monitor.Set(online)
	}
	return online
}

// probe treats any response below 500 as reachable: a 404 or 401 still proves the
// network path works.
func (p *Prober) probe(ctx context.Context) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return false, fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return true, nil
}
