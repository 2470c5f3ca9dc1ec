package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/homesync/internal/api"
	"github.com/charlesng35/homesync/internal/app"
	"github.com/charlesng35/homesync/internal/connectivity"
	"github.com/charlesng35/homesync/internal/coordinator"
	"github.com/charlesng35/homesync/internal/credentials"
	sharedtestutil "github.com/charlesng35/homesync/internal/database/testutil"
	"github.com/charlesng35/homesync/internal/localstore"
	"github.com/charlesng35/homesync/internal/monitoring"
	"github.com/charlesng35/homesync/internal/monitoring/checks"
	"github.com/charlesng35/homesync/internal/realtime"
	"github.com/charlesng35/homesync/internal/transport"
	"github.com/charlesng35/homesync/pkg/response"
)

// Env encapsulates a fully-wired agent backed by an in-memory store and a fake upstream.
type Env struct {
	T           *testing.T
	DB          *gorm.DB
	Store       *localstore.Store
	Monitor     *connectivity.Monitor
	Tokens      *credentials.Store
	Client      *http.Client
	Coordinator *coordinator.Coordinator
	Hub         *realtime.Hub
	Monitoring  *monitoring.Module
	Upstream    *Upstream
	Config      *app.Config
	Router      *gin.Engine
}

// EnvOption customises NewEnv.
type EnvOption func(*envConfig)

type envConfig struct {
	online bool
	token  string
}

// WithOffline starts the environment with the connectivity monitor offline.
func WithOffline() EnvOption {
	return func(cfg *envConfig) {
		cfg.online = false
	}
}

// WithToken seeds the credential store.
func WithToken(token string) EnvOption {
	return func(cfg *envConfig) {
		cfg.token = token
	}
}

// NewEnv provisions a fresh agent environment with the local store initialised.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	cfg := envConfig{online: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := sharedtestutil.MustOpenTestDB(t)
	store := localstore.New(func() (*gorm.DB, error) { return db, nil })
	require.NoError(t, store.Initialize(context.Background()))

	mod, err := monitoring.NewModule(monitoring.Options{DisableGoCollector: true, DisableProcessCollector: true})
	require.NoError(t, err)
	monitoring.SetModule(mod)

	upstream := NewUpstream(t)
	monitor := connectivity.NewMonitor(cfg.online)
	tokens := credentials.NewStatic(cfg.token)
	hub := realtime.NewHub()
	publisher := hub.Publisher(realtime.StreamSync)

	interceptor := transport.New(http.DefaultTransport, store, monitor, tokens, transport.WithPublisher(publisher))
	client := transport.NewClient(interceptor, 5*time.Second)
	coord := coordinator.New(store, client, monitor, coordinator.WithPublisher(publisher))

	mod.Health().RegisterLiveness(checks.Realtime(hub))
	mod.Health().RegisterReadiness(checks.LocalStore(store, time.Second))
	mod.Health().RegisterReadiness(checks.Upstream(monitor))

	appCfg := &app.Config{
		Upstream: app.UpstreamConfig{BaseURL: upstream.URL},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true},
		},
	}

	router, err := api.NewRouter(api.Dependencies{
		Config:     appCfg,
		Store:      store,
		Drainer:    coord,
		Monitor:    monitor,
		Client:     client,
		Hub:        hub,
		Monitoring: mod,
	})
	require.NoError(t, err)

	return &Env{
		T:           t,
		DB:          db,
		Store:       store,
		Monitor:     monitor,
		Tokens:      tokens,
		Client:      client,
		Coordinator: coord,
		Hub:         hub,
		Monitoring:  mod,
		Upstream:    upstream,
		Config:      appCfg,
		Router:      router,
	}
}

// RecordedRequest captures what the fake upstream received.
type RecordedRequest struct {
	Method         string
	Path           string
	Query          string
	Authorization  string
	IdempotencyKey string
	Body           string
}

// Upstream is a fake API that records requests and answers with a configurable status.
type Upstream struct {
	*httptest.Server

	status   atomic.Int32
	location atomic.Value
	mu       sync.Mutex
	requests []RecordedRequest
}

// NewUpstream starts a fake upstream closed via t.Cleanup.
func NewUpstream(t *testing.T) *Upstream {
	t.Helper()

	u := &Upstream{}
	u.status.Store(http.StatusOK)
	u.location.Store("")
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.Close)
	return u
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	u.requests = append(u.requests, RecordedRequest{
		Method:         r.Method,
		Path:           r.URL.Path,
		Query:          r.URL.RawQuery,
		Authorization:  r.Header.Get("Authorization"),
		IdempotencyKey: r.Header.Get(coordinator.IdempotencyHeader),
		Body:           string(body),
	})
	u.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Upstream", "household-api")
	if location, _ := u.location.Load().(string); location != "" {
		w.Header().Set("Location", location)
	}
	w.WriteHeader(int(u.status.Load()))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"method": r.Method,
		"path":   r.URL.RequestURI(),
		"body":   string(body),
	})
}

// SetStatus changes the status code returned for every subsequent request.
func (u *Upstream) SetStatus(status int) {
	u.status.Store(int32(status))
}

// SetLocation sets the Location header sent with every subsequent response.
func (u *Upstream) SetLocation(location string) {
	u.location.Store(location)
}

// Requests returns a copy of the recorded requests.
func (u *Upstream) Requests() []RecordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]RecordedRequest, len(u.requests))
	copy(out, u.requests)
	return out
}

// APIResponse represents the canonical envelope returned by the agent's own endpoints.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the agent router, JSON-encoding non-nil bodies.
func (e *Env) Request(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	e.T.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(e.T, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
