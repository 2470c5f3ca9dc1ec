package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/homesync/internal/app"
	"github.com/charlesng35/homesync/internal/handlers"
	"github.com/charlesng35/homesync/internal/middleware"
	"github.com/charlesng35/homesync/internal/monitoring"
	"github.com/charlesng35/homesync/internal/realtime"
)

// Dependencies groups the long-lived components the router exposes over HTTP.
type Dependencies struct {
	Config     *app.Config
	Store      handlers.SyncStore
	Drainer    handlers.Drainer
	Monitor    handlers.OnlineReporter
	Client     *http.Client
	Hub        *realtime.Hub
	Monitoring *monitoring.Module
}

// NewRouter builds the Gin engine, wires middleware and registers the agent routes.
// Routes that match nothing are forwarded to the upstream API.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("http client must be provided")
	}

	var publisher handlers.Publisher
	if deps.Hub != nil {
		publisher = deps.Hub.Publisher(realtime.StreamSync)
	}

	syncHandler, err := handlers.NewSyncHandler(deps.Store, deps.Drainer, deps.Monitor, publisher)
	if err != nil {
		return nil, err
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	registerHealthRoutes(r, cfg, deps.Monitoring)
	registerMetricsRoute(r, cfg, deps.Monitoring)

	admin := r.Group("/_sync")
	admin.Use(middleware.SecurityHeaders())
	registerSyncRoutes(admin, syncHandler)
	registerMonitoringRoutes(admin, handlers.NewMonitoringHandler(deps.Monitoring, cfg.Monitoring.Prometheus.Enabled, cfg.Monitoring.Prometheus.Endpoint))
	if deps.Hub != nil {
		admin.GET("/events", handlers.NewRealtimeHandler(deps.Hub, realtime.StreamSync).Stream)
	}

	if strings.TrimSpace(cfg.Upstream.BaseURL) == "" {
		r.NoRoute(middleware.NotFoundHandler)
		return r, nil
	}

	proxy, err := handlers.NewProxyHandler(cfg.Upstream.BaseURL, deps.Client)
	if err != nil {
		return nil, err
	}
	r.NoRoute(proxy.Forward)

	return r, nil
}
