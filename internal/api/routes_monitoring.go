package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/homesync/internal/app"
	"github.com/charlesng35/homesync/internal/handlers"
	"github.com/charlesng35/homesync/internal/monitoring"
)

func registerMonitoringRoutes(group *gin.RouterGroup, handler *handlers.MonitoringHandler) {
	if group == nil || handler == nil {
		return
	}

	group.GET("/monitoring", handler.Summary)
}

func registerMetricsRoute(r *gin.Engine, cfg *app.Config, mon *monitoring.Module) {
	if cfg == nil || mon == nil || !cfg.Monitoring.Prometheus.Enabled {
		return
	}

	endpoint := cfg.Monitoring.Prometheus.Endpoint
	if endpoint == "" {
		endpoint = "/metrics"
	}
	r.GET(endpoint, gin.WrapH(mon.Handler()))
}
