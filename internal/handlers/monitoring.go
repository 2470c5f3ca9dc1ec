package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/homesync/internal/monitoring"
	"github.com/charlesng35/homesync/pkg/response"
)

// MonitoringHandler surfaces the sync monitoring summary.
type MonitoringHandler struct {
	module   *monitoring.Module
	endpoint string
	enabled  bool
}

// NewMonitoringHandler constructs a monitoring handler. Returns nil when the module is absent.
func NewMonitoringHandler(module *monitoring.Module, prometheusEnabled bool, endpoint string) *MonitoringHandler {
	if module == nil {
		return nil
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = "/metrics"
	}
	return &MonitoringHandler{module: module, endpoint: endpoint, enabled: prometheusEnabled}
}

// Summary GET /_sync/monitoring
func (h *MonitoringHandler) Summary(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"summary": h.module.Summary(),
		"prometheus": gin.H{
			"enabled":  h.enabled,
			"endpoint": h.endpoint,
		},
	})
}
