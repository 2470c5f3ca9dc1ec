package app

import (
	"fmt"
	"net/url"
	"strings"
)

const defaultProbePath = "/health"

// ApplyRuntimeDefaults fills settings that are derived from other settings.
// It returns a map describing which keys were derived so callers can log the event.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	derived := make(map[string]bool)

	base := strings.TrimRight(strings.TrimSpace(cfg.Upstream.BaseURL), "/")
	cfg.Upstream.BaseURL = base

	if strings.TrimSpace(cfg.Connectivity.ProbeURL) == "" && base != "" {
		probe, err := url.JoinPath(base, defaultProbePath)
		if err != nil {
			return nil, fmt.Errorf("derive probe url: %w", err)
		}
		cfg.Connectivity.ProbeURL = probe
		derived["connectivity.probe_url"] = true
	}

	if strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint) == "" {
		cfg.Monitoring.Prometheus.Endpoint = "/metrics"
		derived["monitoring.prometheus.endpoint"] = true
	} else if !strings.HasPrefix(cfg.Monitoring.Prometheus.Endpoint, "/") {
		cfg.Monitoring.Prometheus.Endpoint = "/" + cfg.Monitoring.Prometheus.Endpoint
	}

	return derived, nil
}
