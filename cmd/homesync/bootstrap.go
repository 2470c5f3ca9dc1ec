package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/homesync/internal/api"
	"github.com/charlesng35/homesync/internal/app"
	"github.com/charlesng35/homesync/internal/connectivity"
	"github.com/charlesng35/homesync/internal/coordinator"
	"github.com/charlesng35/homesync/internal/credentials"
	"github.com/charlesng35/homesync/internal/database"
	"github.com/charlesng35/homesync/internal/localstore"
	"github.com/charlesng35/homesync/internal/monitoring"
	"github.com/charlesng35/homesync/internal/monitoring/checks"
	"github.com/charlesng35/homesync/internal/realtime"
	"github.com/charlesng35/homesync/internal/transport"
	"github.com/charlesng35/homesync/pkg/logger"
)

// runtimeStack bundles the long-lived components of the agent.
type runtimeStack struct {
	Config      *app.Config
	Store       *localstore.Store
	Monitor     *connectivity.Monitor
	Tokens      *credentials.Store
	Client      *http.Client
	Coordinator *coordinator.Coordinator
	Prober      *connectivity.Prober
	Hub         *realtime.Hub
	Monitoring  *monitoring.Module
	Router      *gin.Engine

	cron   *cron.Cron
	log    *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// bootstrapRuntime wires the store, interceptor, coordinator, prober and HTTP router.
// Nothing runs in the background until Start.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	stack := &runtimeStack{Config: cfg, log: log}
	success := false

	defer func() {
		if !success {
			_ = stack.Shutdown(context.Background())
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	var err error
	stack.Monitoring, err = monitoring.NewModule(monitoring.Options{})
	if err != nil {
		return nil, fmt.Errorf("initialise monitoring: %w", err)
	}
	monitoring.SetModule(stack.Monitoring)
	stack.Monitoring.Health().SetCheckTimeout(cfg.Monitoring.Health.Timeout)

	dbCfg := cfg.Database.ConnectionConfig()
	stack.Store = localstore.New(func() (*gorm.DB, error) {
		return database.Open(dbCfg)
	})
	if err := stack.Store.Initialize(ctx); err != nil {
		// The store stays usable in degraded mode: reads miss and writes fail fast.
		log.Warn("local store degraded", zap.String("driver", dbCfg.Driver), zap.Error(err))
	} else {
		log.Info("local store ready", zap.String("driver", dbCfg.Driver))
	}

	stack.Tokens, err = cfg.Auth.Credentials()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	warnIfTokenExpired(log, stack.Tokens.Token(), time.Now())

	stack.Monitor = connectivity.NewMonitor(cfg.Connectivity.AssumeOnline)
	stack.Hub = realtime.NewHub()
	publisher := stack.Hub.Publisher(realtime.StreamSync)

	stack.Monitor.Subscribe(func(online bool) {
		publisher.Publish(realtime.EventConnectivity, map[string]bool{"online": online})
	})

	base := http.DefaultTransport.(*http.Transport).Clone()
	interceptor := transport.New(base, stack.Store, stack.Monitor, stack.Tokens, transport.WithPublisher(publisher))
	stack.Client = transport.NewClient(interceptor, cfg.Upstream.Timeout)

	stack.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	stack.Coordinator = coordinator.New(stack.Store, stack.Client, stack.Monitor,
		coordinator.WithDrainSchedule(cfg.Sync.DrainSchedule),
		coordinator.WithCron(stack.cron),
		coordinator.WithPublisher(publisher),
	)

	if probeURL := strings.TrimSpace(cfg.Connectivity.ProbeURL); probeURL != "" {
		stack.Prober = connectivity.NewProber(probeURL, stack.Monitor,
			connectivity.WithCron(stack.cron),
			connectivity.WithSchedule(cfg.Connectivity.ProbeSchedule),
			connectivity.WithTimeout(cfg.Connectivity.ProbeTimeout),
		)
	}

	health := stack.Monitoring.Health()
	health.RegisterLiveness(checks.Realtime(stack.Hub))
	health.RegisterReadiness(checks.LocalStore(stack.Store, cfg.Monitoring.Health.Timeout))
	health.RegisterReadiness(checks.Upstream(stack.Monitor))
	health.RegisterReadiness(checks.Drain(uint64(cfg.Monitoring.Health.DrainFailureThreshold)))

	stack.Router, err = api.NewRouter(api.Dependencies{
		Config:     cfg,
		Store:      stack.Store,
		Drainer:    stack.Coordinator,
		Monitor:    stack.Monitor,
		Client:     stack.Client,
		Hub:        stack.Hub,
		Monitoring: stack.Monitoring,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Probe refreshes the connectivity state once when a probe URL is configured.
func (s *runtimeStack) Probe(ctx context.Context) bool {
	if s.Prober == nil {
		return s.Monitor.Online()
	}
	return s.Prober.CheckNow(ctx)
}

// Start probes connectivity, starts the probe schedule and runs the coordinator
// triggers until Shutdown.
func (s *runtimeStack) Start(ctx context.Context) error {
	if s.done != nil {
		return errors.New("runtime already started")
	}

	online := s.Probe(ctx)
	s.log.Info("initial connectivity", zap.Bool("online", online))

	if s.Prober != nil {
		if err := s.Prober.Start(); err != nil {
			return fmt.Errorf("start connectivity prober: %w", err)
		}
	} else {
		s.log.Warn("no probe url configured; connectivity stays at its initial state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.Coordinator.Run(runCtx); err != nil {
			s.log.Error("sync coordinator stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops background work in reverse start order and releases the store.
func (s *runtimeStack) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}

	var err error

	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("wait for coordinator: %w", ctx.Err()))
		}
	}

	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("wait for scheduled jobs: %w", ctx.Err()))
		}
	}

	if s.Store != nil {
		if closeErr := s.Store.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close local store: %w", closeErr))
		}
	}

	return err
}

func warnIfTokenExpired(log *zap.Logger, token string, now time.Time) {
	if strings.TrimSpace(token) == "" {
		log.Warn("no bearer token configured; upstream requests are sent unauthenticated")
		return
	}

	info, err := credentials.Inspect(token)
	if err != nil {
		log.Debug("bearer token is not a JWT; expiry unknown", zap.Error(err))
		return
	}
	if info.Expired(now) {
		log.Warn("bearer token has expired; upstream will reject requests until it is replaced",
			zap.String("subject", info.Subject),
			zap.Time("expired_at", info.ExpiresAt),
		)
	}
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml":
				return app.LoadConfig(path)
			default:
				return nil, fmt.Errorf("config file %q must be yaml", path)
			}
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

// prepare loads configuration and logging, then bootstraps the runtime.
func prepare(ctx context.Context, configPath string) (*runtimeStack, error) {
	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return nil, err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel, cfg.Server.LogFormat); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	return bootstrapRuntime(ctx, cfg, logger.WithModule("bootstrap"))
}
