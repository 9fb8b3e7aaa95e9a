// Package app wires the adapters together and runs the HTTP front door.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/arbiterhq/arbiter/internal/adapter/agentpool"
	"github.com/arbiterhq/arbiter/internal/adapter/balancer"
	"github.com/arbiterhq/arbiter/internal/adapter/breaker"
	"github.com/arbiterhq/arbiter/internal/adapter/classifier"
	"github.com/arbiterhq/arbiter/internal/adapter/proxy"
	"github.com/arbiterhq/arbiter/internal/adapter/ratelimit"
	"github.com/arbiterhq/arbiter/internal/adapter/rectifier"
	"github.com/arbiterhq/arbiter/internal/adapter/registry"
	"github.com/arbiterhq/arbiter/internal/adapter/stats"
	auditstore "github.com/arbiterhq/arbiter/internal/adapter/store"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/core/ports"
	"github.com/arbiterhq/arbiter/internal/logger"
)

type App struct {
	cfg       *config.Config
	log       logger.StyledLogger
	startTime time.Time

	registry  *registry.Registry
	guard     *ratelimit.Guard
	forwarder *proxy.Forwarder
	renderer  *proxy.ErrorRenderer
	audit     ports.AuditStore
	stats     ports.StatsCollector
	pool      *agentpool.Pool
	redis     redis.UniversalClient

	providerBreakers *breaker.Registry
	endpointBreakers *breaker.Registry
	vendorBreaker    *breaker.VendorTypeBreaker
	degraded         *proxy.DegradedFeatures

	server        *http.Server
	metricsServer *http.Server
}

func New(startTime time.Time, cfg *config.Config, log logger.StyledLogger) (*App, error) {
	a := &App{
		cfg:       cfg,
		log:       log,
		startTime: startTime,
	}

	var collector ports.StatsCollector = stats.Noop{}
	if cfg.Metrics.Enabled {
		collector = stats.NewPrometheus(prometheus.DefaultRegisterer)
	}
	a.stats = collector

	a.registry = registry.New()
	if err := a.swapConfig(cfg); err != nil {
		return nil, err
	}

	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.guard = ratelimit.NewGuard(ratelimit.NewRedisStore(a.redis), collector, cfg.Redis.ReservationTTL, log)

	audit, err := auditstore.NewSQLite(cfg.Persistence.Path, log)
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	a.audit = audit

	a.providerBreakers = breaker.NewRegistry("provider", breaker.Settings{}, collector)
	a.endpointBreakers = breaker.NewRegistry("endpoint", breaker.Settings{}, collector)
	a.vendorBreaker = breaker.NewVendorTypeBreaker(cfg.Forwarder.VendorBreakerCooldown)
	a.degraded = proxy.NewDegradedFeatures(cfg.Forwarder.DegradedFeatureTTL)
	a.pool = agentpool.New(log, cfg.Forwarder.HTTP2Enabled)

	a.forwarder = proxy.NewForwarder(
		a.registry,
		balancer.NewResolver(time.Now().UnixNano()),
		classifier.New(classifier.NewMemoryRuleSource(), log),
		rectifier.New(log),
		a.pool,
		a.providerBreakers, a.endpointBreakers,
		a.vendorBreaker,
		a.degraded,
		collector,
		log,
		proxy.Config{
			MaxRetryAttemptsDefault: cfg.Forwarder.MaxRetryAttemptsDefault,
			BreakerOnNetworkErrors:  cfg.Forwarder.BreakerOnNetworkErrors,
			FetchHeadersTimeout:     cfg.Forwarder.FetchHeadersTimeout,
			FetchBodyTimeout:        cfg.Forwarder.FetchBodyTimeout,
		},
	)
	a.renderer = proxy.NewErrorRenderer(log)

	return a, nil
}

// swapConfig publishes the fleet sections to the registry
func (a *App) swapConfig(cfg *config.Config) error {
	endpoints, err := cfg.DomainEndpoints()
	if err != nil {
		return err
	}
	a.registry.Swap(cfg.DomainProviders(), endpoints, cfg.DomainKeys(), cfg.DomainUsers())
	return nil
}

// Start brings up the listeners and the config watcher. It returns once
// the servers are accepting.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsServer = &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux}
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Error("metrics server failed", "error", err)
			}
		}()
		a.log.Info("Metrics listening", "address", a.cfg.Metrics.Address)
	}

	a.server = &http.Server{
		Addr:         a.cfg.Server.GetAddress(),
		Handler:      a.routes(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalWithLogger(a.log.GetUnderlying(), "server failed", "error", err)
		}
	}()
	a.log.Info("Listening", "address", a.cfg.Server.GetAddress())

	if a.cfg.Filename != "" {
		err := config.Watch(a.cfg.Filename,
			func(fresh *config.Config) {
				if err := a.swapConfig(fresh); err != nil {
					a.log.Error("config reload rejected", "error", err)
					return
				}
				a.log.Info("configuration reloaded", "file", a.cfg.Filename)
			},
			func(err error) {
				a.log.Error("config reload failed, keeping previous generation", "error", err)
			},
		)
		if err != nil {
			a.log.Warn("config watch unavailable", "error", err)
		}
	}

	return nil
}

// Stop drains in-flight requests within the shutdown budget, then releases
// the adapters
func (a *App) Stop(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if a.server != nil {
		if err := a.server.Shutdown(drainCtx); err != nil {
			firstErr = err
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(drainCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	a.pool.Close()
	if err := a.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
