package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/haukened/rr-intel/internal/intel/common/clock"
	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/config"
	"github.com/haukened/rr-intel/internal/intel/domain"
	"github.com/haukened/rr-intel/internal/intel/gateways/alarm"
	"github.com/haukened/rr-intel/internal/intel/gateways/bus"
	"github.com/haukened/rr-intel/internal/intel/gateways/cloud"
	"github.com/haukened/rr-intel/internal/intel/gateways/hosts"
	"github.com/haukened/rr-intel/internal/intel/gateways/listener"
	"github.com/haukened/rr-intel/internal/intel/gateways/oracle"
	"github.com/haukened/rr-intel/internal/intel/infra/admin"
	"github.com/haukened/rr-intel/internal/intel/infra/metrics"
	"github.com/haukened/rr-intel/internal/intel/repos/bloom"
	"github.com/haukened/rr-intel/internal/intel/repos/cloudcache"
	"github.com/haukened/rr-intel/internal/intel/repos/dedup"
	"github.com/haukened/rr-intel/internal/intel/repos/reputation"
	"github.com/haukened/rr-intel/internal/intel/repos/reputation/boltstore"
	"github.com/haukened/rr-intel/internal/intel/repos/reputation/redisstore"
	"github.com/haukened/rr-intel/internal/intel/repos/trustlist"
	"github.com/haukened/rr-intel/internal/intel/services/fastintel"
	"github.com/haukened/rr-intel/internal/intel/services/geo"
	"github.com/haukened/rr-intel/internal/intel/services/pipeline"
	"github.com/haukened/rr-intel/internal/intel/services/policy"
)

const (
	version = "0.1.0-dev"
	appName = "rr-inteld"

	defaultShutdownTimeout = 10 * time.Second
)

// Application holds every long-lived component of the intel service.
type Application struct {
	config *config.AppConfig
	logger log.Logger

	redis     redis.UniversalClient
	store     reputation.Store
	registry  *cloudcache.Registry
	bus       *bus.Bus
	pipeline  *pipeline.Pipeline
	listener  *listener.UDPListener
	fastIntel *fastintel.Controller
	geo       *geo.Service
	admin     *admin.Server
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Configure(cfg.Env, cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":       version,
		"env":           cfg.Env,
		"log_level":     cfg.LogLevel,
		"store_backend": cfg.StoreBackend,
		"cloud_url":     cfg.CloudURL,
		"listen_addr":   cfg.ListenAddr,
		"bloom_filters": cfg.BloomFilters,
	}, "Starting "+appName)

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Service failed")
	}
	log.Info(nil, appName+" stopped gracefully")
}

// buildApplication constructs all components and wires them together.
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := &clock.RealClock{}
	logger := log.GetLogger()

	entries, err := cfg.BloomEntries()
	if err != nil {
		return nil, fmt.Errorf("invalid bloom filters: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)

	store, err := buildStore(cfg, rdb, clk)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to build reputation store: %w", err)
	}

	app, err := wire(cfg, clk, logger, rdb, store, entries)
	if err != nil {
		_ = store.Close()
		_ = rdb.Close()
		return nil, err
	}
	return app, nil
}

func buildStore(cfg *config.AppConfig, rdb redis.UniversalClient, clk clock.Clock) (reputation.Store, error) {
	if cfg.StoreBackend == "bolt" {
		log.Info(map[string]any{"path": cfg.BoltPath}, "Reputation store: bbolt")
		return boltstore.New(boltstore.Options{Path: cfg.BoltPath, Clock: clk})
	}
	log.Info(map[string]any{"url": cfg.RedisURL}, "Reputation store: redis")
	return redisstore.New(redisstore.Options{
		Client: rdb,
		Keys:   reputation.ListKeys{Allow: cfg.AllowKey, Block: cfg.BlockKey},
	})
}

func wire(cfg *config.AppConfig, clk clock.Clock, logger log.Logger, rdb redis.UniversalClient, store reputation.Store, entries []domain.BloomEntry) (*Application, error) {
	m := metrics.New(true)

	fetcher, err := cloud.NewFetcher(cloud.Options{BaseURL: cfg.CloudURL, Timeout: cfg.CloudTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud fetcher: %w", err)
	}
	fileStore, err := cloudcache.NewFileStore(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache dir: %w", err)
	}
	eventBus, err := bus.New(bus.Options{Client: rdb, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	expirationDays := cfg.ExpirationDays
	if expirationDays == 0 {
		expirationDays = -1 // disabled
	}
	registry, err := cloudcache.NewRegistry(cloudcache.Options{
		Store:          fileStore,
		Fetcher:        fetcher,
		Subscriber:     eventBus,
		RefreshChannel: cfg.RefreshChannel,
		Interval:       cfg.RefreshInterval,
		ExpirationDays: expirationDays,
		Clock:          clk,
		Logger:         logger,
		Hooks:          m.Hooks(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud cache registry: %w", err)
	}

	oracleClient, err := oracle.NewClient(oracle.Options{
		BaseURL: cfg.OracleURL,
		Timeout: cfg.OracleTimeout,
		Clock:   clk,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle client: %w", err)
	}
	devices, err := hosts.NewStore(rdb)
	if err != nil {
		return nil, fmt.Errorf("failed to create host store: %w", err)
	}
	alarms, err := alarm.NewQueue(alarm.Options{Client: rdb})
	if err != nil {
		return nil, fmt.Errorf("failed to create alarm queue: %w", err)
	}

	bloomStore := bloom.NewStore(bloom.Options{Logger: logger})
	window := dedup.New(dedup.Options{Size: cfg.DedupSize, Window: cfg.DedupWindow, Clock: clk})
	m.GaugeFunc("dedup_entries", "Domains currently held in the dedup window.", func() float64 {
		return float64(window.Len())
	})
	geoService := geo.New(geo.Options{Logger: logger})

	pl, err := pipeline.New(pipeline.Options{
		Dedup: window,
		Bloom: bloomStore,
		Reputation: reputation.NewCache(reputation.Options{
			Store:      store,
			DefaultTTL: cfg.IntelTTL,
			Clock:      clk,
			Logger:     logger,
		}),
		Oracle:  oracleClient,
		Devices: devices,
		Policy: policy.NewResolver(policy.Options{
			Defaults: policy.Settings{Enabled: cfg.FeatureEnabled, Alarm: true},
			Layers:   devices,
			Logger:   logger,
		}),
		Alarms:         alarms,
		Geo:            geoService,
		Metrics:        m,
		TrustedDomains: trustedDomains(cfg, logger),
		BloomDir:       cfg.BloomDir,
		OracleTimeout:  cfg.OracleTimeout,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	fast, err := fastintel.New(fastintel.Options{
		Entries:    entries,
		Registry:   registry,
		Bloom:      bloomStore,
		BloomDir:   cfg.BloomDir,
		ConfigPath: cfg.ForwarderConfig,
		Keys:       reputation.ListKeys{Allow: cfg.AllowKey, Block: cfg.BlockKey},
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fast intel controller: %w", err)
	}

	app := &Application{
		config:    cfg,
		logger:    logger,
		redis:     rdb,
		store:     store,
		registry:  registry,
		bus:       eventBus,
		pipeline:  pl,
		listener:  listener.NewUDPListener(cfg.ListenAddr, logger),
		fastIntel: fast,
		geo:       geoService,
	}
	if cfg.AdminAddr != "" {
		app.admin = admin.New(admin.Options{
			Addr:     cfg.AdminAddr,
			Gatherer: m.Registry(),
			Caches:   registry,
			Sections: map[string]func() any{
				"fast_intel": func() any {
					return map[string]bool{"enabled": fast.Enabled(), "working": fast.Working()}
				},
				"bloom": func() any { return bloomStore.Prefixes() },
				"geo":   func() any { return geoService.Loaded() },
			},
			Logger: logger,
		})
	}
	return app, nil
}

// Run starts every component and blocks until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	if app.admin != nil {
		if err := app.admin.Start(); err != nil {
			return fmt.Errorf("failed to start admin endpoint: %w", err)
		}
	}
	if err := app.listener.Start(ctx, app.pipeline); err != nil {
		return fmt.Errorf("failed to start query listener: %w", err)
	}
	log.Info(map[string]any{"address": app.listener.Address()}, "Query listener started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.registry.Run(gctx) })
	g.Go(func() error { return app.pipeline.Run(gctx) })
	g.Go(func() error {
		err := app.bus.Subscribe(gctx, app.config.EventChannel, app.pipeline.HandleMessage)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		// enabling reconciles every key once, which waits on the network
		if app.config.FeatureEnabled {
			if err := app.fastIntel.Enable(gctx); err != nil {
				log.Warn(map[string]any{"error": err}, "Fast intel enabled without forwarder config")
			}
		}
		app.geo.Enable(gctx, app.registry, app.config.GeoKeys)
		return nil
	})

	<-ctx.Done()
	log.Info(nil, "Shutdown initiated")
	return app.shutdown(g)
}

func (app *Application) shutdown(g *errgroup.Group) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := app.listener.Stop(); err != nil {
		log.Warn(map[string]any{"error": err}, "Error during listener shutdown")
	}
	if app.admin != nil {
		if err := app.admin.Stop(shutdownCtx); err != nil {
			log.Warn(map[string]any{"error": err}, "Error during admin shutdown")
		}
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-shutdownCtx.Done():
		log.Warn(map[string]any{"timeout": defaultShutdownTimeout}, "Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout")
	}

	if err := app.store.Close(); err != nil {
		log.Warn(map[string]any{"error": err}, "Error closing reputation store")
	}
	if err := app.redis.Close(); err != nil {
		log.Warn(map[string]any{"error": err}, "Error closing redis client")
	}
	if runErr != nil {
		return runErr
	}
	log.Info(nil, "Graceful shutdown completed")
	return nil
}

// trustedDomains joins the configured trusted domains with the optional
// trusted file. A broken file is logged and skipped.
func trustedDomains(cfg *config.AppConfig, logger log.Logger) []string {
	out := append([]string(nil), cfg.TrustedDomains...)
	if cfg.TrustedFile == "" {
		return out
	}
	names, err := trustlist.LoadFile(cfg.TrustedFile, logger)
	if err != nil {
		logger.Warn(map[string]any{"path": cfg.TrustedFile, "error": err}, "failed to load trusted file")
		return out
	}
	return append(out, names...)
}
