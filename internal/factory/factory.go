package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"admission-service/internal/client"
	"admission-service/internal/config"
	"admission-service/internal/monitor"
	"admission-service/internal/ratelimit"
	"admission-service/internal/tls"
	"admission-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Admission engine
	registry      *ratelimit.Registry
	redisStore    *ratelimit.RedisStore
	fallbackStore *ratelimit.MemoryStore
	health        *ratelimit.HealthTracker
	limiter       *ratelimit.Limiter
	monitor       *monitor.Monitor

	probeCancel context.CancelFunc
	closeOnce   sync.Once
	closed      chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeEngine(); err != nil {
		return nil, fmt.Errorf("failed to initialize admission engine: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.Clickhouse.Enabled),
	)

	return factory, nil
}

// initializeClients initializes all external service clients. Redis is
// required (it is the shared counter store); Kafka and ClickHouse are
// optional telemetry sinks; the monitor degrades to log-only without them.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		// A runtime outage degrades to the in-process fallback, but a
		// service that cannot reach its counter store at deploy time is
		// a configuration problem worth failing loudly on.
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = rc
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	util.Info("Redis client initialized and healthy")

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without violation storage", util.ErrorField(err))
		} else {
			f.clickhouseClient = ch
		}
	}

	return nil
}

// initializeEngine wires the policy registry, counter stores, health
// tracking, monitor, and limiter.
func (f *Factory) initializeEngine() error {
	registry, err := ratelimit.NewRegistry(f.config.RateLimit.Policies)
	if err != nil {
		return err
	}
	f.registry = registry

	f.fallbackStore = ratelimit.NewMemoryStore(f.config.RateLimit.FallbackShards)

	if f.redisClient == nil {
		return fmt.Errorf("redis client is required for the shared counter store")
	}
	f.redisStore = ratelimit.NewRedisStore(f.redisClient, f.config.RateLimit.KeyPrefix)

	// Fallback state is discarded on recovery, never merged back.
	f.health = ratelimit.NewHealthTracker(
		f.redisStore,
		f.config.RateLimit.ProbeInterval,
		f.fallbackStore.Reset,
		util.Get(),
	)

	f.monitor = monitor.New(f.config, f.kafkaProducer, f.clickhouseClient, util.Get())
	if f.clickhouseClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := f.monitor.EnsureSchema(ctx); err != nil {
			util.Warn("Failed to ensure violation table schema", util.ErrorField(err))
		}
	}

	f.limiter = ratelimit.NewLimiter(f.registry, f.redisStore, f.fallbackStore, f.health, f.monitor, util.Get())

	probeCtx, cancel := context.WithCancel(context.Background())
	f.probeCancel = cancel
	go f.health.Run(probeCtx)

	return nil
}

// HealthCheck probes all configured dependencies concurrently.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var mu sync.Mutex
	healthErrors := make(map[string]error)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			healthErrors[name] = err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if f.redisClient == nil {
			record("redis", fmt.Errorf("redis client not initialized"))
			return nil
		}
		record("redis", f.redisClient.HealthCheck(gctx))
		return nil
	})

	if f.kafkaProducer != nil {
		g.Go(func() error {
			record("kafka", f.kafkaProducer.HealthCheck(gctx))
			return nil
		})
	}

	if f.clickhouseClient != nil {
		g.Go(func() error {
			record("clickhouse", f.clickhouseClient.HealthCheck(gctx))
			return nil
		})
	}

	_ = g.Wait()
	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Telemetry sinks are best-effort; only the counter store gates health.
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.probeCancel != nil {
			f.probeCancel()
		}

		if f.monitor != nil {
			if err := f.monitor.Close(); err != nil {
				util.Error("Failed to close violation monitor", util.ErrorField(err))
			} else {
				util.Info("Violation monitor drained and closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Limiter() *ratelimit.Limiter {
	return f.limiter
}

func (f *Factory) Monitor() *monitor.Monitor {
	return f.monitor
}
