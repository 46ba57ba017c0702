// Package control wires the delivery pipeline together and manages its
// lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trungdn/courier/internal/core/config"
	"github.com/trungdn/courier/internal/delivery/health"
	"github.com/trungdn/courier/internal/delivery/policy"
	"github.com/trungdn/courier/internal/delivery/queue"
	"github.com/trungdn/courier/internal/delivery/webhook"
	"github.com/trungdn/courier/internal/events"
	"github.com/trungdn/courier/internal/infra/esp"
	redisclient "github.com/trungdn/courier/internal/infra/redis"
	"github.com/trungdn/courier/internal/infra/storage"
	"github.com/trungdn/courier/internal/infra/storage/memory"
	"github.com/trungdn/courier/internal/infra/storage/postgres"
)

// Courier is the main application struct that manages the pipeline lifecycle.
type Courier struct {
	cfg           config.AppConfig
	log           *slog.Logger
	db            *postgres.DB
	redisClient   *redisclient.Client
	bus           *events.Bus
	engine        *policy.Engine
	client        *esp.Client
	queue         *queue.Queue
	webhookServer *webhook.Server
	healthServer  *health.Server
}

// New creates a Courier with all dependencies initialized.
func New(logger *slog.Logger, cfg config.AppConfig) (*Courier, error) {
	// 1. Storage
	var (
		jobRepo      storage.JobRepository
		deliveryRepo storage.DeliveryRepository
		eventRepo    storage.WebhookEventRepository
		db           *postgres.DB
		dbPinger     health.Pinger
	)

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			return nil, err
		}
		jobRepo = postgres.NewJobRepo(db)
		deliveryRepo = postgres.NewDeliveryRepo(db)
		eventRepo = postgres.NewWebhookEventRepo(db)
		dbPinger = db
		logger.Info("using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		jobRepo = memory.NewJobRepo(store)
		deliveryRepo = memory.NewDeliveryRepo(store)
		eventRepo = memory.NewWebhookEventRepo(store)
		dbPinger = pingerFunc(func(context.Context) error { return nil })
		logger.Info("using memory storage")
	}

	// 2. Redis (coordination: dispatch lock, dedup, rate limit, breaker state)
	var redisClient *redisclient.Client
	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("redis connected")
	}

	// 3. Policy engine and breaker
	var breakerStore policy.StateStore
	if redisClient != nil {
		breakerStore = redisclient.NewBreakerStore(redisClient)
	} else {
		breakerStore = policy.NewMemoryStore()
	}
	engine := policy.NewEngine(policy.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		AuthDisable:      cfg.Breaker.AuthDisable,
		QuotaDisable:     cfg.Breaker.QuotaDisable,
		NotifyWindow:     cfg.Breaker.NotifyWindow,
	}, breakerStore)

	// 4. Provider client
	client := esp.NewClient(esp.Config{
		BaseURL:     cfg.Provider.BaseURL,
		APIKey:      cfg.Provider.APIKey,
		Timeout:     cfg.Provider.Timeout,
		MaxAttempts: cfg.Provider.MaxAttempts,
	}, engine)

	// 5. Event bus
	var publisher events.Publisher
	if cfg.Events.AMQPURL != "" {
		var err error
		publisher, err = events.NewAMQPPublisher(logger, cfg.Events.AMQPURL, cfg.Events.Exchange)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to amqp: %w", err)
		}
	}
	bus := events.NewBus(logger, publisher)

	// 6. Dispatch queue
	var locker queue.Locker
	if redisClient != nil {
		locker = redisClient
	}
	q := queue.New(logger, cfg.Queue, jobRepo, deliveryRepo, client, bus, locker)

	// 7. Webhook reconciler and server
	var dedup webhook.Deduper
	var limiter webhook.Limiter
	if redisClient != nil {
		dedup = redisClient
		limiter = redisClient
	}
	reconciler := webhook.NewReconciler(logger, deliveryRepo, eventRepo, dedup, bus)
	webhookServer := webhook.NewServer(logger, cfg.Webhook, reconciler, limiter)

	// 8. Health monitor and server
	var redisPinger health.Pinger
	if redisClient != nil {
		redisPinger = redisClient
	}
	healthMon := health.NewMonitor(dbPinger, redisPinger, engine.Breaker(), jobRepo, client.Monitor())
	healthServer := health.NewServer(healthMon, cfg.Server.Port)

	return &Courier{
		cfg:           cfg,
		log:           logger,
		db:            db,
		redisClient:   redisClient,
		bus:           bus,
		engine:        engine,
		client:        client,
		queue:         q,
		webhookServer: webhookServer,
		healthServer:  healthServer,
	}, nil
}

// Queue exposes the dispatch queue for embedding callers and admin tooling.
func (c *Courier) Queue() *queue.Queue {
	return c.queue
}

// Bus exposes the event bus for registering in-process handlers.
func (c *Courier) Bus() *events.Bus {
	return c.bus
}

// Start starts the pipeline and all its servers.
func (c *Courier) Start(ctx context.Context) error {
	go func() {
		if err := c.healthServer.Start(); err != nil {
			c.log.Error("health server failed", "error", err)
		}
	}()

	go func() {
		if err := c.webhookServer.Start(); err != nil {
			c.log.Error("webhook server failed", "error", err)
		}
	}()

	if c.db != nil {
		c.db.StartMetricsCollector(ctx)
	}

	go c.queue.Run(ctx)

	c.log.Info("courier started",
		"health_port", c.cfg.Server.Port,
		"webhook_port", c.cfg.Webhook.Port,
	)
	return nil
}

// Stop stops the pipeline.
func (c *Courier) Stop(ctx context.Context) error {
	c.log.Info("stopping courier...")

	if err := c.webhookServer.Stop(ctx); err != nil {
		c.log.Warn("failed to stop webhook server", "error", err)
	}

	if err := c.bus.Close(); err != nil {
		c.log.Warn("failed to close event bus", "error", err)
	}

	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.log.Warn("failed to close redis", "error", err)
		}
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.log.Warn("failed to close db", "error", err)
		}
	}

	return c.healthServer.Stop(ctx)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Health(ctx context.Context) error { return f(ctx) }
