package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/outbound-batch-dialer/internal/api/handlers"
	"github.com/acme/outbound-batch-dialer/internal/config"
	"github.com/acme/outbound-batch-dialer/internal/dialer"
	"github.com/acme/outbound-batch-dialer/internal/domain"
	"github.com/acme/outbound-batch-dialer/internal/events"
	"github.com/acme/outbound-batch-dialer/internal/infra/db"
	"github.com/acme/outbound-batch-dialer/internal/infra/redis"
	"github.com/acme/outbound-batch-dialer/internal/queue"
	"github.com/acme/outbound-batch-dialer/internal/repository"
	pgrepo "github.com/acme/outbound-batch-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-batch-dialer/internal/repository/scylla"
	"github.com/acme/outbound-batch-dialer/internal/scheduler"
	callsvc "github.com/acme/outbound-batch-dialer/internal/service/call"
	campaignsvc "github.com/acme/outbound-batch-dialer/internal/service/campaign"
	"github.com/acme/outbound-batch-dialer/internal/service/concurrency"
	"github.com/acme/outbound-batch-dialer/internal/telephony"
	telephonyMock "github.com/acme/outbound-batch-dialer/internal/telephony/mock"
	"github.com/acme/outbound-batch-dialer/internal/worker/status"
	"github.com/acme/outbound-batch-dialer/pkg/logger"
)

// Container wires together shared infrastructure and the dialing engine.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	Bus        *events.Bus
	Ingestor   *events.Ingestor
	Registry   *scheduler.Registry
	Dispatcher *dialer.Dispatcher
	Limiter    *concurrency.Limiter
	Campaigns  *campaignsvc.Service
	Calls      *callsvc.Service

	provider        *telephonyMock.Provider
	recorder        *dialer.Recorder
	relay           *queue.EventRelay
	statusPublisher *queue.StatusPublisher
	statusWorker    *status.Worker
	unsubscribe     []events.CancelFunc

	workers struct {
		mu     sync.Mutex
		cancel context.CancelFunc
		group  *errgroup.Group
	}
}

// Build constructs a container for the given configuration path. Scylla and Kafka are
// optional; without them call records and the event relay are disabled.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Logger: lg}
	if err := c.connect(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	if err := c.wire(); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Container) connect(ctx context.Context) error {
	pg, err := db.NewPostgres(ctx, c.Config.Postgres)
	if err != nil {
		return fmt.Errorf("bootstrap postgres: %w", err)
	}
	c.Postgres = pg
	if c.Config.Postgres.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
	}

	if c.Config.Scylla.Enabled {
		scylla, err := db.NewScylla(c.Config.Scylla)
		if err != nil {
			return fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla
		if c.Config.Scylla.AutoMigrate {
			if err := scylla.Migrate(ctx); err != nil {
				return fmt.Errorf("bootstrap scylla: %w", err)
			}
		}
	}

	redisClient, err := redis.NewClient(ctx, c.Config.Redis)
	if err != nil {
		return fmt.Errorf("bootstrap redis: %w", err)
	}
	c.Redis = redisClient

	if c.Config.Kafka.Enabled() {
		kafka, err := queue.NewKafka(c.Config.Kafka)
		if err != nil {
			return fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = kafka
	}
	return nil
}

func (c *Container) wire() error {
	cfg := c.Config

	campaigns := pgrepo.NewCampaignRepository(c.Postgres.DB())
	contacts := pgrepo.NewContactRepository(c.Postgres.DB())
	stats := pgrepo.NewCallStatsRepository(c.Postgres.DB())

	var calls repository.CallStore = unavailableCallStore{}
	if c.Scylla != nil {
		calls = scyllarepo.NewCallStore(c.Scylla.Session())
	}

	c.Bus = events.NewBus(c.Logger)
	c.Ingestor = events.NewIngestor(c.Bus, c.Logger)

	var sink telephony.StatusSink = c.Ingestor
	if c.Kafka != nil {
		c.statusPublisher = queue.NewStatusPublisher(c.Kafka, cfg.Kafka.StatusTopic)
		sink = c.statusPublisher
		c.statusWorker = status.New(c.Kafka.NewReader(cfg.Kafka.StatusTopic, cfg.Kafka.ConsumerGroupID), c.Ingestor, c.Logger)
		c.relay = queue.NewEventRelay(c.Kafka.NewWriter(cfg.Kafka.EventTopic), cfg.Events.RelayBuffer, c.Logger)
		c.unsubscribe = append(c.unsubscribe, c.Bus.SubscribeAll(events.AnyKind, c.relay.Handle))
	}
	c.provider = telephonyMock.NewProvider(cfg.CallBridge, sink, c.Logger)

	c.Limiter = concurrency.NewLimiter(c.Redis.Inner(), cfg.Throttle.GlobalConcurrency, cfg.Throttle.SlotTTL, cfg.Throttle.PollInterval)
	c.Dispatcher = dialer.NewDispatcher(c.provider, c.Limiter, c.Bus, dialer.Options{
		GlobalConcurrency: cfg.Throttle.GlobalConcurrency,
		RequestTimeout:    cfg.CallBridge.RequestTimeout,
		Logger:            c.Logger,
	})

	if c.Scylla != nil {
		c.recorder = dialer.NewRecorder(calls, stats, cfg.Events.RelayBuffer, c.Logger)
		c.unsubscribe = append(c.unsubscribe, c.Bus.SubscribeAll(events.AnyKind, c.recorder.Handle))
	}

	defaults := c.DefaultSettings()
	registry, err := scheduler.NewRegistry(scheduler.Deps{
		Contacts:   contacts,
		Dispatcher: c.Dispatcher,
		Store:      campaigns,
		Events:     c.Bus,
	}, scheduler.Options{
		Defaults:        defaults,
		SlotCeiling:     cfg.Scheduler.SlotCeiling,
		CallTimeout:     cfg.Scheduler.CallTimeout,
		DispatchTimeout: cfg.Scheduler.DispatchTimeout,
		StoreTimeout:    cfg.Scheduler.StoreTimeout,
		IdlePoll:        cfg.Scheduler.IdlePoll,
		Logger:          c.Logger,
	})
	if err != nil {
		return fmt.Errorf("bootstrap scheduler: %w", err)
	}
	c.Registry = registry

	c.Campaigns = campaignsvc.NewService(campaigns, contacts, stats, defaults)
	c.Calls = callsvc.NewService(calls, campaigns, c.Dispatcher)
	return nil
}

// DefaultSettings are the scheduler settings applied where a campaign record leaves one unset.
func (c *Container) DefaultSettings() domain.Settings {
	return domain.Settings{
		BatchSize:          c.Config.Scheduler.BatchSize,
		BatchDelay:         c.Config.Scheduler.BatchDelay,
		CallDelay:          c.Config.Scheduler.CallDelay,
		MaxConcurrentCalls: c.Config.Scheduler.MaxConcurrentCalls,
	}
}

// HandlerDeps exposes the collaborators of the HTTP layer.
func (c *Container) HandlerDeps() handlers.Deps {
	health := map[string]handlers.HealthCheck{
		"postgres": c.Postgres.Ping,
		"redis":    c.Redis.Ping,
	}
	if c.Scylla != nil {
		health["scylla"] = c.Scylla.Ping
	}

	deps := handlers.Deps{
		Schedulers:   c.Registry,
		Campaigns:    c.Campaigns,
		Calls:        c.Calls,
		Events:       c.Bus,
		Webhook:      c.Ingestor,
		Health:       health,
		StreamBuffer: c.Config.Events.StreamBuffer,
		// A call that stays silent this long has lost its slot in the scheduler too.
		StreamIdleTimeout: c.Config.Scheduler.CallTimeout,
		Logger:            c.Logger,
	}
	if c.Config.Throttle.GlobalConcurrency > 0 {
		deps.ProviderSlots = func(ctx context.Context) (int, error) {
			return c.Limiter.Active(ctx, dialer.ThrottleKey)
		}
	}
	return deps
}

// StartWorkers launches the recorder, the event relay and the status consumer. They run
// until Shutdown.
func (c *Container) StartWorkers(ctx context.Context) error {
	c.workers.mu.Lock()
	defer c.workers.mu.Unlock()
	if c.workers.group != nil {
		return errors.New("app: workers already started")
	}

	if c.Kafka != nil {
		if err := c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), c.Config.Kafka.Partitions, 1); err != nil {
			return fmt.Errorf("app: ensure topics: %w", err)
		}
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, gctx := errgroup.WithContext(wctx)
	run := func(name string, fn func(context.Context) error) {
		group.Go(func() error {
			err := fn(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.Logger.Error("app: worker stopped", zap.String("worker", name), zap.Error(err))
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	if c.recorder != nil {
		run("recorder", c.recorder.Run)
	}
	if c.relay != nil {
		run("relay", c.relay.Run)
	}
	if c.statusWorker != nil {
		run("status-worker", c.statusWorker.Run)
	}

	c.workers.cancel = cancel
	c.workers.group = group
	return nil
}

// Shutdown pauses running campaigns, waits for in-progress dispatches, stops the provider
// simulation and then the background workers, so late events still reach the recorder.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	if c.Registry != nil {
		if err := c.Registry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.provider != nil {
		if err := c.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("provider close: %w", err))
		}
	}
	if c.statusPublisher != nil {
		if err := c.statusPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("status publisher close: %w", err))
		}
	}

	c.workers.mu.Lock()
	cancel, group := c.workers.cancel, c.workers.group
	c.workers.mu.Unlock()
	if group != nil {
		cancel()
		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, unsubscribe := range c.unsubscribe {
		unsubscribe()
	}
	if c.recorder != nil && c.recorder.Dropped() > 0 {
		c.Logger.Warn("app: recorder dropped events", zap.Int64("dropped", c.recorder.Dropped()))
	}
	return errors.Join(errs...)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}
