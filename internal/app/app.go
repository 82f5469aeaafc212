// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the collection core.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arenalab/collection-core/internal/api"
	"github.com/arenalab/collection-core/internal/arena"
	"github.com/arenalab/collection-core/internal/clock/system"
	"github.com/arenalab/collection-core/internal/config"
	"github.com/arenalab/collection-core/internal/credential"
	credmem "github.com/arenalab/collection-core/internal/credential/memory"
	credpg "github.com/arenalab/collection-core/internal/credential/postgres"
	"github.com/arenalab/collection-core/internal/events"
	"github.com/arenalab/collection-core/internal/events/sinks"
	"github.com/arenalab/collection-core/internal/id/uuid"
	"github.com/arenalab/collection-core/internal/ledger"
	ledgermem "github.com/arenalab/collection-core/internal/ledger/memory"
	ledgerpg "github.com/arenalab/collection-core/internal/ledger/postgres"
	"github.com/arenalab/collection-core/internal/logging"
	"github.com/arenalab/collection-core/internal/metrics"
	"github.com/arenalab/collection-core/internal/normalize"
	"github.com/arenalab/collection-core/internal/orchestrator"
	pubmem "github.com/arenalab/collection-core/internal/publisher/memory"
	pubsubpub "github.com/arenalab/collection-core/internal/publisher/pubsub"
	"github.com/arenalab/collection-core/internal/ratelimit"
	rlredis "github.com/arenalab/collection-core/internal/ratelimit/redis"
	rawgcs "github.com/arenalab/collection-core/internal/rawstore/gcs"
	rawlocal "github.com/arenalab/collection-core/internal/rawstore/local"
	rawmem "github.com/arenalab/collection-core/internal/rawstore/memory"
	"github.com/arenalab/collection-core/internal/registry"
	storagemem "github.com/arenalab/collection-core/internal/storage/memory"
	storagepg "github.com/arenalab/collection-core/internal/storage/postgres"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and passed to the components that need it.
type App struct {
	Logger       *zap.Logger
	Config       config.Config
	Registry     *registry.Registry
	Pool         *credential.Pool
	CredStore    credential.Store
	Limiter      *ratelimit.Limiter
	Ledger       *ledger.Ledger
	ContentStore arena.ContentStore
	RunStore     api.RunStore
	RawStore     arena.RawStore
	Publisher    arena.Publisher
	Hub          *events.Hub
	Orchestrator *orchestrator.Orchestrator
	Clock        arena.Clock
	IDs          arena.IDGenerator

	closers []func(context.Context) error
}

// New builds the full service graph from configuration. The adapter registry
// is supplied by the caller: adapters register at process init, the core
// never hardcodes them. New fails fast when any backing service is
// unreachable.
func New(ctx context.Context, cfg config.Config, reg *registry.Registry) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	metrics.Init()

	a := &App{
		Logger:   logger,
		Config:   cfg,
		Registry: reg,
		Clock:    system.New(),
		IDs:      uuid.New(),
	}

	if err := a.initStores(ctx, cfg); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.initLimiter(cfg); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.initRawStore(ctx, cfg); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.initPublisher(ctx, cfg); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Pool = credential.NewPool(a.CredStore, a.Clock, a.IDs, credential.Config{
		AcquireTimeout:  secondsToDuration(cfg.Credentials.AcquireTimeoutSeconds),
		PollInterval:    millisToDuration(cfg.Credentials.PollIntervalMs),
		LeaseTTL:        secondsToDuration(cfg.Credentials.LeaseTTLSeconds),
		DefaultCooldown: secondsToDuration(cfg.Credentials.DefaultCooldownSeconds),
	}, logger)

	a.Hub = events.NewHub(
		events.Config{Logger: logger},
		sinks.NewLogSink(logger),
		sinks.NewMetricsSink(),
	)

	dedup := normalize.NewDeduplicator(a.ContentStore, normalize.DedupConfig{
		NearThreshold: cfg.Dedup.NearThreshold,
		NearWindow:    cfg.Dedup.NearWindow,
	}, logger)

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Pool:     a.Pool,
		Limiter:  a.Limiter,
		Ledger:   a.Ledger,
		Dedup:    dedup,
		Runs:     a.RunStore,
		Raw:      a.RawStore,
		Pub:      a.Publisher,
		Emitter:  a.Hub,
		Clock:    a.Clock,
	}, orchestrator.Config{
		ArenaConcurrency: cfg.Orchestrator.ArenaConcurrency,
		DefaultBatchSize: cfg.Orchestrator.DefaultBatchSize,
		CallTimeout:      cfg.CallTimeout(),
		MaxPages:         cfg.Orchestrator.MaxPages,
		StreamBuffer:     cfg.Orchestrator.StreamBuffer,
		RawPathPrefix:    cfg.Orchestrator.RawPathPrefix,
		IngestTopic:      cfg.Orchestrator.IngestTopic,
	}, logger)

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("rawstore", cfg.RawStore.Backend),
		zap.Int("adapters", reg.Len()),
	)
	return a, nil
}

func (a *App) initStores(ctx context.Context, cfg config.Config) error {
	switch cfg.Storage.Backend {
	case "postgres":
		pgCfg := storagepg.Config{DSN: cfg.Storage.DSN, MaxConns: int32(cfg.Storage.MaxOpenConns)}
		content, err := storagepg.NewContentStore(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("connect content store: %w", err)
		}
		a.ContentStore = content
		a.addCloser(func(context.Context) error { content.Close(); return nil })

		runs, err := storagepg.NewRunStore(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("connect run store: %w", err)
		}
		a.RunStore = runs
		a.addCloser(func(context.Context) error { runs.Close(); return nil })

		ledgerStore, err := ledgerpg.NewStore(ctx, ledgerpg.Config{DSN: cfg.Storage.DSN})
		if err != nil {
			return fmt.Errorf("connect ledger store: %w", err)
		}
		a.Ledger = ledger.New(ledgerStore, a.Logger)
		a.addCloser(func(context.Context) error { ledgerStore.Close(); return nil })

		credStore, err := credpg.NewStore(ctx, credpg.Config{DSN: cfg.Storage.DSN})
		if err != nil {
			return fmt.Errorf("connect credential store: %w", err)
		}
		a.CredStore = credStore
		a.addCloser(func(context.Context) error { credStore.Close(); return nil })
	default:
		a.ContentStore = storagemem.NewContentStore()
		a.RunStore = storagemem.NewRunStore(a.Clock)
		a.Ledger = ledger.New(ledgermem.NewStore(a.Clock), a.Logger)
		a.CredStore = credmem.NewStore()
	}
	return nil
}

func (a *App) initLimiter(cfg config.Config) error {
	providers := make(map[string]ratelimit.ProviderConfig, len(cfg.RateLimit.Providers))
	for name, p := range cfg.RateLimit.Providers {
		providers[name] = ratelimit.ProviderConfig{
			RPS:         p.RPS,
			Burst:       p.Burst,
			MinInterval: millisToDuration(p.MinIntervalMs),
		}
	}
	rlCfg := ratelimit.Config{
		SlotTimeout: secondsToDuration(cfg.RateLimit.SlotTimeoutSeconds),
		Default: ratelimit.ProviderConfig{
			RPS:         cfg.RateLimit.Default.RPS,
			Burst:       cfg.RateLimit.Default.Burst,
			MinInterval: millisToDuration(cfg.RateLimit.Default.MinIntervalMs),
		},
		Providers: providers,
	}

	var store ratelimit.BucketStore
	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		redisStore := rlredis.NewStoreWithClient(client, cfg.Redis.KeyPrefix)
		a.addCloser(func(context.Context) error { return redisStore.Close() })
		store = redisStore
	} else {
		store = ratelimit.NewMemoryStore()
	}
	a.Limiter = ratelimit.New(store, a.Clock, rlCfg, a.Logger)
	return nil
}

func (a *App) initRawStore(ctx context.Context, cfg config.Config) error {
	switch cfg.RawStore.Backend {
	case "none":
		a.RawStore = nil
	case "memory":
		a.RawStore = rawmem.NewStore()
	case "local":
		store, err := rawlocal.NewStore(rawlocal.Config{BaseDir: cfg.RawStore.BaseDir})
		if err != nil {
			return fmt.Errorf("init local raw store: %w", err)
		}
		a.RawStore = store
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		store, err := rawgcs.NewStore(client, rawgcs.Config{Bucket: cfg.RawStore.Bucket})
		if err != nil {
			return fmt.Errorf("init gcs raw store: %w", err)
		}
		a.RawStore = store
		a.addCloser(func(context.Context) error { return client.Close() })
	default:
		return fmt.Errorf("unknown rawstore backend: %s", cfg.RawStore.Backend)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context, cfg config.Config) error {
	if cfg.PubSub.ProjectID == "" {
		a.Publisher = pubmem.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	pub, err := pubsubpub.New(client)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	a.Publisher = pub
	a.addCloser(func(context.Context) error { return pub.Close() })
	return nil
}

func (a *App) addCloser(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close gracefully shuts down all services in reverse initialization order.
func (a *App) Close(ctx context.Context) {
	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			a.Logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn("service close failed", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func millisToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
