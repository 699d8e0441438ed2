// Package bootstrap builds the long-lived components shared by the API and
// the learner from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/WessleyAI/wessley-diagnostics/config"
	"github.com/WessleyAI/wessley-diagnostics/engine/cache"
	"github.com/WessleyAI/wessley-diagnostics/engine/confidence"
	"github.com/WessleyAI/wessley-diagnostics/engine/graph"
	"github.com/WessleyAI/wessley-diagnostics/engine/learning"
	"github.com/WessleyAI/wessley-diagnostics/engine/reasoning"
	"github.com/WessleyAI/wessley-diagnostics/pkg/fn"
	"github.com/WessleyAI/wessley-diagnostics/pkg/metrics"
	"github.com/WessleyAI/wessley-diagnostics/pkg/repo"
	"github.com/WessleyAI/wessley-diagnostics/pkg/resilience"
)

// SeedActor is recorded on catalog imports.
const SeedActor = "seed"

// Closer releases whatever a constructor opened. It is never nil.
type Closer func()

func chain(cs ...Closer) Closer {
	return func() {
		for i := len(cs) - 1; i >= 0; i-- {
			cs[i]()
		}
	}
}

func noop() {}

// ModelParams maps the learning settings onto the confidence model.
func ModelParams(c config.LearningConfig) confidence.Params {
	p := confidence.DefaultParams()
	p.PriorStrength = c.PriorStrength
	p.MinFeedback = c.MinFeedback
	p.TruthLabelWeight = c.TruthLabelWeight
	p.RawDiscountWithLabels = c.RawDiscount
	return p
}

// ReasoningParams maps the engine settings onto reasoning.Params.
func ReasoningParams(c config.EngineConfig) reasoning.Params {
	return reasoning.Params{
		Threshold:    c.Threshold,
		Limit:        c.Limit,
		ContextBonus: c.ContextBonus,
		FamilyBoost:  c.FamilyBoost,
		Timeout:      c.Timeout,
		Parallelism:  c.Parallelism,
	}
}

// BreakerMetrics reports breaker transitions to reg.
func BreakerMetrics(name string, reg *metrics.Registry) resilience.BreakerOpts {
	opts := resilience.DefaultBreakerOpts
	opts.Name = name
	opts.OnStateChange = func(name string, _, to resilience.State) { reg.BreakerState(name, int(to)) }
	return opts
}

// OpenGraph builds the graph store. With Neo4j configured, writes are
// mirrored there and the store is rehydrated from it. The catalog is
// imported when a catalog file is configured, or when the store is empty
// and seeding is enabled.
func OpenGraph(ctx context.Context, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (*graph.Store, Closer, error) {
	opts := []graph.Option{graph.WithLogger(logger)}
	closer := Closer(noop)

	var persister *graph.Neo4jPersister
	if cfg.Neo4j.URI != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URI, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Password, ""))
		if err != nil {
			return nil, closer, fmt.Errorf("bootstrap: neo4j driver: %w", err)
		}
		closer = func() { driver.Close(context.Background()) }
		if err := driver.VerifyConnectivity(ctx); err != nil {
			closer()
			return nil, noop, fmt.Errorf("bootstrap: neo4j connect: %w", err)
		}
		breaker := BreakerMetrics("neo4j", reg)
		breaker.IsFailure = graph.MirrorFailure
		persister = graph.NewNeo4jPersister(repo.NewDriverOpener(driver, cfg.Neo4j.Database), resilience.NewBreaker(breaker))
		if err := persister.EnsureSchema(ctx); err != nil {
			closer()
			return nil, noop, err
		}
		opts = append(opts, graph.WithPersister(persister))
	}

	store := graph.New(opts...)
	if persister != nil {
		snap, err := persister.Load(ctx)
		if err != nil {
			closer()
			return nil, noop, err
		}
		if err := store.Restore(ctx, snap); err != nil {
			closer()
			return nil, noop, err
		}
		logger.Info("graph restored from neo4j", "nodes", len(snap.Nodes), "edges", len(snap.Edges), "history", len(snap.History))
		if byType, err := persister.NodeCounts(ctx); err == nil {
			rels, _ := persister.RelationshipCounts(ctx)
			logger.Debug("neo4j mirror contents", "nodes_by_type", byType, "relationships_by_type", rels)
		}
	}

	if cfg.Catalogs.GraphFile != "" || (store.Stats().Nodes == 0 && cfg.Catalogs.SeedIfEmpty) {
		cat, err := graph.LoadCatalogFile(cfg.Catalogs.GraphFile)
		if err != nil {
			closer()
			return nil, noop, err
		}
		if err := graph.Seed(ctx, store, cat, SeedActor); err != nil {
			closer()
			return nil, noop, err
		}
	}
	return store, closer, nil
}

// OpenLedger opens the ledger the configuration selects.
func OpenLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (learning.Ledger, Closer, error) {
	switch cfg.Ledger() {
	case config.LedgerPostgres:
		db, err := learning.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, noop, err
		}
		pl := learning.NewPostgresLedger(db)
		if err := pl.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, noop, err
		}
		logger.Info("learning ledger opened", "kind", config.LedgerPostgres)
		return pl, func() { db.Close() }, nil
	case config.LedgerBadger:
		bl, err := learning.NewBadgerLedger(learning.BadgerOptions{Dir: cfg.Badger.Dir, SyncWrites: true, Logger: logger})
		if err != nil {
			return nil, noop, err
		}
		logger.Info("learning ledger opened", "kind", config.LedgerBadger, "dir", cfg.Badger.Dir)
		return bl, func() { bl.Close() }, nil
	}
	logger.Warn("learning ledger is in memory; feedback is lost on restart")
	return learning.NewMemoryLedger(), noop, nil
}

// NewCache builds the reasoning cache over store, with a Redis second level
// when configured, and subscribes it to store changes.
func NewCache(ctx context.Context, cfg *config.Config, store *graph.Store, reg *metrics.Registry, logger *slog.Logger) (*cache.Cache[reasoning.Result], Closer, error) {
	opts := []cache.Option{
		cache.WithCapacity(cfg.Cache.Capacity),
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithMetrics(reg),
		cache.WithLogger(logger),
	}
	closer := Closer(noop)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, noop, fmt.Errorf("bootstrap: redis ping: %w", err)
		}
		opts = append(opts, cache.WithBackend(cache.NewRedisBackend(rdb, cfg.Redis.Prefix)))
		closer = func() { rdb.Close() }
	}
	rc := cache.New[reasoning.Result](store, opts...)
	store.OnChange(reasoning.InvalidateOnChange(rc))
	return rc, closer, nil
}

// NewLoop builds the learning loop. When nc is set, batches broadcast the
// edges they changed.
func NewLoop(cfg *config.Config, store *graph.Store, ledger learning.Ledger, nc *nats.Conn, reg *metrics.Registry, logger *slog.Logger) *learning.Loop {
	retry := fn.RetryOpts{MaxAttempts: cfg.Learning.Retries, InitialWait: 10 * time.Millisecond, MaxWait: 100 * time.Millisecond, Jitter: true}
	opts := []learning.Option{
		learning.WithParams(ModelParams(cfg.Learning)),
		learning.WithRetry(retry),
		learning.WithMetrics(reg),
		learning.WithLogger(logger),
	}
	if nc != nil {
		opts = append(opts, learning.WithInvalidator(learning.PublishInvalidations(nc, store, logger)))
	}
	return learning.New(store, ledger, opts...)
}

// ConnectNATS connects when a URL is configured and returns nil otherwise.
func ConnectNATS(cfg *config.Config, name string, logger *slog.Logger) (*nats.Conn, error) {
	if cfg.NATS.URL == "" {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) { logger.Info("nats reconnected", "url", c.ConnectedUrl()) }),
	)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: nats connect: %w", err)
	}
	return nc, nil
}

// Closers collects cleanups in acquisition order.
type Closers []Closer

// Add appends c.
func (cs *Closers) Add(c Closer) { *cs = append(*cs, c) }

// Close runs every cleanup in reverse order.
func (cs Closers) Close() { chain(cs...)() }
