// Package main implements the diagnosis API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/wessley-diagnostics/config"
	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
	"github.com/WessleyAI/wessley-diagnostics/engine/graph"
	"github.com/WessleyAI/wessley-diagnostics/engine/learning"
	"github.com/WessleyAI/wessley-diagnostics/engine/reasoning"
	"github.com/WessleyAI/wessley-diagnostics/engine/safety"
	"github.com/WessleyAI/wessley-diagnostics/engine/semantic"
	"github.com/WessleyAI/wessley-diagnostics/internal/bootstrap"
	"github.com/WessleyAI/wessley-diagnostics/pkg/metrics"
	"github.com/WessleyAI/wessley-diagnostics/pkg/mid"
	"github.com/WessleyAI/wessley-diagnostics/pkg/ollama"
)

// semanticMinScore is the default similarity floor for symptom resolution.
const semanticMinScore = 0.55

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

// app is a fully wired API process.
type app struct {
	handler http.Handler
	closers bootstrap.Closers
}

func (a *app) Close() { a.closers.Close() }

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	reg := metrics.New()

	// --- Graph store ---
	store, closeGraph, err := bootstrap.OpenGraph(ctx, cfg, reg, logger)
	if err != nil {
		return nil, err
	}
	a.closers.Add(closeGraph)

	// --- Safety gate ---
	gate, err := safety.LoadFile(cfg.Catalogs.TriggerFile, safety.WithMetrics(reg), safety.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("safety triggers: %w", err)
	}

	// --- Reasoning ---
	vehicles, err := reasoning.LoadVehicleCatalog(cfg.Catalogs.VehicleFile)
	if err != nil {
		return nil, err
	}
	rc, closeCache, err := bootstrap.NewCache(ctx, cfg, store, reg, logger)
	if err != nil {
		return nil, err
	}
	a.closers.Add(closeCache)
	model := bootstrap.ModelParams(cfg.Learning)
	engine := reasoning.New(store,
		reasoning.WithParams(bootstrap.ReasoningParams(cfg.Engine)),
		reasoning.WithCache(rc),
		reasoning.WithVehicles(vehicles),
		reasoning.WithModel(model),
		reasoning.WithMetrics(reg),
		reasoning.WithLogger(logger),
	)

	// --- Learning ---
	nc, err := bootstrap.ConnectNATS(cfg, "diag-api", logger)
	if err != nil {
		return nil, err
	}
	if nc != nil {
		a.closers.Add(nc.Close)
		sub, err := learning.SubscribeInvalidations(nc, store, logger)
		if err != nil {
			return nil, err
		}
		a.closers.Add(func() { sub.Drain() })
	}
	ledger, closeLedger, err := bootstrap.OpenLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers.Add(closeLedger)
	loop := bootstrap.NewLoop(cfg, store, ledger, nc, reg, logger)

	srv := &server{
		store:      store,
		safety:     gate,
		engine:     engine,
		loop:       loop,
		model:      model,
		adminToken: cfg.Server.AdminToken,
		minScore:   semanticMinScore,
		logger:     logger,
	}

	// --- Semantic resolution (optional) ---
	if cfg.Qdrant.Addr != "" {
		embedder := ollama.NewClient(cfg.Ollama.URL, cfg.Ollama.Model,
			ollama.WithTimeout(cfg.Ollama.Timeout), ollama.WithRetries(2, 200*time.Millisecond))
		index, err := semantic.Dial(cfg.Qdrant.Addr, cfg.Qdrant.Collection, embedder, logger)
		if err != nil {
			return nil, err
		}
		a.closers.Add(func() { index.Close() })
		if err := index.EnsureCollection(ctx, cfg.Qdrant.Dims); err != nil {
			return nil, err
		}
		if cfg.Catalogs.IndexOnStart {
			if _, err := index.Index(ctx, store.Nodes(ctx, domain.NodeObservable)); err != nil {
				logger.Warn("observable indexing failed; resolution may be stale", "err", err)
			}
		}
		store.OnChange(reindexOnChange(store, index, logger))
		srv.resolver = index
	}

	var mw []mid.Middleware
	mw = append(mw,
		mid.RequestID(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.Server.CORSOrigin),
		mid.Metrics(reg),
	)
	if cfg.Server.RateLimitRPS > 0 {
		mw = append(mw, mid.RateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, 10*time.Minute))
	}
	mw = append(mw, mid.OTel("diag-api"))

	mux := srv.routes()
	mux.Handle("GET /metrics", reg.Handler())
	a.handler = mid.Chain(mux, mw...)
	return a, nil
}

// reindexOnChange keeps the observable index in step with node writes. It
// runs off the write path; a failed sync is logged and fixed by the next
// write or restart.
func reindexOnChange(store *graph.Store, index *semantic.ObservableIndex, logger *slog.Logger) func(graph.Change) {
	return func(ch graph.Change) {
		if ch.Ref.Kind != domain.KindNode {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := store.GetNode(ctx, ch.Ref.ID, graph.IncludeInactive())
			if err != nil {
				return
			}
			if err := index.Sync(ctx, n); err != nil {
				logger.Warn("observable reindex failed", "node_id", n.ID, "err", err)
			}
		}()
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port, "env", cfg.App.Environment, "ledger", cfg.Ledger())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
