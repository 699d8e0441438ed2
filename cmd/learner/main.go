// Command learner consumes feedback and truth labels from NATS and applies
// learning batches to the diagnostic graph on a fixed interval.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/wessley-diagnostics/config"
	"github.com/WessleyAI/wessley-diagnostics/engine/learning"
	"github.com/WessleyAI/wessley-diagnostics/internal/bootstrap"
	"github.com/WessleyAI/wessley-diagnostics/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	w, err := newWorker(ctx, cfg, reg, logger)
	if err != nil {
		logger.Error("learner startup failed", "err", err)
		os.Exit(1)
	}
	defer w.Close()
	reg.ServeAsync(cfg.Server.MetricsPort)

	w.Run(ctx)
}

// worker owns the learning loop and, with NATS configured, the consumer
// feeding it.
type worker struct {
	loop     *learning.Loop
	consumer *learning.Consumer
	interval time.Duration
	selector learning.BatchSelector
	logger   *slog.Logger
	closers  bootstrap.Closers
}

func newWorker(ctx context.Context, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (_ *worker, err error) {
	w := &worker{
		interval: cfg.Learning.Interval,
		selector: learning.BatchSelector{Limit: cfg.Learning.BatchLimit},
		logger:   logger,
	}
	defer func() {
		if err != nil {
			w.Close()
		}
	}()

	store, closeGraph, err := bootstrap.OpenGraph(ctx, cfg, reg, logger)
	if err != nil {
		return nil, err
	}
	w.closers.Add(closeGraph)

	ledger, closeLedger, err := bootstrap.OpenLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	w.closers.Add(closeLedger)

	nc, err := bootstrap.ConnectNATS(cfg, "diag-learner", logger)
	if err != nil {
		return nil, err
	}
	if nc != nil {
		w.closers.Add(nc.Close)
	}
	w.loop = bootstrap.NewLoop(cfg, store, ledger, nc, reg, logger)

	if nc != nil {
		w.consumer = learning.NewConsumer(w.loop, nc, cfg.NATS.Queue, logger)
		if err := w.consumer.Start(); err != nil {
			return nil, err
		}
		w.closers.Add(w.consumer.Stop)
	} else {
		logger.Warn("NATS_URL not set; only events already in the ledger will be learned")
	}
	return w, nil
}

// Close releases the consumer, connections and ledger.
func (w *worker) Close() { w.closers.Close() }

// RunOnce applies a single learning batch.
func (w *worker) RunOnce(ctx context.Context) (learning.Summary, error) {
	sum, err := w.loop.ApplyLearning(ctx, w.selector)
	if err != nil {
		w.logger.Error("learning batch failed", "err", err)
		return sum, err
	}
	if sum.Adjusted+sum.Skipped+sum.Conflicts > 0 {
		w.logger.Info("learning batch applied", "batch_id", sum.BatchID, "adjusted", sum.Adjusted,
			"deferred", sum.Deferred, "skipped", sum.Skipped, "conflicts", sum.Conflicts)
	}
	return sum, nil
}

// Run applies a batch immediately and then every interval until ctx is done.
func (w *worker) Run(ctx context.Context) {
	w.logger.Info("learner running", "interval", w.interval, "batch_limit", w.selector.Limit)
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("shutting down")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}
