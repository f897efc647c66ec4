// Package runtime wires together pkg/txn's Transaction Manager and
// pkg/reactive's Conditional Subscriber into a single process-wide
// object the host creates once: stamp allocation, the active-transaction
// set, retired versions, and subscriptions all live as state owned by
// one Runtime. It is also where the ambient stack (logging,
// configuration, metrics) attaches, since none of that belongs inside
// the STM algorithms themselves.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cobaltdb/stmcore/internal/metrics"
	"github.com/cobaltdb/stmcore/pkg/cell"
	"github.com/cobaltdb/stmcore/pkg/reactive"
	"github.com/cobaltdb/stmcore/pkg/txn"
)

// Runtime is the host-facing STM entry point, normally one per process.
type Runtime struct {
	manager *txn.Manager
	subs    *reactive.Index
	events  *eventBus
	cfg     Config
	logger  *slog.Logger

	cronSched *cron.Cron
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Runtime and starts its reclamation loop — a cron
// schedule if cfg.ReclaimCron is set, otherwise a fixed ticker at
// cfg.ReclaimInterval (Reclamation: "a lightweight clock ... runs
// reclamation under a single-executor flag").
func New(cfg Config) *Runtime {
	logger := newLogger(cfg)
	r := &Runtime{
		manager: txn.NewManager(),
		events:  newEventBus(),
		cfg:     cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	r.subs = reactive.NewIndex(cfg.SubscriberWorkers, logger)
	r.startReclamation()
	return r
}

func (r *Runtime) startReclamation() {
	if r.cfg.ReclaimCron != "" {
		r.cronSched = cron.New()
		_, err := r.cronSched.AddFunc(r.cfg.ReclaimCron, r.reclaimOnce)
		if err != nil {
			r.logger.Warn("stmcore: invalid reclaim cron schedule, falling back to ticker", "schedule", r.cfg.ReclaimCron, "error", err)
			r.cronSched = nil
		} else {
			r.cronSched.Start()
			return
		}
	}

	interval := r.cfg.ReclaimInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reclaimOnce()
			case <-r.stopCh:
				return
			}
		}
	}()
}

func (r *Runtime) reclaimOnce() {
	threshold, trimmed := r.manager.Reclaim()
	metrics.ReclaimsTotal.Inc()
	if trimmed > 0 {
		metrics.ReclaimedCellsTotal.Add(float64(trimmed))
		r.logger.Debug("stmcore: reclamation sweep", "threshold", threshold, "cells_trimmed", trimmed)
	}
}

// Close stops the reclamation loop (ticker or cron). A Runtime is
// meant to live for the process lifetime; Close exists mainly for
// tests and the demo CLI's clean shutdown path.
func (r *Runtime) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.cronSched != nil {
			ctx := r.cronSched.Stop()
			<-ctx.Done()
		}
		r.subs.Release()
	})
	r.wg.Wait()
}

// RunTransaction runs body under a fresh start stamp, retrying on
// conflict and committing on success. Nesting is a no-op: if ctx
// already carries a transaction, body just runs joined to it.
func (r *Runtime) RunTransaction(ctx context.Context, body func(ctx context.Context) error) error {
	if _, ok := txn.FromContext(ctx); ok {
		return body(ctx)
	}

	start := time.Now()
	defer func() { metrics.CommitLatency.Observe(time.Since(start).Seconds()) }()

	for {
		tx := r.manager.Begin()
		cctx := txn.NewContext(ctx, tx)

		err := body(cctx)
		if err != nil {
			r.manager.RollbackAll(tx)
			tx.FireRollback()
			if txn.Retryable(err) {
				reason := "collision"
				if errors.Is(err, txn.ErrRetry) {
					reason = "explicit"
				}
				metrics.RetriesTotal.WithLabelValues(reason).Inc()
				r.logger.Debug("stmcore: transaction retrying", "reason", reason, "error", err)
				continue
			}
			if errors.Is(err, txn.ErrAbort) {
				r.logger.Debug("stmcore: transaction aborted", "reason", "explicit rollback")
				return nil
			}
			return err
		}

		result, cerr := r.manager.Commit(cctx, tx)
		if cerr != nil {
			tx.FireRollback()
			if txn.Retryable(cerr) {
				metrics.RetriesTotal.WithLabelValues("conflict").Inc()
				metrics.ConflictsTotal.WithLabelValues("outer").Inc()
				r.logger.Debug("stmcore: transaction retrying", "reason", "commit conflict", "error", cerr)
				continue
			}
			return cerr
		}

		metrics.CommitsTotal.Inc()
		r.events.publish(CommitEvent{Stamp: result.Stamp, Triggered: len(result.TriggerSet), At: time.Now()})
		if len(result.TriggerSet) > 0 {
			r.subs.Fire(ctx, result.TriggerSet, r)
		}
		return nil
	}
}

// Observe implements reactive.Engine: run fn under a fresh start stamp
// and always roll it back, returning the cells it enlisted. Used both
// to register a conditional's test and to re-evaluate it on fire.
func (r *Runtime) Observe(ctx context.Context, fn func(ctx context.Context) error) ([]txn.Enlistable, error) {
	tx := r.manager.Begin()
	cctx := txn.NewContext(ctx, tx)
	err := fn(cctx)
	r.manager.RollbackAll(tx)
	if err != nil {
		return nil, err
	}
	return tx.Enlisted(), nil
}

// Conditional registers a reactive subscription: test runs in isolation
// to capture its read set, and body runs as a committing transaction
// whenever a commit touches that read set and test then returns true.
func (r *Runtime) Conditional(ctx context.Context, test func(ctx context.Context) (bool, error), body func(ctx context.Context) (bool, error)) (*reactive.Subscription, error) {
	return r.subs.Register(ctx, r, test, body)
}

// CancelConditional unregisters a previously registered conditional
// subscription so it no longer reacts to future commits.
func (r *Runtime) CancelConditional(sub *reactive.Subscription) {
	r.subs.Cancel(sub)
}

// Manager exposes the underlying Transaction Manager for diagnostics
// (LastStamp, PendingRetired) and for the demo CLI's debug snapshot.
func (r *Runtime) Manager() *txn.Manager { return r.manager }

// Logger returns the Runtime's instance-scoped logger.
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// NewCell creates a cell.Cell[T] using this Runtime's configured wait
// strategy. It is a free function, not a method, because Go methods
// cannot introduce their own type parameters.
func NewCell[T any](r *Runtime, value T, opts ...cell.Option) *cell.Cell[T] {
	all := append([]cell.Option{cell.WithWaitStrategy(r.cfg.WaitStrategyOption())}, opts...)
	return cell.New(value, all...)
}
