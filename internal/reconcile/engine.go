// Package reconcile replays queued operations against the remote store.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medislot/medsync/internal/network"
	"github.com/medislot/medsync/internal/queue"
	"github.com/medislot/medsync/internal/remote/types"
	"github.com/medislot/medsync/pkg/model"
)

// Options configures an Engine.
type Options struct {
	// MaxBatchSize caps operations per commit. It is further limited by the
	// store's own maximum.
	MaxBatchSize int
	Metrics      Metrics
	Logger       *slog.Logger
}

// Engine runs at most one pass at a time. Concurrent triggers are dropped.
type Engine struct {
	queue    *queue.Queue
	store    types.Store
	maxBatch int
	metrics  Metrics
	logger   *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	last Result
	at   time.Time
}

func New(q *queue.Queue, store types.Store, opts Options) *Engine {
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	maxBatch := opts.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = types.DefaultMaxBatchSize
	}
	if limit := store.MaxBatchSize(); limit > 0 && limit < maxBatch {
		maxBatch = limit
	}
	return &Engine{
		queue:    q,
		store:    store,
		maxBatch: maxBatch,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "reconcile"),
	}
}

// Running reports whether a pass is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// LastResult returns the most recent completed pass and when it finished.
func (e *Engine) LastResult() (Result, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.at
}

// Trigger runs a pass and reports whether every pending operation reached
// the remote store. It is false when operations remain queued or were
// dead-lettered, and immediately false when a pass is already running.
func (e *Engine) Trigger(ctx context.Context) bool {
	r := e.Run(ctx)
	return !r.Skipped && r.Drained && !r.SomeFailed()
}

// Run executes one pass: pending operations are replayed oldest first in
// batches; the pass stops at the first transient failure.
func (e *Engine) Run(ctx context.Context) Result {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("Reconciliation already running")
		return Result{Skipped: true}
	}
	defer e.running.Store(false)

	start := time.Now()
	p := &pass{engine: e, ctx: ctx}
	ops := e.queue.Drain(0)
	if len(ops) > 0 {
		e.logger.Info("Reconciliation started", "pending", len(ops), "max_batch", e.maxBatch)
		p.run(ops)
	}

	p.res.Remaining = e.queue.Count()
	p.res.Drained = p.res.Remaining == 0
	elapsed := time.Since(start)

	e.metrics.ObservePass(p.res, elapsed)
	e.metrics.SetQueueDepth(p.res.Remaining)
	e.mu.Lock()
	e.last = p.res
	e.at = time.Now()
	e.mu.Unlock()

	if len(ops) > 0 {
		attrs := []any{
			"applied", p.res.Applied,
			"individually", p.res.Individually,
			"dead_lettered", p.res.DeadLettered,
			"remaining", p.res.Remaining,
			"elapsed", elapsed,
		}
		if p.res.Err != nil {
			e.logger.Warn("Reconciliation stopped early", append(attrs, "error", p.res.Err)...)
		} else {
			e.logger.Info("Reconciliation finished", attrs...)
		}
	}
	return p.res
}

// pass holds the state of one Run.
type pass struct {
	engine *Engine
	ctx    context.Context
	batch  []queue.PendingOperation
	res    Result
}

func (p *pass) run(ops []queue.PendingOperation) {
	for _, op := range ops {
		if !op.Batchable() {
			// Commit what precedes it so replay order is kept.
			if !p.flush() || !p.addIndividually(op) {
				return
			}
			continue
		}
		p.batch = append(p.batch, op)
		if len(p.batch) >= p.engine.maxBatch && !p.flush() {
			return
		}
	}
	p.flush()
}

// flush commits the accumulated batch. It returns false when the pass must stop.
func (p *pass) flush() bool {
	if len(p.batch) == 0 {
		return true
	}
	ops := p.batch
	p.batch = nil
	e := p.engine

	b := e.store.NewBatch()
	for _, op := range ops {
		stage(b, op)
	}
	start := time.Now()
	err := b.Commit(p.ctx)
	e.metrics.ObserveCommit(len(ops), time.Since(start), err)

	if err == nil {
		e.queue.Remove(ids(ops)...)
		p.res.Applied += len(ops)
		return true
	}
	if model.IsTransient(err) {
		p.fail(ops, err)
		return false
	}

	e.logger.Warn("Batch rejected; applying operations one by one", "size", len(ops), "error", err)
	for i, op := range ops {
		err := e.apply(p.ctx, op)
		switch {
		case err == nil:
			e.queue.Remove(op.ID)
			p.res.Individually++
		case model.IsTransient(err):
			p.fail(ops[i:], err)
			return false
		default:
			p.reject(op, err)
		}
	}
	return true
}

func (p *pass) addIndividually(op queue.PendingOperation) bool {
	e := p.engine
	id, err := e.store.Add(p.ctx, op.Collection, op.Payload)
	switch {
	case err == nil:
		e.queue.Remove(op.ID)
		p.res.Individually++
		e.logger.Debug("Replayed add", "operation_id", op.ID, "collection", op.Collection, "document_id", id)
		return true
	case model.IsTransient(err):
		p.fail([]queue.PendingOperation{op}, err)
		return false
	default:
		p.reject(op, err)
		return true
	}
}

func (p *pass) fail(ops []queue.PendingOperation, err error) {
	dropped := p.engine.queue.RecordFailure(ids(ops), err)
	p.res.DeadLettered += len(dropped)
	p.res.Err = err
}

func (p *pass) reject(op queue.PendingOperation, err error) {
	p.engine.logger.Error("Remote rejected operation; moved to dead-letter list",
		"operation_id", op.ID, "type", op.Type, "collection", op.Collection, "document_id", op.DocumentID, "error", err)
	p.res.DeadLettered += p.engine.queue.DeadLetter([]string{op.ID}, err.Error())
}

func (e *Engine) apply(ctx context.Context, op queue.PendingOperation) error {
	switch op.Type {
	case queue.OpAdd:
		if op.DocumentID == "" {
			_, err := e.store.Add(ctx, op.Collection, op.Payload)
			return err
		}
		return e.store.Set(ctx, op.Collection, op.DocumentID, op.Payload)
	case queue.OpUpdate:
		return e.store.Update(ctx, op.Collection, op.DocumentID, op.Payload)
	case queue.OpDelete:
		return e.store.Delete(ctx, op.Collection, op.DocumentID)
	}
	return model.ErrInvalidOperation
}

func stage(b types.Batch, op queue.PendingOperation) {
	switch op.Type {
	case queue.OpAdd:
		b.Set(op.Collection, op.DocumentID, op.Payload)
	case queue.OpUpdate:
		b.Update(op.Collection, op.DocumentID, op.Payload)
	case queue.OpDelete:
		b.Delete(op.Collection, op.DocumentID)
	}
}

func ids(ops []queue.PendingOperation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

// StatusSource is the part of network.Monitor the engine listens to.
type StatusSource interface {
	Subscribe(fn func(network.Transition)) (cancel func())
	IsOnline() bool
}

// AutoSync starts a pass on every transition to Online while operations are
// pending, and every interval while online when interval > 0. Call the
// returned stop function, then Wait, before shutting down.
func (e *Engine) AutoSync(ctx context.Context, src StatusSource, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)

	unsubscribe := src.Subscribe(func(tr network.Transition) {
		if tr.To != network.StatusOnline || !e.queue.HasPending() || ctx.Err() != nil {
			return
		}
		e.logger.Info("Connectivity restored; reconciling", "pending", e.queue.Count())
		e.goRun(ctx)
	})

	if interval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if src.IsOnline() && e.queue.HasPending() {
						e.Run(ctx)
					}
				}
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			cancel()
		})
	}
}

func (e *Engine) goRun(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Run(ctx)
	}()
}

// Wait blocks until passes started by AutoSync have returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}
