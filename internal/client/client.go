// Package client wires the offline layer together and exposes the surface
// the application talks to.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/medislot/medsync/internal/config"
	"github.com/medislot/medsync/internal/docs"
	"github.com/medislot/medsync/internal/localstore"
	"github.com/medislot/medsync/internal/metrics"
	"github.com/medislot/medsync/internal/network"
	"github.com/medislot/medsync/internal/queue"
	"github.com/medislot/medsync/internal/reconcile"
	"github.com/medislot/medsync/internal/remote"
	"github.com/medislot/medsync/internal/remote/types"
)

// ErrNotInitialized is returned by operations that need Initialize first.
var ErrNotInitialized = errors.New("client not initialized")

type Options struct {
	Logger *slog.Logger
	// Local and Remote replace the configured stores. The client closes
	// them on Close either way.
	Local  localstore.Store
	Remote types.Store
	// Signals replaces the configured connectivity signals.
	Signals []network.Signal
	// DisableMetrics skips Prometheus updates.
	DisableMetrics bool
}

// Status is a point-in-time view for status displays.
type Status struct {
	Network      network.Status
	LastOnlineAt time.Time
	Pending      int
	DeadLetters  int
	// Durable is false while recent queue writes only live in memory.
	Durable    bool
	Syncing    bool
	LastSync   time.Time
	LastResult reconcile.Result
}

// Client is safe for concurrent use after Initialize.
type Client struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
	closed      bool

	local   localstore.Store
	store   *remote.CachedStore
	queue   *queue.Queue
	monitor *network.Monitor
	engine  *reconcile.Engine
	docs    *docs.Service

	cancel   context.CancelFunc
	stopSync func()
	unsub    []func()
	wg       sync.WaitGroup
}

func New(cfg *config.Config, opts Options) *Client {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With("component", "client"),
	}
}

// Initialize opens storage, loads the persisted queue and determines the
// initial connectivity. With auto-sync enabled it starts background
// reconciliation, and a pass right away when online with operations
// pending. Calling it again is a no-op.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("client closed")
	}
	if c.initialized {
		return nil
	}
	if err := c.init(ctx); err != nil {
		c.release(ctx)
		return err
	}
	c.initialized = true
	return nil
}

func (c *Client) init(ctx context.Context) error {
	logger := c.opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c.local = c.opts.Local
	if c.local == nil {
		st, err := localstore.Open(c.cfg.LocalStore, logger)
		if err != nil {
			return fmt.Errorf("open local store: %w", err)
		}
		c.local = st
	}

	q, err := queue.New(c.local, queue.Options{Config: c.cfg.Queue, Logger: logger})
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	c.queue = q

	inner := c.opts.Remote
	if inner == nil {
		inner, err = remote.NewStore(ctx, c.cfg.Remote, logger)
		if err != nil {
			return fmt.Errorf("connect remote store: %w", err)
		}
	}
	c.store = remote.NewCached(inner, remote.CacheOptions{Logger: logger, RewatchDelay: c.cfg.Remote.RewatchDelay})

	c.monitor = network.NewMonitor(c.store, network.MonitorOptions{
		RetryDelay: c.cfg.Network.RetryDelay,
		Pinger:     c.store,
		Logger:     logger,
	})

	var m reconcile.Metrics = reconcile.NoopMetrics{}
	if !c.opts.DisableMetrics {
		m = metrics.Reconcile{}
		c.unsub = append(c.unsub,
			c.monitor.Subscribe(func(tr network.Transition) { metrics.SetNetworkStatus(tr.To) }),
			c.queue.OnChange(m.SetQueueDepth),
		)
		m.SetQueueDepth(c.queue.Count())
	}
	c.engine = reconcile.New(c.queue, c.store, reconcile.Options{
		MaxBatchSize: c.cfg.Sync.MaxBatchSize,
		Metrics:      m,
		Logger:       logger,
	})
	c.docs = docs.NewService(c.store, c.queue, c.monitor, docs.Options{Logger: logger})

	bg, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	status := c.monitor.Start(ctx)
	c.logger.Info("Initialized", "status", status, "pending", c.queue.Count(), "dead_letters", len(c.queue.DeadLetters()))

	signals := c.opts.Signals
	if signals == nil {
		signals = c.cfg.Network.Signals(c.monitor, c.signalHeader(), logger)
	}
	for _, sig := range signals {
		c.wg.Add(1)
		go func(sig network.Signal) {
			defer c.wg.Done()
			if err := sig.Run(bg); err != nil && bg.Err() == nil {
				c.logger.Warn("Connectivity signal stopped", "error", err)
			}
		}(sig)
	}

	if !c.cfg.Sync.AutoSyncEnabled() {
		return nil
	}
	c.stopSync = c.engine.AutoSync(bg, c.monitor, c.cfg.Sync.Interval)
	if status == network.StatusOnline && c.queue.HasPending() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.engine.Run(bg)
		}()
	}
	return nil
}

func (c *Client) signalHeader() http.Header {
	h := http.Header{}
	if c.cfg.Remote.Type == remote.TypeREST && c.cfg.Remote.REST.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Remote.REST.Token)
	}
	return h
}

func (c *Client) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized && !c.closed
}

// GetPendingCount is zero before Initialize.
func (c *Client) GetPendingCount() int {
	if !c.ready() {
		return 0
	}
	return c.queue.Count()
}

func (c *Client) HasPending() bool {
	if !c.ready() {
		return false
	}
	return c.queue.HasPending()
}

// TriggerReconciliation runs a pass and reports whether every pending
// operation reached the remote store. It returns false while offline, when a
// pass is in flight, or when operations were dead-lettered; GetStatus carries
// the detailed result.
func (c *Client) TriggerReconciliation(ctx context.Context) bool {
	if !c.ready() || !c.monitor.IsOnline() {
		return false
	}
	return c.engine.Trigger(ctx)
}

func (c *Client) GetStatus() Status {
	if !c.ready() {
		return Status{Network: network.StatusUnknown, Durable: true}
	}
	last, at := c.engine.LastResult()
	return Status{
		Network:      c.monitor.Status(),
		LastOnlineAt: c.monitor.LastOnlineAt(),
		Pending:      c.queue.Count(),
		DeadLetters:  len(c.queue.DeadLetters()),
		Durable:      c.queue.Durable(),
		Syncing:      c.engine.Running(),
		LastSync:     at,
		LastResult:   last,
	}
}

// ForceOffline disables the remote connection until ForceOnline or a
// successful RetryConnection.
func (c *Client) ForceOffline(ctx context.Context) error {
	if !c.ready() {
		return ErrNotInitialized
	}
	return c.monitor.ForceOffline(ctx)
}

// ForceOnline enables the remote connection; with auto-sync on, pending
// operations are replayed.
func (c *Client) ForceOnline(ctx context.Context) error {
	if !c.ready() {
		return ErrNotInitialized
	}
	return c.monitor.ForceOnline(ctx)
}

func (c *Client) RetryConnection(ctx context.Context) bool {
	if !c.ready() {
		return false
	}
	return c.monitor.RetryConnection(ctx)
}

// Docs is the document facade. It is nil before Initialize.
func (c *Client) Docs() *docs.Service {
	if !c.ready() {
		return nil
	}
	return c.docs
}

// Queue exposes pending and dead-lettered operations for inspection and
// manual repair. It is nil before Initialize.
func (c *Client) Queue() *queue.Queue {
	if !c.ready() {
		return nil
	}
	return c.queue
}

func (c *Client) Monitor() *network.Monitor {
	if !c.ready() {
		return nil
	}
	return c.monitor
}

// Close stops background work, waiting for it until ctx is done, and
// releases the stores.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.release(ctx)
}

func (c *Client) release(ctx context.Context) error {
	if c.stopSync != nil {
		c.stopSync()
	}
	for _, fn := range c.unsub {
		fn()
	}
	c.unsub = nil
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		if c.engine != nil {
			c.engine.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Timeout waiting for background tasks")
	}

	if c.docs != nil {
		c.docs.Close()
	}
	var errs []error
	if c.store != nil {
		if err := c.store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close remote store: %w", err))
		}
	} else if c.opts.Remote != nil {
		if err := c.opts.Remote.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close remote store: %w", err))
		}
	}
	if c.local != nil {
		if err := c.local.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close local store: %w", err))
		}
	}
	return errors.Join(errs...)
}
