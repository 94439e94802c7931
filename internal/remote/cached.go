// Package remote wraps a types.Store with a network switch and a local cache
// so reads and subscriptions keep working while the server is unreachable.
package remote

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medislot/medsync/internal/remote/types"
	"github.com/medislot/medsync/pkg/model"
)

// CachedStore forwards to an inner store while the network is enabled and
// serves last-known documents otherwise.
type CachedStore struct {
	inner        types.Store
	logger       *slog.Logger
	rewatchDelay time.Duration

	enabled atomic.Bool

	mu    sync.RWMutex
	cache map[string]map[string]model.Document
	// netCh is closed and replaced on every network toggle.
	netCh chan struct{}
}

var (
	_ types.Store             = (*CachedStore)(nil)
	_ types.NetworkController = (*CachedStore)(nil)
)

// CacheOptions configures NewCached.
type CacheOptions struct {
	Logger *slog.Logger
	// RewatchDelay is the pause before resubscribing after a live watch fails.
	RewatchDelay time.Duration
}

func NewCached(inner types.Store, opts CacheOptions) *CachedStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RewatchDelay <= 0 {
		opts.RewatchDelay = time.Second
	}
	c := &CachedStore{
		inner:        inner,
		logger:       logger.With("component", "remote-cache"),
		rewatchDelay: opts.RewatchDelay,
		cache:        make(map[string]map[string]model.Document),
		netCh:        make(chan struct{}),
	}
	c.enabled.Store(true)
	return c
}

// Inner returns the wrapped store.
func (c *CachedStore) Inner() types.Store {
	return c.inner
}

func (c *CachedStore) NetworkEnabled() bool {
	return c.enabled.Load()
}

// EnableNetwork reconnects and verifies the server answers.
func (c *CachedStore) EnableNetwork(ctx context.Context) error {
	if !c.enabled.Swap(true) {
		c.logger.Info("Network enabled")
		c.broadcast()
	}
	return c.inner.Ping(ctx)
}

// DisableNetwork stops all server traffic. Live watches fall back to cache.
func (c *CachedStore) DisableNetwork(_ context.Context) error {
	if c.enabled.Swap(false) {
		c.logger.Info("Network disabled")
		c.broadcast()
	}
	return nil
}

func (c *CachedStore) broadcast() {
	c.mu.Lock()
	close(c.netCh)
	c.netCh = make(chan struct{})
	c.mu.Unlock()
}

func (c *CachedStore) netChanged() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.netCh
}

func (c *CachedStore) online() error {
	if !c.enabled.Load() {
		return model.ErrOffline
	}
	return nil
}

func (c *CachedStore) Ping(ctx context.Context) error {
	if err := c.online(); err != nil {
		return err
	}
	return c.inner.Ping(ctx)
}

// Get reads from the server, falling back to the cache when offline or on a
// transient failure.
func (c *CachedStore) Get(ctx context.Context, collection, id string) (model.Document, error) {
	if err := c.online(); err == nil {
		doc, err := c.inner.Get(ctx, collection, id)
		switch {
		case err == nil:
			c.put(collection, id, doc)
			return doc.Clone(), nil
		case errors.Is(err, model.ErrNotFound):
			c.drop(collection, id)
			return nil, err
		case !model.IsTransient(err):
			return nil, err
		}
		c.logger.Debug("Serving read from cache", "collection", collection, "id", id, "error", err)
	}

	if doc, ok := c.cached(collection, id); ok {
		return doc, nil
	}
	return nil, model.ErrNotFound
}

// Cached returns the last-known copy of a document without contacting the server.
func (c *CachedStore) Cached(collection, id string) (model.Document, bool) {
	return c.cached(collection, id)
}

func (c *CachedStore) Set(ctx context.Context, collection, id string, data map[string]interface{}) error {
	if err := c.online(); err != nil {
		return err
	}
	if err := c.inner.Set(ctx, collection, id, data); err != nil {
		return err
	}
	c.put(collection, id, data)
	return nil
}

func (c *CachedStore) Add(ctx context.Context, collection string, data map[string]interface{}) (string, error) {
	if err := c.online(); err != nil {
		return "", err
	}
	id, err := c.inner.Add(ctx, collection, data)
	if err != nil {
		return "", err
	}
	c.put(collection, id, data)
	return id, nil
}

func (c *CachedStore) Update(ctx context.Context, collection, id string, data map[string]interface{}) error {
	if err := c.online(); err != nil {
		return err
	}
	if err := c.inner.Update(ctx, collection, id, data); err != nil {
		return err
	}
	c.merge(collection, id, data)
	return nil
}

func (c *CachedStore) Delete(ctx context.Context, collection, id string) error {
	if err := c.online(); err != nil {
		return err
	}
	if err := c.inner.Delete(ctx, collection, id); err != nil {
		return err
	}
	c.drop(collection, id)
	return nil
}

func (c *CachedStore) MaxBatchSize() int {
	return c.inner.MaxBatchSize()
}

func (c *CachedStore) NewBatch() types.Batch {
	return &cachedBatch{store: c, inner: c.inner.NewBatch()}
}

type cachedBatch struct {
	types.WriteList
	store *CachedStore
	inner types.Batch
}

func (b *cachedBatch) Set(collection, id string, data map[string]interface{}) {
	b.WriteList.Set(collection, id, data)
	b.inner.Set(collection, id, data)
}

func (b *cachedBatch) Update(collection, id string, data map[string]interface{}) {
	b.WriteList.Update(collection, id, data)
	b.inner.Update(collection, id, data)
}

func (b *cachedBatch) Delete(collection, id string) {
	b.WriteList.Delete(collection, id)
	b.inner.Delete(collection, id)
}

func (b *cachedBatch) Commit(ctx context.Context) error {
	if err := b.store.online(); err != nil {
		return err
	}
	if err := b.inner.Commit(ctx); err != nil {
		return err
	}
	for _, w := range b.Writes {
		switch w.Kind {
		case types.WriteSet:
			b.store.put(w.Collection, w.ID, w.Data)
		case types.WriteUpdate:
			b.store.merge(w.Collection, w.ID, w.Data)
		case types.WriteDelete:
			b.store.drop(w.Collection, w.ID)
		}
	}
	return nil
}

// Watch streams snapshots of target. The cached state is delivered first with
// FromCache set, server snapshots follow while the network is up, and the
// cached state is re-delivered whenever the server stream drops.
func (c *CachedStore) Watch(ctx context.Context, target types.Target) (<-chan types.Snapshot, error) {
	if target.Collection == "" {
		return nil, model.ErrInvalidOperation
	}
	out := make(chan types.Snapshot, 1)
	go c.watchLoop(ctx, target, out)
	return out, nil
}

func (c *CachedStore) watchLoop(ctx context.Context, target types.Target, out chan<- types.Snapshot) {
	defer close(out)

	send := func(snap types.Snapshot) bool {
		select {
		case out <- snap:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if snap, ok := c.cachedSnapshot(target); ok {
		if !send(snap) {
			return
		}
	}

	for {
		changed := c.netChanged()
		if !c.enabled.Load() {
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
			continue
		}

		alive, live := c.relay(ctx, target, send)
		if !alive {
			return
		}
		if live {
			// The server view is gone; fall back to what we know.
			if snap, ok := c.cachedSnapshot(target); ok {
				if !send(snap) {
					return
				}
			}
		}
		if c.enabled.Load() {
			select {
			case <-ctx.Done():
				return
			case <-c.netChanged():
			case <-time.After(c.rewatchDelay):
			}
		}
	}
}

// relay forwards one server subscription until it ends or the network is
// disabled. alive is false once the consumer is gone; live reports whether
// any server snapshot was delivered.
func (c *CachedStore) relay(ctx context.Context, target types.Target, send func(types.Snapshot) bool) (alive, live bool) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changed := c.netChanged()
	ch, err := c.inner.Watch(wctx, target)
	if err != nil {
		c.logger.Debug("Live watch unavailable", "collection", target.Collection, "id", target.ID, "error", err)
		return ctx.Err() == nil, false
	}

	for {
		select {
		case <-ctx.Done():
			return false, live
		case <-changed:
			if !c.enabled.Load() {
				return true, live
			}
			changed = c.netChanged()
		case snap, ok := <-ch:
			if !ok {
				return ctx.Err() == nil, live
			}
			snap.FromCache = false
			c.absorb(target, snap)
			if !send(snap) {
				return false, live
			}
			live = true
		}
	}
}

// absorb replaces the cached state of target with a server snapshot.
func (c *CachedStore) absorb(target types.Target, snap types.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll := c.cache[target.Collection]
	if coll == nil {
		coll = make(map[string]model.Document)
		c.cache[target.Collection] = coll
	}
	if target.IsDocument() {
		if doc := snap.Document(); doc != nil {
			coll[target.ID] = doc.Clone()
		} else {
			delete(coll, target.ID)
		}
		return
	}
	for id := range coll {
		delete(coll, id)
	}
	for _, doc := range snap.Documents {
		if id := doc.GetID(); id != "" {
			coll[id] = doc.Clone()
		}
	}
}

func (c *CachedStore) cachedSnapshot(target types.Target) (types.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coll, ok := c.cache[target.Collection]
	if !ok {
		return types.Snapshot{}, false
	}
	snap := types.Snapshot{Collection: target.Collection, ID: target.ID, FromCache: true}
	if target.IsDocument() {
		doc, ok := coll[target.ID]
		if !ok {
			return types.Snapshot{}, false
		}
		snap.Documents = []model.Document{doc.Clone()}
		return snap, true
	}
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Documents = append(snap.Documents, coll[id].Clone())
	}
	return snap, true
}

func (c *CachedStore) cached(collection, id string) (model.Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.cache[collection][id]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

func (c *CachedStore) put(collection, id string, doc model.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache[collection] == nil {
		c.cache[collection] = make(map[string]model.Document)
	}
	doc = doc.Clone()
	if doc == nil {
		doc = model.Document{}
	}
	doc.SetID(id)
	c.cache[collection][id] = doc
}

func (c *CachedStore) merge(collection, id string, data map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.cache[collection][id]
	if !ok {
		return
	}
	doc = doc.Clone()
	doc.Merge(data)
	doc.SetID(id)
	c.cache[collection][id] = doc
}

func (c *CachedStore) drop(collection, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache[collection], id)
}

func (c *CachedStore) Close(ctx context.Context) error {
	return c.inner.Close(ctx)
}
