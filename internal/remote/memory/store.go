// Package memory is an in-process document database implementing
// types.Store, with switches to simulate outages and rejected commits.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/medislot/medsync/internal/remote/types"
	"github.com/medislot/medsync/pkg/model"
)

// ErrUnreachable is returned while the store simulates an outage.
var ErrUnreachable = fmt.Errorf("memory store unreachable: %w", model.ErrOffline)

type watcher struct {
	target types.Target
	ch     chan types.Snapshot
	cancel context.CancelFunc
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	data     map[string]map[string]model.Document
	watchers map[int]*watcher
	nextWID  int

	maxBatch  int
	reachable atomic.Bool
	failNext  []error
	commits   atomic.Int64
	writes    atomic.Int64
}

var _ types.Store = (*Store)(nil)

// New returns an empty, reachable store. maxBatch <= 0 uses the default.
func New(maxBatch int) *Store {
	if maxBatch <= 0 {
		maxBatch = types.DefaultMaxBatchSize
	}
	s := &Store{
		data:     make(map[string]map[string]model.Document),
		watchers: make(map[int]*watcher),
		maxBatch: maxBatch,
	}
	s.reachable.Store(true)
	return s
}

// SetReachable simulates losing or regaining the server. Going unreachable
// closes every active watch.
func (s *Store) SetReachable(ok bool) {
	s.reachable.Store(ok)
	if ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.watchers {
		w.cancel()
		close(w.ch)
		delete(s.watchers, id)
	}
}

// FailNextCommits scripts the outcome of the next len(errs) batch commits, in
// order. A nil entry lets that commit through.
func (s *Store) FailNextCommits(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, errs...)
}

// Commits returns the number of successful batch commits.
func (s *Store) Commits() int {
	return int(s.commits.Load())
}

// Writes returns the number of successful single-document writes.
func (s *Store) Writes() int {
	return int(s.writes.Load())
}

// Count returns how many documents collection holds.
func (s *Store) Count(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data[collection])
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.reachable.Load() {
		return ErrUnreachable
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.check(ctx)
}

func (s *Store) Get(ctx context.Context, collection, id string) (model.Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.data[collection][id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return withID(doc, id), nil
}

func (s *Store) Set(ctx context.Context, collection, id string, data map[string]interface{}) error {
	return s.single(ctx, types.BatchWrite{Kind: types.WriteSet, Collection: collection, ID: id, Data: data})
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]interface{}) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, data map[string]interface{}) error {
	return s.single(ctx, types.BatchWrite{Kind: types.WriteUpdate, Collection: collection, ID: id, Data: data})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.single(ctx, types.BatchWrite{Kind: types.WriteDelete, Collection: collection, ID: id})
}

func (s *Store) single(ctx context.Context, w types.BatchWrite) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyLocked([]types.BatchWrite{w}); err != nil {
		return err
	}
	s.writes.Add(1)
	return nil
}

func (s *Store) MaxBatchSize() int {
	return s.maxBatch
}

func (s *Store) NewBatch() types.Batch {
	return &batch{store: s}
}

type batch struct {
	types.WriteList
	store *Store
}

func (b *batch) Commit(ctx context.Context) error {
	s := b.store
	if err := s.check(ctx); err != nil {
		return err
	}
	if len(b.Writes) > s.maxBatch {
		return model.Reject(400, fmt.Sprintf("batch of %d exceeds limit %d", len(b.Writes), s.maxBatch), model.ErrInvalidOperation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		if err != nil {
			return err
		}
	}
	if err := s.applyLocked(b.Writes); err != nil {
		return err
	}
	s.commits.Add(1)
	return nil
}

// applyLocked applies writes all-or-nothing.
func (s *Store) applyLocked(writes []types.BatchWrite) error {
	staged := make(map[string]map[string]model.Document)
	lookup := func(coll, id string) (model.Document, bool) {
		if c, ok := staged[coll]; ok {
			if doc, ok := c[id]; ok {
				return doc, doc != nil
			}
		}
		doc, ok := s.data[coll][id]
		return doc, ok
	}
	stage := func(coll, id string, doc model.Document) {
		if staged[coll] == nil {
			staged[coll] = make(map[string]model.Document)
		}
		staged[coll][id] = doc
	}

	for _, w := range writes {
		if w.Collection == "" || w.ID == "" {
			return model.Reject(400, "collection and id are required", model.ErrInvalidOperation)
		}
		switch w.Kind {
		case types.WriteSet:
			doc := model.Document(w.Data).WithoutID()
			if doc == nil {
				doc = model.Document{}
			}
			stage(w.Collection, w.ID, doc)
		case types.WriteUpdate:
			cur, ok := lookup(w.Collection, w.ID)
			if !ok {
				return fmt.Errorf("update %s/%s: %w", w.Collection, w.ID, model.ErrNotFound)
			}
			next := cur.Clone()
			next.Merge(w.Data)
			delete(next, "id")
			stage(w.Collection, w.ID, next)
		case types.WriteDelete:
			stage(w.Collection, w.ID, nil)
		default:
			return model.Reject(400, "unknown write kind "+string(w.Kind), model.ErrInvalidOperation)
		}
	}

	for coll, docs := range staged {
		if s.data[coll] == nil {
			s.data[coll] = make(map[string]model.Document)
		}
		for id, doc := range docs {
			if doc == nil {
				delete(s.data[coll], id)
			} else {
				s.data[coll][id] = doc
			}
		}
	}
	for coll, docs := range staged {
		for id := range docs {
			s.notifyLocked(coll, id)
		}
	}
	return nil
}

// Watch emits the current state immediately and again after every change.
// Consumers that fall behind only see the latest snapshot.
func (s *Store) Watch(ctx context.Context, target types.Target) (<-chan types.Snapshot, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &watcher{target: target, ch: make(chan types.Snapshot, 1), cancel: cancel}

	s.mu.Lock()
	id := s.nextWID
	s.nextWID++
	s.watchers[id] = w
	offer(w.ch, s.snapshotLocked(target))
	s.mu.Unlock()

	go func() {
		<-wctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.watchers[id] == w {
			delete(s.watchers, id)
			close(w.ch)
		}
	}()
	return w.ch, nil
}

func (s *Store) notifyLocked(coll, id string) {
	for _, w := range s.watchers {
		if w.target.Collection != coll {
			continue
		}
		if w.target.IsDocument() && w.target.ID != id {
			continue
		}
		offer(w.ch, s.snapshotLocked(w.target))
	}
}

func (s *Store) snapshotLocked(target types.Target) types.Snapshot {
	snap := types.Snapshot{Collection: target.Collection, ID: target.ID}
	if target.IsDocument() {
		if doc, ok := s.data[target.Collection][target.ID]; ok {
			snap.Documents = []model.Document{withID(doc, target.ID)}
		}
		return snap
	}
	ids := make([]string, 0, len(s.data[target.Collection]))
	for id := range s.data[target.Collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Documents = append(snap.Documents, withID(s.data[target.Collection][id], id))
	}
	return snap
}

// offer replaces any unread snapshot with snap. Callers hold s.mu, so there
// is a single sender per channel.
func offer(ch chan types.Snapshot, snap types.Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.watchers {
		w.cancel()
		close(w.ch)
		delete(s.watchers, id)
	}
	return nil
}

func withID(doc model.Document, id string) model.Document {
	out := doc.Clone()
	out.SetID(id)
	return out
}
