// Package queue implements the durable, ordered list of mutations made while
// the remote store could not be reached.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/medislot/medsync/internal/localstore"
)

// ErrUnknownOperation is returned when an id matches no queued or dead-lettered operation.
var ErrUnknownOperation = errors.New("queue: unknown operation")

// EnqueueResult describes an accepted operation.
type EnqueueResult struct {
	Operation PendingOperation
	// Durable is false when the operation is held in memory only because the
	// local store could not be written.
	Durable bool
}

// Options configures a Queue.
type Options struct {
	Config Config
	Logger *slog.Logger
	// Now overrides the wall clock used for EnqueuedAt.
	Now func() time.Time
}

// Queue is safe for concurrent use. Every mutation runs a
// load-merge-mutate-persist cycle under one lock.
type Queue struct {
	mu      sync.Mutex
	store   localstore.Store
	cfg     Config
	logger  *slog.Logger
	clock   *Clock
	ops     []PendingOperation
	dead    []DeadLetter
	removed map[string]struct{}

	count   atomic.Int64
	durable atomic.Bool

	lmu       sync.Mutex
	listeners map[int]func(int)
	nextLID   int
}

// New loads any persisted operations from store.
func New(store localstore.Store, opts Options) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("queue: store is required")
	}
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "queue"),
		clock:     NewClock(opts.Now),
		removed:   make(map[string]struct{}),
		listeners: make(map[int]func(int)),
	}
	q.durable.Store(true)

	q.mu.Lock()
	q.ops, _ = q.loadOps()
	q.dead = q.loadDead()
	q.sortLocked()
	for _, op := range q.ops {
		q.clock.Advance(op.EnqueuedAt)
	}
	q.count.Store(int64(len(q.ops)))
	q.mu.Unlock()

	if len(q.ops) > 0 {
		q.logger.Info("Restored pending operations", "count", len(q.ops), "dead_letters", len(q.dead))
	}
	return q, nil
}

// Enqueue assigns the operation an id and timestamp and persists the whole
// queue before returning. Only invalid operations are refused.
func (q *Queue) Enqueue(op PendingOperation) (EnqueueResult, error) {
	if err := op.Validate(); err != nil {
		return EnqueueResult{}, err
	}

	q.mu.Lock()
	q.mergeLocked()
	op.Payload = canonicalPayload(op.Payload)
	op.ID = uuid.NewString()
	op.EnqueuedAt = q.clock.Next()
	op.Attempts = 0
	op.LastError = ""
	q.ops = append(q.ops, op)
	durable := q.persistOpsLocked()
	n := len(q.ops)
	q.mu.Unlock()

	q.logger.Debug("Enqueued operation", "id", op.ID, "type", op.Type, "collection", op.Collection, "document_id", op.DocumentID, "durable", durable)
	q.notify(n)
	return EnqueueResult{Operation: op.clone(), Durable: durable}, nil
}

// Count returns the number of pending operations.
func (q *Queue) Count() int {
	return int(q.count.Load())
}

func (q *Queue) HasPending() bool {
	return q.count.Load() > 0
}

// Durable reports whether the last write to the local store succeeded.
func (q *Queue) Durable() bool {
	return q.durable.Load()
}

// Drain returns up to limit operations in EnqueuedAt order without removing
// them. A limit of zero or less returns everything.
func (q *Queue) Drain(limit int) []PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mergeLocked()

	n := len(q.ops)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]PendingOperation, n)
	for i := 0; i < n; i++ {
		out[i] = q.ops[i].clone()
	}
	return out
}

// List returns a copy of every pending operation.
func (q *Queue) List() []PendingOperation {
	return q.Drain(0)
}

// Get returns the pending operation with id.
func (q *Queue) Get(id string) (PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.ID == id {
			return op.clone(), true
		}
	}
	return PendingOperation{}, false
}

// Remove deletes the given operations and re-persists. It returns how many
// were actually present.
func (q *Queue) Remove(ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	set := toSet(ids)

	q.mu.Lock()
	q.mergeLocked()
	removed := q.filterLocked(set)
	if removed > 0 {
		q.persistOpsLocked()
	}
	n := len(q.ops)
	q.mu.Unlock()

	if removed > 0 {
		q.notify(n)
	}
	return removed
}

// Cancel drops a single operation without applying it.
func (q *Queue) Cancel(id string) error {
	if q.Remove(id) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	q.logger.Info("Canceled pending operation", "id", id)
	return nil
}

// RecordFailure notes a failed attempt on each operation. When MaxAttempts is
// set, operations that reach it move to the dead-letter list and are returned.
func (q *Queue) RecordFailure(ids []string, cause error) []PendingOperation {
	if len(ids) == 0 {
		return nil
	}
	set := toSet(ids)
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	q.mu.Lock()
	q.mergeLocked()
	var exhausted []string
	for i := range q.ops {
		if _, ok := set[q.ops[i].ID]; !ok {
			continue
		}
		q.ops[i].Attempts++
		q.ops[i].LastError = reason
		if q.cfg.MaxAttempts > 0 && q.ops[i].Attempts >= q.cfg.MaxAttempts {
			exhausted = append(exhausted, q.ops[i].ID)
		}
	}
	var dropped []PendingOperation
	if len(exhausted) > 0 {
		dropped = q.deadLetterLocked(toSet(exhausted), "max attempts exceeded: "+reason)
	}
	q.persistOpsLocked()
	n := len(q.ops)
	q.mu.Unlock()

	if len(dropped) > 0 {
		q.logger.Warn("Operations exceeded max attempts", "count", len(dropped), "max_attempts", q.cfg.MaxAttempts)
		q.notify(n)
	}
	return dropped
}

// DeadLetter moves operations to the dead-letter list. They are kept for
// inspection and never replayed unless requeued.
func (q *Queue) DeadLetter(ids []string, reason string) int {
	if len(ids) == 0 {
		return 0
	}

	q.mu.Lock()
	q.mergeLocked()
	moved := q.deadLetterLocked(toSet(ids), reason)
	if len(moved) > 0 {
		q.persistOpsLocked()
	}
	n := len(q.ops)
	q.mu.Unlock()

	if len(moved) > 0 {
		q.logger.Warn("Moved operations to dead-letter list", "count", len(moved), "reason", reason)
		q.notify(n)
	}
	return len(moved)
}

// DeadLetters returns a copy of the dead-letter list, oldest first.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	for i, d := range q.dead {
		d.Operation = d.Operation.clone()
		out[i] = d
	}
	return out
}

// Requeue moves a dead-lettered operation back to the tail of the queue with
// a fresh timestamp and zero attempts.
func (q *Queue) Requeue(id string) (PendingOperation, error) {
	q.mu.Lock()
	idx := -1
	for i, d := range q.dead {
		if d.Operation.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return PendingOperation{}, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}

	q.mergeLocked()
	op := q.dead[idx].Operation
	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)
	op.EnqueuedAt = q.clock.Next()
	op.Attempts = 0
	op.LastError = ""
	delete(q.removed, op.ID)
	q.ops = append(q.ops, op)
	q.persistOpsLocked()
	q.persistDeadLocked()
	n := len(q.ops)
	q.mu.Unlock()

	q.logger.Info("Requeued operation", "id", id)
	q.notify(n)
	return op.clone(), nil
}

// PurgeDeadLetters empties the dead-letter list and returns how many were dropped.
func (q *Queue) PurgeDeadLetters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	if n == 0 {
		return 0
	}
	q.dead = nil
	q.persistDeadLocked()
	return n
}

// OnChange registers fn to receive the pending count after every mutation.
// fn runs on the mutating goroutine, outside the queue lock.
func (q *Queue) OnChange(fn func(count int)) (cancel func()) {
	q.lmu.Lock()
	id := q.nextLID
	q.nextLID++
	q.listeners[id] = fn
	q.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.lmu.Lock()
			delete(q.listeners, id)
			q.lmu.Unlock()
		})
	}
}

func (q *Queue) notify(count int) {
	q.lmu.Lock()
	fns := make([]func(int), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.lmu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("Pending count listener panicked", "panic", r)
				}
			}()
			fn(count)
		}()
	}
}

// mergeLocked folds in operations another writer persisted under the same
// key, skipping anything this queue already removed.
func (q *Queue) mergeLocked() {
	persisted, ok := q.loadOps()
	if ok {
		q.pruneRemovedLocked(persisted)
	}
	if len(persisted) == 0 {
		return
	}
	known := make(map[string]struct{}, len(q.ops))
	for _, op := range q.ops {
		known[op.ID] = struct{}{}
	}
	for _, d := range q.dead {
		known[d.Operation.ID] = struct{}{}
	}
	added := false
	for _, op := range persisted {
		if _, ok := known[op.ID]; ok {
			continue
		}
		if _, ok := q.removed[op.ID]; ok {
			continue
		}
		q.ops = append(q.ops, op)
		q.clock.Advance(op.EnqueuedAt)
		added = true
	}
	if added {
		q.sortLocked()
		q.count.Store(int64(len(q.ops)))
	}
}

// pruneRemovedLocked forgets removals the persisted list no longer holds.
func (q *Queue) pruneRemovedLocked(persisted []PendingOperation) {
	if len(q.removed) == 0 {
		return
	}
	present := make(map[string]struct{}, len(persisted))
	for _, op := range persisted {
		present[op.ID] = struct{}{}
	}
	for id := range q.removed {
		if _, ok := present[id]; !ok {
			delete(q.removed, id)
		}
	}
}

func (q *Queue) filterLocked(set map[string]struct{}) int {
	kept := q.ops[:0]
	removed := 0
	for _, op := range q.ops {
		if _, ok := set[op.ID]; ok {
			q.removed[op.ID] = struct{}{}
			removed++
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	return removed
}

func (q *Queue) deadLetterLocked(set map[string]struct{}, reason string) []PendingOperation {
	var moved []PendingOperation
	now := time.Now().UnixMilli()
	for _, op := range q.ops {
		if _, ok := set[op.ID]; ok {
			moved = append(moved, op.clone())
			q.dead = append(q.dead, DeadLetter{Operation: op, Reason: reason, FailedAt: now})
		}
	}
	if len(moved) == 0 {
		return nil
	}
	q.filterLocked(set)
	q.persistDeadLocked()
	return moved
}

func (q *Queue) sortLocked() {
	sort.SliceStable(q.ops, func(i, j int) bool {
		return q.ops[i].EnqueuedAt < q.ops[j].EnqueuedAt
	})
}

// persistOpsLocked writes the pending list and refreshes the counters. A
// failed write is logged and the in-memory list stays authoritative.
func (q *Queue) persistOpsLocked() bool {
	q.count.Store(int64(len(q.ops)))

	data, err := encode(q.ops)
	if err == nil {
		err = q.store.Set(q.cfg.StorageKey, data)
	}
	if err != nil {
		q.durable.Store(false)
		q.logger.Warn("Failed to persist pending operations; keeping them in memory", "error", err, "count", len(q.ops))
		return false
	}
	q.durable.Store(true)
	return true
}

func (q *Queue) persistDeadLocked() {
	data, err := encode(q.dead)
	if err == nil {
		err = q.store.Set(q.cfg.DeadLetterKey, data)
	}
	if err != nil {
		q.logger.Warn("Failed to persist dead-letter list", "error", err, "count", len(q.dead))
	}
}

// loadOps returns the persisted operations. ok is false when the store could
// not be read, so the persisted state is unknown.
func (q *Queue) loadOps() (ops []PendingOperation, ok bool) {
	switch err := q.load(q.cfg.StorageKey, &ops); {
	case errors.Is(err, errNoState):
		return nil, true
	case err != nil:
		return nil, false
	}
	valid := ops[:0]
	for _, op := range ops {
		if op.ID == "" || op.Validate() != nil {
			q.logger.Warn("Dropping malformed persisted operation", "id", op.ID, "type", op.Type)
			continue
		}
		op.Payload = resolveNumbers(op.Payload)
		valid = append(valid, op)
	}
	return valid, true
}

func (q *Queue) loadDead() []DeadLetter {
	var dead []DeadLetter
	if q.load(q.cfg.DeadLetterKey, &dead) != nil {
		return nil
	}
	for i := range dead {
		dead[i].Operation.Payload = resolveNumbers(dead[i].Operation.Payload)
	}
	return dead
}

// load decodes key into out. It returns errNoState when nothing usable is
// stored. Unreadable blobs are copied aside under "<key>.corrupt" so the next
// persist does not destroy them.
func (q *Queue) load(key string, out interface{}) error {
	data, err := q.store.Get(key)
	if errors.Is(err, localstore.ErrNotFound) {
		return errNoState
	}
	if err != nil {
		q.logger.Warn("Failed to read persisted queue state", "key", key, "error", err)
		return err
	}
	if err := decode(data, out); err != nil {
		q.logger.Error("Persisted queue state is unreadable; starting without it", "key", key, "error", err)
		if serr := q.store.Set(key+".corrupt", data); serr != nil {
			q.logger.Warn("Failed to preserve unreadable queue state", "key", key, "error", serr)
		}
		if derr := q.store.Delete(key); derr != nil {
			q.logger.Warn("Failed to clear unreadable queue state", "key", key, "error", derr)
		}
		return errNoState
	}
	return nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
