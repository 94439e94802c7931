// Package docs is the entry point application code uses to read and write
// documents. Writes go to the remote store when online and to the durable
// queue otherwise.
package docs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/medislot/medsync/internal/queue"
	"github.com/medislot/medsync/internal/remote/types"
	"github.com/medislot/medsync/pkg/model"
)

// OnlineChecker reports the current connectivity verdict.
type OnlineChecker interface {
	IsOnline() bool
}

type Options struct {
	Logger *slog.Logger
}

// Service is safe for concurrent use.
type Service struct {
	store  types.Store
	queue  *queue.Queue
	status OnlineChecker
	logger *slog.Logger

	unwatchQueue func()

	lmu       sync.Mutex
	listeners map[int]func(int)
	nextLID   int
}

func NewService(store types.Store, q *queue.Queue, status OnlineChecker, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:     store,
		queue:     q,
		status:    status,
		logger:    logger.With("component", "docs"),
		listeners: make(map[int]func(int)),
	}
	s.unwatchQueue = q.OnChange(s.emit)
	return s
}

// Close detaches the service from the queue.
func (s *Service) Close() {
	s.unwatchQueue()
}

// Create writes a new document. With an empty id the remote store assigns
// one; while offline the returned id is a placeholder (see
// model.IsPlaceholderID) until the queued add is replayed.
func (s *Service) Create(ctx context.Context, collection, id string, data map[string]interface{}) (string, error) {
	if err := validate(collection, id, false); err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("%w: data is required", model.ErrInvalidOperation)
	}

	if s.status.IsOnline() {
		var err error
		if id != "" {
			err = s.store.Set(ctx, collection, id, data)
		} else {
			id, err = s.store.Add(ctx, collection, data)
		}
		if err == nil {
			s.emit(s.queue.Count())
			return id, nil
		}
		if !model.IsTransient(err) {
			return "", err
		}
		s.logger.Info("Create failed; queueing", "collection", collection, "error", err)
	}

	res, err := s.enqueue(queue.OpAdd, collection, id, data)
	if err != nil {
		return "", err
	}
	if id == "" {
		return model.PlaceholderPrefix + res.Operation.ID, nil
	}
	return id, nil
}

// Update merges data into an existing document. A nil error means the write
// was committed or durably queued.
func (s *Service) Update(ctx context.Context, collection, id string, data map[string]interface{}) error {
	if err := validateTarget(collection, id); err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("%w: data is required", model.ErrInvalidOperation)
	}
	return s.write(ctx, queue.OpUpdate, collection, id, data, func() error {
		return s.store.Update(ctx, collection, id, data)
	})
}

// Delete removes a document. A nil error means the delete was committed or
// durably queued.
func (s *Service) Delete(ctx context.Context, collection, id string) error {
	if err := validateTarget(collection, id); err != nil {
		return err
	}
	return s.write(ctx, queue.OpDelete, collection, id, nil, func() error {
		return s.store.Delete(ctx, collection, id)
	})
}

func (s *Service) write(ctx context.Context, typ queue.OperationType, collection, id string, data map[string]interface{}, remote func() error) error {
	if s.status.IsOnline() {
		err := remote()
		if err == nil {
			s.emit(s.queue.Count())
			return nil
		}
		if !model.IsTransient(err) {
			return err
		}
		s.logger.Info("Write failed; queueing", "type", typ, "collection", collection, "id", id, "error", err)
	}
	_, err := s.enqueue(typ, collection, id, data)
	return err
}

func (s *Service) enqueue(typ queue.OperationType, collection, id string, data map[string]interface{}) (queue.EnqueueResult, error) {
	op, err := queue.NewOperation(typ, collection, id, data)
	if err != nil {
		return queue.EnqueueResult{}, err
	}
	res, err := s.queue.Enqueue(op)
	if err != nil {
		return res, err
	}
	if !res.Durable {
		s.logger.Warn("Queued operation is held in memory only", "operation_id", res.Operation.ID)
	}
	return res, nil
}

// Get reads a document, from cache when the store cannot reach the server.
// A missing document is (nil, nil).
func (s *Service) Get(ctx context.Context, collection, id string) (model.Document, error) {
	if err := validate(collection, id, true); err != nil {
		return nil, err
	}
	if model.IsPlaceholderID(id) {
		return nil, nil
	}
	doc, err := s.store.Get(ctx, collection, id)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

// OnPendingChange registers fn to receive the pending-operation count after
// each online write and each queue change.
func (s *Service) OnPendingChange(fn func(count int)) (cancel func()) {
	s.lmu.Lock()
	id := s.nextLID
	s.nextLID++
	s.listeners[id] = fn
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

func (s *Service) emit(count int) {
	s.lmu.Lock()
	fns := make([]func(int), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Pending count listener panicked", "panic", r)
				}
			}()
			fn(count)
		}()
	}
}

func validate(collection, id string, idRequired bool) error {
	if !model.CheckCollection(collection) {
		return fmt.Errorf("%w: invalid collection %q", model.ErrInvalidOperation, collection)
	}
	if id == "" {
		if idRequired {
			return fmt.Errorf("%w: document id is required", model.ErrInvalidOperation)
		}
		return nil
	}
	if !model.CheckDocumentID(id) {
		return fmt.Errorf("%w: invalid document id %q", model.ErrInvalidOperation, id)
	}
	return nil
}

// validateTarget also refuses placeholder ids: no document exists under them.
func validateTarget(collection, id string) error {
	if err := validate(collection, id, true); err != nil {
		return err
	}
	if model.IsPlaceholderID(id) {
		return fmt.Errorf("%w: %q is a placeholder for a queued creation", model.ErrInvalidOperation, id)
	}
	return nil
}
