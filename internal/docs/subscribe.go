package docs

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/medislot/medsync/internal/remote/types"
	"github.com/medislot/medsync/pkg/model"
)

// Listener receives snapshots. It runs on the subscription's goroutine.
type Listener func(types.Snapshot)

type subscribeConfig struct {
	filter string
}

type SubscribeOption func(*subscribeConfig)

// WithFilter only delivers documents matching the CEL expression.
func WithFilter(expr string) SubscribeOption {
	return func(c *subscribeConfig) { c.filter = expr }
}

// Subscription is a live listener registration. Close releases it.
type Subscription struct {
	cancel     context.CancelFunc
	done       chan struct{}
	delivering atomic.Bool
}

// Close stops delivery and waits for the listener to return. While a
// snapshot is being delivered, which includes a listener closing its own
// subscription, Close only stops delivery; use Done to wait.
func (s *Subscription) Close() {
	s.cancel()
	if s.delivering.Load() {
		return
	}
	<-s.done
}

// Done is closed once no more snapshots will be delivered.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe watches a document, or a whole collection when id is empty.
func (s *Service) Subscribe(ctx context.Context, collection, id string, listener Listener, opts ...SubscribeOption) (*Subscription, error) {
	if err := validate(collection, id, false); err != nil {
		return nil, err
	}
	if listener == nil {
		return nil, errors.New("listener is required")
	}
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	var filter *Filter
	if cfg.filter != "" {
		var err error
		if filter, err = CompileFilter(cfg.filter); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	ch, err := s.store.Watch(ctx, types.Target{Collection: collection, ID: id})
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		live := true
		for snap := range ch {
			if !live {
				continue
			}
			if ctx.Err() != nil {
				live = false
				continue
			}
			snap.Documents = filter.Apply(snap.Documents)
			sub.delivering.Store(true)
			ok := s.deliver(listener, snap)
			sub.delivering.Store(false)
			if !ok {
				live = false
				cancel()
			}
		}
	}()
	return sub, nil
}

func (s *Service) deliver(listener Listener, snap types.Snapshot) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Subscription listener panicked; closing subscription",
				"collection", snap.Collection, "id", snap.ID, "panic", r)
			ok = false
		}
	}()
	listener(snap)
	return true
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
