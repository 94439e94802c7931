package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"time"

	"github.com/gorilla/schema"

	"github.com/medislot/medsync/internal/remote/types"
	"github.com/medislot/medsync/pkg/model"
)

// Change is one entry of a push request.
type Change struct {
	Action string         `json:"action"`
	Doc    model.Document `json:"document"`
}

type PushRequest struct {
	Collection string   `json:"collection"`
	Changes    []Change `json:"changes"`
}

type PushResponse struct {
	Conflicts []model.Document `json:"conflicts"`
}

type PullRequest struct {
	Collection string `schema:"collection"`
	Checkpoint string `schema:"checkpoint"`
	Limit      int    `schema:"limit"`
}

// PullResponse lists documents changed after the request checkpoint.
// Deleted documents carry "deleted": true.
type PullResponse struct {
	Documents  []model.Document `json:"documents"`
	Checkpoint string           `json:"checkpoint"`
}

var queryEncoder = schema.NewEncoder()

func (s *Store) NewBatch() types.Batch {
	return &batch{store: s}
}

type batch struct {
	types.WriteList
	store *Store
}

// Commit pushes the writes. The push route takes one collection per request,
// so runs of writes to the same collection are pushed in order.
func (b *batch) Commit(ctx context.Context) error {
	if len(b.Writes) == 0 {
		return nil
	}
	if len(b.Writes) > b.store.maxBatch {
		return model.Reject(400, fmt.Sprintf("batch of %d exceeds limit %d", len(b.Writes), b.store.maxBatch), model.ErrInvalidOperation)
	}
	for _, req := range pushRequests(b.Writes) {
		var resp PushResponse
		if err := b.store.do(ctx, http.MethodPost, b.store.replicationURL("push"), req, &resp); err != nil {
			return err
		}
		if len(resp.Conflicts) > 0 {
			return model.Reject(409, fmt.Sprintf("%d conflicting documents in %s", len(resp.Conflicts), req.Collection), nil)
		}
	}
	return nil
}

func pushRequests(writes []types.BatchWrite) []PushRequest {
	var out []PushRequest
	for _, w := range writes {
		doc := model.Document(w.Data).Clone()
		if doc == nil {
			doc = model.Document{}
		}
		doc.SetID(w.ID)
		change := Change{Action: string(w.Kind), Doc: doc}
		if n := len(out); n > 0 && out[n-1].Collection == w.Collection {
			out[n-1].Changes = append(out[n-1].Changes, change)
			continue
		}
		out = append(out, PushRequest{Collection: w.Collection, Changes: []Change{change}})
	}
	return out
}

func (s *Store) pull(ctx context.Context, collection, checkpoint string) (PullResponse, error) {
	q := url.Values{}
	if err := queryEncoder.Encode(PullRequest{Collection: collection, Checkpoint: checkpoint, Limit: defaultPullLimit}, q); err != nil {
		return PullResponse{}, err
	}
	var resp PullResponse
	err := s.do(ctx, http.MethodGet, s.replicationURL("pull")+"?"+q.Encode(), nil, &resp)
	return resp, err
}

// Watch polls for changes every PollInterval. The channel closes when ctx is
// done or a poll fails.
func (s *Store) Watch(ctx context.Context, target types.Target) (<-chan types.Snapshot, error) {
	w := &poller{store: s, target: target, docs: make(map[string]model.Document), checkpoint: "0"}
	first, err := w.poll(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan types.Snapshot, 1)
	out <- first
	last := first
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			snap, err := w.poll(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("Poll failed", "collection", target.Collection, "id", target.ID, "error", err)
				}
				return
			}
			if reflect.DeepEqual(snap.Documents, last.Documents) {
				continue
			}
			last = snap
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type poller struct {
	store      *Store
	target     types.Target
	docs       map[string]model.Document
	checkpoint string
}

func (p *poller) poll(ctx context.Context) (types.Snapshot, error) {
	snap := types.Snapshot{Collection: p.target.Collection, ID: p.target.ID}
	if p.target.IsDocument() {
		doc, err := p.store.Get(ctx, p.target.Collection, p.target.ID)
		if err != nil && !isNotFound(err) {
			return snap, err
		}
		if doc != nil {
			snap.Documents = []model.Document{doc}
		}
		return snap, nil
	}

	for {
		resp, err := p.store.pull(ctx, p.target.Collection, p.checkpoint)
		if err != nil {
			return snap, err
		}
		for _, doc := range resp.Documents {
			p.apply(doc)
		}
		if resp.Checkpoint != "" {
			p.checkpoint = resp.Checkpoint
		}
		if len(resp.Documents) < defaultPullLimit {
			break
		}
	}
	ids := make([]string, 0, len(p.docs))
	for id := range p.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Documents = append(snap.Documents, p.docs[id].Clone())
	}
	return snap, nil
}

func (p *poller) apply(doc model.Document) {
	id := doc.GetID()
	if id == "" {
		return
	}
	if deleted, _ := doc["deleted"].(bool); deleted {
		delete(p.docs, id)
		return
	}
	p.docs[id] = doc
}
