package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medislot/medsync/internal/localstore"
	"github.com/medislot/medsync/internal/queue"
	"github.com/medislot/medsync/internal/reconcile"
	"github.com/medislot/medsync/internal/remote/types"
	"github.com/medislot/medsync/pkg/model"
)

type change struct {
	seq  int64
	coll string
	doc  model.Document
}

// backend is a minimal in-process server for the routes the client uses.
type backend struct {
	mu     sync.Mutex
	docs   map[string]map[string]model.Document
	log    []change
	seq    int64
	status int
	auth   []string
	pushes int
	refuse string
}

func newBackend(t *testing.T) (*backend, *httptest.Server) {
	b := &backend{docs: make(map[string]map[string]model.Document)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", b.guard(func(w http.ResponseWriter, r *http.Request) {}))
	mux.HandleFunc("GET /api/v1/databases/{db}/documents/{coll}/{id}", b.guard(b.get))
	mux.HandleFunc("PUT /api/v1/databases/{db}/documents/{coll}/{id}", b.guard(b.put))
	mux.HandleFunc("POST /api/v1/databases/{db}/documents/{coll}", b.guard(b.create))
	mux.HandleFunc("PATCH /api/v1/databases/{db}/documents/{coll}/{id}", b.guard(b.patch))
	mux.HandleFunc("DELETE /api/v1/databases/{db}/documents/{coll}/{id}", b.guard(b.remove))
	mux.HandleFunc("POST /replication/v1/databases/{db}/push", b.guard(b.push))
	mux.HandleFunc("GET /replication/v1/databases/{db}/pull", b.guard(b.pull))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *backend) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.auth = append(b.auth, r.Header.Get("Authorization"))
		if b.status != 0 {
			w.WriteHeader(b.status)
			return
		}
		h(w, r)
	}
}

func (b *backend) write(coll string, doc model.Document) {
	if b.docs[coll] == nil {
		b.docs[coll] = make(map[string]model.Document)
	}
	b.seq++
	if deleted, _ := doc["deleted"].(bool); deleted {
		delete(b.docs[coll], doc.GetID())
	} else {
		b.docs[coll][doc.GetID()] = doc
	}
	b.log = append(b.log, change{seq: b.seq, coll: coll, doc: doc.Clone()})
}

func (b *backend) get(w http.ResponseWriter, r *http.Request) {
	doc, ok := b.docs[r.PathValue("coll")][r.PathValue("id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(doc)
}

func (b *backend) put(w http.ResponseWriter, r *http.Request) {
	var body documentBody
	json.NewDecoder(r.Body).Decode(&body)
	body.Doc.SetID(r.PathValue("id"))
	b.write(r.PathValue("coll"), body.Doc)
}

func (b *backend) create(w http.ResponseWriter, r *http.Request) {
	var body documentBody
	json.NewDecoder(r.Body).Decode(&body)
	body.Doc.SetID(uuid.NewString())
	b.write(r.PathValue("coll"), body.Doc)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(body.Doc)
}

func (b *backend) patch(w http.ResponseWriter, r *http.Request) {
	cur, ok := b.docs[r.PathValue("coll")][r.PathValue("id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var body documentBody
	json.NewDecoder(r.Body).Decode(&body)
	next := cur.Clone()
	next.Merge(body.Doc)
	b.write(r.PathValue("coll"), next)
}

func (b *backend) remove(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.docs[r.PathValue("coll")][r.PathValue("id")]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	b.write(r.PathValue("coll"), model.Document{"id": r.PathValue("id"), "deleted": true})
}

func (b *backend) push(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	json.NewDecoder(r.Body).Decode(&req)
	b.pushes++
	if req.Collection == b.refuse {
		json.NewEncoder(w).Encode(PushResponse{Conflicts: []model.Document{{"id": "x"}}})
		return
	}
	for _, c := range req.Changes {
		switch c.Action {
		case "delete":
			b.write(req.Collection, model.Document{"id": c.Doc.GetID(), "deleted": true})
		case "update":
			next := b.docs[req.Collection][c.Doc.GetID()].Clone()
			next.Merge(c.Doc)
			b.write(req.Collection, next)
		default:
			b.write(req.Collection, c.Doc)
		}
	}
	json.NewEncoder(w).Encode(PushResponse{})
}

func (b *backend) pull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	dec := schema.NewDecoder()
	dec.IgnoreUnknownKeys(true)
	if err := dec.Decode(&req, r.URL.Query()); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	since, _ := strconv.ParseInt(req.Checkpoint, 10, 64)
	resp := PullResponse{Checkpoint: req.Checkpoint}
	for _, c := range b.log {
		if c.seq <= since || c.coll != req.Collection {
			continue
		}
		resp.Documents = append(resp.Documents, c.doc)
		resp.Checkpoint = strconv.FormatInt(c.seq, 10)
		if len(resp.Documents) == req.Limit {
			break
		}
	}
	json.NewEncoder(w).Encode(resp)
}

func newStore(t *testing.T, url string, opts Options) *Store {
	t.Helper()
	opts.BaseURL = url
	if opts.Database == "" {
		opts.Database = "clinic"
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{BaseURL: "ftp://example.com", Database: "d"})
	assert.Error(t, err)
	_, err = New(Options{BaseURL: "http://example.com"})
	assert.Error(t, err)
}

func TestStore_CRUD(t *testing.T) {
	_, srv := newBackend(t)
	s := newStore(t, srv.URL, Options{})
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Set(ctx, "appointments", "a1", map[string]interface{}{"status": "BOOKED", "doctor": "d1"}))
	require.NoError(t, s.Update(ctx, "appointments", "a1", map[string]interface{}{"status": "CANCELLED"}))

	doc, err := s.Get(ctx, "appointments", "a1")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", doc["status"])
	assert.Equal(t, "d1", doc["doctor"])

	id, err := s.Add(ctx, "appointments", map[string]interface{}{"status": "BOOKED"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	err = s.Update(ctx, "appointments", "missing", map[string]interface{}{"a": 1})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.False(t, model.IsTransient(err))

	require.NoError(t, s.Delete(ctx, "appointments", "a1"))
	require.NoError(t, s.Delete(ctx, "appointments", "a1"))
	_, err = s.Get(ctx, "appointments", "a1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_ErrorClasses(t *testing.T) {
	b, srv := newBackend(t)
	s := newStore(t, srv.URL, Options{})
	ctx := context.Background()

	tests := []struct {
		status    int
		rejected  bool
		transient bool
	}{
		{http.StatusBadRequest, true, false},
		{http.StatusUnauthorized, false, true},
		{http.StatusForbidden, true, false},
		{http.StatusTooManyRequests, false, true},
		{http.StatusServiceUnavailable, false, true},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			b.mu.Lock()
			b.status = tt.status
			b.mu.Unlock()

			err := s.Set(ctx, "appointments", "a1", map[string]interface{}{"a": 1})
			require.Error(t, err)
			assert.Equal(t, tt.rejected, model.IsRejected(err))
			assert.Equal(t, tt.transient, model.IsTransient(err))
		})
	}

	srv.Close()
	err := s.Ping(ctx)
	assert.ErrorIs(t, err, model.ErrOffline)
}

func TestStore_UnauthorizedKeepsWritesQueued(t *testing.T) {
	b, srv := newBackend(t)
	s := newStore(t, srv.URL, Options{Token: "opaque"})
	ctx := context.Background()

	q, err := queue.New(localstore.NewMemoryStore(), queue.Options{})
	require.NoError(t, err)
	for _, id := range []string{"a1", "a2", "a3"} {
		op, err := queue.NewOperation(queue.OpUpdate, "appointments", id, map[string]interface{}{"status": "CONFIRMED"})
		require.NoError(t, err)
		_, err = q.Enqueue(op)
		require.NoError(t, err)
	}

	b.mu.Lock()
	b.status = http.StatusUnauthorized
	b.mu.Unlock()

	engine := reconcile.New(q, s, reconcile.Options{})
	res := engine.Run(ctx)
	assert.ErrorIs(t, res.Err, ErrUnauthorized)
	assert.Equal(t, 0, res.DeadLettered)
	assert.False(t, res.Drained)
	assert.Equal(t, 3, q.Count())
	assert.Empty(t, q.DeadLetters())
}

func TestStore_Token(t *testing.T) {
	b, srv := newBackend(t)
	s := newStore(t, srv.URL, Options{Token: "opaque"})
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	s.SetToken(expired)

	err = s.Ping(ctx)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.True(t, model.IsTransient(err))

	valid, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	s.SetToken(valid)
	require.NoError(t, s.Ping(ctx))

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"Bearer opaque", "Bearer " + valid}, b.auth)
}

func TestBatch_Push(t *testing.T) {
	b, srv := newBackend(t)
	s := newStore(t, srv.URL, Options{})
	ctx := context.Background()

	batch := s.NewBatch()
	batch.Set("appointments", "a1", map[string]interface{}{"status": "BOOKED"})
	batch.Update("appointments", "a1", map[string]interface{}{"status": "CONFIRMED"})
	batch.Set("patients", "p1", map[string]interface{}{"name": "Ada"})
	batch.Delete("appointments", "a0")
	require.Equal(t, 4, batch.Len())
	require.NoError(t, batch.Commit(ctx))

	b.mu.Lock()
	assert.Equal(t, 3, b.pushes)
	assert.Equal(t, "CONFIRMED", b.docs["appointments"]["a1"]["status"])
	b.refuse = "patients"
	b.mu.Unlock()

	batch = s.NewBatch()
	batch.Set("patients", "p2", map[string]interface{}{"name": "Bo"})
	err := batch.Commit(ctx)
	assert.True(t, model.IsRejected(err))
}

func TestPushRequests_GroupsRuns(t *testing.T) {
	reqs := pushRequests([]types.BatchWrite{
		{Kind: types.WriteSet, Collection: "a", ID: "1"},
		{Kind: types.WriteUpdate, Collection: "a", ID: "1", Data: map[string]interface{}{"x": 1}},
		{Kind: types.WriteDelete, Collection: "b", ID: "2"},
		{Kind: types.WriteSet, Collection: "a", ID: "3"},
	})
	require.Len(t, reqs, 3)
	assert.Len(t, reqs[0].Changes, 2)
	assert.Equal(t, "update", reqs[0].Changes[1].Action)
	assert.Equal(t, "1", reqs[0].Changes[1].Doc.GetID())
	assert.Equal(t, "b", reqs[1].Collection)
}

func TestWatch_Collection(t *testing.T) {
	_, srv := newBackend(t)
	s := newStore(t, srv.URL, Options{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Set(ctx, "appointments", "a1", map[string]interface{}{"status": "BOOKED"}))

	ch, err := s.Watch(ctx, types.Target{Collection: "appointments"})
	require.NoError(t, err)

	first := <-ch
	require.Len(t, first.Documents, 1)

	require.NoError(t, s.Set(ctx, "appointments", "a2", map[string]interface{}{"status": "BOOKED"}))
	require.NoError(t, s.Delete(ctx, "appointments", "a1"))

	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return len(snap.Documents) == 1 && snap.Documents[0].GetID() == "a2"
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	for range ch {
	}
}

func TestWatch_DocumentClosesOnOutage(t *testing.T) {
	b, srv := newBackend(t)
	s := newStore(t, srv.URL, Options{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	ch, err := s.Watch(ctx, types.Target{Collection: "appointments", ID: "a1"})
	require.NoError(t, err)
	first := <-ch
	assert.Empty(t, first.Documents)

	b.mu.Lock()
	b.status = http.StatusBadGateway
	b.mu.Unlock()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not close")
	}
}
