// Package mongo stores documents in a single MongoDB collection keyed by a
// hash of collection and document id.
package mongo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/medislot/medsync/internal/remote/types"
	"github.com/medislot/medsync/pkg/model"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultRetention      = 7 * 24 * time.Hour
)

// Options configures Connect.
type Options struct {
	URI          string
	DatabaseName string
	Collection   string
	// Retention is how long soft-deleted records are kept before the TTL
	// index removes them.
	Retention    time.Duration
	MaxBatchSize int
	Logger       *slog.Logger
}

type record struct {
	ID         string                 `bson:"_id"`
	Collection string                 `bson:"collection"`
	DocID      string                 `bson:"doc_id"`
	Data       map[string]interface{} `bson:"data"`
	UpdatedAt  int64                  `bson:"updated_at"`
	Version    int64                  `bson:"version"`
	Deleted    bool                   `bson:"deleted,omitempty"`
	ExpiresAt  *time.Time             `bson:"expires_at,omitempty"`
}

// Store implements types.Store. Writes in a batch are sent as one ordered
// BulkWrite.
type Store struct {
	client    *mongo.Client
	coll      *mongo.Collection
	retention time.Duration
	maxBatch  int
	logger    *slog.Logger
	now       func() time.Time
	indexed   atomic.Bool
}

// Connect dials MongoDB and ensures indexes. An unreachable server is not
// an error: the store starts offline and creates indexes after the first
// successful Ping.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	clientOpts := options.Client().ApplyURI(opts.URI)
	if clientOpts.ConnectTimeout == nil {
		clientOpts.SetConnectTimeout(defaultConnectTimeout)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}

	s := newStore(client, client.Database(opts.DatabaseName).Collection(opts.Collection), opts)
	if err := s.Ping(ctx); err != nil {
		if model.IsRejected(err) {
			client.Disconnect(ctx)
			return nil, err
		}
		s.logger.Warn("MongoDB unreachable; starting offline", "error", err)
	}
	return s, nil
}

func newStore(client *mongo.Client, coll *mongo.Collection, opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = types.DefaultMaxBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		client:    client,
		coll:      coll,
		retention: opts.Retention,
		maxBatch:  opts.MaxBatchSize,
		logger:    opts.Logger.With("component", "remote-mongo"),
		now:       time.Now,
	}
}

// EnsureIndexes creates the lookup index and the TTL index for deletes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "collection", Value: 1}, {Key: "doc_id", Value: 1}},
	})
	if err != nil {
		return mapError(err)
	}
	_, err = s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return mapError(err)
}

// recordID is the stable _id of collection/id.
func recordID(collection, id string) string {
	hash := blake3.Sum256([]byte(collection + "/" + id))
	return hex.EncodeToString(hash[:16])
}

func liveFilter(collection, id string) bson.M {
	return bson.M{"_id": recordID(collection, id), "deleted": bson.M{"$ne": true}}
}

func (r *record) document() model.Document {
	doc := model.Document(r.Data).Clone()
	if doc == nil {
		doc = model.Document{}
	}
	doc.SetID(r.DocID)
	return doc
}

// Ping checks the server and, the first time it answers, ensures indexes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return mapError(err)
	}
	if s.indexed.Load() {
		return nil
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		return err
	}
	s.indexed.Store(true)
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (model.Document, error) {
	var rec record
	if err := s.coll.FindOne(ctx, liveFilter(collection, id)).Decode(&rec); err != nil {
		return nil, mapError(err)
	}
	return rec.document(), nil
}

func (s *Store) Set(ctx context.Context, collection, id string, data map[string]interface{}) error {
	return s.commit(ctx, []types.BatchWrite{{Kind: types.WriteSet, Collection: collection, ID: id, Data: data}})
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]interface{}) (string, error) {
	id := uuid.NewString()
	if err := s.Set(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, data map[string]interface{}) error {
	return s.commit(ctx, []types.BatchWrite{{Kind: types.WriteUpdate, Collection: collection, ID: id, Data: data}})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.commit(ctx, []types.BatchWrite{{Kind: types.WriteDelete, Collection: collection, ID: id}})
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
	if len(b.Writes) > b.store.maxBatch {
		return model.Reject(400, fmt.Sprintf("batch of %d exceeds limit %d", len(b.Writes), b.store.maxBatch), model.ErrInvalidOperation)
	}
	return b.store.commit(ctx, b.Writes)
}

func (s *Store) commit(ctx context.Context, writes []types.BatchWrite) error {
	if len(writes) == 0 {
		return nil
	}
	models, updates, err := s.buildModels(writes)
	if err != nil {
		return err
	}
	// Updates of documents not written earlier in the batch must already
	// exist, otherwise nothing is applied.
	if len(updates) > 0 {
		n, err := s.coll.CountDocuments(ctx, bson.M{"_id": bson.M{"$in": updates}, "deleted": bson.M{"$ne": true}})
		if err != nil {
			return mapError(err)
		}
		if int(n) < len(updates) {
			return fmt.Errorf("update of missing document: %w", model.ErrNotFound)
		}
	}
	_, err = s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return mapError(err)
}

// buildModels converts writes into bulk models. It also returns the ids of
// updated records that must exist before the batch runs.
func (s *Store) buildModels(writes []types.BatchWrite) ([]mongo.WriteModel, []string, error) {
	now := s.now()
	models := make([]mongo.WriteModel, 0, len(writes))
	// live tracks records written earlier in the batch: true after a set,
	// false after a delete.
	live := make(map[string]bool)
	var mustExist []string
	seen := make(map[string]bool)

	for _, w := range writes {
		if w.Collection == "" || w.ID == "" {
			return nil, nil, model.Reject(400, "collection and id are required", model.ErrInvalidOperation)
		}
		rid := recordID(w.Collection, w.ID)
		switch w.Kind {
		case types.WriteSet:
			data := model.Document(w.Data).WithoutID()
			if data == nil {
				data = model.Document{}
			}
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": rid}).
				SetReplacement(record{
					ID:         rid,
					Collection: w.Collection,
					DocID:      w.ID,
					Data:       data,
					UpdatedAt:  now.UnixMilli(),
				}).
				SetUpsert(true))
			live[rid] = true
		case types.WriteUpdate:
			alive, touched := live[rid]
			if touched && !alive {
				return nil, nil, fmt.Errorf("update %s/%s: %w", w.Collection, w.ID, model.ErrNotFound)
			}
			if !touched && !seen[rid] {
				mustExist = append(mustExist, rid)
				seen[rid] = true
			}
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": rid, "deleted": bson.M{"$ne": true}}).
				SetUpdate(patchUpdate(w.Data, now)))
		case types.WriteDelete:
			expires := now.Add(s.retention)
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": rid}).
				SetUpdate(bson.M{
					"$set": bson.M{
						"deleted":    true,
						"data":       bson.M{},
						"updated_at": now.UnixMilli(),
						"expires_at": expires,
					},
					"$inc": bson.M{"version": 1},
				}))
			live[rid] = false
		default:
			return nil, nil, model.Reject(400, "unknown write kind "+string(w.Kind), model.ErrInvalidOperation)
		}
	}
	return models, mustExist, nil
}

func patchUpdate(data map[string]interface{}, now time.Time) bson.M {
	set := bson.M{"updated_at": now.UnixMilli()}
	for k, v := range data {
		if k == "id" {
			continue
		}
		set["data."+k] = v
	}
	return bson.M{
		"$set": set,
		"$inc": bson.M{"version": 1},
	}
}

// Watch opens a change stream and emits a fresh snapshot of target after
// every change that touches it.
func (s *Store) Watch(ctx context.Context, target types.Target) (<-chan types.Snapshot, error) {
	match := bson.D{{Key: "fullDocument.collection", Value: target.Collection}}
	if target.IsDocument() {
		match = append(match, bson.E{Key: "fullDocument.doc_id", Value: target.ID})
	}
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: match}}}
	stream, err := s.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, mapError(err)
	}

	out := make(chan types.Snapshot, 1)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())

		send := func() bool {
			snap, err := s.snapshot(ctx, target)
			if err != nil {
				s.logger.Warn("Snapshot query failed", "collection", target.Collection, "id", target.ID, "error", err)
				return false
			}
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send() {
			return
		}
		for stream.Next(ctx) {
			if !send() {
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			s.logger.Warn("Change stream ended", "collection", target.Collection, "error", err)
		}
	}()
	return out, nil
}

func (s *Store) snapshot(ctx context.Context, target types.Target) (types.Snapshot, error) {
	snap := types.Snapshot{Collection: target.Collection, ID: target.ID}
	if target.IsDocument() {
		doc, err := s.Get(ctx, target.Collection, target.ID)
		if errors.Is(err, model.ErrNotFound) {
			return snap, nil
		}
		if err != nil {
			return snap, err
		}
		snap.Documents = []model.Document{doc}
		return snap, nil
	}

	cursor, err := s.coll.Find(ctx,
		bson.M{"collection": target.Collection, "deleted": bson.M{"$ne": true}},
		options.Find().SetSort(bson.D{{Key: "doc_id", Value: 1}}))
	if err != nil {
		return snap, mapError(err)
	}
	defer cursor.Close(ctx)

	var recs []record
	if err := cursor.All(ctx, &recs); err != nil {
		return snap, mapError(err)
	}
	for i := range recs {
		snap.Documents = append(snap.Documents, recs[i].document())
	}
	return snap, nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
