// Package types defines the contract medsync expects from the hosted
// document database.
package types

import (
	"context"

	"github.com/medislot/medsync/pkg/model"
)

// DefaultMaxBatchSize is the largest batch most document databases accept.
const DefaultMaxBatchSize = 500

// Target selects what a Watch observes: one document when ID is set,
// otherwise the whole collection.
type Target struct {
	Collection string
	ID         string
}

func (t Target) IsDocument() bool {
	return t.ID != ""
}

// Snapshot is the state of a Target at one point in time.
type Snapshot struct {
	Collection string
	ID         string
	// Documents holds zero or one entry for document targets.
	Documents []model.Document
	// FromCache marks data served locally that the server has not confirmed.
	FromCache bool
}

// Document returns the single document of a document snapshot, or nil.
func (s Snapshot) Document() model.Document {
	if len(s.Documents) == 0 {
		return nil
	}
	return s.Documents[0]
}

// Store is a remote document database.
//
// Get returns model.ErrNotFound for missing documents. Update merges fields
// into an existing document and fails with model.ErrNotFound when it does
// not exist. Delete of a missing document succeeds.
type Store interface {
	Get(ctx context.Context, collection, id string) (model.Document, error)
	Set(ctx context.Context, collection, id string, data map[string]interface{}) error
	// Add stores data under a server-assigned id and returns it.
	Add(ctx context.Context, collection string, data map[string]interface{}) (string, error)
	Update(ctx context.Context, collection, id string, data map[string]interface{}) error
	Delete(ctx context.Context, collection, id string) error

	NewBatch() Batch
	// MaxBatchSize is the most writes a single Batch may hold.
	MaxBatchSize() int

	// Watch streams snapshots of target until ctx is done or the connection
	// drops; the channel is closed in both cases.
	Watch(ctx context.Context, target Target) (<-chan Snapshot, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Batch collects writes that are committed atomically.
type Batch interface {
	Set(collection, id string, data map[string]interface{})
	Update(collection, id string, data map[string]interface{})
	Delete(collection, id string)
	Len() int
	Commit(ctx context.Context) error
}

// NetworkController toggles a store's connection to the server.
type NetworkController interface {
	EnableNetwork(ctx context.Context) error
	DisableNetwork(ctx context.Context) error
	NetworkEnabled() bool
}

// BatchWrite is one recorded Batch entry. Store implementations share it to
// build their batches.
type BatchWrite struct {
	Kind       WriteKind
	Collection string
	ID         string
	Data       map[string]interface{}
}

type WriteKind string

const (
	WriteSet    WriteKind = "set"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
)

// WriteList implements the recording half of Batch.
type WriteList struct {
	Writes []BatchWrite
}

func (l *WriteList) Set(collection, id string, data map[string]interface{}) {
	l.Writes = append(l.Writes, BatchWrite{Kind: WriteSet, Collection: collection, ID: id, Data: data})
}

func (l *WriteList) Update(collection, id string, data map[string]interface{}) {
	l.Writes = append(l.Writes, BatchWrite{Kind: WriteUpdate, Collection: collection, ID: id, Data: data})
}

func (l *WriteList) Delete(collection, id string) {
	l.Writes = append(l.Writes, BatchWrite{Kind: WriteDelete, Collection: collection, ID: id})
}

func (l *WriteList) Len() int {
	return len(l.Writes)
}
