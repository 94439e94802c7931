package queue

import (
	"fmt"

	"github.com/medislot/medsync/pkg/model"
)

// OperationType is the kind of mutation a PendingOperation replays.
type OperationType string

const (
	OpAdd    OperationType = "add"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

func (t OperationType) IsValid() bool {
	switch t {
	case OpAdd, OpUpdate, OpDelete:
		return true
	}
	return false
}

// PendingOperation is one mutation waiting to be applied to the remote store.
type PendingOperation struct {
	ID         string                 `json:"id"`
	Type       OperationType          `json:"operationType"`
	Collection string                 `json:"collection"`
	DocumentID string                 `json:"documentId,omitempty"`
	Payload    map[string]interface{} `json:"data,omitempty"`
	// EnqueuedAt is milliseconds since the epoch, strictly increasing within a queue.
	EnqueuedAt int64  `json:"timestamp"`
	Attempts   int    `json:"attempts,omitempty"`
	LastError  string `json:"lastError,omitempty"`
}

// NewOperation builds an unqueued operation. Update and Delete must name a
// document; Delete carries no payload.
func NewOperation(typ OperationType, collection, documentID string, payload map[string]interface{}) (PendingOperation, error) {
	op := PendingOperation{
		Type:       typ,
		Collection: collection,
		DocumentID: documentID,
		Payload:    payload,
	}
	if typ == OpDelete {
		op.Payload = nil
	}
	if err := op.Validate(); err != nil {
		return PendingOperation{}, err
	}
	return op, nil
}

// Validate reports programmer errors. It never looks at ID or EnqueuedAt,
// which the queue assigns.
func (op PendingOperation) Validate() error {
	if !op.Type.IsValid() {
		return fmt.Errorf("%w: unknown operation type %q", model.ErrInvalidOperation, op.Type)
	}
	if op.Collection == "" {
		return fmt.Errorf("%w: collection is required", model.ErrInvalidOperation)
	}
	if (op.Type == OpUpdate || op.Type == OpDelete) && op.DocumentID == "" {
		return fmt.Errorf("%w: %s requires a document id", model.ErrInvalidOperation, op.Type)
	}
	if op.Type != OpDelete && op.Payload == nil {
		return fmt.Errorf("%w: %s requires a payload", model.ErrInvalidOperation, op.Type)
	}
	return nil
}

// Batchable reports whether the operation can join a batch commit. An add
// without a document id needs its own round trip to obtain one.
func (op PendingOperation) Batchable() bool {
	return !(op.Type == OpAdd && op.DocumentID == "")
}

func (op PendingOperation) clone() PendingOperation {
	if op.Payload != nil {
		op.Payload = model.Document(op.Payload).Clone()
	}
	return op
}

// DeadLetter is an operation that will not be retried automatically.
type DeadLetter struct {
	Operation PendingOperation `json:"operation"`
	Reason    string           `json:"reason"`
	FailedAt  int64            `json:"failedAt"`
}
