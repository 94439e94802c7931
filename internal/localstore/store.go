// Package localstore provides the synchronous key-value storage the
// operation queue persists itself into.
package localstore

import (
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("localstore: key not found")

// ErrClosed is returned by every call made after Close.
var ErrClosed = errors.New("localstore: store closed")

// Store is a synchronous key-value store scoped to one client. Set must be
// durable once it returns nil.
type Store interface {
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set overwrites the value under key.
	Set(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	Close() error
}
