// Package store defines the persistence interface for the lending engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Everything is persisted as account records keyed by derived keys; typed
// access goes through the account package's layouts.
package store

import (
	"context"
	"errors"

	"github.com/atmx/lending-engine/internal/account"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("store: record not found")

// Reader reads records.
type Reader interface {
	// Get returns the record stored under key.
	Get(ctx context.Context, key string) (account.Record, error)

	// List returns every record whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]account.Record, error)
}

// Tx is a read-write view inside one atomic update.
type Tx interface {
	Reader

	// Put creates or replaces a record.
	Put(ctx context.Context, rec account.Record) error
}

// Store is the persistence interface. Update runs fn inside a transaction:
// all of its writes commit together when fn returns nil, none do otherwise.
// fn must read through tx only; reading the Store itself from inside fn may
// block until the transaction ends. fn may run more than once when the
// backend retries a conflicting transaction.
type Store interface {
	Reader
	Update(ctx context.Context, fn func(tx Tx) error) error
}
