package store

import (
	"context"
	"encoding/json"
	"errors"
)

// Store errors.
var (
	ErrNotFound        = errors.New("record not found")
	ErrKeyExists       = errors.New("key already exists")
	ErrVersionConflict = errors.New("record version conflict")
	ErrLockTimeout     = errors.New("exclusive scope acquisition timed out")
)

// Record is a versioned keyed document. Version starts at 1 and increments
// on every write, so compare-and-swap can detect lost updates.
type Record struct {
	Key     string
	Version int64
	Value   json.RawMessage
}

// Txn is the handle passed to WithExclusive callbacks. Writes issued through
// it become visible to other readers all at once when the callback returns
// nil, and not at all otherwise.
type Txn interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

// Store is durable keyed storage with single-key atomic primitives and a
// multi-key exclusive scope. The ledger engine expresses every multi-entity
// mutation through WithExclusive so the store, not the engine, guarantees
// that no observer sees a partial state.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	List(ctx context.Context, prefix string) ([]Record, error)
	PutIfAbsent(ctx context.Context, key string, value any) error
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value any) error

	// WithExclusive grants fn sole mutation rights over keys, acquiring them
	// in ascending key order regardless of the order given. It fails with
	// ErrLockTimeout if the scope cannot be acquired within the store's
	// bounded wait.
	WithExclusive(ctx context.Context, keys []string, fn func(Txn) error) error
}

// Decode unmarshals a record value into out, mapping a nil record to
// ErrNotFound so callers can chain lookups.
func Decode(rec *Record, out any) error {
	if rec == nil {
		return ErrNotFound
	}
	return json.Unmarshal(rec.Value, out)
}
