package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

const defaultLockWait = 2 * time.Second

// Memory is the in-process Store. Every key has a one-slot lock channel;
// WithExclusive acquires the sorted key set against a single deadline and
// stages writes, publishing them under the map mutex only after the callback
// succeeds. Readers therefore never observe a half-applied scope.
type Memory struct {
	mu       sync.RWMutex
	data     map[string]*Record
	locks    sync.Map // key -> chan struct{}, capacity 1
	lockWait time.Duration
}

func NewMemory() *Memory {
	return NewMemoryWithWait(defaultLockWait)
}

// NewMemoryWithWait bounds how long an exclusive scope acquisition may block
// before failing with ErrLockTimeout.
func NewMemoryWithWait(wait time.Duration) *Memory {
	return &Memory{
		data:     make(map[string]*Record),
		lockWait: wait,
	}
}

func (m *Memory) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyRecord(m.data[key])
}

func (m *Memory) List(_ context.Context, prefix string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for k, rec := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			cp, _ := copyRecord(rec)
			out = append(out, *cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) PutIfAbsent(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return ErrKeyExists
	}
	m.data[key] = &Record{Key: key, Version: 1, Value: raw}
	return nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, expectedVersion int64, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.data[key] = &Record{Key: key, Version: rec.Version + 1, Value: raw}
	return nil
}

func (m *Memory) WithExclusive(ctx context.Context, keys []string, fn func(Txn) error) error {
	ordered := orderedKeys(keys)

	deadline := time.NewTimer(m.lockWait)
	defer deadline.Stop()

	held := make([]string, 0, len(ordered))
	release := func() {
		// Reverse acquisition order.
		for i := len(held) - 1; i >= 0; i-- {
			ch, _ := m.locks.Load(held[i])
			<-ch.(chan struct{})
		}
	}

	for _, key := range ordered {
		ch := m.lockFor(key)
		select {
		case ch <- struct{}{}:
			held = append(held, key)
		case <-deadline.C:
			release()
			return fmt.Errorf("%w: key %s", ErrLockTimeout, key)
		case <-ctx.Done():
			release()
			return ctx.Err()
		}
	}
	defer release()

	tx := &memTxn{
		store:   m,
		scope:   make(map[string]bool, len(ordered)),
		writes:  make(map[string]json.RawMessage),
		deletes: make(map[string]bool),
	}
	for _, key := range ordered {
		tx.scope[key] = true
	}

	if err := fn(tx); err != nil {
		return err
	}

	// Publish the staged writes in one critical section.
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, raw := range tx.writes {
		version := int64(1)
		if prev, ok := m.data[key]; ok {
			version = prev.Version + 1
		}
		m.data[key] = &Record{Key: key, Version: version, Value: raw}
	}
	for key := range tx.deletes {
		delete(m.data, key)
	}
	return nil
}

func (m *Memory) lockFor(key string) chan struct{} {
	ch, _ := m.locks.LoadOrStore(key, make(chan struct{}, 1))
	return ch.(chan struct{})
}

// memTxn stages mutations for a held exclusive scope. Reads see the staged
// state; writes outside the scoped key set are refused.
type memTxn struct {
	store   *Memory
	scope   map[string]bool
	writes  map[string]json.RawMessage
	deletes map[string]bool
}

func (t *memTxn) Get(ctx context.Context, key string) (*Record, error) {
	if raw, ok := t.writes[key]; ok {
		return &Record{Key: key, Value: raw}, nil
	}
	if t.deletes[key] {
		return nil, ErrNotFound
	}
	return t.store.Get(ctx, key)
}

func (t *memTxn) Put(_ context.Context, key string, value any) error {
	if !t.scope[key] {
		return fmt.Errorf("put %s: key outside exclusive scope", key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	delete(t.deletes, key)
	t.writes[key] = raw
	return nil
}

func (t *memTxn) Delete(_ context.Context, key string) error {
	if !t.scope[key] {
		return fmt.Errorf("delete %s: key outside exclusive scope", key)
	}
	delete(t.writes, key)
	t.deletes[key] = true
	return nil
}

// orderedKeys returns the deduplicated key set in ascending order, the total
// order that prevents deadlock between opposite-direction scopes.
func orderedKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func copyRecord(rec *Record) (*Record, error) {
	if rec == nil {
		return nil, ErrNotFound
	}
	value := make(json.RawMessage, len(rec.Value))
	copy(value, rec.Value)
	return &Record{Key: rec.Key, Version: rec.Version, Value: value}, nil
}
