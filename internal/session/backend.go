package session

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("session record not found")

// UpdateFunc receives the current record, nil when absent, and returns the
// record to store.
type UpdateFunc func(current []byte) ([]byte, error)

// Backend persists session records. Update must apply fn atomically with
// respect to other Update calls on the same key.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryBackend keeps records for the life of the process.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

func (b *MemoryBackend) Load(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), rec...), nil
}

func (b *MemoryBackend) Update(_ context.Context, key string, fn UpdateFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var cur []byte
	if rec, ok := b.records[key]; ok {
		cur = append([]byte(nil), rec...)
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	b.records[key] = next
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
