package stability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Store persists batches so a restart resumes where it left off.
type Store interface {
	Load(ctx context.Context) (map[string]Batch, error)
	Save(ctx context.Context, batch Batch) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps batches in process memory only.
type MemoryStore struct {
	mu      sync.Mutex
	batches map[string]Batch
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{batches: make(map[string]Batch)}
}

func (m *MemoryStore) Load(context.Context) (map[string]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Batch, len(m.batches))
	for key, batch := range m.batches {
		out[key] = batch.clone()
	}
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batch.Key] = batch.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.batches, key)
	return nil
}

// BatchBackend is the raw key/payload persistence the ledger exposes.
type BatchBackend interface {
	SaveBatch(ctx context.Context, key string, payload []byte) error
	LoadBatches(ctx context.Context) (map[string][]byte, error)
	DeleteBatch(ctx context.Context, key string) error
}

// LedgerStore stores batches as JSON snapshots in the tracking ledger.
type LedgerStore struct {
	backend BatchBackend
}

// NewLedgerStore wraps the ledger batch table.
func NewLedgerStore(backend BatchBackend) *LedgerStore {
	return &LedgerStore{backend: backend}
}

func (s *LedgerStore) Load(ctx context.Context) (map[string]Batch, error) {
	raw, err := s.backend.LoadBatches(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Batch, len(raw))
	for key, payload := range raw {
		var batch Batch
		if err := json.Unmarshal(payload, &batch); err != nil {
			return nil, fmt.Errorf("stability: decode batch %s: %w", key, err)
		}
		batch.Key = key
		out[key] = batch
	}
	return out, nil
}

func (s *LedgerStore) Save(ctx context.Context, batch Batch) error {
	encoded, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("stability: encode batch %s: %w", batch.Key, err)
	}
	return s.backend.SaveBatch(ctx, batch.Key, encoded)
}

func (s *LedgerStore) Delete(ctx context.Context, key string) error {
	return s.backend.DeleteBatch(ctx, key)
}
