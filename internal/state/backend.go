package state

import (
	"context"
	"sync"

	"github.com/consensio/backend/internal/entity"
)

// Backend is the persistence collaborator: a document store keyed by
// (kind, id). Implementations must be safe for concurrent use. GetDoc
// returns (nil, nil) when the document does not exist.
//
// WithTx runs fn inside a storage transaction when the backend supports
// one; document operations performed with the context passed to fn join
// that transaction.
type Backend interface {
	GetDoc(ctx context.Context, kind entity.Kind, id string) ([]byte, error)
	ListDocs(ctx context.Context, kind entity.Kind) (map[string][]byte, error)
	PutDoc(ctx context.Context, kind entity.Kind, id string, doc []byte) error
	DeleteDoc(ctx context.Context, kind entity.Kind, id string) error
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// MemoryBackend keeps documents in process memory. Used in dev mode and
// tests; it has no real transactions, WithTx just runs fn.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[entity.Kind]map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[entity.Kind]map[string][]byte)}
}

var _ Backend = (*MemoryBackend)(nil)

func (b *MemoryBackend) GetDoc(_ context.Context, kind entity.Kind, id string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok := b.docs[kind][id]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

func (b *MemoryBackend) ListDocs(_ context.Context, kind entity.Kind) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]byte, len(b.docs[kind]))
	for id, doc := range b.docs[kind] {
		cp := make([]byte, len(doc))
		copy(cp, doc)
		out[id] = cp
	}
	return out, nil
}

func (b *MemoryBackend) PutDoc(_ context.Context, kind entity.Kind, id string, doc []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.docs[kind] == nil {
		b.docs[kind] = make(map[string][]byte)
	}
	cp := make([]byte, len(doc))
	copy(cp, doc)
	b.docs[kind][id] = cp
	return nil
}

func (b *MemoryBackend) DeleteDoc(_ context.Context, kind entity.Kind, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs[kind], id)
	return nil
}

func (b *MemoryBackend) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
