package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/consensio/backend/internal/entity"
)

// Change records one committed mutation for the fan-out layer.
// Old and New are nil for create and delete respectively.
type Change struct {
	Kind entity.Kind
	ID   string
	Old  entity.Entity
	New  entity.Entity
}

// managerCore is the kind-erased view the store keeps in its registry.
type managerCore interface {
	entityKind() entity.Kind
	derefNonBlocking(id string) (entity.Entity, bool)
	derefBlocking(ctx context.Context, id string) (entity.Entity, error)
	load(ctx context.Context) error
}

// Manager owns the authoritative collection for one entity kind. It is the
// single place mutations of that kind happen: every mutator persists the new
// snapshot through the backend, replaces the in-memory snapshot atomically,
// fires index callbacks and records a change for the fan-out layer. All
// mutators run under the store's global mutation lock (acquiring it
// themselves when the caller has not).
type Manager[T entity.Entity] struct {
	store *Store
	kind  entity.Kind

	mu       sync.RWMutex
	entities map[string]T

	// Callbacks maintain derived indexes. Registered during store
	// construction only; they run synchronously under the mutation lock.
	added   []func(T)
	updated []func(old, new T)
	deleted []func(T)
}

func newManager[T entity.Entity](s *Store) *Manager[T] {
	var zero T
	m := &Manager[T]{
		store:    s,
		kind:     zero.EntityKind(),
		entities: make(map[string]T),
	}
	s.managers[m.kind] = m
	return m
}

func (m *Manager[T]) entityKind() entity.Kind { return m.kind }

// OnAdded registers a callback fired after an entity is inserted.
func (m *Manager[T]) OnAdded(cb func(T)) { m.added = append(m.added, cb) }

// OnUpdated registers a callback fired after an entity snapshot is replaced.
func (m *Manager[T]) OnUpdated(cb func(old, new T)) { m.updated = append(m.updated, cb) }

// OnDeleted registers a callback fired after an entity is removed.
func (m *Manager[T]) OnDeleted(cb func(T)) { m.deleted = append(m.deleted, cb) }

// OnAddedOrUpdated registers a callback fired with the new snapshot on both
// insert and replace.
func (m *Manager[T]) OnAddedOrUpdated(cb func(T)) {
	m.OnAdded(cb)
	m.OnUpdated(func(_, new T) { cb(new) })
}

// Get is a non-blocking lookup against the in-memory authoritative state.
func (m *Manager[T]) Get(id string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	return e, ok
}

// GetBlocking resolves the entity, falling back to the persistence backend
// when it is not cached. Returns ErrDanglingRef when truly absent.
func (m *Manager[T]) GetBlocking(ctx context.Context, id string) (T, error) {
	if e, ok := m.Get(id); ok {
		return e, nil
	}
	var zero T
	doc, err := m.store.backend.GetDoc(ctx, m.kind, id)
	if err != nil {
		return zero, fmt.Errorf("load %s/%s: %w", m.kind, id, err)
	}
	if doc == nil {
		return zero, fmt.Errorf("%s/%s: %w", m.kind, id, ErrDanglingRef)
	}
	var e T
	if err := json.Unmarshal(doc, &e); err != nil {
		return zero, fmt.Errorf("decode %s/%s: %w", m.kind, id, err)
	}
	return e, nil
}

// All returns a snapshot copy of the collection.
func (m *Manager[T]) All() map[string]T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]T, len(m.entities))
	for id, e := range m.entities {
		out[id] = e
	}
	return out
}

// Count returns the number of entities in the collection.
func (m *Manager[T]) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

// Create inserts a new entity, failing with ErrConflict when the id is
// already present. An empty id is rejected with ErrValidation; callers
// assign ids with entity.NewID.
func (m *Manager[T]) Create(ctx context.Context, e T) (T, error) {
	var out T
	err := m.store.WithMutationLock(ctx, func(ctx context.Context) error {
		id := e.EntityID()
		if id == "" {
			return fmt.Errorf("create %s: empty id: %w", m.kind, ErrValidation)
		}
		if _, exists := m.Get(id); exists {
			return fmt.Errorf("create %s/%s: %w", m.kind, id, ErrConflict)
		}
		if err := m.persist(ctx, e); err != nil {
			return err
		}
		m.insertLocked(e)
		out = e
		return nil
	})
	return out, err
}

// Replace fully replaces the entity snapshot. Without upsert it fails with
// ErrNotFound when the entity is absent; with upsert it inserts instead.
func (m *Manager[T]) Replace(ctx context.Context, e T, upsert bool) (T, error) {
	var out T
	err := m.store.WithMutationLock(ctx, func(ctx context.Context) error {
		id := e.EntityID()
		if id == "" {
			return fmt.Errorf("replace %s: empty id: %w", m.kind, ErrValidation)
		}
		old, exists := m.Get(id)
		if !exists {
			if !upsert {
				return fmt.Errorf("replace %s/%s: %w", m.kind, id, ErrNotFound)
			}
			if err := m.persist(ctx, e); err != nil {
				return err
			}
			m.insertLocked(e)
			out = e
			return nil
		}
		if err := m.persist(ctx, e); err != nil {
			return err
		}
		m.replaceLocked(old, e)
		out = e
		return nil
	})
	return out, err
}

// Modify reads the current snapshot, applies transform and writes the result
// as a new snapshot. The transform must keep the id unchanged. Correctness
// of transforms that depend on other managers' state requires running the
// combined operation under WithMutationLock or WithTransaction.
func (m *Manager[T]) Modify(ctx context.Context, id string, transform func(T) (T, error)) (T, error) {
	var out T
	err := m.store.WithMutationLock(ctx, func(ctx context.Context) error {
		old, exists := m.Get(id)
		if !exists {
			return fmt.Errorf("modify %s/%s: %w", m.kind, id, ErrNotFound)
		}
		new, err := transform(old)
		if err != nil {
			return err
		}
		if new.EntityID() != id {
			return fmt.Errorf("modify %s/%s: transform changed id to %q: %w", m.kind, id, new.EntityID(), ErrValidation)
		}
		if err := m.persist(ctx, new); err != nil {
			return err
		}
		m.replaceLocked(old, new)
		out = new
		return nil
	})
	return out, err
}

// Delete removes the entity. It fails with ErrNotFound unless
// ignoreNonexistent is set, in which case re-deleting is a no-op.
func (m *Manager[T]) Delete(ctx context.Context, id string, ignoreNonexistent bool) error {
	return m.store.WithMutationLock(ctx, func(ctx context.Context) error {
		old, exists := m.Get(id)
		if !exists {
			if ignoreNonexistent {
				return nil
			}
			return fmt.Errorf("delete %s/%s: %w", m.kind, id, ErrNotFound)
		}
		if err := m.store.backend.DeleteDoc(ctx, m.kind, id); err != nil {
			return fmt.Errorf("delete %s/%s: %w", m.kind, id, err)
		}
		m.mu.Lock()
		delete(m.entities, id)
		m.mu.Unlock()
		for _, cb := range m.deleted {
			cb(old)
		}
		m.store.publishLocked(Change{Kind: m.kind, ID: id, Old: old})
		return nil
	})
}

func (m *Manager[T]) persist(ctx context.Context, e T) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", m.kind, e.EntityID(), err)
	}
	if err := m.store.backend.PutDoc(ctx, m.kind, e.EntityID(), doc); err != nil {
		return fmt.Errorf("store %s/%s: %w", m.kind, e.EntityID(), err)
	}
	return nil
}

func (m *Manager[T]) insertLocked(e T) {
	m.mu.Lock()
	m.entities[e.EntityID()] = e
	m.mu.Unlock()
	for _, cb := range m.added {
		cb(e)
	}
	m.store.publishLocked(Change{Kind: m.kind, ID: e.EntityID(), New: e})
}

func (m *Manager[T]) replaceLocked(old, new T) {
	m.mu.Lock()
	m.entities[new.EntityID()] = new
	m.mu.Unlock()
	for _, cb := range m.updated {
		cb(old, new)
	}
	m.store.publishLocked(Change{Kind: m.kind, ID: new.EntityID(), Old: old, New: new})
}

func (m *Manager[T]) derefNonBlocking(id string) (entity.Entity, bool) {
	e, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	return e, true
}

func (m *Manager[T]) derefBlocking(ctx context.Context, id string) (entity.Entity, error) {
	e, err := m.GetBlocking(ctx, id)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// load replays the backend collection into memory, firing added callbacks so
// indexes are rebuilt. Derived aggregates are recalculated by the store once
// all managers have loaded.
func (m *Manager[T]) load(ctx context.Context) error {
	docs, err := m.store.backend.ListDocs(ctx, m.kind)
	if err != nil {
		return fmt.Errorf("load %s: %w", m.kind, err)
	}
	for id, doc := range docs {
		var e T
		if err := json.Unmarshal(doc, &e); err != nil {
			return fmt.Errorf("decode %s/%s: %w", m.kind, id, err)
		}
		m.mu.Lock()
		m.entities[e.EntityID()] = e
		m.mu.Unlock()
		for _, cb := range m.added {
			cb(e)
		}
	}
	return nil
}
