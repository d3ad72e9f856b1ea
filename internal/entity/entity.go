// Package entity provides typed identity for domain objects: entity kinds,
// id generation, and lightweight references that can be embedded in other
// entities instead of full copies.
package entity

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
)

// Kind tags an entity collection. The set of kinds is closed; managers are
// registered per kind at store construction.
type Kind string

const (
	KindRoom           Kind = "room"
	KindQuestion       Kind = "question"
	KindUser           Kind = "user"
	KindSession        Kind = "session"
	KindPrediction     Kind = "prediction"
	KindPredictionHist Kind = "prediction_hist"
	KindGroupPredHist  Kind = "group_prediction_hist"
	KindComment        Kind = "comment"
)

// Kinds lists every registered entity kind.
func Kinds() []Kind {
	return []Kind{
		KindRoom, KindQuestion, KindUser, KindSession,
		KindPrediction, KindPredictionHist, KindGroupPredHist, KindComment,
	}
}

// Entity is any domain object with a globally unique string id within its
// kind. Entities are immutable value snapshots; a mutation produces a new
// snapshot that replaces the old one atomically in its manager.
type Entity interface {
	EntityID() string
	EntityKind() Kind
}

// Resolver resolves (kind, id) pairs against in-memory authoritative state
// without suspending. Implemented by the global state aggregates.
type Resolver interface {
	DerefNonBlocking(kind Kind, id string) (Entity, bool)
}

// BlockingResolver resolves (kind, id) pairs, awaiting external storage if
// the entity is not cached in memory.
type BlockingResolver interface {
	DerefBlocking(ctx context.Context, kind Kind, id string) (Entity, error)
}

// Ref is a serializable (kind, id) handle. It carries no entity data and is
// safe to embed in other entities and store long-term. On the wire it is
// just the id string; the kind is implied by the field's type.
type Ref[T Entity] struct {
	ID string
}

// RefTo builds a reference to the entity of type T with the given id.
func RefTo[T Entity](id string) Ref[T] {
	return Ref[T]{ID: id}
}

// NewRef builds a reference to an existing entity.
func NewRef[T Entity](e T) Ref[T] {
	return Ref[T]{ID: e.EntityID()}
}

// Kind reports the entity kind this reference points to.
func (r Ref[T]) Kind() Kind {
	var zero T
	return zero.EntityKind()
}

// IsZero reports whether the reference is empty.
func (r Ref[T]) IsZero() bool { return r.ID == "" }

// Deref resolves the reference against in-memory state. It returns false if
// the entity is gone or resolution would require blocking.
func (r Ref[T]) Deref(res Resolver) (T, bool) {
	var zero T
	if r.ID == "" {
		return zero, false
	}
	e, ok := res.DerefNonBlocking(r.Kind(), r.ID)
	if !ok {
		return zero, false
	}
	t, ok := e.(T)
	return t, ok
}

// DerefBlocking always resolves, awaiting external storage if necessary.
// It fails with the resolver's dangling-reference error if the entity truly
// does not exist.
func (r Ref[T]) DerefBlocking(ctx context.Context, res BlockingResolver) (T, error) {
	var zero T
	e, err := res.DerefBlocking(ctx, r.Kind(), r.ID)
	if err != nil {
		return zero, err
	}
	t, ok := e.(T)
	if !ok {
		return zero, fmt.Errorf("entity %s/%s has unexpected type", r.Kind(), r.ID)
	}
	return t, nil
}

// Is reports identity equality with an entity: kind and id match, regardless
// of snapshot version.
func (r Ref[T]) Is(e T) bool {
	return r.ID != "" && r.ID == e.EntityID()
}

func (r Ref[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ID)
}

func (r *Ref[T]) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	r.ID = id
	return nil
}

// SameID compares two entities by identity: kind and id, never structure.
// Used for ownership and permission checks.
func SameID(a, b Entity) bool {
	if a == nil || b == nil {
		return false
	}
	return a.EntityKind() == b.EntityKind() && a.EntityID() != "" && a.EntityID() == b.EntityID()
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// IDLength is the length of generated entity ids.
const IDLength = 16

// NewID returns a fresh 16-character lowercase alphanumeric entity id.
func NewID() string {
	buf := make([]byte, IDLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("entity: id entropy unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}
