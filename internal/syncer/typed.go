package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/offsync/internal/record"
)

// Typed adapts a Facade to a Go struct type T that round-trips through
// encoding/json. Fields of the cached entity that T does not declare are
// dropped by Update, since the typed value replaces the entity wholesale.
type Typed[T any] struct {
	facade *Facade
}

// NewTyped wraps f.
func NewTyped[T any](f *Facade) *Typed[T] {
	return &Typed[T]{facade: f}
}

// Facade returns the untyped facade.
func (t *Typed[T]) Facade() *Facade { return t.facade }

// List returns every cached entity as T.
func (t *Typed[T]) List(ctx context.Context, forceSync bool) ([]T, error) {
	entities, err := t.facade.List(ctx, forceSync)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entities))
	for _, e := range entities {
		v, err := fromEntity[T](e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Get returns the cached entity with id as T.
func (t *Typed[T]) Get(ctx context.Context, id string, forceSync bool) (T, bool, error) {
	var zero T
	e, ok, err := t.facade.Get(ctx, id, forceSync)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := fromEntity[T](e)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Create creates v and returns it with its assigned id.
func (t *Typed[T]) Create(ctx context.Context, v T) (T, error) {
	return t.mutate(ctx, v, t.facade.Create)
}

// Update replaces the entity identified by v's id.
func (t *Typed[T]) Update(ctx context.Context, v T) (T, error) {
	return t.mutate(ctx, v, t.facade.Update)
}

// Delete removes the entity with id.
func (t *Typed[T]) Delete(ctx context.Context, id string) error {
	return t.facade.Delete(ctx, id)
}

func (t *Typed[T]) mutate(ctx context.Context, v T, fn func(context.Context, record.Entity) (record.Entity, error)) (T, error) {
	var zero T
	e, err := toEntity(v)
	if err != nil {
		return zero, err
	}
	out, err := fn(ctx, e)
	if err != nil {
		return zero, err
	}
	return fromEntity[T](out)
}

func toEntity[T any](v T) (record.Entity, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, record.NewValidationError("encode entity", err.Error())
	}
	return record.DecodeEntity(data)
}

func fromEntity[T any](e record.Entity) (T, error) {
	var v T
	data, err := record.MarshalCanonical(e)
	if err != nil {
		return v, fmt.Errorf("encode entity: %w", err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
