package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"

	"github.com/roach88/offsync/internal/kinds"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/transport"
)

// Backend is the Local Object Store plus the enqueue side of the Request
// Queue. Both store implementations satisfy it.
type Backend interface {
	Put(ctx context.Context, obj record.StoredObject) error
	Get(ctx context.Context, id string) (record.StoredObject, bool, error)
	Remove(ctx context.Context, id string) error
	ListByKind(ctx context.Context, kind string) ([]record.StoredObject, error)
	Enqueue(ctx context.Context, req record.QueuedRequest) (int64, error)
}

// Transport fetches server state during forced hydration.
type Transport interface {
	Execute(ctx context.Context, method, url string, body json.RawMessage, headers map[string]string) (transport.Response, error)
}

// Trigger schedules a drain.
type Trigger interface {
	Trigger()
}

// Facade is the sync facade for one entity kind.
//
// Thread-safety: safe for concurrent use; each call is independent.
// Concurrent mutations of the same id follow last write wins locally and
// enqueue order remotely.
type Facade struct {
	kind      *kinds.Kind
	backend   Backend
	transport Transport
	drain     Trigger
	ids       IDGenerator
	headers   map[string]string
	logger    *slog.Logger
}

// Option configures a Facade.
type Option func(*Facade)

// WithIDGenerator overrides the UUID id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(f *Facade) {
		if g != nil {
			f.ids = g
		}
	}
}

// WithHeaders sets headers attached to every queued and hydration request.
func WithHeaders(h map[string]string) Option {
	return func(f *Facade) { f.headers = maps.Clone(h) }
}

// WithLogger sets the facade logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Facade) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFacade binds a facade to kind.
func NewFacade(kind *kinds.Kind, backend Backend, t Transport, drain Trigger, opts ...Option) *Facade {
	f := &Facade{
		kind:      kind,
		backend:   backend,
		transport: t,
		drain:     drain,
		ids:       UUIDGenerator{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Kind returns the kind this facade serves.
func (f *Facade) Kind() *kinds.Kind { return f.kind }

// List returns every cached entity of the kind, ordered by id. With
// forceSync the server's collection is hydrated first.
func (f *Facade) List(ctx context.Context, forceSync bool) ([]record.Entity, error) {
	if forceSync {
		if err := f.hydrateList(ctx); err != nil {
			return nil, err
		}
	}

	objs, err := f.backend.ListByKind(ctx, f.kind.Name)
	if err != nil {
		return nil, err
	}
	out := make([]record.Entity, 0, len(objs))
	for _, obj := range objs {
		e, err := obj.Entity()
		if err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", f.kind.Name, obj.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Get returns the cached entity with id. With forceSync the server's copy
// is hydrated first.
func (f *Facade) Get(ctx context.Context, id string, forceSync bool) (record.Entity, bool, error) {
	if forceSync {
		if err := f.hydrateOne(ctx, id); err != nil {
			return nil, false, err
		}
	}

	obj, ok, err := f.backend.Get(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	if obj.Kind != f.kind.Name {
		return nil, false, nil
	}
	e, err := obj.Entity()
	if err != nil {
		return nil, false, fmt.Errorf("decode %s %s: %w", f.kind.Name, id, err)
	}
	return e, true, nil
}

// Create assigns an id when entity has none, queues POST <resource> and
// caches the entity. It returns the optimistic entity.
func (f *Facade) Create(ctx context.Context, entity record.Entity) (record.Entity, error) {
	e := maps.Clone(entity)
	if e == nil {
		e = record.Entity{}
	}
	if v, present := e[record.IDField]; !present || v == nil {
		e[record.IDField] = f.ids.Generate()
	}
	id := e.ID()
	if id == "" {
		return nil, record.NewValidationError("create "+f.kind.Name, "id must be a non-empty string")
	}

	if _, _, err := f.cached(ctx, "create "+f.kind.Name, id); err != nil {
		return nil, err
	}

	payload, err := f.validate("create", e)
	if err != nil {
		return nil, err
	}
	// Queue first: a cached client entity always has its request queued.
	// A failed Put after this leaves the request in place.
	if err := f.mutate(ctx, "POST", f.kind.CollectionURL(), payload); err != nil {
		return nil, err
	}
	if err := f.put(ctx, id, payload); err != nil {
		return nil, err
	}
	f.logger.Debug("entity created", "kind", f.kind.Name, "id", id)
	f.drain.Trigger()
	return record.DecodeEntity(payload)
}

// Update queues PATCH <resource><id> and replaces the cached entity.
func (f *Facade) Update(ctx context.Context, entity record.Entity) (record.Entity, error) {
	id := entity.ID()
	if id == "" {
		return nil, record.NewValidationError("update "+f.kind.Name, "id is required")
	}

	if _, _, err := f.cached(ctx, "update "+f.kind.Name, id); err != nil {
		return nil, err
	}

	payload, err := f.validate("update", entity)
	if err != nil {
		return nil, err
	}
	if err := f.mutate(ctx, "PATCH", f.kind.ItemURL(id), payload); err != nil {
		return nil, err
	}
	if err := f.put(ctx, id, payload); err != nil {
		return nil, err
	}
	f.logger.Debug("entity updated", "kind", f.kind.Name, "id", id)
	f.drain.Trigger()
	return record.DecodeEntity(payload)
}

// Delete queues DELETE <resource><id> and removes the cached entity.
func (f *Facade) Delete(ctx context.Context, id string) error {
	if id == "" {
		return record.NewValidationError("delete "+f.kind.Name, "id is required")
	}
	if _, _, err := f.cached(ctx, "delete "+f.kind.Name, id); err != nil {
		return err
	}
	if err := f.mutate(ctx, "DELETE", f.kind.ItemURL(id), nil); err != nil {
		return err
	}
	if err := f.backend.Remove(ctx, id); err != nil {
		return err
	}
	f.logger.Debug("entity deleted", "kind", f.kind.Name, "id", id)
	f.drain.Trigger()
	return nil
}

// UpdateSub replaces one field of an entity through its sub-resource:
// it queues POST <resource><id>/<field> with value as the body and swaps
// the field in the cached copy. An entity missing from the cache is
// created holding just its id and the field.
func (f *Facade) UpdateSub(ctx context.Context, id, field string, value any) error {
	op := "update " + f.kind.Name + "." + field
	if id == "" || field == "" {
		return record.NewValidationError(op, "id and field are required")
	}
	if field == record.IDField {
		return record.NewValidationError(op, "the id field cannot be replaced")
	}

	body, err := record.EncodeValue(value)
	if err != nil {
		return record.NewValidationError(op, err.Error())
	}

	obj, ok, err := f.cached(ctx, op, id)
	if err != nil {
		return err
	}
	current := record.Entity{record.IDField: id}
	if ok {
		if current, err = obj.Entity(); err != nil {
			return fmt.Errorf("decode %s %s: %w", f.kind.Name, id, err)
		}
	}
	current[field] = value

	payload, err := f.validate("update", current)
	if err != nil {
		return err
	}
	if err := f.mutate(ctx, "POST", f.kind.FieldURL(id, field), body); err != nil {
		return err
	}
	if err := f.put(ctx, id, payload); err != nil {
		return err
	}
	f.logger.Debug("entity field updated", "kind", f.kind.Name, "id", id, "field", field)
	f.drain.Trigger()
	return nil
}

func (f *Facade) validate(verb string, e record.Entity) (json.RawMessage, error) {
	payload, err := record.MarshalCanonical(e)
	if err != nil {
		return nil, record.NewValidationError(verb+" "+f.kind.Name, err.Error())
	}
	if err := f.kind.Validate(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// cached returns the stored object with id. An id held by another kind
// is a ValidationError.
func (f *Facade) cached(ctx context.Context, op, id string) (record.StoredObject, bool, error) {
	obj, ok, err := f.backend.Get(ctx, id)
	if err != nil || !ok {
		return record.StoredObject{}, false, err
	}
	if obj.Kind != f.kind.Name {
		return record.StoredObject{}, false, record.NewValidationError(op, fmt.Sprintf("id %s is held by kind %s", id, obj.Kind))
	}
	return obj, true, nil
}

func (f *Facade) mutate(ctx context.Context, method, url string, body json.RawMessage) error {
	_, err := f.backend.Enqueue(ctx, record.QueuedRequest{
		Method:  method,
		URL:     url,
		Body:    body,
		Headers: maps.Clone(f.headers),
	})
	return err
}

func (f *Facade) put(ctx context.Context, id string, payload json.RawMessage) error {
	return f.backend.Put(ctx, record.StoredObject{
		ID:      id,
		Kind:    f.kind.Name,
		Payload: payload,
		Origin:  record.OriginClient,
	})
}
