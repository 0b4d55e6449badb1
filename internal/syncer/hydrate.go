package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/offsync/internal/record"
)

// fetched is one server value waiting to be written.
type fetched struct {
	id     string
	entity record.Entity
}

// hydrateList pulls the server's collection into the store. Every fetch
// completes before the first write; any failed fetch writes nothing.
func (f *Facade) hydrateList(ctx context.Context) error {
	op := "hydrate " + f.kind.Name

	body, err := f.fetch(ctx, f.kind.CollectionURL())
	if err != nil {
		return record.NewHydrationError(op, err)
	}
	var listing []record.Entity
	if err := json.Unmarshal(body, &listing); err != nil {
		return record.NewHydrationError(op, fmt.Errorf("decode listing: %w", err))
	}

	values := make([]fetched, 0, len(listing))
	for i, item := range listing {
		id := item.ID()
		if id == "" {
			return record.NewHydrationError(op, fmt.Errorf("listing[%d] has no id", i))
		}
		e, err := f.fetchEntity(ctx, id)
		if err != nil {
			return record.NewHydrationError(op, err)
		}
		values = append(values, fetched{id: id, entity: e})
	}

	if err := f.writeServerValues(ctx, op, values); err != nil {
		return err
	}
	f.logger.Info("hydrated", "kind", f.kind.Name, "count", len(values))
	return nil
}

// hydrateOne pulls one server entity into the store.
func (f *Facade) hydrateOne(ctx context.Context, id string) error {
	op := "hydrate " + f.kind.Name + " " + id
	e, err := f.fetchEntity(ctx, id)
	if err != nil {
		return record.NewHydrationError(op, err)
	}
	return f.writeServerValues(ctx, op, []fetched{{id: id, entity: e}})
}

// writeServerValues overlays each server value onto the cached one, server
// fields winning, and stores the result with origin server. An id cached
// under another kind fails the whole batch before anything is written.
func (f *Facade) writeServerValues(ctx context.Context, op string, values []fetched) error {
	objs := make([]record.StoredObject, 0, len(values))
	for _, v := range values {
		base := record.Entity{}
		obj, ok, err := f.backend.Get(ctx, v.id)
		if err != nil {
			return err
		}
		if ok && obj.Kind != f.kind.Name {
			return record.NewHydrationError(op, fmt.Errorf("id %s is held by kind %s", v.id, obj.Kind))
		}
		if ok {
			if local, err := obj.Entity(); err == nil {
				base = local
			}
		}

		merged := record.Overlay(base, v.entity)
		merged[record.IDField] = v.id
		payload, err := record.MarshalCanonical(merged)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", f.kind.Name, v.id, err)
		}
		objs = append(objs, record.StoredObject{
			ID:      v.id,
			Kind:    f.kind.Name,
			Payload: payload,
			Origin:  record.OriginServer,
		})
	}

	for _, obj := range objs {
		if err := f.backend.Put(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}

func (f *Facade) fetchEntity(ctx context.Context, id string) (record.Entity, error) {
	body, err := f.fetch(ctx, f.kind.ItemURL(id))
	if err != nil {
		return nil, err
	}
	e, err := record.DecodeEntity(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return e, nil
}

func (f *Facade) fetch(ctx context.Context, url string) (json.RawMessage, error) {
	resp, err := f.transport.Execute(ctx, "GET", url, nil, f.headers)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.Status)
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("GET %s: empty body", url)
	}
	return resp.Body, nil
}
