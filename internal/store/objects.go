package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/record"
)

// Put upserts obj by id, stamps InsertedAt and stores a canonical copy of
// the payload. Publishes ObjectChanged with the stored value.
func (s *Store) Put(ctx context.Context, obj record.StoredObject) error {
	if err := validateObject(obj); err != nil {
		return err
	}
	if obj.Origin == "" {
		obj.Origin = record.OriginClient
	}
	raw := obj.Payload
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	payload, err := record.Canonicalize(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := record.StoredObject{
		ID:         obj.ID,
		Kind:       obj.Kind,
		Payload:    payload,
		InsertedAt: fromMillis(toMillis(s.now())),
		Origin:     obj.Origin,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO objects (id, kind, payload, inserted_at, origin)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			inserted_at = excluded.inserted_at,
			origin = excluded.origin
	`,
		stored.ID,
		stored.Kind,
		string(stored.Payload),
		toMillis(stored.InsertedAt),
		string(stored.Origin),
	)
	if err != nil {
		return record.NewStorageError("put object "+obj.ID, err)
	}

	s.logger.Debug("object stored", "id", stored.ID, "kind", stored.Kind, "origin", stored.Origin)
	s.publish(event.ObjectChange{ID: stored.ID, Object: &stored})
	return nil
}

// Get returns the object stored under id. Absence is reported as
// (zero, false, nil); the error is reserved for storage failures.
func (s *Store) Get(ctx context.Context, id string) (record.StoredObject, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, inserted_at, origin
		FROM objects
		WHERE id = ?
	`, id)

	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.StoredObject{}, false, nil
	}
	if err != nil {
		return record.StoredObject{}, false, record.NewStorageError("get object "+id, err)
	}
	return obj, true, nil
}

// Remove deletes the object stored under id and publishes ObjectChanged
// with a nil object. Removing an absent id still publishes.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id); err != nil {
		return record.NewStorageError("remove object "+id, err)
	}

	s.logger.Debug("object removed", "id", id)
	s.publish(event.ObjectChange{ID: id})
	return nil
}

// ListByKind returns a snapshot of every object of the given kind,
// ordered by id. Returns an empty slice (not nil) when there are none.
func (s *Store) ListByKind(ctx context.Context, kind string) ([]record.StoredObject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, inserted_at, origin
		FROM objects
		WHERE kind = ?
		ORDER BY id COLLATE BINARY ASC
	`, kind)
	if err != nil {
		return nil, record.NewStorageError("list "+kind, err)
	}
	defer rows.Close()

	objects := []record.StoredObject{}
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, record.NewStorageError("scan "+kind, err)
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, record.NewStorageError("iterate "+kind, err)
	}
	return objects, nil
}

func validateObject(obj record.StoredObject) error {
	if obj.ID == "" {
		return record.NewValidationError("put object", "id is required")
	}
	if obj.Kind == "" {
		return record.NewValidationError("put object", "kind is required")
	}
	if obj.Origin != "" && !obj.Origin.Valid() {
		return record.NewValidationError("put object", "unknown origin "+string(obj.Origin))
	}
	return nil
}
