package record

import (
	"encoding/json"
	"maps"
	"time"
)

// Origin records which side produced the current value of a StoredObject.
type Origin string

const (
	// OriginServer marks values written by a forced hydration.
	OriginServer Origin = "server"
	// OriginClient marks optimistic local writes.
	OriginClient Origin = "client"
)

// Valid reports whether o is one of the known origins.
func (o Origin) Valid() bool {
	return o == OriginServer || o == OriginClient
}

// StoredObject is a locally cached entity.
//
// At most one StoredObject exists per ID. Payload is canonical JSON owned by
// the store; Put copies it in and Get returns a fresh copy.
type StoredObject struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	InsertedAt time.Time       `json:"inserted_at"`
	Origin     Origin          `json:"origin"`
}

// Entity decodes the payload into a fresh JSON object.
func (o StoredObject) Entity() (Entity, error) {
	return DecodeEntity(o.Payload)
}

// QueuedRequest is a pending outbound mutation.
//
// Sequence is assigned by the queue and is the only ordering key. A request
// leaves the queue only after it has been executed successfully.
type QueuedRequest struct {
	Sequence   int64             `json:"sequence"`
	Method     string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	URL        string            `json:"url" validate:"required"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" validate:"omitempty,dive,keys,required,endkeys,required"`
	InsertedAt time.Time         `json:"inserted_at"`
}

// Clone returns a copy of r that shares no memory with it.
func (r QueuedRequest) Clone() QueuedRequest {
	c := r
	if r.Body != nil {
		c.Body = append(json.RawMessage(nil), r.Body...)
	}
	if r.Headers != nil {
		c.Headers = maps.Clone(r.Headers)
	}
	return c
}

// Entity is the decoded JSON object a facade works with.
// The "id" field carries the entity identifier.
type Entity map[string]any

// IDField is the entity field holding the identifier.
const IDField = "id"

// ID returns the entity id, or "" when absent or not a string.
func (e Entity) ID() string {
	id, _ := e[IDField].(string)
	return id
}

// DecodeEntity parses a JSON object into an Entity.
// Numbers are decoded as json.Number so that large integers survive.
func DecodeEntity(data []byte) (Entity, error) {
	v, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, NewValidationError("decode entity", "payload is not a JSON object")
	}
	return Entity(obj), nil
}

// Overlay returns a new entity holding base's fields with over's fields
// written on top. Neither input is modified.
func Overlay(base, over Entity) Entity {
	out := make(Entity, len(base)+len(over))
	maps.Copy(out, base)
	maps.Copy(out, over)
	return out
}
