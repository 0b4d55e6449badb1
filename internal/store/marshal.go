package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/record"
)

// marshalHeaders converts request headers to JSON TEXT for storage.
// Go's json.Marshal sorts map keys, so equal header sets store identically.
func marshalHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}
	return string(data), nil
}

// unmarshalHeaders parses JSON TEXT to a header map.
// Returns nil for an empty object so round trips of header-less requests
// compare equal.
func unmarshalHeaders(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return nil, fmt.Errorf("unmarshal headers: %w", err)
	}
	return h, nil
}

// nullableBody maps an empty body to SQL NULL.
func nullableBody(body json.RawMessage) sql.NullString {
	if len(body) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(body), Valid: true}
}

func bodyFromNull(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return json.RawMessage(ns.String)
}

// toMillis and fromMillis store timestamps as Unix milliseconds.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanObject(row scanner) (record.StoredObject, error) {
	var (
		obj      record.StoredObject
		payload  string
		inserted int64
		origin   string
	)
	if err := row.Scan(&obj.ID, &obj.Kind, &payload, &inserted, &origin); err != nil {
		return record.StoredObject{}, err
	}
	obj.Payload = json.RawMessage(payload)
	obj.InsertedAt = fromMillis(inserted)
	obj.Origin = record.Origin(origin)
	return obj, nil
}

func scanRequest(row scanner) (record.QueuedRequest, error) {
	var (
		req      record.QueuedRequest
		body     sql.NullString
		headers  string
		inserted int64
	)
	if err := row.Scan(&req.Sequence, &req.URL, &req.Method, &body, &headers, &inserted); err != nil {
		return record.QueuedRequest{}, err
	}
	h, err := unmarshalHeaders(headers)
	if err != nil {
		return record.QueuedRequest{}, err
	}
	req.Body = bodyFromNull(body)
	req.Headers = h
	req.InsertedAt = fromMillis(inserted)
	return req, nil
}
