// Package boltstore is a pure-Go Local Object Store and Request Queue backed
// by bbolt. It implements the same contract as the SQLite store and is
// selected with backend "bolt".
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/record"
)

var (
	bucketObjects = []byte("objects")
	bucketKinds   = []byte("objects_by_kind")
	bucketQueue   = []byte("requests")
)

// objectRow and requestRow are the JSON values stored in the buckets.
type objectRow struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	InsertedAt int64           `json:"inserted_at"`
	Origin     record.Origin   `json:"origin"`
}

type requestRow struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	InsertedAt int64             `json:"inserted_at"`
}

// Store implements the object store and request queue on a bbolt file.
//
// Thread-safety: all methods are safe for concurrent use. bbolt serializes
// writers; mu additionally orders event publication with the mutation.
type Store struct {
	db     *bolt.DB
	bus    *event.Bus
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	pending atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithBus sets the bus that receives ObjectChanged events.
func WithBus(b *event.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithClock overrides the time source used to stamp inserted_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens (or creates) a bbolt database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	var count int64
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketObjects, bucketKinds, bucketQueue} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		c := tx.Bucket(bucketQueue).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &Store{db: db, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.pending.Store(count)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func seqKey(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

func kindKey(kind, id string) []byte {
	k := make([]byte, 0, len(kind)+1+len(id))
	k = append(k, kind...)
	k = append(k, 0)
	return append(k, id...)
}

func (s *Store) publish(change event.ObjectChange) {
	if s.bus != nil {
		event.Publish(s.bus, event.ObjectChanged, change)
	}
}

// Put upserts obj by id. See store.Store.Put for the contract.
func (s *Store) Put(_ context.Context, obj record.StoredObject) error {
	if obj.ID == "" || obj.Kind == "" {
		return record.NewValidationError("put object", "id and kind are required")
	}
	if obj.Origin == "" {
		obj.Origin = record.OriginClient
	}
	if !obj.Origin.Valid() {
		return record.NewValidationError("put object", "unknown origin "+string(obj.Origin))
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

	row := objectRow{Kind: obj.Kind, Payload: payload, InsertedAt: s.now().UnixMilli(), Origin: obj.Origin}
	data, err := encodeRow(row)
	if err != nil {
		return record.NewStorageError("put object "+obj.ID, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		kinds := tx.Bucket(bucketKinds)
		// A kind change must drop the old index entry.
		if prev := objects.Get([]byte(obj.ID)); prev != nil {
			var old objectRow
			if err := json.Unmarshal(prev, &old); err != nil {
				return err
			}
			if err := kinds.Delete(kindKey(old.Kind, obj.ID)); err != nil {
				return err
			}
		}
		if err := objects.Put([]byte(obj.ID), data); err != nil {
			return err
		}
		return kinds.Put(kindKey(obj.Kind, obj.ID), nil)
	})
	if err != nil {
		return record.NewStorageError("put object "+obj.ID, err)
	}

	stored := toObject(obj.ID, row)
	s.publish(event.ObjectChange{ID: obj.ID, Object: &stored})
	return nil
}

// Get returns the object stored under id.
func (s *Store) Get(_ context.Context, id string) (record.StoredObject, bool, error) {
	var (
		row   objectRow
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		// Unmarshal copies out of the mmap'd page.
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return record.StoredObject{}, false, record.NewStorageError("get object "+id, err)
	}
	if !found {
		return record.StoredObject{}, false, nil
	}
	return toObject(id, row), true, nil
}

// Remove deletes the object stored under id and publishes the removal.
func (s *Store) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		prev := objects.Get([]byte(id))
		if prev == nil {
			return nil
		}
		var old objectRow
		if err := json.Unmarshal(prev, &old); err != nil {
			return err
		}
		if err := tx.Bucket(bucketKinds).Delete(kindKey(old.Kind, id)); err != nil {
			return err
		}
		return objects.Delete([]byte(id))
	})
	if err != nil {
		return record.NewStorageError("remove object "+id, err)
	}

	s.publish(event.ObjectChange{ID: id})
	return nil
}

// ListByKind returns a snapshot of every object of kind, ordered by id.
// The whole scan runs in one read transaction.
func (s *Store) ListByKind(_ context.Context, kind string) ([]record.StoredObject, error) {
	objects := []record.StoredObject{}
	prefix := kindKey(kind, "")

	err := s.db.View(func(tx *bolt.Tx) error {
		byID := tx.Bucket(bucketObjects)
		c := tx.Bucket(bucketKinds).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			id := string(k[len(prefix):])
			data := byID.Get([]byte(id))
			if data == nil {
				continue
			}
			var row objectRow
			if err := json.Unmarshal(data, &row); err != nil {
				return err
			}
			objects = append(objects, toObject(id, row))
		}
		return nil
	})
	if err != nil {
		return nil, record.NewStorageError("list "+kind, err)
	}
	return objects, nil
}

// Enqueue validates req and appends it with the bucket's next sequence.
func (s *Store) Enqueue(_ context.Context, req record.QueuedRequest) (int64, error) {
	if err := record.ValidateRequest(req); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		next, err := b.NextSequence()
		if err != nil {
			return err
		}
		seq = int64(next)
		data, err := encodeRow(requestRow{
			URL:        req.URL,
			Method:     req.Method,
			Body:       req.Body,
			Headers:    req.Headers,
			InsertedAt: s.now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, record.NewStorageError("enqueue", err)
	}
	s.pending.Add(1)
	return seq, nil
}

// PeekOldest returns the lowest-sequence request without removing it.
func (s *Store) PeekOldest(_ context.Context) (record.QueuedRequest, bool, error) {
	var (
		req   record.QueuedRequest
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(bucketQueue).Cursor().First()
		if k == nil {
			return nil
		}
		found = true
		var err error
		req, err = toRequest(k, v)
		return err
	})
	if err != nil {
		return record.QueuedRequest{}, false, record.NewStorageError("peek oldest", err)
	}
	return req, found, nil
}

// Dequeue removes the request with the given sequence.
func (s *Store) Dequeue(_ context.Context, sequence int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		key := seqKey(sequence)
		if b.Get(key) == nil {
			return nil
		}
		removed = true
		return b.Delete(key)
	})
	if err != nil {
		return false, record.NewStorageError("dequeue", err)
	}
	if removed {
		s.pending.Add(-1)
	}
	return removed, nil
}

// ListRequests returns every queued request in sequence order.
func (s *Store) ListRequests(_ context.Context) ([]record.QueuedRequest, error) {
	reqs := []record.QueuedRequest{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			req, err := toRequest(k, v)
			if err != nil {
				return err
			}
			reqs = append(reqs, req)
			return nil
		})
	})
	if err != nil {
		return nil, record.NewStorageError("list requests", err)
	}
	return reqs, nil
}

// Count returns the number of queued requests.
func (s *Store) Count() int64 {
	return s.pending.Load()
}

// HasPending reports whether any request is queued.
func (s *Store) HasPending() bool {
	return s.Count() > 0
}

// encodeRow marshals v without HTML escaping so canonical payload bytes
// survive the round trip unchanged.
func encodeRow(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func toObject(id string, row objectRow) record.StoredObject {
	return record.StoredObject{
		ID:         id,
		Kind:       row.Kind,
		Payload:    append(json.RawMessage(nil), row.Payload...),
		InsertedAt: time.UnixMilli(row.InsertedAt).UTC(),
		Origin:     row.Origin,
	}
}

func toRequest(key, value []byte) (record.QueuedRequest, error) {
	var row requestRow
	if err := json.Unmarshal(value, &row); err != nil {
		return record.QueuedRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return record.QueuedRequest{
		Sequence:   int64(binary.BigEndian.Uint64(key)),
		Method:     row.Method,
		URL:        row.URL,
		Body:       row.Body,
		Headers:    row.Headers,
		InsertedAt: time.UnixMilli(row.InsertedAt).UTC(),
	}, nil
}
