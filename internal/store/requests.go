package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/offsync/internal/record"
)

// Enqueue validates req, assigns the next sequence and appends it.
// Returns the assigned sequence. A malformed request is rejected with a
// validation error and the queue is left untouched.
func (s *Store) Enqueue(ctx context.Context, req record.QueuedRequest) (int64, error) {
	if err := record.ValidateRequest(req); err != nil {
		return 0, err
	}
	headers, err := marshalHeaders(req.Headers)
	if err != nil {
		return 0, record.NewValidationError("enqueue", err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (url, method, body, headers, inserted_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		req.URL,
		req.Method,
		nullableBody(req.Body),
		headers,
		toMillis(s.now()),
	)
	if err != nil {
		return 0, record.NewStorageError("enqueue", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, record.NewStorageError("enqueue: last insert id", err)
	}
	s.pending.Add(1)

	s.logger.Debug("request enqueued", "sequence", seq, "method", req.Method, "url", req.URL)
	return seq, nil
}

// PeekOldest returns the lowest-sequence request without removing it.
func (s *Store) PeekOldest(ctx context.Context) (record.QueuedRequest, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sequence, url, method, body, headers, inserted_at
		FROM requests
		ORDER BY sequence ASC
		LIMIT 1
	`)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.QueuedRequest{}, false, nil
	}
	if err != nil {
		return record.QueuedRequest{}, false, record.NewStorageError("peek oldest", err)
	}
	return req, true, nil
}

// Dequeue removes the request with the given sequence.
// Returns false if no such request was queued.
func (s *Store) Dequeue(ctx context.Context, sequence int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE sequence = ?`, sequence)
	if err != nil {
		return false, record.NewStorageError("dequeue", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, record.NewStorageError("dequeue: rows affected", err)
	}
	if n == 0 {
		return false, nil
	}
	s.pending.Add(-1)

	s.logger.Debug("request dequeued", "sequence", sequence)
	return true, nil
}

// ListRequests returns every queued request in sequence order.
func (s *Store) ListRequests(ctx context.Context) ([]record.QueuedRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, url, method, body, headers, inserted_at
		FROM requests
		ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, record.NewStorageError("list requests", err)
	}
	defer rows.Close()

	reqs := []record.QueuedRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, record.NewStorageError("scan request", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, record.NewStorageError("iterate requests", err)
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
