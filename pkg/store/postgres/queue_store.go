/*
Copyright 2026 openUKR Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openukr/certpublisher/pkg/queue"
)

const queueColumns = "id, publisher_id, kind, fingerprint, payload, status, try_counter, created_at, updated_at"

// QueueStore is a queue.Store on the publisher_queue table.
type QueueStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewQueueStore creates a QueueStore on db.
func NewQueueStore(db *sql.DB) *QueueStore {
	return &QueueStore{db: db, now: time.Now}
}

var _ queue.Store = (*QueueStore)(nil)

func (s *QueueStore) Enqueue(ctx context.Context, e *queue.Entry) error {
	if err := queue.Prepare(e, s.now().UTC()); err != nil {
		return err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode queue payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO publisher_queue (id, publisher_id, kind, fingerprint, payload, status, try_counter, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.PublisherID, string(e.Kind), e.Fingerprint, payload, string(e.Status), e.TryCounter, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue %s for publisher %d: %w", e.Kind, e.PublisherID, err)
	}
	return nil
}

func (s *QueueStore) ListPending(ctx context.Context, publisherID int32, limit int) ([]*queue.Entry, error) {
	query := `SELECT ` + queueColumns + ` FROM publisher_queue
		WHERE publisher_id = $1 AND status <> 'SUCCESS' ORDER BY seq`
	args := []any{publisherID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending queue entries: %w", err)
	}
	defer rows.Close()

	var out []*queue.Entry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *QueueStore) Get(ctx context.Context, id uuid.UUID) (*queue.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM publisher_queue WHERE id = $1`, id)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, id)
	}
	return e, err
}

func (s *QueueStore) MarkSuccess(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, queue.StatusSuccess)
}

func (s *QueueStore) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, queue.StatusFailed)
}

// transition applies a status change in one statement; the WHERE clause
// enforces the allowed source states.
func (s *QueueStore) transition(ctx context.Context, id uuid.UUID, to queue.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE publisher_queue
		 SET status = $2,
		     try_counter = try_counter + CASE WHEN $2 = 'FAILED' THEN 1 ELSE 0 END,
		     updated_at = $3
		 WHERE id = $1 AND status IN ('PENDING', 'FAILED')`,
		id, string(to), s.now().UTC())
	if err != nil {
		return fmt.Errorf("mark queue entry %s %s: %w", id, to, err)
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM publisher_queue WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", queue.ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", queue.ErrInvalidTransition, current, to)
}

func (s *QueueStore) Count(ctx context.Context, publisherID int32, status queue.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM publisher_queue WHERE publisher_id = $1 AND status = $2`,
		publisherID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue entries: %w", err)
	}
	return n, nil
}

func scanQueueEntry(row scanner) (*queue.Entry, error) {
	var (
		e            queue.Entry
		kind, status string
		payload      []byte
	)
	if err := row.Scan(&e.ID, &e.PublisherID, &kind, &e.Fingerprint, &payload, &status, &e.TryCounter, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Kind = queue.Kind(kind)
	e.Status = queue.Status(status)
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode queue payload %s: %w", e.ID, err)
	}
	return &e, nil
}
