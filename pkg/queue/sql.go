// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/conductor/pkg/config"
)

const (
	createQueuesTableSQL = `
CREATE TABLE IF NOT EXISTS queues (
    name VARCHAR(255) PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
)`

	// Times are unix milliseconds so visibility checks compare integers on
	// every dialect.
	createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS queue_messages (
    id VARCHAR(64) PRIMARY KEY,
    queue VARCHAR(255) NOT NULL,
    body TEXT NOT NULL,
    content_type VARCHAR(100) NOT NULL,
    delivery_count INTEGER NOT NULL DEFAULT 0,
    enqueued_at BIGINT NOT NULL,
    visible_at BIGINT NOT NULL,
    lock_token VARCHAR(64)
)`

	createMessagesIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages(queue, visible_at)`

	createMessagesIndexMySQL = `
CREATE INDEX idx_queue_messages_visible ON queue_messages(queue, visible_at)`
)

// SQLTransport is a durable queue on a shared SQL database. Any number of
// processes may receive from the same queue; a message is claimed with a
// conditional UPDATE so only one receiver wins it.
type SQLTransport struct {
	db      *sql.DB
	dialect string
	opts    Options
	now     func() time.Time

	mu     sync.RWMutex
	known  map[string]bool
	closed atomic.Bool
}

// NewSQLTransport creates the transport and its schema.
func NewSQLTransport(ctx context.Context, db *sql.DB, dialect string, opts Options) (*SQLTransport, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	normalized, err := config.NormalizeDialect(dialect)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()

	t := &SQLTransport{
		db:      db,
		dialect: normalized,
		opts:    opts,
		now:     time.Now,
		known:   make(map[string]bool),
	}
	if err := t.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return t, nil
}

func (t *SQLTransport) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := t.db.ExecContext(ctx, createQueuesTableSQL); err != nil {
		return fmt.Errorf("failed to create queues table: %w", err)
	}
	if _, err := t.db.ExecContext(ctx, createMessagesTableSQL); err != nil {
		return fmt.Errorf("failed to create queue_messages table: %w", err)
	}
	if t.dialect == config.DialectMySQL {
		// Fails with a duplicate key error once the index exists.
		_, _ = t.db.ExecContext(ctx, createMessagesIndexMySQL)
		return nil
	}
	if _, err := t.db.ExecContext(ctx, createMessagesIndexSQL); err != nil {
		return fmt.Errorf("failed to create queue_messages index: %w", err)
	}
	return nil
}

func (t *SQLTransport) q(query string) string {
	return config.Rebind(t.dialect, query)
}

// EnsureQueue creates the queue row. Successful ensures are cached.
func (t *SQLTransport) EnsureQueue(ctx context.Context, name string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.isKnown(name) {
		return nil
	}

	query := t.q(`INSERT INTO queues (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`)
	if t.dialect == config.DialectMySQL {
		query = `INSERT IGNORE INTO queues (name, created_at) VALUES (?, ?)`
	}
	if _, err := t.db.ExecContext(ctx, query, name, t.now().UTC()); err != nil {
		return fmt.Errorf("failed to ensure queue %s: %w", name, err)
	}

	t.mu.Lock()
	t.known[name] = true
	t.mu.Unlock()
	return nil
}

func (t *SQLTransport) isKnown(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.known[name]
}

func (t *SQLTransport) exists(ctx context.Context, name string) error {
	if t.isKnown(name) {
		return nil
	}
	var one int
	err := t.db.QueryRowContext(ctx, t.q(`SELECT 1 FROM queues WHERE name = ?`), name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("failed to look up queue %s: %w", name, err)
	}

	t.mu.Lock()
	t.known[name] = true
	t.mu.Unlock()
	return nil
}

// Send enqueues body.
func (t *SQLTransport) Send(ctx context.Context, queue string, body []byte, contentType string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := t.exists(ctx, queue); err != nil {
		return err
	}

	now := t.now().UnixMilli()
	_, err := t.db.ExecContext(ctx, t.q(`
INSERT INTO queue_messages (id, queue, body, content_type, delivery_count, enqueued_at, visible_at)
VALUES (?, ?, ?, ?, 0, ?, ?)`),
		uuid.NewString(), queue, string(body), contentType, now, now)
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w", queue, err)
	}
	return nil
}

// Receive claims up to max visible messages, oldest first.
func (t *SQLTransport) Receive(ctx context.Context, queue string, max int) ([]*Message, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := t.exists(ctx, queue); err != nil {
		return nil, err
	}

	now := t.now()
	nowMs := now.UnixMilli()

	rows, err := t.db.QueryContext(ctx, t.q(fmt.Sprintf(`
SELECT id FROM queue_messages
WHERE queue = ? AND visible_at <= ?
ORDER BY enqueued_at, id
LIMIT %d`, max)), queue, nowMs)
	if err != nil {
		return nil, fmt.Errorf("failed to poll %s: %w", queue, err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*Message
	lockedUntil := now.Add(t.opts.LockDuration).UnixMilli()
	for _, id := range candidates {
		token := uuid.NewString()
		res, err := t.db.ExecContext(ctx, t.q(`
UPDATE queue_messages
SET visible_at = ?, lock_token = ?, delivery_count = delivery_count + 1
WHERE id = ? AND visible_at <= ?`), lockedUntil, token, id, nowMs)
		if err != nil {
			return out, fmt.Errorf("failed to lock message %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Claimed by another receiver.
			continue
		}

		msg, err := t.load(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (t *SQLTransport) load(ctx context.Context, id string) (*Message, error) {
	var (
		msg        Message
		body       string
		enqueuedMs int64
		token      sql.NullString
	)
	err := t.db.QueryRowContext(ctx, t.q(`
SELECT id, queue, body, content_type, delivery_count, enqueued_at, lock_token
FROM queue_messages WHERE id = ?`), id).
		Scan(&msg.ID, &msg.Queue, &body, &msg.ContentType, &msg.DeliveryCount, &enqueuedMs, &token)
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}
	msg.Body = []byte(body)
	msg.EnqueuedAt = time.UnixMilli(enqueuedMs)
	msg.LockToken = token.String
	return &msg, nil
}

// Complete deletes msg if this receiver still holds its lock.
func (t *SQLTransport) Complete(ctx context.Context, msg *Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	res, err := t.db.ExecContext(ctx, t.q(`DELETE FROM queue_messages WHERE id = ? AND lock_token = ?`),
		msg.ID, msg.LockToken)
	if err != nil {
		return fmt.Errorf("failed to complete message %s: %w", msg.ID, err)
	}
	return checkLock(res)
}

// Abandon releases msg, moving it to the dead-letter queue once it reached
// MaxDeliveries.
func (t *SQLTransport) Abandon(ctx context.Context, msg *Message) error {
	if t.closed.Load() {
		return ErrClosed
	}

	now := t.now().UnixMilli()
	if msg.DeliveryCount >= t.opts.MaxDeliveries {
		dlq := DeadLetterQueue(msg.Queue)
		if err := t.EnsureQueue(ctx, dlq); err != nil {
			return err
		}
		res, err := t.db.ExecContext(ctx, t.q(`
UPDATE queue_messages SET queue = ?, visible_at = ?, lock_token = NULL
WHERE id = ? AND lock_token = ?`), dlq, now, msg.ID, msg.LockToken)
		if err != nil {
			return fmt.Errorf("failed to dead-letter message %s: %w", msg.ID, err)
		}
		return checkLock(res)
	}

	res, err := t.db.ExecContext(ctx, t.q(`
UPDATE queue_messages SET visible_at = ?, lock_token = NULL
WHERE id = ? AND lock_token = ?`), now, msg.ID, msg.LockToken)
	if err != nil {
		return fmt.Errorf("failed to abandon message %s: %w", msg.ID, err)
	}
	return checkLock(res)
}

func checkLock(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Len returns the number of messages in queue, locked or not.
func (t *SQLTransport) Len(ctx context.Context, queue string) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, t.q(`SELECT COUNT(*) FROM queue_messages WHERE queue = ?`), queue).Scan(&n)
	return n, err
}

// Close marks the transport closed. The database belongs to the pool.
func (t *SQLTransport) Close() error {
	t.closed.Store(true)
	return nil
}
