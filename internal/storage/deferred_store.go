package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/config"
)

// ErrDeferredStoreFailed is returned when a deferred-message operation
// fails.
var ErrDeferredStoreFailed = errors.New("deferred message storage failed")

// DeferredMessageStore parks messages carrying a future ScheduledAt until
// they come due. The pump claims due rows, publishes them, and acknowledges;
// an unacknowledged claim expires and the row is claimed again, so delivery
// is at-least-once and the dedup store absorbs the duplicates.
type DeferredMessageStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewDeferredMessageStore creates a PostgreSQL-backed deferred message
// store.
func NewDeferredMessageStore(conn *Connection) (*DeferredMessageStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &DeferredMessageStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Defer parks a message for its scheduled time. A message id already parked
// for the topic is left untouched, so re-publishing a scheduled message is
// harmless.
func (s *DeferredMessageStore) Defer(ctx context.Context, topic string, msg bus.Message) error {
	if msg.ScheduledAt == nil {
		return fmt.Errorf("%w: message %q has no scheduled time", ErrDeferredStoreFailed, msg.ID)
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO deferred_messages (
			topic, message_id, message_type, partition_key, payload, scheduled_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (topic, message_id) DO NOTHING`,
		topic, msg.ID, string(msg.Type), msg.Key, msg.Payload, *msg.ScheduledAt)
	if err != nil {
		return fmt.Errorf("%w: defer %q: %w", ErrDeferredStoreFailed, msg.ID, err)
	}

	return nil
}

// ClaimDue claims up to limit due messages for the given hold duration.
// Rows claimed by a live pump are skipped; rows whose claim lapsed are
// eligible again.
func (s *DeferredMessageStore) ClaimDue(ctx context.Context, asOf time.Time, hold time.Duration, limit int) ([]bus.DeferredMessage, error) {
	rows, err := s.conn.QueryContext(ctx, `
		UPDATE deferred_messages
		SET claimed_until = $2 + make_interval(secs => $3)
		WHERE id IN (
			SELECT id FROM deferred_messages
			WHERE scheduled_at <= $1 AND (claimed_until IS NULL OR claimed_until <= $2)
			ORDER BY scheduled_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, message_id, message_type, partition_key, payload, scheduled_at`,
		asOf, asOf, hold.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: claim due: %w", ErrDeferredStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var claimed []bus.DeferredMessage

	for rows.Next() {
		var (
			deferred    bus.DeferredMessage
			messageType string
			scheduledAt time.Time
		)

		err := rows.Scan(
			&deferred.ID, &deferred.Topic, &deferred.Message.ID, &messageType,
			&deferred.Message.Key, &deferred.Message.Payload, &scheduledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan claimed row: %w", ErrDeferredStoreFailed, err)
		}

		deferred.Message.Type = bus.MessageType(messageType)
		deferred.Message.ScheduledAt = &scheduledAt

		claimed = append(claimed, deferred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate claimed rows: %w", ErrDeferredStoreFailed, err)
	}

	return claimed, nil
}

// Ack deletes claimed rows after their messages were published.
func (s *DeferredMessageStore) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM deferred_messages WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("%w: ack %d rows: %w", ErrDeferredStoreFailed, len(ids), err)
	}

	return nil
}

// CountPending returns how many messages are still parked.
func (s *DeferredMessageStore) CountPending(ctx context.Context) (int, error) {
	var count int

	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count pending: %w", ErrDeferredStoreFailed, err)
	}

	return count, nil
}
