package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cutover-io/cutover/internal/config"
)

// Sentinel errors for message deduplication.
var (
	// ErrDedupStoreFailed is returned when a deduplication operation fails.
	ErrDedupStoreFailed = errors.New("dedup storage failed")

	// ErrInvalidDedupTTL is returned when the configured TTL or cleanup
	// interval is not positive.
	ErrInvalidDedupTTL = errors.New("dedup TTL and cleanup interval must be positive")
)

const (
	// dedupCleanupTimeout bounds a single cleanup pass.
	dedupCleanupTimeout = 30 * time.Second

	// dedupShutdownTimeout bounds the wait for the cleanup goroutine on Close.
	dedupShutdownTimeout = 5 * time.Second

	// dedupCleanupBatchSize caps rows deleted per statement so cleanup never
	// holds long locks.
	dedupCleanupBatchSize = 10000
)

// MessageDedupStore records consumed message ids per consumer group so
// redelivered messages are recognized and dropped. Entries expire after the
// TTL; a background goroutine prunes them.
type MessageDedupStore struct {
	conn            *Connection
	logger          *slog.Logger
	ttl             time.Duration
	cleanupInterval time.Duration
	cleanupStop     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// NewMessageDedupStore creates a PostgreSQL-backed dedup store and starts
// its cleanup goroutine. Stop it with Close.
func NewMessageDedupStore(conn *Connection, ttl, cleanupInterval time.Duration) (*MessageDedupStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if ttl <= 0 || cleanupInterval <= 0 {
		return nil, ErrInvalidDedupTTL
	}

	store := &MessageDedupStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		cleanupStop:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	go store.runCleanup()

	store.logger.Info("Started dedup cleanup goroutine",
		slog.Duration("interval", cleanupInterval), slog.Duration("ttl", ttl))

	return store, nil
}

// AlreadyProcessed reports whether the consumer group finished this message
// id within the TTL window.
func (s *MessageDedupStore) AlreadyProcessed(ctx context.Context, group, messageID string) (bool, error) {
	var exists int

	err := s.conn.QueryRowContext(ctx, `
		SELECT 1 FROM bus_dedup
		WHERE consumer_group = $1 AND message_id = $2 AND expires_at > NOW()
		LIMIT 1`, group, messageID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("%w: check %q: %w", ErrDedupStoreFailed, messageID, err)
	}

	return true, nil
}

// MarkProcessed records that the consumer group finished this message id.
// Marking the same id again refreshes its expiry.
func (s *MessageDedupStore) MarkProcessed(ctx context.Context, group, messageID string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO bus_dedup (consumer_group, message_id, consumed_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + make_interval(secs => $3))
		ON CONFLICT (consumer_group, message_id) DO UPDATE
		SET consumed_at = NOW(), expires_at = EXCLUDED.expires_at`,
		group, messageID, s.ttl.Seconds())
	if err != nil {
		return fmt.Errorf("%w: mark %q: %w", ErrDedupStoreFailed, messageID, err)
	}

	return nil
}

// Close stops the cleanup goroutine. Safe to call multiple times. The
// database connection is managed by the caller and stays open.
func (s *MessageDedupStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.cleanupStop)

		select {
		case <-s.cleanupDone:
			s.logger.Info("Dedup cleanup goroutine stopped gracefully")
		case <-time.After(dedupShutdownTimeout):
			s.logger.Warn("Dedup cleanup goroutine did not stop within timeout")
		}
	})

	return nil
}

func (s *MessageDedupStore) runCleanup() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-s.cleanupStop:
			cancel()
			s.logger.Info("Stopping dedup cleanup goroutine")

			return
		case <-ticker.C:
			cleanupCtx, cleanupCancel := context.WithTimeout(ctx, dedupCleanupTimeout)
			s.deleteExpired(cleanupCtx)
			cleanupCancel()
		}
	}
}

// deleteExpired removes expired dedup entries in bounded batches until none
// remain or the context ends.
func (s *MessageDedupStore) deleteExpired(ctx context.Context) {
	startTime := time.Now()
	totalDeleted := int64(0)

	for ctx.Err() == nil {
		result, err := s.conn.ExecContext(ctx, `
			DELETE FROM bus_dedup
			WHERE (consumer_group, message_id) IN (
				SELECT consumer_group, message_id FROM bus_dedup
				WHERE expires_at < NOW()
				ORDER BY expires_at
				LIMIT $1
			)`, dedupCleanupBatchSize)
		if err != nil {
			s.logger.Error("Failed to clean up expired dedup entries",
				slog.String("error", err.Error()),
				slog.Int64("rows_deleted_before_error", totalDeleted))

			return
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			s.logger.Warn("Dedup cleanup batch completed but row count unavailable",
				slog.String("error", err.Error()))

			return
		}

		totalDeleted += deleted

		if deleted < dedupCleanupBatchSize {
			break
		}
	}

	if totalDeleted > 0 {
		s.logger.Info("Cleaned up expired dedup entries",
			slog.Int64("rows_deleted", totalDeleted),
			slog.Duration("duration", time.Since(startTime)))
	}
}
