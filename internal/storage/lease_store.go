package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cutover-io/cutover/internal/config"
)

// ErrLeaseStoreFailed is returned when a lease operation fails.
var ErrLeaseStoreFailed = errors.New("lease storage failed")

// LeaseStore hands out named exclusive leases with a TTL. A lease is taken
// when its row is absent, expired, or already held by the same holder, so a
// crashed holder blocks others only until the TTL runs out.
type LeaseStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewLeaseStore creates a PostgreSQL-backed lease store.
func NewLeaseStore(conn *Connection) (*LeaseStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &LeaseStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Acquire attempts to take the named lease for the holder. Returns false
// when another holder has an unexpired lease. Re-acquiring an own lease
// extends it.
func (s *LeaseStore) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	result, err := s.conn.ExecContext(ctx, `
		INSERT INTO scheduler_leases (name, holder, acquired_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, acquired_at = NOW(), expires_at = EXCLUDED.expires_at
		WHERE scheduler_leases.expires_at <= NOW() OR scheduler_leases.holder = EXCLUDED.holder`,
		name, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("%w: acquire %q: %w", ErrLeaseStoreFailed, name, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %w", ErrLeaseStoreFailed, err)
	}

	acquired := affected == 1

	if !acquired {
		s.logger.Debug("lease held elsewhere", slog.String("lease", name), slog.String("holder", holder))
	}

	return acquired, nil
}

// Release drops the named lease if the holder still owns it. Releasing a
// lease that expired and moved on is a no-op.
func (s *LeaseStore) Release(ctx context.Context, name, holder string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM scheduler_leases WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("%w: release %q: %w", ErrLeaseStoreFailed, name, err)
	}

	return nil
}
