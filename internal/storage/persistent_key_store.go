package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/cutover-io/cutover/internal/config"
)

const (
	keyCreated = "created"
	keyUpdated = "updated"
	keyDeleted = "deleted"
)

// PersistentKeyStore implements the APIKeyStore interface with a PostgreSQL
// backend. Keys are stored as bcrypt hashes; deletes are soft so the audit
// trail stays intact.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPersistentKeyStore creates a PostgreSQL-backed API key store.
func NewPersistentKeyStore(conn *Connection) (*PersistentKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentKeyStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Close closes the database connection pool gracefully.
// This method is safe to call multiple times.
func (s *PersistentKeyStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}

	return nil
}

// HealthCheck verifies the backing database is reachable. Used by the
// control API's readiness probe.
func (s *PersistentKeyStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// FindByKey retrieves an API key by its plaintext key value using bcrypt hash
// comparison. Queries all active keys and compares hashes in-memory,
// acceptable while deployments hold well under a thousand keys.
// Returns (nil, false) if key not found or invalid.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	query := `
		SELECT id, key_hash, client_id, name, permissions, created_at, expires_at, active
		FROM api_keys
		WHERE active = TRUE
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, false
	}

	defer func() {
		_ = rows.Close()
	}()

	var keyFound *APIKey

	// Iterate through active keys and compare hashes
	for rows.Next() {
		var (
			apiKey          APIKey
			permissionsJSON []byte
		)

		err := rows.Scan(
			&apiKey.ID,
			&apiKey.Key, // This is the bcrypt hash, used only for comparison
			&apiKey.ClientID,
			&apiKey.Name,
			&permissionsJSON,
			&apiKey.CreatedAt,
			&apiKey.ExpiresAt,
			&apiKey.Active,
		)
		if err != nil {
			continue
		}

		if err := json.Unmarshal(permissionsJSON, &apiKey.Permissions); err != nil {
			continue
		}

		if CompareAPIKeyHash(apiKey.Key, key) {
			// Found a match. Mask the hash so neither plaintext nor hash
			// leaves the store.
			apiKey.Key = MaskKey(apiKey.Key)
			keyFound = &apiKey

			break
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("failed to find key", slog.String("key", MaskKey(key)), slog.String("error", err.Error()))

		return nil, false
	}

	return keyFound, keyFound != nil
}

// Add stores a new API key with bcrypt hashing and audit logging.
// The plaintext key is hashed before storage and never persisted as-is.
//
// Duplicate detection scans all active keys and compares hashes, since
// bcrypt generates a different hash for the same input on every call.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if existing, found := s.FindByKey(ctx, apiKey.Key); found && existing != nil {
		return ErrKeyAlreadyExists
	}

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}

	permissionsJSON, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		INSERT INTO api_keys (id, key_hash, client_id, name, permissions, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		apiKey.ID,
		keyHash,
		apiKey.ClientID,
		apiKey.Name,
		permissionsJSON,
		apiKey.CreatedAt,
		apiKey.ExpiresAt,
		apiKey.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert API key: %w", err)
	}

	// Audit logging is best-effort; a failed entry never fails the operation.
	if err := s.logAudit(ctx, keyCreated, apiKey, nil); err != nil {
		s.logger.Error(
			"failed to write an audit log entry for API key operation",
			slog.String("operation", keyCreated),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Update modifies an existing API key with audit logging.
// Updates name, permissions, active status, and expiration.
// The key hash itself cannot be updated.
func (s *PersistentKeyStore) Update(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if apiKey.ID == "" {
		return ErrKeyNotFound
	}

	permissionsJSON, err := permissionsToJSON(apiKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := `
		UPDATE api_keys
		SET name = $1, permissions = $2, active = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $5
	`

	result, err := s.conn.ExecContext(
		ctx,
		query,
		apiKey.Name,
		permissionsJSON,
		apiKey.Active,
		apiKey.ExpiresAt,
		apiKey.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update API key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	if err := s.logAudit(ctx, keyUpdated, apiKey, nil); err != nil {
		s.logger.Error(
			"failed to write an audit log entry for API key operation",
			slog.String("operation", keyUpdated),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete performs a soft delete on an API key by setting active=FALSE.
// The key is not physically removed from the database for audit trail purposes.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	query := `
		UPDATE api_keys
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	apiKey := &APIKey{
		ID: keyID,
	}

	if err := s.logAudit(ctx, keyDeleted, apiKey, nil); err != nil {
		s.logger.Error(
			"failed to write an audit log entry for API key operation",
			slog.String("operation", keyDeleted),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// ListByClient returns all active API keys for a specific client.
// Uses the idx_api_keys_client_id index.
func (s *PersistentKeyStore) ListByClient(ctx context.Context, clientID string) ([]*APIKey, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}

	query := `
		SELECT id, key_hash, client_id, name, permissions, created_at, expires_at, active
		FROM api_keys
		WHERE client_id = $1 AND active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var keys []*APIKey

	for rows.Next() {
		var (
			apiKey          APIKey
			permissionsJSON []byte
		)

		err := rows.Scan(
			&apiKey.ID,
			&apiKey.Key, // This is the bcrypt hash, mask it before returning
			&apiKey.ClientID,
			&apiKey.Name,
			&permissionsJSON,
			&apiKey.CreatedAt,
			&apiKey.ExpiresAt,
			&apiKey.Active,
		)
		if err != nil {
			continue
		}

		if err := json.Unmarshal(permissionsJSON, &apiKey.Permissions); err != nil {
			continue
		}

		apiKey.Key = MaskKey(apiKey.Key)

		keys = append(keys, &apiKey)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	// Return empty slice (not nil) if no keys found
	if keys == nil {
		keys = []*APIKey{}
	}

	return keys, nil
}

// permissionsToJSON converts a permissions slice to JSON format for PostgreSQL JSONB storage.
func permissionsToJSON(permissions []string) ([]byte, error) {
	if permissions == nil {
		permissions = []string{}
	}

	return json.Marshal(permissions)
}

// logAudit writes an audit log entry for API key operations.
func (s *PersistentKeyStore) logAudit(
	ctx context.Context,
	operation string,
	apiKey *APIKey,
	metadata map[string]any,
) error {
	maskedKey := MaskKey(apiKey.Key)

	var (
		metadataJSON []byte
		err          error
	)

	if metadata == nil {
		metadataJSON = []byte("{}")
	} else {
		metadataJSON, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO api_key_audit_log (api_key_id, operation, masked_key, client_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err = s.conn.ExecContext(ctx, query, apiKey.ID, operation, maskedKey, apiKey.ClientID, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}
