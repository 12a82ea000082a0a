package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistentKeyStoreAdd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)

	store, err := NewPersistentKeyStore(conn)
	require.NoError(t, err)

	expiry := time.Now().Add(24 * time.Hour)

	tests := []struct {
		name      string
		apiKey    *APIKey
		expectErr bool
	}{
		{
			name: "successfully adds new API key with bcrypt hash",
			apiKey: &APIKey{
				ID:          "test-key-1",
				Key:         "cutover_ak_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef",
				ClientID:    "ops-console",
				Name:        "Test Key 1",
				Permissions: []string{"runbooks:write", "batches:write"},
				CreatedAt:   time.Now(),
				Active:      true,
			},
			expectErr: false,
		},
		{
			name: "successfully adds API key with expiration",
			apiKey: &APIKey{
				ID:          "test-key-2",
				Key:         "cutover_ak_abcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890",
				ClientID:    "ci-pipeline",
				Name:        "Test Key 2",
				Permissions: []string{"batches:read"},
				CreatedAt:   time.Now(),
				ExpiresAt:   &expiry,
				Active:      true,
			},
			expectErr: false,
		},
		{
			name: "fails to add duplicate API key (same plaintext)",
			apiKey: &APIKey{
				ID:          "test-key-3",
				Key:         "cutover_ak_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef", // Same as test-key-1
				ClientID:    "ops-console",
				Name:        "Duplicate Key",
				Permissions: []string{"batches:read"},
				CreatedAt:   time.Now(),
				Active:      true,
			},
			expectErr: true,
		},
		{
			name:      "fails to add nil API key",
			apiKey:    nil,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Add(ctx, tt.apiKey)

			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	// The plaintext never lands in the database, only a bcrypt hash.
	var keyHash string

	err = conn.QueryRowContext(ctx,
		`SELECT key_hash FROM api_keys WHERE id = $1`, "test-key-1",
	).Scan(&keyHash)
	require.NoError(t, err)
	assert.NotContains(t, keyHash, "cutover_ak_")
	assert.True(t, CompareAPIKeyHash(keyHash, "cutover_ak_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"))

	// Each successful add leaves an audit entry with the key masked.
	var auditCount int

	err = conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_key_audit_log WHERE operation = 'created'`,
	).Scan(&auditCount)
	require.NoError(t, err)
	assert.Equal(t, 2, auditCount)
}

func TestPersistentKeyStoreFindByKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)

	store, err := NewPersistentKeyStore(conn)
	require.NoError(t, err)

	plaintext := "cutover_ak_findtest1234567890abcdef1234567890abcdef1234567890abcdef12345678" // pragma: allowlist secret

	testKey := &APIKey{
		ID:          "find-test-1",
		Key:         plaintext,
		ClientID:    "ops-console",
		Name:        "Find Test Key",
		Permissions: []string{"batches:read"},
		CreatedAt:   time.Now(),
		Active:      true,
	}

	require.NoError(t, store.Add(ctx, testKey))

	t.Run("finds existing active API key", func(t *testing.T) {
		found, ok := store.FindByKey(ctx, plaintext)
		require.True(t, ok)
		require.NotNil(t, found)

		assert.Equal(t, "find-test-1", found.ID)
		assert.Equal(t, "ops-console", found.ClientID)
		assert.Equal(t, []string{"batches:read"}, found.Permissions)

		// Neither the plaintext nor the stored hash leaves the store.
		assert.NotEqual(t, plaintext, found.Key)
		assert.NotContains(t, found.Key, "$2a$")
	})

	t.Run("returns false for non-existent key", func(t *testing.T) {
		found, ok := store.FindByKey(ctx, "cutover_ak_nonexistent567890abcdef1234567890abcdef1234567890abcdef12345678") // pragma: allowlist secret
		assert.False(t, ok)
		assert.Nil(t, found)
	})

	t.Run("returns false for empty key", func(t *testing.T) {
		found, ok := store.FindByKey(ctx, "")
		assert.False(t, ok)
		assert.Nil(t, found)
	})

	t.Run("soft-deleted key is not found", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "find-test-1"))

		found, ok := store.FindByKey(ctx, plaintext)
		assert.False(t, ok)
		assert.Nil(t, found)
	})
}

func TestPersistentKeyStoreUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)

	store, err := NewPersistentKeyStore(conn)
	require.NoError(t, err)

	plaintext := "cutover_ak_updatetest34567890abcdef1234567890abcdef1234567890abcdef12345678"

	testKey := &APIKey{
		ID:          "update-test-1",
		Key:         plaintext,
		ClientID:    "ops-console",
		Name:        "Original Name",
		Permissions: []string{"batches:read"},
		CreatedAt:   time.Now(),
		Active:      true,
	}

	require.NoError(t, store.Add(ctx, testKey))

	t.Run("updates name and permissions", func(t *testing.T) {
		updated := &APIKey{
			ID:          "update-test-1",
			ClientID:    "ops-console",
			Name:        "Updated Name",
			Permissions: []string{"batches:read", "batches:write"},
			Active:      true,
		}

		require.NoError(t, store.Update(ctx, updated))

		found, ok := store.FindByKey(ctx, plaintext)
		require.True(t, ok)
		assert.Equal(t, "Updated Name", found.Name)
		assert.Equal(t, []string{"batches:read", "batches:write"}, found.Permissions)
	})

	t.Run("deactivates key", func(t *testing.T) {
		updated := &APIKey{
			ID:       "update-test-1",
			ClientID: "ops-console",
			Name:     "Updated Name",
			Active:   false,
		}

		require.NoError(t, store.Update(ctx, updated))

		_, ok := store.FindByKey(ctx, plaintext)
		assert.False(t, ok, "deactivated keys drop out of lookup")
	})

	t.Run("fails for non-existent key", func(t *testing.T) {
		ghost := &APIKey{
			ID:       "non-existent",
			ClientID: "ops-console",
			Name:     "Ghost Key",
			Active:   true,
		}

		err := store.Update(ctx, ghost)
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("fails for nil key", func(t *testing.T) {
		err := store.Update(ctx, nil)
		assert.ErrorIs(t, err, ErrKeyNil)
	})
}

func TestPersistentKeyStoreDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)

	store, err := NewPersistentKeyStore(conn)
	require.NoError(t, err)

	testKey := &APIKey{
		ID:          "delete-test-1",
		Key:         "cutover_ak_deletetest34567890abcdef1234567890abcdef1234567890abcdef12345678",
		ClientID:    "ops-console",
		Name:        "To Be Deleted",
		Permissions: []string{"batches:read"},
		CreatedAt:   time.Now(),
		Active:      true,
	}

	require.NoError(t, store.Add(ctx, testKey))

	require.NoError(t, store.Delete(ctx, "delete-test-1"))

	// Soft delete: the row stays for the audit trail but is inactive.
	var active bool

	err = conn.QueryRowContext(ctx,
		`SELECT active FROM api_keys WHERE id = $1`, "delete-test-1",
	).Scan(&active)
	require.NoError(t, err)
	assert.False(t, active)

	err = store.Delete(ctx, "non-existent-key")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	err = store.Delete(ctx, "")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPersistentKeyStoreListByClient(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)

	store, err := NewPersistentKeyStore(conn)
	require.NoError(t, err)

	testKeys := []*APIKey{
		{
			ID:          "list-test-1",
			Key:         "cutover_ak_listtest111167890abcdef1234567890abcdef1234567890abcdef12345678",
			ClientID:    "ops-console",
			Name:        "Ops Key 1",
			Permissions: []string{"batches:read"},
			CreatedAt:   time.Now(),
			Active:      true,
		},
		{
			ID:          "list-test-2",
			Key:         "cutover_ak_listtest222267890abcdef1234567890abcdef1234567890abcdef12345678",
			ClientID:    "ops-console",
			Name:        "Ops Key 2",
			Permissions: []string{"batches:read", "batches:write"},
			CreatedAt:   time.Now(),
			Active:      true,
		},
		{
			ID:          "list-test-3",
			Key:         "cutover_ak_listtest333367890abcdef1234567890abcdef1234567890abcdef12345678",
			ClientID:    "ci-pipeline",
			Name:        "CI Key 1",
			Permissions: []string{"batches:read"},
			CreatedAt:   time.Now(),
			Active:      true,
		},
	}

	for _, key := range testKeys {
		require.NoError(t, store.Add(ctx, key))
	}

	// Soft-delete one ops key; listings only show active keys.
	require.NoError(t, store.Delete(ctx, "list-test-2"))

	opsKeys, err := store.ListByClient(ctx, "ops-console")
	require.NoError(t, err)
	require.Len(t, opsKeys, 1)
	assert.Equal(t, "list-test-1", opsKeys[0].ID)

	ciKeys, err := store.ListByClient(ctx, "ci-pipeline")
	require.NoError(t, err)
	assert.Len(t, ciKeys, 1)

	noKeys, err := store.ListByClient(ctx, "unknown-client")
	require.NoError(t, err)
	assert.Empty(t, noKeys)

	_, err = store.ListByClient(ctx, "")
	assert.ErrorIs(t, err, ErrClientIDEmpty)
}

func TestPersistentKeyStoreHealthCheck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := newTestConnection(ctx, t)

	store, err := NewPersistentKeyStore(conn)
	require.NoError(t, err)

	assert.NoError(t, store.HealthCheck(ctx))
}
