package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// API key format constants.
	randomBytesSize = 32
	apiKeyLength    = 75
	prefixLen       = 15 // Show "cutover_ak_1234"
	suffixLen       = 4  // Show last 4 chars

	apiKeyPrefix = "cutover_ak_"
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyNil is returned when a nil API key is provided.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrClientIDEmpty is returned when the client ID is empty during key generation.
	ErrClientIDEmpty = errors.New("client ID cannot be empty")
	// ErrKeyStringEmpty is returned when key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when API key doesn't match expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength is returned when API key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid API key length")
)

// APIKey represents a control-API key with client identification and permissions.
// For keys loaded from persistent storage, Key holds the masked bcrypt hash, never
// the plaintext key.
type APIKey struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	ClientID    string     `json:"clientId"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Active      bool       `json:"active"`
}

// APIKeyStore defines the interface for API key storage and retrieval.
type APIKeyStore interface {
	// FindByKey retrieves an API key by its plaintext key value
	FindByKey(ctx context.Context, key string) (*APIKey, bool)
	// Add stores a new API key
	Add(ctx context.Context, apiKey *APIKey) error
	// Update modifies an existing API key
	Update(ctx context.Context, apiKey *APIKey) error
	// Delete removes an API key
	Delete(ctx context.Context, keyID string) error
	// ListByClient returns all API keys for a specific client
	ListByClient(ctx context.Context, clientID string) ([]*APIKey, error)
	// HealthCheck verifies the backing store is reachable
	HealthCheck(ctx context.Context) error
}

// HasPermission checks if the API key has a specific permission.
func (ak *APIKey) HasPermission(permission string) bool {
	for _, p := range ak.Permissions {
		if p == permission {
			return true
		}
	}

	return false
}

// SecureCompare performs constant-time comparison of two strings to prevent timing attacks.
func SecureCompare(a, b string) bool {
	// If lengths differ, still perform comparison to prevent timing attacks
	// but ensure we return false
	if len(a) != len(b) {
		// Compare against a dummy string of the same length as 'a' to maintain constant time
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	// Perform constant-time comparison
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey masks an API key for secure logging by showing only the prefix and suffix.
// Designed specifically for 75-character API keys in format:
// "cutover_ak_" + 64 hex chars = 75 total chars.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	keyLen := len(key)

	// For our standard 75-character API keys, show meaningful prefix and suffix
	if keyLen == apiKeyLength {
		maskedLen := keyLen - prefixLen - suffixLen // 75 - 15 - 4 = 56

		return key[:prefixLen] + strings.Repeat("*", maskedLen) + key[keyLen-suffixLen:]
	}

	// For any other key length (testing, development, etc.), mask completely
	return strings.Repeat("*", keyLen)
}

// GenerateAPIKey creates a new secure API key for a client.
func GenerateAPIKey(clientID string) (string, error) {
	if clientID == "" {
		return "", ErrClientIDEmpty
	}

	// Generate 32 random bytes (256 bits)
	randomBytes := make([]byte, randomBytesSize)

	_, err := rand.Read(randomBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// Convert to hex and add the cutover prefix
	randomHex := hex.EncodeToString(randomBytes)
	apiKey := apiKeyPrefix + randomHex // pragma: allowlist secret

	return apiKey, nil
}

// ParseAPIKey extracts the API key from various header formats.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	// Remove "Bearer " prefix if present
	keyString = strings.TrimPrefix(keyString, "Bearer ")

	// Validate key format (should start with cutover_ak_)
	if !strings.HasPrefix(keyString, apiKeyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	// Ensure key has correct length (cutover_ak_ + 64 hex chars = 75 total)
	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}
