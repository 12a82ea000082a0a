package storage

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	// Cost 10 = ~60ms per hash. Can be raised to 12 (~250ms) for hardened
	// deployments at the price of slower key validation.
	bcryptCost  = 10
	bcryptLimit = 72
)

// HashAPIKey generates a bcrypt hash of the API key for secure storage.
// Keys are never stored in plaintext - only the bcrypt hash is persisted.
//
// Bcrypt reads at most 72 bytes of input. Generated cutover keys are 75
// characters, so they are pre-hashed with SHA-256 to fit; shorter keys go
// in as-is. CompareAPIKeyHash mirrors the same preparation.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyNil
	}

	var input []byte

	if len(apiKey) > bcryptLimit {
		hasher := sha256.New()
		hasher.Write([]byte(apiKey))
		input = hasher.Sum(nil)
	} else {
		input = []byte(apiKey)
	}

	hash, err := bcrypt.GenerateFromPassword(input, bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash compares an API key against a stored bcrypt hash in
// constant time. This is the only supported way to validate a key - never
// compare plaintext keys.
//
// Returns false for any error condition (empty inputs, malformed hash).
func CompareAPIKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	// Same input preparation as HashAPIKey so long keys keep matching.
	var input []byte

	if len(apiKey) > bcryptLimit {
		hasher := sha256.New()
		hasher.Write([]byte(apiKey))
		input = hasher.Sum(nil)
	} else {
		input = []byte(apiKey)
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), input)

	return err == nil
}
