package main

import (
	"fmt"
	"os"
)

// Config holds the migration tool's configuration.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the table golang-migrate tracks applied versions in.
	MigrationTable string
}

// LoadConfig loads configuration from environment variables and validates it.
func LoadConfig() (*Config, error) {
	config := &Config{
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", ""),
		MigrationTable: getEnvOrDefault("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is complete.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String renders the configuration with the database password masked, safe
// for logging.
func (c *Config) String() string {
	maskedURL := maskDatabaseURL(c.DatabaseURL)

	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskedURL, c.MigrationTable)
}

// getEnvOrDefault returns the environment variable value or a default if
// not set. The migrator deliberately avoids importing internal packages so
// it can be vendored into operational tooling on its own.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// maskDatabaseURL masks the password component of a connection URL. Written
// against the raw string rather than net/url because malformed operator
// input must come back unchanged, not error.
func maskDatabaseURL(url string) string {
	if url == "" {
		return ""
	}

	// Find the "//" that starts the authority section.
	authStart := -1
	for i := 0; i < len(url)-1; i++ {
		if url[i] == '/' && url[i+1] == '/' {
			authStart = i + 2
			break
		}
	}

	if authStart == -1 {
		return url
	}

	// Use the LAST "@" in the authority section in case the password
	// contains "@".
	atPos := -1
	for i := authStart; i < len(url); i++ {
		if url[i] == '@' {
			atPos = i
		}
		// Stop at path, query, or fragment
		if url[i] == '/' || url[i] == '?' || url[i] == '#' {
			break
		}
	}

	if atPos == -1 {
		return url
	}

	// The ":" between authStart and atPos separates user from password.
	colonPos := -1
	for i := authStart; i < atPos; i++ {
		if url[i] == ':' {
			colonPos = i
			break
		}
	}

	if colonPos == -1 {
		return url
	}

	passwordLen := atPos - (colonPos + 1) // pragma: allowlist secret

	if passwordLen == 0 {
		return url
	}

	return url[:colonPos+1] + "***" + url[atPos:]
}
