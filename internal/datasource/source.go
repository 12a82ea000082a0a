// Package datasource discovers migrating members by running a runbook's
// configured query against an external system. Every value comes back as a
// string; multi-valued columns are normalized to JSON arrays before the
// rows reach the scheduler.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cutover-io/cutover/internal/runbook"
)

// Sentinel errors for data-source access.
var (
	// ErrUnknownSourceType is returned when no implementation is registered
	// for the runbook's data-source type.
	ErrUnknownSourceType = errors.New("unknown data source type")

	// ErrMissingConnection is returned when the environment variable named
	// by the runbook's connection field is unset or empty.
	ErrMissingConnection = errors.New("data source connection is not configured")

	// ErrQueryFailed is returned when the source query could not be
	// executed or read.
	ErrQueryFailed = errors.New("data source query failed")
)

// Row is one query result row with every value rendered as a string.
type Row map[string]string

// Source executes a runbook's member-discovery query.
type Source interface {
	// Query runs the configured query and returns normalized rows.
	Query(ctx context.Context, ds *runbook.DataSource) ([]Row, error)
}

// Registry maps data-source type names to implementations.
type Registry struct {
	sources map[string]Source
}

// NewRegistry builds a registry with the built-in sources registered.
func NewRegistry() *Registry {
	return &Registry{
		sources: map[string]Source{
			runbook.SourceTypePostgres: &PostgresSource{},
			runbook.SourceTypeCSV:      &CSVSource{},
		},
	}
}

// Register adds or replaces a source implementation for a type name.
func (r *Registry) Register(typeName string, source Source) {
	r.sources[typeName] = source
}

// Lookup returns the source registered for the type name.
func (r *Registry) Lookup(typeName string) (Source, error) {
	source, ok := r.sources[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSourceType, typeName)
	}

	return source, nil
}

// resolveConnection reads the connection env var named by the data source.
func resolveConnection(ds *runbook.DataSource) (string, error) {
	value := os.Getenv(ds.Connection)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %q is empty", ErrMissingConnection, ds.Connection)
	}

	return value, nil
}
