package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/cutover-io/cutover/internal/config"
)

// Defaults for scheduler configuration.
const (
	// DefaultTickInterval is the cadence of the scheduling tick.
	DefaultTickInterval = 5 * time.Minute

	// DefaultLeaseTTL bounds how long a crashed scheduler blocks its
	// successors. Five tick periods covers the longest expected tick.
	DefaultLeaseTTL = 25 * time.Minute

	// DefaultLeaseName keys the tick lease in the lease store. Every
	// replica must use the same name for the ticks to exclude each other.
	DefaultLeaseName = "scheduler"
)

// Config holds the scheduler's tick and lease tuning.
type Config struct {
	// TickInterval is how often a scheduling pass runs.
	TickInterval time.Duration

	// LeaseTTL is how long an acquired tick lease lasts before it expires
	// on its own. Must exceed the longest expected tick.
	LeaseTTL time.Duration

	// LeaseName keys the tick lease.
	LeaseName string

	// Holder identifies this scheduler instance as the lease holder.
	Holder string
}

// LoadConfig reads scheduler configuration from environment variables,
// falling back to development defaults. The holder identity is generated
// fresh per process so replicas can tell whose lease is whose.
func LoadConfig() *Config {
	return &Config{
		TickInterval: config.GetEnvDuration("SCHEDULER_TICK_INTERVAL", DefaultTickInterval),
		LeaseTTL:     config.GetEnvDuration("SCHEDULER_LEASE_TTL", DefaultLeaseTTL),
		LeaseName:    config.GetEnvStr("SCHEDULER_LEASE_NAME", DefaultLeaseName),
		Holder:       uuid.NewString(),
	}
}
