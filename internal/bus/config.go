package bus

import (
	"time"

	"github.com/cutover-io/cutover/internal/config"
)

// Defaults for bus configuration.
const (
	// DefaultMaxDeliveries is how many times a handler runs before its
	// message is dead-lettered.
	DefaultMaxDeliveries = 5

	// DefaultPumpInterval is how often the deferred pump looks for due
	// messages.
	DefaultPumpInterval = 5 * time.Second

	// DefaultPumpBatchSize is how many due messages one pump pass claims.
	DefaultPumpBatchSize = 100

	// DefaultPumpClaimHold is how long a claimed message stays invisible to
	// other pumps before it is retried.
	DefaultPumpClaimHold = time.Minute
)

// Config holds broker addresses, topic names, and delivery tuning.
type Config struct {
	// Brokers are the Kafka bootstrap addresses.
	Brokers []string

	// ControlTopic carries batch-init, phase-due, member, poll-check, and
	// retry-check events.
	ControlTopic string

	// JobsTopic carries worker job envelopes.
	JobsTopic string

	// ResultsTopic carries worker result envelopes.
	ResultsTopic string

	// MaxDeliveries is the per-message handler budget before dead-lettering.
	MaxDeliveries int

	// PumpInterval is the deferred pump's polling cadence.
	PumpInterval time.Duration

	// PumpBatchSize caps messages claimed per pump pass.
	PumpBatchSize int

	// PumpClaimHold is how long a pump claim lasts before the row becomes
	// claimable again.
	PumpClaimHold time.Duration
}

// LoadConfig reads bus configuration from environment variables, falling
// back to development defaults.
func LoadConfig() *Config {
	return &Config{
		Brokers:       config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092")),
		ControlTopic:  config.GetEnvStr("BUS_CONTROL_TOPIC", DefaultControlTopic),
		JobsTopic:     config.GetEnvStr("BUS_JOBS_TOPIC", DefaultJobsTopic),
		ResultsTopic:  config.GetEnvStr("BUS_RESULTS_TOPIC", DefaultResultsTopic),
		MaxDeliveries: config.GetEnvInt("BUS_MAX_DELIVERIES", DefaultMaxDeliveries),
		PumpInterval:  config.GetEnvDuration("BUS_PUMP_INTERVAL", DefaultPumpInterval),
		PumpBatchSize: config.GetEnvInt("BUS_PUMP_BATCH_SIZE", DefaultPumpBatchSize),
		PumpClaimHold: config.GetEnvDuration("BUS_PUMP_CLAIM_HOLD", DefaultPumpClaimHold),
	}
}
