package callflow

import "time"

// Config holds the engine tunables.
type Config struct {
	// Concurrency is the number of deliveries handled concurrently per
	// instance.
	Concurrency int `yaml:"concurrency"`

	// QueueSize bounds the number of deliveries waiting for a worker. A full
	// queue blocks publishers.
	QueueSize int `yaml:"queue_size"`

	// HandlerTimeout is the total budget for handling one delivery.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// CallTimeout bounds every call to the call-source and CRM collaborators.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// DedupTTL is how long a processed event id is remembered. It must exceed
	// the broker's redelivery window plus the slowest workflow.
	DedupTTL time.Duration `yaml:"dedup_ttl"`

	// DedupLease is how long an in-progress reservation blocks other
	// consumers before it is considered abandoned.
	DedupLease time.Duration `yaml:"dedup_lease"`

	// DedupPurgeInterval is how often expired dedup marks are deleted from
	// the store. Zero disables the purge.
	DedupPurgeInterval time.Duration `yaml:"dedup_purge_interval"`

	// ShutdownTimeout is the maximum time to wait for in-flight deliveries.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ConsumerGroup names the orchestrator's consumer group on the bus.
	ConsumerGroup string `yaml:"consumer_group"`

	// Retry configures backoff and per-event-type attempt budgets.
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig configures the retry scheduler.
type RetryConfig struct {
	// DefaultMaxAttempts applies to event types without an explicit budget.
	DefaultMaxAttempts int `yaml:"default_max_attempts"`

	// MaxAttempts maps an event type to its attempt budget.
	MaxAttempts map[string]int `yaml:"max_attempts"`

	// InitialBackoff is the base delay of the exponential backoff.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the backoff delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        16,
		QueueSize:          256,
		HandlerTimeout:     30 * time.Second,
		CallTimeout:        10 * time.Second,
		DedupTTL:           24 * time.Hour,
		DedupLease:         5 * time.Minute,
		DedupPurgeInterval: 10 * time.Minute,
		ShutdownTimeout:    30 * time.Second,
		ConsumerGroup:      "orchestrator",
		Retry: RetryConfig{
			DefaultMaxAttempts: 5,
			MaxAttempts: map[string]int{
				"call_logged":        5,
				"lead_created":       8,
				"lead_updated":       8,
				"recording_attached": 5,
				"cancel_requested":   3,
				"retry_requested":    3,
			},
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
		},
	}
}
