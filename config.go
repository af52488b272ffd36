package reckon

import "time"

// Config holds runtime configuration for the queue and worker pool.
type Config struct {
	// Concurrency is the number of worker slots polling for jobs.
	Concurrency int `yaml:"concurrency"`

	// PollInterval is how long an idle slot waits before polling again.
	PollInterval time.Duration `yaml:"poll_interval"`

	// VisibilityTimeout is how long a lease stays valid without a heartbeat.
	// After it passes the job may be leased by another worker.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	// HeartbeatInterval is how often the pool checks executions for stalls.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ReapInterval is how often expired leases are resolved.
	ReapInterval time.Duration `yaml:"reap_interval"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxAttempts bounds how many times a job is executed before it stays
	// FAILED. Applies to jobs submitted without an explicit value.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffInitial and BackoffMax configure the retry delay, which
	// doubles per attempt up to the cap.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		PollInterval:      1 * time.Second,
		VisibilityTimeout: 30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ReapInterval:      15 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		MaxAttempts:       3,
		BackoffInitial:    1 * time.Second,
		BackoffMax:        1 * time.Minute,
	}
}
