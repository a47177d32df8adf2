package models

import "time"

// Worker config bounds. Interval values outside the range are rejected by
// Validate, matching what the admin surface enforces.
const (
	MinServerCheckIntervalS = 60
	MaxServerCheckIntervalS = 3600

	DefaultServerCheckIntervalS = 300
	DefaultMaxWorkers           = 1
	MaxMaxWorkers               = 10
)

// WorkerConfig is the singleton row controlling the status scheduler.
// Updates take effect at runtime: the scheduler watches for changes and
// replaces its ticker when the interval moves.
type WorkerConfig struct {
	// ServerCheckIntervalS is the seconds between check_all_servers runs.
	ServerCheckIntervalS int `json:"server_check_interval_s"`

	// MaxWorkers bounds how many servers are probed in parallel per run.
	MaxWorkers int `json:"max_workers"`

	// Coalesce collapses missed runs into a single catch-up run.
	Coalesce bool `json:"coalesce"`

	// MaxInstances bounds concurrent executions of the job itself.
	// The scheduler treats anything other than 1 as 1.
	MaxInstances int `json:"max_instances"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultWorkerConfig returns the built-in scheduler settings used when the
// singleton row does not exist yet.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		ServerCheckIntervalS: DefaultServerCheckIntervalS,
		MaxWorkers:           DefaultMaxWorkers,
		Coalesce:             true,
		MaxInstances:         1,
	}
}

// Validate checks the config against the documented bounds.
func (c WorkerConfig) Validate() error {
	if c.ServerCheckIntervalS < MinServerCheckIntervalS || c.ServerCheckIntervalS > MaxServerCheckIntervalS {
		return &FieldError{Field: "server_check_interval_s", Message: "must be between 60 and 3600"}
	}
	if c.MaxWorkers < 1 || c.MaxWorkers > MaxMaxWorkers {
		return &FieldError{Field: "max_workers", Message: "must be between 1 and 10"}
	}
	if c.MaxInstances < 1 {
		return &FieldError{Field: "max_instances", Message: "must be at least 1"}
	}
	return nil
}

// Interval returns the check interval as a duration.
func (c WorkerConfig) Interval() time.Duration {
	return time.Duration(c.ServerCheckIntervalS) * time.Second
}

// FieldError reports a single invalid field on a model.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return "invalid " + e.Field + ": " + e.Message
}
