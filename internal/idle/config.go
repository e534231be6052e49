package idle

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the durations driving the idle state machine.
type Config struct {
	// Threshold is how long without activity before the warning is shown.
	Threshold time.Duration

	// Grace is how long the warning stays up before forced logout.
	Grace time.Duration

	// ActivityThrottle is the minimum spacing between accepted activity signals.
	ActivityThrottle time.Duration

	// CountdownTick is the resolution of the warning countdown.
	CountdownTick time.Duration

	// ReconcileInterval is how often elapsed wall-clock time is re-checked
	// against the shared activity timestamp.
	ReconcileInterval time.Duration

	// LoginPath is where the tab is sent when the session ends.
	LoginPath string
}

// DefaultConfig returns a 14 minute threshold with a 60 second grace period,
// a 15 minute budget in total.
func DefaultConfig() Config {
	return Config{
		Threshold:         14 * time.Minute,
		Grace:             60 * time.Second,
		ActivityThrottle:  5 * time.Second,
		CountdownTick:     time.Second,
		ReconcileInterval: 2 * time.Second,
		LoginPath:         "/login",
	}
}

// Validate checks every duration is positive and the login path is set.
func (c Config) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("threshold must be greater than 0, got %s", c.Threshold)
	}
	if c.Grace <= 0 {
		return fmt.Errorf("grace must be greater than 0, got %s", c.Grace)
	}
	if c.ActivityThrottle < 0 {
		return fmt.Errorf("activity throttle must not be negative, got %s", c.ActivityThrottle)
	}
	if c.CountdownTick <= 0 {
		return fmt.Errorf("countdown tick must be greater than 0, got %s", c.CountdownTick)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be greater than 0, got %s", c.ReconcileInterval)
	}
	if c.LoginPath == "" {
		return errors.New("login path is required")
	}
	return nil
}

// Budget is the total time from last activity to forced logout.
func (c Config) Budget() time.Duration {
	return c.Threshold + c.Grace
}
