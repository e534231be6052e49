package postgres

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultProfile = "default"
	notifyChannel  = "shared_storage"
)

// StoreConfig configures a tab attached to a Postgres-backed profile.
// Pool configuration is handled separately via PoolConfig.
type StoreConfig struct {
	// Profile names the shared storage area. Tabs sharing a profile see each other's writes.
	// Default: "default"
	Profile string

	// AutoMigrate runs the embedded migrations before attaching.
	AutoMigrate bool

	// newBackOff paces attempts to restore a lost listen connection.
	newBackOff func() backoff.BackOff
}

func defaultListenBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	return b
}

// Validate checks that the configuration is valid.
func (c *StoreConfig) Validate() error {
	if len(c.Profile) > 128 {
		return errors.New("profile name must be at most 128 characters")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *StoreConfig) ApplyDefaults() {
	if c.Profile == "" {
		c.Profile = DefaultProfile
	}
	if c.newBackOff == nil {
		c.newBackOff = defaultListenBackOff
	}
}
