package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/coursepulse/internal/models"
)

// Keys held in a profile's shared storage.
const (
	KeySession      = "session"
	KeyLastActivity = "lastActivity"
)

// Sentinel errors for common error conditions
var (
	ErrSessionAbsent = errors.New("session absent")
	ErrClosed        = errors.New("store closed")
	ErrInvalidValue  = errors.New("invalid stored value")
)

// Change is the notification delivered to other tabs when a key is written or removed.
type Change struct {
	Key     string
	Value   string // serialized value, empty when Present is false
	Present bool
}

// Listener receives changes made by other tabs.
type Listener func(Change)

// SharedSessionStore is one tab's handle onto the storage shared by every tab of a profile.
//
// Writes are synchronous for the calling tab. Every other attached tab receives a
// Change asynchronously; the writing tab never sees its own changes. Delivery is
// at-least-once per write and ordered per key, with no ordering across keys.
type SharedSessionStore interface {
	// Write serializes and stores the session record.
	Write(ctx context.Context, rec *models.SessionRecord) error

	// Read returns the current session record, or ErrSessionAbsent.
	Read(ctx context.Context) (*models.SessionRecord, error)

	// Clear removes the session record. Other tabs are notified even if it was already absent.
	Clear(ctx context.Context) error

	// TouchActivity records activity at t. The stored value never moves backwards.
	TouchActivity(ctx context.Context, t time.Time) error

	// LastActivity returns the stored activity timestamp, zero if never written.
	LastActivity(ctx context.Context) (time.Time, error)

	// OnChange registers fn for changes to key made by other tabs.
	// The returned func deregisters the listener.
	OnChange(key string, fn Listener) (unsubscribe func())

	// Close detaches the tab and deregisters all listeners.
	Close() error
}
