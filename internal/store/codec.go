package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/wolfeidau/coursepulse/internal/models"
)

// EncodeSession validates and serializes a session record.
func EncodeSession(rec *models.SessionRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("%w: nil session record", ErrInvalidValue)
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session record: %w", err)
	}
	return string(data), nil
}

// DecodeSession parses a serialized session record.
func DecodeSession(value string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return &rec, nil
}

// FormatActivity renders an activity timestamp as unix milliseconds.
func FormatActivity(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseActivity parses a unix milliseconds activity timestamp.
// An empty value is the zero time.
func ParseActivity(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return time.UnixMilli(ms), nil
}

// Session decodes the session record carried by a change.
// Returns ErrSessionAbsent when the change is a removal.
func (c Change) Session() (*models.SessionRecord, error) {
	if !c.Present || c.Value == "" {
		return nil, ErrSessionAbsent
	}
	return DecodeSession(c.Value)
}

// Activity decodes the activity timestamp carried by a change.
func (c Change) Activity() (time.Time, error) {
	if !c.Present {
		return time.Time{}, nil
	}
	return ParseActivity(c.Value)
}

// Envelope is the wire form of a change exchanged between processes.
// Writer identifies the tab that made the change so it can skip its own notifications.
type Envelope struct {
	ID      string `json:"id"` // unique per write, used to drop duplicate deliveries
	Writer  string `json:"writer"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Present bool   `json:"present"`
}

// Change converts the envelope to the change delivered to listeners.
func (e Envelope) Change() Change {
	return Change{Key: e.Key, Value: e.Value, Present: e.Present}
}
