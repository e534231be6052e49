package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/coursepulse/internal/models"
)

func TestEncodeDecodeSession(t *testing.T) {
	rec := &models.SessionRecord{
		Identity:    "0190b3c4-tok",
		Role:        models.RoleStudent,
		DisplayName: "Ada Student",
		Email:       "ada@example.edu",
		StudentID:   "S-1001",
	}

	value, err := EncodeSession(rec)
	require.NoError(t, err)
	require.Contains(t, value, `"role":"student"`)

	got, err := DecodeSession(value)
	require.NoError(t, err)
	require.Equal(t, rec.Identity, got.Identity)
	require.Equal(t, rec.StudentID, got.StudentID)
}

func TestEncodeSessionRejectsInvalid(t *testing.T) {
	_, err := EncodeSession(nil)
	require.ErrorIs(t, err, ErrInvalidValue)

	_, err = EncodeSession(&models.SessionRecord{Identity: "tok", Role: "root"})
	require.ErrorIs(t, err, models.ErrInvalidRole)
}

func TestDecodeSessionRejectsGarbage(t *testing.T) {
	_, err := DecodeSession("{not json")
	require.ErrorIs(t, err, ErrInvalidValue)

	_, err = DecodeSession(`{"identity":"","role":"admin"}`)
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestActivityRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_760_000_000_123)
	got, err := ParseActivity(FormatActivity(now))
	require.NoError(t, err)
	require.True(t, now.Equal(got))

	zero, err := ParseActivity("")
	require.NoError(t, err)
	require.True(t, zero.IsZero())

	_, err = ParseActivity("yesterday")
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestChangeSession(t *testing.T) {
	_, err := Change{Key: KeySession}.Session()
	require.ErrorIs(t, err, ErrSessionAbsent)

	value, err := EncodeSession(&models.SessionRecord{Identity: "tok", Role: models.RoleAdmin})
	require.NoError(t, err)

	rec, err := Change{Key: KeySession, Value: value, Present: true}.Session()
	require.NoError(t, err)
	require.True(t, rec.IsAdmin())
}
