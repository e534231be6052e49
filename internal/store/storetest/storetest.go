// Package storetest holds behavioural checks shared by every SharedSessionStore backend.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/store"
)

// Factory returns two tabs attached to the same fresh profile.
type Factory func(t *testing.T) (store.SharedSessionStore, store.SharedSessionStore)

// DeliveryTimeout bounds how long cross-tab delivery may take in tests.
var DeliveryTimeout = 5 * time.Second

// Recorder collects changes delivered to a listener.
type Recorder struct {
	mu      sync.Mutex
	changes []store.Change
}

// Listen is a store.Listener.
func (r *Recorder) Listen(c store.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

// Changes returns a copy of everything recorded so far.
func (r *Recorder) Changes() []store.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Change(nil), r.changes...)
}

// SampleRecord returns a valid session record for role.
func SampleRecord(role models.Role) *models.SessionRecord {
	return &models.SessionRecord{
		Identity:    "identity-" + string(role),
		Role:        role,
		DisplayName: "Sample " + string(role),
		Email:       string(role) + "@example.edu",
		IssuedAt:    time.UnixMilli(1_760_000_000_000).UTC(),
	}
}

// Run exercises the contract every backend must honour.
func Run(t *testing.T, factory Factory) {
	t.Run("ReadAbsent", func(t *testing.T) {
		a, _ := factory(t)
		_, err := a.Read(context.Background())
		require.ErrorIs(t, err, store.ErrSessionAbsent)
	})

	t.Run("WriteNotifiesOtherTabOnly", func(t *testing.T) {
		ctx := context.Background()
		a, b := factory(t)

		self := &Recorder{}
		other := &Recorder{}
		a.OnChange(store.KeySession, self.Listen)
		b.OnChange(store.KeySession, other.Listen)

		require.NoError(t, a.Write(ctx, SampleRecord(models.RoleFaculty)))

		require.Eventually(t, func() bool {
			return len(other.Changes()) == 1
		}, DeliveryTimeout, 10*time.Millisecond)

		change := other.Changes()[0]
		require.Equal(t, store.KeySession, change.Key)
		require.True(t, change.Present)
		rec, err := change.Session()
		require.NoError(t, err)
		require.Equal(t, models.RoleFaculty, rec.Role)

		got, err := b.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, "identity-faculty", got.Identity)

		require.Never(t, func() bool {
			return len(self.Changes()) > 0
		}, 100*time.Millisecond, 10*time.Millisecond)
	})

	t.Run("ClearNotifiesAbsence", func(t *testing.T) {
		ctx := context.Background()
		a, b := factory(t)

		require.NoError(t, a.Write(ctx, SampleRecord(models.RoleStudent)))

		other := &Recorder{}
		b.OnChange(store.KeySession, other.Listen)

		require.NoError(t, a.Clear(ctx))

		require.Eventually(t, func() bool {
			for _, c := range other.Changes() {
				if !c.Present {
					return true
				}
			}
			return false
		}, DeliveryTimeout, 10*time.Millisecond)

		_, err := b.Read(ctx)
		require.ErrorIs(t, err, store.ErrSessionAbsent)
	})

	t.Run("ActivityNeverRegresses", func(t *testing.T) {
		ctx := context.Background()
		a, b := factory(t)

		later := time.UnixMilli(1_760_000_100_000)
		earlier := later.Add(-time.Minute)

		require.NoError(t, a.TouchActivity(ctx, later))
		require.NoError(t, b.TouchActivity(ctx, earlier))

		got, err := a.LastActivity(ctx)
		require.NoError(t, err)
		require.True(t, later.Equal(got), "expected %v got %v", later, got)
	})

	t.Run("ActivityNotifiesOtherTab", func(t *testing.T) {
		ctx := context.Background()
		a, b := factory(t)

		other := &Recorder{}
		b.OnChange(store.KeyLastActivity, other.Listen)

		at := time.UnixMilli(1_760_000_200_000)
		require.NoError(t, a.TouchActivity(ctx, at))

		require.Eventually(t, func() bool {
			return len(other.Changes()) >= 1
		}, DeliveryTimeout, 10*time.Millisecond)

		got, err := other.Changes()[0].Activity()
		require.NoError(t, err)
		require.True(t, at.Equal(got))
	})

	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		ctx := context.Background()
		a, b := factory(t)

		other := &Recorder{}
		unsubscribe := b.OnChange(store.KeySession, other.Listen)
		unsubscribe()

		require.NoError(t, a.Write(ctx, SampleRecord(models.RoleAdmin)))

		require.Never(t, func() bool {
			return len(other.Changes()) > 0
		}, 200*time.Millisecond, 20*time.Millisecond)
	})

	t.Run("ClosedStoreRejectsWrites", func(t *testing.T) {
		a, _ := factory(t)
		require.NoError(t, a.Close())
		require.ErrorIs(t, a.Write(context.Background(), SampleRecord(models.RoleAdmin)), store.ErrClosed)
	})
}
