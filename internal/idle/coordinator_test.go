package idle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/store"
	"github.com/wolfeidau/coursepulse/internal/store/memory"
	"github.com/wolfeidau/coursepulse/internal/store/storetest"
)

const waitTimeout = 5 * time.Second

type navRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (n *navRecorder) Navigate(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *navRecorder) Paths() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

type tab struct {
	coord  *Coordinator
	store  store.SharedSessionStore
	nav    *navRecorder
	states chan State
}

// next returns the next published state.
func (tb *tab) next(t *testing.T) State {
	t.Helper()
	select {
	case s := <-tb.states:
		return s
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for state, current %s", tb.coord.State())
		return State{}
	}
}

// waitFor skips published states until one has the given phase.
func (tb *tab) waitFor(t *testing.T, phase Phase) State {
	t.Helper()
	for {
		if s := tb.next(t); s.Phase == phase {
			return s
		}
	}
}

func mountTab(t *testing.T, st store.SharedSessionStore, clock clockwork.Clock) *tab {
	t.Helper()

	tb := &tab{
		store:  st,
		nav:    &navRecorder{},
		states: make(chan State, 1024),
	}

	coord, err := New(st, tb.nav, DefaultConfig(),
		WithClock(clock),
		WithStateObserver(func(s State) {
			select {
			case tb.states <- s:
			default:
			}
		}),
	)
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(coord.Stop)

	tb.coord = coord
	require.Equal(t, PhaseActive, tb.next(t).Phase)

	return tb
}

func newProfile(t *testing.T) *memory.Profile {
	t.Helper()
	profile := memory.NewProfile()
	writer := profile.Attach()
	t.Cleanup(func() { _ = writer.Close() })
	require.NoError(t, writer.Write(context.Background(), storetest.SampleRecord(models.RoleStudent)))
	return profile
}

func attach(t *testing.T, profile *memory.Profile) store.SharedSessionStore {
	t.Helper()
	st := profile.Attach()
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestNewValidation(t *testing.T) {
	st := memory.NewProfile().Attach()
	defer st.Close()
	nav := &navRecorder{}

	_, err := New(nil, nav, DefaultConfig())
	require.Error(t, err)

	_, err = New(st, nil, DefaultConfig())
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.Grace = 0
	_, err = New(st, nav, cfg)
	require.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tb := mountTab(t, attach(t, newProfile(t)), clock)
	require.ErrorIs(t, tb.coord.Start(context.Background()), ErrAlreadyStarted)

	tb.coord.Stop()
	tb.coord.Stop()
	require.ErrorIs(t, tb.coord.Start(context.Background()), ErrStopped)
}

func TestWarningAfterExactThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tb := mountTab(t, attach(t, newProfile(t)), clock)

	clock.Advance(DefaultConfig().Threshold)

	s := tb.waitFor(t, PhaseWarning)
	require.Equal(t, 60*time.Second, s.Remaining)
	require.Empty(t, tb.nav.Paths())
}

func TestCountdownTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tb := mountTab(t, attach(t, newProfile(t)), clock)

	clock.Advance(DefaultConfig().Threshold)
	require.Equal(t, 60*time.Second, tb.waitFor(t, PhaseWarning).Remaining)

	for want := 59 * time.Second; want >= 55*time.Second; want -= time.Second {
		clock.Advance(time.Second)
		s := tb.next(t)
		require.Equal(t, PhaseWarning, s.Phase)
		require.Equal(t, want, s.Remaining)
	}
}

func TestExpiryClearsSessionAndNavigates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := newProfile(t)
	tb := mountTab(t, attach(t, profile), clock)

	clock.Advance(DefaultConfig().Threshold)
	tb.waitFor(t, PhaseWarning)

	clock.Advance(DefaultConfig().Grace)
	s := tb.waitFor(t, PhaseExpired)
	require.Equal(t, ReasonInactivity, s.Reason)
	require.Equal(t, []string{"/login"}, tb.nav.Paths())

	_, err := tb.store.Read(context.Background())
	require.ErrorIs(t, err, store.ErrSessionAbsent)
}

func TestActivityBeforeThresholdNeverWarns(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tb := mountTab(t, attach(t, newProfile(t)), clock)

	for i := 0; i < 5; i++ {
		clock.Advance(DefaultConfig().Threshold - time.Minute)
		tb.coord.RecordActivity(ActivityKey)
		require.Equal(t, State{Phase: PhaseActive}, tb.next(t))
	}

	last, err := tb.store.LastActivity(context.Background())
	require.NoError(t, err)
	require.Equal(t, clock.Now().UnixMilli(), last.UnixMilli())
}

func TestIgnoredActivityKinds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tb := mountTab(t, attach(t, newProfile(t)), clock)

	clock.Advance(time.Minute)
	tb.coord.RecordActivity(ActivityKind("visibilitychange"))

	clock.Advance(DefaultConfig().Threshold - time.Minute)
	require.Equal(t, PhaseWarning, tb.next(t).Phase)
}

func TestActivityThrottle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := newProfile(t)
	tb := mountTab(t, attach(t, profile), clock)
	other := attach(t, profile)
	ctx := context.Background()

	clock.Advance(10 * time.Second)
	tb.coord.RecordActivity(ActivityPointer)
	require.Equal(t, PhaseActive, tb.next(t).Phase)
	accepted := clock.Now()

	// inside the window: dropped
	clock.Advance(time.Second)
	tb.coord.RecordActivity(ActivityScroll)

	// an activity stamp from another tab at the same instant only re-arms this
	// tab if the scroll above was dropped
	require.NoError(t, other.TouchActivity(ctx, clock.Now()))
	require.Equal(t, PhaseActive, tb.next(t).Phase)

	last, err := other.LastActivity(ctx)
	require.NoError(t, err)
	require.True(t, last.After(accepted))

	// outside the window: accepted
	clock.Advance(5 * time.Second)
	tb.coord.RecordActivity(ActivityTouch)
	require.Equal(t, PhaseActive, tb.next(t).Phase)

	last, err = other.LastActivity(ctx)
	require.NoError(t, err)
	require.Equal(t, clock.Now().UnixMilli(), last.UnixMilli())
}

func TestStaySignedInBypassesThrottle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tb := mountTab(t, attach(t, newProfile(t)), clock)

	clock.Advance(DefaultConfig().Threshold)
	tb.waitFor(t, PhaseWarning)

	tb.coord.StaySignedIn()
	require.Equal(t, PhaseActive, tb.waitFor(t, PhaseActive).Phase)

	tb.coord.StaySignedIn()
	require.Equal(t, PhaseActive, tb.next(t).Phase)
}

func TestLogoutNow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := newProfile(t)
	a := mountTab(t, attach(t, profile), clock)
	b := mountTab(t, attach(t, profile), clock)

	a.coord.LogoutNow()
	s := a.waitFor(t, PhaseExpired)
	require.Equal(t, ReasonUserLogout, s.Reason)
	require.Equal(t, []string{"/login"}, a.nav.Paths())

	s = b.waitFor(t, PhaseExpired)
	require.Equal(t, ReasonRemoteLogout, s.Reason)
	require.Equal(t, []string{"/login"}, b.nav.Paths())
}

func TestSessionRejectedDuringWarning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := newProfile(t)
	a := mountTab(t, attach(t, profile), clock)

	clock.Advance(DefaultConfig().Threshold)
	a.waitFor(t, PhaseWarning)

	a.coord.SessionRejected()
	s := a.waitFor(t, PhaseExpired)
	require.Equal(t, ReasonSessionRejected, s.Reason)
	require.Equal(t, "EXPIRED(session_rejected)", s.String())

	// the rejecting transport navigates, the coordinator does not
	require.Empty(t, a.nav.Paths())

	// clearing is also left to the transport
	_, err := a.store.Read(context.Background())
	require.NoError(t, err)
}

func TestRemoteActivityCancelsWarning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := newProfile(t)
	a := mountTab(t, attach(t, profile), clock)
	b := mountTab(t, attach(t, profile), clock)

	clock.Advance(DefaultConfig().Threshold)
	a.waitFor(t, PhaseWarning)
	b.waitFor(t, PhaseWarning)

	b.coord.RecordActivity(ActivityKey)
	b.waitFor(t, PhaseActive)
	a.waitFor(t, PhaseActive)

	// the expiry a was counting down to has been cancelled
	clock.Advance(DefaultConfig().Grace)
	assert.Never(t, func() bool {
		return a.coord.State().Phase != PhaseActive
	}, 200*time.Millisecond, 10*time.Millisecond)
	require.Empty(t, a.nav.Paths())
}

func TestRemoteActivityRearmsThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := newProfile(t)
	a := mountTab(t, attach(t, profile), clock)
	b := mountTab(t, attach(t, profile), clock)

	clock.Advance(10 * time.Minute)
	b.coord.RecordActivity(ActivityPointer)
	b.waitFor(t, PhaseActive)
	a.waitFor(t, PhaseActive)

	// a would have warned here without the remote activity
	clock.Advance(4 * time.Minute)
	assert.Never(t, func() bool {
		return a.coord.State().Phase != PhaseActive
	}, 200*time.Millisecond, 10*time.Millisecond)

	clock.Advance(10 * time.Minute)
	s := a.waitFor(t, PhaseWarning)
	require.Equal(t, 60*time.Second, s.Remaining)
}

func TestExpiryLogsOutOtherTabs(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := newProfile(t)
	a := mountTab(t, attach(t, profile), clock)

	clock.Advance(30 * time.Second)
	b := mountTab(t, attach(t, profile), clock)

	clock.Advance(DefaultConfig().Threshold - 30*time.Second)
	a.waitFor(t, PhaseWarning)

	clock.Advance(DefaultConfig().Grace)
	s := a.waitFor(t, PhaseExpired)
	require.Equal(t, ReasonInactivity, s.Reason)

	s = b.waitFor(t, PhaseExpired)
	require.Equal(t, ReasonRemoteLogout, s.Reason)
	require.Equal(t, []string{"/login"}, b.nav.Paths())
}

func TestRemoteLoginResetsWarning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := newProfile(t)
	a := mountTab(t, attach(t, profile), clock)
	other := attach(t, profile)

	clock.Advance(DefaultConfig().Threshold)
	a.waitFor(t, PhaseWarning)

	require.NoError(t, other.Write(context.Background(), storetest.SampleRecord(models.RoleFaculty)))
	a.waitFor(t, PhaseActive)
}

func TestExpiredIsTerminal(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := newProfile(t)
	a := mountTab(t, attach(t, profile), clock)
	other := attach(t, profile)

	a.coord.LogoutNow()
	a.waitFor(t, PhaseExpired)

	require.NoError(t, other.Write(context.Background(), storetest.SampleRecord(models.RoleStudent)))
	a.coord.StaySignedIn()
	assert.Never(t, func() bool {
		return a.coord.State().Phase != PhaseExpired
	}, 200*time.Millisecond, 10*time.Millisecond)

	// remounting starts fresh
	b := mountTab(t, attach(t, profile), clock)
	require.Equal(t, PhaseActive, b.coord.State().Phase)
}

func TestStopCancelsTimers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := newProfile(t)
	tb := mountTab(t, attach(t, profile), clock)

	tb.coord.Stop()
	clock.Advance(2 * DefaultConfig().Budget())

	assert.Never(t, func() bool {
		return len(tb.nav.Paths()) > 0
	}, 200*time.Millisecond, 10*time.Millisecond)

	_, err := tb.store.Read(context.Background())
	require.NoError(t, err)
}

// quietStore drops change notifications, as if every broadcast were lost.
type quietStore struct {
	store.SharedSessionStore
}

func (quietStore) OnChange(string, store.Listener) func() { return func() {} }

func TestReconcileClearsStaleWarning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := newProfile(t)
	a := mountTab(t, quietStore{attach(t, profile)}, clock)
	other := attach(t, profile)

	clock.Advance(DefaultConfig().Threshold)
	a.waitFor(t, PhaseWarning)

	require.NoError(t, other.TouchActivity(context.Background(), clock.Now()))
	clock.Advance(DefaultConfig().ReconcileInterval)
	a.waitFor(t, PhaseActive)
}

// suspendedClock reports wall-clock time from wall while its timers and
// tickers run on the embedded clock, which is never advanced. It models a
// machine that slept with the tab's timers frozen.
type suspendedClock struct {
	*clockwork.FakeClock
	wall *clockwork.FakeClock
}

func (c suspendedClock) Now() time.Time                  { return c.wall.Now() }
func (c suspendedClock) Since(t time.Time) time.Duration { return c.wall.Since(t) }

func TestResumeAfterSuspension(t *testing.T) {
	tests := []struct {
		name  string
		sleep time.Duration
		check func(t *testing.T, tb *tab)
	}{
		{
			name:  "past budget expires",
			sleep: 20 * time.Minute,
			check: func(t *testing.T, tb *tab) {
				s := tb.waitFor(t, PhaseExpired)
				require.Equal(t, ReasonInactivity, s.Reason)
				require.Equal(t, []string{"/login"}, tb.nav.Paths())
			},
		},
		{
			name:  "inside grace warns with remaining time",
			sleep: 14*time.Minute + 30*time.Second,
			check: func(t *testing.T, tb *tab) {
				s := tb.waitFor(t, PhaseWarning)
				require.Equal(t, 30*time.Second, s.Remaining)
			},
		},
		{
			name:  "short sleep stays active",
			sleep: 5 * time.Minute,
			check: func(t *testing.T, tb *tab) {
				assert.Never(t, func() bool {
					return tb.coord.State().Phase != PhaseActive
				}, 200*time.Millisecond, 10*time.Millisecond)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wall := clockwork.NewFakeClock()
			clock := suspendedClock{FakeClock: clockwork.NewFakeClockAt(wall.Now()), wall: wall}
			tb := mountTab(t, attach(t, newProfile(t)), clock)

			wall.Advance(tt.sleep)
			tb.coord.Resume()
			tt.check(t, tb)
		})
	}
}
