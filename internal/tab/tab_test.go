package tab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/coursepulse/internal/guard"
	"github.com/wolfeidau/coursepulse/internal/idle"
	"github.com/wolfeidau/coursepulse/internal/maintenance"
	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/store"
	"github.com/wolfeidau/coursepulse/internal/store/memory"
	"github.com/wolfeidau/coursepulse/internal/store/storetest"
)

type history struct {
	mu    sync.Mutex
	paths []string
}

func (h *history) record(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paths = append(h.paths, path)
}

func (h *history) last() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.paths) == 0 {
		return ""
	}
	return h.paths[len(h.paths)-1]
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.paths)
}

func openTab(t *testing.T, profile *memory.Profile, clock clockwork.Clock, opts ...Option) (*Tab, *history) {
	t.Helper()

	st := profile.Attach()
	t.Cleanup(func() { _ = st.Close() })

	h := &history{}
	opts = append([]Option{WithClock(clock), WithNavigationObserver(h.record)}, opts...)
	tb := New(st, opts...)
	require.NoError(t, tb.Mount(context.Background()))
	t.Cleanup(tb.Unmount)

	return tb, h
}

func TestNewDefaults(t *testing.T) {
	tb := New(memory.NewProfile().Attach())
	require.NotEmpty(t, tb.ID())
	require.Equal(t, "/", tb.Location())

	_, err := tb.State()
	require.ErrorIs(t, err, ErrNotMounted)
}

func TestLoginLandsOnRoleHome(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := memory.NewProfile()
	tb, _ := openTab(t, profile, clock, WithLocation("/login"))
	ctx := context.Background()

	require.NoError(t, tb.Login(ctx, storetest.SampleRecord(models.RoleFaculty)))
	require.Equal(t, "/faculty/dashboard", tb.Location())

	rec, err := tb.Session(ctx)
	require.NoError(t, err)
	require.Equal(t, models.RoleFaculty, rec.Role)

	last, err := tb.Store().LastActivity(ctx)
	require.NoError(t, err)
	require.Equal(t, clock.Now().UnixMilli(), last.UnixMilli())
}

func TestVisitUsesGuard(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tb, _ := openTab(t, memory.NewProfile(), clock)
	ctx := context.Background()

	d := tb.Visit(ctx, "/courses", guard.Shared)
	require.Equal(t, guard.RedirectToLogin, d.Kind)
	require.Equal(t, "/login", tb.Location())

	require.NoError(t, tb.Login(ctx, storetest.SampleRecord(models.RoleStudent)))

	d = tb.Visit(ctx, "/admin/dashboard", guard.AdminOnly)
	require.Equal(t, guard.RedirectToRoleHome, d.Kind)
	require.Equal(t, "/dashboard", tb.Location())

	d = tb.Visit(ctx, "/courses", guard.Shared)
	require.Equal(t, guard.Render, d.Kind)
	require.Equal(t, "/courses", tb.Location())
}

func TestLogoutReachesOtherTabs(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := memory.NewProfile()
	a, _ := openTab(t, profile, clock)
	b, bHistory := openTab(t, profile, clock)
	ctx := context.Background()

	require.NoError(t, a.Login(ctx, storetest.SampleRecord(models.RoleStudent)))
	b.Navigate("/courses")

	require.NoError(t, a.Logout(ctx))
	require.Equal(t, "/login", a.Location())

	require.Eventually(t, func() bool {
		s, err := b.State()
		return err == nil && s.Phase == idle.PhaseExpired && bHistory.last() == "/login"
	}, 5*time.Second, 10*time.Millisecond)

	s, err := b.State()
	require.NoError(t, err)
	require.Equal(t, idle.ReasonRemoteLogout, s.Reason)

	// a starts over after logging out
	s, err = a.State()
	require.NoError(t, err)
	require.Equal(t, idle.PhaseActive, s.Phase)
}

func TestIdleExpiryNavigatesToLogin(t *testing.T) {
	clock := clockwork.NewFakeClock()
	states := make(chan idle.State, 256)
	tb, _ := openTab(t, memory.NewProfile(), clock, WithStateObserver(func(s idle.State) {
		select {
		case states <- s:
		default:
		}
	}))
	ctx := context.Background()

	require.NoError(t, tb.Login(ctx, storetest.SampleRecord(models.RoleStudent)))

	clock.Advance(idle.DefaultConfig().Threshold)
	waitPhase(t, states, idle.PhaseWarning)
	clock.Advance(idle.DefaultConfig().Grace)
	waitPhase(t, states, idle.PhaseExpired)

	require.Equal(t, "/login", tb.Location())
	_, err := tb.Session(ctx)
	require.ErrorIs(t, err, store.ErrSessionAbsent)

	// logging in again replaces the expired coordinator
	require.NoError(t, tb.Login(ctx, storetest.SampleRecord(models.RoleStudent)))
	s, err := tb.State()
	require.NoError(t, err)
	require.Equal(t, idle.PhaseActive, s.Phase)
}

func waitPhase(t *testing.T, states chan idle.State, phase idle.Phase) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s.Phase == phase {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", phase)
		}
	}
}

func TestTransportEndsSessionOnRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	tb, _ := openTab(t, memory.NewProfile(), clock)
	ctx := context.Background()
	require.NoError(t, tb.Login(ctx, storetest.SampleRecord(models.RoleStudent)))

	client := &http.Client{Transport: tb.Transport(nil)}
	resp, err := client.Get(srv.URL + "/api/me")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "/login", tb.Location())
	_, err = tb.Session(ctx)
	require.ErrorIs(t, err, store.ErrSessionAbsent)
}

func TestRejectionDuringWarningExpiresTab(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	states := make(chan idle.State, 256)
	tb, h := openTab(t, memory.NewProfile(), clock, WithStateObserver(func(s idle.State) {
		select {
		case states <- s:
		default:
		}
	}))
	ctx := context.Background()
	require.NoError(t, tb.Login(ctx, storetest.SampleRecord(models.RoleStudent)))

	clock.Advance(idle.DefaultConfig().Threshold)
	waitPhase(t, states, idle.PhaseWarning)

	client := &http.Client{Transport: tb.Transport(nil)}
	resp, err := client.Get(srv.URL + "/api/courses")
	require.NoError(t, err)
	resp.Body.Close()

	waitPhase(t, states, idle.PhaseExpired)
	s, err := tb.State()
	require.NoError(t, err)
	require.Equal(t, idle.ReasonSessionRejected, s.Reason)
	require.Equal(t, "/login", h.last())

	// the countdown no longer runs, so the grace period passing changes nothing
	navigations := h.len()
	clock.Advance(idle.DefaultConfig().Grace)
	s, err = tb.State()
	require.NoError(t, err)
	require.Equal(t, idle.ReasonSessionRejected, s.Reason)
	require.Equal(t, navigations, h.len())
}

func TestRemoteLoginRevivesExpiredTab(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := memory.NewProfile()
	a, _ := openTab(t, profile, clock)
	b, _ := openTab(t, profile, clock)
	ctx := context.Background()

	require.NoError(t, a.Login(ctx, storetest.SampleRecord(models.RoleStudent)))
	require.NoError(t, a.Logout(ctx))

	require.Eventually(t, func() bool {
		s, err := b.State()
		return err == nil && s.Phase == idle.PhaseExpired
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Login(ctx, storetest.SampleRecord(models.RoleStudent)))

	require.Eventually(t, func() bool {
		s, err := b.State()
		return err == nil && s.Phase == idle.PhaseActive
	}, 5*time.Second, 10*time.Millisecond)

	// b records activity again, which only a live coordinator does
	clock.Advance(2 * time.Minute)
	b.Activity(idle.ActivityKey)

	require.Eventually(t, func() bool {
		last, err := a.Store().LastActivity(ctx)
		return err == nil && last.UnixMilli() == clock.Now().UnixMilli()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRemoteLoginLeavesLiveTabAlone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	profile := memory.NewProfile()
	a, _ := openTab(t, profile, clock)
	b, _ := openTab(t, profile, clock)
	ctx := context.Background()

	before := b.coordinator()
	require.NoError(t, a.Login(ctx, storetest.SampleRecord(models.RoleStudent)))

	require.Never(t, func() bool {
		return b.coordinator() != before
	}, 200*time.Millisecond, 10*time.Millisecond)
}

type staticSettings bool

func (s staticSettings) Settings(context.Context) (*models.Settings, error) {
	return &models.Settings{IsMaintenanceMode: bool(s)}, nil
}

func TestMountStartsGate(t *testing.T) {
	gate := maintenance.NewGate(staticSettings(true), maintenance.WithClock(clockwork.NewFakeClock()))
	tb, _ := openTab(t, memory.NewProfile(), clockwork.NewFakeClock(), WithGate(gate))

	require.Eventually(t, func() bool {
		return gate.Decide(models.RoleStudent) == maintenance.RenderNotice
	}, 5*time.Second, 10*time.Millisecond)

	tb.Unmount()
	tb.Unmount()
	_, err := tb.State()
	require.ErrorIs(t, err, ErrNotMounted)

	// an unmounted tab does not keep the old verdict
	require.Equal(t, maintenance.Pending, gate.Decide(models.RoleStudent))

	require.NoError(t, tb.Mount(context.Background()))
	require.Eventually(t, func() bool {
		return gate.Decide(models.RoleStudent) == maintenance.RenderNotice
	}, 5*time.Second, 10*time.Millisecond)
}
