// Package tab hosts the per-tab runtime: the current location, the idle
// coordinator and the maintenance gate, all sharing one session store handle.
package tab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/coursepulse/internal/authboundary"
	"github.com/wolfeidau/coursepulse/internal/guard"
	"github.com/wolfeidau/coursepulse/internal/idle"
	"github.com/wolfeidau/coursepulse/internal/maintenance"
	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/store"
)

var ErrNotMounted = errors.New("tab not mounted")

// Option configures a Tab.
type Option func(*Tab)

// WithID overrides the generated tab ID.
func WithID(id string) Option {
	return func(t *Tab) {
		t.id = id
	}
}

// WithLocation sets the initial location, "/" by default.
func WithLocation(path string) Option {
	return func(t *Tab) {
		t.location = path
	}
}

// WithIdleConfig sets the idle coordinator configuration.
func WithIdleConfig(cfg idle.Config) Option {
	return func(t *Tab) {
		t.idleConfig = cfg
	}
}

// WithClock sets the clock shared by the coordinator and activity stamps.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Tab) {
		t.clock = clock
	}
}

// WithGate attaches a maintenance gate started and stopped with the tab.
func WithGate(gate *maintenance.Gate) Option {
	return func(t *Tab) {
		t.gate = gate
	}
}

// WithNavigationObserver registers fn to receive every navigation.
func WithNavigationObserver(fn func(path string)) Option {
	return func(t *Tab) {
		t.navObservers = append(t.navObservers, fn)
	}
}

// WithStateObserver registers fn to receive idle state changes.
func WithStateObserver(fn func(idle.State)) Option {
	return func(t *Tab) {
		t.stateObservers = append(t.stateObservers, fn)
	}
}

// Tab is one open view onto a profile.
type Tab struct {
	id             string
	store          store.SharedSessionStore
	idleConfig     idle.Config
	clock          clockwork.Clock
	gate           *maintenance.Gate
	navObservers   []func(string)
	stateObservers []func(idle.State)

	mu       sync.RWMutex
	location string

	mountMu      sync.Mutex
	ctx          context.Context
	coord        *idle.Coordinator
	unsubSession func()
}

// New creates an unmounted tab on st.
func New(st store.SharedSessionStore, opts ...Option) *Tab {
	t := &Tab{
		id:         uuid.NewString(),
		store:      st,
		idleConfig: idle.DefaultConfig(),
		clock:      clockwork.NewRealClock(),
		location:   "/",
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Tab) ID() string {
	return t.id
}

// Store returns the tab's session store handle.
func (t *Tab) Store() store.SharedSessionStore {
	return t.store
}

// Location returns the current path.
func (t *Tab) Location() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.location
}

// Navigate moves the tab to path.
func (t *Tab) Navigate(path string) {
	t.mu.Lock()
	from := t.location
	t.location = path
	t.mu.Unlock()

	log.Debug().Str("tab_id", t.id).Str("from", from).Str("path", path).Msg("Navigate")

	for _, fn := range t.navObservers {
		fn(path)
	}
}

// Mount starts the idle coordinator and the maintenance gate, if any.
func (t *Tab) Mount(ctx context.Context) error {
	t.mountMu.Lock()
	defer t.mountMu.Unlock()

	if t.coord != nil {
		return nil
	}

	if err := t.startCoordinator(ctx); err != nil {
		return err
	}
	t.ctx = ctx
	t.unsubSession = t.store.OnChange(store.KeySession, t.onSessionChange)

	if t.gate != nil {
		t.gate.Start(ctx)
	}

	log.Debug().Str("tab_id", t.id).Str("path", t.Location()).Msg("Tab mounted")

	return nil
}

// Unmount stops every timer and poll the tab owns.
func (t *Tab) Unmount() {
	t.mountMu.Lock()
	defer t.mountMu.Unlock()

	if t.coord == nil {
		return
	}

	t.unsubSession()
	t.unsubSession = nil

	t.coord.Stop()
	t.coord = nil

	if t.gate != nil {
		t.gate.Stop()
	}

	log.Debug().Str("tab_id", t.id).Msg("Tab unmounted")
}

func (t *Tab) startCoordinator(ctx context.Context) error {
	opts := []idle.Option{
		idle.WithClock(t.clock),
		idle.WithTabID(t.id),
	}
	for _, fn := range t.stateObservers {
		opts = append(opts, idle.WithStateObserver(fn))
	}

	coord, err := idle.New(t.store, t, t.idleConfig, opts...)
	if err != nil {
		return fmt.Errorf("failed to create idle coordinator: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start idle coordinator: %w", err)
	}

	t.coord = coord
	return nil
}

func (t *Tab) coordinator() *idle.Coordinator {
	t.mountMu.Lock()
	defer t.mountMu.Unlock()
	return t.coord
}

// State returns the idle state, ErrNotMounted when the tab is not mounted.
func (t *Tab) State() (idle.State, error) {
	coord := t.coordinator()
	if coord == nil {
		return idle.State{}, ErrNotMounted
	}
	return coord.State(), nil
}

// Activity reports a local input event to the coordinator.
func (t *Tab) Activity(kind idle.ActivityKind) {
	if coord := t.coordinator(); coord != nil {
		coord.RecordActivity(kind)
	}
}

// StaySignedIn dismisses the idle warning.
func (t *Tab) StaySignedIn() {
	if coord := t.coordinator(); coord != nil {
		coord.StaySignedIn()
	}
}

// Resume re-checks idle time after the host regains focus or wakes.
func (t *Tab) Resume() {
	if coord := t.coordinator(); coord != nil {
		coord.Resume()
	}
}

// Session returns the current session record.
func (t *Tab) Session(ctx context.Context) (*models.SessionRecord, error) {
	return t.store.Read(ctx)
}

// Login stores rec as the profile's session, records activity and lands the
// tab on the role's home page. An expired coordinator is replaced.
func (t *Tab) Login(ctx context.Context, rec *models.SessionRecord) error {
	if err := t.store.Write(ctx, rec); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := t.store.TouchActivity(ctx, t.clock.Now()); err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}

	if err := t.restart(false); err != nil {
		return err
	}

	log.Info().Str("tab_id", t.id).Str("role", rec.Role.String()).Msg("Logged in")
	t.Navigate(guard.HomePath(rec.Role))

	return nil
}

// restart replaces the mounted coordinator with a fresh one. Unless force is
// set only an expired coordinator is replaced.
func (t *Tab) restart(force bool) error {
	t.mountMu.Lock()
	defer t.mountMu.Unlock()

	if t.coord == nil {
		return nil
	}
	if !force && t.coord.State().Phase != idle.PhaseExpired {
		return nil
	}

	t.coord.Stop()
	t.coord = nil
	return t.startCoordinator(t.ctx)
}

// onSessionChange brings an expired tab back when another tab signs in.
func (t *Tab) onSessionChange(change store.Change) {
	if !change.Present {
		return
	}
	if _, err := change.Session(); err != nil {
		return
	}

	coord := t.coordinator()
	if coord == nil || coord.State().Phase != idle.PhaseExpired {
		return
	}

	if err := t.restart(false); err != nil {
		log.Error().Err(err).Str("tab_id", t.id).Msg("failed to restart idle coordinator after remote login")
		return
	}
	log.Info().Str("tab_id", t.id).Msg("Session started in another tab, idle tracking resumed")
}

// sessionRejected moves the idle state to EXPIRED after the API refused the
// session. The transport has already cleared the store and navigated.
func (t *Tab) sessionRejected() {
	if coord := t.coordinator(); coord != nil {
		coord.SessionRejected()
	}
}

// Logout ends the session for every tab of the profile and navigates to login.
// A mounted tab starts over with a fresh coordinator.
func (t *Tab) Logout(ctx context.Context) error {
	if err := t.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	log.Info().Str("tab_id", t.id).Msg("Logged out")
	t.Navigate(t.idleConfig.LoginPath)

	return t.restart(true)
}

// LogoutNow asks the coordinator to end the session, as from the idle warning.
func (t *Tab) LogoutNow() {
	if coord := t.coordinator(); coord != nil {
		coord.LogoutNow()
	}
}

// Visit navigates to path if the session satisfies req, otherwise to where the
// guard redirects. It returns the decision taken.
func (t *Tab) Visit(ctx context.Context, path string, req guard.Requirement) guard.Decision {
	rec, err := t.store.Read(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrSessionAbsent) {
			log.Warn().Err(err).Str("tab_id", t.id).Msg("failed to read session, treating as signed out")
		}
		rec = nil
	}

	decision := guard.Evaluate(rec, req)
	if decision.Kind == guard.Render {
		t.Navigate(path)
	} else {
		t.Navigate(decision.Path())
	}

	return decision
}

// Transport wraps base so API rejections end this tab's session.
func (t *Tab) Transport(base http.RoundTripper) http.RoundTripper {
	return &authboundary.Transport{
		Base:     base,
		Store:    t.store,
		Tab:      t,
		OnReject: t.sessionRejected,
	}
}
