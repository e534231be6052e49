package idle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/wolfeidau/coursepulse/internal/store"
	"github.com/wolfeidau/coursepulse/internal/telemetry"
)

var (
	ErrAlreadyStarted = errors.New("coordinator already started")
	ErrStopped        = errors.New("coordinator stopped")
)

// Navigator moves a tab to another location.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to a Navigator.
type NavigatorFunc func(path string)

func (f NavigatorFunc) Navigate(path string) { f(path) }

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for timers and timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithStateObserver registers fn to receive every transition and countdown tick.
// fn runs on the coordinator's goroutine and must not call Stop.
func WithStateObserver(fn func(State)) Option {
	return func(c *Coordinator) {
		c.observers = append(c.observers, fn)
	}
}

// WithTabID sets the tab identifier used in logs.
func WithTabID(id string) Option {
	return func(c *Coordinator) {
		c.tabID = id
	}
}

type eventKind int

const (
	evLocalActivity eventKind = iota
	evStaySignedIn
	evRemoteActivity
	evSessionCleared
	evSessionWritten
	evThresholdFired
	evTick
	evExpiryFired
	evLogoutNow
	evResume
	evSessionRejected
)

type event struct {
	kind     eventKind
	activity ActivityKind
	at       time.Time
	gen      uint64
}

// Coordinator runs the idle state machine for one tab.
//
// All state is owned by a single run-loop goroutine. Public methods, timers and
// store listeners only queue events for it.
type Coordinator struct {
	cfg       Config
	store     store.SharedSessionStore
	nav       Navigator
	clock     clockwork.Clock
	tabID     string
	observers []func(State)
	limiter   *rate.Limiter

	events   chan event
	stopCh   chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	mu    sync.RWMutex
	state State

	// owned by the run loop once started
	ctx         context.Context
	lastReset   time.Time
	thresholdAt time.Time
	expiryAt    time.Time
	gen         uint64
	threshold   clockwork.Timer
	expiry      clockwork.Timer
	tick        clockwork.Timer
	unsubscribe []func()
}

// New creates a coordinator for the tab holding st. Start begins tracking.
func New(st store.SharedSessionStore, nav Navigator, cfg Config, opts ...Option) (*Coordinator, error) {
	if st == nil {
		return nil, errors.New("shared session store is required")
	}
	if nav == nil {
		return nil, errors.New("navigator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid idle config: %w", err)
	}

	c := &Coordinator{
		cfg:    cfg,
		store:  st,
		nav:    nav,
		clock:  clockwork.NewRealClock(),
		events: make(chan event, 64),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	limit := rate.Inf
	if cfg.ActivityThrottle > 0 {
		limit = rate.Every(cfg.ActivityThrottle)
	}
	c.limiter = rate.NewLimiter(limit, 1)

	return c, nil
}

// Start enters ACTIVE and begins processing events until Stop is called or
// ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.ctx = ctx
	c.unsubscribe = []func(){
		c.store.OnChange(store.KeyLastActivity, c.onActivityChange),
		c.store.OnChange(store.KeySession, c.onSessionChange),
	}

	c.enterActive(c.clock.Now())

	ticker := c.clock.NewTicker(c.cfg.ReconcileInterval)
	telemetry.GetMetrics().ActiveTabs.Add(ctx, 1)

	log.Debug().Str("tab_id", c.tabID).Dur("threshold", c.cfg.Threshold).Dur("grace", c.cfg.Grace).Msg("idle coordinator started")

	go c.run(ticker)

	return nil
}

// Stop cancels every timer, deregisters the store listeners and waits for the
// run loop to exit. It is safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if c.started.Load() {
		<-c.done
	}
}

// State returns a snapshot of the current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RecordActivity reports a local input event. Only pointer, key, scroll and
// touch events count, at most once per throttle window.
func (c *Coordinator) RecordActivity(kind ActivityKind) {
	if !kind.Qualifies() {
		return
	}
	c.send(event{kind: evLocalActivity, activity: kind})
}

// StaySignedIn dismisses the warning. It counts as activity and is never throttled.
func (c *Coordinator) StaySignedIn() {
	c.send(event{kind: evStaySignedIn})
}

// LogoutNow ends the session immediately.
func (c *Coordinator) LogoutNow() {
	c.send(event{kind: evLogoutNow})
}

// Resume re-derives the state from elapsed wall-clock time. Hosts call it
// when the tab regains focus or the machine wakes.
func (c *Coordinator) Resume() {
	c.send(event{kind: evResume})
}

// SessionRejected records that the API refused the session. The caller has
// already cleared the shared session and navigated, so the tab only moves to
// EXPIRED.
func (c *Coordinator) SessionRejected() {
	c.send(event{kind: evSessionRejected})
}

func (c *Coordinator) send(ev event) {
	if !c.started.Load() {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	case <-c.stopCh:
	}
}

func (c *Coordinator) onActivityChange(change store.Change) {
	at, err := change.Activity()
	if err != nil {
		log.Warn().Err(err).Str("tab_id", c.tabID).Msg("ignoring unreadable activity timestamp")
		return
	}
	if at.IsZero() {
		return
	}
	c.send(event{kind: evRemoteActivity, at: at})
}

func (c *Coordinator) onSessionChange(change store.Change) {
	if !change.Present {
		c.send(event{kind: evSessionCleared})
		return
	}
	if _, err := change.Session(); err != nil {
		log.Warn().Err(err).Str("tab_id", c.tabID).Msg("ignoring unreadable session record")
		return
	}
	c.send(event{kind: evSessionWritten})
}

func (c *Coordinator) run(ticker clockwork.Ticker) {
	defer close(c.done)
	defer c.teardown(ticker)

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.Chan():
			c.reconcile()
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) teardown(ticker clockwork.Ticker) {
	ticker.Stop()
	c.stopTimers()
	for _, unsubscribe := range c.unsubscribe {
		unsubscribe()
	}
	telemetry.GetMetrics().ActiveTabs.Add(context.WithoutCancel(c.ctx), -1)
	log.Debug().Str("tab_id", c.tabID).Str("state", c.State().String()).Msg("idle coordinator stopped")
}

func (c *Coordinator) handle(ev event) {
	phase := c.State().Phase
	if phase == PhaseExpired {
		return
	}

	switch ev.kind {
	case evLocalActivity:
		now := c.clock.Now()
		if !c.limiter.AllowN(now, 1) {
			telemetry.GetMetrics().ActivityThrottled.Add(c.ctx, 1)
			return
		}
		c.acceptActivity(now, string(ev.activity))
	case evStaySignedIn:
		c.acceptActivity(c.clock.Now(), "stay_signed_in")
	case evRemoteActivity:
		c.remoteActivity(ev.at)
	case evSessionCleared:
		c.expire(ReasonRemoteLogout, false, true)
	case evSessionWritten:
		c.enterActive(c.clock.Now())
	case evThresholdFired:
		if ev.gen == c.gen && phase == PhaseActive {
			c.enterWarning(c.lastReset.Add(c.cfg.Budget()))
		}
	case evTick:
		if ev.gen == c.gen && phase == PhaseWarning {
			c.countdown()
		}
	case evExpiryFired:
		if ev.gen == c.gen && phase == PhaseWarning {
			c.expire(ReasonInactivity, true, true)
		}
	case evLogoutNow:
		c.expire(ReasonUserLogout, true, true)
	case evSessionRejected:
		c.expire(ReasonSessionRejected, false, false)
	case evResume:
		c.reconcile()
	}
}

func (c *Coordinator) acceptActivity(now time.Time, source string) {
	if err := c.store.TouchActivity(c.ctx, now); err != nil {
		log.Warn().Err(err).Str("tab_id", c.tabID).Msg("failed to record activity")
	}
	telemetry.GetMetrics().ActivityAcceptedTotal.Add(c.ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	c.enterActive(now)
}

func (c *Coordinator) remoteActivity(at time.Time) {
	now := c.clock.Now()
	if at.After(now) {
		at = now
	}

	switch c.State().Phase {
	case PhaseWarning:
		c.enterActive(now)
	case PhaseActive:
		if at.After(c.lastReset) {
			c.enterActive(at)
		}
	}
}

// reconcile compares elapsed wall-clock time against the most recent activity
// seen by this tab or any other, correcting timers that fired late or never.
func (c *Coordinator) reconcile() {
	phase := c.State().Phase
	if phase == PhaseExpired {
		return
	}

	now := c.clock.Now()
	ref := c.lastReset
	stored, err := c.store.LastActivity(c.ctx)
	if err != nil {
		log.Debug().Err(err).Str("tab_id", c.tabID).Msg("failed to read shared activity")
	} else if stored.After(ref) {
		ref = stored
	}
	if ref.After(now) {
		ref = now
	}

	idle := now.Sub(ref)
	switch {
	case idle >= c.cfg.Budget():
		c.expire(ReasonInactivity, true, true)
	case idle >= c.cfg.Threshold:
		deadline := ref.Add(c.cfg.Budget())
		if phase == PhaseWarning && deadline.Equal(c.expiryAt) {
			return
		}
		c.lastReset = ref
		c.enterWarning(deadline)
	default:
		if phase == PhaseActive && ref.Add(c.cfg.Threshold).Equal(c.thresholdAt) {
			return
		}
		c.enterActive(ref)
	}
}

func (c *Coordinator) enterActive(ref time.Time) {
	c.stopTimers()
	c.gen++
	gen := c.gen

	c.lastReset = ref
	c.thresholdAt = ref.Add(c.cfg.Threshold)
	c.expiryAt = time.Time{}
	c.threshold = c.clock.AfterFunc(c.thresholdAt.Sub(c.clock.Now()), func() {
		c.send(event{kind: evThresholdFired, gen: gen})
	})

	c.setState(State{Phase: PhaseActive})
}

func (c *Coordinator) enterWarning(deadline time.Time) {
	remaining := deadline.Sub(c.clock.Now())
	if remaining <= 0 {
		c.expire(ReasonInactivity, true, true)
		return
	}

	c.stopTimers()
	c.gen++
	gen := c.gen

	c.thresholdAt = time.Time{}
	c.expiryAt = deadline
	c.expiry = c.clock.AfterFunc(remaining, func() {
		c.send(event{kind: evExpiryFired, gen: gen})
	})
	c.scheduleTick(gen)

	c.setState(State{Phase: PhaseWarning, Remaining: roundUp(remaining, c.cfg.CountdownTick)})
}

func (c *Coordinator) countdown() {
	remaining := c.expiryAt.Sub(c.clock.Now())
	if remaining <= 0 {
		return
	}
	c.scheduleTick(c.gen)
	c.setState(State{Phase: PhaseWarning, Remaining: roundUp(remaining, c.cfg.CountdownTick)})
}

func (c *Coordinator) scheduleTick(gen uint64) {
	c.tick = c.clock.AfterFunc(c.cfg.CountdownTick, func() {
		c.send(event{kind: evTick, gen: gen})
	})
}

// expire is terminal. clear is false when another tab already removed the record.
func (c *Coordinator) expire(reason Reason, clear, navigate bool) {
	c.stopTimers()
	c.gen++

	next := State{Phase: PhaseExpired, Reason: reason}
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	if clear {
		if err := c.store.Clear(c.ctx); err != nil {
			log.Error().Err(err).Str("tab_id", c.tabID).Str("reason", string(reason)).Msg("failed to clear session")
		}
	}

	log.Info().Str("tab_id", c.tabID).Str("reason", string(reason)).Msg("session expired")
	telemetry.GetMetrics().IdleTransitionsTotal.Add(c.ctx, 1, metric.WithAttributes(attribute.String("state", next.Phase.String())))
	telemetry.GetMetrics().SessionsExpiredTotal.Add(c.ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))

	if navigate {
		c.nav.Navigate(c.cfg.LoginPath)
	}
	c.publish(next)
}

func (c *Coordinator) stopTimers() {
	for _, t := range []clockwork.Timer{c.threshold, c.expiry, c.tick} {
		if t != nil {
			t.Stop()
		}
	}
	c.threshold, c.expiry, c.tick = nil, nil, nil
}

func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	if prev.Phase != next.Phase {
		telemetry.GetMetrics().IdleTransitionsTotal.Add(c.ctx, 1, metric.WithAttributes(attribute.String("state", next.Phase.String())))
		log.Debug().Str("tab_id", c.tabID).Str("from", prev.String()).Str("state", next.String()).Msg("idle state changed")
	}

	c.publish(next)
}

func (c *Coordinator) publish(s State) {
	for _, fn := range c.observers {
		fn(s)
	}
}
