// Package maintenance polls the settings collaborator for the maintenance flag
// and decides whether the application renders or shows the maintenance notice.
package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/telemetry"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultMaxTries   = 3
	DefaultMaxElapsed = 10 * time.Second
)

// SettingsFetcher retrieves the application settings.
type SettingsFetcher interface {
	Settings(ctx context.Context) (*models.Settings, error)
}

// Verdict is what the application tree should render.
type Verdict int

const (
	// Pending means the first fetch has not completed; render nothing.
	Pending Verdict = iota
	RenderChildren
	RenderNotice
)

func (v Verdict) String() string {
	switch v {
	case Pending:
		return "pending"
	case RenderChildren:
		return "render_children"
	case RenderNotice:
		return "render_notice"
	default:
		return "unknown"
	}
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock sets the clock driving the poll interval.
func WithClock(clock clockwork.Clock) Option {
	return func(g *Gate) {
		g.clock = clock
	}
}

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithRetry bounds the retries of a single fetch.
func WithRetry(maxTries uint, maxElapsed time.Duration) Option {
	return func(g *Gate) {
		g.maxTries = maxTries
		g.maxElapsed = maxElapsed
	}
}

// WithBackOff sets the retry backoff policy; newBackOff is called once per fetch.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(g *Gate) {
		g.newBackOff = newBackOff
	}
}

// Gate holds the most recent maintenance flag.
type Gate struct {
	fetcher    SettingsFetcher
	clock      clockwork.Clock
	interval   time.Duration
	maxTries   uint
	maxElapsed time.Duration
	newBackOff func() backoff.BackOff

	mu          sync.RWMutex
	loaded      bool
	maintenance bool

	inFlight atomic.Bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	done     chan struct{}
	lifeMu   sync.Mutex
}

// NewGate creates a gate polling fetcher. Call Start to begin polling.
func NewGate(fetcher SettingsFetcher, opts ...Option) *Gate {
	g := &Gate{
		fetcher:    fetcher,
		clock:      clockwork.NewRealClock(),
		interval:   DefaultInterval,
		maxTries:   DefaultMaxTries,
		maxElapsed: DefaultMaxElapsed,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Interval returns the poll interval.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// Start fetches immediately and then on every interval until Stop is called or
// ctx is cancelled. Starting a running gate does nothing.
func (g *Gate) Start(ctx context.Context) {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()

	if g.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})

	ticker := g.clock.NewTicker(g.interval)
	g.Poll(ctx)

	go func() {
		defer close(g.done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				g.Poll(ctx)
			}
		}
	}()
}

// Stop cancels polling, waits for any in-flight fetch to finish and forgets the
// last verdict, so a restarted gate is Pending until its first fetch.
func (g *Gate) Stop() {
	g.lifeMu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel = nil
	g.lifeMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	g.wg.Wait()

	g.mu.Lock()
	g.loaded = false
	g.maintenance = false
	g.mu.Unlock()
}

// Poll starts a fetch in the background unless one is already running.
// Returns false when the poll was dropped.
func (g *Gate) Poll(ctx context.Context) bool {
	if !g.inFlight.CompareAndSwap(false, true) {
		telemetry.GetMetrics().MaintenancePollsSkipped.Add(ctx, 1)
		log.Debug().Msg("settings fetch in flight, dropping poll")
		return false
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.inFlight.Store(false)
		g.fetch(ctx)
	}()

	return true
}

func (g *Gate) fetch(ctx context.Context) {
	start := time.Now()
	metrics := telemetry.GetMetrics()
	metrics.MaintenancePollsTotal.Add(ctx, 1)

	opts := []backoff.RetryOption{
		backoff.WithBackOff(g.newBackOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Dur("retry_in", next).Msg("settings fetch failed, retrying")
		}),
	}
	if g.maxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(g.maxTries))
	}
	if g.maxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(g.maxElapsed))
	}

	settings, err := backoff.Retry(ctx, func() (*models.Settings, error) {
		return g.fetcher.Settings(ctx)
	}, opts...)

	metrics.MaintenancePollDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Bool("success", err == nil)))

	if ctx.Err() != nil {
		return
	}

	maintenance := false
	if err != nil {
		metrics.MaintenanceFailuresTotal.Add(ctx, 1)
		log.Warn().Err(err).Msg("failed to fetch settings, assuming not in maintenance")
	} else if settings != nil {
		maintenance = settings.IsMaintenanceMode
	}

	g.mu.Lock()
	changed := !g.loaded || g.maintenance != maintenance
	g.loaded = true
	g.maintenance = maintenance
	g.mu.Unlock()

	if changed {
		log.Info().Bool("maintenance", maintenance).Msg("maintenance flag updated")
	}
}

// Maintenance returns the last known flag and whether any fetch has completed.
func (g *Gate) Maintenance() (on bool, loaded bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.maintenance, g.loaded
}

// Decide returns what to render for a visitor with role. Admins bypass the
// notice; an empty role is an anonymous visitor.
func (g *Gate) Decide(role models.Role) Verdict {
	on, loaded := g.Maintenance()
	switch {
	case !loaded:
		return Pending
	case on && role != models.RoleAdmin:
		return RenderNotice
	default:
		return RenderChildren
	}
}
