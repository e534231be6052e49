package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/coursepulse/internal/client"
	"github.com/wolfeidau/coursepulse/internal/guard"
	"github.com/wolfeidau/coursepulse/internal/idle"
	"github.com/wolfeidau/coursepulse/internal/logger"
	"github.com/wolfeidau/coursepulse/internal/maintenance"
	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/tab"
)

type TabCmd struct {
	Location    string     `help:"path the tab starts on" default:"/dashboard"`
	Maintenance bool       `help:"poll the API for the maintenance flag" default:"false"`
	Store       StoreFlags `embed:"" prefix:"store-"`
	Idle        IdleFlags  `embed:"" prefix:"idle-"`
	API         APIFlags   `embed:"" prefix:"api-"`
}

func (c *TabCmd) Run(ctx context.Context, globals *Globals) error {
	logger.Setup(globals.Debug)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.run(ctx, os.Stdin, os.Stdout)
}

func (c *TabCmd) run(ctx context.Context, in io.Reader, out io.Writer) error {
	st, closeStore, err := c.Store.Open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	w := &syncWriter{w: out}

	opts := []tab.Option{
		tab.WithLocation(c.Location),
		tab.WithIdleConfig(c.Idle.config()),
		tab.WithNavigationObserver(func(path string) {
			w.printf("navigate %s\n", path)
		}),
		tab.WithStateObserver(func(s idle.State) {
			w.printf("state %s\n", s)
		}),
	}

	var gate *maintenance.Gate
	if c.Maintenance {
		gate = maintenance.NewGate(client.New(c.API.config()))
		opts = append(opts, tab.WithGate(gate))
	}

	tb := tab.New(st, opts...)
	if err := tb.Mount(ctx); err != nil {
		return fmt.Errorf("failed to mount tab: %w", err)
	}
	defer tb.Unmount()

	log.Info().Str("tab_id", tb.ID()).Str("store", c.Store.Type).Msg("Tab mounted, reading commands from stdin")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			c.handle(ctx, tb, gate, w, line)
		}
	}
}

func (c *TabCmd) handle(ctx context.Context, tb *tab.Tab, gate *maintenance.Gate, w *syncWriter, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "pointer", "key", "scroll", "touch":
		tb.Activity(idle.ActivityKind(fields[0]))
	case "stay":
		tb.StaySignedIn()
	case "logout":
		tb.LogoutNow()
	case "resume":
		tb.Resume()
	case "state":
		s, err := tb.State()
		if err != nil {
			w.printf("error %v\n", err)
			return
		}
		w.printf("state %s\n", s)
	case "visit":
		if len(fields) < 2 {
			w.printf("usage: visit <path> [requirement]\n")
			return
		}
		req := guard.Authenticated
		if len(fields) > 2 {
			parsed, err := guard.ParseRequirement(fields[2])
			if err != nil {
				w.printf("error %v\n", err)
				return
			}
			req = parsed
		}
		decision := tb.Visit(ctx, fields[1], req)
		w.printf("decision %s\n", decision.Kind)
		if gate != nil {
			var role models.Role
			if rec, err := tb.Session(ctx); err == nil {
				role = rec.Role
			}
			w.printf("maintenance %s\n", gate.Decide(role))
		}
	default:
		w.printf("unknown command %q\n", fields[0])
	}
}

// syncWriter serializes output from the coordinator goroutine and the input loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}
