package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/coursepulse/internal/client"
	"github.com/wolfeidau/coursepulse/internal/guard"
	"github.com/wolfeidau/coursepulse/internal/logger"
	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/store"
	"github.com/wolfeidau/coursepulse/internal/tab"
)

type LoginCmd struct {
	Email    string     `help:"account email" required:""`
	Password string     `help:"account password" env:"COURSEPULSE_PASSWORD" required:""`
	Store    StoreFlags `embed:"" prefix:"store-"`
	API      APIFlags   `embed:"" prefix:"api-"`
}

func (c *LoginCmd) Run(ctx context.Context, globals *Globals) error {
	logger.Setup(globals.Debug)
	return c.run(ctx, os.Stdout)
}

func (c *LoginCmd) run(ctx context.Context, out io.Writer) error {
	rec, err := client.New(c.API.config()).Login(ctx, c.Email, c.Password)
	if err != nil {
		return err
	}

	st, closeStore, err := c.Store.Open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	tb := tab.New(st)
	if err := tb.Login(ctx, rec); err != nil {
		return err
	}

	fmt.Fprintf(out, "Signed in as %s (%s)\n", rec.DisplayName, rec.Role)
	fmt.Fprintf(out, "Home: %s\n", tb.Location())
	return nil
}

type LogoutCmd struct {
	Store StoreFlags `embed:"" prefix:"store-"`
	API   APIFlags   `embed:"" prefix:"api-"`
}

func (c *LogoutCmd) Run(ctx context.Context, globals *Globals) error {
	logger.Setup(globals.Debug)
	return c.run(ctx, os.Stdout)
}

func (c *LogoutCmd) run(ctx context.Context, out io.Writer) error {
	st, closeStore, err := c.Store.Open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	tb := tab.New(st)

	rec, err := tb.Session(ctx)
	switch {
	case errors.Is(err, store.ErrSessionAbsent):
		fmt.Fprintln(out, "Not signed in")
		return nil
	case err != nil:
		return fmt.Errorf("failed to read session: %w", err)
	}

	// The local session ends even when the API cannot be reached.
	if err := client.New(c.API.config()).Logout(ctx, rec.Identity); err != nil {
		log.Warn().Err(err).Msg("API logout failed, clearing local session anyway")
	}

	if err := tb.Logout(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out, "Signed out")
	return nil
}

type WhoamiCmd struct {
	Verify bool       `help:"confirm the session with the API; a rejected session is cleared" default:"false"`
	Store  StoreFlags `embed:"" prefix:"store-"`
	API    APIFlags   `embed:"" prefix:"api-"`
}

func (c *WhoamiCmd) Run(ctx context.Context, globals *Globals) error {
	logger.Setup(globals.Debug)
	return c.run(ctx, os.Stdout)
}

func (c *WhoamiCmd) run(ctx context.Context, out io.Writer) error {
	st, closeStore, err := c.Store.Open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	// The tab sits on a protected page so an API rejection signs it out.
	tb := tab.New(st, tab.WithLocation(guard.HomePath(models.RoleStudent)))

	rec, err := tb.Session(ctx)
	switch {
	case errors.Is(err, store.ErrSessionAbsent):
		fmt.Fprintln(out, "Not signed in")
		return nil
	case err != nil:
		return fmt.Errorf("failed to read session: %w", err)
	}

	if c.Verify {
		api := client.New(c.API.config(), client.WithResponseHook(tb.Transport))
		remote, err := api.Me(ctx, rec.Identity)
		switch {
		case errors.Is(err, client.ErrUnauthenticated):
			fmt.Fprintln(out, "Session rejected by the API and cleared")
			return nil
		case err != nil:
			return err
		}
		rec = remote
	}

	printSession(out, rec)
	return nil
}

func printSession(out io.Writer, rec *models.SessionRecord) {
	fmt.Fprintf(out, "Name:       %s\n", rec.DisplayName)
	fmt.Fprintf(out, "Email:      %s\n", rec.Email)
	fmt.Fprintf(out, "Role:       %s\n", rec.Role)
	if rec.StudentID != "" {
		fmt.Fprintf(out, "Student ID: %s\n", rec.StudentID)
	}
	if rec.Department != "" {
		fmt.Fprintf(out, "Department: %s\n", rec.Department)
	}
	if !rec.IssuedAt.IsZero() {
		fmt.Fprintf(out, "Issued:     %s\n", rec.IssuedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

type GuardCmd struct {
	Requirement string     `help:"route requirement (public, authenticated, admin-only, shared or roles:a,b)" default:"authenticated"`
	Store       StoreFlags `embed:"" prefix:"store-"`
}

func (c *GuardCmd) Run(ctx context.Context, globals *Globals) error {
	logger.Setup(globals.Debug)
	return c.run(ctx, os.Stdout)
}

func (c *GuardCmd) run(ctx context.Context, out io.Writer) error {
	req, err := guard.ParseRequirement(c.Requirement)
	if err != nil {
		return err
	}

	st, closeStore, err := c.Store.Open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := st.Read(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrSessionAbsent) {
			log.Warn().Err(err).Msg("failed to read session, treating as signed out")
		}
		rec = nil
	}

	decision := guard.Evaluate(rec, req)
	if decision.Kind == guard.Render {
		fmt.Fprintf(out, "%s: render\n", req)
		return nil
	}
	fmt.Fprintf(out, "%s: %s %s\n", req, decision.Kind, decision.Path())
	return nil
}

type SettingsCmd struct {
	Maintenance string     `help:"set the maintenance flag (admin only)" enum:",on,off" default:""`
	Store       StoreFlags `embed:"" prefix:"store-"`
	API         APIFlags   `embed:"" prefix:"api-"`
}

func (c *SettingsCmd) Run(ctx context.Context, globals *Globals) error {
	logger.Setup(globals.Debug)
	return c.run(ctx, os.Stdout)
}

func (c *SettingsCmd) run(ctx context.Context, out io.Writer) error {
	api := client.New(c.API.config())

	var (
		settings *models.Settings
		err      error
	)

	if c.Maintenance == "" {
		settings, err = api.Settings(ctx)
		if err != nil {
			return err
		}
	} else {
		settings, err = c.put(ctx, api)
		if err != nil {
			return err
		}
	}

	state := "off"
	if settings.IsMaintenanceMode {
		state = "on"
	}
	fmt.Fprintf(out, "Maintenance: %s\n", state)
	return nil
}

func (c *SettingsCmd) put(ctx context.Context, api *client.Client) (*models.Settings, error) {
	st, closeStore, err := c.Store.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	rec, err := st.Read(ctx)
	if err != nil {
		if errors.Is(err, store.ErrSessionAbsent) {
			return nil, errors.New("sign in as an administrator to change settings")
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	return api.PutSettings(ctx, rec.Identity, &models.Settings{IsMaintenanceMode: c.Maintenance == "on"})
}
