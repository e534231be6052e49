package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/coursepulse/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Tab      commands.TabCmd      `cmd:"" help:"Open a tab on a profile and drive it from stdin"`
		Login    commands.LoginCmd    `cmd:"" help:"Sign in and store the session in the profile"`
		Logout   commands.LogoutCmd   `cmd:"" help:"Sign out and clear the profile session"`
		Whoami   commands.WhoamiCmd   `cmd:"" help:"Print the session held by the profile"`
		Guard    commands.GuardCmd    `cmd:"" help:"Print the route decision for the profile session"`
		Settings commands.SettingsCmd `cmd:"" help:"Show or change the maintenance flag"`
		Debug    bool                 `help:"Enable debug mode."`
		Version  kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
