package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/coursepulse/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Dev     bool `help:"Enable development mode (console logging, debug level)."`
		Version kong.VersionFlag
		Server  commands.ServerCmd `cmd:"" help:"Start the development API and gated pages"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Dev: cli.Dev, Version: version})
	cmd.FatalIfErrorf(err)
}
