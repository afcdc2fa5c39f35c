package main

import (
	"context"
	"os"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/remotebuild/cmd/remotebuild/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Serve   commands.ServeCmd   `cmd:"" default:"withargs" help:"Start the remote build server"`
		Certs   commands.CertsCmd   `cmd:"" help:"Create or inspect the server certificates"`
		Pair    commands.PairCmd    `cmd:"" help:"Redeem a pairing pin for a client certificate"`
		Modules commands.ModulesCmd `cmd:"" help:"List the modules built into the server"`
		Debug   bool                `help:"Enable debug mode." env:"REMOTEBUILD_DEBUG"`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("remotebuild"),
		kong.Description("Remote build server with certificate pairing"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version, Stdout: os.Stdout})
	cmd.FatalIfErrorf(err)
}
