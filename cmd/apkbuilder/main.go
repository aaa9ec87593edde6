package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/apkbuilder/cmd/apkbuilder/commands"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/version"
)

func main() {
	var cli commands.CLI
	parser := kong.Parse(&cli,
		kong.Name("apkbuilder"),
		kong.Description("Turns a website or a zipped site bundle into a signed Android package."),
		kong.UsageOnError(),
		kong.Vars{"version": version.Version},
	)

	if err := parser.Run(&commands.Global{Stdout: os.Stdout}, &cli); err != nil {
		adapter := errors.NewCLIErrorAdapter(cli.Verbose, slog.Default())
		adapter.Log(err)
		_, _ = fmt.Fprintln(os.Stderr, adapter.FormatError(err))
		os.Exit(adapter.ExitCodeFor(err))
	}
}
