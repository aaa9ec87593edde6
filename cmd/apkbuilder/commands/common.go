// Package commands implements the apkbuilder command line.
package commands

import (
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
)

// Global carries process-wide state shared by subcommands.
type Global struct {
	Stdout io.Writer
}

func (g *Global) stdout() io.Writer {
	if g == nil || g.Stdout == nil {
		return os.Stdout
	}
	return g.Stdout
}

// CLI definition & global flags.
type CLI struct {
	Config    string           `short:"c" help:"Configuration file path" default:"config.yaml" env:"APKBUILDER_CONFIG"`
	Verbose   bool             `short:"v" help:"Enable verbose logging"`
	LogFormat string           `name:"log-format" help:"Log output format (text or json); defaults to the config file setting"`
	Version   kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve      ServeCmd   `cmd:"" help:"Run the build service"`
	Build      BuildCmd   `cmd:"" help:"Build a single package locally and exit"`
	Init       InitCmd    `cmd:"" help:"Write an example configuration file"`
	VersionCmd VersionCmd `cmd:"" name:"version" help:"Print version information"`

	Levels *slog.LevelVar `kong:"-"`
}

// AfterApply runs after flag parsing; it installs the process logger once.
func (c *CLI) AfterApply() error {
	c.Levels = new(slog.LevelVar)
	if c.Verbose {
		c.Levels.Set(slog.LevelDebug)
	}
	installLogger(os.Stderr, config.NormalizeLogFormat(c.LogFormat), c.Levels)
	return nil
}

// applyLogging adopts the configured level and format unless flags set them.
func (c *CLI) applyLogging(cfg *config.Config) {
	if c.Levels == nil {
		c.Levels = new(slog.LevelVar)
	}
	if !c.Verbose {
		c.Levels.Set(cfg.Monitoring.Logging.Level.SlogLevel())
	}
	if c.LogFormat == "" {
		installLogger(os.Stderr, cfg.Monitoring.Logging.Format, c.Levels)
	}
}

func installLogger(w io.Writer, format config.LogFormat, level slog.Leveler) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == config.LogFormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// loadConfig reads path, or falls back to defaults when the file does not exist.
func loadConfig(path string) (*config.Config, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Warn("Configuration file not found, using defaults", slog.String("path", path))
		return config.Default(), false, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, errors.WrapError(err, errors.CategoryConfig, "failed to load configuration").
			WithContext("path", path).
			Build()
	}
	return cfg, true, nil
}
