package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"git.home.luguber.info/inful/apkbuilder/internal/daemon"
)

// ServeCmd implements the 'serve' command.
type ServeCmd struct {
	Listen string `short:"l" help:"Override server.listen from the configuration"`
}

func (s *ServeCmd) Run(_ *Global, root *CLI) error {
	cfg, fromFile, err := loadConfig(root.Config)
	if err != nil {
		return err
	}
	if s.Listen != "" {
		cfg.Server.Listen = s.Listen
	}
	root.applyLogging(cfg)

	opts := daemon.Options{LevelVar: root.Levels}
	if fromFile {
		opts.ConfigPath = root.Config
	}
	d, err := daemon.New(cfg, opts)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("Starting apkbuilder", slog.String("listen", cfg.Server.Listen))
	return d.Run(ctx)
}
