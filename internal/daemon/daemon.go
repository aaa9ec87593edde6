// Package daemon runs the build service: HTTP API, worker pool, journal,
// remote fan-out, housekeeping and configuration reload.
package daemon

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/apkbuilder/internal/build"
	"git.home.luguber.info/inful/apkbuilder/internal/config"
	"git.home.luguber.info/inful/apkbuilder/internal/events"
	"git.home.luguber.info/inful/apkbuilder/internal/eventstore"
	"git.home.luguber.info/inful/apkbuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/apkbuilder/internal/janitor"
	"git.home.luguber.info/inful/apkbuilder/internal/metrics"
	"git.home.luguber.info/inful/apkbuilder/internal/notify"
	"git.home.luguber.info/inful/apkbuilder/internal/process"
	"git.home.luguber.info/inful/apkbuilder/internal/server/httpserver"
)

const (
	shutdownTimeout = 30 * time.Second
	sinkBuffer      = 256
)

// Options carries process-level wiring that is not part of the config file.
type Options struct {
	// ConfigPath enables hot reload when set.
	ConfigPath string

	// LevelVar backs the process logger so reloads can change the level.
	LevelVar *slog.LevelVar

	// Runner executes toolchain processes; nil runs real commands.
	Runner process.Runner
}

// Daemon owns every long-running component.
type Daemon struct {
	cfg       *config.Config
	opts      Options
	startTime time.Time

	pollInterval atomic.Int64

	pipeline  *Pipeline
	bus       *events.Bus
	store     *eventstore.SQLiteStore
	journal   *eventstore.Journal
	publisher *notify.Publisher
	recorder  metrics.Recorder
	service   *build.Service
	server    *httpserver.Server
	janitor   *janitor.Janitor
	watcher   *ConfigWatcher

	mu      sync.Mutex
	started bool
	stopped bool
	unsubs  []func()
	wg      sync.WaitGroup
}

// New builds the daemon from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.ConfigError("configuration required").Build()
	}
	if opts.LevelVar == nil {
		opts.LevelVar = new(slog.LevelVar)
		opts.LevelVar.Set(cfg.Monitoring.Logging.Level.SlogLevel())
	}

	d := &Daemon{cfg: cfg, opts: opts, startTime: time.Now(), bus: events.NewBus()}
	d.pollInterval.Store(int64(cfg.Server.PollInterval))

	store, err := eventstore.NewSQLiteStore(cfg.Events.JournalDSN)
	if err != nil {
		return nil, err
	}
	d.store = store
	d.journal = eventstore.NewJournal(store)

	var metricsHandler http.Handler
	d.recorder = metrics.NoopRecorder{}
	if cfg.Monitoring.Metrics.Enabled {
		reg := metrics.NewRegistry()
		d.recorder = metrics.NewPrometheusRecorder(reg)
		metricsHandler = metrics.HTTPHandler(reg)
	}

	d.pipeline = NewPipeline(cfg, opts.Runner, nil)
	d.pipeline.Executor.WithBus(d.bus).WithRecorder(d.recorder)
	d.service = build.NewService(d.pipeline.Registry, d.pipeline.Executor, build.ServiceOptions{
		Workers:         cfg.Build.Workers,
		QueueSize:       cfg.Build.QueueSize,
		DefaultFlags:    cfg.Build.DefaultFlags,
		ExtraDescriptor: cfg.Build.ExtraDescriptor,
	}).WithBus(d.bus).WithRecorder(d.recorder)

	d.janitor, err = janitor.New(d.pipeline.Workspaces, d.pipeline.Registry, cfg.Storage.SweepInterval, cfg.Storage.Retention)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	d.janitor.WithJournal(store)

	d.server = httpserver.New(cfg, d.service, httpserver.Options{
		Journal:        store,
		PollInterval:   d.PollInterval,
		MetricsHandler: metricsHandler,
		StartTime:      d.startTime,
	})
	return d, nil
}

// Start prepares storage and starts every component. On failure the
// components already started are stopped again.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.DaemonError("daemon already started").Build()
	}

	defer func() {
		if err != nil {
			_ = d.shutdown(context.Background())
		}
	}()

	if err := d.pipeline.Prepare(ctx); err != nil {
		return err
	}

	journalCh, unsub := events.SubscribeNamed[events.BuildEvent](d.bus, "journal", sinkBuffer)
	d.unsubs = append(d.unsubs, unsub)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.journal.Run(context.WithoutCancel(ctx), journalCh)
	}()

	if d.cfg.Events.NATSURL != "" {
		pub, err := notify.Connect(d.cfg.Events.NATSURL, d.cfg.Events.SubjectPrefix)
		if err != nil {
			return err
		}
		pub.SetRecorder(d.recorder)
		d.publisher = pub
		natsCh, unsub := events.SubscribeNamed[events.BuildEvent](d.bus, "nats", sinkBuffer)
		d.unsubs = append(d.unsubs, unsub)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			pub.Run(context.WithoutCancel(ctx), natsCh)
		}()
	}

	d.service.Start(ctx)
	d.started = true

	if err := d.janitor.Start(ctx); err != nil {
		return err
	}
	if err := d.server.Start(ctx); err != nil {
		return err
	}

	if d.opts.ConfigPath != "" {
		w, err := NewConfigWatcher(d.opts.ConfigPath, d.ReloadConfig)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		d.watcher = w
	}

	slog.Info("Daemon started",
		slog.String("addr", d.server.Addr().String()),
		slog.Int("workers", d.cfg.Build.Workers),
		slog.Int("queue_size", d.cfg.Build.QueueSize))
	return nil
}

// Stop shuts everything down in reverse order. Queued and running builds
// are recorded as interrupted.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown(ctx)
}

func (d *Daemon) shutdown(ctx context.Context) error {
	if d.stopped {
		return nil
	}
	d.stopped = true

	var errs []error
	if d.watcher != nil {
		if err := d.watcher.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.server.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := d.janitor.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if d.started {
		d.service.Stop(ctx)
	}

	// closing the bus ends the sink goroutines once they drain
	d.bus.Close()
	d.wg.Wait()
	for _, unsub := range d.unsubs {
		unsub()
	}
	if d.publisher != nil {
		d.publisher.Close()
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.WrapError(stdErrors.Join(errs...), errors.CategoryDaemon, "daemon shutdown incomplete").Build()
	}
	slog.Info("Daemon stopped")
	return nil
}

// Run starts the daemon and blocks until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	slog.Info("Shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// PollInterval is the current progress stream poll interval.
func (d *Daemon) PollInterval() time.Duration {
	return time.Duration(d.pollInterval.Load())
}

// Addr is the bound HTTP address after Start.
func (d *Daemon) Addr() net.Addr { return d.server.Addr() }

// Service exposes the build service.
func (d *Daemon) Service() *build.Service { return d.service }

// ReloadConfig applies the settings that can change at runtime: the log
// level and the progress poll interval. Other changes are logged and need
// a restart.
func (d *Daemon) ReloadConfig(next *config.Config) error {
	if next == nil {
		return errors.ConfigError("configuration required").Build()
	}
	level := next.Monitoring.Logging.Level.SlogLevel()
	if d.opts.LevelVar.Level() != level {
		d.opts.LevelVar.Set(level)
		slog.Info("Log level changed", slog.String("level", level.String()))
	}
	if next.Server.PollInterval > 0 && next.Server.PollInterval != d.PollInterval() {
		d.pollInterval.Store(int64(next.Server.PollInterval))
		slog.Info("Progress poll interval changed", slog.Duration("interval", next.Server.PollInterval))
	}
	if next.Server.Listen != d.cfg.Server.Listen || next.Build.Workers != d.cfg.Build.Workers ||
		next.Storage.DataDir != d.cfg.Storage.DataDir {
		slog.Warn("Configuration changes to server, build or storage settings require a restart")
	}
	return nil
}
