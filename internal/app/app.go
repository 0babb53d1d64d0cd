// Package app builds the application context: every long-lived component
// the daemon needs, created once and passed explicitly.
package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/CristiGvl/picoCPUCtl/internal/config"
	"github.com/CristiGvl/picoCPUCtl/internal/control"
	"github.com/CristiGvl/picoCPUCtl/internal/cpu"
	"github.com/CristiGvl/picoCPUCtl/internal/logging"
	"github.com/CristiGvl/picoCPUCtl/internal/memory"
	"github.com/CristiGvl/picoCPUCtl/internal/metrics"
	"github.com/CristiGvl/picoCPUCtl/internal/monitor"
	"github.com/CristiGvl/picoCPUCtl/internal/pathcache"
	"github.com/CristiGvl/picoCPUCtl/internal/platform"
	"github.com/CristiGvl/picoCPUCtl/internal/privileged"
	"github.com/CristiGvl/picoCPUCtl/internal/scheduler"
	"github.com/CristiGvl/picoCPUCtl/internal/settings"
	"github.com/CristiGvl/picoCPUCtl/internal/sysfs"
	"github.com/CristiGvl/picoCPUCtl/internal/temps"
	"github.com/CristiGvl/picoCPUCtl/internal/topology"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Name is used for the config, cache and log directories
const Name = "picocpuctl"

// Options override the defaults derived from Name and the config file
type Options struct {
	ConfigPath string
	CacheDir   string
	LogLevel   string
	LogFile    string
	// Quiet disables the stderr copy of the log
	Quiet bool
	// SysRoot and ProcRoot relocate /sys and /proc
	SysRoot  string
	ProcRoot string
}

// App is the application context
type App struct {
	Logger   *logrus.Logger
	Config   *config.Store
	Settings config.Settings

	Cache    *pathcache.Cache
	Locator  *sysfs.Locator
	Table    *sysfs.Table
	Topology topology.Info

	CPU    cpu.Reader
	Memory *memory.Reader
	Temps  *temps.Reader

	Loop      *scheduler.Loop
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
	Monitor   *monitor.Monitor

	Executor  *privileged.Executor
	Applied   *settings.Store
	Installer *settings.Installer
	Control   *control.Controller

	// base bounds privileged runs; it ends when Run returns
	base   context.Context
	stop   context.CancelFunc
	closer io.Closer
}

// New builds every component. Nothing is scheduled until Run.
func New(opts Options) (*App, error) {
	if err := platform.ValidateSupport(); err != nil {
		return nil, err
	}

	logFile := opts.LogFile
	if logFile == "" {
		if f, err := logging.DefaultFile(Name); err == nil {
			logFile = f
		}
	}
	level := opts.LogLevel
	if level == "" {
		level = config.Defaults().LoggingLevel
	}
	logger, closer, err := logging.New(logging.Options{
		Level:     level,
		File:      logFile,
		MaxSizeMB: logging.DefaultMaxSizeMB,
		Backups:   logging.DefaultBackups,
		Stderr:    !opts.Quiet,
	})
	if err != nil {
		return nil, err
	}
	a := &App{Logger: logger, closer: closer}
	a.base, a.stop = context.WithCancel(context.Background())

	if err := a.loadConfig(opts); err != nil {
		a.Close()
		return nil, err
	}
	a.locate(opts)

	a.CPU = cpu.NewReader(a.Table, a.Topology, logger)
	a.Memory = memory.NewReader()
	a.Temps = temps.NewReader(a.Table.PackageTempFile, logger)

	a.Loop = scheduler.NewLoop(logger)
	a.Scheduler = scheduler.New(a.Loop, logger)
	a.Metrics = metrics.New()
	a.Monitor = monitor.New(a.CPU, a.Memory, a.Scheduler, a.Metrics, logger)

	a.Executor = privileged.New(a.Settings.Elevator(), logger)
	a.Applied = settings.NewStore(a.Config, a.Topology.VirtualThreads, logger)
	a.Installer = settings.NewInstaller(a.Executor, logger)
	a.Control = control.New(control.Deps{
		Context:   a.base,
		Loop:      a.Loop,
		Table:     a.Table,
		Topology:  a.Topology,
		Settings:  a.Settings,
		Store:     a.Applied,
		Runner:    a.Executor,
		Installer: a.Installer,
		Monitor:   a.Monitor,
		ReadBoost: a.CPU.Boost,
		Metrics:   a.Metrics,
		Logger:    logger,
	})

	logger.Infof("%s on %s: %d cores, %d threads (%s)",
		a.Topology.ModelName, platform.DescribeMachine(platform.Machine()),
		a.Topology.PhysicalCores, a.Topology.VirtualThreads, a.Topology.Method)
	return a, nil
}

func (a *App) loadConfig(opts Options) error {
	path := opts.ConfigPath
	if path == "" {
		p, err := config.DefaultPath(Name)
		if err != nil {
			return err
		}
		path = p
	}

	cfg, err := config.Open(path, a.Logger)
	if err != nil {
		return err
	}
	if err := config.SaveDefaults(cfg); err != nil {
		a.Logger.Errorf("Error saving default settings: %v", err)
	}
	a.Config = cfg
	a.Settings = config.LoadSettings(cfg)

	if opts.LogLevel == "" {
		a.Logger.SetLevel(logging.ParseLevel(a.Settings.LoggingLevel))
	}
	return nil
}

func (a *App) locate(opts Options) {
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = pathcache.DefaultDir(Name)
	}
	a.Cache = pathcache.New(cacheDir, a.Logger)

	threads := cpu.Threads(context.Background())
	a.Locator = sysfs.NewLocator(a.Cache, threads, a.Logger)
	resolver := topology.NewResolver(a.Logger)
	if opts.SysRoot != "" {
		a.Locator.SysRoot = opts.SysRoot
		resolver.SysRoot = opts.SysRoot
	}
	if opts.ProcRoot != "" {
		a.Locator.ProcRoot = opts.ProcRoot
		resolver.ProcRoot = opts.ProcRoot
	}

	a.Table = a.Locator.LocateAll()
	cpuinfo := a.Table.Proc(sysfs.ProcCPUInfo)
	if cpuinfo == "" {
		cpuinfo = filepath.Join(resolver.ProcRoot, "cpuinfo")
	}
	a.Topology = resolver.Resolve(cpuinfo, threads)
}

// SetInterval changes the polling interval and stores it in the config
func (a *App) SetInterval(seconds float64) (time.Duration, error) {
	d := a.Monitor.SetInterval(time.Duration(seconds * float64(time.Second)))
	if err := a.Config.Set(config.SectionSettings, "update_interval", config.FormatSeconds(d.Seconds())); err != nil {
		return d, fmt.Errorf("saving update interval: %w", err)
	}
	return d, nil
}

// Run starts the main loop and the polling tasks, then runs each service
// until ctx is canceled or one of them fails
func (a *App) Run(ctx context.Context, services ...func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Loop.Run(ctx)
	})

	if err := a.Loop.Do(ctx, func() {
		if err := a.Monitor.Refresh(ctx); err != nil {
			a.Logger.Warnf("Initial sample: %v", err)
		}
	}); err != nil {
		a.Logger.Debugf("Initial sample skipped: %v", err)
	}
	a.Monitor.Start(a.Settings.Interval())

	for _, svc := range services {
		g.Go(func() error { return svc(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		a.Scheduler.StopAll()
		a.stop()
		return nil
	})

	return g.Wait()
}

// Close cancels in-flight privileged runs and releases the log file
func (a *App) Close() error {
	if a.stop != nil {
		a.stop()
	}
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
