// memoptimizer watches physical memory pressure, trims process working sets
// when asked to (or when memory runs high), and manages startup programs.
//
// Usage:
//
//	memoptimizer [flags] [command]
//
// Commands:
//
//	run                       Run the daemon (default)
//	optimize                  Trim every eligible process once
//	processes                 List the top processes by working set
//	startup list              List startup programs and their state
//	startup enable|disable ID Toggle a startup program
//	settings [key=value ...]  Show or change settings
//	runs                      Show recent optimize runs
//
// Flags:
//
//	-config string  Path to configuration file
//	-json           Print command output as JSON
//	-verbose        Log at debug level
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/l3lackShark/memoptimizer/config"
	"github.com/l3lackShark/memoptimizer/database"
	"github.com/l3lackShark/memoptimizer/history"
	"github.com/l3lackShark/memoptimizer/memory"
	"github.com/l3lackShark/memoptimizer/notify"
	"github.com/l3lackShark/memoptimizer/optimizer"
	"github.com/l3lackShark/memoptimizer/scheduler"
	"github.com/l3lackShark/memoptimizer/settings"
	"github.com/l3lackShark/memoptimizer/startup"
)

type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      database.Database
	service *scheduler.Service
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file (default: <user config dir>/memoptimizer/config.toml)")
		jsonOut    = flag.Bool("json", false, "Print command output as JSON")
		verbose    = flag.Bool("verbose", false, "Log at debug level")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.General.LogLevel = "debug"
	}

	a, err := newApp(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer a.db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &cli{w: os.Stdout, json: *jsonOut}
	if err := a.dispatch(ctx, out, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		a.db.Close()
		os.Exit(1)
	}
}

func newApp(cfg *config.Config, logw io.Writer) (*app, error) {
	logger := cfg.NewLogger(logw)

	db, err := database.New(cfg.DatabasePath(), logger.With("component", "database"))
	if err != nil {
		return nil, fmt.Errorf("database.New(): %w", err)
	}

	store := settings.Load(cfg.SettingsPath(), logger.With("component", "settings"))
	probe := memory.New(logger.With("component", "memory"))
	hist := history.New()

	engine := optimizer.New(probe, store, hist, notify.NewLogAlerter(logger.With("component", "alert")),
		optimizer.WithLogger(logger.With("component", "optimizer")),
		optimizer.WithJournal(db),
		optimizer.WithTimeouts(cfg.Timeouts.Telemetry.Duration, cfg.Timeouts.Trim.Duration),
	)

	reconciler := startup.New(startup.NewSystem(logger.With("component", "startup")), db,
		startup.WithLogger(logger.With("component", "startup")),
		startup.WithTimeout(cfg.Timeouts.Startup.Duration),
	)

	service := scheduler.New(scheduler.Deps{
		Probe:    probe,
		Engine:   engine,
		Settings: store,
		History:  hist,
		Startup:  reconciler,
		Runs:     db,
	},
		scheduler.WithInterval(cfg.Poll.Interval.Duration),
		scheduler.WithTelemetryTimeout(cfg.Timeouts.Telemetry.Duration),
		scheduler.WithLogger(logger.With("component", "scheduler")),
	)

	return &app{cfg: cfg, logger: logger, db: db, service: service}, nil
}

func (a *app) dispatch(ctx context.Context, out *cli, args []string) error {
	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		a.logger.Info("memoptimizer starting",
			"data_dir", a.cfg.General.DataDir,
			"interval", a.cfg.Poll.Interval.String(),
		)
		return a.service.Run(ctx)
	case "optimize":
		return out.report(a.service.OptimizeAll(ctx))
	case "processes":
		info, ok := a.service.GetMemoryInfo(ctx)
		return out.processes(info, ok, a.service.GetProcessList(ctx))
	case "startup":
		return a.startup(ctx, out, args)
	case "settings":
		if len(args) == 0 {
			return out.settings(a.service.GetSettings())
		}
		patch, err := parseAssignments(args)
		if err != nil {
			return err
		}
		s, err := a.service.SaveSettings(patch)
		if err != nil {
			return err
		}
		return out.settings(s)
	case "runs":
		runs, err := a.service.RecentRuns(ctx, 20)
		if err != nil {
			return err
		}
		return out.runs(runs)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) startup(ctx context.Context, out *cli, args []string) error {
	if len(args) == 0 || args[0] == "list" {
		return out.startup(a.service.GetStartupPrograms(ctx))
	}
	if len(args) != 2 || (args[0] != "enable" && args[0] != "disable") {
		return fmt.Errorf("usage: startup [list | enable ID | disable ID]")
	}
	res := a.service.ToggleStartup(ctx, args[1], args[0] == "enable")
	if err := out.result(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("startup %s failed", args[0])
	}
	return nil
}
