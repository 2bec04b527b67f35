// Package main is the entry point for the maslited demo/operator CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/root-11/maslite/clock"
	"github.com/root-11/maslite/events"
	"github.com/root-11/maslite/examples/pingpong"
	"github.com/root-11/maslite/internal/buildinfo"
	"github.com/root-11/maslite/internal/config"
	"github.com/root-11/maslite/internal/dashboard"
	"github.com/root-11/maslite/journal"
	"github.com/root-11/maslite/scheduler"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dashboardFlag := flag.Bool("dashboard", false, "start the observability dashboard alongside the run")
	iterations := flag.Int("iterations", 0, "stop after this many cycles (0 or less: 200)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "run":
		runEngine(logger, *configPath, *dashboardFlag, *iterations)
	case "dashboard":
		runDashboard(logger, *configPath)
	case "version":
		fmt.Println(buildinfo.String())
		info := buildinfo.RuntimeInfo()
		for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "uptime"} {
			if v, ok := info[k]; ok {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("maslited - in-process multi-agent simulation kernel")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run        Run the demo scheduler to completion")
	fmt.Println("  dashboard  Start a standalone dashboard server")
	fmt.Println("  version    Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(logger *slog.Logger, configPath string) *config.Config {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		*logger = *slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}
	logger.Info("config loaded", "path", cfgPath, "mode", cfg.Mode, "parallelism", cfg.Parallelism)
	return cfg
}

func clockMode(cfg *config.Config) clock.Mode {
	if cfg.Mode == "real" {
		return clock.Real
	}
	return clock.Simulated
}

func runEngine(logger *slog.Logger, configPath string, withDashboard bool, iterOverride int) {
	logger.Info("starting maslited", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg := loadConfig(logger, configPath)

	jrnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		logger.Error("failed to open journal", "path", cfg.JournalPath, "error", err)
		os.Exit(1)
	}
	defer jrnl.Close()
	logger.Info("journal opened", "path", cfg.JournalPath)

	bus := events.New()

	sched := scheduler.New(scheduler.Config{
		Mode:        clockMode(cfg),
		Speed:       cfg.Speed,
		StrictMode:  cfg.StrictMode,
		Parallelism: cfg.Parallelism,
		Logger:      logger,
		Journal:     jrnl,
		Events:      bus,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dash *dashboard.Server
	if withDashboard || cfg.Dashboard.Enabled {
		addr := cfg.Dashboard.Address
		port := cfg.Dashboard.Port
		if port == 0 {
			port = 7070
		}
		dash = dashboard.NewServer(addr, port, bus, logger)
		go func() {
			if err := dash.Start(ctx); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		sched.Stop()
		cancel()
	}()

	iterations := iterOverride
	if iterations <= 0 {
		iterations = 200
	}

	if _, _, _, _, err := pingpong.RunDemo(sched, logger, iterations); err != nil {
		logger.Error("demo run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("run complete", "stats", sched.Stats())
	if dash != nil {
		_ = dash.Shutdown(context.Background())
	}
	logger.Info("maslited stopped")
}

func runDashboard(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)

	addr := cfg.Dashboard.Address
	port := cfg.Dashboard.Port
	if port == 0 {
		port = 7070
	}

	bus := events.New()
	dash := dashboard.NewServer(addr, port, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := dash.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("dashboard server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("dashboard stopped")
}
