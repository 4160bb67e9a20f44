// Package main provides the rulevm binary entry point.
// Rulevm is a reactive rule engine for an IoT device fleet: rules stored
// as documents are compiled to instruction streams and re-evaluated on
// device events, timer deadlines, and rule changes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qube-ai/rule-vm/action"
	"github.com/qube-ai/rule-vm/config"
	"github.com/qube-ai/rule-vm/rule"
	"github.com/qube-ai/rule-vm/vm"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "rulevm"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "rulevm",
		Short: "Reactive rule engine for an IoT device fleet",
		Long: `Rulevm evaluates operator-defined rules against live device state.

A rule couples a boolean condition over device state and time to a list
of actions (send an email, change a relay state). Conditions compile to
a postfix instruction stream; evaluations trigger on device telemetry,
timer deadlines, and rule-store changes. Deferred evaluations survive a
restart through a snapshot file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "eval FILE",
		Short: "Evaluate a rule script once against the live store",
		Long: `Eval parses FILE as a text-format rule script, compiles it, and
evaluates its condition once against current device state. The verdict is
printed; actions do not fire.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(configPath, logLevel, args[0])
		},
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the default user config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.NewLoader(newLogger(logLevel)).EnsureUserConfig()
		},
	})
	cmd.AddCommand(configCmd)

	return cmd
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(configPath, logLevel string) error {
	printBanner()

	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := config.NewLoader(logger).Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app := NewApp(cfg, logger)
	if err := app.Start(context.Background()); err != nil {
		return err
	}

	logger.Info("rule engine ready",
		"version", Version,
		"rules_bucket", cfg.Store.RuleBucket)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()
	<-signalCtx.Done()
	logger.Info("received shutdown signal")

	app.Shutdown(30 * time.Second)
	return nil
}

func runEval(configPath, logLevel, scriptPath string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := config.NewLoader(logger).Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))

	app := NewApp(cfg, logger)
	ctx := context.Background()
	if err := app.connect(ctx); err != nil {
		return err
	}
	defer app.Shutdown(5 * time.Second)

	doc, err := vm.ParseRuleScript(name, string(src), logger)
	if err != nil {
		return fmt.Errorf("parse script: %w", err)
	}
	deps := action.Deps{Devices: app.store, Logger: logger}
	r, err := rule.Compile(doc, deps)
	if err != nil {
		return fmt.Errorf("compile rule: %w", err)
	}

	engine := vm.New(app.store, deps, vm.Options{Logger: logger})
	verdict, err := engine.EvaluateOnce(ctx, r)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	fmt.Printf("%s: %v\n", name, verdict)
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Rulevm v" + Version + "                      ║")
	fmt.Println("║      Reactive IoT Rule Engine                 ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
