// Package main is the CLI entry point for kickerd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/smprather/kicker/internal/control"
	"github.com/smprather/kicker/internal/domain"
	"github.com/smprather/kicker/internal/infra"
	"github.com/smprather/kicker/internal/supervisor"
)

var (
	// Version info (set via ldflags)
	Version = "0.1.0"
	Commit  = "dev"
)

var (
	verbose      bool
	pollInterval float64
	leaseSeconds float64
	leaseGrace   float64
	logFormat    string
	runQuiet     bool
	stopForce    bool
	stopQuiet    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kickerd",
	Short:   "kicker - per-user check/action automation daemon",
	Long:    `kickerd runs check scripts on a schedule and fires action scripts when a rule's trigger condition is met.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long:  `Acquires the leader lease, loads the rule set, and runs the scheduler until stopped.`,
	RunE:  runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a daemon is running",
	RunE:  runStatus,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE:  runStop,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the systemd --user unit and enable it",
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Disable and remove the systemd --user unit",
	RunE:  runUninstall,
}

func init() {
	runCmd.Flags().BoolVar(&verbose, "verbose", false, "log at debug level to stderr instead of the production JSON log file")
	runCmd.Flags().Float64Var(&pollInterval, "poll-interval", 0, "override the default poll interval in seconds")
	runCmd.Flags().Float64Var(&leaseSeconds, "lease-seconds", 0, "override the leader lease duration in seconds")
	runCmd.Flags().Float64Var(&leaseGrace, "lease-grace-seconds", 0, "override the leader lease grace period in seconds")
	runCmd.Flags().StringVar(&logFormat, "log-format", "json", `log record format: "json" or "plain-text"`)
	runCmd.Flags().BoolVar(&runQuiet, "quiet", false, "exit 0 instead of 1 when another instance already holds the lease")

	stopCmd.Flags().BoolVar(&stopForce, "force", false, "escalate to SIGKILL if the daemon does not exit in time")
	stopCmd.Flags().BoolVar(&stopQuiet, "quiet", false, "suppress status output")

	rootCmd.AddCommand(runCmd, statusCmd, stopCmd, installCmd, uninstallCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	paths := infra.NewPathSet()
	if err := paths.EnsureStateDir(); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := paths.EnsureConfigDir(); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	logger := createLogger(verbose, paths)
	defer func() { _ = logger.Sync() }()

	defaultPoll := 60 * time.Second
	if pollInterval > 0 {
		defaultPoll = time.Duration(pollInterval * float64(time.Second))
	}

	lease := 2 * defaultPoll
	if lease < 30*time.Second {
		lease = 30 * time.Second
	}
	if leaseSeconds > 0 {
		lease = time.Duration(leaseSeconds * float64(time.Second))
	}
	grace := lease
	if leaseGrace > 0 {
		grace = time.Duration(leaseGrace * float64(time.Second))
	}

	format := domain.LogFormat(logFormat)
	if format != domain.FormatJSON && format != domain.FormatPlainText {
		return fmt.Errorf(`--log-format must be "json" or "plain-text", got %q`, logFormat)
	}

	leaseStore := infra.NewFileLeaseStore(paths)
	ruleStore := infra.NewYAMLRuleStore(paths.ConfigFile())
	runner := infra.NewProcessScriptRunner(paths.ScriptsDir(), paths.HomeDir())

	logWriter, err := infra.NewFileLogWriter(format, paths.ChecksLogFile(), paths.ActionsLogFile())
	if err != nil {
		return fmt.Errorf("create log writer: %w", err)
	}
	defer logWriter.Close()

	historyStore, err := infra.NewSQLiteHistoryStore(paths)
	if err != nil {
		return fmt.Errorf("create history store: %w", err)
	}
	defer historyStore.Close()

	var watcher domain.RuleStoreWatcher
	if fsWatcher, err := infra.NewFSNotifyRuleStoreWatcher(paths.ConfigFile()); err != nil {
		logger.Warn("rule file watcher unavailable; mid-run reload disabled", zap.Error(err))
	} else {
		defer fsWatcher.Close()
		watcher = fsWatcher
	}

	stateStore := infra.NewRuntimeStateStore(paths.RuntimeStateFile())

	sup := supervisor.New(
		supervisor.Config{DefaultPollInterval: defaultPoll, LeaseDuration: lease, LeaseGrace: grace},
		leaseStore,
		ruleStore,
		runner,
		logWriter,
		historyStore,
		infra.RealClock{},
		watcher,
		stateStore,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		var held domain.ErrLeaseHeld
		if errors.As(err, &held) {
			if runQuiet {
				return nil
			}
			fmt.Fprintf(os.Stderr, "kickerd: another instance already holds the lease (%s pid=%d)\n", held.Meta.Hostname, held.Meta.PID)
			return err
		}
		logger.Error("daemon exited with error", zap.Error(err))
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	paths := infra.NewPathSet()
	leaseStore := infra.NewFileLeaseStore(paths)
	liveness := infra.NewProcessLiveness()

	result, err := control.Status(context.Background(), leaseStore, liveness)
	if err != nil {
		return err
	}
	fmt.Println(result.Message)
	if !result.Running {
		os.Exit(1)
	}
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	paths := infra.NewPathSet()
	leaseStore := infra.NewFileLeaseStore(paths)
	liveness := infra.NewProcessLiveness()

	opts := control.DefaultStopOptions
	opts.Force = stopForce

	result, err := control.Stop(context.Background(), leaseStore, liveness, opts)
	if err != nil {
		return err
	}
	if !stopQuiet {
		fmt.Println(result.Message)
	}
	if !result.Stopped {
		os.Exit(1)
	}
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	mgr := infra.NewSystemdUnitManager()
	if mgr.IsInstalled() {
		if !mgr.NeedsUpdate(execPath) {
			fmt.Println("kicker.service is already installed and up to date")
			return nil
		}
		fmt.Println("updating kicker.service")
		return mgr.Update(execPath)
	}

	fmt.Println("installing kicker.service")
	return mgr.Install(execPath)
}

func runUninstall(cmd *cobra.Command, args []string) error {
	mgr := infra.NewSystemdUnitManager()
	if !mgr.IsInstalled() {
		fmt.Println("kicker.service is not installed")
		return nil
	}
	fmt.Println("uninstalling kicker.service")
	return mgr.Uninstall()
}

func createLogger(verbose bool, paths *infra.PathSet) *zap.Logger {
	if verbose {
		logger, _ := zap.NewDevelopment()
		return logger
	}

	config := zap.NewProductionConfig()
	config.OutputPaths = []string{pathToFileURI(paths)}
	config.ErrorOutputPaths = []string{pathToFileURI(paths)}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func pathToFileURI(paths *infra.PathSet) string {
	return fmt.Sprintf("%s/kickerd.log", paths.StateDir())
}
