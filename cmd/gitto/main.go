package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/schaermu/gitto/internal/config"
	"github.com/schaermu/gitto/internal/daemon"
	"github.com/schaermu/gitto/internal/git"
	"github.com/schaermu/gitto/internal/notify"
	gittosync "github.com/schaermu/gitto/internal/sync"
	"github.com/schaermu/gitto/internal/systemduser"
	"github.com/schaermu/gitto/internal/watcher"
	"github.com/schaermu/gitto/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Run flags
	debounceFlag     time.Duration
	pullIntervalFlag time.Duration
	lfsTrackFlag     []string
	noNotify         bool
)

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gitto [dir]",
	Short: "Keep a directory in sync with its git remote",
	Long: `gitto watches a git working directory and commits and pushes every change
shortly after editing settles. It pulls from the remote periodically and
merges remote work back in, falling back to pull-merge-push when a push is
rejected.

The directory defaults to WATCH_FOLDER, then repo.dir from the config file,
then the current directory.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runDaemon,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last outcome of each sync operation",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the systemd user service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install [dir]",
	Short: "Install and start a systemd user unit running gitto",
	Long: `Install writes gitto.service into the systemd user unit directory,
reloads systemd and enables the unit so the directory is synced on login.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServiceInstall,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gitto %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/gitto/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "log format (text, json, auto)")

	// Run flags
	rootCmd.Flags().DurationVar(&debounceFlag, "debounce", config.DefaultDebounce, "quiet period before changes are committed")
	rootCmd.Flags().DurationVar(&pullIntervalFlag, "pull-interval", config.DefaultPullInterval, "interval between pulls from the remote")
	rootCmd.Flags().StringSliceVar(&lfsTrackFlag, "lfs-track", nil, "patterns to track with git-lfs (comma-separated)")
	rootCmd.Flags().BoolVar(&noNotify, "no-notify", false, "log failures instead of sending desktop notifications")

	serviceCmd.AddCommand(serviceInstallCmd)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, args, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	runner := git.NewShellRunner(cfg.Repo.GitBinary, cfg.Repo.Dir, logger)
	notifier := notify.New(cfg.NotificationsEnabled(), cfg.Notify.AppName, cfg.Notify.Timeout, logger)
	guard := gittosync.NewGuard()
	engine := gittosync.NewEngine(runner, notifier, guard, logger, gittosync.Options{
		CommitMessage: cfg.Sync.CommitMessage,
		Heads:         git.NewHeadReader(cfg.Repo.Dir),
		Status:        gittosync.NewStatusStore(cfg.StateFilePath()),
	})

	w, err := watcher.New(cfg.Repo.Dir, cfg.Sync.Ignore, logger)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	opts := daemon.Options{
		Dir:             cfg.Repo.Dir,
		LFSTrack:        cfg.Repo.LFSTrack,
		Debounce:        cfg.Sync.Debounce,
		PullInterval:    cfg.Sync.PullInterval,
		ShutdownTimeout: cfg.Sync.ShutdownTimeout,
	}
	if cfg.Serve.Enabled {
		srv, err := webhook.NewServer(cfg.Serve, engine, logger)
		if err != nil {
			return fmt.Errorf("failed to create webhook server: %w", err)
		}
		opts.Webhook = srv
	}

	if err := daemon.New(engine, guard, w, logger, opts).Run(ctx); err != nil {
		logger.Error("daemon stopped", "error", err)
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger, nil, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store := gittosync.NewStatusStore(cfg.StateFilePath())
	state, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	return printStatus(cmd.OutOrStdout(), store.Path(), state)
}

func printStatus(out io.Writer, path string, state *gittosync.State) error {
	fmt.Fprintf(out, "state file: %s\n", path)
	if state.LastPush != nil {
		fmt.Fprintf(out, "last push:  %s\n", state.LastPush.Local().Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "last push:  never")
	}
	if len(state.Operations) == 0 {
		fmt.Fprintln(out, "no operations recorded yet")
		return nil
	}

	ops := make([]string, 0, len(state.Operations))
	for op := range state.Operations {
		ops = append(ops, op)
	}
	slices.Sort(ops)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tOUTCOME\tAT\tERROR")
	for _, op := range ops {
		st := state.Operations[op]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", op, st.Outcome, st.At.Local().Format(time.RFC3339), firstLine(st.Error))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, args, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}

	installer := systemduser.NewInstaller(systemduser.NewClient(), systemduser.UnitDir(), logger)
	path, err := installer.Install(ctx, systemduser.UnitSpec{
		Executable: exe,
		ConfigPath: unitConfigPath(),
		Dir:        cfg.Repo.Dir,
	})
	if err != nil {
		return fmt.Errorf("failed to install service: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", path)
	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if useJSON(logFormat, os.Stdout.Fd()) {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// useJSON resolves the log format; auto picks text on a terminal
func useJSON(format string, fd uintptr) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	default:
		return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
	}
}

// configPath returns the explicit config file or the default location
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// unitConfigPath returns the config file the installed unit passes with
// --config. Without an explicit file the unit relies on the default path,
// which is allowed to be missing.
func unitConfigPath() string {
	if cfgFile == "" {
		return ""
	}
	if abs, err := filepath.Abs(cfgFile); err == nil {
		return abs
	}
	return cfgFile
}

func loadConfig(logger *slog.Logger, args []string, flags *pflag.FlagSet) (*config.Config, error) {
	path := configPath()
	logger.Debug("loading configuration", "path", path)

	// Only an explicitly named config file has to exist.
	cfg, err := config.Load(path, cfgFile == "")
	if err != nil {
		return nil, err
	}

	if err := applyOverrides(cfg, args, flags); err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"dir", cfg.Repo.Dir,
		"debounce", cfg.Sync.Debounce,
		"pull_interval", cfg.Sync.PullInterval,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

// applyOverrides lets the positional directory and explicitly set flags
// take precedence over the environment and the config file.
func applyOverrides(cfg *config.Config, args []string, flags *pflag.FlagSet) error {
	if len(args) > 0 && args[0] != "" {
		cfg.Repo.Dir = args[0]
	}
	if flags.Changed("debounce") {
		cfg.Sync.Debounce = debounceFlag
	}
	if flags.Changed("pull-interval") {
		cfg.Sync.PullInterval = pullIntervalFlag
	}
	if flags.Changed("lfs-track") {
		cfg.Repo.LFSTrack = lfsTrackFlag
	}
	if flags.Changed("no-notify") && noNotify {
		disabled := false
		cfg.Notify.Enabled = &disabled
	}

	dir, err := filepath.Abs(cfg.Repo.Dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", cfg.Repo.Dir, err)
	}
	cfg.Repo.Dir = dir

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// loadDotEnv loads variables from path without overriding the real
// environment. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
