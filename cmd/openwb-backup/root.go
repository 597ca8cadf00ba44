package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/openwb-backup/internal/config"
	"github.com/BadgerOps/openwb-backup/internal/engine"
	"github.com/BadgerOps/openwb-backup/internal/logsink"
	"github.com/BadgerOps/openwb-backup/internal/schedule"
)

var (
	// Global flags
	cfgPath     string
	folder      string
	deviceIP    string
	logFile     string
	appendLog   bool
	runOnce     bool
	verbose     bool
	logLevel    string
	logFormat   string
	dbPath      string
	minInterval time.Duration

	globalCfg *config.Config
	logger    *slog.Logger

	// Overridable in tests.
	newBackend           = func() (schedule.Backend, error) { return schedule.DefaultBackend(nil) }
	stdout     io.Writer = os.Stdout
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "openwb-backup",
		Short: "Fetch backups from an openWB wallbox on a schedule",
		Long: `openwb-backup asks an openWB wallbox to create a backup, downloads the
resulting archive into a local folder and makes sure a recurring OS job
repeats this every four weeks.

Without --run-once the scheduled job is registered first. If the job already
exists, the invocation ends there unless schedule.backup_if_exists is set.`,
		Example: `  openwb-backup --openwb-ip 192.168.1.50
  openwb-backup --openwb-ip 192.168.1.50 --run-once --local-backup-folder /srv/openwb
  openwb-backup history --limit 10
  openwb-backup schedule show`,
		Version:      "1.0.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}
			return loadConfig(cmd)
		},
		RunE: backupRun,
	}

	// Persistent flags
	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	pf.StringVar(&folder, "local-backup-folder", "", "folder receiving backups (default: the executable's directory)")
	pf.StringVar(&deviceIP, "openwb-ip", "", "address of the openWB (host or host:port)")
	pf.StringVar(&dbPath, "db-path", "", "history database (default: <backup folder>/openwb-backup.db)")
	pf.StringVar(&logLevel, "log-level", "info", "console log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "text", "console log format (text or json)")

	// Backup flags
	f := cmd.Flags()
	f.StringVar(&logFile, "verbose-log-file", "", "run log file (default: VerboseOutput.Log)")
	f.BoolVar(&appendLog, "append-to-logfile", false, "append to the run log instead of truncating it")
	f.BoolVar(&runOnce, "run-once", false, "back up only; do not check or register the scheduled job")
	f.BoolVar(&verbose, "verbose", false, "echo the run log to the console")
	f.DurationVar(&minInterval, "min-interval", 0, "skip the backup if the last successful one is newer than this")

	cmd.AddCommand(
		newHistoryCmd(),
		newScheduleCmd(),
		newConfigCmd(),
	)

	return cmd
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cmd *cobra.Command) error {
	explicit := cfgPath != ""
	if !explicit {
		found, err := config.FindConfigFile()
		if err != nil {
			logger.Debug("config file not found, using defaults", "error", err)
		} else {
			cfgPath = found
		}
	}

	if cfgPath != "" {
		var err error
		globalCfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		globalCfg = config.DefaultConfig()
	}

	flags := cmd.Flags()
	if flags.Changed("local-backup-folder") {
		globalCfg.Backup.Folder = folder
	}
	if flags.Changed("openwb-ip") {
		globalCfg.Device.Address = deviceIP
	}
	if flags.Changed("db-path") {
		globalCfg.Store.DBPath = dbPath
	}
	if flags.Changed("verbose-log-file") {
		globalCfg.Log.File = logFile
	}
	if flags.Changed("append-to-logfile") {
		globalCfg.Log.Append = appendLog
	}
	if flags.Changed("run-once") {
		globalCfg.Backup.RunOnce = runOnce
	}
	if flags.Changed("verbose") {
		globalCfg.Log.Verbose = verbose
	}
	if flags.Changed("min-interval") {
		globalCfg.Backup.MinInterval = minInterval
	}
	if flags.Changed("log-level") {
		globalCfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		globalCfg.Log.Format = logFormat
	}

	// A configured or default relative log file lives next to the backups,
	// like the database. A path given on the command line is taken as is.
	if globalCfg.Log.File != "" && !filepath.IsAbs(globalCfg.Log.File) && !flags.Changed("verbose-log-file") {
		globalCfg.Log.File = filepath.Join(globalCfg.Backup.Folder, globalCfg.Log.File)
	}

	logger.Debug("config loaded", "path", cfgPath, "folder", globalCfg.Backup.Folder)
	return nil
}

func backupRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	sink, err := logsink.Open(logsink.Options{
		Path:    globalCfg.Log.File,
		Append:  globalCfg.Log.Append,
		Verbose: globalCfg.Log.Verbose,
		Level:   globalCfg.Log.Level,
		Format:  globalCfg.Log.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}
	defer sink.Close()
	runLog := sink.Logger()

	var registrar *schedule.Registrar
	if !globalCfg.Backup.RunOnce {
		backend, err := newBackend()
		if err != nil {
			return fmt.Errorf("failed to initialize job scheduler: %w", err)
		}
		registrar = schedule.NewRegistrar(backend, runLog)
	}

	runner := engine.NewRunner(engine.Options{
		Config:     globalCfg,
		Registrar:  registrar,
		DBPath:     globalCfg.DBPath(),
		Logger:     runLog,
		Invocation: os.Args[1:],
		JobArgs:    jobArgs(cmd),
		Out:        stdout,
	})

	report, err := runner.Run(cmd.Context())
	if err != nil {
		return err
	}
	runLog.Info("done", "outcome", string(report.Outcome()), "skipped", report.Skipped)
	return nil
}

// jobArgs carries explicitly chosen locations into the scheduled job so it
// writes to the same places as this invocation.
func jobArgs(cmd *cobra.Command) []string {
	var out []string
	abs := func(p string) string {
		if a, err := filepath.Abs(p); err == nil {
			return a
		}
		return p
	}
	if cfgPath != "" {
		out = append(out, "--config", abs(cfgPath))
	}
	flags := cmd.Flags()
	if flags.Changed("local-backup-folder") {
		out = append(out, "--local-backup-folder", abs(folder))
	}
	if flags.Changed("verbose-log-file") {
		out = append(out, "--verbose-log-file", abs(globalCfg.Log.File))
	}
	if flags.Changed("db-path") {
		out = append(out, "--db-path", abs(dbPath))
	}
	if flags.Changed("append-to-logfile") && appendLog {
		out = append(out, "--append-to-logfile")
	}
	return out
}

// setupLogging initializes the console logger used outside a backup run
func setupLogging() {
	level := logsink.ParseLevel(logLevel)

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
