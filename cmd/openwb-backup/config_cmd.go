package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/openwb-backup/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Inspect the resolved configuration or write a starter config file.
Command-line flags always override values from the file.`,
		Example: `  openwb-backup config show
  openwb-backup config init openwb-backup.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format. If a config file
is loaded, shows the loaded configuration with any command-line overrides
applied.`,
		Example: `  openwb-backup config show
  openwb-backup config show --config /etc/openwb-backup/openwb-backup.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Fprintln(stdout, "Current Configuration:")
	fmt.Fprintln(stdout, "======================")
	if cfgPath != "" {
		fmt.Fprintf(stdout, "# loaded from %s\n", cfgPath)
	}
	fmt.Fprintln(stdout, string(data))

	return nil
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init PATH",
		Short: "Write a config file with default values",
		Long: `Write the default configuration, with any command-line overrides
applied, to PATH. An existing file is never overwritten.`,
		Example: `  openwb-backup config init openwb-backup.yaml --openwb-ip 192.168.1.50`,
		Args:    cobra.ExactArgs(1),
		RunE:    configInitRun,
	}

	return cmd
}

// starterConfig returns the defaults plus the flags given on this command
// line. The backup folder is left out unless given, so the file does not pin
// the directory of the binary that wrote it.
func starterConfig(cmd *cobra.Command) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Backup.Folder = ""

	flags := cmd.Flags()
	if flags.Changed("local-backup-folder") {
		cfg.Backup.Folder = folder
	}
	if flags.Changed("openwb-ip") {
		cfg.Device.Address = deviceIP
	}
	if flags.Changed("db-path") {
		cfg.Store.DBPath = dbPath
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	return cfg
}

func configInitRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	data, err := yaml.Marshal(starterConfig(cmd))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := args[0]
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("config file %s already exists", path)
		}
		return fmt.Errorf("creating config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info("config file written", "path", path)
	fmt.Fprintf(stdout, "Wrote %s\n", path)
	return nil
}
