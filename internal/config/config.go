package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/openwb-backup/internal/safety"
)

// DefaultJobName is the name of the OS scheduled job.
const DefaultJobName = "openWB Backup"

// Config is the top-level configuration
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Backup   BackupConfig   `yaml:"backup"`
	Log      LogConfig      `yaml:"log"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Store    StoreConfig    `yaml:"store"`
}

// DeviceConfig identifies the wallbox
type DeviceConfig struct {
	Address string `yaml:"address"`
}

// BackupConfig holds local backup settings
type BackupConfig struct {
	Folder      string        `yaml:"folder,omitempty"`
	RunOnce     bool          `yaml:"run_once"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// LogConfig holds run log settings
type LogConfig struct {
	File    string `yaml:"file"`
	Append  bool   `yaml:"append"`
	Verbose bool   `yaml:"verbose"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

// ScheduleConfig describes the recurring OS job
type ScheduleConfig struct {
	JobName        string        `yaml:"job_name"`
	WeeksInterval  int           `yaml:"weeks_interval"`
	Weekday        string        `yaml:"weekday"`
	At             string        `yaml:"at"`
	TimeLimit      time.Duration `yaml:"time_limit"`
	BackupIfExists bool          `yaml:"backup_if_exists"`
}

// StoreConfig holds run history settings
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backup: BackupConfig{
			Folder: ExecutableDir(),
		},
		Log: LogConfig{
			File:   "VerboseOutput.Log",
			Level:  "info",
			Format: "text",
		},
		Schedule: ScheduleConfig{
			JobName:       DefaultJobName,
			WeeksInterval: 4,
			Weekday:       "monday",
			At:            "09:00",
			TimeLimit:     time.Hour,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"openwb-backup.yaml",
		filepath.Join(ExecutableDir(), "openwb-backup.yaml"),
		"/etc/openwb-backup/openwb-backup.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "openwb-backup", "openwb-backup.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks the parameters a run depends on. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Device.Address == "" {
		errs = append(errs, errors.New("device address is required (--openwb-ip)"))
	} else if addr, err := safety.ValidateDeviceAddress(c.Device.Address); err != nil {
		errs = append(errs, err)
	} else {
		c.Device.Address = addr
	}

	if c.Backup.Folder == "" {
		errs = append(errs, errors.New("backup folder is required"))
	} else if err := safety.RequireDir(c.Backup.Folder); err != nil {
		errs = append(errs, fmt.Errorf("backup folder: %w", err))
	}
	if c.Backup.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("min_interval must not be negative: %s", c.Backup.MinInterval))
	}

	if c.Log.File == "" {
		errs = append(errs, errors.New("log file is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (text or json)", c.Log.Format))
	}

	if strings.TrimSpace(c.Schedule.JobName) == "" {
		errs = append(errs, errors.New("schedule job name is required"))
	}
	if c.Schedule.WeeksInterval < 1 || c.Schedule.WeeksInterval > 52 {
		errs = append(errs, fmt.Errorf("weeks_interval must be between 1 and 52, got %d", c.Schedule.WeeksInterval))
	}
	if _, err := ParseWeekday(c.Schedule.Weekday); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := ParseClock(c.Schedule.At); err != nil {
		errs = append(errs, err)
	}
	if c.Schedule.TimeLimit <= 0 {
		errs = append(errs, fmt.Errorf("time_limit must be positive, got %s", c.Schedule.TimeLimit))
	}

	return errors.Join(errs...)
}

// DBPath returns the history database path, defaulting to a file next to
// the backups.
func (c *Config) DBPath() string {
	if c.Store.DBPath != "" {
		return c.Store.DBPath
	}
	return filepath.Join(c.Backup.Folder, "openwb-backup.db")
}

// ExecutableDir returns the directory holding the running binary, or "."
// if it cannot be resolved.
func ExecutableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday parses an English weekday name or its three-letter form.
func ParseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("invalid weekday: %q", s)
	}
	return wd, nil
}

// ParseClock parses "HH:MM" in 24-hour form.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}
