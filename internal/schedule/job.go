// Package schedule installs the recurring OS job that re-runs the backup.
package schedule

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Trigger fires every WeeksInterval weeks on Weekday at Hour:Minute local
// time. StartWhenAvailable makes a missed run fire as soon as the host is
// back up.
type Trigger struct {
	WeeksInterval      int
	Weekday            time.Weekday
	Hour               int
	Minute             int
	StartWhenAvailable bool
}

// Settings constrain how the job runs.
type Settings struct {
	ExecutionTimeLimit     time.Duration
	AllowStartOnBatteries  bool
	KeepRunningOnBatteries bool
}

// Job describes a scheduled job that runs Executable with Args in WorkDir.
type Job struct {
	Name        string
	Description string
	Executable  string
	Args        []string
	WorkDir     string
	Trigger     Trigger
	Settings    Settings
}

// BackupJobSpec holds what NewBackupJob needs. Executable must already be
// resolved by the caller.
type BackupJobSpec struct {
	Name          string
	Executable    string
	DeviceAddress string
	WeeksInterval int
	Weekday       time.Weekday
	Hour, Minute  int
	TimeLimit     time.Duration
	ExtraArgs     []string
}

// NewBackupJob builds the job that re-invokes the tool in run-once mode
// against the configured device.
func NewBackupJob(spec BackupJobSpec) Job {
	args := []string{"--run-once", "--openwb-ip", spec.DeviceAddress}
	args = append(args, spec.ExtraArgs...)
	return Job{
		Name:        spec.Name,
		Description: fmt.Sprintf("Fetch a backup from the openWB at %s", spec.DeviceAddress),
		Executable:  spec.Executable,
		Args:        args,
		WorkDir:     filepath.Dir(spec.Executable),
		Trigger: Trigger{
			WeeksInterval:      spec.WeeksInterval,
			Weekday:            spec.Weekday,
			Hour:               spec.Hour,
			Minute:             spec.Minute,
			StartWhenAvailable: true,
		},
		Settings: Settings{
			ExecutionTimeLimit:     spec.TimeLimit,
			AllowStartOnBatteries:  true,
			KeepRunningOnBatteries: true,
		},
	}
}

// CommandLine renders the action for display.
func (j Job) CommandLine() string {
	parts := make([]string, 0, len(j.Args)+1)
	parts = append(parts, quoteIfNeeded(j.Executable))
	for _, a := range j.Args {
		parts = append(parts, quoteIfNeeded(a))
	}
	return strings.Join(parts, " ")
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"") {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}
