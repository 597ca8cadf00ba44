package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/openwb-backup/internal/engine"
)

var scheduleCount int

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect the recurring backup job",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the scheduled job and its next runs",
		Long: `Show whether the recurring job is registered with the OS scheduler, the
command it runs and when it will fire next. Nothing is registered or changed.`,
		Example: `  openwb-backup schedule show
  openwb-backup schedule show --count 6 --openwb-ip 192.168.1.50`,
		RunE: scheduleShowRun,
	}
	show.Flags().IntVar(&scheduleCount, "count", 3, "number of upcoming runs to list")

	cmd.AddCommand(show)
	return cmd
}

func scheduleShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	backend, err := newBackend()
	if err != nil {
		return fmt.Errorf("failed to initialize job scheduler: %w", err)
	}

	job, err := engine.BackupJob(globalCfg, backend, "", nil)
	if err != nil {
		return err
	}

	registered, err := backend.Lookup(cmd.Context(), job.Name)
	if err != nil {
		return fmt.Errorf("looking up scheduled job: %w", err)
	}

	state := "not registered"
	if registered {
		state = "registered"
	}

	fmt.Fprintln(stdout, "Scheduled Job")
	fmt.Fprintln(stdout, "=============")
	fmt.Fprintln(stdout, "")
	fmt.Fprintf(stdout, "%-12s %s\n", "Name:", job.Name)
	fmt.Fprintf(stdout, "%-12s %s\n", "Scheduler:", backend.Name())
	fmt.Fprintf(stdout, "%-12s %s\n", "State:", state)
	fmt.Fprintf(stdout, "%-12s every %d week(s), %s at %02d:%02d\n", "Trigger:",
		job.Trigger.WeeksInterval, job.Trigger.Weekday, job.Trigger.Hour, job.Trigger.Minute)
	fmt.Fprintf(stdout, "%-12s %s\n", "Time limit:", job.Settings.ExecutionTimeLimit)
	if iv := engine.MinIntervalFor(backend, job.Trigger.WeeksInterval); iv > 0 {
		fmt.Fprintf(stdout, "%-12s fires weekly; runs within %s of a backup are skipped\n", "Note:", iv)
	}
	if globalCfg.Device.Address != "" {
		fmt.Fprintf(stdout, "%-12s %s\n", "Command:", job.CommandLine())
	}

	if scheduleCount > 0 {
		runs, err := job.Trigger.Next(time.Now(), scheduleCount)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, "")
		fmt.Fprintln(stdout, "Next runs:")
		for _, r := range runs {
			fmt.Fprintf(stdout, "  %s\n", r.Format("Mon 2006-01-02 15:04 MST"))
		}
	}
	fmt.Fprintln(stdout, "")
	return nil
}
