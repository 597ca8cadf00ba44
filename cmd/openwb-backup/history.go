package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/openwb-backup/internal/store"
)

var (
	historyLimit  int
	historyDevice string
	historyJobs   bool
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded backup runs",
		Long: `List backup runs recorded in the history database, newest first.
Each row shows when the run started, the device, the outcome and the
downloaded archive.

Use --jobs to list scheduled job registration attempts instead.`,
		Example: `  openwb-backup history
  openwb-backup history --limit 5 --device 192.168.1.50
  openwb-backup history --jobs`,
		RunE: historyRun,
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of entries (0 for all)")
	cmd.Flags().StringVar(&historyDevice, "device", "", "only show runs for this device address")
	cmd.Flags().BoolVar(&historyJobs, "jobs", false, "list scheduled job registrations")

	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	st, err := store.New(globalCfg.DBPath(), log)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer st.Close()

	if historyJobs {
		return printJobRegistrations(st)
	}
	return printBackupRuns(st)
}

func printBackupRuns(st *store.Store) error {
	runs, err := st.ListBackupRuns(historyDevice, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "No backup runs recorded")
		return nil
	}

	fmt.Fprintln(stdout, "Backup History")
	fmt.Fprintln(stdout, "==============")
	fmt.Fprintln(stdout, "")
	fmt.Fprintf(stdout, "%-17s %-20s %-30s %10s  %s\n", "Started", "Device", "Outcome", "Size", "File / Error")
	fmt.Fprintln(stdout, strings.Repeat("-", 100))

	for _, run := range runs {
		size := "-"
		detail := run.ErrorMessage
		if run.Status == store.RunStatusDownloaded {
			size = humanize.Bytes(uint64(run.Size))
			detail = run.LocalPath
		}
		fmt.Fprintf(stdout, "%-17s %-20s %-30s %10s  %s\n",
			run.StartTime.Local().Format("2006-01-02 15:04"),
			run.Device,
			run.Status,
			size,
			detail,
		)
	}

	fmt.Fprintln(stdout, "")
	if last, err := st.LastSuccessfulBackup(runs[0].Device); err == nil {
		fmt.Fprintf(stdout, "Last successful backup of %s: %s\n", last.Device, humanize.Time(last.StartTime))
	}
	return nil
}

func printJobRegistrations(st *store.Store) error {
	regs, err := st.ListJobRegistrations(historyLimit)
	if err != nil {
		return err
	}
	if len(regs) == 0 {
		fmt.Fprintln(stdout, "No job registrations recorded")
		return nil
	}

	fmt.Fprintln(stdout, "Job Registrations")
	fmt.Fprintln(stdout, "=================")
	fmt.Fprintln(stdout, "")
	fmt.Fprintf(stdout, "%-17s %-20s %-15s %s\n", "When", "Backend", "Outcome", "Command / Error")
	fmt.Fprintln(stdout, strings.Repeat("-", 100))

	for _, reg := range regs {
		detail := reg.CommandLine
		if reg.ErrorMessage != "" {
			detail = reg.ErrorMessage
		}
		fmt.Fprintf(stdout, "%-17s %-20s %-15s %s\n",
			reg.CreatedAt.Local().Format("2006-01-02 15:04"),
			reg.Backend,
			reg.Outcome,
			detail,
		)
	}
	fmt.Fprintln(stdout, "")
	return nil
}
