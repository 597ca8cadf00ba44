// Package engine runs one invocation of the backup tool: make sure the
// recurring job exists, then fetch a backup from the device.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/BadgerOps/openwb-backup/internal/config"
	"github.com/BadgerOps/openwb-backup/internal/device"
	"github.com/BadgerOps/openwb-backup/internal/safety"
	"github.com/BadgerOps/openwb-backup/internal/schedule"
	"github.com/BadgerOps/openwb-backup/internal/store"
)

// Options wires a Runner. Config must already be validated.
type Options struct {
	Config    *config.Config
	Registrar *schedule.Registrar
	// Store records history. When nil and DBPath is set, Run opens the
	// database itself after the invocation record. With neither, history and
	// the min-interval guard are disabled.
	Store  *store.Store
	DBPath string
	Logger *slog.Logger
	// Executable is the resolved path the scheduled job re-invokes.
	Executable string
	// Invocation is the raw argument list, logged as the first record.
	Invocation []string
	// JobArgs are passed to the scheduled job after --run-once and the
	// device address.
	JobArgs []string
	// Out receives the human-readable summary; nil discards it.
	Out io.Writer
	// Now defaults to time.Now.
	Now func() time.Time
}

// Report describes what an invocation did.
type Report struct {
	RunID string

	// Registration is empty in run-once mode.
	Registration    schedule.Outcome
	RegistrationErr error

	// Skipped is set when no backup was attempted; SkipReason says why.
	Skipped    bool
	SkipReason string

	Dest     string
	Result   *device.Result
	FetchErr error
}

// Outcome returns the fetch outcome, or "" when no fetch ran.
func (r *Report) Outcome() device.Outcome {
	if r.Result == nil {
		return ""
	}
	return r.Result.Outcome
}

// Runner performs one invocation.
type Runner struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	out    io.Writer
}

// NewRunner returns a Runner for opts.
func NewRunner(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	return &Runner{opts: opts, logger: logger, now: now, out: out}
}

// Run registers the job unless running once, then fetches a backup. Device
// failures are reported in the Report; the returned error is reserved for
// configuration problems that should end the process with a failure status.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	cfg := r.opts.Config
	report := &Report{RunID: uuid.NewString()}
	log := r.logger.With("run_id", report.RunID)

	log.Info("invocation",
		"args", r.opts.Invocation,
		"local_backup_folder", cfg.Backup.Folder,
		"openwb_ip", cfg.Device.Address,
		"verbose_log_file", cfg.Log.File,
		"append_to_logfile", cfg.Log.Append,
		"run_once", cfg.Backup.RunOnce)

	if r.opts.Store == nil && r.opts.DBPath != "" {
		st, err := store.New(r.opts.DBPath, log)
		if err != nil {
			log.Warn("history unavailable, continuing without it", "path", r.opts.DBPath, "error", err)
		} else {
			defer func() {
				st.Close()
				r.opts.Store = nil
			}()
			r.opts.Store = st
		}
	}

	if !cfg.Backup.RunOnce {
		stop, err := r.ensureJob(ctx, log, report)
		if err != nil {
			return report, err
		}
		if stop {
			r.summarize(report)
			return report, nil
		}
	} else if skip, reason := r.recentBackup(log); skip {
		report.Skipped = true
		report.SkipReason = reason
		r.recordSkip(log, report)
		r.summarize(report)
		return report, nil
	}

	r.fetch(ctx, log, report)
	r.summarize(report)
	return report, nil
}

// ensureJob returns stop=true when the invocation should end without a
// backup.
func (r *Runner) ensureJob(ctx context.Context, log *slog.Logger, report *Report) (bool, error) {
	cfg := r.opts.Config
	if r.opts.Registrar == nil {
		return false, errors.New("no job registrar configured")
	}

	job, err := r.backupJob()
	if err != nil {
		return false, err
	}

	outcome, err := r.opts.Registrar.Ensure(ctx, job)
	report.Registration = outcome
	report.RegistrationErr = err

	var cfgErr *schedule.ConfigurationError
	if errors.As(err, &cfgErr) {
		r.recordRegistration(log, report, job)
		return false, err
	}

	switch outcome {
	case schedule.AlreadyExists:
		if !cfg.Schedule.BackupIfExists {
			log.Info("scheduled job exists, not backing up now", "job", job.Name)
			report.Skipped = true
			report.SkipReason = fmt.Sprintf("scheduled job %q already exists", job.Name)
			r.recordSkip(log, report)
			return true, nil
		}
		log.Info("scheduled job exists, backing up anyway", "job", job.Name)
	case schedule.Failed:
		log.Warn("continuing without scheduled job", "job", job.Name, "error", err)
		r.recordRegistration(log, report, job)
	case schedule.Created:
		r.recordRegistration(log, report, job)
	}
	return false, nil
}

func (r *Runner) backupJob() (schedule.Job, error) {
	return BackupJob(r.opts.Config, r.opts.Registrar.Backend(), r.opts.Executable, r.opts.JobArgs)
}

// BackupJob builds the scheduled job for cfg. An empty exe resolves to the
// running binary. jobArgs follow the device address; a weekly-only backend
// additionally gets --min-interval.
func BackupJob(cfg *config.Config, backend schedule.Backend, exe string, jobArgs []string) (schedule.Job, error) {
	weekday, err := config.ParseWeekday(cfg.Schedule.Weekday)
	if err != nil {
		return schedule.Job{}, err
	}
	hour, minute, err := config.ParseClock(cfg.Schedule.At)
	if err != nil {
		return schedule.Job{}, err
	}
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return schedule.Job{}, fmt.Errorf("resolving executable: %w", err)
		}
	}
	if abs, err := filepath.Abs(exe); err == nil {
		exe = abs
	}

	extra := append([]string(nil), jobArgs...)
	if iv := MinIntervalFor(backend, cfg.Schedule.WeeksInterval); iv > 0 {
		extra = append(extra, "--min-interval", iv.String())
	}

	return schedule.NewBackupJob(schedule.BackupJobSpec{
		Name:          cfg.Schedule.JobName,
		Executable:    exe,
		DeviceAddress: cfg.Device.Address,
		WeeksInterval: cfg.Schedule.WeeksInterval,
		Weekday:       weekday,
		Hour:          hour,
		Minute:        minute,
		TimeLimit:     cfg.Schedule.TimeLimit,
		ExtraArgs:     extra,
	}), nil
}

// MinIntervalFor returns the minimum spacing a weekly-firing job must keep
// between backups to honor a multi-week interval, or 0 when the backend
// fires every N weeks itself. One day of slack absorbs catch-up runs.
func MinIntervalFor(backend schedule.Backend, weeks int) time.Duration {
	if weeks <= 1 || backend.SupportsWeeksInterval() {
		return 0
	}
	return time.Duration(weeks*7-1) * 24 * time.Hour
}

// recentBackup reports whether the last successful backup is newer than the
// configured minimum interval.
func (r *Runner) recentBackup(log *slog.Logger) (bool, string) {
	cfg := r.opts.Config
	if cfg.Backup.MinInterval <= 0 || r.opts.Store == nil {
		return false, ""
	}
	last, err := r.opts.Store.LastSuccessfulBackup(cfg.Device.Address)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("could not read backup history, backing up", "error", err)
		}
		return false, ""
	}
	age := r.now().Sub(last.StartTime)
	if age >= cfg.Backup.MinInterval {
		return false, ""
	}
	log.Info("recent backup exists, skipping",
		"last_backup", last.StartTime.Local().Format(time.RFC3339),
		"age", age.Round(time.Minute),
		"min_interval", cfg.Backup.MinInterval)
	return true, fmt.Sprintf("last backup %s is newer than %s", humanize.Time(last.StartTime), cfg.Backup.MinInterval)
}

func (r *Runner) fetch(ctx context.Context, log *slog.Logger, report *Report) {
	cfg := r.opts.Config
	start := r.now()

	run := &store.BackupRun{
		RunID:     report.RunID,
		Device:    cfg.Device.Address,
		StartTime: start,
	}
	if r.opts.Store != nil {
		if err := r.opts.Store.CreateBackupRun(run); err != nil {
			log.Warn("failed to record backup run", "error", err)
		}
	}

	dest, err := safety.SafeJoinUnder(cfg.Backup.Folder, device.BackupFileName(start))
	if err != nil {
		// The generated name is always a single path element.
		report.FetchErr = err
		report.Result = &device.Result{Outcome: device.TriggerFailed}
		r.finishRun(log, run, report)
		return
	}
	report.Dest = dest

	tracker := newProgressLogger(log)
	client, err := device.NewClient(cfg.Device.Address, log, device.WithProgress(tracker.update))
	if err != nil {
		report.FetchErr = err
		report.Result = &device.Result{Outcome: device.TriggerFailed}
		r.finishRun(log, run, report)
		return
	}

	log.Info("starting backup", "device", client.Address(), "path", dest)
	res, err := client.FetchBackup(ctx, dest)
	report.Result = res
	report.FetchErr = err
	if err != nil {
		log.Error("backup failed", "outcome", string(res.Outcome), "error", err)
	}
	r.finishRun(log, run, report)
}

func (r *Runner) finishRun(log *slog.Logger, run *store.BackupRun, report *Report) {
	run.EndTime = r.now()
	run.Status = string(report.Outcome())
	if res := report.Result; res != nil {
		if res.Trigger != nil {
			run.TriggerStatus = res.Trigger.StatusCode
		}
		run.Link = res.Link
		if a := res.Artifact; a != nil {
			run.LocalPath = a.LocalPath
			run.Size = a.Size
			run.SHA256 = a.SHA256
		}
	}
	if report.FetchErr != nil {
		run.ErrorMessage = report.FetchErr.Error()
	}

	if r.opts.Store == nil || run.ID == 0 {
		return
	}
	if err := r.opts.Store.FinishBackupRun(run); err != nil {
		log.Warn("failed to record backup result", "error", err)
	}
}

func (r *Runner) recordSkip(log *slog.Logger, report *Report) {
	if r.opts.Store == nil {
		return
	}
	now := r.now()
	run := &store.BackupRun{
		RunID:        report.RunID,
		Device:       r.opts.Config.Device.Address,
		StartTime:    now,
		EndTime:      now,
		Status:       store.RunStatusSkipped,
		ErrorMessage: report.SkipReason,
	}
	if err := r.opts.Store.CreateBackupRun(run); err != nil {
		log.Warn("failed to record skipped run", "error", err)
	}
}

func (r *Runner) recordRegistration(log *slog.Logger, report *Report, job schedule.Job) {
	if r.opts.Store == nil {
		return
	}
	reg := &store.JobRegistration{
		RunID:       report.RunID,
		JobName:     job.Name,
		Backend:     r.opts.Registrar.Backend().Name(),
		Outcome:     string(report.Registration),
		CommandLine: job.CommandLine(),
		CreatedAt:   r.now(),
	}
	if report.RegistrationErr != nil {
		reg.ErrorMessage = report.RegistrationErr.Error()
	}
	if err := r.opts.Store.RecordJobRegistration(reg); err != nil {
		log.Warn("failed to record job registration", "error", err)
	}
}

func (r *Runner) summarize(report *Report) {
	switch report.Registration {
	case schedule.Created:
		fmt.Fprintf(r.out, "Scheduled job %q created\n", r.opts.Config.Schedule.JobName)
	case schedule.Failed:
		fmt.Fprintf(r.out, "Scheduled job %q could not be created: %v\n", r.opts.Config.Schedule.JobName, report.RegistrationErr)
	}

	if report.Skipped {
		fmt.Fprintf(r.out, "No backup taken: %s\n", report.SkipReason)
		return
	}

	switch report.Outcome() {
	case device.Downloaded:
		a := report.Result.Artifact
		fmt.Fprintf(r.out, "Backup saved to %s (%s in %s)\n", a.LocalPath, humanize.Bytes(uint64(a.Size)), a.Duration.Round(time.Millisecond))
	case device.TriggeredButDownloadFailed:
		fmt.Fprintf(r.out, "Backup was created on the device but could not be downloaded: %v\n", report.FetchErr)
	case device.TriggerFailed:
		fmt.Fprintf(r.out, "Backup could not be triggered: %v\n", report.FetchErr)
	}
}
