package schedule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SystemdTimer registers jobs as systemd user units: a oneshot service and
// a timer with Persistent=true so a run missed while the host was off fires
// at the next boot. Calendar timers cannot fire every N weeks, so the timer
// fires weekly and SupportsWeeksInterval reports false.
type SystemdTimer struct {
	// UnitDir is the user unit directory, normally ~/.config/systemd/user.
	UnitDir string
	Runner  CommandRunner
}

// NewSystemdTimer returns a backend using the current user's unit directory.
func NewSystemdTimer(runner CommandRunner) (*SystemdTimer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("home dir: %w", err)
	}
	return &SystemdTimer{
		UnitDir: filepath.Join(home, ".config", "systemd", "user"),
		Runner:  runner,
	}, nil
}

func (s *SystemdTimer) Name() string { return "systemd-user-timer" }

func (s *SystemdTimer) SupportsWeeksInterval() bool { return false }

// UnitName converts a job name into a unit name: "openWB Backup" becomes
// "openwb-backup".
func UnitName(jobName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(jobName)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// TimerPath returns the timer unit file for a job name.
func (s *SystemdTimer) TimerPath(jobName string) string {
	return filepath.Join(s.UnitDir, UnitName(jobName)+".timer")
}

// ServicePath returns the service unit file for a job name.
func (s *SystemdTimer) ServicePath(jobName string) string {
	return filepath.Join(s.UnitDir, UnitName(jobName)+".service")
}

func (s *SystemdTimer) Lookup(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(s.TimerPath(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking timer unit: %w", err)
}

func (s *SystemdTimer) Register(ctx context.Context, job Job) error {
	if err := os.MkdirAll(s.UnitDir, 0o755); err != nil {
		return fmt.Errorf("creating unit directory: %w", err)
	}

	servicePath := s.ServicePath(job.Name)
	if err := writeNewFile(servicePath, ServiceUnit(job)); err != nil {
		return err
	}
	timerPath := s.TimerPath(job.Name)
	if err := writeNewFile(timerPath, TimerUnit(job)); err != nil {
		_ = os.Remove(servicePath)
		return err
	}

	// Lookup only checks for the timer file, so a job that never got
	// enabled must not leave its units behind.
	rollback := func() {
		_ = os.Remove(timerPath)
		_ = os.Remove(servicePath)
	}
	if _, err := s.Runner.Run(ctx, "systemctl", "--user", "daemon-reload"); err != nil {
		rollback()
		return fmt.Errorf("daemon-reload failed, units removed from %s: %w", s.UnitDir, err)
	}
	timer := filepath.Base(timerPath)
	if _, err := s.Runner.Run(ctx, "systemctl", "--user", "enable", "--now", timer); err != nil {
		rollback()
		return fmt.Errorf("enabling %s failed, units removed from %s: %w", timer, s.UnitDir, err)
	}
	return nil
}

// writeNewFile creates path exclusively; an existing file maps to ErrJobExists.
func writeNewFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrJobExists, path)
		}
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// ServiceUnit renders the oneshot service running the job's action.
func ServiceUnit(job Job) string {
	exec := make([]string, 0, len(job.Args)+1)
	exec = append(exec, systemdQuote(job.Executable))
	for _, a := range job.Args {
		exec = append(exec, systemdQuote(a))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Unit]\nDescription=%s\nWants=network-online.target\nAfter=network-online.target\n\n", job.Name)
	b.WriteString("[Service]\nType=oneshot\n")
	if job.WorkDir != "" {
		// Taken literally up to the end of the line; only specifiers need escaping.
		fmt.Fprintf(&b, "WorkingDirectory=%s\n", strings.ReplaceAll(job.WorkDir, "%", "%%"))
	}
	fmt.Fprintf(&b, "ExecStart=%s\n", strings.Join(exec, " "))
	if limit := job.Settings.ExecutionTimeLimit; limit > 0 {
		fmt.Fprintf(&b, "RuntimeMaxSec=%d\n", int64(limit.Seconds()))
	}
	return b.String()
}

// TimerUnit renders the weekly timer.
func TimerUnit(job Job) string {
	t := job.Trigger
	var b strings.Builder
	fmt.Fprintf(&b, "[Unit]\nDescription=Run %s\n\n", job.Name)
	b.WriteString("[Timer]\n")
	fmt.Fprintf(&b, "OnCalendar=%s *-*-* %02d:%02d:00\n", t.Weekday.String()[:3], t.Hour, t.Minute)
	if t.StartWhenAvailable {
		b.WriteString("Persistent=true\n")
	}
	fmt.Fprintf(&b, "Unit=%s.service\n\n", UnitName(job.Name))
	b.WriteString("[Install]\nWantedBy=timers.target\n")
	return b.String()
}

// systemdQuote quotes a word for a unit file and escapes "%" specifiers.
func systemdQuote(s string) string {
	s = strings.ReplaceAll(s, "%", "%%")
	if s != "" && !strings.ContainsAny(s, " \t\"'\\") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
