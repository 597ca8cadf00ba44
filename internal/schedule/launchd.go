package schedule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LaunchAgent registers jobs as per-user launchd agents on macOS. A
// StartCalendarInterval that was missed while the machine slept fires on
// wake. Like systemd calendar timers it cannot fire every N weeks, so the
// agent fires weekly. launchd has no run-time cap, so the execution time
// limit is not applied.
type LaunchAgent struct {
	// AgentDir is normally ~/Library/LaunchAgents.
	AgentDir string
	// Domain is the launchctl target, normally gui/<uid>.
	Domain string
	Runner CommandRunner
}

// NewLaunchAgent returns a backend for the current user.
func NewLaunchAgent(runner CommandRunner) (*LaunchAgent, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("home dir: %w", err)
	}
	return &LaunchAgent{
		AgentDir: filepath.Join(home, "Library", "LaunchAgents"),
		Domain:   fmt.Sprintf("gui/%d", os.Getuid()),
		Runner:   runner,
	}, nil
}

func (l *LaunchAgent) Name() string { return "launchd-agent" }

func (l *LaunchAgent) SupportsWeeksInterval() bool { return false }

// Label returns the launchd label for a job name.
func Label(jobName string) string {
	return "org.openwb." + UnitName(jobName)
}

// PlistPath returns the agent definition file for a job name.
func (l *LaunchAgent) PlistPath(jobName string) string {
	return filepath.Join(l.AgentDir, Label(jobName)+".plist")
}

func (l *LaunchAgent) Lookup(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(l.PlistPath(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking launch agent: %w", err)
}

func (l *LaunchAgent) Register(ctx context.Context, job Job) error {
	if err := os.MkdirAll(l.AgentDir, 0o755); err != nil {
		return fmt.Errorf("creating agent directory: %w", err)
	}
	path := l.PlistPath(job.Name)
	if err := writeNewFile(path, AgentPlist(job)); err != nil {
		return err
	}
	if _, err := l.Runner.Run(ctx, "launchctl", "bootstrap", l.Domain, path); err != nil {
		// Lookup only checks for the plist.
		_ = os.Remove(path)
		return fmt.Errorf("bootstrap of %s failed, agent removed: %w", path, err)
	}
	return nil
}

// AgentPlist renders the launchd property list for job.
func AgentPlist(job Job) string {
	args := append([]string{job.Executable}, job.Args...)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">` + "\n")
	b.WriteString(`<plist version="1.0">` + "\n<dict>\n")
	plistKey(&b, "Label")
	plistString(&b, Label(job.Name))
	plistKey(&b, "ProgramArguments")
	b.WriteString("<array>\n")
	for _, a := range args {
		plistString(&b, a)
	}
	b.WriteString("</array>\n")
	if job.WorkDir != "" {
		plistKey(&b, "WorkingDirectory")
		plistString(&b, job.WorkDir)
	}
	// Weekday 0 is Sunday in both launchd and time.Weekday.
	plistKey(&b, "StartCalendarInterval")
	fmt.Fprintf(&b, "<dict>\n<key>Weekday</key>\n<integer>%d</integer>\n<key>Hour</key>\n<integer>%d</integer>\n<key>Minute</key>\n<integer>%d</integer>\n</dict>\n",
		int(job.Trigger.Weekday), job.Trigger.Hour, job.Trigger.Minute)
	plistKey(&b, "RunAtLoad")
	b.WriteString("<false/>\n")
	b.WriteString("</dict>\n</plist>\n")
	return b.String()
}

var plistEscaper = strings.NewReplacer(
	`&`, "&amp;",
	`<`, "&lt;",
	`>`, "&gt;",
	`"`, "&quot;",
	`'`, "&apos;",
)

func plistKey(b *strings.Builder, key string) {
	fmt.Fprintf(b, "<key>%s</key>\n", plistEscaper.Replace(key))
}

func plistString(b *strings.Builder, value string) {
	fmt.Fprintf(b, "<string>%s</string>\n", plistEscaper.Replace(value))
}
