package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// decodeTaskXML reverses the UTF-16 encoding of TaskXML output.
func decodeTaskXML(data []byte) ([]byte, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
	return dec.Bytes(data)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob() Job {
	return NewBackupJob(BackupJobSpec{
		Name:          "openWB Backup",
		Executable:    filepath.Join("/opt", "openwb-backup", "openwb-backup"),
		DeviceAddress: "10.0.0.5",
		WeeksInterval: 4,
		Weekday:       time.Monday,
		Hour:          9,
		TimeLimit:     time.Hour,
	})
}

func TestNewBackupJob(t *testing.T) {
	job := testJob()

	if got := strings.Join(job.Args, " "); got != "--run-once --openwb-ip 10.0.0.5" {
		t.Errorf("unexpected args %q", got)
	}
	if job.WorkDir != filepath.Join("/opt", "openwb-backup") {
		t.Errorf("unexpected work dir %q", job.WorkDir)
	}
	if job.Trigger.WeeksInterval != 4 || job.Trigger.Weekday != time.Monday || job.Trigger.Hour != 9 || job.Trigger.Minute != 0 {
		t.Errorf("unexpected trigger %+v", job.Trigger)
	}
	if !job.Trigger.StartWhenAvailable {
		t.Error("expected catch-up of missed runs")
	}
	if job.Settings.ExecutionTimeLimit != time.Hour || !job.Settings.AllowStartOnBatteries || !job.Settings.KeepRunningOnBatteries {
		t.Errorf("unexpected settings %+v", job.Settings)
	}

	extra := NewBackupJob(BackupJobSpec{Name: "x", Executable: "/bin/x", DeviceAddress: "h", ExtraArgs: []string{"--min-interval", "648h0m0s"}})
	if got := strings.Join(extra.Args, " "); got != "--run-once --openwb-ip h --min-interval 648h0m0s" {
		t.Errorf("unexpected args with extras %q", got)
	}
}

func TestCommandLine(t *testing.T) {
	job := Job{Executable: `C:\Program Files\openwb\openwb-backup.exe`, Args: []string{"--run-once", "--openwb-ip", "10.0.0.5"}}
	want := `"C:\Program Files\openwb\openwb-backup.exe" --run-once --openwb-ip 10.0.0.5`
	if got := job.CommandLine(); got != want {
		t.Errorf("CommandLine() = %q, want %q", got, want)
	}
}

func TestTriggerNext(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	// Wednesday 2024-01-03 12:00
	from := time.Date(2024, 1, 3, 12, 0, 0, 0, loc)
	trig := testJob().Trigger

	runs, err := trig.Next(from, 3)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	want := []time.Time{
		time.Date(2024, 1, 8, 9, 0, 0, 0, loc),
		time.Date(2024, 2, 5, 9, 0, 0, 0, loc),
		time.Date(2024, 3, 4, 9, 0, 0, 0, loc),
	}
	for i := range want {
		if !runs[i].Equal(want[i]) {
			t.Errorf("run %d = %s, want %s", i, runs[i], want[i])
		}
		if runs[i].Weekday() != time.Monday {
			t.Errorf("run %d falls on %s", i, runs[i].Weekday())
		}
	}

	// Exactly at a fire time, the next one is a week later.
	onTime := time.Date(2024, 1, 8, 9, 0, 0, 0, loc)
	start, err := trig.StartBoundary(onTime)
	if err != nil {
		t.Fatalf("StartBoundary() error = %v", err)
	}
	if want := time.Date(2024, 1, 15, 9, 0, 0, 0, loc); !start.Equal(want) {
		t.Errorf("StartBoundary() = %s, want %s", start, want)
	}
}

func TestTriggerNextInvalid(t *testing.T) {
	if _, err := (Trigger{WeeksInterval: 0}).Next(time.Now(), 1); err == nil {
		t.Error("expected error for zero interval")
	}
	if _, err := (Trigger{WeeksInterval: 1, Hour: 25}).Next(time.Now(), 1); err == nil {
		t.Error("expected error for hour 25")
	}
}

func TestRegistrarCreatesMissingJob(t *testing.T) {
	backend := NewMemory(true)
	r := NewRegistrar(backend, testLogger())

	outcome, err := r.Ensure(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if outcome != Created {
		t.Fatalf("Ensure() = %s, want %s", outcome, Created)
	}

	job, ok := backend.Job("openWB Backup")
	if !ok {
		t.Fatal("job was not registered")
	}
	if job.Trigger.WeeksInterval != 4 || job.Trigger.Weekday != time.Monday || job.Trigger.Hour != 9 {
		t.Errorf("registered trigger %+v", job.Trigger)
	}
	if !job.Trigger.StartWhenAvailable {
		t.Error("registered job does not catch up missed runs")
	}
}

func TestRegistrarLeavesExistingJob(t *testing.T) {
	backend := NewMemory(true)
	existing := Job{Name: "openWB Backup", Executable: "/usr/local/bin/custom", Args: []string{"--mine"}}
	backend.Put(existing)
	r := NewRegistrar(backend, testLogger())

	outcome, err := r.Ensure(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if outcome != AlreadyExists {
		t.Fatalf("Ensure() = %s, want %s", outcome, AlreadyExists)
	}
	if backend.Registers() != 0 {
		t.Errorf("Register called %d times, want 0", backend.Registers())
	}
	job, _ := backend.Job("openWB Backup")
	if job.Executable != existing.Executable || len(job.Args) != 1 {
		t.Errorf("existing job was modified: %+v", job)
	}
}

func TestRegistrarRaceIsConfigurationError(t *testing.T) {
	backend := NewMemory(true)
	backend.RegisterErr = ErrJobExists
	r := NewRegistrar(backend, testLogger())

	outcome, err := r.Ensure(context.Background(), testJob())
	if outcome != Failed {
		t.Fatalf("Ensure() = %s, want %s", outcome, Failed)
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if cfgErr.JobName != "openWB Backup" {
		t.Errorf("JobName = %q", cfgErr.JobName)
	}
	if backend.Registers() != 1 {
		t.Errorf("Register called %d times, want exactly 1", backend.Registers())
	}
}

func TestRegistrarOtherFailures(t *testing.T) {
	backend := NewMemory(true)
	backend.RegisterErr = errors.New("access denied")
	outcome, err := NewRegistrar(backend, testLogger()).Ensure(context.Background(), testJob())
	if outcome != Failed || err == nil {
		t.Fatalf("Ensure() = %s, %v", outcome, err)
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		t.Error("ordinary registration failure must not be a ConfigurationError")
	}

	backend = NewMemory(true)
	backend.LookupErr = errors.New("schtasks missing")
	outcome, err = NewRegistrar(backend, testLogger()).Ensure(context.Background(), testJob())
	if outcome != Failed || err == nil {
		t.Fatalf("Ensure() = %s, %v", outcome, err)
	}
	if backend.Registers() != 0 {
		t.Error("Register must not be called when lookup fails")
	}
}

// fakeRunner records commands and answers from a script.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	respond func(name string, args []string) ([]byte, error)
	files   map[string][]byte
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	// Capture /XML files before Register deletes them.
	for i, a := range args {
		if a == "/XML" && i+1 < len(args) {
			data, _ := os.ReadFile(args[i+1])
			if f.files == nil {
				f.files = map[string][]byte{}
			}
			f.files["xml"] = data
		}
	}
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(name, args)
}

func TestTaskSchedulerLookup(t *testing.T) {
	found := &TaskScheduler{Runner: &fakeRunner{}}
	ok, err := found.Lookup(context.Background(), "openWB Backup")
	if err != nil || !ok {
		t.Errorf("Lookup() = %v, %v; want true", ok, err)
	}

	missing := &TaskScheduler{Runner: &fakeRunner{respond: func(string, []string) ([]byte, error) {
		return []byte("ERROR: The system cannot find the file specified."), &CommandError{Command: "schtasks", ExitCode: 1}
	}}}
	ok, err = missing.Lookup(context.Background(), "openWB Backup")
	if err != nil || ok {
		t.Errorf("Lookup() = %v, %v; want false, nil", ok, err)
	}

	broken := &TaskScheduler{Runner: &fakeRunner{respond: func(string, []string) ([]byte, error) {
		return nil, errors.New("executable file not found")
	}}}
	if _, err := broken.Lookup(context.Background(), "openWB Backup"); err == nil {
		t.Error("expected error when schtasks cannot run")
	}
}

func TestTaskSchedulerRegister(t *testing.T) {
	runner := &fakeRunner{}
	ts := &TaskScheduler{
		Runner:  runner,
		TempDir: t.TempDir(),
		Now:     func() time.Time { return time.Date(2024, 1, 3, 12, 0, 0, 0, time.Local) },
	}

	if err := ts.Register(context.Background(), testJob()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected one schtasks call, got %v", runner.calls)
	}
	call := strings.Join(runner.calls[0], " ")
	if !strings.HasPrefix(call, "schtasks /Create /TN openWB Backup /XML ") {
		t.Errorf("unexpected call %q", call)
	}
	for _, a := range runner.calls[0] {
		if a == "/F" {
			t.Error("registration must not force-replace an existing task")
		}
	}

	xmlData, err := decodeTaskXML(runner.files["xml"])
	if err != nil {
		t.Fatalf("decodeTaskXML: %v", err)
	}
	doc := string(xmlData)
	for _, want := range []string{
		"<StartBoundary>2024-01-08T09:00:00</StartBoundary>",
		"<Monday></Monday>",
		"<WeeksInterval>4</WeeksInterval>",
		"<StartWhenAvailable>true</StartWhenAvailable>",
		"<ExecutionTimeLimit>PT1H</ExecutionTimeLimit>",
		"<DisallowStartIfOnBatteries>false</DisallowStartIfOnBatteries>",
		"<StopIfGoingOnBatteries>false</StopIfGoingOnBatteries>",
		"<Arguments>--run-once --openwb-ip 10.0.0.5</Arguments>",
		`<Principal id="Author">`,
		"<LogonType>InteractiveToken</LogonType>",
		`<Actions Context="Author">`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("task XML missing %q\n%s", want, doc)
		}
	}

	entries, _ := os.ReadDir(ts.TempDir)
	if len(entries) != 0 {
		t.Errorf("expected temp XML to be removed, found %d entries", len(entries))
	}
}

func TestTaskSchedulerRegisterExisting(t *testing.T) {
	ts := &TaskScheduler{
		TempDir: t.TempDir(),
		Runner: &fakeRunner{respond: func(string, []string) ([]byte, error) {
			return []byte("ERROR: Cannot create a file when that file already exists."), &CommandError{Command: "schtasks", ExitCode: 1}
		}},
	}
	err := ts.Register(context.Background(), testJob())
	if !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
}

func TestIsoDuration(t *testing.T) {
	tests := map[time.Duration]string{
		time.Hour:                    "PT1H",
		90 * time.Minute:             "PT1H30M",
		45 * time.Second:             "PT45S",
		72 * time.Hour:               "PT72H",
		0:                            "PT0S",
		time.Hour + 2*time.Second:    "PT1H2S",
	}
	for d, want := range tests {
		if got := isoDuration(d); got != want {
			t.Errorf("isoDuration(%s) = %q, want %q", d, got, want)
		}
	}
}

func TestWindowsArgs(t *testing.T) {
	got := windowsArgs([]string{"--openwb-ip", "10.0.0.5", `C:\My Backups\`, `say "hi"`, ""})
	want := `--openwb-ip 10.0.0.5 "C:\My Backups\\" "say \"hi\"" ""`
	if got != want {
		t.Errorf("windowsArgs() = %q, want %q", got, want)
	}
}

func TestSystemdTimerRegister(t *testing.T) {
	runner := &fakeRunner{}
	s := &SystemdTimer{UnitDir: filepath.Join(t.TempDir(), "systemd", "user"), Runner: runner}

	found, err := s.Lookup(context.Background(), "openWB Backup")
	if err != nil || found {
		t.Fatalf("Lookup() before register = %v, %v", found, err)
	}

	if err := s.Register(context.Background(), testJob()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	found, err = s.Lookup(context.Background(), "openWB Backup")
	if err != nil || !found {
		t.Fatalf("Lookup() after register = %v, %v", found, err)
	}

	timer, err := os.ReadFile(filepath.Join(s.UnitDir, "openwb-backup.timer"))
	if err != nil {
		t.Fatalf("read timer: %v", err)
	}
	for _, want := range []string{"OnCalendar=Mon *-*-* 09:00:00", "Persistent=true", "Unit=openwb-backup.service"} {
		if !strings.Contains(string(timer), want) {
			t.Errorf("timer unit missing %q:\n%s", want, timer)
		}
	}

	service, err := os.ReadFile(filepath.Join(s.UnitDir, "openwb-backup.service"))
	if err != nil {
		t.Fatalf("read service: %v", err)
	}
	for _, want := range []string{
		"Type=oneshot",
		"ExecStart=/opt/openwb-backup/openwb-backup --run-once --openwb-ip 10.0.0.5",
		"WorkingDirectory=/opt/openwb-backup",
		"RuntimeMaxSec=3600",
	} {
		if !strings.Contains(string(service), want) {
			t.Errorf("service unit missing %q:\n%s", want, service)
		}
	}

	want := [][]string{
		{"systemctl", "--user", "daemon-reload"},
		{"systemctl", "--user", "enable", "--now", "openwb-backup.timer"},
	}
	if len(runner.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", runner.calls, want)
	}
	for i := range want {
		if strings.Join(runner.calls[i], " ") != strings.Join(want[i], " ") {
			t.Errorf("call %d = %v, want %v", i, runner.calls[i], want[i])
		}
	}
}

func TestSystemdTimerNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	s := &SystemdTimer{UnitDir: dir, Runner: &fakeRunner{}}

	servicePath := filepath.Join(dir, "openwb-backup.service")
	if err := os.WriteFile(servicePath, []byte("user's own unit"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := s.Register(context.Background(), testJob())
	if !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
	data, _ := os.ReadFile(servicePath)
	if string(data) != "user's own unit" {
		t.Errorf("existing unit was modified: %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "openwb-backup.timer")); !os.IsNotExist(err) {
		t.Errorf("timer unit should not be written, stat err = %v", err)
	}
}

func TestSystemdTimerEnableFailure(t *testing.T) {
	runner := &fakeRunner{respond: func(name string, args []string) ([]byte, error) {
		if len(args) > 1 && args[1] == "enable" {
			return []byte("Failed to connect to bus"), &CommandError{Command: name, ExitCode: 1, Output: "Failed to connect to bus"}
		}
		return nil, nil
	}}
	s := &SystemdTimer{UnitDir: t.TempDir(), Runner: runner}
	err := s.Register(context.Background(), testJob())
	if err == nil || !strings.Contains(err.Error(), "Failed to connect to bus") {
		t.Fatalf("expected enable failure, got %v", err)
	}
	if errors.Is(err, ErrJobExists) {
		t.Error("enable failure must not look like an existing job")
	}
}

func TestSystemdTimerFailedEnableIsRetried(t *testing.T) {
	busDown := true
	runner := &fakeRunner{respond: func(name string, args []string) ([]byte, error) {
		if busDown && len(args) > 1 && args[1] == "enable" {
			return []byte("Failed to connect to bus"), &CommandError{Command: name, ExitCode: 1, Output: "Failed to connect to bus"}
		}
		return nil, nil
	}}
	s := &SystemdTimer{UnitDir: t.TempDir(), Runner: runner}
	r := NewRegistrar(s, testLogger())

	outcome, err := r.Ensure(context.Background(), testJob())
	if outcome != Failed || err == nil {
		t.Fatalf("first Ensure() = %q, %v; want failed", outcome, err)
	}
	for _, p := range []string{s.TimerPath("openWB Backup"), s.ServicePath("openWB Backup")} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s left behind after failed enable, stat err = %v", p, err)
		}
	}

	busDown = false
	calls := len(runner.calls)
	outcome, err = r.Ensure(context.Background(), testJob())
	if outcome != Created || err != nil {
		t.Fatalf("second Ensure() = %q, %v; want created", outcome, err)
	}
	if len(runner.calls) != calls+2 {
		t.Errorf("second Ensure() ran %v", runner.calls[calls:])
	}
}

func TestServiceUnitWorkingDirectoryIsLiteral(t *testing.T) {
	job := testJob()
	job.WorkDir = "/home/me/My Backups/100%"
	unit := ServiceUnit(job)
	if !strings.Contains(unit, "WorkingDirectory=/home/me/My Backups/100%%\n") {
		t.Errorf("unexpected working directory line:\n%s", unit)
	}
}

func TestUnitNameAndQuote(t *testing.T) {
	if got := UnitName("openWB Backup"); got != "openwb-backup" {
		t.Errorf("UnitName() = %q", got)
	}
	if got := UnitName("Garage/Box #2"); got != "garage-box--2" {
		t.Errorf("UnitName() = %q", got)
	}
	if got := systemdQuote("/home/me/My Backups"); got != `"/home/me/My Backups"` {
		t.Errorf("systemdQuote() = %q", got)
	}
	if got := systemdQuote("50%"); got != "50%%" {
		t.Errorf("systemdQuote() = %q", got)
	}
}

func TestCommandError(t *testing.T) {
	err := &CommandError{Command: "schtasks", ExitCode: 1, Output: "ERROR: denied\n"}
	if got := err.Error(); got != "schtasks exited with status 1: ERROR: denied" {
		t.Errorf("Error() = %q", got)
	}
}

func TestLaunchAgentRegister(t *testing.T) {
	runner := &fakeRunner{}
	l := &LaunchAgent{AgentDir: filepath.Join(t.TempDir(), "LaunchAgents"), Domain: "gui/501", Runner: runner}

	found, err := l.Lookup(context.Background(), "openWB Backup")
	if err != nil || found {
		t.Fatalf("Lookup() before register = %v, %v", found, err)
	}
	if err := l.Register(context.Background(), testJob()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	found, err = l.Lookup(context.Background(), "openWB Backup")
	if err != nil || !found {
		t.Fatalf("Lookup() after register = %v, %v", found, err)
	}

	path := filepath.Join(l.AgentDir, "org.openwb.openwb-backup.plist")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read plist: %v", err)
	}
	for _, want := range []string{
		"<string>org.openwb.openwb-backup</string>",
		"<string>/opt/openwb-backup/openwb-backup</string>\n<string>--run-once</string>",
		"<key>WorkingDirectory</key>\n<string>/opt/openwb-backup</string>",
		"<key>Weekday</key>\n<integer>1</integer>",
		"<key>Hour</key>\n<integer>9</integer>",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("plist missing %q:\n%s", want, data)
		}
	}

	if len(runner.calls) != 1 || strings.Join(runner.calls[0], " ") != "launchctl bootstrap gui/501 "+path {
		t.Errorf("calls = %v", runner.calls)
	}

	if err := l.Register(context.Background(), testJob()); !errors.Is(err, ErrJobExists) {
		t.Errorf("second Register() = %v, want ErrJobExists", err)
	}
}

func TestLaunchAgentFailedBootstrapIsRetried(t *testing.T) {
	failing := true
	runner := &fakeRunner{respond: func(name string, args []string) ([]byte, error) {
		if failing {
			return []byte("Bootstrap failed: 5: Input/output error"), &CommandError{Command: name, ExitCode: 5, Output: "Bootstrap failed: 5: Input/output error"}
		}
		return nil, nil
	}}
	l := &LaunchAgent{AgentDir: t.TempDir(), Domain: "gui/501", Runner: runner}
	r := NewRegistrar(l, testLogger())

	outcome, err := r.Ensure(context.Background(), testJob())
	if outcome != Failed || err == nil {
		t.Fatalf("first Ensure() = %q, %v; want failed", outcome, err)
	}
	if _, err := os.Stat(l.PlistPath("openWB Backup")); !os.IsNotExist(err) {
		t.Errorf("plist left behind after failed bootstrap, stat err = %v", err)
	}

	failing = false
	outcome, err = r.Ensure(context.Background(), testJob())
	if outcome != Created || err != nil {
		t.Fatalf("second Ensure() = %q, %v; want created", outcome, err)
	}
	if len(runner.calls) != 2 {
		t.Errorf("calls = %v", runner.calls)
	}
}

func TestAgentPlistEscapes(t *testing.T) {
	job := testJob()
	job.Args = append(job.Args, "--local-backup-folder", "/Users/a&b/<backups>")
	plist := AgentPlist(job)
	if !strings.Contains(plist, "<string>/Users/a&amp;b/&lt;backups&gt;</string>") {
		t.Errorf("argument not escaped:\n%s", plist)
	}
}
