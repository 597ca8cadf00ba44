package schedule

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
)

const (
	taskNamespace   = "http://schemas.microsoft.com/windows/2004/02/mit/task"
	taskPrincipalID = "Author"
)

// TaskScheduler registers jobs with the Windows Task Scheduler through
// schtasks.exe. Jobs are created from an XML definition because the
// command-line switches cannot express a multi-week interval together with
// the battery and catch-up settings.
type TaskScheduler struct {
	Runner CommandRunner
	// TempDir holds the XML file during registration; empty means os.TempDir.
	TempDir string
	// Now is used to compute the start boundary; nil means time.Now.
	Now func() time.Time
}

func (s *TaskScheduler) Name() string { return "task-scheduler" }

func (s *TaskScheduler) SupportsWeeksInterval() bool { return true }

func (s *TaskScheduler) Lookup(ctx context.Context, name string) (bool, error) {
	_, err := s.Runner.Run(ctx, "schtasks", "/Query", "/TN", name)
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		// schtasks exits 1 with "cannot find the file specified" for an
		// unknown task name.
		return false, nil
	}
	return false, err
}

func (s *TaskScheduler) Register(ctx context.Context, job Job) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	data, err := TaskXML(job, now())
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(s.TempDir, "openwb-backup-task-*.xml")
	if err != nil {
		return fmt.Errorf("creating task definition: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing task definition: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing task definition: %w", err)
	}

	// No /F: an existing task must never be replaced.
	out, err := s.Runner.Run(ctx, "schtasks", "/Create", "/TN", job.Name, "/XML", path)
	if err != nil {
		if strings.Contains(strings.ToLower(string(out)), "already exists") {
			return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
		}
		return fmt.Errorf("schtasks create: %w", err)
	}
	return nil
}

type taskDefinition struct {
	XMLName          xml.Name         `xml:"Task"`
	Version          string           `xml:"version,attr"`
	Xmlns            string           `xml:"xmlns,attr"`
	RegistrationInfo registrationInfo `xml:"RegistrationInfo"`
	Triggers         taskTriggers     `xml:"Triggers"`
	Principals       taskPrincipals   `xml:"Principals"`
	Settings         taskSettings     `xml:"Settings"`
	Actions          taskActions      `xml:"Actions"`
}

// taskPrincipals declares the principal the action's Context refers to: the
// registering user, running only while logged on.
type taskPrincipals struct {
	Principal taskPrincipal `xml:"Principal"`
}

type taskPrincipal struct {
	ID        string `xml:"id,attr"`
	LogonType string `xml:"LogonType"`
}

type registrationInfo struct {
	Description string `xml:"Description,omitempty"`
	URI         string `xml:"URI"`
}

type taskTriggers struct {
	CalendarTrigger calendarTrigger `xml:"CalendarTrigger"`
}

type calendarTrigger struct {
	StartBoundary  string         `xml:"StartBoundary"`
	Enabled        bool           `xml:"Enabled"`
	ScheduleByWeek scheduleByWeek `xml:"ScheduleByWeek"`
}

type scheduleByWeek struct {
	DaysOfWeek    daysOfWeek `xml:"DaysOfWeek"`
	WeeksInterval int        `xml:"WeeksInterval"`
}

type daysOfWeek struct {
	Sunday    *struct{} `xml:"Sunday,omitempty"`
	Monday    *struct{} `xml:"Monday,omitempty"`
	Tuesday   *struct{} `xml:"Tuesday,omitempty"`
	Wednesday *struct{} `xml:"Wednesday,omitempty"`
	Thursday  *struct{} `xml:"Thursday,omitempty"`
	Friday    *struct{} `xml:"Friday,omitempty"`
	Saturday  *struct{} `xml:"Saturday,omitempty"`
}

type taskSettings struct {
	MultipleInstancesPolicy    string `xml:"MultipleInstancesPolicy"`
	DisallowStartIfOnBatteries bool   `xml:"DisallowStartIfOnBatteries"`
	StopIfGoingOnBatteries     bool   `xml:"StopIfGoingOnBatteries"`
	StartWhenAvailable         bool   `xml:"StartWhenAvailable"`
	RunOnlyIfNetworkAvailable  bool   `xml:"RunOnlyIfNetworkAvailable"`
	ExecutionTimeLimit         string `xml:"ExecutionTimeLimit"`
	Enabled                    bool   `xml:"Enabled"`
}

type taskActions struct {
	Context string   `xml:"Context,attr"`
	Exec    taskExec `xml:"Exec"`
}

type taskExec struct {
	Command          string `xml:"Command"`
	Arguments        string `xml:"Arguments,omitempty"`
	WorkingDirectory string `xml:"WorkingDirectory,omitempty"`
}

// TaskXML renders job as a Task Scheduler definition, UTF-16LE encoded with
// a byte order mark as schtasks expects.
func TaskXML(job Job, now time.Time) ([]byte, error) {
	start, err := job.Trigger.StartBoundary(now)
	if err != nil {
		return nil, err
	}

	def := taskDefinition{
		Version: "1.2",
		Xmlns:   taskNamespace,
		RegistrationInfo: registrationInfo{
			Description: job.Description,
			URI:         `\` + job.Name,
		},
		Triggers: taskTriggers{CalendarTrigger: calendarTrigger{
			StartBoundary: start.Format("2006-01-02T15:04:05"),
			Enabled:       true,
			ScheduleByWeek: scheduleByWeek{
				DaysOfWeek:    daysFor(job.Trigger.Weekday),
				WeeksInterval: job.Trigger.WeeksInterval,
			},
		}},
		Principals: taskPrincipals{Principal: taskPrincipal{
			ID:        taskPrincipalID,
			LogonType: "InteractiveToken",
		}},
		Settings: taskSettings{
			MultipleInstancesPolicy:    "IgnoreNew",
			DisallowStartIfOnBatteries: !job.Settings.AllowStartOnBatteries,
			StopIfGoingOnBatteries:     !job.Settings.KeepRunningOnBatteries,
			StartWhenAvailable:         job.Trigger.StartWhenAvailable,
			ExecutionTimeLimit:         isoDuration(job.Settings.ExecutionTimeLimit),
			Enabled:                    true,
		},
		Actions: taskActions{
			Context: taskPrincipalID,
			Exec: taskExec{
				Command:          job.Executable,
				Arguments:        windowsArgs(job.Args),
				WorkingDirectory: job.WorkDir,
			},
		},
	}

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-16"?>` + "\n")
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(def); err != nil {
		return nil, fmt.Errorf("encoding task definition: %w", err)
	}
	buf.WriteByte('\n')

	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	out, err := utf16.Bytes(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encoding task definition as UTF-16: %w", err)
	}
	return out, nil
}

func daysFor(wd time.Weekday) daysOfWeek {
	var d daysOfWeek
	set := &struct{}{}
	switch wd {
	case time.Sunday:
		d.Sunday = set
	case time.Monday:
		d.Monday = set
	case time.Tuesday:
		d.Tuesday = set
	case time.Wednesday:
		d.Wednesday = set
	case time.Thursday:
		d.Thursday = set
	case time.Friday:
		d.Friday = set
	case time.Saturday:
		d.Saturday = set
	}
	return d
}

// isoDuration formats d as an ISO 8601 duration such as PT1H or PT1H30M.
func isoDuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	d = d.Round(time.Second)
	h := int64(d / time.Hour)
	m := int64(d % time.Hour / time.Minute)
	s := int64(d % time.Minute / time.Second)

	var b strings.Builder
	b.WriteString("PT")
	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if s > 0 {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}

// windowsArgs joins args for a Windows command line, quoting arguments
// that contain spaces or quotes.
func windowsArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && !strings.ContainsAny(a, " \t\"") {
			quoted[i] = a
			continue
		}
		var b strings.Builder
		b.WriteByte('"')
		slashes := 0
		for _, r := range a {
			switch r {
			case '\\':
				slashes++
				continue
			case '"':
				b.WriteString(strings.Repeat(`\`, slashes*2+1))
			default:
				b.WriteString(strings.Repeat(`\`, slashes))
			}
			slashes = 0
			b.WriteRune(r)
		}
		b.WriteString(strings.Repeat(`\`, slashes*2))
		b.WriteByte('"')
		quoted[i] = b.String()
	}
	return strings.Join(quoted, " ")
}
