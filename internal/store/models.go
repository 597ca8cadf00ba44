package store

import "time"

// Backup run statuses. The last three mirror the fetcher outcomes.
const (
	RunStatusRunning                    = "running"
	RunStatusDownloaded                 = "downloaded"
	RunStatusTriggeredButDownloadFailed = "triggered_but_download_failed"
	RunStatusTriggerFailed              = "trigger_failed"
	RunStatusSkipped                    = "skipped"
)

// BackupRun records one attempt to fetch a backup
type BackupRun struct {
	ID            int64
	RunID         string // UUID shared with the log records of the run
	Device        string
	StartTime     time.Time
	EndTime       time.Time
	Status        string
	TriggerStatus int
	Link          string
	LocalPath     string
	Size          int64
	SHA256        string
	ErrorMessage  string
}

// JobRegistration records an attempt to install the scheduled job
type JobRegistration struct {
	ID           int64
	RunID        string
	JobName      string
	Backend      string
	Outcome      string // "created", "already_exists", "failed"
	CommandLine  string
	ErrorMessage string
	CreatedAt    time.Time
}
