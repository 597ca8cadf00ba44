package device

import (
	"strings"
	"time"
)

const (
	backupFilePrefix = "OpenWB-backup-"
	backupFileSuffix = ".tar.gz"
)

// BackupFileName returns the local file name for an archive fetched at t.
// The UTC timestamp keeps 100ns precision so back-to-back runs get distinct
// names; colons are replaced because not every filesystem allows them.
func BackupFileName(t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15:04:05.0000000Z")
	return backupFilePrefix + strings.ReplaceAll(stamp, ":", "-") + backupFileSuffix
}
