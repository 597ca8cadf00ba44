package device

import (
	"reflect"
	"testing"
	"time"
)

func TestExtractLinks(t *testing.T) {
	tests := []struct {
		name string
		html string
		want []string
	}{
		{
			name: "single anchor",
			html: `<a href="/openWB/web/backup/backup.tar.gz">Download</a>`,
			want: []string{"/openWB/web/backup/backup.tar.gz"},
		},
		{
			name: "single quoted and uppercase",
			html: `<A HREF='/openWB/web/backup/backup.tar.gz'>Download</A>`,
			want: []string{"/openWB/web/backup/backup.tar.gz"},
		},
		{
			name: "stylesheet links are not hyperlinks",
			html: `<link rel="stylesheet" href="/css/style.css"><a href="/b.tar.gz">b</a>`,
			want: []string{"/b.tar.gz"},
		},
		{
			name: "fragments and empty hrefs are skipped",
			html: `<a href="#top">top</a><a href="">none</a><a>plain</a><a href="/b.tar.gz">b</a>`,
			want: []string{"/b.tar.gz"},
		},
		{
			name: "two anchors",
			html: `<a href="/a.tar.gz">a</a><p><a href="/b.tar.gz">b</a></p>`,
			want: []string{"/a.tar.gz", "/b.tar.gz"},
		},
		{
			name: "entities are decoded",
			html: `<a href="/get.php?file=a&amp;x=1">a</a>`,
			want: []string{"/get.php?file=a&x=1"},
		},
		{
			name: "no anchors",
			html: `<html><body>nothing here</body></html>`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractLinks([]byte(tt.html))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("extractLinks() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackupFileName(t *testing.T) {
	ts := time.Date(2024, 3, 4, 9, 15, 30, 123456700, time.FixedZone("CET", 3600))
	got := BackupFileName(ts)
	want := "OpenWB-backup-2024-03-04T08-15-30.1234567Z.tar.gz"
	if got != want {
		t.Errorf("BackupFileName() = %q, want %q", got, want)
	}

	later := BackupFileName(ts.Add(time.Microsecond))
	if later == got {
		t.Error("expected sub-second difference to change the file name")
	}
}
