package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// progressInterval bounds how often download progress is logged.
const progressInterval = 2 * time.Second

// progressLogger turns download progress callbacks into occasional debug
// records with throughput and ETA.
type progressLogger struct {
	mu      sync.Mutex
	logger  *slog.Logger
	start   time.Time
	lastLog time.Time
	now     func() time.Time
}

func newProgressLogger(logger *slog.Logger) *progressLogger {
	return &progressLogger{logger: logger, now: time.Now}
}

func (p *progressLogger) update(downloaded, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.start.IsZero() {
		p.start = now
		p.lastLog = now
	}
	done := total > 0 && downloaded >= total
	if !done && now.Sub(p.lastLog) < progressInterval {
		return
	}

	elapsed := now.Sub(p.start)
	var rate int64
	if secs := elapsed.Seconds(); secs > 0 {
		rate = int64(float64(downloaded) / secs)
	}

	attrs := []any{
		"downloaded", humanize.Bytes(uint64(downloaded)),
		"rate", humanize.Bytes(uint64(rate)) + "/s",
	}
	if total > 0 {
		attrs = append(attrs,
			"total", humanize.Bytes(uint64(total)),
			"percent", int(float64(downloaded)*100/float64(total)))
		if eta := etaFor(downloaded, total, rate); eta != "" && !done {
			attrs = append(attrs, "eta", eta)
		}
	}
	p.logger.Debug("download progress", attrs...)
	p.lastLog = now
}

// etaFor returns the remaining time at the given rate, or "" when unknown.
func etaFor(downloaded, total, rate int64) string {
	if rate <= 0 || total <= downloaded {
		return ""
	}
	remaining := time.Duration(float64(total-downloaded)/float64(rate)) * time.Second
	return remaining.Round(time.Second).String()
}
