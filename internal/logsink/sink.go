// Package logsink writes the run log: one line per record in the form
// "<timestamp> Line:<file>:<line> <message> key=value ..." to a file, with an
// optional echo to the console.
package logsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"
)

// TimeFormat is the timestamp layout used at the start of each line.
const TimeFormat = "2006-01-02 15:04:05.000"

// Options configures a Sink.
type Options struct {
	Path    string // log file; truncated unless Append is set
	Append  bool
	Verbose bool   // echo every record to Console
	Level   string // console level when Verbose: debug, info, warn, error
	Format  string // console format: text or json
	Console io.Writer
}

// Sink owns the log file and the logger writing to it.
type Sink struct {
	file   *os.File
	logger *slog.Logger
}

// Open creates or truncates the log file and builds the logger.
func Open(opts Options) (*Sink, error) {
	if opts.Path == "" {
		return nil, errors.New("log file path is empty")
	}
	flags := os.O_CREATE | os.O_WRONLY
	if opts.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	if dir := filepath.Dir(opts.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
	}
	f, err := os.OpenFile(opts.Path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	handlers := []slog.Handler{NewLineHandler(f, slog.LevelDebug)}
	if console := consoleHandler(opts); console != nil {
		handlers = append(handlers, console)
	}

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = &fanout{handlers: handlers}
	}
	return &Sink{file: f, logger: slog.New(h)}, nil
}

// Logger returns the logger writing to the sink.
func (s *Sink) Logger() *slog.Logger { return s.logger }

// Close flushes and closes the log file.
func (s *Sink) Close() error {
	if err := s.file.Sync(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.file.Close()
		return fmt.Errorf("syncing log file: %w", err)
	}
	return s.file.Close()
}

// consoleHandler returns the stderr echo handler. Verbose runs see every
// record at the chosen level; otherwise an interactive terminal still sees
// warnings and errors, and unattended runs see nothing.
func consoleHandler(opts Options) slog.Handler {
	w := opts.Console
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	switch {
	case opts.Verbose:
		level = ParseLevel(opts.Level)
	case isTerminal(w):
		level = slog.LevelWarn
	default:
		return nil
	}

	hopts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(opts.Format) == "json" {
		return slog.NewJSONHandler(w, hopts)
	}
	return slog.NewTextHandler(w, hopts)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LineHandler is a slog.Handler producing the run log line format.
type LineHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	prefix string // preformatted attrs from WithAttrs
	group  string
}

// NewLineHandler returns a handler writing records at or above level to w.
func NewLineHandler(w io.Writer, level slog.Leveler) *LineHandler {
	return &LineHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *LineHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *LineHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format(TimeFormat))
	b.WriteString(" Line:")
	b.WriteString(source(r.PC))
	b.WriteByte(' ')
	if r.Level != slog.LevelInfo {
		b.WriteString(r.Level.String())
		b.WriteByte(' ')
	}
	b.WriteString(r.Message)
	b.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&b, h.group, a)
	}
	h2 := *h
	h2.prefix = b.String()
	return &h2
}

func (h *LineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	if h2.group != "" {
		h2.group += "." + name
	} else {
		h2.group = name
	}
	return &h2
}

func source(pc uintptr) string {
	if pc == 0 {
		return "?"
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	f, _ := frames.Next()
	if f.File == "" {
		return "?"
	}
	return filepath.Base(f.File) + ":" + strconv.Itoa(f.Line)
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, key, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	v := a.Value.String()
	if v == "" || strings.ContainsAny(v, " \t\"=") {
		v = strconv.Quote(v)
	}
	b.WriteString(v)
}

// fanout sends each record to every handler that accepts its level.
type fanout struct {
	handlers []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: hs}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &fanout{handlers: hs}
}
