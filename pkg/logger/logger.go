// Package logger provides the slog handlers used by the lostpaw commands.
//
// NewColorHandler renders records as key=value text like slog.TextHandler and
// colours the whole line by level when the output is a terminal: warnings in
// yellow, errors in red, and checkpoint/persistence messages in green.
package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

// highlighted message prefixes rendered in green at info level
var persistencePrefixes = []string{"Checkpoint", "Saved", "Saving", "Persist"}

// ColorHandler is a slog.Handler that colours text output by level.
type ColorHandler struct {
	text  slog.Handler
	buf   *bytes.Buffer
	mu    *sync.Mutex
	out   io.Writer
	color bool
}

// NewColorHandler creates a ColorHandler writing to w. Colours are enabled
// only when w is a terminal.
func NewColorHandler(w io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	buf := &bytes.Buffer{}
	return &ColorHandler{
		text:  slog.NewTextHandler(buf, opts),
		buf:   buf,
		mu:    &sync.Mutex{},
		out:   w,
		color: isTerminal(w),
	}
}

// WithColor forces colours on or off.
func (h *ColorHandler) WithColor(enabled bool) *ColorHandler {
	clone := *h
	clone.color = enabled
	return &clone
}

// Enabled implements slog.Handler
func (h *ColorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.text.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *ColorHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf.Reset()
	if err := h.text.Handle(ctx, r); err != nil {
		return err
	}

	line := h.buf.Bytes()
	color := h.colorFor(r)
	if color == "" {
		_, err := h.out.Write(line)
		return err
	}

	trimmed := bytes.TrimRight(line, "\n")
	out := make([]byte, 0, len(trimmed)+len(color)+len(colorReset)+1)
	out = append(out, color...)
	out = append(out, trimmed...)
	out = append(out, colorReset...)
	out = append(out, '\n')
	_, err := h.out.Write(out)
	return err
}

// WithAttrs implements slog.Handler
func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.text = h.text.WithAttrs(attrs)
	return &clone
}

// WithGroup implements slog.Handler
func (h *ColorHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.text = h.text.WithGroup(name)
	return &clone
}

func (h *ColorHandler) colorFor(r slog.Record) string {
	if !h.color {
		return ""
	}
	switch {
	case r.Level >= slog.LevelError:
		return colorRed
	case r.Level >= slog.LevelWarn:
		return colorYellow
	case r.Level < slog.LevelInfo:
		return colorGray
	}
	for _, prefix := range persistencePrefixes {
		if strings.HasPrefix(r.Message, prefix) {
			return colorGreen
		}
	}
	return ""
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// NewDefaultLogger returns a logger writing coloured text to stderr.
func NewDefaultLogger(level slog.Level) *slog.Logger {
	return slog.New(NewColorHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewJSONLogger returns a logger writing JSON records to stderr.
func NewJSONLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// New builds a logger from a level name and a format ("text" or "json").
func New(level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	if strings.EqualFold(format, "json") {
		return NewJSONLogger(lvl)
	}
	return NewDefaultLogger(lvl)
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(1000)}))
}
