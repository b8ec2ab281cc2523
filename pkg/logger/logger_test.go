package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColorHandlerPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	log.Info("step done", "step", 3)
	log.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "msg=\"step done\"")
	assert.Contains(t, out, "step=3")
	assert.NotContains(t, out, "hidden")
	assert.NotContains(t, out, "\033[")
}

func TestColorHandlerColors(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}).WithColor(true)
	log := slog.New(h).With("fold", 1)

	tests := []struct {
		name  string
		emit  func()
		color string
	}{
		{"error is red", func() { log.Error("boom") }, colorRed},
		{"warn is yellow", func() { log.Warn("careful") }, colorYellow},
		{"checkpoint is green", func() { log.Info("Checkpoint written") }, colorGreen},
		{"debug is gray", func() { log.Debug("details") }, colorGray},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.emit()
			out := buf.String()
			assert.True(t, strings.HasPrefix(out, tt.color), "got %q", out)
			assert.True(t, strings.HasSuffix(out, colorReset+"\n"))
			assert.Contains(t, out, "fold=1")
		})
	}

	buf.Reset()
	log.Info("plain info")
	assert.False(t, strings.HasPrefix(buf.String(), "\033["))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
