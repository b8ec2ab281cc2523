package alert

import (
	"bytes"
	"errors"
	"log/slog"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/lostpaw/pkg/config"
)

func TestNew(t *testing.T) {
	assert.IsType(t, &NoOpAlerter{}, New(config.AlertConfig{}))
	assert.IsType(t, &NoOpAlerter{}, New(config.AlertConfig{Enabled: true}))
	assert.IsType(t, &EmailAlerter{}, New(config.AlertConfig{Enabled: true, SMTPHost: "mail", To: []string{"ops@example.com"}}))
}

func TestEmailAlerter(t *testing.T) {
	cfg := config.AlertConfig{
		Enabled:  true,
		SMTPHost: "mail.example.com",
		SMTPPort: 587,
		From:     "trainer@example.com",
		To:       []string{"a@example.com", "b@example.com"},
	}

	var gotAddr string
	var gotMsg []byte
	a := NewEmailAlerter(cfg)
	a.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		assert.Equal(t, cfg.From, from)
		assert.Equal(t, cfg.To, to)
		return nil
	}

	require.NoError(t, a.Alert("run failed", "fold 2 diverged"))
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Contains(t, string(gotMsg), "Subject: [lostpaw] run failed")
	assert.Contains(t, string(gotMsg), "To: a@example.com,b@example.com")
	assert.Contains(t, string(gotMsg), "fold 2 diverged")

	a.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("connection refused") }
	assert.ErrorContains(t, a.Alert("x", "y"), "connection refused")

	cfg.Enabled = false
	disabled := NewEmailAlerter(cfg)
	disabled.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("disabled alerter must not send")
		return nil
	}
	assert.NoError(t, disabled.Alert("x", "y"))
}

func TestLogAlerter(t *testing.T) {
	var buf bytes.Buffer
	a := &LogAlerter{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, a.Alert("breaker open", "remote encoder"))
	assert.Contains(t, buf.String(), "breaker open")
}
