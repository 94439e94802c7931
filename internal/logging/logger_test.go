package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medislot/medsync/internal/config"
)

func testConfig(t *testing.T) config.LoggingConfig {
	cfg := config.DefaultLoggingConfig()
	cfg.Dir = t.TempDir()
	return cfg
}

func TestNewLogger_ErrorLogSeparation(t *testing.T) {
	cfg := testConfig(t)
	var console bytes.Buffer

	logger, err := NewLogger(cfg, &console)
	require.NoError(t, err)

	logger.Info("info message")
	logger.Warn("warning message")
	logger.Error("error message")
	require.NoError(t, Shutdown())

	main, err := os.ReadFile(filepath.Join(cfg.Dir, "medsync.log"))
	require.NoError(t, err)
	assert.Contains(t, string(main), `"msg":"info message"`)
	assert.Contains(t, string(main), "warning message")

	errs, err := os.ReadFile(filepath.Join(cfg.Dir, "errors.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(errs), "info message")
	assert.Contains(t, string(errs), "error message")

	assert.Contains(t, console.String(), "msg=\"info message\"")
}

func TestNewLogger_FileDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.File.Enabled = false
	var console bytes.Buffer

	logger, err := NewLogger(cfg, &console)
	require.NoError(t, err)
	logger.Info("console only")

	assert.NoFileExists(t, filepath.Join(cfg.Dir, "medsync.log"))
	assert.Contains(t, console.String(), "console only")
}

func TestNewLogger_Redacts(t *testing.T) {
	cfg := testConfig(t)
	cfg.File.Enabled = false
	cfg.Redact = []string{"token", "patientName"}
	var console bytes.Buffer

	logger, err := NewLogger(cfg, &console)
	require.NoError(t, err)
	logger.With("token", "abc").Info("sync", "patientname", "Ada", "collection", "appointments")

	out := console.String()
	assert.NotContains(t, out, "abc")
	assert.NotContains(t, out, "Ada")
	assert.Contains(t, out, "collection=appointments")
	assert.Contains(t, out, Redacted)
}

func TestInitialize_SetsGlobalLogger(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	cfg := testConfig(t)
	cfg.Console.Enabled = false
	require.NoError(t, Initialize(cfg))

	slog.Info("global test message")
	require.NoError(t, Shutdown())

	content, err := os.ReadFile(filepath.Join(cfg.Dir, "medsync.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "global test message")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"invalid": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	h := NewLevelFilter(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}), slog.LevelWarn)
	logger := slog.New(h).With("component", "queue").WithGroup("op")

	logger.Info("dropped")
	logger.Warn("kept", "id", "1")

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "component=queue")
	assert.Contains(t, buf.String(), "op.id=1")
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("disk full") }

func TestMultiHandler(t *testing.T) {
	var a, b bytes.Buffer
	ha := slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo})
	hb := slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError})
	logger := slog.New(NewMultiHandler(ha, hb)).With("k", "v")

	logger.Info("info")
	logger.Error("error")
	assert.Contains(t, a.String(), "info")
	assert.Contains(t, a.String(), "k=v")
	assert.NotContains(t, b.String(), "msg=info")
	assert.Contains(t, b.String(), "error")

	var c bytes.Buffer
	m := NewMultiHandler(failingHandler{ha}, slog.NewTextHandler(&c, nil))
	err := m.Handle(context.Background(), slog.NewRecord(testTime, slog.LevelInfo, "still delivered", 0))
	assert.Error(t, err)
	assert.Contains(t, c.String(), "still delivered")
}

func TestRedactHandler_Groups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewRedactHandler(slog.NewTextHandler(&buf, nil), "passphrase"))

	logger.Info("open", slog.Group("localstore", slog.String("passphrase", "s3cret"), slog.String("type", "pebble")))
	assert.NotContains(t, buf.String(), "s3cret")
	assert.Contains(t, buf.String(), "localstore.passphrase="+Redacted)
	assert.Contains(t, buf.String(), "localstore.type=pebble")
}

var testTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
