package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGet_BeforeInitIsNop(t *testing.T) {
	Close()
	l := Get()
	require.NotNil(t, l)
	l.Info("dropped")
}

func TestInitWithWriter_ConsoleAndFile(t *testing.T) {
	defer Close()

	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "engage.log")

	l, err := InitWithWriter(Config{Level: "debug", File: path, NoColor: true}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	l.Debug("polling", zap.String("locator", "id=x"))
	Pass(l, "clicked continue")
	Sync()

	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "polling")
	assert.Contains(t, buf.String(), `"marker": "pass"`)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"clicked continue"`)
	assert.Contains(t, string(data), `"marker":"pass"`)
}

func TestInitWithWriter_LevelFilters(t *testing.T) {
	defer Close()

	var buf bytes.Buffer
	l, err := InitWithWriter(Config{Level: "warn", NoColor: true}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestInitWithWriter_InvalidLevel(t *testing.T) {
	_, err := InitWithWriter(Config{Level: "loud"}, zapcore.AddSync(&bytes.Buffer{}))
	assert.Error(t, err)
}

func TestMarkers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := zap.New(core)

	Pass(l, "ok")
	Fail(l, "bad")
	Step(l, "next")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, MarkerPass, entries[0].ContextMap()["marker"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, MarkerFail, entries[1].ContextMap()["marker"])
	assert.Equal(t, MarkerStep, entries[2].ContextMap()["marker"])
}

func TestMarkers_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		Pass(nil, "ok")
		Fail(nil, "bad")
		Step(nil, "next")
	})
}
