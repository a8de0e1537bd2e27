package logger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger_LevelFiltering(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelWarn, time.UTC)

	log.Debug("hidden debug")
	log.Info("hidden info")
	log.Warn("visible warn", String("camera_id", "cam-1"))
	log.Error("visible error", Error(errors.New("boom")))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible warn")
	assert.Contains(t, out, "camera_id=cam-1")
	assert.Contains(t, out, "error=boom")
}

func TestSlogLogger_ModuleAndFields(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	root := NewSlogLogger(buf, LogLevelDebug, time.UTC)

	child := root.Module("camera").Module("worker").With(String("camera_id", "cam-2"))
	child.Debug("frame processed", Int("detections", 3), Float64("confidence", 0.81234))

	out := buf.String()
	assert.Contains(t, out, "module=camera.worker")
	assert.Contains(t, out, "camera_id=cam-2")
	assert.Contains(t, out, "detections=3")
	assert.Contains(t, out, "confidence=0.812")
}

func TestSlogLogger_WithDoesNotMutateParent(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	parent := NewSlogLogger(buf, LogLevelInfo, time.UTC)
	_ = parent.With(String("extra", "yes"))

	parent.Info("plain")
	assert.NotContains(t, buf.String(), "extra=yes")
}

func TestSlogLogger_TraceLevel(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelTrace, time.UTC)
	log.Trace("sql query")

	assert.Contains(t, buf.String(), "level=TRACE")
}

func TestSlogLogger_WithContextTraceID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelInfo, time.UTC)

	ctx := WithTraceID(t.Context(), "req-42")
	log.WithContext(ctx).Info("handled")

	assert.Contains(t, buf.String(), "trace_id=req-42")
}

func TestCentralLogger_FileOutputAndModuleLevels(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "app.log")
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "info",
		Timezone:     "UTC",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"tracking": "debug"},
	})
	require.NoError(t, err)

	cl.Module("tracking").Module("engine").Debug("tracking debug line")
	cl.Module("camera").Debug("camera debug line")
	require.NoError(t, cl.Flush())
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"tracking debug line"`)
	assert.Contains(t, string(data), `"module":"tracking.engine"`)
	assert.NotContains(t, string(data), "camera debug line")
}

func TestNewCentralLogger_InvalidTimezone(t *testing.T) {
	t.Parallel()

	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Not/AZone"})
	require.Error(t, err)

	_, err = NewCentralLogger(nil)
	require.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"trace", "DEBUG-4"},
		{"debug", "DEBUG"},
		{"INFO", "INFO"},
		{" warn ", "WARN"},
		{"error", "ERROR"},
		{"bogus", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, parseLogLevel(tt.in).String())
		})
	}
}
