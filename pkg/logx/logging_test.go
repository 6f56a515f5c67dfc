package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m), string(line))
		out = append(out, m)
	}
	return out
}

func TestLoggerLevelsAndFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(&buf, "info").With(String("run_id", "r1"))

	log.Debug("hidden")
	log.Info("sent", Int("attempted", 3), Duration("took", 1500*time.Millisecond), Bool("ok", true))
	log.Warn("failed", Err(errors.New("535 auth")), Err(nil))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 2)
	require.Equal(t, "sent", lines[0]["message"])
	require.Equal(t, "r1", lines[0]["run_id"])
	require.EqualValues(t, 3, lines[0]["attempted"])
	require.Equal(t, true, lines[0]["ok"])
	require.Contains(t, lines[0]["caller"], "logging_test.go:")
	require.Equal(t, "warn", lines[1]["level"])
	require.NotNil(t, lines[1][zerolog.ErrorFieldName])

	require.False(t, log.Enabled(zerolog.DebugLevel))
	require.True(t, log.Enabled(zerolog.ErrorLevel))
}

func TestZeroAndNopAreSilent(t *testing.T) {
	t.Parallel()
	var zero Logger
	require.True(t, zero.IsZero())
	zero.Error("nothing happens")
	zero.With(String("k", "v")).Info("still nothing")

	require.False(t, Nop().IsZero())
	Nop().Error("discarded")
}

// Not parallel: NewService sets zerolog package globals.
func TestServiceFileSinkAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commhub.log")
	svc, log := NewService(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("below level")
	log.Warn("kept", String("channel", "email"))

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("after apply")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 2)
	require.Equal(t, "kept", lines[0]["message"])
	require.Equal(t, "email", lines[0]["channel"])
	require.Equal(t, "after apply", lines[1]["message"])
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	require.Equal(t, "short", Truncate("short", 10))
	require.Equal(t, "abc", Truncate("abcdef", 3))
	long := strings.Repeat("x", 50)
	got := Truncate(long, 20)
	require.Len(t, got, 20)
	require.True(t, strings.HasSuffix(got, "..."))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"trace": zerolog.TraceLevel, " DEBUG ": zerolog.DebugLevel, "warning": zerolog.WarnLevel,
		"error": zerolog.ErrorLevel, "": zerolog.InfoLevel, "verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		require.Equal(t, want, parseLevel(in, zerolog.InfoLevel), in)
	}
}
