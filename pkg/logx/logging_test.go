package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))

	log.Info("hello", Int64("message", 42), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "hello", m["message"])
	require.Equal(t, "test", m["comp"])
	require.Equal(t, "boom", m["err"])
	require.Equal(t, "info", m["level"])
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	require.True(t, log.IsZero())
	log.Error("dropped")
	require.False(t, Nop().IsZero())
}

func TestCronLoggerKeyValues(t *testing.T) {
	var buf bytes.Buffer
	cl := CronLogger{L: NewWriter(&buf, "debug")}
	cl.Error(errors.New("bad"), "job failed", "entry", 3)

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "cron: job failed", m["message"])
	require.EqualValues(t, 3, m["entry"])
}

func TestParseLevelDefault(t *testing.T) {
	require.Equal(t, LevelWarn, parseLevel("warning", LevelInfo))
	require.Equal(t, LevelInfo, parseLevel("nope", LevelInfo))
}
