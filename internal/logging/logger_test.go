package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for the aggregator goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func readLog(t *testing.T, dir string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	return data
}

func TestInitWritesJSONLines(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	Logger().Info("test_message", "key", "value")

	recs := decodeLines(t, readLog(t, dir))
	require.NotEmpty(t, recs)
	assert.Equal(t, "test_message", recs[0]["msg"])
	assert.Equal(t, "value", recs[0]["key"])
}

func TestInitWithoutDebugDiscards(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	require.NotNil(t, Logger())
	assert.NotPanics(t, func() { Logger().Info("this goes nowhere") })
}

func TestLoggerBeforeInit(t *testing.T) {
	Shutdown()
	assert.NotNil(t, Logger())
	assert.NoError(t, DumpRingBuffer(filepath.Join(t.TempDir(), "x")))
}

func TestForComponentResolvesLateInit(t *testing.T) {
	Shutdown()
	cl := ForComponent(CompSession).With("session_id", "abc")

	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	cl.Info("session_created", slog.String("name", "Session 1"))

	recs := decodeLines(t, readLog(t, dir))
	require.Len(t, recs, 1)
	assert.Equal(t, CompSession, recs[0]["component"])
	assert.Equal(t, "abc", recs[0]["session_id"])
	assert.Equal(t, "Session 1", recs[0]["name"])
}

func TestPprofLogsUnderItsComponent(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir, PprofEnabled: true, PprofAddr: "127.0.0.1:0"})
	defer Shutdown()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, LogFileName))
		return err == nil && containsMsg(data, "pprof_server_start")
	}, 2*time.Second, 10*time.Millisecond)
	for _, rec := range decodeLines(t, readLog(t, dir)) {
		if rec["msg"] == "pprof_server_start" {
			assert.Equal(t, CompPprof, rec["component"])
			assert.Equal(t, "127.0.0.1:0", rec["addr"])
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("should_be_filtered")
	Logger().Warn("should_appear")

	data := readLog(t, dir)
	assert.False(t, containsMsg(data, "should_be_filtered"))
	assert.True(t, containsMsg(data, "should_appear"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestTextFormat(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir, Format: "text"})
	defer Shutdown()

	Logger().Info("text_format_test")

	data := readLog(t, dir)
	var rec map[string]any
	assert.Error(t, json.Unmarshal(data, &rec))
	assert.Contains(t, string(data), "msg=text_format_test")
}

func TestStderrMirror(t *testing.T) {
	Shutdown()
	var mirror syncBuffer
	Init(Config{Debug: true, Stderr: &mirror})
	defer Shutdown()

	Logger().Info("mirrored")
	assert.True(t, containsMsg(mirror.Bytes(), "mirrored"))
}

func TestDumpRingBuffer(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir, RingBufferSize: 1024})
	defer Shutdown()

	Logger().Info("ring_test_message")

	dumpPath := filepath.Join(dir, "crash-dump.jsonl")
	require.NoError(t, DumpRingBuffer(dumpPath))

	data, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	assert.True(t, containsMsg(data, "ring_test_message"))
}

// containsMsg checks if JSONL data contains a record with the given msg field.
func containsMsg(data []byte, msg string) bool {
	for _, line := range bytes.Split(data, []byte("\n")) {
		var rec map[string]any
		if json.Unmarshal(line, &rec) == nil && rec["msg"] == msg {
			return true
		}
	}
	return false
}
