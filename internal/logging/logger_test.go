// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
)

// decodeLines parses every JSON line written to buf.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Output is not valid JSON: %v (%q)", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

// =====================================================
// Logger Creation and Initialization Tests
// =====================================================

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)
	t.Cleanup(func() {
		global = nil
		once = *new(sync.Once)
	})

	var buf1 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	var buf2 bytes.Buffer
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if Get().out != &buf1 {
		t.Error("Second Init() should be ignored, output writer changed")
	}
}

// TestParseLevel verifies config string parsing.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{" WARN ", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// TestLogLevel_shouldLog verifies log level filtering.
func TestLogLevel_shouldLog(t *testing.T) {
	tests := []struct {
		name     string
		minLevel LogLevel
		logLevel LogLevel
		expected bool
	}{
		{"debug logs at debug", LevelDebug, LevelDebug, true},
		{"debug logs at info", LevelInfo, LevelDebug, false},
		{"info logs at info", LevelInfo, LevelInfo, true},
		{"warn logs at error", LevelError, LevelWarn, false},
		{"error logs at debug", LevelDebug, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &Logger{minLevel: tt.minLevel}
			if got := logger.shouldLog(tt.logLevel); got != tt.expected {
				t.Errorf("shouldLog(%v) at minLevel %v = %v, want %v",
					tt.logLevel, tt.minLevel, got, tt.expected)
			}
		})
	}
}

// =====================================================
// Logging Tests
// =====================================================

// TestLogger_Info verifies fields are flattened into the entry.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("sync round completed", map[string]interface{}{"tenant": "u1", "pulled": 3})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
	if entry["message"] != "sync round completed" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["tenant"] != "u1" {
		t.Errorf("tenant = %v, want u1", entry["tenant"])
	}
	if entry["pulled"] != float64(3) {
		t.Errorf("pulled = %v, want 3", entry["pulled"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("entry has no timestamp")
	}
}

// TestLogger_Error verifies error details are recorded.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Error("push failed", io.ErrUnexpectedEOF)

	entry := decodeLines(t, &buf)[0]
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entry["level"])
	}
	if !strings.Contains(entry["error"].(string), io.ErrUnexpectedEOF.Error()) {
		t.Errorf("error = %v", entry["error"])
	}
}

// TestLogger_ErrorWithCode verifies error code tagging.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("round aborted", "SYNC_FAILED", io.ErrUnexpectedEOF, map[string]interface{}{"tenant": "u1"})

	entry := decodeLines(t, &buf)[0]
	if entry["error_code"] != "SYNC_FAILED" {
		t.Errorf("error_code = %v, want SYNC_FAILED", entry["error_code"])
	}
	if entry["tenant"] != "u1" {
		t.Errorf("tenant = %v, want u1", entry["tenant"])
	}
}

// TestLogger_filtering verifies minimum level filtering.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(entries))
	}
	if entries[0]["level"] != "WARN" || entries[1]["level"] != "ERROR" {
		t.Errorf("levels = %v, %v", entries[0]["level"], entries[1]["level"])
	}
}

// =====================================================
// Context Handling Tests
// =====================================================

// TestLogger_getContext verifies context merging.
func TestLogger_getContext(t *testing.T) {
	logger := &Logger{}

	if ctx := logger.getContext(); ctx != nil {
		t.Errorf("getContext() = %v, want nil", ctx)
	}

	merged := logger.getContext(
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": 2, "a": 3},
	)
	if merged["a"] != 3 || merged["b"] != 2 {
		t.Errorf("merged = %v", merged)
	}
}

// TestLogger_concurrentLogging verifies every concurrent entry is intact.
func TestLogger_concurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("event applied", map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 20 {
		t.Errorf("got %d entries, want 20", got)
	}
}
