package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWithWriterJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	logger.Debug("hidden")
	logger.Info("client connected", "name", "alice")

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "hidden") {
		t.Fatalf("expected debug record to be filtered, got %q", line)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("expected json record, got %q: %v", line, err)
	}
	if rec["msg"] != "client connected" || rec["name"] != "alice" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNewWithWriterTextDebug(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewWithWriter(&buf, "DEBUG", "").Debug("keep-alive sent", "connections", 2)

	if !strings.Contains(buf.String(), "connections=2") {
		t.Fatalf("expected text debug record, got %q", buf.String())
	}
}
