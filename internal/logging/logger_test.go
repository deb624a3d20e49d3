package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelWarn, FormatJSON)
	logger.SetOutput(&buf)

	logger.Debug("too quiet")
	logger.Info("still too quiet")
	logger.Warn("heard")

	out := buf.String()
	if strings.Contains(out, "too quiet") {
		t.Error("messages below the configured level must be dropped")
	}
	if !strings.Contains(out, "heard") {
		t.Error("messages at the configured level must be emitted")
	}
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo, FormatJSON)
	logger.SetOutput(&buf)

	logger.WithField("contract", "0xabc").WithField("tokenId", "7").Info("stats refreshed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	fields, ok := entry["fields"].(map[string]interface{})
	if !ok {
		t.Fatal("expected fields object in entry")
	}
	if fields["contract"] != "0xabc" || fields["tokenId"] != "7" {
		t.Errorf("fields = %v", fields)
	}
}

func TestLogger_WithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(LevelInfo, FormatJSON)
	parent.SetOutput(&buf)

	_ = parent.WithField("child", true)
	parent.Info("from parent")

	if strings.Contains(buf.String(), "child") {
		t.Error("derived logger fields leaked into the parent logger")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"warning", LevelWarn},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
