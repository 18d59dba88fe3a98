package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestComponentAddsAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter(&buf, "debug"), "scheduler")
	logger.Info("tick")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["component"] != "scheduler" {
		t.Fatalf("expected component attribute, got %v", record)
	}
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "loud")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be suppressed at info level")
	}
	logger.Info("shown")
	if buf.Len() == 0 {
		t.Fatalf("expected info to be written")
	}
}
