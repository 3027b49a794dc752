package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Debug("debug message")
	log.Info("info message")
	log.Warn("warn message")
	log.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("levels below warn should be filtered, got: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("warn and error should be logged, got: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != LevelDebug {
		t.Errorf("debug should parse to LevelDebug")
	}
	if ParseLevel("bogus") != LevelInfo {
		t.Errorf("unknown level should default to LevelInfo")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	log.Info("lock granted", "resource", "orders", "client", "c1")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if record["msg"] != "lock granted" {
		t.Errorf("msg = %v, want %q", record["msg"], "lock granted")
	}
	if record["level"] != "info" {
		t.Errorf("level = %v, want info", record["level"])
	}
	if record["resource"] != "orders" || record["client"] != "c1" {
		t.Errorf("fields missing from record: %v", record)
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	child := log.WithFields("nodeId", "n1")
	child.Info("started")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if record["nodeId"] != "n1" {
		t.Errorf("attached field missing: %v", record)
	}

	// Parent must not inherit the child's fields.
	buf.Reset()
	log.Info("plain")
	if strings.Contains(buf.String(), "nodeId") {
		t.Errorf("parent logger gained child fields: %s", buf.String())
	}
}

func TestOddKeyValues(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	log.Info("odd", "dangling")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if _, ok := record["dangling"]; !ok {
		t.Errorf("dangling key should still be recorded: %v", record)
	}
}
