package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitJSONOutputWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithComponent("scheduler").Info().Msg("batch planned")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a JSON log line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "scheduler" {
		t.Fatalf("component = %v, want scheduler", line["component"])
	}
	if line["message"] != "batch planned" {
		t.Fatalf("message = %v, want \"batch planned\"", line["message"])
	}
}

func TestInitRespectsLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Msg("should be filtered out")
	if buf.Len() != 0 {
		t.Fatalf("info message should be suppressed at warn level, got %q", buf.String())
	}

	Logger.Warn().Msg("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("warn message missing from output: %q", buf.String())
	}
}

func TestWithIndexAndTaskAndBatchFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithIndexUID("movies").Info().Msg("indexed")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON, got %q: %v", buf.String(), err)
	}
	if line["index_uid"] != "movies" {
		t.Fatalf("index_uid = %v, want movies", line["index_uid"])
	}

	buf.Reset()
	WithTaskID(7).Info().Msg("task done")
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON, got %q: %v", buf.String(), err)
	}
	if line["task_id"] != float64(7) {
		t.Fatalf("task_id = %v, want 7", line["task_id"])
	}

	buf.Reset()
	WithBatchID(3).Info().Msg("batch done")
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON, got %q: %v", buf.String(), err)
	}
	if line["batch_id"] != float64(3) {
		t.Fatalf("batch_id = %v, want 3", line["batch_id"])
	}
}

func TestDefaultsToInfoLevelForUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Level("bogus"), JSONOutput: true, Output: &buf})

	Logger.Info().Msg("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("an unrecognized level should fall back to info, got %q", buf.String())
	}
}
