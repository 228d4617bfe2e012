package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger("orchestrator", &buf).Info("up")
	if !strings.Contains(buf.String(), `"component":"orchestrator"`) {
		t.Errorf("component missing: %s", buf.String())
	}
}

func TestNewLogger_NilWriter(t *testing.T) {
	l := NewLogger("test", nil)
	l.Info("test message")
}

func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("scheduler", &buf)
	l.Info("hello world", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "hello world") {
		t.Errorf("output missing message: %s", output)
	}
	if !strings.Contains(output, `"component":"scheduler"`) {
		t.Errorf("output missing component: %s", output)
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(output), &m); err != nil {
		t.Errorf("invalid JSON: %v", err)
	}
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerLevel("x", &buf, slog.LevelWarn)
	l.Info("hidden")
	l.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info should be filtered at WARN")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message not found")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_Transition(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("orchestrator", &buf)
	l.Transition("t1", "ACTIVE", "WAITING", "wait")

	output := buf.String()
	for _, want := range []string{`"task_id":"t1"`, `"from":"ACTIVE"`, `"to":"WAITING"`, `"reason":"wait"`} {
		if !strings.Contains(output, want) {
			t.Errorf("missing %s in %s", want, output)
		}
	}
}

func TestLogger_ActionEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("orchestrator", &buf)
	l.ActionEvent("t1", "update_plan", "step_id", "s1")

	output := buf.String()
	if !strings.Contains(output, `"action":"update_plan"`) {
		t.Errorf("action not found: %s", output)
	}
	if !strings.Contains(output, `"step_id":"s1"`) {
		t.Errorf("extra args not found: %s", output)
	}
}

func TestLogger_Cycle(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("orchestrator", &buf)
	l.Cycle("t1", "PLANNING", "cycle start", "cycle", 3)

	if !strings.Contains(buf.String(), `"state":"PLANNING"`) {
		t.Errorf("state not found: %s", buf.String())
	}
}

func TestLogger_StaleIsDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerLevel("orchestrator", &buf, slog.LevelInfo)
	l.Stale("t1", "timeout", "not waiting")
	if buf.Len() != 0 {
		t.Errorf("stale trigger logged above DEBUG: %s", buf.String())
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("orchestrator", &buf)
	l2 := l.With("task_id", "t_123")
	l2.Info("with context")

	if !strings.Contains(buf.String(), "t_123") {
		t.Errorf("With context not found: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"component":"orchestrator"`) {
		t.Errorf("component lost after With: %s", buf.String())
	}
}

func TestLogger_Component(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("daemon", &buf).Component("swarm")
	l.Info("x")
	if !strings.Contains(buf.String(), `"component":"swarm"`) {
		t.Errorf("component not switched: %s", buf.String())
	}
}
