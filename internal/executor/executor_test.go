package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/overhuman/longform/internal/brain"
	"github.com/overhuman/longform/internal/storage"
	"github.com/overhuman/longform/internal/task"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// replies answers planning requests with plan and everything else with result.
func replies(plan, result string, execErr error) brain.ProviderFunc {
	return func(ctx context.Context, req brain.LLMRequest) (*brain.LLMResponse, error) {
		if req.JSONMode {
			return &brain.LLMResponse{Content: plan, CostUSD: 0.001}, nil
		}
		if execErr != nil {
			return nil, execErr
		}
		return &brain.LLMResponse{Content: result, CostUSD: 0.002}, nil
	}
}

func newChild(t *testing.T, s storage.TaskStore, autoApprove bool) *task.Task {
	t.Helper()
	parent := task.NewLongForm("u1", "send weekly digest", autoApprove, t0)
	child := task.NewSubtask(parent, "step-1", "email digest to user@x.com", json.RawMessage(`{"to":"user@x.com"}`), t0)
	if err := s.Create(context.Background(), child); err != nil {
		t.Fatal(err)
	}
	return child
}

func TestToolRegistry(t *testing.T) {
	r := NewToolRegistry([]string{"gmail", "custom_crm"})
	if !r.Connected("memory") || !r.Connected("gmail") || !r.Connected("custom_crm") {
		t.Error("builtin and configured tools should be connected")
	}
	if r.Connected("slack") {
		t.Error("slack was never connected")
	}
	if got := r.Missing([]string{"gmail", "slack", "gcalendar"}); len(got) != 2 {
		t.Errorf("Missing = %v", got)
	}
	r.Disconnect("gmail")
	r.Disconnect("memory")
	if r.Connected("gmail") || !r.Connected("memory") {
		t.Error("disconnect should affect only non-builtin tools")
	}
	if got := r.Filter([]string{"memory", "gmail"}); len(got) != 1 || got[0] != "memory" {
		t.Errorf("Filter = %v", got)
	}
}

func TestLLMExecutor_PlanAutoApproved(t *testing.T) {
	s := newStore(t)
	child := newChild(t, s, true)
	e := NewLLMExecutor(s, replies(`{"steps":[{"tool":"gmail","description":"send"}]}`, "", nil),
		NewToolRegistry([]string{"gmail"}), WithClock(func() time.Time { return t0 }))

	status, err := e.Plan(context.Background(), child.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if status != task.StatusPlanned {
		t.Errorf("status = %s, want planned", status)
	}
	got, _ := s.Get(context.Background(), child.TaskID)
	if len(got.Plan) != 1 || got.Plan[0].Tool != "gmail" || got.Status != task.StatusPlanned {
		t.Errorf("stored = %+v", got)
	}
}

func TestLLMExecutor_PlanNeedsApproval(t *testing.T) {
	tests := []struct {
		name        string
		autoApprove bool
		connected   []string
	}{
		{"auto approve off", false, []string{"gmail"}},
		{"tool disconnected", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			child := newChild(t, s, tt.autoApprove)
			e := NewLLMExecutor(s, replies(`{"steps":[{"tool":"gmail","description":"send"}]}`, "", nil),
				NewToolRegistry(tt.connected))
			status, err := e.Plan(context.Background(), child.TaskID)
			if err != nil {
				t.Fatal(err)
			}
			if status != task.StatusApprovalPending {
				t.Errorf("status = %s, want approval_pending", status)
			}
		})
	}
}

func TestLLMExecutor_PlanUnusable(t *testing.T) {
	s := newStore(t)
	child := newChild(t, s, true)
	e := NewLLMExecutor(s, replies("I cannot plan this.", "", nil), NewToolRegistry(nil))
	status, err := e.Plan(context.Background(), child.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if status != task.StatusError {
		t.Errorf("status = %s", status)
	}
	got, _ := s.Get(context.Background(), child.TaskID)
	if !strings.Contains(got.Error, "no usable plan") {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestLLMExecutor_Execute(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	child := newChild(t, s, true)
	e := NewLLMExecutor(s, replies(`{"steps":[{"tool":"gmail","description":"send"}]}`, `{"sent":true}`, nil),
		NewToolRegistry([]string{"gmail"}))
	e.Plan(ctx, child.TaskID)

	out, err := e.Execute(ctx, child.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != task.StatusCompleted || string(out.Result) != `{"sent":true}` {
		t.Errorf("outcome = %+v", out)
	}
	got, _ := s.Get(ctx, child.TaskID)
	if len(got.Runs) != 1 || got.Runs[0].Status != task.StatusCompleted || got.Runs[0].CompletedAt == nil {
		t.Errorf("runs = %+v", got.Runs)
	}
	if string(OutcomeOf(got).Result) != `{"sent":true}` {
		t.Errorf("OutcomeOf = %+v", OutcomeOf(got))
	}
}

func TestLLMExecutor_ExecuteFailure(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	child := newChild(t, s, true)
	e := NewLLMExecutor(s, replies(`{"steps":[{"tool":"memory","description":"look up"}]}`, "", errors.New("rate limited")),
		NewToolRegistry(nil))
	e.Plan(ctx, child.TaskID)

	out, err := e.Execute(ctx, child.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Failed() || out.Error != "rate limited" {
		t.Errorf("outcome = %+v", out)
	}
	var folded map[string]any
	json.Unmarshal(out.StepResult(), &folded)
	if folded["status"] != "error" || !strings.Contains(folded["summary"].(string), "rate limited") {
		t.Errorf("StepResult = %v", folded)
	}
}

func TestLLMExecutor_ExecuteTwiceRejected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	child := newChild(t, s, true)
	e := NewLLMExecutor(s, replies(`{"steps":[{"tool":"memory","description":"x"}]}`, "done", nil), NewToolRegistry(nil))
	e.Plan(ctx, child.TaskID)
	if _, err := e.Execute(ctx, child.TaskID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Execute(ctx, child.TaskID); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("err = %v, want ErrNotRunnable", err)
	}
}
