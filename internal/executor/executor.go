// Package executor plans and runs single-type tasks: the children that a
// long-form task spawns for its plan steps.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/overhuman/longform/internal/brain"
	"github.com/overhuman/longform/internal/budget"
	"github.com/overhuman/longform/internal/observability"
	"github.com/overhuman/longform/internal/storage"
	"github.com/overhuman/longform/internal/task"
)

// Outcome is the terminal report of one execution.
type Outcome struct {
	TaskID  string          `json:"sub_task_id"`
	Status  task.Status     `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	CostUSD float64         `json:"-"`
}

// Failed reports whether the execution ended in error.
func (o *Outcome) Failed() bool { return o.Status == task.StatusError }

// Executor plans and executes a stored task.
type Executor interface {
	// Plan builds the static plan and returns the resulting status:
	// approval_pending or planned.
	Plan(ctx context.Context, taskID string) (task.Status, error)
	// Execute runs a planned (or approved) task to a terminal status.
	Execute(ctx context.Context, taskID string) (*Outcome, error)
}

// ErrNotRunnable is returned by Execute for tasks that are not planned or
// awaiting approval.
var ErrNotRunnable = errors.New("task is not ready to execute")

// LLMExecutor plans and executes through a model.
type LLMExecutor struct {
	store  storage.TaskStore
	llm    brain.LLMProvider
	tools  *ToolRegistry
	budget *budget.Tracker
	model  string
	now    func() time.Time
	log    *observability.Logger
}

// Option configures an LLMExecutor.
type Option func(*LLMExecutor)

// WithModel sets the model. Empty uses the provider default.
func WithModel(model string) Option { return func(e *LLMExecutor) { e.model = model } }

// WithBudget charges model spend to b.
func WithBudget(b *budget.Tracker) Option { return func(e *LLMExecutor) { e.budget = b } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(e *LLMExecutor) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option {
	return func(e *LLMExecutor) { e.log = l.Component("executor") }
}

// NewLLMExecutor creates an executor.
func NewLLMExecutor(store storage.TaskStore, llm brain.LLMProvider, tools *ToolRegistry, opts ...Option) *LLMExecutor {
	e := &LLMExecutor{
		store: store,
		llm:   llm,
		tools: tools,
		now:   func() time.Time { return time.Now().UTC() },
		log:   observability.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

const planPrompt = `Plan how to accomplish the task below using only the listed tools.
Respond with JSON: {"steps":[{"tool":"<tool name>","description":"<what to do>"}]}

Task: %s
Context: %s
Available tools: %s`

// Plan asks the model for a static plan. The task needs approval when it is
// not auto-approved or when the plan uses a disconnected tool.
func (e *LLMExecutor) Plan(ctx context.Context, taskID string) (task.Status, error) {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return "", err
	}

	resp, err := e.llm.Complete(ctx, brain.LLMRequest{
		Messages: []brain.Message{
			{Role: "system", Content: "You are a planning agent. Respond with JSON."},
			{Role: "user", Content: fmt.Sprintf(planPrompt, t.Description, taskContext(t), strings.Join(e.tools.Names(), ", "))},
		},
		Model:    e.model,
		JSONMode: true,
	})
	if err != nil {
		return e.fail(ctx, taskID, fmt.Sprintf("planning failed: %v", err))
	}
	e.budget.Record(taskID, resp.CostUSD)

	var parsed struct {
		Steps []task.PlanItem `json:"steps"`
	}
	if err := brain.ExtractJSON(resp.Content, &parsed); err != nil || len(parsed.Steps) == 0 {
		return e.fail(ctx, taskID, "planning failed: model returned no usable plan")
	}

	var required []string
	for _, s := range parsed.Steps {
		required = append(required, s.Tool)
	}
	missing := e.tools.Missing(required)
	autoApprove := t.OriginalContext != nil && t.OriginalContext.AutoApprove

	status := task.StatusPlanned
	if !autoApprove || len(missing) > 0 {
		status = task.StatusApprovalPending
	}

	_, err = e.store.Update(ctx, taskID, func(cur *task.Task) error {
		cur.Plan = parsed.Steps
		cur.Status = status
		cur.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store plan for %s: %w", taskID, err)
	}
	e.log.Info("sub-task planned", "task_id", taskID, "steps", len(parsed.Steps),
		"status", string(status), "missing_tools", missing)
	return status, nil
}

func (e *LLMExecutor) fail(ctx context.Context, taskID, msg string) (task.Status, error) {
	_, err := e.store.Update(ctx, taskID, func(cur *task.Task) error {
		cur.Status = task.StatusError
		cur.Error = msg
		cur.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return "", err
	}
	e.log.Warn("sub-task failed", "task_id", taskID, "error", msg)
	return task.StatusError, nil
}

const executePrompt = `Carry out the task below following its plan. Return your final result as simple text or JSON.

Task: %s
Context: %s
Plan: %s
Usable tools: %s`

// Execute records a run, asks the model to carry out the plan and stores
// the result or error on the run and the task.
func (e *LLMExecutor) Execute(ctx context.Context, taskID string) (*Outcome, error) {
	runID := task.NewID()
	t, err := e.store.Update(ctx, taskID, func(cur *task.Task) error {
		switch cur.Status {
		case task.StatusPlanned, task.StatusApprovalPending, task.StatusPending:
		default:
			return fmt.Errorf("%w: %s is %s", ErrNotRunnable, cur.TaskID, cur.Status)
		}
		now := e.now()
		cur.Status = task.StatusProcessing
		cur.Runs = append(cur.Runs, task.Run{RunID: runID, Status: task.StatusProcessing, CreatedAt: now})
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	var required []string
	for _, p := range t.Plan {
		required = append(required, p.Tool)
	}
	plan, _ := json.Marshal(t.Plan)

	out := &Outcome{TaskID: taskID}
	resp, err := e.llm.Complete(ctx, brain.LLMRequest{
		Messages: []brain.Message{
			{Role: "system", Content: "You are an execution agent. Your output goes back to an orchestrator, not to the user."},
			{Role: "user", Content: fmt.Sprintf(executePrompt, t.Description, taskContext(t), plan, strings.Join(e.tools.Filter(required), ", "))},
		},
		Model: e.model,
	})
	if err != nil {
		out.Status = task.StatusError
		out.Error = err.Error()
	} else {
		e.budget.Record(taskID, resp.CostUSD)
		out.CostUSD = resp.CostUSD
		out.Status = task.StatusCompleted
		out.Result = brain.AsJSON(resp.Content)
	}

	_, err = e.store.Update(ctx, taskID, func(cur *task.Task) error {
		now := e.now()
		for i := range cur.Runs {
			if cur.Runs[i].RunID == runID {
				cur.Runs[i].Status = out.Status
				cur.Runs[i].Result = out.Result
				cur.Runs[i].Error = out.Error
				cur.Runs[i].CompletedAt = &now
			}
		}
		cur.Status = out.Status
		cur.Result = out.Result
		cur.Error = out.Error
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record run for %s: %w", taskID, err)
	}
	e.log.Info("sub-task executed", "task_id", taskID, "status", string(out.Status))
	return out, nil
}

// OutcomeOf builds an Outcome from a stored task's last run, falling back to
// the task-level status and error.
func OutcomeOf(t *task.Task) *Outcome {
	out := &Outcome{TaskID: t.TaskID, Status: t.Status, Result: t.Result, Error: t.Error}
	if r := t.LastRun(); r != nil {
		if len(r.Result) > 0 {
			out.Result = r.Result
		}
		if r.Error != "" {
			out.Error = r.Error
		}
	}
	return out
}

// StepResult is the JSON folded into the parent's plan step: the child's
// result, or a structured failure object.
func (o *Outcome) StepResult() json.RawMessage {
	if !o.Failed() && len(o.Result) > 0 {
		return o.Result
	}
	summary := fmt.Sprintf("Sub-task finished with status '%s'.", o.Status)
	if o.Error != "" {
		summary = "Sub-task failed: " + o.Error
	}
	data, _ := json.Marshal(map[string]any{
		"status":      string(o.Status),
		"summary":     summary,
		"sub_task_id": o.TaskID,
		"error":       o.Error,
	})
	return data
}

func taskContext(t *task.Task) string {
	if t.OriginalContext == nil || len(t.OriginalContext.Context) == 0 {
		return "{}"
	}
	return string(t.OriginalContext.Context)
}
