package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/overhuman/longform/internal/observability"
	"github.com/overhuman/longform/internal/scheduler"
	"github.com/overhuman/longform/internal/task"
)

// clean sanitizes user-supplied text.
func (e *Engine) clean(field, s string) (string, error) {
	res := e.sanitizer.Sanitize(s)
	if res.Blocked {
		return "", fmt.Errorf("%w: %s: %s", ErrInvalidInput, field, res.BlockReason)
	}
	if strings.TrimSpace(res.Clean) == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidInput, field)
	}
	if len(res.Warnings) > 0 {
		e.log.Warn("suspicious user input", "field", field, "warnings", res.Warnings)
	}
	return res.Clean, nil
}

// CreateLongForm stores a new long-form task and enqueues its start.
func (e *Engine) CreateLongForm(ctx context.Context, ownerID, goal string, autoApprove bool) (*task.Task, error) {
	goal, err := e.clean("goal", goal)
	if err != nil {
		return nil, err
	}
	t := task.NewLongForm(ownerID, goal, autoApprove, e.now())
	if err := e.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	_, err = e.sched.ScheduleAt(ctx, e.now(), scheduler.Job{Kind: scheduler.KindStart, TaskID: t.TaskID})
	if err != nil {
		return nil, fmt.Errorf("enqueue start for %s: %w", t.TaskID, err)
	}
	e.log.Info("long-form task created", "task_id", t.TaskID, "owner_id", ownerID,
		"auto_approve", autoApprove)
	return t, nil
}

// Start moves a CREATED task to PLANNING and enqueues its first cycle.
func (e *Engine) Start(ctx context.Context, taskID string) error {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	_, err := e.mutate(ctx, taskID, triggerStart, func(t *task.Task) error {
		if t.State() != task.StateCreated {
			return stale("already started, state is %s", t.State())
		}
		t.SetState(task.StatePlanning, e.now())
		return nil
	})
	return e.settle(ctx, taskID, triggerStart, err)
}

// HandleTimeout resumes a WAITING task whose wait ran out. It only acts when
// the task still waits for the same event with the same deadline and the
// deadline has passed, so duplicate or superseded timeouts are no-ops.
func (e *Engine) HandleTimeout(ctx context.Context, taskID, waitingFor string, timeoutAt time.Time) error {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	t, err := e.mutate(ctx, taskID, triggerTimeout, func(t *task.Task) error {
		o := t.Orchestrator
		if o.CurrentState != task.StateWaiting {
			return stale("state is %s", o.CurrentState)
		}
		w := o.WaitingConfig
		if w == nil || w.WaitingFor != waitingFor {
			return stale("no longer waiting for %s", waitingFor)
		}
		if !timeoutAt.IsZero() && !w.TimeoutAt.Equal(timeoutAt) {
			return stale("wait for %s was replaced", waitingFor)
		}
		now := e.now()
		if now.Before(w.TimeoutAt) {
			return stale("timeout not due until %s", w.TimeoutAt.Format(time.RFC3339))
		}
		t.AppendLog(now, "wait_timed_out", map[string]any{
			"waiting_for":     w.WaitingFor,
			"current_retries": w.CurrentRetries,
			"max_retries":     w.MaxRetries,
		}, "")
		t.SetState(task.StateActive, now)
		return nil
	})
	if err != nil {
		return err
	}
	if t == nil {
		e.metrics.Increment(observability.CounterTimeoutStale)
	} else {
		e.metrics.Increment(observability.CounterTimeoutFired)
	}
	return e.settle(ctx, taskID, triggerTimeout, nil)
}

// AnswerClarification records the user's answer. An empty requestID answers
// the oldest pending request. The task resumes once nothing else holds it
// suspended. Answering twice is a no-op.
func (e *Engine) AnswerClarification(ctx context.Context, taskID, requestID, answer string) error {
	answer, err := e.clean("answer", answer)
	if err != nil {
		return err
	}

	unlock := e.locks.Lock(taskID)
	defer unlock()

	_, err = e.mutate(ctx, taskID, triggerAnswer, func(t *task.Task) error {
		if t.State().Terminal() {
			return fmt.Errorf("%w: task is %s", ErrInvalidState, t.State())
		}
		req := t.PendingClarification()
		if requestID != "" {
			req = t.FindClarification(requestID)
		}
		if req == nil {
			return fmt.Errorf("%w: no pending clarification request %q", ErrInvalidState, requestID)
		}
		if req.Status == task.ClarificationAnswered {
			return stale("request %s already answered", req.RequestID)
		}
		now := e.now()
		req.Status = task.ClarificationAnswered
		req.Response = answer
		req.RespondedAt = &now
		t.AppendLog(now, "clarification_answered", map[string]any{"request_id": req.RequestID}, "")

		o := t.Orchestrator
		if o.CurrentState == task.StateSuspended && o.WaitingForSubtask == "" && t.PendingClarification() == nil {
			t.SetState(task.StateActive, now)
		}
		return nil
	})
	return e.settle(ctx, taskID, triggerAnswer, err)
}

// Pause stops a task from running further cycles until Resume. A pending wait
// or sub-task suspension is dropped.
func (e *Engine) Pause(ctx context.Context, taskID string) error {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	_, err := e.mutate(ctx, taskID, triggerPause, func(t *task.Task) error {
		switch s := t.State(); {
		case s.Terminal():
			return fmt.Errorf("%w: task is %s", ErrInvalidState, s)
		case s == task.StatePaused:
			return stale("already paused")
		}
		now := e.now()
		t.AppendLog(now, "task_paused", map[string]any{"from": string(t.State())}, "")
		t.SetState(task.StatePaused, now)
		return nil
	})
	return err
}

// Resume moves a PAUSED or SUSPENDED task back to ACTIVE and enqueues a cycle.
func (e *Engine) Resume(ctx context.Context, taskID string) error {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	_, err := e.mutate(ctx, taskID, triggerResume, func(t *task.Task) error {
		s := t.State()
		if s != task.StatePaused && s != task.StateSuspended {
			return fmt.Errorf("%w: cannot resume a task that is %s", ErrInvalidState, s)
		}
		now := e.now()
		t.AppendLog(now, "task_resumed", map[string]any{"from": string(s)}, "")
		t.SetState(task.StateActive, now)
		return nil
	})
	return e.settle(ctx, taskID, triggerResume, err)
}

// ExternalEvent stores an external payload in the task's context store under
// "event:<name>:<timestamp>". A task waiting for that event resumes early.
func (e *Engine) ExternalEvent(ctx context.Context, taskID, name string, payload json.RawMessage) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: event name is empty", ErrInvalidInput)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: event payload is not valid JSON", ErrInvalidInput)
	}
	if !e.limiter.Allow(taskID) {
		return ErrRateLimited
	}

	unlock := e.locks.Lock(taskID)
	defer unlock()

	_, err := e.mutate(ctx, taskID, triggerEvent, func(t *task.Task) error {
		if t.State().Terminal() {
			return fmt.Errorf("%w: task is %s", ErrInvalidState, t.State())
		}
		now := e.now()
		key := fmt.Sprintf("event:%s:%s", name, now.Format(time.RFC3339))
		t.SetContext(key, payload)
		t.AppendLog(now, "external_trigger", map[string]any{"event": name, "key": key}, "")

		o := t.Orchestrator
		if o.CurrentState == task.StateWaiting && o.WaitingConfig != nil && o.WaitingConfig.WaitingFor == name {
			t.SetState(task.StateActive, now)
		}
		return nil
	})
	return e.settle(ctx, taskID, triggerEvent, err)
}
