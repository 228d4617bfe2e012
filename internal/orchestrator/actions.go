package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/overhuman/longform/internal/notify"
	"github.com/overhuman/longform/internal/oracle"
	"github.com/overhuman/longform/internal/scheduler"
	"github.com/overhuman/longform/internal/task"
)

func (e *Engine) updatePlan(ctx context.Context, c *cycle, a oracle.UpdatePlan) (Outcome, error) {
	var stepID string
	t, err := e.commit(ctx, c, func(t *task.Task, now time.Time) (json.RawMessage, error) {
		step := t.AppendStep(a.NextStepDescription, now)
		stepID = step.StepID
		details := map[string]any{"step_id": stepID, "description": a.NextStepDescription}
		if a.MainGoalUpdate != "" {
			details["main_goal_update"] = a.MainGoalUpdate
			t.Orchestrator.MainGoal = a.MainGoalUpdate
		}
		t.AppendLog(now, "plan_step_added", details, a.Reasoning)
		if t.State() != task.StateActive {
			t.SetState(task.StateActive, now)
		}
		return result("success", "Plan step added.", map[string]any{"step_id": stepID}), nil
	})
	if err != nil {
		return "", err
	}
	if t != nil {
		e.log.ActionEvent(c.taskID, string(a.Kind()), "step_id", stepID)
	}
	return finish(t, OutcomeContinue), nil
}

func (e *Engine) updateContext(ctx context.Context, c *cycle, a oracle.UpdateContext) (Outcome, error) {
	t, err := e.commit(ctx, c, func(t *task.Task, now time.Time) (json.RawMessage, error) {
		t.SetContext(a.Key, a.Value)
		t.AppendLog(now, "context_updated", map[string]any{"key": a.Key}, a.Reasoning)
		return result("success", fmt.Sprintf("Context key '%s' updated.", a.Key), nil), nil
	})
	if err != nil {
		return "", err
	}
	if t != nil {
		e.log.ActionEvent(c.taskID, string(a.Kind()), "key", a.Key)
	}
	return finish(t, OutcomeContinue), nil
}

// getContext hands the value back to the oracle through the next bundle's
// last result.
func (e *Engine) getContext(ctx context.Context, c *cycle, a oracle.GetContext) (Outcome, error) {
	t, err := e.commit(ctx, c, func(t *task.Task, now time.Time) (json.RawMessage, error) {
		store := t.Orchestrator.ContextStore
		t.AppendLog(now, "context_read", map[string]any{"key": a.Key}, a.Reasoning)
		if a.Key == "" {
			return result("success", "Full context store.", map[string]any{"value": store}), nil
		}
		v, ok := store[a.Key]
		if !ok {
			return result("not_found", fmt.Sprintf("Context key '%s' is not set.", a.Key),
				map[string]any{"key": a.Key}), nil
		}
		return result("success", fmt.Sprintf("Value of '%s'.", a.Key),
			map[string]any{"key": a.Key, "value": v}), nil
	})
	if err != nil {
		return "", err
	}
	return finish(t, OutcomeContinue), nil
}

// wait schedules the timeout before persisting WAITING. A crash in between
// leaves a timeout job that finds no matching wait and does nothing.
func (e *Engine) wait(ctx context.Context, c *cycle, a oracle.Wait) (Outcome, error) {
	now := e.now()
	timeoutAt := now.Add(time.Duration(min(a.TimeoutMinutes, oracle.MaxWaitMinutes)) * time.Minute)
	payload, _ := json.Marshal(timeoutPayload{WaitingFor: a.WaitForEvent, TimeoutAt: timeoutAt})
	_, err := e.sched.ScheduleAt(ctx, timeoutAt, scheduler.Job{
		Kind:    scheduler.KindTimeout,
		TaskID:  c.taskID,
		Payload: payload,
	})
	if err != nil {
		return "", fmt.Errorf("schedule timeout for %s: %w", c.taskID, err)
	}

	t, err := e.commit(ctx, c, func(t *task.Task, _ time.Time) (json.RawMessage, error) {
		retries := 0
		if lw := t.Orchestrator.LastWait; lw != nil && lw.WaitingFor == a.WaitForEvent {
			retries = lw.CurrentRetries + 1
		}
		t.StartWaiting(task.WaitingConfig{
			WaitingFor:     a.WaitForEvent,
			StartedAt:      now,
			TimeoutAt:      timeoutAt,
			MaxRetries:     a.Retries(),
			CurrentRetries: retries,
			Context:        a.Context,
		}, now)
		t.AppendLog(now, "waiting_started", map[string]any{
			"waiting_for":     a.WaitForEvent,
			"timeout_at":      timeoutAt,
			"current_retries": retries,
		}, a.Reasoning)
		return result("waiting", fmt.Sprintf("Waiting for '%s' until %s.", a.WaitForEvent,
			timeoutAt.Format(time.RFC3339)), nil), nil
	})
	if err != nil {
		return "", err
	}
	if t != nil {
		e.log.ActionEvent(c.taskID, string(a.Kind()), "waiting_for", a.WaitForEvent,
			"timeout_at", timeoutAt)
	}
	return finish(t, OutcomeStop), nil
}

func (e *Engine) askClarification(ctx context.Context, c *cycle, a oracle.AskUserClarification) (Outcome, error) {
	requestID := task.NewID()
	t, err := e.commit(ctx, c, func(t *task.Task, now time.Time) (json.RawMessage, error) {
		t.ClarificationRequests = append(t.ClarificationRequests, task.ClarificationRequest{
			RequestID: requestID,
			Question:  a.Question,
			AskedAt:   now,
			Status:    task.ClarificationPending,
		})
		t.SetState(task.StateSuspended, now)
		t.AppendLog(now, "clarification_requested", map[string]any{
			"request_id": requestID,
			"question":   a.Question,
			"urgency":    a.Urgency,
		}, a.Reasoning)
		return result("pending_clarification", "Waiting for the user's answer.",
			map[string]any{"request_id": requestID}), nil
	})
	if err != nil {
		return "", err
	}
	if t == nil {
		return OutcomeSkipped, nil
	}
	e.log.ActionEvent(c.taskID, string(a.Kind()), "request_id", requestID)
	e.notify(ctx, t, notify.TypeNeedsClarification,
		fmt.Sprintf("The task '%s' needs your input: %s", t.Name, a.Question),
		map[string]any{"request_id": requestID, "question": a.Question, "urgency": a.Urgency})
	return OutcomeStop, nil
}

// markStepComplete completes the named step. An unknown id falls back to the
// only pending step when exactly one exists; otherwise the oracle gets an
// error result and nothing is completed.
func (e *Engine) markStepComplete(ctx context.Context, c *cycle, a oracle.MarkStepComplete) (Outcome, error) {
	var completed string
	t, err := e.commit(ctx, c, func(t *task.Task, now time.Time) (json.RawMessage, error) {
		step := t.FindStep(a.StepID)
		if step == nil && t.PendingSteps() == 1 {
			step = t.OldestPendingStep()
			e.log.Warn("unknown step id, completing the only pending step",
				"task_id", t.TaskID, "step_id", a.StepID, "used", step.StepID)
		}
		if step == nil {
			t.AppendLog(now, "step_not_found", map[string]any{"step_id": a.StepID}, a.Reasoning)
			return result("error", fmt.Sprintf("%s: %s", ErrStepNotFound, a.StepID),
				map[string]any{"step_id": a.StepID}), nil
		}
		if step.Status == task.StepCompleted {
			return result("success", "Step was already completed.",
				map[string]any{"step_id": step.StepID}), nil
		}
		res := a.Result
		if len(res) == 0 {
			res = step.Result
		}
		step.Complete(res, now)
		completed = step.StepID
		t.AppendLog(now, "step_completed", map[string]any{"step_id": step.StepID}, a.Reasoning)
		return result("success", "Step marked complete.", map[string]any{"step_id": step.StepID}), nil
	})
	if err != nil {
		return "", err
	}
	if completed != "" {
		e.log.ActionEvent(c.taskID, string(a.Kind()), "step_id", completed)
	}
	return finish(t, OutcomeContinue), nil
}

func (e *Engine) evaluateCompletion(ctx context.Context, c *cycle, a oracle.EvaluateCompletion) (Outcome, error) {
	snap := c.task
	in := oracle.CompletionInput{
		MainGoal:     snap.Orchestrator.MainGoal,
		ContextStore: snap.Orchestrator.ContextStore,
		RecentResult: snap.LatestStepResult(),
		Reasoning:    a.Reasoning,
	}
	jctx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	v, err := e.judge.Evaluate(jctx, in)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("evaluate %s: %w", c.taskID, ctx.Err())
		}
		e.log.Error("completion check failed", "task_id", c.taskID, "error", err)
		if err := e.fail(ctx, c.taskID, c.trigger, "The completion check could not be performed.",
			"cycle_failed", map[string]any{"error": err.Error()}); err != nil {
			return "", err
		}
		return OutcomeTerminal, nil
	}
	e.charge(c.taskID, "judge", v.CostUSD, 0)
	c.cost += v.CostUSD

	details := map[string]any{"is_complete": v.IsComplete, "reasoning": v.Reasoning}
	t, err := e.commit(ctx, c, func(t *task.Task, now time.Time) (json.RawMessage, error) {
		if !v.IsComplete {
			t.AppendLog(now, "completion_evaluation", details, a.Reasoning)
			return result("incomplete", v.Reasoning, nil), nil
		}
		final, _ := json.Marshal(map[string]any{
			"summary": v.Reasoning,
			"result":  t.LatestStepResult(),
		})
		t.Result = final
		t.AppendLog(now, "task_completed", details, a.Reasoning)
		t.SetState(task.StateCompleted, now)
		return result("complete", v.Reasoning, nil), nil
	})
	if err != nil {
		return "", err
	}
	if t == nil {
		return OutcomeSkipped, nil
	}
	e.log.ActionEvent(c.taskID, string(a.Kind()), "is_complete", v.IsComplete)
	if !v.IsComplete {
		return OutcomeContinue, nil
	}
	e.notify(ctx, t, notify.TypeCompleted,
		fmt.Sprintf("The task '%s' is complete.", t.Name),
		map[string]any{"reasoning": v.Reasoning})
	return OutcomeTerminal, nil
}
