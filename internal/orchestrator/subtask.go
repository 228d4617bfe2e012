package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/overhuman/longform/internal/executor"
	"github.com/overhuman/longform/internal/notify"
	"github.com/overhuman/longform/internal/oracle"
	"github.com/overhuman/longform/internal/task"
)

// subtaskSuffix is appended to every child description.
const subtaskSuffix = "\n\nReturn your final result as plain text or JSON. " +
	"Do not contact or notify the user yourself: your output goes back to the " +
	"orchestrating task, which decides what happens next."

// createSubtask creates the child, plans it and either suspends the parent
// for approval or runs the child to completion and folds its result into the
// step. The step stays pending until mark_step_complete.
func (e *Engine) createSubtask(ctx context.Context, c *cycle, a oracle.CreateSubtask) (Outcome, error) {
	if msg := linkable(c.task.FindStep(a.StepID), a.StepID); msg != "" {
		t, err := e.commit(ctx, c, func(t *task.Task, now time.Time) (json.RawMessage, error) {
			t.AppendLog(now, "subtask_rejected", map[string]any{"step_id": a.StepID, "reason": msg}, a.Reasoning)
			return result("error", msg, map[string]any{"step_id": a.StepID}), nil
		})
		if err != nil {
			return "", err
		}
		return finish(t, OutcomeContinue), nil
	}

	child := task.NewSubtask(c.task, a.StepID, a.SubtaskDescription+subtaskSuffix, a.Context, e.now())
	if err := e.store.Create(ctx, child); err != nil {
		return "", fmt.Errorf("create sub-task for %s: %w", c.taskID, err)
	}

	t, err := e.commit(ctx, c, func(t *task.Task, now time.Time) (json.RawMessage, error) {
		step := t.FindStep(a.StepID)
		if msg := linkable(step, a.StepID); msg != "" {
			return nil, stale("%s", msg)
		}
		step.SubTaskID = child.TaskID
		t.AppendLog(now, "subtask_created", map[string]any{
			"step_id":     a.StepID,
			"sub_task_id": child.TaskID,
			"description": a.SubtaskDescription,
		}, a.Reasoning)
		return result("processing", "Sub-task created.", map[string]any{"sub_task_id": child.TaskID}), nil
	})
	if err != nil {
		return "", err
	}
	if t == nil {
		return OutcomeSkipped, nil
	}
	e.log.ActionEvent(c.taskID, string(a.Kind()), "step_id", a.StepID, "sub_task_id", child.TaskID)

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SubtaskTimeout)
	defer cancel()

	status, err := e.exec.Plan(sctx, child.TaskID)
	if err != nil {
		e.log.Warn("sub-task planning failed", "task_id", c.taskID, "sub_task_id", child.TaskID, "error", err)
		status = task.StatusError
	}

	if status == task.StatusApprovalPending {
		return e.suspendForApproval(ctx, c, a, child.TaskID)
	}

	var out *executor.Outcome
	if status == task.StatusPlanned {
		out, err = e.exec.Execute(sctx, child.TaskID)
	}
	if out == nil {
		out = e.reloadOutcome(ctx, child.TaskID, err)
	}
	return e.foldResult(ctx, c, a, out)
}

// linkable returns why step cannot take a new sub-task, or "".
func linkable(step *task.PlanStep, stepID string) string {
	switch {
	case step == nil:
		return fmt.Sprintf("%s: %s", ErrStepNotFound, stepID)
	case step.Status == task.StepCompleted:
		return fmt.Sprintf("step %s is already completed", stepID)
	case step.SubTaskID != "":
		return fmt.Sprintf("step %s already has sub-task %s", stepID, step.SubTaskID)
	}
	return ""
}

// reloadOutcome reads the child's recorded state after a failed plan or
// execute call. A child that never reached a terminal status is reported as
// an error.
func (e *Engine) reloadOutcome(ctx context.Context, childID string, cause error) *executor.Outcome {
	out := &executor.Outcome{TaskID: childID, Status: task.StatusError}
	if child, err := e.store.Get(ctx, childID); err == nil {
		out = executor.OutcomeOf(child)
	}
	if !out.Status.Terminal() {
		out.Status = task.StatusError
	}
	if out.Error == "" {
		out.Error = "sub-task did not complete"
		if cause != nil {
			out.Error = cause.Error()
		}
	}
	return out
}

func (e *Engine) suspendForApproval(ctx context.Context, c *cycle, a oracle.CreateSubtask, childID string) (Outcome, error) {
	msg := "Sub-task requires manual approval. The task will resume once it is approved and completed."
	t, err := e.amend(ctx, c, func(t *task.Task, now time.Time) (json.RawMessage, error) {
		t.SuspendForSubtask(childID, now)
		t.AppendLog(now, "subtask_pending_approval", map[string]any{
			"step_id":     a.StepID,
			"sub_task_id": childID,
		}, a.Reasoning)
		return json.Marshal(map[string]any{
			"status":      "pending_approval",
			"sub_task_id": childID,
			"message":     msg,
		})
	})
	if err != nil {
		return "", err
	}
	if t == nil {
		return OutcomeSkipped, nil
	}
	e.notify(ctx, t, notify.TypeSuspendedForApproval,
		fmt.Sprintf("The task '%s' is paused until you approve a sub-task.", t.Name),
		map[string]any{"sub_task_id": childID, "step_id": a.StepID})
	return OutcomeStop, nil
}

func (e *Engine) foldResult(ctx context.Context, c *cycle, a oracle.CreateSubtask, out *executor.Outcome) (Outcome, error) {
	folded := out.StepResult()
	action := "subtask_completed"
	if out.Failed() {
		action = "subtask_failed"
	}
	t, err := e.amend(ctx, c, func(t *task.Task, now time.Time) (json.RawMessage, error) {
		if step := t.FindStep(a.StepID); step != nil {
			step.Result = folded
		}
		t.Orchestrator.SpentUSD += out.CostUSD
		t.AppendLog(now, action, map[string]any{
			"step_id":     a.StepID,
			"sub_task_id": out.TaskID,
			"status":      string(out.Status),
		}, "")
		return folded, nil
	})
	if err != nil {
		return "", err
	}
	if t == nil {
		return OutcomeSkipped, nil
	}
	e.log.ActionEvent(c.taskID, action, "step_id", a.StepID, "sub_task_id", out.TaskID,
		"status", string(out.Status))
	return OutcomeContinue, nil
}

// ApproveSubtask executes a child that was waiting for approval and reports
// its outcome to the parent.
func (e *Engine) ApproveSubtask(ctx context.Context, childID string) error {
	child, err := e.store.Get(ctx, childID)
	if err != nil {
		return err
	}
	if child.Status != task.StatusApprovalPending {
		return fmt.Errorf("%w: sub-task %s is %s, not awaiting approval", ErrInvalidState, childID, child.Status)
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SubtaskTimeout)
	defer cancel()
	out, err := e.exec.Execute(sctx, childID)
	if err != nil {
		return fmt.Errorf("execute approved sub-task %s: %w", childID, err)
	}
	e.log.Info("approved sub-task executed", "sub_task_id", childID, "status", string(out.Status))

	if child.ParentTaskID() == "" {
		return nil
	}
	return e.ResolveSubtask(ctx, childID)
}

// ResolveSubtask completes the parent step linked to a finished child and
// resumes the parent if it was suspended for that child.
func (e *Engine) ResolveSubtask(ctx context.Context, childID string) error {
	child, err := e.store.Get(ctx, childID)
	if err != nil {
		return err
	}
	parentID := child.ParentTaskID()
	if parentID == "" {
		return fmt.Errorf("%w: %s has no parent task", ErrInvalidState, childID)
	}
	if !child.Status.Terminal() {
		return fmt.Errorf("%w: sub-task %s is still %s", ErrInvalidState, childID, child.Status)
	}
	out := executor.OutcomeOf(child)
	folded := out.StepResult()

	unlock := e.locks.Lock(parentID)
	defer unlock()

	_, err = e.mutate(ctx, parentID, triggerSubtask, func(t *task.Task) error {
		if t.State().Terminal() {
			return stale("task already %s", t.State())
		}
		step := t.FindStep(child.OriginalContext.ParentStepID)
		if step == nil {
			for i := range t.DynamicPlan {
				if t.DynamicPlan[i].SubTaskID == childID {
					step = &t.DynamicPlan[i]
				}
			}
		}
		if step == nil {
			return fmt.Errorf("%w: no step links sub-task %s", ErrStepNotFound, childID)
		}
		if step.Status == task.StepCompleted {
			return stale("step %s already resolved", step.StepID)
		}
		now := e.now()
		step.SubTaskID = childID
		step.Complete(folded, now)
		t.Orchestrator.LastResult = folded
		t.AppendLog(now, "subtask_resolved", map[string]any{
			"step_id":     step.StepID,
			"sub_task_id": childID,
			"status":      string(out.Status),
		}, "")
		if t.State() == task.StateSuspended && t.Orchestrator.WaitingForSubtask == childID {
			t.SetState(task.StateActive, now)
		}
		return nil
	})
	return e.settle(ctx, parentID, triggerApproval, err)
}
