package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/overhuman/longform/internal/observability"
	"github.com/overhuman/longform/internal/oracle"
	"github.com/overhuman/longform/internal/storage"
	"github.com/overhuman/longform/internal/task"
)

// Outcome is what a cycle tells its caller.
type Outcome string

const (
	// OutcomeContinue means another cycle was enqueued.
	OutcomeContinue Outcome = "continue"
	// OutcomeStop means the task is waiting or suspended.
	OutcomeStop Outcome = "stop"
	// OutcomeTerminal means the task completed or failed.
	OutcomeTerminal Outcome = "terminal"
	// OutcomeSkipped means the trigger was stale.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDeferred means the cycle was postponed by the budget guard.
	OutcomeDeferred Outcome = "deferred"
)

// cycle carries one decision through its handler.
type cycle struct {
	taskID   string
	seq      int
	trigger  string
	decision *oracle.Decision
	// task is the snapshot the decision was made on.
	task *task.Task
	// cost accumulates provider spend charged to this cycle.
	cost float64
}

// RunCycle runs one orchestrator cycle for taskID. seq must equal the task's
// cycle count, so a duplicated or superseded cycle job is a no-op.
func (e *Engine) RunCycle(ctx context.Context, taskID string, seq int, trigger string) (Outcome, error) {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	start := time.Now()
	t, err := e.store.Get(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		e.log.Stale(taskID, trigger, "task no longer exists")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", taskID, err)
	}
	if t.Orchestrator == nil {
		return "", fmt.Errorf("%w: %s is not a long-form task", ErrInvalidState, taskID)
	}

	o := t.Orchestrator
	if !o.CurrentState.Runnable() {
		e.metrics.Increment(observability.CounterCycleSkipped)
		e.log.Stale(taskID, trigger, fmt.Sprintf("state is %s", o.CurrentState))
		return OutcomeSkipped, nil
	}
	if o.CycleCount != seq {
		e.metrics.Increment(observability.CounterCycleSkipped)
		e.log.Stale(taskID, trigger, fmt.Sprintf("cycle %d superseded by %d", seq, o.CycleCount))
		// A retry of a cycle that committed but failed to queue its successor
		// lands here.
		return OutcomeSkipped, e.ensureCycle(ctx, taskID, triggerCycle)
	}

	if o.CycleCount >= e.cfg.MaxCycles {
		reason := fmt.Sprintf("The task stopped after %d orchestration cycles without reaching its goal.", o.CycleCount)
		if err := e.fail(ctx, taskID, trigger, reason, "cycle_limit_reached",
			map[string]any{"cycle_count": o.CycleCount}); err != nil {
			return "", err
		}
		return OutcomeTerminal, nil
	}

	if e.budget.Exhausted() {
		if err := e.enqueueCycle(ctx, taskID, seq, triggerBudget, e.now().Add(e.cfg.BudgetRetry)); err != nil {
			return "", err
		}
		e.metrics.Increment(observability.CounterBudgetDeferred)
		e.log.Cycle(taskID, string(o.CurrentState), "budget exhausted, cycle deferred",
			"retry_in", e.cfg.BudgetRetry.String())
		return OutcomeDeferred, nil
	}

	e.metrics.Increment(observability.CounterCycleRuns)
	e.log.Cycle(taskID, string(o.CurrentState), "cycle started", "seq", seq, "trigger", trigger)

	b := oracle.NewBundle(t, e.cfg.LogWindow)
	if trigger == triggerTimeout && o.LastWait != nil {
		b.FollowUp = followUp(o.LastWait, e.now())
	}

	octx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	d, err := e.oracle.Decide(octx, b)
	cancel()
	if d != nil {
		e.charge(taskID, "oracle", d.CostUSD, d.LatencyMs)
	}
	if err != nil {
		return e.oracleFailed(ctx, taskID, trigger, err)
	}
	if d == nil || d.Action == nil {
		return e.oracleFailed(ctx, taskID, trigger, &oracle.DecodeError{Reason: "no action returned"})
	}

	c := &cycle{taskID: taskID, seq: seq, trigger: trigger, decision: d, task: t, cost: d.CostUSD}
	out, err := e.apply(ctx, c)
	if err != nil {
		return "", err
	}

	if out == OutcomeContinue {
		if err := e.enqueueCycle(ctx, taskID, seq+1, triggerCycle, time.Time{}); err != nil {
			return "", err
		}
	}
	e.metrics.Record(observability.MetricCycleLen, float64(time.Since(start).Milliseconds()),
		observability.Labels{"action": string(d.Action.Kind()), "outcome": string(out)})
	return out, nil
}

func followUp(w *task.WaitingConfig, now time.Time) *oracle.FollowUp {
	return &oracle.FollowUp{
		WaitingFor:       w.WaitingFor,
		TimeElapsed:      now.Sub(w.StartedAt),
		PreviousAttempts: w.CurrentRetries,
		MaxRetries:       w.MaxRetries,
		Context:          w.Context,
	}
}

func (e *Engine) charge(taskID, source string, cost float64, latencyMs int64) {
	e.budget.Record(taskID, cost)
	labels := observability.Labels{"source": source}
	e.metrics.Record(observability.MetricCost, cost, labels)
	if latencyMs > 0 {
		e.metrics.Record(observability.MetricLatency, float64(latencyMs), labels)
	}
}

// oracleFailed fails the task when the oracle is down or answered with
// something that is not an action. A cancelled caller is retried instead.
func (e *Engine) oracleFailed(ctx context.Context, taskID, trigger string, err error) (Outcome, error) {
	if ctx.Err() != nil {
		return "", fmt.Errorf("decide for %s: %w", taskID, ctx.Err())
	}
	var reason string
	switch {
	case errors.Is(err, oracle.ErrMalformedAction):
		reason = "The orchestrator could not understand the next action it was given."
	case errors.Is(err, oracle.ErrUnavailable):
		reason = "The orchestrator could not reach its decision service."
	default:
		return "", fmt.Errorf("decide for %s: %w", taskID, err)
	}
	e.log.Error("oracle failed", "task_id", taskID, "error", err)
	if ferr := e.fail(ctx, taskID, trigger, reason, "cycle_failed", map[string]any{"error": err.Error()}); ferr != nil {
		return "", ferr
	}
	return OutcomeTerminal, nil
}

// apply dispatches the decoded action to its handler.
func (e *Engine) apply(ctx context.Context, c *cycle) (Outcome, error) {
	e.metrics.Increment(observability.ActionCounter(string(c.decision.Action.Kind())))
	switch a := c.decision.Action.(type) {
	case oracle.UpdatePlan:
		return e.updatePlan(ctx, c, a)
	case oracle.UpdateContext:
		return e.updateContext(ctx, c, a)
	case oracle.GetContext:
		return e.getContext(ctx, c, a)
	case oracle.CreateSubtask:
		return e.createSubtask(ctx, c, a)
	case oracle.Wait:
		return e.wait(ctx, c, a)
	case oracle.AskUserClarification:
		return e.askClarification(ctx, c, a)
	case oracle.MarkStepComplete:
		return e.markStepComplete(ctx, c, a)
	case oracle.EvaluateCompletion:
		return e.evaluateCompletion(ctx, c, a)
	}
	return "", fmt.Errorf("%w: unhandled action %T", oracle.ErrMalformedAction, c.decision.Action)
}

// commit applies fn to the task if this cycle is still current, then counts
// the cycle, charges its cost and stores fn's result for the next bundle.
func (e *Engine) commit(ctx context.Context, c *cycle, fn func(t *task.Task, now time.Time) (json.RawMessage, error)) (*task.Task, error) {
	return e.mutate(ctx, c.taskID, c.trigger, func(t *task.Task) error {
		o := t.Orchestrator
		if !o.CurrentState.Runnable() {
			return stale("state changed to %s during the cycle", o.CurrentState)
		}
		if o.CycleCount != c.seq {
			return stale("cycle %d already applied", c.seq)
		}
		res, err := fn(t, e.now())
		if err != nil {
			return err
		}
		o.CycleCount++
		o.SpentUSD += c.cost
		o.LastResult = res
		return nil
	})
}

// amend writes the second phase of a cycle that already committed, such as
// folding a sub-task result into its step. It does not count a new cycle.
func (e *Engine) amend(ctx context.Context, c *cycle, fn func(t *task.Task, now time.Time) (json.RawMessage, error)) (*task.Task, error) {
	return e.mutate(ctx, c.taskID, c.trigger, func(t *task.Task) error {
		o := t.Orchestrator
		if o.CurrentState.Terminal() {
			return stale("task already %s", o.CurrentState)
		}
		if o.CycleCount != c.seq+1 {
			return stale("cycle %d moved on to %d", c.seq, o.CycleCount)
		}
		res, err := fn(t, e.now())
		if err != nil {
			return err
		}
		o.LastResult = res
		return nil
	})
}

// finish maps the committed task to an outcome. A nil task means the commit
// was stale.
func finish(t *task.Task, out Outcome) Outcome {
	if t == nil {
		return OutcomeSkipped
	}
	return out
}
