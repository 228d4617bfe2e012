// Package orchestrator drives long-form tasks through their state machine.
//
// Every trigger (task start, cycle job, wait timeout, clarification answer,
// sub-task approval, pause/resume, external event) is a short, independent
// unit of work. All state lives in the task store. Two mechanisms keep racing
// triggers safe: each mutation re-checks the persisted state it expects
// inside a version-checked update, and a per-task lock serializes triggers
// within one process. A trigger whose expectation no longer holds is a
// logged no-op.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/overhuman/longform/internal/budget"
	"github.com/overhuman/longform/internal/executor"
	"github.com/overhuman/longform/internal/notify"
	"github.com/overhuman/longform/internal/observability"
	"github.com/overhuman/longform/internal/oracle"
	"github.com/overhuman/longform/internal/scheduler"
	"github.com/overhuman/longform/internal/security"
	"github.com/overhuman/longform/internal/storage"
	"github.com/overhuman/longform/internal/task"
)

var (
	// ErrInvalidState is returned when a user action does not apply to the
	// task's current state.
	ErrInvalidState = errors.New("invalid state for this operation")
	// ErrStepNotFound is returned when a plan step id does not resolve.
	ErrStepNotFound = errors.New("plan step not found")
	// ErrInvalidInput is returned for user text the sanitizer blocks.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRateLimited is returned when external events arrive too fast.
	ErrRateLimited = errors.New("too many external events")
)

// Scheduler is the delayed-delivery dependency. Jobs lets the engine see
// whether a cycle is already queued for a task.
type Scheduler interface {
	ScheduleAt(ctx context.Context, at time.Time, job scheduler.Job) (string, error)
	Jobs(ctx context.Context, taskID, kind string) ([]scheduler.Job, error)
}

// Registrar accepts job handlers.
type Registrar interface {
	Handle(kind string, h scheduler.HandlerFunc)
}

// Config tunes the engine.
type Config struct {
	// LogWindow is how many recent execution log entries the oracle sees.
	LogWindow int
	// MaxCycles fails a task that has applied this many actions.
	MaxCycles      int
	OracleTimeout  time.Duration
	SubtaskTimeout time.Duration
	// BudgetRetry delays a cycle while the spend budget is exhausted.
	BudgetRetry time.Duration
}

func (c *Config) defaults() {
	if c.LogWindow <= 0 {
		c.LogWindow = 5
	}
	if c.MaxCycles <= 0 {
		c.MaxCycles = 200
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = 90 * time.Second
	}
	if c.SubtaskTimeout <= 0 {
		c.SubtaskTimeout = 5 * time.Minute
	}
	if c.BudgetRetry <= 0 {
		c.BudgetRetry = time.Hour
	}
}

// Deps are the engine's collaborators. Store, Scheduler, Oracle, Judge and
// Executor are required.
type Deps struct {
	Store     storage.TaskStore
	Scheduler Scheduler
	Oracle    oracle.Oracle
	Judge     oracle.Judge
	Executor  executor.Executor
	Notifier  notify.Notifier

	Logger       *observability.Logger
	Metrics      *observability.MetricsCollector
	Budget       *budget.Tracker
	Sanitizer    *security.Sanitizer
	EventLimiter *security.RateLimiter
	Now          func() time.Time
}

// Engine is the long-form orchestrator.
type Engine struct {
	store     storage.TaskStore
	sched     Scheduler
	oracle    oracle.Oracle
	judge     oracle.Judge
	exec      executor.Executor
	notifier  notify.Notifier
	log       *observability.Logger
	metrics   *observability.MetricsCollector
	budget    *budget.Tracker
	sanitizer *security.Sanitizer
	limiter   *security.RateLimiter
	now       func() time.Time
	cfg       Config
	locks     *keyedMutex
}

// New creates an Engine.
func New(d Deps, cfg Config) *Engine {
	cfg.defaults()
	e := &Engine{
		store:     d.Store,
		sched:     d.Scheduler,
		oracle:    d.Oracle,
		judge:     d.Judge,
		exec:      d.Executor,
		notifier:  d.Notifier,
		log:       d.Logger,
		metrics:   d.Metrics,
		budget:    d.Budget,
		sanitizer: d.Sanitizer,
		limiter:   d.EventLimiter,
		now:       d.Now,
		cfg:       cfg,
		locks:     newKeyedMutex(),
	}
	if e.log == nil {
		e.log = observability.Discard()
	}
	e.log = e.log.Component("orchestrator")
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.sanitizer == nil {
		e.sanitizer = security.NewSanitizer(0)
	}
	return e
}

// Register installs the engine's job handlers.
func (e *Engine) Register(r Registrar) {
	r.Handle(scheduler.KindStart, func(ctx context.Context, job scheduler.Job) error {
		return e.Start(ctx, job.TaskID)
	})
	r.Handle(scheduler.KindCycle, func(ctx context.Context, job scheduler.Job) error {
		var p cyclePayload
		if err := job.Decode(&p); err != nil {
			return fmt.Errorf("%w: %w", scheduler.ErrPermanent, err)
		}
		_, err := e.RunCycle(ctx, job.TaskID, p.Seq, p.Trigger)
		return err
	})
	r.Handle(scheduler.KindTimeout, func(ctx context.Context, job scheduler.Job) error {
		var p timeoutPayload
		if err := job.Decode(&p); err != nil {
			return fmt.Errorf("%w: %w", scheduler.ErrPermanent, err)
		}
		return e.HandleTimeout(ctx, job.TaskID, p.WaitingFor, p.TimeoutAt)
	})
}

// Trigger names recorded on cycle jobs and stale-trigger logs.
const (
	triggerStart    = "start"
	triggerCycle    = "cycle"
	triggerTimeout  = "timeout"
	triggerAnswer   = "clarification_answer"
	triggerResume   = "resume"
	triggerPause    = "pause"
	triggerSubtask  = "subtask_resolved"
	triggerEvent    = "external_event"
	triggerBudget   = "budget_retry"
	triggerApproval = "subtask_approval"
)

type cyclePayload struct {
	// Seq is the task's cycle count when the job was enqueued. A cycle only
	// runs if no other cycle has been applied since.
	Seq     int    `json:"seq"`
	Trigger string `json:"trigger"`
}

type timeoutPayload struct {
	WaitingFor string    `json:"waiting_for"`
	TimeoutAt  time.Time `json:"timeout_at"`
}

func (e *Engine) enqueueCycle(ctx context.Context, taskID string, seq int, trigger string, at time.Time) error {
	payload, _ := json.Marshal(cyclePayload{Seq: seq, Trigger: trigger})
	if at.IsZero() {
		at = e.now()
	}
	_, err := e.sched.ScheduleAt(ctx, at, scheduler.Job{Kind: scheduler.KindCycle, TaskID: taskID, Payload: payload})
	if err != nil {
		return fmt.Errorf("enqueue cycle for %s: %w", taskID, err)
	}
	return nil
}

// ensureCycle queues a cycle for a PLANNING or ACTIVE task unless one for its
// current seq is already pending or running.
func (e *Engine) ensureCycle(ctx context.Context, taskID, trigger string) error {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load %s: %w", taskID, err)
	}
	if t.Orchestrator == nil {
		return nil
	}
	if s := t.State(); s != task.StatePlanning && s != task.StateActive {
		return nil
	}
	seq := t.Orchestrator.CycleCount
	jobs, err := e.sched.Jobs(ctx, taskID, scheduler.KindCycle)
	if err != nil {
		return fmt.Errorf("list cycles for %s: %w", taskID, err)
	}
	for _, j := range jobs {
		if j.Status != scheduler.JobPending && j.Status != scheduler.JobRunning {
			continue
		}
		var p cyclePayload
		if j.Decode(&p) == nil && p.Seq == seq {
			return nil
		}
	}
	return e.enqueueCycle(ctx, taskID, seq, trigger, time.Time{})
}

// settle ends a trigger. Stale or not, the task is left with a cycle queued
// if it is runnable, so retrying a trigger whose write landed but whose
// cycle was never queued repairs the task.
func (e *Engine) settle(ctx context.Context, taskID, trigger string, err error) error {
	if err != nil && !errors.Is(err, ErrInvalidState) {
		return err
	}
	if cerr := e.ensureCycle(ctx, taskID, trigger); cerr != nil {
		return cerr
	}
	return err
}

// stale marks a trigger that no longer matches persisted state.
func stale(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), storage.ErrAbort)
}

// mutate applies fn under a version-checked update and logs any state
// transition. A stale trigger returns (nil, nil).
func (e *Engine) mutate(ctx context.Context, taskID, trigger string, fn func(t *task.Task) error) (*task.Task, error) {
	var from task.State
	t, err := e.store.Update(ctx, taskID, func(t *task.Task) error {
		if t.Orchestrator == nil {
			return fmt.Errorf("%w: %s is not a long-form task", ErrInvalidState, taskID)
		}
		from = t.State()
		return fn(t)
	})
	if errors.Is(err, storage.ErrAbort) {
		e.log.Stale(taskID, trigger, err.Error())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if to := t.State(); to != from {
		e.log.Transition(taskID, string(from), string(to), trigger)
	}
	return t, nil
}

func (e *Engine) notify(ctx context.Context, t *task.Task, typ notify.Type, msg string, payload map[string]any) {
	if e.notifier == nil {
		return
	}
	err := e.notifier.Notify(ctx, notify.Notification{
		UserID:    t.OwnerID,
		Message:   msg,
		TaskID:    t.TaskID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: e.now(),
	})
	if err != nil {
		e.log.Warn("notification failed", "task_id", t.TaskID, "type", string(typ), "error", err)
	}
}

// fail moves a non-terminal task to FAILED with a user-facing reason and a
// log entry, then notifies the owner.
func (e *Engine) fail(ctx context.Context, taskID, trigger, reason, action string, details map[string]any) error {
	t, err := e.mutate(ctx, taskID, trigger, func(t *task.Task) error {
		if t.State().Terminal() {
			return stale("task already %s", t.State())
		}
		now := e.now()
		t.AppendLog(now, action, details, reason)
		t.Fail(reason, now)
		return nil
	})
	if err != nil || t == nil {
		return err
	}
	e.metrics.Increment(observability.CounterCycleFailed)
	e.notify(ctx, t, notify.TypeFailed,
		fmt.Sprintf("The task '%s' failed: %s", t.Name, reason),
		map[string]any{"reason": reason})
	return nil
}

// result builds the JSON returned to the oracle in the next bundle.
func result(status, message string, extra map[string]any) json.RawMessage {
	m := map[string]any{"status": status, "message": message}
	for k, v := range extra {
		m[k] = v
	}
	data, _ := json.Marshal(m)
	return data
}

// Get returns a task by id.
func (e *Engine) Get(ctx context.Context, taskID string) (*task.Task, error) {
	return e.store.Get(ctx, taskID)
}
