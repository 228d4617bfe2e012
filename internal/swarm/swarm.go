// Package swarm splits a goal over a list of items into independent worker
// jobs and joins their results once every item has reported.
//
// Item jobs run in parallel on the scheduler with no ordering among them.
// Each job records its terminal result on the parent's SwarmDetails inside a
// version-checked update. The update that records the last report also sets
// JoinFired and schedules the join, so the join happens after all items and
// exactly once.
package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/overhuman/longform/internal/notify"
	"github.com/overhuman/longform/internal/observability"
	"github.com/overhuman/longform/internal/scheduler"
	"github.com/overhuman/longform/internal/security"
	"github.com/overhuman/longform/internal/storage"
	"github.com/overhuman/longform/internal/task"
)

var (
	// ErrNotSwarm is returned for tasks without swarm details.
	ErrNotSwarm = errors.New("not a swarm task")
	// ErrNoItems is returned when a swarm is created without items.
	ErrNoItems = errors.New("swarm has no items")
	// ErrNotStarted is returned by item jobs that run before the parent has
	// linked its children. The job is retried.
	ErrNotStarted = errors.New("swarm not started yet")
)

// Registrar accepts job handlers.
type Registrar interface {
	Handle(kind string, h scheduler.HandlerFunc)
}

// Config tunes the manager.
type Config struct {
	// ItemTimeout bounds one worker run.
	ItemTimeout  time.Duration
	SynthTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 2 * time.Minute
	}
	if c.SynthTimeout <= 0 {
		c.SynthTimeout = 90 * time.Second
	}
}

// Deps are the manager's collaborators. Store, Queue and Worker are
// required.
type Deps struct {
	Store       storage.TaskStore
	Queue       Queue
	Worker      ItemWorker
	Synthesizer Synthesizer
	Notifier    notify.Notifier
	Logger      *observability.Logger
	Metrics     *observability.MetricsCollector
	Sanitizer   *security.Sanitizer
	Now         func() time.Time
}

// Manager creates swarms and runs their item and join jobs.
type Manager struct {
	store     storage.TaskStore
	dispatch  *Dispatcher
	worker    ItemWorker
	synth     Synthesizer
	notifier  notify.Notifier
	log       *observability.Logger
	metrics   *observability.MetricsCollector
	sanitizer *security.Sanitizer
	now       func() time.Time
	cfg       Config
}

// New creates a Manager.
func New(d Deps, cfg Config) *Manager {
	cfg.defaults()
	m := &Manager{
		store:     d.Store,
		worker:    d.Worker,
		synth:     d.Synthesizer,
		notifier:  d.Notifier,
		log:       d.Logger,
		metrics:   d.Metrics,
		sanitizer: d.Sanitizer,
		now:       d.Now,
		cfg:       cfg,
	}
	if m.log == nil {
		m.log = observability.Discard()
	}
	m.log = m.log.Component("swarm")
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.sanitizer == nil {
		m.sanitizer = security.NewSanitizer(0)
	}
	m.dispatch = NewDispatcher(d.Queue, m.now)
	return m
}

// Register installs the item and join handlers.
func (m *Manager) Register(r Registrar) {
	r.Handle(scheduler.KindItem, func(ctx context.Context, job scheduler.Job) error {
		var j ItemJob
		if err := job.Decode(&j); err != nil {
			return fmt.Errorf("%w: %w", scheduler.ErrPermanent, err)
		}
		return m.RunItem(ctx, job.TaskID, j)
	})
	r.Handle(scheduler.KindJoin, func(ctx context.Context, job scheduler.Job) error {
		return m.RunJoin(ctx, job.TaskID)
	})
}

// Create stores a swarm task. Without groups every item gets the goal as its
// worker prompt and no tools.
func (m *Manager) Create(ctx context.Context, ownerID, goal string, items []json.RawMessage, groups []task.WorkerGroup) (*task.Task, error) {
	res := m.sanitizer.Sanitize(goal)
	if res.Blocked {
		return nil, fmt.Errorf("goal: %s", res.BlockReason)
	}
	goal = strings.TrimSpace(res.Clean)
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	for i, it := range items {
		if !json.Valid(it) {
			return nil, fmt.Errorf("item %d is not valid JSON", i)
		}
	}
	if len(groups) == 0 {
		all := make([]int, len(items))
		for i := range all {
			all[i] = i
		}
		groups = []task.WorkerGroup{{ItemIndices: all, WorkerPrompt: goal}}
	}

	t := task.NewSwarm(ownerID, goal, items, groups, m.now())
	if err := m.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create swarm: %w", err)
	}
	m.metrics.Record(observability.MetricSwarmN, float64(len(items)), observability.Labels{"task_id": t.TaskID})
	m.log.Info("swarm created", "task_id", t.TaskID, "owner_id", ownerID, "items", len(items),
		"groups", len(groups))
	return t, nil
}

// Start creates one child task per item, links them on the parent and submits
// the item jobs. Calling it again on a processing swarm only submits the item
// jobs that are missing, so a retry completes a partial submission.
func (m *Manager) Start(ctx context.Context, taskID string) error {
	parent, err := m.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if parent.SwarmDetails == nil {
		return fmt.Errorf("%w: %s", ErrNotSwarm, taskID)
	}
	switch parent.Status {
	case task.StatusPending:
		if parent, err = m.link(ctx, parent); err != nil {
			return err
		}
	case task.StatusProcessing:
	default:
		m.log.Debug("swarm already finished", "task_id", taskID, "status", string(parent.Status))
		return nil
	}

	// Submit every unreported item that has no job yet. On a second Start
	// this finishes a submission that failed partway.
	var jobs []ItemJob
	for i, r := range parent.SwarmDetails.Results {
		if r.SubTaskID != "" && !r.Reported {
			jobs = append(jobs, ItemJob{Index: i, ChildID: r.SubTaskID})
		}
	}
	missing, err := m.dispatch.unqueued(ctx, taskID, jobs)
	if err != nil {
		return fmt.Errorf("list item jobs of %s: %w", taskID, err)
	}
	if len(missing) == 0 {
		m.log.Debug("swarm already started", "task_id", taskID)
		return nil
	}
	if _, err := m.dispatch.SubmitGroup(ctx, taskID, missing); err != nil {
		return err
	}
	m.log.Info("swarm items submitted", "task_id", taskID, "run_id", parent.SwarmDetails.RunID,
		"items", len(missing), "total", len(parent.SwarmDetails.Items))
	return nil
}

// link creates one child per item and moves a pending swarm to processing.
// Losing the race to another Start returns the winner's task.
func (m *Manager) link(ctx context.Context, parent *task.Task) (*task.Task, error) {
	taskID := parent.TaskID
	d := parent.SwarmDetails
	now := m.now()
	children := make([]string, len(d.Items))
	for i := range d.Items {
		g, _ := d.GroupFor(i)
		child := task.NewSwarmItem(parent, i, g, now)
		if err := m.store.Create(ctx, child); err != nil {
			return nil, fmt.Errorf("create item %d of %s: %w", i, taskID, err)
		}
		children[i] = child.TaskID
	}

	runID := task.NewID()
	t, err := m.store.Update(ctx, taskID, func(t *task.Task) error {
		if t.Status != task.StatusPending {
			return fmt.Errorf("swarm %s already %s: %w", taskID, t.Status, storage.ErrAbort)
		}
		sd := t.SwarmDetails
		for i, id := range children {
			sd.Results[i].SubTaskID = id
		}
		sd.RunID = runID
		t.Status = task.StatusProcessing
		t.Runs = append(t.Runs, task.Run{RunID: runID, Status: task.StatusProcessing, CreatedAt: now})
		t.UpdatedAt = now
		return nil
	})
	if errors.Is(err, storage.ErrAbort) {
		m.log.Debug("swarm start lost a race", "task_id", taskID, "reason", err.Error())
		return m.store.Get(ctx, taskID)
	}
	if err != nil {
		return nil, err
	}
	m.log.Info("swarm started", "task_id", taskID, "run_id", runID, "items", len(children))
	return t, nil
}

// RunItem runs the worker for one item and reports its terminal result to
// the parent. A child that already finished is reported again without being
// rerun; the parent ignores duplicate reports.
func (m *Manager) RunItem(ctx context.Context, parentID string, j ItemJob) error {
	parent, err := m.store.Get(ctx, parentID)
	if err != nil {
		return err
	}
	d := parent.SwarmDetails
	if d == nil {
		return fmt.Errorf("%w: %w: %s", scheduler.ErrPermanent, ErrNotSwarm, parentID)
	}
	if parent.Status == task.StatusPending {
		return fmt.Errorf("%w: %s", ErrNotStarted, parentID)
	}
	if j.Index < 0 || j.Index >= len(d.Results) || d.Results[j.Index].SubTaskID != j.ChildID {
		m.log.Warn("item job does not match swarm", "task_id", parentID, "index", j.Index, "child_id", j.ChildID)
		return nil
	}
	if d.Results[j.Index].Reported {
		m.log.Debug("item already reported", "task_id", parentID, "index", j.Index)
		return m.ensureJoin(ctx, parent)
	}

	child, err := m.store.Get(ctx, j.ChildID)
	if err != nil {
		return err
	}
	var (
		result json.RawMessage
		errMsg string
	)
	if child.Status.Terminal() {
		result, errMsg = child.Result, child.Error
	} else {
		result, errMsg, err = m.runWorker(ctx, parent, child)
		if err != nil {
			return err
		}
	}
	m.metrics.Increment(observability.CounterSwarmItems)
	return m.report(ctx, parentID, j.Index, result, errMsg)
}

// runWorker executes the item and records the run on the child. A worker
// error becomes the item's error; only cancellation of ctx is returned.
func (m *Manager) runWorker(ctx context.Context, parent, child *task.Task) (json.RawMessage, string, error) {
	oc := child.OriginalContext
	started := m.now()
	wctx, cancel := context.WithTimeout(ctx, m.cfg.ItemTimeout)
	result, werr := m.worker.Run(wctx, ItemInput{
		Goal:         parent.SwarmDetails.Goal,
		Item:         oc.Item,
		WorkerPrompt: oc.WorkerPrompt,
		Tools:        oc.RequiredTools,
		TaskID:       child.TaskID,
	})
	cancel()
	if werr != nil && ctx.Err() != nil {
		return nil, "", fmt.Errorf("item %d of %s: %w", oc.ItemIndex, parent.TaskID, ctx.Err())
	}

	status, errMsg := task.StatusCompleted, ""
	if werr != nil {
		status, errMsg, result = task.StatusError, werr.Error(), nil
		m.log.Warn("item worker failed", "task_id", parent.TaskID, "index", oc.ItemIndex, "error", werr)
	}
	_, err := m.store.Update(ctx, child.TaskID, func(t *task.Task) error {
		done := m.now()
		t.Runs = append(t.Runs, task.Run{
			RunID:       task.NewID(),
			Status:      status,
			CreatedAt:   started,
			CompletedAt: &done,
			Result:      result,
			Error:       errMsg,
		})
		t.Status = status
		t.Result = result
		t.Error = errMsg
		t.UpdatedAt = done
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("record item %s: %w", child.TaskID, err)
	}
	return result, errMsg, nil
}

var errDuplicate = fmt.Errorf("item already reported: %w", storage.ErrAbort)

// report records one item on the parent. The update that sees the last item
// report flips JoinFired and schedules the join.
func (m *Manager) report(ctx context.Context, parentID string, idx int, result json.RawMessage, errMsg string) error {
	var fired bool
	t, err := m.store.Update(ctx, parentID, func(t *task.Task) error {
		fired = false
		d := t.SwarmDetails
		ok, err := d.ReportItem(idx, result, errMsg, m.now())
		if err != nil {
			return fmt.Errorf("%w: %w", scheduler.ErrPermanent, err)
		}
		if !ok {
			return errDuplicate
		}
		if d.AllReported() && !d.JoinFired {
			d.JoinFired = true
			fired = true
		}
		t.UpdatedAt = m.now()
		return nil
	})
	if errors.Is(err, errDuplicate) {
		m.log.Debug("item already reported", "task_id", parentID, "index", idx)
		return m.ensureJoin(ctx, t)
	}
	if err != nil {
		return err
	}
	d := t.SwarmDetails
	m.log.Info("item reported", "task_id", parentID, "index", idx, "completed_agents", d.CompletedAgents,
		"items", len(d.Items), "failed", errMsg != "")
	if !fired {
		return nil
	}
	return m.dispatch.fireJoin(ctx, parentID, d.RunID)
}

// ensureJoin schedules a join that was marked fired but never queued, which
// happens when the process dies between the two writes.
func (m *Manager) ensureJoin(ctx context.Context, parent *task.Task) error {
	d := parent.SwarmDetails
	if !d.JoinFired || parent.Status.Terminal() {
		return nil
	}
	queued, err := m.dispatch.joinQueued(ctx, parent.TaskID)
	if err != nil || queued {
		return err
	}
	m.log.Warn("join marked fired but not queued, rescheduling", "task_id", parent.TaskID)
	return m.dispatch.fireJoin(ctx, parent.TaskID, d.RunID)
}

// Aggregate is the final result of a swarm.
type Aggregate struct {
	Summary json.RawMessage   `json:"summary"`
	Items   []task.ItemResult `json:"items"`
	Failed  int               `json:"failed"`
}

// RunJoin aggregates every item result into the parent's final result and
// notifies the owner. It does nothing once the parent is terminal.
func (m *Manager) RunJoin(ctx context.Context, parentID string) error {
	parent, err := m.store.Get(ctx, parentID)
	if err != nil {
		return err
	}
	d := parent.SwarmDetails
	if d == nil {
		return fmt.Errorf("%w: %w: %s", scheduler.ErrPermanent, ErrNotSwarm, parentID)
	}
	if parent.Status.Terminal() {
		m.log.Debug("join already ran", "task_id", parentID)
		return nil
	}
	if !d.AllReported() {
		return fmt.Errorf("%w: join for %s before all items reported (%d/%d)",
			scheduler.ErrPermanent, parentID, d.CompletedAgents, len(d.Items))
	}

	var summary json.RawMessage
	if m.synth != nil {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.SynthTimeout)
		summary, err = m.synth.Synthesize(sctx, d.Goal, d.Results)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn("synthesis failed, storing raw results", "task_id", parentID, "error", err)
			summary = nil
		}
	}

	status := task.StatusCompleted
	failed := d.FailedCount()
	if failed > 0 {
		status = task.StatusCompletedWithErrors
	}
	agg, _ := json.Marshal(Aggregate{Summary: summary, Items: d.Results, Failed: failed})

	t, err := m.store.Update(ctx, parentID, func(t *task.Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("swarm %s already %s: %w", parentID, t.Status, storage.ErrAbort)
		}
		now := m.now()
		t.Status = status
		t.Result = agg
		for i := range t.Runs {
			if t.Runs[i].RunID == t.SwarmDetails.RunID {
				t.Runs[i].Status = status
				t.Runs[i].Result = agg
				t.Runs[i].CompletedAt = &now
			}
		}
		t.UpdatedAt = now
		return nil
	})
	if errors.Is(err, storage.ErrAbort) {
		m.log.Debug("join lost a race", "task_id", parentID)
		return nil
	}
	if err != nil {
		return err
	}

	m.metrics.Increment(observability.CounterSwarmJoins)
	m.log.Info("swarm joined", "task_id", parentID, "status", string(status), "items", len(d.Items),
		"failed", failed)
	m.notify(ctx, t, failed)
	return nil
}

func (m *Manager) notify(ctx context.Context, t *task.Task, failed int) {
	if m.notifier == nil {
		return
	}
	msg := fmt.Sprintf("The task '%s' is complete.", t.Name)
	if failed > 0 {
		msg = fmt.Sprintf("The task '%s' is complete. %d of %d items failed.", t.Name, failed,
			len(t.SwarmDetails.Items))
	}
	err := m.notifier.Notify(ctx, notify.Notification{
		UserID:    t.OwnerID,
		Message:   msg,
		TaskID:    t.TaskID,
		Type:      notify.TypeCompleted,
		Payload:   map[string]any{"status": string(t.Status), "failed": failed},
		CreatedAt: m.now(),
	})
	if err != nil {
		m.log.Warn("notification failed", "task_id", t.TaskID, "error", err)
	}
}
