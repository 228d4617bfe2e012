package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/overhuman/longform/internal/scheduler"
)

// Queue is the durable job queue the swarm runs on.
type Queue interface {
	ScheduleAt(ctx context.Context, at time.Time, job scheduler.Job) (string, error)
	Handle(kind string, h scheduler.HandlerFunc)
	Jobs(ctx context.Context, taskID, kind string) ([]scheduler.Job, error)
}

// ItemJob is one item of a submitted group.
type ItemJob struct {
	Index   int    `json:"index"`
	ChildID string `json:"child_id"`
}

type joinPayload struct {
	RunID string `json:"run_id"`
}

// Dispatcher fans a group of item jobs out on the queue and fans the join
// back in. The join is not queued up front: the item handler that records
// the last report schedules it.
type Dispatcher struct {
	q   Queue
	now func() time.Time
}

// NewDispatcher creates a dispatcher on q.
func NewDispatcher(q Queue, now func() time.Time) *Dispatcher {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{q: q, now: now}
}

// SubmitGroup enqueues one swarm.item job per entry of jobs, all owned by
// parentID. Items carry no ordering guarantee among themselves. An item that
// is already queued is skipped.
func (d *Dispatcher) SubmitGroup(ctx context.Context, parentID string, jobs []ItemJob) ([]string, error) {
	ids := make([]string, 0, len(jobs))
	now := d.now()
	for _, j := range jobs {
		payload, _ := json.Marshal(j)
		id, err := d.q.ScheduleAt(ctx, now, scheduler.Job{
			ID: "item:" + parentID + ":" + j.ChildID, Kind: scheduler.KindItem, TaskID: parentID, Payload: payload,
		})
		if errors.Is(err, scheduler.ErrDuplicate) {
			continue
		}
		if err != nil {
			return ids, fmt.Errorf("submit item %d of %s: %w", j.Index, parentID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// fireJoin schedules the join for parentID. The job id is fixed per run, so
// racing callers queue it once.
func (d *Dispatcher) fireJoin(ctx context.Context, parentID, runID string) error {
	payload, _ := json.Marshal(joinPayload{RunID: runID})
	_, err := d.q.ScheduleAt(ctx, d.now(), scheduler.Job{
		ID: "join:" + parentID + ":" + runID, Kind: scheduler.KindJoin, TaskID: parentID, Payload: payload,
	})
	if errors.Is(err, scheduler.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule join for %s: %w", parentID, err)
	}
	return nil
}

// joinQueued reports whether a join job exists for parentID in any status.
func (d *Dispatcher) joinQueued(ctx context.Context, parentID string) (bool, error) {
	jobs, err := d.q.Jobs(ctx, parentID, scheduler.KindJoin)
	if err != nil {
		return false, err
	}
	return len(jobs) > 0, nil
}

// unqueued returns the entries of jobs that have no swarm.item job for
// parentID in any status.
func (d *Dispatcher) unqueued(ctx context.Context, parentID string, jobs []ItemJob) ([]ItemJob, error) {
	queued, err := d.q.Jobs(ctx, parentID, scheduler.KindItem)
	if err != nil {
		return nil, err
	}
	seen := make(map[ItemJob]bool, len(queued))
	for _, j := range queued {
		var ij ItemJob
		if j.Decode(&ij) == nil {
			seen[ij] = true
		}
	}
	var out []ItemJob
	for _, j := range jobs {
		if !seen[j] {
			out = append(out, j)
		}
	}
	return out, nil
}
