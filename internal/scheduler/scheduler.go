// Package scheduler is a durable, at-least-once delayed job queue backed by
// the same SQLite database as the task store.
//
// Jobs are rows in the jobs table. Run claims due jobs under a lease and hands
// them to the handler registered for their kind on a bounded worker pool. A
// worker that dies mid-job leaves the lease to expire, after which the job is
// claimed again. Handlers must therefore be idempotent.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/overhuman/longform/internal/observability"
)

// Job kinds used by the orchestrator and the swarm dispatcher.
const (
	KindCycle   = "orchestrator.cycle"
	KindTimeout = "orchestrator.timeout"
	KindStart   = "longform.start"
	KindItem    = "swarm.item"
	KindJoin    = "swarm.join"
)

// JobStatus is the lifecycle position of a job row.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobDead    JobStatus = "dead"
)

// Job is one unit of delayed work.
type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	TaskID    string          `json:"task_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RunAt     time.Time       `json:"run_at"`
	Attempts  int             `json:"attempts"`
	Status    JobStatus       `json:"status"`
	LastError string          `json:"last_error,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// HandlerFunc processes one job. A returned error schedules a retry.
type HandlerFunc func(ctx context.Context, job Job) error

// ErrPermanent wrapped into a handler error dead-letters the job at once.
var ErrPermanent = errors.New("permanent job failure")

// ErrDuplicate is returned by ScheduleAt when a job with the caller-chosen id
// already exists. The existing job is left untouched.
var ErrDuplicate = errors.New("job already scheduled")

// Options configure a Scheduler.
type Options struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
	// Backoff is the first retry delay. It doubles per attempt up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	Now     func() time.Time
	Logger  *observability.Logger
	Metrics *observability.MetricsCollector
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 10 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Hour
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.Logger == nil {
		o.Logger = observability.Discard()
	}
}

// Scheduler dispatches persisted jobs to registered handlers.
type Scheduler struct {
	db   *sql.DB
	opts Options
	log  *observability.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	inflight atomic.Int64
	wake     chan struct{}
}

// New creates the jobs table in db if needed.
func New(db *sql.DB, opts Options) (*Scheduler, error) {
	opts.defaults()
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		task_id     TEXT NOT NULL,
		payload     TEXT,
		run_at      TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL,
		lease_until TEXT,
		last_error  TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS jobs_due ON jobs(status, run_at);
	CREATE INDEX IF NOT EXISTS jobs_task ON jobs(task_id, kind);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create jobs schema: %w", err)
	}
	return &Scheduler{
		db:       db,
		opts:     opts,
		log:      opts.Logger.Component("scheduler"),
		handlers: make(map[string]HandlerFunc),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Handle registers h for jobs of kind. A later registration replaces an
// earlier one.
func (s *Scheduler) Handle(kind string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

func (s *Scheduler) handler(kind string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

// Now returns the scheduler clock.
func (s *Scheduler) Now() time.Time { return s.opts.Now() }

// ScheduleAt persists job for delivery at or after at and returns its id.
func (s *Scheduler) ScheduleAt(ctx context.Context, at time.Time, job Job) (string, error) {
	if job.Kind == "" {
		return "", fmt.Errorf("schedule: job kind is required")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := s.opts.Now()
	if at.IsZero() {
		at = now
	}
	var payload any
	if len(job.Payload) > 0 {
		payload = string(job.Payload)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, task_id, payload, run_at, attempts, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		job.ID, job.Kind, job.TaskID, payload, formatTime(at), string(JobPending),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return "", fmt.Errorf("schedule %s for %s: %w", job.Kind, job.TaskID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return job.ID, fmt.Errorf("schedule %s for %s: %w: %s", job.Kind, job.TaskID, ErrDuplicate, job.ID)
	}
	s.log.Debug("job scheduled", "job_id", job.ID, "kind", job.Kind, "task_id", job.TaskID, "run_at", at)
	if !at.After(now) {
		s.notify()
	}
	return job.ID, nil
}

// Enqueue schedules job for immediate delivery.
func (s *Scheduler) Enqueue(ctx context.Context, job Job) (string, error) {
	return s.ScheduleAt(ctx, s.opts.Now(), job)
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run polls for due jobs until ctx is cancelled, then waits for in-flight
// handlers to return.
func (s *Scheduler) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.log.Info("scheduler started", "workers", s.opts.Workers, "poll", s.opts.PollInterval.String())
	for {
		free := s.opts.Workers - int(s.inflight.Load())
		if free > 0 {
			jobs, err := s.claim(ctx, free)
			if err != nil && ctx.Err() == nil {
				s.log.Error("claim jobs failed", "error", err)
			}
			for _, job := range jobs {
				s.inflight.Add(1)
				g.Go(func() error {
					defer s.inflight.Add(-1)
					s.execute(ctx, job)
					return nil
				})
			}
		}

		select {
		case <-ctx.Done():
			g.Wait()
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// Drain runs every job that is due now, including jobs those handlers
// enqueue for immediate delivery, and returns how many ran. It is the
// synchronous counterpart of Run used by the CLI and tests.
func (s *Scheduler) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		jobs, err := s.claim(ctx, s.opts.Workers)
		if err != nil {
			return total, err
		}
		if len(jobs) == 0 {
			return total, nil
		}
		var g errgroup.Group
		g.SetLimit(s.opts.Workers)
		for _, job := range jobs {
			g.Go(func() error {
				s.execute(ctx, job)
				return nil
			})
		}
		g.Wait()
		total += len(jobs)
	}
}

// claim leases up to limit due jobs. Expired leases count as due.
func (s *Scheduler) claim(ctx context.Context, limit int) ([]Job, error) {
	now := s.opts.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, task_id, payload, run_at, attempts, status
		FROM jobs
		WHERE (status = ? AND run_at <= ?) OR (status = ? AND lease_until <= ?)
		ORDER BY run_at, created_at
		LIMIT ?`,
		string(JobPending), formatTime(now), string(JobRunning), formatTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	var jobs []Job
	for rows.Next() {
		var j Job
		var payload sql.NullString
		var runAt, status string
		if err := rows.Scan(&j.ID, &j.Kind, &j.TaskID, &payload, &runAt, &j.Attempts, &status); err != nil {
			rows.Close()
			return nil, err
		}
		if payload.Valid {
			j.Payload = json.RawMessage(payload.String)
		}
		j.RunAt, _ = time.Parse(timeLayout, runAt)
		if JobStatus(status) == JobRunning {
			s.log.Warn("reclaiming expired lease", "job_id", j.ID, "kind", j.Kind, "task_id", j.TaskID)
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lease := formatTime(now.Add(s.opts.Lease))
	for i := range jobs {
		jobs[i].Attempts++
		jobs[i].Status = JobRunning
		if _, err := tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, attempts = ?, lease_until = ?, updated_at = ? WHERE id = ?",
			string(JobRunning), jobs[i].Attempts, lease, formatTime(now), jobs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("lease job %s: %w", jobs[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return jobs, nil
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	h, ok := s.handler(job.Kind)
	if !ok {
		s.finish(ctx, job, JobDead, fmt.Errorf("no handler for kind %q", job.Kind))
		return
	}

	start := time.Now()
	err := safeCall(ctx, h, job)
	s.opts.Metrics.Record(observability.MetricLatency, float64(time.Since(start).Milliseconds()),
		observability.Labels{"job": job.Kind})

	switch {
	case err == nil:
		s.finish(ctx, job, JobDone, nil)
	case errors.Is(err, ErrPermanent) || job.Attempts >= s.opts.MaxAttempts:
		s.log.Error("job dead-lettered", "job_id", job.ID, "kind", job.Kind, "task_id", job.TaskID,
			"attempts", job.Attempts, "error", err)
		s.finish(ctx, job, JobDead, err)
	default:
		delay := s.backoff(job.Attempts)
		s.log.Warn("job failed, retrying", "job_id", job.ID, "kind", job.Kind, "task_id", job.TaskID,
			"attempt", job.Attempts, "retry_in", delay.String(), "error", err)
		s.retry(ctx, job, s.opts.Now().Add(delay), err)
	}
}

func safeCall(ctx context.Context, h HandlerFunc, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.opts.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.opts.MaxBackoff {
			return s.opts.MaxBackoff
		}
	}
	return d
}

func (s *Scheduler) finish(ctx context.Context, job Job, status JobStatus, cause error) {
	var msg any
	if cause != nil {
		msg = cause.Error()
	}
	// Completion must be recorded even when Run is shutting down.
	ctx = context.WithoutCancel(ctx)
	if _, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, lease_until = NULL, last_error = ?, updated_at = ? WHERE id = ?",
		string(status), msg, formatTime(s.opts.Now()), job.ID,
	); err != nil {
		s.log.Error("record job status failed", "job_id", job.ID, "status", string(status), "error", err)
	}
}

func (s *Scheduler) retry(ctx context.Context, job Job, at time.Time, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, run_at = ?, lease_until = NULL, last_error = ?, updated_at = ? WHERE id = ?",
		string(JobPending), formatTime(at), cause.Error(), formatTime(s.opts.Now()), job.ID,
	); err != nil {
		s.log.Error("reschedule job failed", "job_id", job.ID, "error", err)
	}
}

// Jobs lists jobs for taskID, oldest first. An empty kind matches all kinds.
func (s *Scheduler) Jobs(ctx context.Context, taskID, kind string) ([]Job, error) {
	query := "SELECT id, kind, task_id, payload, run_at, attempts, status, last_error FROM jobs WHERE task_id = ?"
	args := []any{taskID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at, run_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var payload, lastErr sql.NullString
		var runAt, status string
		if err := rows.Scan(&j.ID, &j.Kind, &j.TaskID, &payload, &runAt, &j.Attempts, &status, &lastErr); err != nil {
			return nil, err
		}
		if payload.Valid {
			j.Payload = json.RawMessage(payload.String)
		}
		j.RunAt, _ = time.Parse(timeLayout, runAt)
		j.Status = JobStatus(status)
		j.LastError = lastErr.String
		out = append(out, j)
	}
	return out, rows.Err()
}

// Counts returns the number of jobs per status.
func (s *Scheduler) Counts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[JobStatus(status)] = n
	}
	return out, rows.Err()
}

// timeLayout is fixed-width so timestamps compare lexically in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
