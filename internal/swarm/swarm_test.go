package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/overhuman/longform/internal/brain"
	"github.com/overhuman/longform/internal/budget"
	"github.com/overhuman/longform/internal/executor"
	"github.com/overhuman/longform/internal/notify"
	"github.com/overhuman/longform/internal/observability"
	"github.com/overhuman/longform/internal/scheduler"
	"github.com/overhuman/longform/internal/storage"
	"github.com/overhuman/longform/internal/task"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func now() time.Time { return t0 }

var errQueueDown = errors.New("queue unavailable")

// flakyQueue fails the next failJoins join schedules, and lets failItemsAfter
// item schedules through before failing the next one.
type flakyQueue struct {
	*scheduler.Scheduler

	mu             sync.Mutex
	failJoins      int
	failItemsAfter int // -1 disables
}

func (q *flakyQueue) ScheduleAt(ctx context.Context, at time.Time, job scheduler.Job) (string, error) {
	q.mu.Lock()
	fail := false
	switch {
	case job.Kind == scheduler.KindJoin && q.failJoins > 0:
		q.failJoins--
		fail = true
	case job.Kind == scheduler.KindItem && q.failItemsAfter == 0:
		q.failItemsAfter = -1
		fail = true
	case job.Kind == scheduler.KindItem && q.failItemsAfter > 0:
		q.failItemsAfter--
	}
	q.mu.Unlock()
	if fail {
		return "", errQueueDown
	}
	return q.Scheduler.ScheduleAt(ctx, at, job)
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *storage.SQLiteStore
	sched   *scheduler.Scheduler
	queue   *flakyQueue
	notes   *notify.Recorder
	metrics *observability.MetricsCollector
	mgr     *Manager

	mu          sync.Mutex
	workerCalls int
	synthCalls  int
	failItems   map[int]bool
	synthErr    error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	sched, err := scheduler.New(store.DB(), scheduler.Options{Workers: 1, Now: now})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		store:     store,
		sched:     sched,
		queue:     &flakyQueue{Scheduler: sched, failItemsAfter: -1},
		notes:     &notify.Recorder{},
		metrics:   observability.NewMetricsCollector(100),
		failItems: map[int]bool{},
	}
	worker := WorkerFunc(func(_ context.Context, in ItemInput) (json.RawMessage, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.workerCalls++
		var item struct {
			N int `json:"n"`
		}
		json.Unmarshal(in.Item, &item)
		if h.failItems[item.N] {
			return nil, fmt.Errorf("item %d unreachable", item.N)
		}
		return json.RawMessage(fmt.Sprintf(`{"n":%d,"done":true}`, item.N)), nil
	})
	synth := SynthFunc(func(_ context.Context, goal string, results []task.ItemResult) (json.RawMessage, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.synthCalls++
		if h.synthErr != nil {
			return nil, h.synthErr
		}
		return json.RawMessage(fmt.Sprintf(`"%d results for %s"`, len(results), goal)), nil
	})
	h.mgr = New(Deps{
		Store:       store,
		Queue:       h.queue,
		Worker:      worker,
		Synthesizer: synth,
		Notifier:    h.notes,
		Metrics:     h.metrics,
		Now:         now,
	}, Config{})
	h.mgr.Register(sched)
	return h
}

func (h *harness) start(n int) *task.Task {
	h.t.Helper()
	items := make([]json.RawMessage, n)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
	}
	tk, err := h.mgr.Create(h.ctx, "u1", "check every supplier", items, nil)
	if err != nil {
		h.t.Fatal(err)
	}
	if err := h.mgr.Start(h.ctx, tk.TaskID); err != nil {
		h.t.Fatal(err)
	}
	return tk
}

func (h *harness) get(id string) *task.Task {
	h.t.Helper()
	tk, err := h.store.Get(h.ctx, id)
	if err != nil {
		h.t.Fatal(err)
	}
	return tk
}

func (h *harness) jobs(taskID, kind string) []scheduler.Job {
	h.t.Helper()
	jobs, err := h.sched.Jobs(h.ctx, taskID, kind)
	if err != nil {
		h.t.Fatal(err)
	}
	return jobs
}

func (h *harness) itemJobs(taskID string) []ItemJob {
	h.t.Helper()
	var out []ItemJob
	for _, j := range h.jobs(taskID, scheduler.KindItem) {
		var ij ItemJob
		if err := j.Decode(&ij); err != nil {
			h.t.Fatal(err)
		}
		out = append(out, ij)
	}
	return out
}

func (h *harness) drain() {
	h.t.Helper()
	if _, err := h.sched.Drain(h.ctx); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) calls() (worker, synth int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.workerCalls, h.synthCalls
}

func TestJoinFiresOnceAfterAllItems(t *testing.T) {
	h := newHarness(t)
	sw := h.start(5)

	jobs := h.itemJobs(sw.TaskID)
	if len(jobs) != 5 {
		t.Fatalf("item jobs = %d, want 5", len(jobs))
	}
	for _, j := range jobs[:4] {
		if err := h.mgr.RunItem(h.ctx, sw.TaskID, j); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.get(sw.TaskID).SwarmDetails.CompletedAgents; got != 4 {
		t.Fatalf("completed_agents = %d, want 4", got)
	}
	if n := len(h.jobs(sw.TaskID, scheduler.KindJoin)); n != 0 {
		t.Fatalf("join jobs after 4 items = %d, want 0", n)
	}
	if _, synth := h.calls(); synth != 0 {
		t.Fatal("aggregator ran before all items reported")
	}

	if err := h.mgr.RunItem(h.ctx, sw.TaskID, jobs[4]); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.RunItem(h.ctx, sw.TaskID, jobs[4]); err != nil {
		t.Fatal(err)
	}
	d := h.get(sw.TaskID).SwarmDetails
	if d.CompletedAgents != 5 || !d.JoinFired {
		t.Fatalf("completed_agents = %d, join_fired = %v", d.CompletedAgents, d.JoinFired)
	}
	if n := len(h.jobs(sw.TaskID, scheduler.KindJoin)); n != 1 {
		t.Fatalf("join jobs = %d, want 1", n)
	}

	// The queued item jobs are deliveries of items that already reported.
	h.drain()

	worker, synth := h.calls()
	if worker != 5 {
		t.Errorf("worker calls = %d, want 5", worker)
	}
	if synth != 1 {
		t.Errorf("synth calls = %d, want 1", synth)
	}
	got := h.get(sw.TaskID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	var agg Aggregate
	if err := json.Unmarshal(got.Result, &agg); err != nil {
		t.Fatal(err)
	}
	if len(agg.Items) != 5 || agg.Failed != 0 {
		t.Errorf("aggregate items = %d failed = %d", len(agg.Items), agg.Failed)
	}
	if string(agg.Summary) != `"5 results for check every supplier"` {
		t.Errorf("summary = %s", agg.Summary)
	}
	if run := got.LastRun(); run == nil || run.Status != task.StatusCompleted || run.CompletedAt == nil {
		t.Errorf("parent run = %+v", run)
	}

	if err := h.mgr.RunJoin(h.ctx, sw.TaskID); err != nil {
		t.Fatal(err)
	}
	if _, synth := h.calls(); synth != 1 {
		t.Errorf("duplicate join ran the aggregator again")
	}
	if n := len(h.notes.OfType(notify.TypeCompleted)); n != 1 {
		t.Errorf("completion notifications = %d, want 1", n)
	}
	if n := h.metrics.Counter(observability.CounterSwarmJoins); n != 1 {
		t.Errorf("swarm.joins = %d, want 1", n)
	}
}

func TestPartialFailureCompletesWithErrors(t *testing.T) {
	h := newHarness(t)
	h.failItems[2] = true
	sw := h.start(4)
	h.drain()

	got := h.get(sw.TaskID)
	if got.Status != task.StatusCompletedWithErrors {
		t.Fatalf("status = %s, want completed_with_errors", got.Status)
	}
	var agg Aggregate
	json.Unmarshal(got.Result, &agg)
	if agg.Failed != 1 || !agg.Items[2].Failed() || agg.Items[1].Failed() {
		t.Fatalf("aggregate = %+v", agg)
	}

	child := h.get(agg.Items[2].SubTaskID)
	if child.Status != task.StatusError || len(child.Runs) != 1 {
		t.Fatalf("failed child status = %s runs = %d", child.Status, len(child.Runs))
	}
	if !strings.Contains(child.Error, "unreachable") {
		t.Errorf("child error = %q", child.Error)
	}
	notes := h.notes.OfType(notify.TypeCompleted)
	if len(notes) != 1 || !strings.Contains(notes[0].Message, "1 of 4 items failed") {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestStartTwiceIsNoop(t *testing.T) {
	h := newHarness(t)
	sw := h.start(3)
	if err := h.mgr.Start(h.ctx, sw.TaskID); err != nil {
		t.Fatal(err)
	}
	if n := len(h.itemJobs(sw.TaskID)); n != 3 {
		t.Fatalf("item jobs = %d, want 3", n)
	}
	children, err := h.store.ListByParent(h.ctx, sw.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 3 {
		t.Fatalf("children = %d, want 3", len(children))
	}
	for _, c := range children {
		if c.OriginalContext.Source != task.SourceSwarmSubtask || !c.OriginalContext.AutoApprove {
			t.Errorf("child context = %+v", c.OriginalContext)
		}
	}
}

func TestStart_RetryCompletesPartialSubmission(t *testing.T) {
	h := newHarness(t)
	items := make([]json.RawMessage, 4)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
	}
	sw, err := h.mgr.Create(h.ctx, "u1", "check every supplier", items, nil)
	if err != nil {
		t.Fatal(err)
	}

	h.queue.mu.Lock()
	h.queue.failItemsAfter = 2
	h.queue.mu.Unlock()
	if err := h.mgr.Start(h.ctx, sw.TaskID); !errors.Is(err, errQueueDown) {
		t.Fatalf("first start err = %v, want queue error", err)
	}
	if got := h.get(sw.TaskID); got.Status != task.StatusProcessing {
		t.Fatalf("status = %s", got.Status)
	}
	if n := len(h.itemJobs(sw.TaskID)); n != 2 {
		t.Fatalf("item jobs after partial submit = %d, want 2", n)
	}

	if err := h.mgr.Start(h.ctx, sw.TaskID); err != nil {
		t.Fatalf("second start: %v", err)
	}
	seen := map[int]int{}
	for _, j := range h.itemJobs(sw.TaskID) {
		seen[j.Index]++
	}
	if len(seen) != 4 {
		t.Fatalf("item jobs cover %v, want all 4 items", seen)
	}
	for idx, n := range seen {
		if n != 1 {
			t.Errorf("item %d queued %d times", idx, n)
		}
	}
	children, _ := h.store.ListByParent(h.ctx, sw.TaskID)
	if len(children) != 4 {
		t.Errorf("children = %d, want 4", len(children))
	}

	h.drain()
	got := h.get(sw.TaskID)
	if got.Status != task.StatusCompleted || got.SwarmDetails.CompletedAgents != 4 {
		t.Fatalf("status = %s completed_agents = %d", got.Status, got.SwarmDetails.CompletedAgents)
	}
}

func TestJoinOnceUnderConcurrentDuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	sw := h.start(20)
	jobs := h.itemJobs(sw.TaskID)
	if len(jobs) != 20 {
		t.Fatalf("item jobs = %d, want 20", len(jobs))
	}

	// Every item twice, newest first, all at once.
	var deliveries []ItemJob
	for i := len(jobs) - 1; i >= 0; i-- {
		deliveries = append(deliveries, jobs[i], jobs[i])
	}
	errs := make(chan error, len(deliveries))
	var wg sync.WaitGroup
	for _, j := range deliveries {
		wg.Add(1)
		go func(j ItemJob) {
			defer wg.Done()
			// The scheduler redelivers on a lost write race; so do we.
			var err error
			for attempt := 0; attempt < 50; attempt++ {
				if err = h.mgr.RunItem(h.ctx, sw.TaskID, j); !errors.Is(err, storage.ErrConflict) {
					break
				}
			}
			errs <- err
		}(j)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("RunItem: %v", err)
		}
	}

	d := h.get(sw.TaskID).SwarmDetails
	if d.CompletedAgents != 20 || !d.JoinFired {
		t.Fatalf("completed_agents = %d, join_fired = %v", d.CompletedAgents, d.JoinFired)
	}
	for i, r := range d.Results {
		if !r.Reported {
			t.Errorf("item %d not reported", i)
		}
	}
	if n := len(h.jobs(sw.TaskID, scheduler.KindJoin)); n != 1 {
		t.Fatalf("join jobs = %d, want 1", n)
	}

	h.drain()
	if _, synth := h.calls(); synth != 1 {
		t.Errorf("synth calls = %d, want 1", synth)
	}
	if got := h.get(sw.TaskID); got.Status != task.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if n := len(h.notes.OfType(notify.TypeCompleted)); n != 1 {
		t.Errorf("completion notifications = %d, want 1", n)
	}
}

func TestRunItem_BeforeStartIsRetried(t *testing.T) {
	h := newHarness(t)
	sw, err := h.mgr.Create(h.ctx, "u1", "goal", []json.RawMessage{json.RawMessage(`{"n":0}`)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = h.mgr.RunItem(h.ctx, sw.TaskID, ItemJob{Index: 0, ChildID: "c1"})
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

func TestRunItem_UnknownChildIsIgnored(t *testing.T) {
	h := newHarness(t)
	sw := h.start(2)
	if err := h.mgr.RunItem(h.ctx, sw.TaskID, ItemJob{Index: 0, ChildID: "someone-else"}); err != nil {
		t.Fatal(err)
	}
	if got := h.get(sw.TaskID).SwarmDetails.CompletedAgents; got != 0 {
		t.Fatalf("completed_agents = %d, want 0", got)
	}
}

func TestJoinRescheduledAfterLostSchedule(t *testing.T) {
	h := newHarness(t)
	sw := h.start(2)
	jobs := h.itemJobs(sw.TaskID)
	h.queue.failJoins = 1

	if err := h.mgr.RunItem(h.ctx, sw.TaskID, jobs[0]); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.RunItem(h.ctx, sw.TaskID, jobs[1]); err == nil {
		t.Fatal("expected the lost join schedule to surface")
	}
	if n := len(h.jobs(sw.TaskID, scheduler.KindJoin)); n != 0 {
		t.Fatalf("join jobs = %d, want 0", n)
	}

	// Redelivery of the last item finds JoinFired without a queued join.
	if err := h.mgr.RunItem(h.ctx, sw.TaskID, jobs[1]); err != nil {
		t.Fatal(err)
	}
	if n := len(h.jobs(sw.TaskID, scheduler.KindJoin)); n != 1 {
		t.Fatalf("join jobs = %d, want 1", n)
	}
	h.drain()
	if got := h.get(sw.TaskID).Status; got != task.StatusCompleted {
		t.Fatalf("status = %s", got)
	}
	if worker, _ := h.calls(); worker != 2 {
		t.Errorf("worker calls = %d, want 2", worker)
	}
}

func TestJoin_SynthFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.synthErr = errors.New("model down")
	sw := h.start(2)
	h.drain()

	got := h.get(sw.TaskID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	var agg Aggregate
	json.Unmarshal(got.Result, &agg)
	if string(agg.Summary) != "null" || len(agg.Items) != 2 {
		t.Errorf("aggregate = %s", got.Result)
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name  string
		goal  string
		items []json.RawMessage
		want  error
	}{
		{"no items", "goal", nil, ErrNoItems},
		{"blank goal", "   ", []json.RawMessage{json.RawMessage(`1`)}, nil},
		{"bad item", "goal", []json.RawMessage{json.RawMessage(`{`)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.mgr.Create(h.ctx, "u1", tt.goal, tt.items, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreate_GroupsAssignPrompts(t *testing.T) {
	h := newHarness(t)
	items := []json.RawMessage{json.RawMessage(`{"n":0}`), json.RawMessage(`{"n":1}`)}
	groups := []task.WorkerGroup{
		{ItemIndices: []int{0}, WorkerPrompt: "email them", RequiredTools: []string{"gmail"}},
		{ItemIndices: []int{1}, WorkerPrompt: "post in slack", RequiredTools: []string{"slack"}},
	}
	sw, err := h.mgr.Create(h.ctx, "u1", "notify suppliers", items, groups)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Start(h.ctx, sw.TaskID); err != nil {
		t.Fatal(err)
	}
	d := h.get(sw.TaskID).SwarmDetails
	child := h.get(d.Results[1].SubTaskID)
	if child.OriginalContext.WorkerPrompt != "post in slack" || child.OriginalContext.RequiredTools[0] != "slack" {
		t.Errorf("child context = %+v", child.OriginalContext)
	}
}

func TestLLMItemWorker(t *testing.T) {
	var req brain.LLMRequest
	llm := brain.ProviderFunc(func(_ context.Context, r brain.LLMRequest) (*brain.LLMResponse, error) {
		req = r
		return &brain.LLMResponse{Content: "```json\n{\"price\": 12}\n```", CostUSD: 0.02}, nil
	})
	b := budget.New(10, 100)
	w := NewLLMItemWorker(llm, executor.NewToolRegistry([]string{"gmail"}), "gpt-test", b)

	out, err := w.Run(context.Background(), ItemInput{
		Goal:         "compare prices",
		Item:         json.RawMessage(`{"sku":"a1"}`),
		WorkerPrompt: "Find the price.",
		Tools:        []string{"gmail", "slack", "internet_search"},
		TaskID:       "child-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"price": 12}` {
		t.Errorf("result = %s", out)
	}
	prompt := req.Messages[1].Content
	if !strings.Contains(prompt, "Tools you may use: gmail, internet_search") {
		t.Errorf("prompt tools wrong:\n%s", prompt)
	}
	if strings.Contains(prompt, "slack") {
		t.Error("disconnected tool offered to worker")
	}
	if req.MaxTokens != 1024 || req.Model != "gpt-test" {
		t.Errorf("request = %+v", req)
	}
	if got := b.TaskSpend("child-1"); got != 0.02 {
		t.Errorf("task spend = %v", got)
	}
}

func TestLLMSynthesizer(t *testing.T) {
	llm := brain.ProviderFunc(func(_ context.Context, r brain.LLMRequest) (*brain.LLMResponse, error) {
		if !strings.Contains(r.Messages[1].Content, `"error":"timeout"`) {
			t.Errorf("failed item missing from prompt: %s", r.Messages[1].Content)
		}
		return &brain.LLMResponse{Content: "Two suppliers answered."}, nil
	})
	s := NewLLMSynthesizer(llm, "")
	out, err := s.Synthesize(context.Background(), "ask suppliers", []task.ItemResult{
		{Index: 0, Reported: true, Result: json.RawMessage(`"ok"`)},
		{Index: 1, Reported: true, Error: "timeout"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `"Two suppliers answered."` {
		t.Errorf("out = %s", out)
	}
}
