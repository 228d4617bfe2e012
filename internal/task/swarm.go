package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkerGroup assigns a worker prompt and tool set to a subset of items.
type WorkerGroup struct {
	ItemIndices   []int    `json:"item_indices"`
	WorkerPrompt  string   `json:"worker_prompt"`
	RequiredTools []string `json:"required_tools"`
}

// ItemResult is the terminal report of one swarm item job.
type ItemResult struct {
	Index      int             `json:"index"`
	SubTaskID  string          `json:"sub_task_id,omitempty"`
	Reported   bool            `json:"reported"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ReportedAt *time.Time      `json:"reported_at,omitempty"`
}

// Failed reports whether the item job ended with an error.
func (r ItemResult) Failed() bool { return r.Error != "" }

// SwarmDetails is carried by swarm-type tasks.
type SwarmDetails struct {
	Goal            string            `json:"goal"`
	Items           []json.RawMessage `json:"items"`
	Groups          []WorkerGroup     `json:"groups,omitempty"`
	CompletedAgents int               `json:"completed_agents"`
	Results         []ItemResult      `json:"results,omitempty"`
	JoinFired       bool              `json:"join_fired"`
	RunID           string            `json:"run_id,omitempty"`
}

// ReportItem records the terminal outcome of item idx. It returns false when
// the item was already reported, so duplicate deliveries never count twice.
func (d *SwarmDetails) ReportItem(idx int, result json.RawMessage, errMsg string, now time.Time) (bool, error) {
	if idx < 0 || idx >= len(d.Items) {
		return false, fmt.Errorf("item index %d out of range [0,%d)", idx, len(d.Items))
	}
	if len(d.Results) != len(d.Items) {
		d.ensureResults()
	}
	r := &d.Results[idx]
	if r.Reported {
		return false, nil
	}
	r.Reported = true
	r.Result = result
	r.Error = errMsg
	r.ReportedAt = &now
	if d.CompletedAgents < len(d.Items) {
		d.CompletedAgents++
	}
	return true, nil
}

// AllReported reports whether every item has a terminal result.
func (d *SwarmDetails) AllReported() bool {
	return len(d.Items) > 0 && d.CompletedAgents == len(d.Items)
}

// FailedCount returns the number of items that ended with an error.
func (d *SwarmDetails) FailedCount() int {
	n := 0
	for _, r := range d.Results {
		if r.Failed() {
			n++
		}
	}
	return n
}

func (d *SwarmDetails) ensureResults() {
	res := make([]ItemResult, len(d.Items))
	for i := range res {
		res[i].Index = i
	}
	for _, r := range d.Results {
		if r.Index >= 0 && r.Index < len(res) {
			res[r.Index] = r
		}
	}
	d.Results = res
}

// GroupFor returns the worker group covering item idx. Items not named by any
// group fall back to the first group.
func (d *SwarmDetails) GroupFor(idx int) (WorkerGroup, bool) {
	for _, g := range d.Groups {
		for _, i := range g.ItemIndices {
			if i == idx {
				return g, true
			}
		}
	}
	if len(d.Groups) > 0 {
		return d.Groups[0], true
	}
	return WorkerGroup{}, false
}

// NewSwarm creates a swarm task over items.
func NewSwarm(ownerID, goal string, items []json.RawMessage, groups []WorkerGroup, now time.Time) *Task {
	d := &SwarmDetails{Goal: goal, Items: items, Groups: groups}
	d.ensureResults()
	return &Task{
		TaskID:          NewID(),
		OwnerID:         ownerID,
		Name:            goal,
		Description:     goal,
		TaskType:        TypeSwarm,
		Status:          StatusPending,
		OriginalContext: &OriginalContext{Source: SourceUser},
		SwarmDetails:    d,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// NewSwarmItem creates the child task for item idx of parent.
func NewSwarmItem(parent *Task, idx int, group WorkerGroup, now time.Time) *Task {
	item := parent.SwarmDetails.Items[idx]
	return &Task{
		TaskID:      NewID(),
		OwnerID:     parent.OwnerID,
		Name:        fmt.Sprintf("%s [item %d]", parent.Name, idx),
		Description: group.WorkerPrompt,
		TaskType:    TypeSingle,
		Status:      StatusPending,
		OriginalContext: &OriginalContext{
			Source:        SourceSwarmSubtask,
			ParentTaskID:  parent.TaskID,
			AutoApprove:   true,
			ItemIndex:     idx,
			Item:          item,
			WorkerPrompt:  group.WorkerPrompt,
			RequiredTools: group.RequiredTools,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
