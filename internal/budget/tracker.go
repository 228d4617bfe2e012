// Package budget tracks provider spend for the orchestrator.
//
// Every decision-oracle, completion-judge and worker call is charged against
// the task that caused it. When the daily or monthly limit is exhausted the
// orchestrator defers cycles instead of failing tasks.
package budget

import (
	"fmt"
	"sync"
	"time"
)

// Tracker records spending and enforces limits. Thread-safe.
type Tracker struct {
	mu sync.RWMutex

	dailyLimit   float64
	monthlyLimit float64

	dailySpend   float64
	monthlySpend float64
	totalSpend   float64

	taskSpend map[string]float64
	dayKey    string // "2006-01-02", reset when the date changes
	monthKey  string // "2006-01", reset when the month changes

	now func() time.Time
}

// New creates a budget tracker with the given limits.
// Pass 0 for no limit.
func New(dailyLimit, monthlyLimit float64) *Tracker {
	return NewWithClock(dailyLimit, monthlyLimit, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(dailyLimit, monthlyLimit float64, now func() time.Time) *Tracker {
	t := now()
	return &Tracker{
		dailyLimit:   dailyLimit,
		monthlyLimit: monthlyLimit,
		taskSpend:    make(map[string]float64),
		dayKey:       t.Format("2006-01-02"),
		monthKey:     t.Format("2006-01"),
		now:          now,
	}
}

// Record records a cost against a task ID. A nil tracker ignores it.
func (t *Tracker) Record(taskID string, costUSD float64) {
	if t == nil || costUSD <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maybeReset()

	t.dailySpend += costUSD
	t.monthlySpend += costUSD
	t.totalSpend += costUSD
	t.taskSpend[taskID] += costUSD
}

// CanSpend returns true if spending the given amount would stay within limits.
func (t *Tracker) CanSpend(amount float64) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeReset()

	if t.dailyLimit > 0 && t.dailySpend+amount > t.dailyLimit {
		return false
	}
	if t.monthlyLimit > 0 && t.monthlySpend+amount > t.monthlyLimit {
		return false
	}
	return true
}

// Exhausted reports whether no further spend is allowed right now.
func (t *Tracker) Exhausted() bool {
	return !t.CanSpend(0.0001)
}

// Spend is a point-in-time view of the tracker.
type Spend struct {
	Daily   float64 `json:"daily_usd"`
	Monthly float64 `json:"monthly_usd"`
	Total   float64 `json:"total_usd"`
	// DailyRemaining is -1 without a daily limit.
	DailyRemaining float64 `json:"daily_remaining_usd"`
}

// Spend returns current spending after any period reset.
func (t *Tracker) Spend() Spend {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeReset()

	s := Spend{Daily: t.dailySpend, Monthly: t.monthlySpend, Total: t.totalSpend, DailyRemaining: -1}
	if t.dailyLimit > 0 {
		s.DailyRemaining = max(t.dailyLimit-t.dailySpend, 0)
	}
	return s
}

// TaskSpend returns spending for a specific task.
func (t *Tracker) TaskSpend(taskID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.taskSpend[taskID]
}

// BudgetStatus returns a human-readable status string.
func (t *Tracker) BudgetStatus() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	daily := "unlimited"
	if t.dailyLimit > 0 {
		daily = fmt.Sprintf("$%.4f / $%.2f (%.0f%%)", t.dailySpend, t.dailyLimit, t.dailySpend/t.dailyLimit*100)
	}
	monthly := "unlimited"
	if t.monthlyLimit > 0 {
		monthly = fmt.Sprintf("$%.4f / $%.2f (%.0f%%)", t.monthlySpend, t.monthlyLimit, t.monthlySpend/t.monthlyLimit*100)
	}
	return fmt.Sprintf("daily=%s monthly=%s total=$%.4f", daily, monthly, t.totalSpend)
}

// maybeReset resets daily/monthly counters when the period changes.
// Must be called with mu held.
func (t *Tracker) maybeReset() {
	now := t.now()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	if day != t.dayKey {
		t.dailySpend = 0
		t.dayKey = day
	}
	if month != t.monthKey {
		t.monthlySpend = 0
		t.monthKey = month
	}
}
