package budget

import (
	"math"
	"strings"
	"testing"
	"time"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTracker_Record(t *testing.T) {
	tr := New(10.0, 100.0)

	tr.Record("task_1", 0.05)
	tr.Record("task_1", 0.03)
	tr.Record("task_2", 0.10)

	s := tr.Spend()
	if !approx(s.Daily, 0.18) || !approx(s.Monthly, 0.18) || !approx(s.Total, 0.18) {
		t.Errorf("spend = %+v, want 0.18 everywhere", s)
	}
	if !approx(tr.TaskSpend("task_1"), 0.08) {
		t.Errorf("TaskSpend(task_1) = %f, want 0.08", tr.TaskSpend("task_1"))
	}
}

func TestTracker_Record_IgnoresNonPositive(t *testing.T) {
	tr := New(0, 0)
	tr.Record("t", 0)
	tr.Record("t", -1)
	if got := tr.Spend().Total; got != 0 {
		t.Errorf("total = %f", got)
	}
}

func TestTracker_CanSpend(t *testing.T) {
	tr := New(1.0, 10.0)

	if !tr.CanSpend(0.5) {
		t.Error("should be able to spend 0.5")
	}
	tr.Record("t", 0.8)
	if !tr.CanSpend(0.1) {
		t.Error("should still be able to spend 0.1")
	}
	if tr.CanSpend(0.3) {
		t.Error("should NOT be able to spend 0.3")
	}
}

func TestTracker_CanSpend_MonthlyLimit(t *testing.T) {
	tr := New(0, 0.50)
	tr.Record("t", 0.40)

	if !tr.CanSpend(0.05) {
		t.Error("should be able to spend 0.05")
	}
	if tr.CanSpend(0.20) {
		t.Error("should NOT be able to spend 0.20")
	}
}

func TestTracker_Unlimited(t *testing.T) {
	tr := New(0, 0)
	tr.Record("t", 999.0)
	if tr.Exhausted() {
		t.Error("unlimited budget is never exhausted")
	}
	if got := tr.Spend().DailyRemaining; got != -1 {
		t.Errorf("remaining = %f, want -1", got)
	}
}

func TestTracker_Exhausted_ResetsNextDay(t *testing.T) {
	now := time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC)
	tr := NewWithClock(1.0, 0, func() time.Time { return now })

	tr.Record("t", 1.0)
	if !tr.Exhausted() {
		t.Fatal("should be exhausted at the daily limit")
	}

	now = now.Add(2 * time.Hour)
	if tr.Exhausted() {
		t.Error("daily spend should reset on the next day")
	}
	if s := tr.Spend(); s.Daily != 0 || s.Monthly != 1.0 {
		t.Errorf("spend after day rollover = %+v", s)
	}
}

func TestTracker_DailyRemaining(t *testing.T) {
	tr := New(5.0, 100.0)
	tr.Record("t", 3.0)
	if got := tr.Spend().DailyRemaining; got != 2.0 {
		t.Errorf("remaining = %f, want 2.0", got)
	}
	tr.Record("t", 3.0)
	if got := tr.Spend().DailyRemaining; got != 0 {
		t.Errorf("remaining = %f, want 0", got)
	}
}

func TestTracker_Nil(t *testing.T) {
	var tr *Tracker
	tr.Record("t", 1)
	if !tr.CanSpend(1) {
		t.Error("nil tracker allows spending")
	}
}

func TestTracker_BudgetStatus(t *testing.T) {
	tr := New(5.0, 50.0)
	tr.Record("t", 1.5)

	status := tr.BudgetStatus()
	for _, want := range []string{"daily=", "monthly=", "total="} {
		if !strings.Contains(status, want) {
			t.Errorf("status missing %q: %s", want, status)
		}
	}
	if !strings.Contains(New(0, 0).BudgetStatus(), "unlimited") {
		t.Error("unlimited status should say unlimited")
	}
}
