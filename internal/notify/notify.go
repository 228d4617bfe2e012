// Package notify delivers user notifications emitted by the orchestrator on
// suspension and on terminal transitions.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/overhuman/longform/internal/observability"
)

// Type identifies what a notification is about.
type Type string

const (
	TypeSuspendedForApproval Type = "taskSuspendedForSubtaskApproval"
	TypeNeedsClarification   Type = "taskNeedsClarification"
	TypeCompleted            Type = "taskCompleted"
	TypeFailed               Type = "taskFailed"
)

// Notification is one message for a user about a task.
type Notification struct {
	UserID    string         `json:"user_id"`
	Message   string         `json:"message"`
	TaskID    string         `json:"task_id"`
	Type      Type           `json:"notification_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notifier delivers notifications. Delivery failures never roll back the
// transition that produced the notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	log *observability.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *observability.Logger) *LogNotifier {
	return &LogNotifier{log: log.Component("notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.log.Info("notification",
		"user_id", n.UserID,
		"task_id", n.TaskID,
		"type", string(n.Type),
		"message", n.Message,
	)
	return nil
}

// Hub is an in-process per-user pub/sub. Slow subscribers miss messages
// rather than block the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Notification]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan Notification]struct{}{}}
}

// Subscribe returns a channel of notifications for userID and a function
// that unsubscribes and closes it.
func (h *Hub) Subscribe(userID string) (<-chan Notification, func()) {
	ch := make(chan Notification, 16)
	h.mu.Lock()
	set := h.subs[userID]
	if set == nil {
		set = map[chan Notification]struct{}{}
		h.subs[userID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[userID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, userID)
				}
			}
			close(ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Notify(_ context.Context, n Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[n.UserID] {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, x := range m {
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu  sync.Mutex
	all []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, n)
	return nil
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.all...)
}

// OfType returns the recorded notifications of type t.
func (r *Recorder) OfType(t Type) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// MarshalJSONLine renders n as one JSON line for CLI output.
func MarshalJSONLine(n Notification) string {
	b, err := json.Marshal(n)
	if err != nil {
		return ""
	}
	return string(b)
}
