// Package events publishes domain events describing committed state
// changes. Publishing is best effort: the store remains the source of truth
// and consumers must tolerate duplicates and gaps.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/example/boat-dispatch/internal/observability"
)

const (
	RideRequested     = "ride.requested"
	RideAssigned      = "ride.assigned"
	RideStarted       = "ride.started"
	RideCompleted     = "ride.completed"
	RideDeclined      = "ride.declined"
	RideCancelled     = "ride.cancelled"
	CaptainStatus     = "captain.status"
	EmergencyReported = "emergency.reported"
	BackupDispatched  = "emergency.backup_dispatched"
	EmergencyResolved = "emergency.resolved"
	TicketEscalated   = "ticket.escalated"
	TicketAssigned    = "ticket.assigned"
	TicketResolved    = "ticket.resolved"
	Broadcast         = "operations.broadcast"
	Reconciled        = "reconcile.repaired"
)

type Event struct {
	Type     string    `json:"type"`
	EntityID string    `json:"entityId"`
	ActorID  string    `json:"actorId,omitempty"`
	At       time.Time `json:"at"`
	Data     any       `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emit publishes ev and records the outcome; errors are only counted since
// the state change it describes has already committed.
func Emit(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	result := "ok"
	if err := p.Publish(ctx, ev); err != nil {
		result = "error"
	}
	observability.EventsPublished.WithLabelValues(ev.Type, result).Inc()
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event types in publish order.
func (r *Recorder) Types() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
