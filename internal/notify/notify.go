// Package notify pushes best-effort messages to captain consoles.
package notify

import (
	"context"
	"errors"
	"time"
)

var ErrNoSession = errors.New("notify: no session for captain")

type Message struct {
	Type   string    `json:"type"`
	RideID string    `json:"rideId,omitempty"`
	Text   string    `json:"text,omitempty"`
	Data   any       `json:"data,omitempty"`
	At     time.Time `json:"at"`
}

const (
	TypeBroadcast     = "broadcast"
	TypeRideAssigned  = "ride_assigned"
	TypeRideCancelled = "ride_cancelled"
	TypeBackupRequest = "backup_request"
)

type Notifier interface {
	Notify(ctx context.Context, captainID string, m Message) error
}

// Chain tries each notifier in order until one delivers.
type Chain []Notifier

func (c Chain) Notify(ctx context.Context, captainID string, m Message) error {
	errs := make([]error, 0, len(c))
	for _, n := range c {
		if n == nil {
			continue
		}
		err := n.Notify(ctx, captainID, m)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrNoSession
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Notify(context.Context, string, Message) error { return nil }
