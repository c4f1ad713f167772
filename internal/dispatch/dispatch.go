// Package dispatch drives rides through their lifecycle and keeps the
// assigned captain's status in step.
//
// Every trigger is at most two conditional updates: the ride first, the
// captain second. The store has no cross-document transactions, so a
// captain step that fails its guard after the ride step committed is
// compensated, and anything left inconsistent by a crash in between is
// repaired by the reconcile sweeper.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/example/boat-dispatch/internal/apperr"
	"github.com/example/boat-dispatch/internal/events"
	"github.com/example/boat-dispatch/internal/models"
	"github.com/example/boat-dispatch/internal/notify"
	"github.com/example/boat-dispatch/internal/observability"
	"github.com/example/boat-dispatch/internal/storage"
)

const (
	TriggerAccept   = "accept"
	TriggerStart    = "start"
	TriggerComplete = "complete"
	TriggerDecline  = "decline"
	TriggerCancel   = "cancel"
)

type Engine struct {
	Rides    storage.Collection[*models.Ride]
	Captains storage.Collection[*models.Captain]
	Events   events.Publisher
	Notifier notify.Notifier
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewEngine(rides storage.Collection[*models.Ride], captains storage.Collection[*models.Captain], pub events.Publisher, n notify.Notifier, logger *slog.Logger) *Engine {
	return &Engine{Rides: rides, Captains: captains, Events: pub, Notifier: n, Logger: logger, Now: time.Now}
}

func (e *Engine) now() time.Time { return e.Now().UTC() }

func (e *Engine) observe(trigger string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	observability.RideTransitions.WithLabelValues(trigger, outcome).Inc()
}

// updateRide applies mutate and, if the write's outcome is unknown,
// re-reads the ride and accepts it when landed reports the change is
// visible.
func (e *Engine) updateRide(ctx context.Context, id string, mutate func(*models.Ride) error, landed func(*models.Ride) bool) (*models.Ride, error) {
	r, err := e.Rides.Update(ctx, id, mutate)
	if err == nil || !apperr.IsUnknownOutcome(err) {
		return r, err
	}
	cur, gerr := e.Rides.Get(ctx, id)
	if gerr == nil && landed(cur) {
		return cur, nil
	}
	return nil, err
}

func (e *Engine) updateCaptain(ctx context.Context, id string, mutate func(*models.Captain) error, landed func(*models.Captain) bool) (*models.Captain, error) {
	c, err := e.Captains.Update(ctx, id, mutate)
	if err == nil || !apperr.IsUnknownOutcome(err) {
		return c, err
	}
	cur, gerr := e.Captains.Get(ctx, id)
	if gerr == nil && landed(cur) {
		return cur, nil
	}
	return nil, err
}

// AcceptRide assigns a pending ride to an available captain. Of several
// concurrent accepts for one ride exactly one succeeds.
func (e *Engine) AcceptRide(ctx context.Context, actor models.Actor, rideID, captainID string) (r *models.Ride, err error) {
	defer func() { e.observe(TriggerAccept, err) }()
	if !actor.Authenticated() {
		return nil, apperr.Unauthenticated("sign in to accept rides")
	}
	if !actor.ActsForCaptain(captainID) {
		return nil, apperr.PermissionDenied("cannot accept rides for captain %s", captainID)
	}

	// Cheap pre-check so an obviously unavailable captain never touches the
	// ride. The captain step below re-checks under its own guard.
	c, err := e.Captains.Get(ctx, captainID)
	if err != nil {
		return nil, apperr.WithOp("dispatch.accept", err)
	}
	if err := canTakeRide(c, rideID); err != nil {
		return nil, e.fail(TriggerAccept, rideID, captainID, err)
	}

	now := e.now()
	r, err = e.updateRide(ctx, rideID, func(r *models.Ride) error {
		if r.Status == models.RideAssigned && r.CaptainID == captainID {
			return nil
		}
		if r.Status != models.RidePending || r.CaptainID != "" {
			return apperr.Precondition("ride", rideID, TriggerAccept, "ride is %s", r.Status)
		}
		r.Assign(captainID, now)
		return nil
	}, func(r *models.Ride) bool { return r.Status == models.RideAssigned && r.CaptainID == captainID })
	if err != nil {
		if apperr.IsKind(err, apperr.KindFailedPrecondition) {
			observability.AcceptConflicts.Inc()
		}
		return nil, e.fail(TriggerAccept, rideID, captainID, err)
	}

	_, err = e.updateCaptain(ctx, captainID, func(c *models.Captain) error {
		if c.CurrentRideID == rideID && c.Status == models.CaptainBusy {
			return nil
		}
		if err := canTakeRide(c, rideID); err != nil {
			return err
		}
		c.Status = models.CaptainBusy
		c.CurrentRideID = rideID
		c.LastActive = now
		c.UpdatedAt = now
		c.RecordAcceptance()
		return nil
	}, func(c *models.Captain) bool { return c.CurrentRideID == rideID && c.Status == models.CaptainBusy })
	if err != nil {
		e.compensateAccept(ctx, rideID, captainID)
		return nil, e.fail(TriggerAccept, rideID, captainID, err)
	}

	e.Logger.Info("ride assigned", "ride_id", rideID, "captain_id", captainID, "actor_id", actor.ID)
	events.Emit(ctx, e.Events, events.Event{Type: events.RideAssigned, EntityID: rideID, ActorID: actor.ID, At: now, Data: r})
	return r, nil
}

// canTakeRide is the captain half of the accept guard: the captain is
// either already busy with rideID or available with no ride on record. A
// captain still pointing at a ride, flagged by an emergency or not, cannot
// take another.
func canTakeRide(c *models.Captain, rideID string) error {
	if c.Status == models.CaptainBusy && c.CurrentRideID == rideID {
		return nil
	}
	if c.CurrentRideID != "" {
		return apperr.Precondition("captain", c.ID, TriggerAccept, "captain still holds ride %s", c.CurrentRideID)
	}
	if c.Status != models.CaptainAvailable || !models.CanTransitionCaptain(c.Status, models.CaptainBusy) {
		return apperr.Precondition("captain", c.ID, TriggerAccept, "captain is %s", c.Status)
	}
	return nil
}

// compensateAccept returns the ride to pending after the captain step
// failed, but only if the ride still belongs to this captain.
func (e *Engine) compensateAccept(ctx context.Context, rideID, captainID string) {
	ctx = context.WithoutCancel(ctx)
	_, err := e.updateRide(ctx, rideID, func(r *models.Ride) error {
		if r.Status != models.RideAssigned || r.CaptainID != captainID {
			return apperr.Precondition("ride", rideID, "compensate-accept", "ride no longer held by %s", captainID)
		}
		r.Requeue(e.now())
		return nil
	}, func(r *models.Ride) bool { return r.Status == models.RidePending || r.CaptainID != captainID })
	e.recordCompensation(TriggerAccept, rideID, captainID, err)
}

func (e *Engine) recordCompensation(trigger, rideID, captainID string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case apperr.IsKind(err, apperr.KindFailedPrecondition):
		result = "skipped"
	default:
		result = "failed"
		e.Logger.Error("compensation failed; left for reconcile", "ride_id", rideID, "captain_id", captainID, "transition", trigger, "error", err)
	}
	observability.Compensations.WithLabelValues(trigger, result).Inc()
}

// StartRide marks the assigned ride as underway.
func (e *Engine) StartRide(ctx context.Context, actor models.Actor, rideID string) (r *models.Ride, err error) {
	defer func() { e.observe(TriggerStart, err) }()
	if !actor.Authenticated() {
		return nil, apperr.Unauthenticated("sign in to start rides")
	}
	now := e.now()
	r, err = e.updateRide(ctx, rideID, func(r *models.Ride) error {
		if r.CaptainID == "" {
			return apperr.Precondition("ride", rideID, TriggerStart, "ride is %s", r.Status)
		}
		if !actor.ActsForCaptain(r.CaptainID) {
			return apperr.PermissionDenied("only the assigned captain can start ride %s", rideID)
		}
		if r.Status != models.RideAssigned {
			return apperr.Precondition("ride", rideID, TriggerStart, "ride is %s", r.Status)
		}
		r.Status = models.RideActive
		r.StartedAt = &now
		r.UpdatedAt = now
		return nil
	}, func(r *models.Ride) bool { return r.Status == models.RideActive })
	if err != nil {
		return nil, e.fail(TriggerStart, rideID, "", err)
	}
	e.Logger.Info("ride started", "ride_id", rideID, "captain_id", r.CaptainID)
	events.Emit(ctx, e.Events, events.Event{Type: events.RideStarted, EntityID: rideID, ActorID: actor.ID, At: now, Data: r})
	return r, nil
}

// CompleteRide finishes an active ride and frees the captain.
func (e *Engine) CompleteRide(ctx context.Context, actor models.Actor, rideID string) (r *models.Ride, err error) {
	defer func() { e.observe(TriggerComplete, err) }()
	if !actor.Authenticated() {
		return nil, apperr.Unauthenticated("sign in to complete rides")
	}
	now := e.now()
	r, err = e.updateRide(ctx, rideID, func(r *models.Ride) error {
		if r.CaptainID == "" {
			return apperr.Precondition("ride", rideID, TriggerComplete, "ride is %s", r.Status)
		}
		if !actor.ActsForCaptain(r.CaptainID) {
			return apperr.PermissionDenied("only the assigned captain can complete ride %s", rideID)
		}
		if r.Status != models.RideActive {
			return apperr.Precondition("ride", rideID, TriggerComplete, "ride is %s", r.Status)
		}
		r.Status = models.RideCompleted
		r.CompletedAt = &now
		r.UpdatedAt = now
		return nil
	}, func(r *models.Ride) bool { return r.Status == models.RideCompleted })
	if err != nil {
		return nil, e.fail(TriggerComplete, rideID, "", err)
	}

	// The ride is terminal and cannot be rolled back; a failed release is
	// left for the sweeper.
	if err := e.releaseCaptain(ctx, r.CaptainID, rideID, TriggerComplete, r.FareEstimate); err != nil {
		e.Logger.Error("captain release failed after completion", "ride_id", rideID, "captain_id", r.CaptainID, "transition", TriggerComplete, "error", err)
	}
	e.Logger.Info("ride completed", "ride_id", rideID, "captain_id", r.CaptainID)
	events.Emit(ctx, e.Events, events.Event{Type: events.RideCompleted, EntityID: rideID, ActorID: actor.ID, At: now, Data: r})
	return r, nil
}

// releaseCaptain moves the captain busy->available if it is still holding
// rideID. A captain that has already moved on is left alone. fare > 0
// records a completed trip.
func (e *Engine) releaseCaptain(ctx context.Context, captainID, rideID, trigger string, fare int64) error {
	if captainID == "" {
		return nil
	}
	now := e.now()
	_, err := e.updateCaptain(ctx, captainID, func(c *models.Captain) error {
		if c.CurrentRideID != rideID {
			return errAlreadyReleased
		}
		if c.Status == models.CaptainBusy {
			c.Status = models.CaptainAvailable
		}
		c.CurrentRideID = ""
		c.LastActive = now
		c.UpdatedAt = now
		if trigger == TriggerComplete {
			c.RecordCompletion(fare)
		}
		return nil
	}, func(c *models.Captain) bool { return c.CurrentRideID != rideID })
	if errors.Is(err, errAlreadyReleased) {
		return nil
	}
	return err
}

var errAlreadyReleased = errors.New("captain no longer holds the ride")

// DeclineRide hands an assigned ride back to the pending pool.
func (e *Engine) DeclineRide(ctx context.Context, actor models.Actor, rideID, captainID string) (r *models.Ride, err error) {
	defer func() { e.observe(TriggerDecline, err) }()
	if !actor.Authenticated() {
		return nil, apperr.Unauthenticated("sign in to decline rides")
	}
	if !actor.ActsForCaptain(captainID) {
		return nil, apperr.PermissionDenied("cannot decline rides for captain %s", captainID)
	}
	now := e.now()
	r, err = e.updateRide(ctx, rideID, func(r *models.Ride) error {
		if r.Status != models.RideAssigned || r.CaptainID != captainID {
			return apperr.Precondition("ride", rideID, TriggerDecline, "ride is %s and not held by %s", r.Status, captainID)
		}
		r.Requeue(now)
		return nil
	}, func(r *models.Ride) bool { return r.Status == models.RidePending || r.CaptainID != captainID })
	if err != nil {
		return nil, e.fail(TriggerDecline, rideID, captainID, err)
	}
	if err := e.releaseCaptain(ctx, captainID, rideID, TriggerDecline, 0); err != nil {
		e.Logger.Error("captain release failed after decline", "ride_id", rideID, "captain_id", captainID, "transition", TriggerDecline, "error", err)
	}
	e.Logger.Info("ride declined", "ride_id", rideID, "captain_id", captainID)
	events.Emit(ctx, e.Events, events.Event{Type: events.RideDeclined, EntityID: rideID, ActorID: actor.ID, At: now, Data: map[string]string{"captainId": captainID}})
	return r, nil
}

// CancelRide ends a ride that has not completed. Riders may cancel their
// own rides; operations may cancel any.
func (e *Engine) CancelRide(ctx context.Context, actor models.Actor, rideID, reason string) (r *models.Ride, err error) {
	defer func() { e.observe(TriggerCancel, err) }()
	if !actor.Authenticated() {
		return nil, apperr.Unauthenticated("sign in to cancel rides")
	}
	reason = strings.TrimSpace(reason)
	now := e.now()
	var held string
	r, err = e.updateRide(ctx, rideID, func(r *models.Ride) error {
		if !actor.Privileged() && !(actor.Role == models.RoleRider && actor.ID == r.RiderID) {
			return apperr.PermissionDenied("cannot cancel ride %s", rideID)
		}
		if r.Status.Terminal() {
			return apperr.Precondition("ride", rideID, TriggerCancel, "ride is %s", r.Status)
		}
		held = ""
		if r.Status.Live() {
			held = r.CaptainID
		}
		r.Status = models.RideCancelled
		r.CancelReason = reason
		r.CancelledAt = &now
		r.UpdatedAt = now
		return nil
	}, func(r *models.Ride) bool { return r.Status == models.RideCancelled })
	if err != nil {
		return nil, e.fail(TriggerCancel, rideID, "", err)
	}
	if held != "" {
		if err := e.releaseCaptain(ctx, held, rideID, TriggerCancel, 0); err != nil {
			e.Logger.Error("captain release failed after cancel", "ride_id", rideID, "captain_id", held, "transition", TriggerCancel, "error", err)
		}
		e.notify(ctx, held, notify.Message{Type: notify.TypeRideCancelled, RideID: rideID, Text: reason, At: now})
	}
	e.Logger.Info("ride cancelled", "ride_id", rideID, "captain_id", held, "reason", reason, "actor_id", actor.ID)
	events.Emit(ctx, e.Events, events.Event{Type: events.RideCancelled, EntityID: rideID, ActorID: actor.ID, At: now, Data: r})
	return r, nil
}

// PendingRides lists unassigned rides, oldest first.
func (e *Engine) PendingRides(ctx context.Context, limit int) ([]*models.Ride, error) {
	q := storage.Where(storage.Eq("status", string(models.RidePending))).Order("requestedAt", false)
	q.Limit = limit
	return e.Rides.List(ctx, q)
}

func (e *Engine) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return e.Rides.Get(ctx, rideID)
}

func (e *Engine) notify(ctx context.Context, captainID string, m notify.Message) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(ctx, captainID, m); err != nil {
		e.Logger.Debug("captain notification not delivered", "captain_id", captainID, "type", m.Type, "error", err)
	}
}

func (e *Engine) fail(trigger, rideID, captainID string, err error) error {
	err = apperr.WithOp("dispatch."+trigger, err)
	switch apperr.KindOf(err) {
	case apperr.KindFailedPrecondition, apperr.KindPermissionDenied, apperr.KindNotFound:
		e.Logger.Warn("ride transition rejected", "ride_id", rideID, "captain_id", captainID, "transition", trigger, "error", err)
	default:
		e.Logger.Error("ride transition failed", "ride_id", rideID, "captain_id", captainID, "transition", trigger, "error", err)
	}
	return err
}
