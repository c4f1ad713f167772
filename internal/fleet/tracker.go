// Package fleet owns captain availability and positions.
package fleet

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/example/boat-dispatch/internal/apperr"
	"github.com/example/boat-dispatch/internal/events"
	"github.com/example/boat-dispatch/internal/geo"
	"github.com/example/boat-dispatch/internal/models"
	"github.com/example/boat-dispatch/internal/observability"
	"github.com/example/boat-dispatch/internal/storage"
)

// manualTransitions are the status changes a captain may make from the
// console. Busy and the emergency states are entered by dispatch and
// escalation only.
var manualTransitions = map[models.CaptainStatus][]models.CaptainStatus{
	models.CaptainOffline:           {models.CaptainAvailable},
	models.CaptainAvailable:         {models.CaptainOffline},
	models.CaptainEmergencyResponse: {models.CaptainAvailable, models.CaptainOffline},
	models.CaptainEmergency:         {models.CaptainOffline},
}

func manualAllowed(from, to models.CaptainStatus) bool {
	for _, s := range manualTransitions[from] {
		if s == to {
			return models.CanTransitionCaptain(from, to)
		}
	}
	return false
}

type Tracker struct {
	Captains storage.Collection[*models.Captain]
	Index    geo.PositionIndex
	Events   events.Publisher
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewTracker(captains storage.Collection[*models.Captain], index geo.PositionIndex, pub events.Publisher, logger *slog.Logger) *Tracker {
	return &Tracker{Captains: captains, Index: index, Events: pub, Logger: logger, Now: time.Now}
}

// Register adds a captain in the offline state, or refreshes the profile
// fields of an existing one without touching its status.
func (t *Tracker) Register(ctx context.Context, actor models.Actor, c models.Captain) (*models.Captain, error) {
	if !actor.Authenticated() {
		return nil, apperr.Unauthenticated("sign in to register a captain")
	}
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return nil, apperr.InvalidArgument("captain id is required")
	}
	if !actor.ActsForCaptain(c.ID) {
		return nil, apperr.PermissionDenied("cannot register captain %s", c.ID)
	}
	if c.VesselClass == "" {
		c.VesselClass = models.VehicleAny
	} else if _, ok := models.ParseVehicleClass(string(c.VesselClass)); !ok {
		return nil, apperr.InvalidArgument("unknown vessel class %q", c.VesselClass)
	}
	now := t.Now().UTC()

	existing, err := t.Captains.Merge(ctx, c.ID, map[string]any{
		"displayName": c.DisplayName,
		"vesselClass": c.VesselClass,
		"updatedAt":   now,
	})
	if err == nil {
		return existing, nil
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, apperr.WithOp("fleet.register", err)
	}

	c.Status = models.CaptainOffline
	c.CurrentRideID = ""
	c.LastActive = now
	c.UpdatedAt = now
	if c.Stats.Rating == 0 {
		c.Stats.Rating = 5
	}
	if err := t.Captains.Put(ctx, &c); err != nil {
		return nil, apperr.WithOp("fleet.register", err)
	}
	t.Logger.Info("captain registered", "captain_id", c.ID, "vessel_class", c.VesselClass)
	return &c, nil
}

func (t *Tracker) Get(ctx context.Context, captainID string) (*models.Captain, error) {
	return t.Captains.Get(ctx, captainID)
}

// ListByStatus returns captains in any of the given statuses ordered by id.
// No statuses means all captains.
func (t *Tracker) ListByStatus(ctx context.Context, statuses ...models.CaptainStatus) ([]*models.Captain, error) {
	q := storage.Query{}
	if len(statuses) > 0 {
		vals := make([]string, len(statuses))
		for i, s := range statuses {
			vals[i] = string(s)
		}
		q = storage.Where(storage.In("status", vals...))
	}
	return t.Captains.List(ctx, q.Order("id", false))
}

// SetCaptainStatus applies a captain-initiated status change.
func (t *Tracker) SetCaptainStatus(ctx context.Context, actor models.Actor, captainID string, status models.CaptainStatus) (*models.Captain, error) {
	if !actor.Authenticated() {
		return nil, apperr.Unauthenticated("sign in to change captain status")
	}
	if !actor.ActsForCaptain(captainID) {
		return nil, apperr.PermissionDenied("cannot change status of captain %s", captainID)
	}
	if _, ok := models.ParseCaptainStatus(string(status)); !ok {
		return nil, apperr.InvalidArgument("unknown captain status %q", status)
	}

	var from models.CaptainStatus
	changed := false
	c, err := t.Captains.Update(ctx, captainID, func(c *models.Captain) error {
		from = c.Status
		changed = false
		now := t.Now().UTC()
		if c.Status == status {
			c.LastActive = now
			return nil
		}
		if !manualAllowed(c.Status, status) {
			return apperr.Precondition("captain", captainID, string(c.Status)+"->"+string(status), "status change not allowed from the console")
		}
		if status == models.CaptainAvailable && c.CurrentRideID != "" {
			// an emergency leaves the ride on record until operations
			// cancel it
			return apperr.Precondition("captain", captainID, string(c.Status)+"->"+string(status), "captain still holds ride %s", c.CurrentRideID)
		}
		c.Status = status
		c.LastActive = now
		c.UpdatedAt = now
		changed = true
		return nil
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindFailedPrecondition) {
			t.Logger.Warn("captain status rejected", "captain_id", captainID, "from", from, "to", status)
		}
		return nil, apperr.WithOp("fleet.set_status", err)
	}
	if !changed {
		return c, nil
	}
	if status == models.CaptainOffline && t.Index != nil {
		if err := t.Index.Remove(ctx, captainID); err != nil {
			t.Logger.Warn("position index remove failed", "captain_id", captainID, "error", err)
		}
	}
	t.Logger.Info("captain status changed", "captain_id", captainID, "from", from, "to", status, "actor_id", actor.ID)
	events.Emit(ctx, t.Events, events.Event{
		Type:     events.CaptainStatus,
		EntityID: captainID,
		ActorID:  actor.ID,
		Data:     map[string]string{"from": string(from), "to": string(status)},
	})
	return c, nil
}

// UpdateLocation records the captain's last known position. It never
// changes status, so concurrent status transitions are unaffected.
func (t *Tracker) UpdateLocation(ctx context.Context, actor models.Actor, captainID string, pos models.Position) (*models.Captain, error) {
	if !actor.Authenticated() {
		return nil, apperr.Unauthenticated("sign in to report location")
	}
	if !actor.ActsForCaptain(captainID) {
		return nil, apperr.PermissionDenied("cannot report location for captain %s", captainID)
	}
	if err := ValidatePosition(pos); err != nil {
		return nil, err
	}
	now := t.Now().UTC()
	if pos.Timestamp.IsZero() {
		pos.Timestamp = now
	}
	c, err := t.Captains.Merge(ctx, captainID, map[string]any{
		"currentLocation": pos,
		"lastActive":      now,
	})
	if err != nil {
		return nil, apperr.WithOp("fleet.update_location", err)
	}
	observability.LocationUpdates.Inc()
	if t.Index != nil && c.Status != models.CaptainOffline {
		if err := t.Index.Upsert(ctx, captainID, pos); err != nil {
			t.Logger.Warn("position index upsert failed", "captain_id", captainID, "error", err)
		}
	}
	return c, nil
}

func ValidatePosition(p models.Position) error {
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return apperr.InvalidArgument("position out of range: %f,%f", p.Lat, p.Lng)
	}
	if p.Accuracy < 0 {
		return apperr.InvalidArgument("accuracy must be >= 0")
	}
	return nil
}
