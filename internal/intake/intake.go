// Package intake validates and persists new ride requests. It is the only
// code path that creates rides.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/example/boat-dispatch/internal/apperr"
	"github.com/example/boat-dispatch/internal/events"
	"github.com/example/boat-dispatch/internal/models"
	"github.com/example/boat-dispatch/internal/observability"
	"github.com/example/boat-dispatch/internal/storage"
)

const (
	MsgSubmitted = "Ride request submitted successfully!"
	MsgDuplicate = "Ride request already submitted"
)

type RideRequest struct {
	Pickup         string
	Dropoff        string
	VehicleClass   string
	IdempotencyKey string
}

type Receipt struct {
	RideID    string `json:"rideId"`
	Message   string `json:"message"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type Service struct {
	Rides  storage.Collection[*models.Ride]
	Dedup  Deduper // nil disables duplicate suppression
	Window time.Duration
	Events events.Publisher
	Logger *slog.Logger
	Now    func() time.Time
}

func NewService(rides storage.Collection[*models.Ride], dedup Deduper, window time.Duration, pub events.Publisher, logger *slog.Logger) *Service {
	return &Service{Rides: rides, Dedup: dedup, Window: window, Events: pub, Logger: logger, Now: time.Now}
}

// SubmitRideRequest validates req on behalf of the rider and creates a
// pending ride.
func (s *Service) SubmitRideRequest(ctx context.Context, rider models.Actor, req RideRequest) (Receipt, error) {
	if !rider.Authenticated() {
		return Receipt{}, apperr.Unauthenticated("the function must be called while authenticated")
	}
	pickup := strings.TrimSpace(req.Pickup)
	dropoff := strings.TrimSpace(req.Dropoff)
	if pickup == "" || dropoff == "" || strings.TrimSpace(req.VehicleClass) == "" {
		return Receipt{}, apperr.InvalidArgument("missing ride details: pickup, dropoff and boat type are required")
	}
	class, ok := models.ParseVehicleClass(req.VehicleClass)
	if !ok {
		return Receipt{}, apperr.InvalidArgument("unknown boat type %q", req.VehicleClass)
	}

	key := dedupKey(rider.ID, pickup, dropoff, class, req.IdempotencyKey)
	reserved := false
	if s.Dedup != nil && s.Window > 0 {
		existing, ok, err := s.Dedup.Reserve(ctx, key, s.Window)
		switch {
		case err != nil:
			// duplicate suppression is best effort; never block intake on it
			s.Logger.Warn("ride dedup unavailable", "rider_id", rider.ID, "error", err)
		case !ok && existing != "":
			observability.DuplicateRequests.Inc()
			return Receipt{RideID: existing, Message: MsgDuplicate, Duplicate: true}, nil
		case !ok:
			observability.DuplicateRequests.Inc()
			return Receipt{}, apperr.Precondition("ride", "", "submit", "an identical request is still being processed")
		default:
			reserved = true
		}
	}

	now := s.Now().UTC()
	ride := &models.Ride{
		RiderID:        rider.ID,
		Pickup:         pickup,
		Dropoff:        dropoff,
		VehicleClass:   class,
		Status:         models.RidePending,
		FareEstimate:   models.FareEstimate(class),
		IdempotencyKey: req.IdempotencyKey,
		RequestedAt:    now,
		UpdatedAt:      now,
	}
	id, err := s.Rides.Create(ctx, ride)
	if err != nil {
		if reserved && !apperr.IsUnknownOutcome(err) {
			_ = s.Dedup.Release(context.WithoutCancel(ctx), key)
		}
		return Receipt{}, apperr.WithOp("intake.submit", err)
	}
	if reserved {
		if err := s.Dedup.Bind(ctx, key, id, s.Window); err != nil {
			s.Logger.Warn("ride dedup bind failed", "ride_id", id, "error", err)
		}
	}

	observability.RidesRequested.WithLabelValues(string(class)).Inc()
	s.Logger.Info("ride requested", "ride_id", id, "rider_id", rider.ID, "pickup", pickup, "dropoff", dropoff, "vehicle_class", class)
	events.Emit(ctx, s.Events, events.Event{Type: events.RideRequested, EntityID: id, ActorID: rider.ID, At: now, Data: ride})
	return Receipt{RideID: id, Message: MsgSubmitted}, nil
}

// dedupKey prefers the client's idempotency token; otherwise identical
// trips from the same rider collapse within the window.
func dedupKey(riderID, pickup, dropoff string, class models.VehicleClass, token string) string {
	if token != "" {
		return "ride:idem:" + riderID + ":" + token
	}
	h := sha256.New()
	for _, part := range []string{riderID, strings.ToLower(pickup), strings.ToLower(dropoff), string(class)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "ride:dedup:" + hex.EncodeToString(h.Sum(nil))
}
