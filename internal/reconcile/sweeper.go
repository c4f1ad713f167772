// Package reconcile repairs ride/captain pairs left inconsistent by a
// crash or lost write between the two halves of a dispatch transition.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/boat-dispatch/internal/apperr"
	"github.com/example/boat-dispatch/internal/events"
	"github.com/example/boat-dispatch/internal/models"
	"github.com/example/boat-dispatch/internal/observability"
	"github.com/example/boat-dispatch/internal/storage"
)

const (
	RepairCaptainClaimed  = "captain_claimed"
	RepairRideRequeued    = "ride_requeued"
	RepairCaptainReleased = "captain_released"
	RepairConflict        = "conflict"
)

type Report struct {
	CaptainsClaimed  int `json:"captainsClaimed"`
	RidesRequeued    int `json:"ridesRequeued"`
	CaptainsReleased int `json:"captainsReleased"`
	Conflicts        int `json:"conflicts"`
}

func (r Report) Total() int {
	return r.CaptainsClaimed + r.RidesRequeued + r.CaptainsReleased
}

type Sweeper struct {
	Rides    storage.Collection[*models.Ride]
	Captains storage.Collection[*models.Captain]
	Events   events.Publisher
	Logger   *slog.Logger
	Interval time.Duration
	// Grace skips documents touched more recently than this so in-flight
	// transitions are not mistaken for anomalies.
	Grace time.Duration
	Now   func() time.Time
}

func NewSweeper(rides storage.Collection[*models.Ride], captains storage.Collection[*models.Captain], pub events.Publisher, logger *slog.Logger, interval, grace time.Duration) *Sweeper {
	return &Sweeper{Rides: rides, Captains: captains, Events: pub, Logger: logger, Interval: interval, Grace: grace, Now: time.Now}
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, s.Interval)
			if _, err := s.SweepOnce(sweepCtx); err != nil {
				s.Logger.Warn("reconcile sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// errSkip aborts a repair whose guard no longer holds.
var errSkip = errors.New("reconcile: state changed, skipping")

// SweepOnce runs a single pass over live rides and captains holding a ride.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() { observability.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	var rep Report
	cutoff := s.Now().UTC().Add(-s.Grace)

	rides, err := s.Rides.List(ctx, storage.Where(storage.In("status", string(models.RideAssigned), string(models.RideActive))))
	if err != nil {
		return rep, apperr.WithOp("reconcile.rides", err)
	}
	var errs []error
	for _, r := range rides {
		if r.EmergencyID != "" || r.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.repairRide(ctx, r, cutoff, &rep); err != nil {
			errs = append(errs, err)
		}
	}

	captains, err := s.Captains.List(ctx, storage.Query{})
	if err != nil {
		return rep, apperr.WithOp("reconcile.captains", err)
	}
	for _, c := range captains {
		if c.UpdatedAt.After(cutoff) {
			continue
		}
		if c.CurrentRideID == "" && c.Status != models.CaptainBusy {
			continue
		}
		if err := s.repairCaptain(ctx, c, &rep); err != nil {
			errs = append(errs, err)
		}
	}

	if rep.Total() > 0 || rep.Conflicts > 0 {
		s.Logger.Info("reconcile sweep repaired state",
			"captains_claimed", rep.CaptainsClaimed,
			"rides_requeued", rep.RidesRequeued,
			"captains_released", rep.CaptainsReleased,
			"conflicts", rep.Conflicts)
	}
	return rep, errors.Join(errs...)
}

// repairRide makes the captain of a live ride point back at it, or returns
// the ride to the pool when the captain is committed elsewhere.
func (s *Sweeper) repairRide(ctx context.Context, r *models.Ride, cutoff time.Time, rep *Report) error {
	c, err := s.Captains.Get(ctx, r.CaptainID)
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return err
	}
	if c != nil && c.CurrentRideID == r.ID {
		return nil
	}
	if c != nil && c.UpdatedAt.After(cutoff) {
		return nil
	}
	now := s.Now().UTC()

	if c != nil && c.Status == models.CaptainAvailable && c.CurrentRideID == "" {
		_, err := s.Captains.Update(ctx, c.ID, func(c *models.Captain) error {
			if c.Status != models.CaptainAvailable || c.CurrentRideID != "" {
				return errSkip
			}
			c.Status = models.CaptainBusy
			c.CurrentRideID = r.ID
			c.UpdatedAt = now
			return nil
		})
		if errors.Is(err, errSkip) {
			return nil
		}
		if err != nil {
			return err
		}
		rep.CaptainsClaimed++
		s.record(ctx, RepairCaptainClaimed, r.ID, r.CaptainID)
		return nil
	}

	// The captain is gone, committed to another ride, or in a state that
	// cannot take this one. An active ride cannot be handed back.
	if r.Status != models.RideAssigned {
		rep.Conflicts++
		observability.ReconcileRepairs.WithLabelValues(RepairConflict).Inc()
		s.Logger.Error("active ride without its captain needs operations", "ride_id", r.ID, "captain_id", r.CaptainID, "transition", "reconcile")
		return nil
	}
	_, err = s.Rides.Update(ctx, r.ID, func(cur *models.Ride) error {
		if cur.Status != models.RideAssigned || cur.CaptainID != r.CaptainID || cur.EmergencyID != "" {
			return errSkip
		}
		cur.Requeue(now)
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	rep.RidesRequeued++
	s.record(ctx, RepairRideRequeued, r.ID, r.CaptainID)
	return nil
}

// repairCaptain clears a captain's hold on a ride that is no longer live
// for it, freeing a busy captain.
func (s *Sweeper) repairCaptain(ctx context.Context, c *models.Captain, rep *Report) error {
	if c.CurrentRideID != "" {
		r, err := s.Rides.Get(ctx, c.CurrentRideID)
		if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
			return err
		}
		if r != nil && r.Status.Live() && r.CaptainID == c.ID {
			return nil
		}
	}
	held := c.CurrentRideID
	now := s.Now().UTC()
	_, err := s.Captains.Update(ctx, c.ID, func(cur *models.Captain) error {
		if cur.CurrentRideID != held || (held == "" && cur.Status != models.CaptainBusy) {
			return errSkip
		}
		if cur.Status == models.CaptainBusy {
			cur.Status = models.CaptainAvailable
		}
		cur.CurrentRideID = ""
		cur.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	rep.CaptainsReleased++
	s.record(ctx, RepairCaptainReleased, held, c.ID)
	return nil
}

func (s *Sweeper) record(ctx context.Context, kind, rideID, captainID string) {
	observability.ReconcileRepairs.WithLabelValues(kind).Inc()
	s.Logger.Warn("reconciled inconsistent ride/captain pair", "kind", kind, "ride_id", rideID, "captain_id", captainID)
	events.Emit(ctx, s.Events, events.Event{
		Type:     events.Reconciled,
		EntityID: rideID,
		ActorID:  models.SystemActor.ID,
		Data:     map[string]string{"kind": kind, "captainId": captainID},
	})
}
