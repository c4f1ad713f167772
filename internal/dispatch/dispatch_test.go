package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/boat-dispatch/internal/apperr"
	"github.com/example/boat-dispatch/internal/events"
	"github.com/example/boat-dispatch/internal/logging"
	"github.com/example/boat-dispatch/internal/models"
	"github.com/example/boat-dispatch/internal/storage"
)

var (
	riderActor = models.Actor{ID: "rider-1", Role: models.RoleRider}
	opsActor   = models.Actor{ID: "ops-1", Role: models.RoleOperations}
)

func captainActor(id string) models.Actor { return models.Actor{ID: id, Role: models.RoleCaptain} }

type fixture struct {
	engine *Engine
	store  *storage.Store
	rec    *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	rec := &events.Recorder{}
	return &fixture{engine: NewEngine(store.Rides, store.Captains, rec, nil, logging.Discard()), store: store, rec: rec}
}

func (f *fixture) captain(t *testing.T, id string, status models.CaptainStatus) {
	t.Helper()
	if err := f.store.Captains.Put(context.Background(), &models.Captain{ID: id, Status: status}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) ride(t *testing.T) string {
	t.Helper()
	id, err := f.store.Rides.Create(context.Background(), &models.Ride{
		RiderID:      riderActor.ID,
		Pickup:       "Pier 39",
		Dropoff:      "Alcatraz Dock",
		VehicleClass: models.VehicleSpeedboat,
		Status:       models.RidePending,
		FareEstimate: 4500,
		RequestedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) getRide(t *testing.T, id string) *models.Ride {
	t.Helper()
	r, err := f.store.Rides.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (f *fixture) getCaptain(t *testing.T, id string) *models.Captain {
	t.Helper()
	c, err := f.store.Captains.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// checkCoupling asserts every live ride is held by a busy captain pointing
// back at it and no captain holds two rides.
func (f *fixture) checkCoupling(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	rides, err := f.store.Rides.List(ctx, storage.Query{})
	if err != nil {
		t.Fatal(err)
	}
	held := map[string]string{}
	for _, r := range rides {
		if !r.Status.Live() {
			continue
		}
		if r.CaptainID == "" {
			t.Fatalf("live ride %s has no captain", r.ID)
		}
		if prev, ok := held[r.CaptainID]; ok {
			t.Fatalf("captain %s double booked on %s and %s", r.CaptainID, prev, r.ID)
		}
		held[r.CaptainID] = r.ID
		c := f.getCaptain(t, r.CaptainID)
		if c.Status != models.CaptainBusy && c.Status != models.CaptainEmergencyResponse {
			t.Fatalf("captain %s is %s while holding %s", c.ID, c.Status, r.ID)
		}
		if c.CurrentRideID != r.ID {
			t.Fatalf("captain %s points at %q, want %s", c.ID, c.CurrentRideID, r.ID)
		}
	}
}

func TestRideLifecycle(t *testing.T) {
	f := newFixture(t)
	f.captain(t, "cap-1", models.CaptainAvailable)
	rideID := f.ride(t)
	ctx := context.Background()
	cap1 := captainActor("cap-1")

	r, err := f.engine.AcceptRide(ctx, cap1, rideID, "cap-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r.Status != models.RideAssigned || r.CaptainID != "cap-1" || r.AcceptedAt == nil {
		t.Fatalf("unexpected ride after accept %+v", r)
	}
	if c := f.getCaptain(t, "cap-1"); c.Status != models.CaptainBusy || c.CurrentRideID != rideID {
		t.Fatalf("unexpected captain after accept %+v", c)
	}
	f.checkCoupling(t)

	if _, err := f.engine.StartRide(ctx, cap1, rideID); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.checkCoupling(t)

	r, err = f.engine.CompleteRide(ctx, cap1, rideID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if r.Status != models.RideCompleted || r.CompletedAt == nil {
		t.Fatalf("unexpected ride after complete %+v", r)
	}
	c := f.getCaptain(t, "cap-1")
	if c.Status != models.CaptainAvailable || c.CurrentRideID != "" {
		t.Fatalf("captain not released: %+v", c)
	}
	if c.Stats.TotalRides != 1 || c.Stats.AcceptedRides != 1 || c.Stats.TotalRevenue != 4500 || c.Stats.CompletionRate != 100 {
		t.Fatalf("unexpected stats %+v", c.Stats)
	}

	want := []string{events.RideAssigned, events.RideStarted, events.RideCompleted}
	got := f.rec.Types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events %v want %v", got, want)
	}
}

func TestCompleteTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.captain(t, "cap-1", models.CaptainAvailable)
	rideID := f.ride(t)
	ctx := context.Background()
	cap1 := captainActor("cap-1")
	if _, err := f.engine.AcceptRide(ctx, cap1, rideID, "cap-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.StartRide(ctx, cap1, rideID); err != nil {
		t.Fatal(err)
	}
	first, err := f.engine.CompleteRide(ctx, cap1, rideID)
	if err != nil {
		t.Fatal(err)
	}
	before := f.getCaptain(t, "cap-1")

	_, err = f.engine.CompleteRide(ctx, cap1, rideID)
	if !apperr.IsKind(err, apperr.KindFailedPrecondition) {
		t.Fatalf("expected failed precondition, got %v", err)
	}
	after := f.getRide(t, rideID)
	if after.Status != models.RideCompleted || !after.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("second completion changed the ride: %+v", after)
	}
	if c := f.getCaptain(t, "cap-1"); c.Stats != before.Stats {
		t.Fatalf("second completion changed stats: %+v -> %+v", before.Stats, c.Stats)
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	rideID := f.ride(t)
	const n = 8
	for i := 0; i < n; i++ {
		f.captain(t, fmt.Sprintf("cap-%d", i), models.CaptainAvailable)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("cap-%d", i)
			_, errs[i] = f.engine.AcceptRide(context.Background(), captainActor(id), rideID, id)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case apperr.IsKind(err, apperr.KindFailedPrecondition):
			if c := f.getCaptain(t, fmt.Sprintf("cap-%d", i)); c.Status != models.CaptainAvailable {
				t.Fatalf("losing captain %s left %s", c.ID, c.Status)
			}
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	f.checkCoupling(t)
}

func TestCaptainCannotHoldTwoRides(t *testing.T) {
	f := newFixture(t)
	f.captain(t, "cap-1", models.CaptainAvailable)
	rides := []string{f.ride(t), f.ride(t), f.ride(t)}

	var wg sync.WaitGroup
	results := make([]error, len(rides))
	for i, id := range rides {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, results[i] = f.engine.AcceptRide(context.Background(), captainActor("cap-1"), id, "cap-1")
		}(i, id)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		} else if !apperr.IsKind(err, apperr.KindFailedPrecondition) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected one accepted ride, got %d", ok)
	}
	pending := 0
	for _, id := range rides {
		if f.getRide(t, id).Status == models.RidePending {
			pending++
		}
	}
	if pending != len(rides)-1 {
		t.Fatalf("losing rides should be back in the pool, %d pending", pending)
	}
	f.checkCoupling(t)
}

func TestDeclineReturnsRideToPool(t *testing.T) {
	f := newFixture(t)
	f.captain(t, "cap-1", models.CaptainAvailable)
	rideID := f.ride(t)
	ctx := context.Background()
	if _, err := f.engine.AcceptRide(ctx, captainActor("cap-1"), rideID, "cap-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.DeclineRide(ctx, captainActor("cap-2"), rideID, "cap-2"); !apperr.IsKind(err, apperr.KindFailedPrecondition) {
		t.Fatalf("non-holder decline: expected failed precondition, got %v", err)
	}
	r, err := f.engine.DeclineRide(ctx, captainActor("cap-1"), rideID, "cap-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.RidePending || r.CaptainID != "" || r.AcceptedAt != nil {
		t.Fatalf("unexpected ride after decline %+v", r)
	}
	if c := f.getCaptain(t, "cap-1"); c.Status != models.CaptainAvailable || c.CurrentRideID != "" {
		t.Fatalf("captain not released %+v", c)
	}
	pending, err := f.engine.PendingRides(ctx, 0)
	if err != nil || len(pending) != 1 || pending[0].ID != rideID {
		t.Fatalf("expected ride back in pending list, got %v %v", pending, err)
	}
}

func TestCancelRide(t *testing.T) {
	f := newFixture(t)
	f.captain(t, "cap-1", models.CaptainAvailable)
	ctx := context.Background()

	pendingID := f.ride(t)
	if _, err := f.engine.CancelRide(ctx, models.Actor{ID: "rider-2", Role: models.RoleRider}, pendingID, "changed plans"); !apperr.IsKind(err, apperr.KindPermissionDenied) {
		t.Fatalf("other rider: expected permission denied, got %v", err)
	}
	r, err := f.engine.CancelRide(ctx, riderActor, pendingID, " changed plans ")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.RideCancelled || r.CancelReason != "changed plans" || r.CancelledAt == nil {
		t.Fatalf("unexpected cancelled ride %+v", r)
	}

	assignedID := f.ride(t)
	if _, err := f.engine.AcceptRide(ctx, captainActor("cap-1"), assignedID, "cap-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.CancelRide(ctx, opsActor, assignedID, "weather"); err != nil {
		t.Fatal(err)
	}
	if c := f.getCaptain(t, "cap-1"); c.Status != models.CaptainAvailable || c.CurrentRideID != "" {
		t.Fatalf("captain not released after cancel %+v", c)
	}
	if _, err := f.engine.CancelRide(ctx, opsActor, assignedID, "again"); !apperr.IsKind(err, apperr.KindFailedPrecondition) {
		t.Fatalf("cancelling a cancelled ride: expected failed precondition, got %v", err)
	}
	f.checkCoupling(t)
}

func TestGuards(t *testing.T) {
	f := newFixture(t)
	f.captain(t, "cap-1", models.CaptainAvailable)
	f.captain(t, "cap-off", models.CaptainOffline)
	rideID := f.ride(t)
	ctx := context.Background()

	if _, err := f.engine.AcceptRide(ctx, models.Actor{}, rideID, "cap-1"); !apperr.IsKind(err, apperr.KindUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := f.engine.AcceptRide(ctx, riderActor, rideID, "cap-1"); !apperr.IsKind(err, apperr.KindPermissionDenied) {
		t.Fatalf("rider accepting: expected permission denied, got %v", err)
	}
	if _, err := f.engine.AcceptRide(ctx, captainActor("cap-off"), rideID, "cap-off"); !apperr.IsKind(err, apperr.KindFailedPrecondition) {
		t.Fatalf("offline captain: expected failed precondition, got %v", err)
	}
	if _, err := f.engine.StartRide(ctx, captainActor("cap-1"), rideID); !apperr.IsKind(err, apperr.KindFailedPrecondition) {
		t.Fatalf("start pending: expected failed precondition, got %v", err)
	}
	if _, err := f.engine.AcceptRide(ctx, captainActor("cap-1"), "missing", "cap-1"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("missing ride: expected not found, got %v", err)
	}
	if _, err := f.engine.AcceptRide(ctx, captainActor("cap-1"), rideID, "cap-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.StartRide(ctx, captainActor("cap-2"), rideID); !apperr.IsKind(err, apperr.KindPermissionDenied) {
		t.Fatalf("other captain starting: expected permission denied, got %v", err)
	}
	if _, err := f.engine.CompleteRide(ctx, captainActor("cap-1"), rideID); !apperr.IsKind(err, apperr.KindFailedPrecondition) {
		t.Fatalf("complete before start: expected failed precondition, got %v", err)
	}
	if r := f.getRide(t, rideID); r.Status != models.RideAssigned {
		t.Fatalf("rejected triggers changed the ride: %s", r.Status)
	}
}

func TestCaptainWithRideOnRecordCannotAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.Captains.Put(ctx, &models.Captain{ID: "cap-1", Status: models.CaptainAvailable, CurrentRideID: "r-old"}); err != nil {
		t.Fatal(err)
	}
	f.captain(t, "cap-2", models.CaptainEmergency)
	rideID := f.ride(t)

	if _, err := f.engine.AcceptRide(ctx, captainActor("cap-1"), rideID, "cap-1"); !apperr.IsKind(err, apperr.KindFailedPrecondition) {
		t.Fatalf("stale pointer: expected failed precondition, got %v", err)
	}
	if _, err := f.engine.AcceptRide(ctx, captainActor("cap-2"), rideID, "cap-2"); !apperr.IsKind(err, apperr.KindFailedPrecondition) {
		t.Fatalf("captain in emergency: expected failed precondition, got %v", err)
	}
	if r := f.getRide(t, rideID); r.Status != models.RidePending || r.CaptainID != "" {
		t.Fatalf("rejected accepts touched the ride: %+v", r)
	}
	if c := f.getCaptain(t, "cap-1"); c.CurrentRideID != "r-old" || c.Status != models.CaptainAvailable {
		t.Fatalf("rejected accept changed the captain: %+v", c)
	}
}

func TestStoreUnavailable(t *testing.T) {
	store := storage.NewMemoryStore()
	rides := storage.NewFaultyCollection(store.Rides)
	e := NewEngine(rides, store.Captains, events.Nop{}, nil, logging.Discard())
	f := &fixture{engine: e, store: store}
	f.captain(t, "cap-1", models.CaptainAvailable)
	rideID := f.ride(t)

	rides.FailWrites(1)
	_, err := e.AcceptRide(context.Background(), captainActor("cap-1"), rideID, "cap-1")
	if !apperr.IsKind(err, apperr.KindTransient) {
		t.Fatalf("expected transient, got %v", err)
	}
	if r := f.getRide(t, rideID); r.Status != models.RidePending {
		t.Fatalf("failed write changed ride: %s", r.Status)
	}
	if c := f.getCaptain(t, "cap-1"); c.Status != models.CaptainAvailable {
		t.Fatalf("failed write changed captain: %s", c.Status)
	}
}

func TestLostAckOnRideStepIsVerified(t *testing.T) {
	store := storage.NewMemoryStore()
	rides := storage.NewFaultyCollection(store.Rides)
	e := NewEngine(rides, store.Captains, events.Nop{}, nil, logging.Discard())
	f := &fixture{engine: e, store: store}
	f.captain(t, "cap-1", models.CaptainAvailable)
	rideID := f.ride(t)

	rides.LoseAcks(1)
	if _, err := e.AcceptRide(context.Background(), captainActor("cap-1"), rideID, "cap-1"); err != nil {
		t.Fatalf("committed ride step should be confirmed by re-read: %v", err)
	}
	f.checkCoupling(t)
}

func TestCaptainStepFailureCompensatesRide(t *testing.T) {
	store := storage.NewMemoryStore()
	captains := storage.NewFaultyCollection(store.Captains)
	e := NewEngine(store.Rides, captains, events.Nop{}, nil, logging.Discard())
	f := &fixture{engine: e, store: store}
	f.captain(t, "cap-1", models.CaptainAvailable)
	rideID := f.ride(t)

	captains.FailWrites(1)
	_, err := e.AcceptRide(context.Background(), captainActor("cap-1"), rideID, "cap-1")
	if !apperr.IsKind(err, apperr.KindTransient) {
		t.Fatalf("expected transient, got %v", err)
	}
	r := f.getRide(t, rideID)
	if r.Status != models.RidePending || r.CaptainID != "" {
		t.Fatalf("ride step not compensated: %+v", r)
	}
	if c := f.getCaptain(t, "cap-1"); c.Status != models.CaptainAvailable {
		t.Fatalf("captain changed: %s", c.Status)
	}
}

func TestCouplingHoldsUnderMixedLoad(t *testing.T) {
	f := newFixture(t)
	const captains, rides = 4, 12
	for i := 0; i < captains; i++ {
		f.captain(t, fmt.Sprintf("cap-%d", i), models.CaptainAvailable)
	}
	ids := make([]string, rides)
	for i := range ids {
		ids[i] = f.ride(t)
	}

	var wg sync.WaitGroup
	for i := 0; i < captains; i++ {
		wg.Add(1)
		go func(capID string) {
			defer wg.Done()
			ctx := context.Background()
			actor := captainActor(capID)
			for j, rideID := range ids {
				if _, err := f.engine.AcceptRide(ctx, actor, rideID, capID); err != nil {
					continue
				}
				switch j % 3 {
				case 0:
					_, _ = f.engine.DeclineRide(ctx, actor, rideID, capID)
				case 1:
					_, _ = f.engine.StartRide(ctx, actor, rideID)
					_, _ = f.engine.CompleteRide(ctx, actor, rideID)
				default:
					_, _ = f.engine.CancelRide(ctx, opsActor, rideID, "ops")
				}
			}
		}(fmt.Sprintf("cap-%d", i))
	}
	wg.Wait()
	f.checkCoupling(t)
	for i := 0; i < captains; i++ {
		if c := f.getCaptain(t, fmt.Sprintf("cap-%d", i)); c.Status != models.CaptainAvailable || c.CurrentRideID != "" {
			t.Fatalf("captain %s left %s holding %q", c.ID, c.Status, c.CurrentRideID)
		}
	}
}
