package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/boat-dispatch/internal/auth"
	"github.com/example/boat-dispatch/internal/dispatch"
	"github.com/example/boat-dispatch/internal/escalation"
	"github.com/example/boat-dispatch/internal/events"
	"github.com/example/boat-dispatch/internal/fleet"
	"github.com/example/boat-dispatch/internal/geo"
	"github.com/example/boat-dispatch/internal/ingest"
	"github.com/example/boat-dispatch/internal/intake"
	"github.com/example/boat-dispatch/internal/logging"
	"github.com/example/boat-dispatch/internal/matcher"
	"github.com/example/boat-dispatch/internal/models"
	"github.com/example/boat-dispatch/internal/notify"
	"github.com/example/boat-dispatch/internal/operations"
	"github.com/example/boat-dispatch/internal/storage"
)

type fakeSink struct {
	mu    sync.Mutex
	pings []ingest.LocationPing
	err   error
}

func (f *fakeSink) PublishLocation(_ context.Context, p ingest.LocationPing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pings = append(f.pings, p)
	return nil
}

type harness struct {
	srv      *Server
	store    *storage.Store
	sessions *notify.WSRegistry
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := logging.Discard()
	pub := events.Nop{}
	sessions := notify.NewWSRegistry()
	engine := dispatch.NewEngine(store.Rides, store.Captains, pub, sessions, logger)
	d := Deps{
		Intake:           intake.NewService(store.Rides, intake.NewMemoryDeduper(), 2*time.Minute, pub, logger),
		Fleet:            fleet.NewTracker(store.Captains, geo.NewIndex(), pub, logger),
		Dispatch:         engine,
		Escalation:       escalation.NewCoordinator(store, matcher.FirstByID{}, sessions, pub, logger),
		Operations:       operations.NewView(store, engine, sessions, pub, logger),
		Verifier:         auth.NewVerifier("dev", ""),
		Sessions:         sessions,
		Logger:           logger,
		RideRequestRPS:   100,
		RideRequestBurst: 100,
	}
	if mutate != nil {
		mutate(&d)
	}
	return &harness{srv: NewServer(d), store: store, sessions: sessions}
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func (h *harness) captain(t *testing.T, id string, status models.CaptainStatus) {
	t.Helper()
	if err := h.store.Captains.Put(context.Background(), &models.Captain{ID: id, Status: status}); err != nil {
		t.Fatal(err)
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

var rideBody = map[string]string{"pickup": "Pier 39", "dropoff": "Sausalito Ferry", "boatType": "speedboat"}

func TestRideRequestRequiresSignIn(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/v1/rides:request", "", rideBody)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	body := decodeBody[errorBody](t, rec)
	if body.Error.Code != "unauthenticated" || body.Error.Message != "Please sign in and try again." {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestRideRequestRejectsBadToken(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/v1/rides:request", "pirate:jack", rideBody)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestRideRequestAndDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	first := h.do(t, http.MethodPost, "/v1/rides:request", "rider:r1", rideBody)
	if first.Code != http.StatusOK {
		t.Fatalf("status %d: %s", first.Code, first.Body.String())
	}
	r1 := decodeBody[intake.Receipt](t, first)
	if r1.RideID == "" || r1.Message != intake.MsgSubmitted {
		t.Fatalf("unexpected receipt %+v", r1)
	}
	second := decodeBody[intake.Receipt](t, h.do(t, http.MethodPost, "/v1/rides:request", "rider:r1", rideBody))
	if second.RideID != r1.RideID || !second.Duplicate {
		t.Fatalf("expected duplicate of %s, got %+v", r1.RideID, second)
	}

	rec := h.do(t, http.MethodPost, "/v1/rides:request", "rider:r1", map[string]string{"pickup": "Pier 39"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); body.Error.Code != "invalid-argument" {
		t.Fatalf("unexpected error %+v", body)
	}
}

func TestRideRequestRateLimited(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.RideRequestRPS, d.RideRequestBurst = 0.001, 2 })
	var last int
	for i := 0; i < 3; i++ {
		body := map[string]string{"pickup": "Pier " + string(rune('A'+i)), "dropoff": "Dock", "boatType": "yacht"}
		last = h.do(t, http.MethodPost, "/v1/rides:request", "rider:r1", body).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third request, got %d", last)
	}
	// limits are per caller
	if code := h.do(t, http.MethodPost, "/v1/rides:request", "rider:r2", rideBody).Code; code != http.StatusOK {
		t.Fatalf("other rider throttled: %d", code)
	}
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	h.captain(t, "cap-1", models.CaptainAvailable)
	receipt := decodeBody[intake.Receipt](t, h.do(t, http.MethodPost, "/v1/rides:request", "rider:r1", rideBody))

	pending := decodeBody[struct {
		Rides []models.Ride `json:"rides"`
	}](t, h.do(t, http.MethodGet, "/v1/rides/pending", "captain:cap-1", nil))
	if len(pending.Rides) != 1 || pending.Rides[0].ID != receipt.RideID {
		t.Fatalf("pending list %+v", pending.Rides)
	}

	for _, action := range []string{"accept", "start", "complete"} {
		rec := h.do(t, http.MethodPost, "/v1/rides/"+receipt.RideID+"/"+action, "captain:cap-1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d: %s", action, rec.Code, rec.Body.String())
		}
	}
	ride := decodeBody[models.Ride](t, h.do(t, http.MethodGet, "/v1/rides/"+receipt.RideID, "rider:r1", nil))
	if ride.Status != models.RideCompleted || ride.CaptainID != "cap-1" {
		t.Fatalf("unexpected ride %+v", ride)
	}
	c, _ := h.store.Captains.Get(context.Background(), "cap-1")
	if c.Status != models.CaptainAvailable || c.CurrentRideID != "" {
		t.Fatalf("captain not released: %+v", c)
	}

	// a stranger cannot see the ride
	if code := h.do(t, http.MethodGet, "/v1/rides/"+receipt.RideID, "rider:r2", nil).Code; code != http.StatusNotFound {
		t.Fatalf("expected 404 for stranger, got %d", code)
	}
}

func TestConflictDetailOnlyForOperations(t *testing.T) {
	h := newHarness(t, nil)
	h.captain(t, "cap-1", models.CaptainAvailable)
	h.captain(t, "cap-2", models.CaptainAvailable)
	receipt := decodeBody[intake.Receipt](t, h.do(t, http.MethodPost, "/v1/rides:request", "rider:r1", rideBody))
	if code := h.do(t, http.MethodPost, "/v1/rides/"+receipt.RideID+"/accept", "captain:cap-1", nil).Code; code != http.StatusOK {
		t.Fatalf("accept: %d", code)
	}

	rec := h.do(t, http.MethodPost, "/v1/rides/"+receipt.RideID+"/accept", "captain:cap-2", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d", rec.Code)
	}
	body := decodeBody[errorBody](t, rec)
	if body.Error.Code != "failed-precondition" || body.Error.Transition != "" {
		t.Fatalf("captain saw internal detail: %+v", body)
	}

	rec = h.do(t, http.MethodPost, "/v1/ops/rides/"+receipt.RideID+"/assign", "operations:ops-1", map[string]string{"captainId": "cap-2"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d", rec.Code)
	}
	body = decodeBody[errorBody](t, rec)
	if body.Error.Entity != "ride" || body.Error.ID != receipt.RideID {
		t.Fatalf("operations missing detail: %+v", body)
	}
}

func TestCaptainStatusAndRegister(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/v1/captains", "captain:cap-9", map[string]string{"displayName": "Skipper", "vesselClass": "yacht"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	if c := decodeBody[models.Captain](t, rec); c.ID != "cap-9" || c.Status != models.CaptainOffline {
		t.Fatalf("unexpected captain %+v", c)
	}
	rec = h.do(t, http.MethodPut, "/v1/captains/cap-9/status", "captain:cap-9", map[string]string{"status": "available"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	if code := h.do(t, http.MethodPut, "/v1/captains/cap-9/status", "captain:cap-9", map[string]string{"status": "busy"}).Code; code != http.StatusConflict {
		t.Fatalf("manual busy should be refused, got %d", code)
	}
	if code := h.do(t, http.MethodPut, "/v1/captains/cap-9/status", "captain:cap-8", map[string]string{"status": "offline"}).Code; code != http.StatusForbidden {
		t.Fatalf("other captain should be refused, got %d", code)
	}

	h.captain(t, "cap-1", models.CaptainOffline)
	list := decodeBody[struct {
		Captains []models.Captain `json:"captains"`
	}](t, h.do(t, http.MethodGet, "/v1/captains?status=available", "operations:ops-1", nil))
	if len(list.Captains) != 1 || list.Captains[0].ID != "cap-9" {
		t.Fatalf("unexpected available captains %+v", list.Captains)
	}
	if code := h.do(t, http.MethodGet, "/v1/captains", "captain:cap-9", nil).Code; code != http.StatusForbidden {
		t.Fatalf("captain listed the fleet: %d", code)
	}
}

func TestLocationInlineAndQueued(t *testing.T) {
	h := newHarness(t, nil)
	h.captain(t, "cap-1", models.CaptainAvailable)
	pos := models.Position{Lat: 37.8, Lng: -122.4, Accuracy: 5}
	if code := h.do(t, http.MethodPost, "/internal/captains/cap-1/location", "captain:cap-1", pos).Code; code != http.StatusNoContent {
		t.Fatalf("inline: %d", code)
	}
	c, _ := h.store.Captains.Get(context.Background(), "cap-1")
	if c.CurrentLocation == nil || c.CurrentLocation.Lat != 37.8 {
		t.Fatalf("location not applied: %+v", c.CurrentLocation)
	}

	sink := &fakeSink{}
	q := newHarness(t, func(d *Deps) { d.Locations = sink })
	if code := q.do(t, http.MethodPost, "/internal/captains/cap-1/location", "captain:cap-1", pos).Code; code != http.StatusAccepted {
		t.Fatalf("queued: %d", code)
	}
	if len(sink.pings) != 1 || sink.pings[0].CaptainID != "cap-1" || sink.pings[0].Position.Timestamp.IsZero() {
		t.Fatalf("unexpected pings %+v", sink.pings)
	}
	if code := q.do(t, http.MethodPost, "/internal/captains/cap-1/location", "captain:cap-1", models.Position{Lat: 200}).Code; code != http.StatusBadRequest {
		t.Fatalf("invalid position accepted: %d", code)
	}
	sink.err = errors.New("broker down")
	if code := q.do(t, http.MethodPost, "/internal/captains/cap-1/location", "captain:cap-1", pos).Code; code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when broker is down, got %d", code)
	}
}

func TestEmergencyAndTicketRoutes(t *testing.T) {
	h := newHarness(t, nil)
	h.captain(t, "cap-1", models.CaptainAvailable)
	h.captain(t, "cap-2", models.CaptainAvailable)

	rec := h.do(t, http.MethodPost, "/v1/emergencies", "captain:cap-1", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("trigger: %d %s", rec.Code, rec.Body.String())
	}
	em := decodeBody[models.Emergency](t, rec)

	if code := h.do(t, http.MethodPost, "/v1/emergencies/"+em.ID+"/backup", "captain:cap-1", nil).Code; code != http.StatusForbidden {
		t.Fatalf("captain dispatched backup: %d", code)
	}
	rec = h.do(t, http.MethodPost, "/v1/emergencies/"+em.ID+"/backup", "operations:ops-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("backup: %d %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[models.Emergency](t, rec); got.Protocol.BackupCaptainID != "cap-2" {
		t.Fatalf("unexpected backup %+v", got.Protocol)
	}

	rec = h.do(t, http.MethodPost, "/v1/tickets", "rider:r1", map[string]string{"title": "Lost bag", "description": "left it on the boat"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open ticket: %d %s", rec.Code, rec.Body.String())
	}
	tk := decodeBody[models.Ticket](t, rec)
	for i := 0; i < 4; i++ {
		if code := h.do(t, http.MethodPost, "/v1/tickets/"+tk.ID+"/escalate", "operations:ops-1", nil).Code; code != http.StatusOK {
			t.Fatalf("escalate %d: %d", i, code)
		}
	}
	got, _ := h.store.Tickets.Get(context.Background(), tk.ID)
	if got.EscalationLevel != 3 {
		t.Fatalf("expected level 3, got %d", got.EscalationLevel)
	}
	if code := h.do(t, http.MethodPost, "/v1/tickets/"+tk.ID+"/messages", "rider:r1", map[string]string{"text": "any news?"}).Code; code != http.StatusCreated {
		t.Fatalf("message: %d", code)
	}
}

func TestBroadcastReachesConnectedCaptain(t *testing.T) {
	h := newHarness(t, nil)
	h.captain(t, "cap-1", models.CaptainAvailable)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/captains/cap-1?access_token=captain:cap-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.sessions.Connected() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	rec := h.do(t, http.MethodPost, "/v1/ops/broadcast", "operations:ops-1", map[string]string{"message": "Storm warning, return to harbor"})
	if rec.Code != http.StatusOK {
		t.Fatalf("broadcast: %d %s", rec.Code, rec.Body.String())
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m notify.Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Type != notify.TypeBroadcast || m.Text != "Storm warning, return to harbor" {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestCaptainSocketRejectsOtherCaptain(t *testing.T) {
	h := newHarness(t, nil)
	ts := httptest.NewServer(h.srv)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/captains/cap-1?access_token=captain:cap-2"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Ready = func(context.Context) error { return errors.New("postgres down") }
	})
	if code := h.do(t, http.MethodGet, "/healthz", "", nil).Code; code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	if code := h.do(t, http.MethodGet, "/readyz", "", nil).Code; code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %d", code)
	}
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}
