package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/boat-dispatch/internal/apperr"
	"github.com/example/boat-dispatch/internal/auth"
	"github.com/example/boat-dispatch/internal/dispatch"
	"github.com/example/boat-dispatch/internal/escalation"
	"github.com/example/boat-dispatch/internal/fleet"
	"github.com/example/boat-dispatch/internal/ingest"
	"github.com/example/boat-dispatch/internal/intake"
	"github.com/example/boat-dispatch/internal/models"
	"github.com/example/boat-dispatch/internal/notify"
	"github.com/example/boat-dispatch/internal/operations"
)

// LocationSink queues position reports for asynchronous application.
type LocationSink interface {
	PublishLocation(ctx context.Context, p ingest.LocationPing) error
}

type Deps struct {
	Intake     *intake.Service
	Fleet      *fleet.Tracker
	Dispatch   *dispatch.Engine
	Escalation *escalation.Coordinator
	Operations *operations.View
	Verifier   *auth.Verifier
	Sessions   *notify.WSRegistry
	Locations  LocationSink // nil applies reports inline
	Ready      func(ctx context.Context) error
	Logger     *slog.Logger

	RideRequestRPS   float64
	RideRequestBurst int
}

const rideRequestPath = "/v1/rides:request"

type Server struct {
	Deps
	verifier *auth.Verifier
	logger   *slog.Logger
	limits   *limiters
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	if d.RideRequestRPS <= 0 {
		d.RideRequestRPS = 1
	}
	if d.RideRequestBurst <= 0 {
		d.RideRequestBurst = 5
	}
	s := &Server{
		Deps:     d,
		verifier: d.Verifier,
		logger:   d.Logger,
		limits:   newLimiters(d.RideRequestRPS, d.RideRequestBurst),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc(rideRequestPath, s.rateLimit(s.handleRideRequest)).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/rides/pending", s.handlePendingRides).Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/rides/{id}/{action:accept|start|complete|decline|cancel}", s.handleRideAction).Methods(http.MethodPost)

	s.mux.HandleFunc("/v1/captains", s.handleRegisterCaptain).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/captains", s.handleListCaptains).Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/captains/{id}", s.handleGetCaptain).Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/captains/{id}/status", s.handleCaptainStatus).Methods(http.MethodPut)
	s.mux.HandleFunc("/internal/captains/{id}/location", s.handleCaptainLocation).Methods(http.MethodPost)

	s.mux.HandleFunc("/v1/emergencies", s.handleTriggerEmergency).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/emergencies/{id}/backup", s.handleDispatchBackup).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/emergencies/{id}/resolve", s.handleResolveEmergency).Methods(http.MethodPost)

	s.mux.HandleFunc("/v1/tickets", s.handleOpenTicket).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/tickets/{id}/escalate", s.handleEscalateTicket).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/tickets/{id}/assign", s.handleAssignTicket).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/tickets/{id}/messages", s.handlePostMessage).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/tickets/{id}/resolve", s.handleResolveTicket).Methods(http.MethodPost)

	s.mux.HandleFunc("/v1/ops/board", s.handleBoard).Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/ops/broadcast", s.handleBroadcast).Methods(http.MethodPost)
	s.mux.HandleFunc("/v1/ops/rides/{id}/assign", s.handleOpsAssignRide).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/captains/{id}", s.handleCaptainWS)
	s.mux.HandleFunc("/ws/ops", s.handleOpsWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideRequestBody struct {
	Pickup         string `json:"pickup"`
	Dropoff        string `json:"dropoff"`
	BoatType       string `json:"boatType"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if !s.decode(w, r, &body) {
		return
	}
	key := body.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	receipt, err := s.Intake.SubmitRideRequest(r.Context(), actorFrom(r.Context()), intake.RideRequest{
		Pickup:         body.Pickup,
		Dropoff:        body.Dropoff,
		VehicleClass:   body.BoatType,
		IdempotencyKey: key,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handlePendingRides(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if !actor.Authenticated() {
		s.writeError(w, r, apperr.Unauthenticated("sign in to list rides"))
		return
	}
	if actor.Role != models.RoleCaptain && !actor.Privileged() {
		s.writeError(w, r, apperr.PermissionDenied("captains only"))
		return
	}
	rides, err := s.Dispatch.PendingRides(r.Context(), 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if !actor.Authenticated() {
		s.writeError(w, r, apperr.Unauthenticated("sign in to view rides"))
		return
	}
	ride, err := s.Dispatch.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !actor.Privileged() && actor.ID != ride.RiderID && actor.ID != ride.CaptainID {
		s.writeError(w, r, apperr.NotFound("ride", ride.ID))
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type rideActionBody struct {
	CaptainID string `json:"captainId"`
	Reason    string `json:"reason"`
}

func (s *Server) handleRideAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rideID := vars["id"]
	var body rideActionBody
	if !s.decodeOptional(w, r, &body) {
		return
	}
	actor := actorFrom(r.Context())
	captainID := body.CaptainID
	if captainID == "" {
		captainID = actor.ID
	}
	ctx := r.Context()
	var (
		ride *models.Ride
		err  error
	)
	switch vars["action"] {
	case dispatch.TriggerAccept:
		ride, err = s.Dispatch.AcceptRide(ctx, actor, rideID, captainID)
	case dispatch.TriggerStart:
		ride, err = s.Dispatch.StartRide(ctx, actor, rideID)
	case dispatch.TriggerComplete:
		ride, err = s.Dispatch.CompleteRide(ctx, actor, rideID)
	case dispatch.TriggerDecline:
		ride, err = s.Dispatch.DeclineRide(ctx, actor, rideID, captainID)
	case dispatch.TriggerCancel:
		ride, err = s.Dispatch.CancelRide(ctx, actor, rideID, body.Reason)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRegisterCaptain(w http.ResponseWriter, r *http.Request) {
	var body models.Captain
	if !s.decode(w, r, &body) {
		return
	}
	actor := actorFrom(r.Context())
	if body.ID == "" {
		body.ID = actor.ID
	}
	c, err := s.Fleet.Register(r.Context(), actor, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleListCaptains serves operations; ?status= may repeat.
func (s *Server) handleListCaptains(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if !actor.Authenticated() {
		s.writeError(w, r, apperr.Unauthenticated("sign in to list captains"))
		return
	}
	if !actor.Privileged() {
		s.writeError(w, r, apperr.PermissionDenied("operations role required"))
		return
	}
	var statuses []models.CaptainStatus
	for _, v := range r.URL.Query()["status"] {
		st, ok := models.ParseCaptainStatus(v)
		if !ok {
			s.writeError(w, r, apperr.InvalidArgument("unknown captain status %q", v))
			return
		}
		statuses = append(statuses, st)
	}
	captains, err := s.Fleet.ListByStatus(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"captains": captains})
}

func (s *Server) handleGetCaptain(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	id := mux.Vars(r)["id"]
	if !actor.Authenticated() {
		s.writeError(w, r, apperr.Unauthenticated("sign in to view captains"))
		return
	}
	if !actor.ActsForCaptain(id) {
		s.writeError(w, r, apperr.PermissionDenied("cannot view captain %s", id))
		return
	}
	c, err := s.Fleet.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCaptainStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	c, err := s.Fleet.SetCaptainStatus(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], models.CaptainStatus(body.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCaptainLocation(w http.ResponseWriter, r *http.Request) {
	var pos models.Position
	if !s.decode(w, r, &pos) {
		return
	}
	actor := actorFrom(r.Context())
	id := mux.Vars(r)["id"]
	if s.Locations == nil {
		if _, err := s.Fleet.UpdateLocation(r.Context(), actor, id, pos); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !actor.Authenticated() {
		s.writeError(w, r, apperr.Unauthenticated("sign in to report location"))
		return
	}
	if !actor.ActsForCaptain(id) {
		s.writeError(w, r, apperr.PermissionDenied("cannot report location for captain %s", id))
		return
	}
	if err := fleet.ValidatePosition(pos); err != nil {
		s.writeError(w, r, err)
		return
	}
	if pos.Timestamp.IsZero() {
		pos.Timestamp = time.Now().UTC()
	}
	if err := s.Locations.PublishLocation(r.Context(), ingest.LocationPing{CaptainID: id, Position: pos}); err != nil {
		s.writeError(w, r, apperr.Transient("ingest.publish", err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type emergencyBody struct {
	CaptainID string           `json:"captainId"`
	Location  *models.Position `json:"location"`
}

func (s *Server) handleTriggerEmergency(w http.ResponseWriter, r *http.Request) {
	var body emergencyBody
	if !s.decodeOptional(w, r, &body) {
		return
	}
	actor := actorFrom(r.Context())
	if body.CaptainID == "" {
		body.CaptainID = actor.ID
	}
	em, err := s.Escalation.TriggerCaptainEmergency(r.Context(), actor, body.CaptainID, body.Location)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, em)
}

func (s *Server) handleDispatchBackup(w http.ResponseWriter, r *http.Request) {
	em, err := s.Escalation.DispatchBackup(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, em)
}

type summaryBody struct {
	Summary string `json:"summary"`
}

func (s *Server) handleResolveEmergency(w http.ResponseWriter, r *http.Request) {
	var body summaryBody
	if !s.decode(w, r, &body) {
		return
	}
	em, err := s.Escalation.ResolveEmergency(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], body.Summary)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, em)
}

func (s *Server) handleOpenTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
		Type        string `json:"type"`
		RideID      string `json:"rideId"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	t, err := s.Operations.OpenTicket(r.Context(), actorFrom(r.Context()), operations.NewTicket{
		Title:       body.Title,
		Description: body.Description,
		Priority:    body.Priority,
		Type:        body.Type,
		RideID:      body.RideID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleEscalateTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.Escalation.EscalateTicket(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAssignTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agentId"`
	}
	if !s.decodeOptional(w, r, &body) {
		return
	}
	t, err := s.Operations.AssignTicket(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], body.AgentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	m, err := s.Operations.PostMessage(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], body.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleResolveTicket(w http.ResponseWriter, r *http.Request) {
	var body summaryBody
	if !s.decode(w, r, &body) {
		return
	}
	t, err := s.Escalation.ResolveTicket(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], body.Summary)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	b, err := s.Operations.Snapshot(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	recipients, err := s.Operations.Broadcast(r.Context(), actorFrom(r.Context()), body.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipients": recipients})
}

func (s *Server) handleOpsAssignRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CaptainID string `json:"captainId"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	ride, err := s.Operations.AssignRide(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], body.CaptainID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type errorDetail struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Entity     string `json:"entity,omitempty"`
	ID         string `json:"id,omitempty"`
	Transition string `json:"transition,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// writeError maps err onto the wire. Riders and captains get a short
// message per kind; operations get the full error with its context.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	detail := errorDetail{Code: kind.String(), Message: apperr.UserMessage(kind)}
	var e *apperr.Error
	hasDetail := errors.As(err, &e)
	switch {
	case actorFrom(r.Context()).Privileged():
		detail.Message = err.Error()
		if hasDetail {
			detail.Entity, detail.ID, detail.Transition = e.Entity, e.ID, e.Transition
		}
	case kind == apperr.KindInvalidArgument && hasDetail && e.Msg != "" && routeTemplate(r) != rideRequestPath:
		// the generic invalid-argument text only describes ride requests
		detail.Message = e.Msg
	}
	if status >= 500 {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, errorBody{Error: detail})
}

const maxBody = 1 << 20

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		s.writeError(w, r, apperr.InvalidArgument("malformed request body: %v", err))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.writeError(w, r, apperr.InvalidArgument("malformed request body: %v", err))
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
