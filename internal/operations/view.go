// Package operations serves the operations console: the live board, the
// support ticket workflow and fleet-wide broadcasts.
package operations

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/boat-dispatch/internal/apperr"
	"github.com/example/boat-dispatch/internal/dispatch"
	"github.com/example/boat-dispatch/internal/events"
	"github.com/example/boat-dispatch/internal/models"
	"github.com/example/boat-dispatch/internal/notify"
	"github.com/example/boat-dispatch/internal/observability"
	"github.com/example/boat-dispatch/internal/storage"
)

type View struct {
	Store    *storage.Store
	Dispatch *dispatch.Engine
	Notifier notify.Notifier
	Events   events.Publisher
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewView(store *storage.Store, engine *dispatch.Engine, n notify.Notifier, pub events.Publisher, logger *slog.Logger) *View {
	return &View{Store: store, Dispatch: engine, Notifier: n, Events: pub, Logger: logger, Now: time.Now}
}

func requireOperations(actor models.Actor) error {
	if !actor.Authenticated() {
		return apperr.Unauthenticated("sign in to use the operations console")
	}
	if !actor.Privileged() {
		return apperr.PermissionDenied("operations role required")
	}
	return nil
}

var (
	openRides       = storage.Where(storage.In("status", string(models.RidePending), string(models.RideAssigned), string(models.RideActive)))
	allCaptains     = storage.Query{}
	openEmergencies = storage.Where(storage.In("status", string(models.EmergencyReported), string(models.EmergencyResponding)))
	openTickets     = storage.Where(storage.In("status", string(models.TicketOpen), string(models.TicketInProgress)))
)

// Snapshot reads the current board.
func (v *View) Snapshot(ctx context.Context, actor models.Actor) (Board, error) {
	if err := requireOperations(actor); err != nil {
		return Board{}, err
	}
	rides, err := v.Store.Rides.List(ctx, openRides)
	if err != nil {
		return Board{}, apperr.WithOp("operations.snapshot", err)
	}
	captains, err := v.Store.Captains.List(ctx, allCaptains)
	if err != nil {
		return Board{}, apperr.WithOp("operations.snapshot", err)
	}
	ems, err := v.Store.Emergencies.List(ctx, openEmergencies)
	if err != nil {
		return Board{}, apperr.WithOp("operations.snapshot", err)
	}
	tickets, err := v.Store.Tickets.List(ctx, openTickets)
	if err != nil {
		return Board{}, apperr.WithOp("operations.snapshot", err)
	}
	b := buildBoard(rides, captains, ems, tickets, v.Now().UTC())
	recordCaptainGauge(b)
	return b, nil
}

// Watch streams a fresh board after every change to any collection. Slow
// readers only ever see the latest board. The channel closes when ctx ends.
func (v *View) Watch(ctx context.Context, actor models.Actor) (<-chan Board, error) {
	if err := requireOperations(actor); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	rides, err := v.Store.Rides.Subscribe(ctx, openRides)
	if err != nil {
		cancel()
		return nil, apperr.WithOp("operations.watch", err)
	}
	captains, err := v.Store.Captains.Subscribe(ctx, allCaptains)
	if err != nil {
		cancel()
		return nil, apperr.WithOp("operations.watch", err)
	}
	ems, err := v.Store.Emergencies.Subscribe(ctx, openEmergencies)
	if err != nil {
		cancel()
		return nil, apperr.WithOp("operations.watch", err)
	}
	tickets, err := v.Store.Tickets.Subscribe(ctx, openTickets)
	if err != nil {
		cancel()
		return nil, apperr.WithOp("operations.watch", err)
	}

	st := &watchState{
		rides:    index(rides.Snapshot),
		captains: index(captains.Snapshot),
		ems:      index(ems.Snapshot),
		tickets:  index(tickets.Snapshot),
	}
	out := make(chan Board, 1)
	go func() {
		defer cancel()
		defer close(out)
		publish := func() {
			b := buildBoard(values(st.rides), values(st.captains), values(st.ems), values(st.tickets), v.Now().UTC())
			recordCaptainGauge(b)
			// keep only the newest board for a slow reader
			select {
			case <-out:
			default:
			}
			out <- b
		}
		publish()
		for {
			select {
			case <-ctx.Done():
				return
			case ch, ok := <-rides.Changes:
				if !ok {
					return
				}
				apply(st.rides, ch)
			case ch, ok := <-captains.Changes:
				if !ok {
					return
				}
				apply(st.captains, ch)
			case ch, ok := <-ems.Changes:
				if !ok {
					return
				}
				apply(st.ems, ch)
			case ch, ok := <-tickets.Changes:
				if !ok {
					return
				}
				apply(st.tickets, ch)
			}
			publish()
		}
	}()
	return out, nil
}

type watchState struct {
	rides    map[string]*models.Ride
	captains map[string]*models.Captain
	ems      map[string]*models.Emergency
	tickets  map[string]*models.Ticket
}

func index[T storage.Document](docs []T) map[string]T {
	m := make(map[string]T, len(docs))
	for _, d := range docs {
		m[d.DocID()] = d
	}
	return m
}

func values[T any](m map[string]T) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// apply folds a delta into the view. Replays of the same change are
// harmless since documents are keyed by id.
func apply[T storage.Document](m map[string]T, ch storage.Change[T]) {
	if ch.Kind == storage.ChangeRemoved {
		delete(m, ch.Doc.DocID())
		return
	}
	m[ch.Doc.DocID()] = ch.Doc
}

type NewTicket struct {
	Title       string
	Description string
	Priority    string
	Type        string
	RideID      string
}

// OpenTicket files a support ticket on behalf of any signed-in user.
func (v *View) OpenTicket(ctx context.Context, actor models.Actor, req NewTicket) (*models.Ticket, error) {
	if !actor.Authenticated() {
		return nil, apperr.Unauthenticated("sign in to contact support")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperr.InvalidArgument("ticket title is required")
	}
	prio := models.PriorityMedium
	if req.Priority != "" {
		p, ok := models.ParsePriority(strings.ToLower(req.Priority))
		if !ok {
			return nil, apperr.InvalidArgument("unknown priority %q", req.Priority)
		}
		prio = p
	}
	typ := strings.TrimSpace(req.Type)
	if typ == "" {
		typ = "general"
	}
	now := v.Now().UTC()
	t := &models.Ticket{
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Priority:    prio,
		Type:        typ,
		Status:      models.TicketOpen,
		RideID:      req.RideID,
		CreatedBy:   actor.ID,
		Messages:    []models.Message{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := v.Store.Tickets.Create(ctx, t)
	if err != nil {
		return nil, apperr.WithOp("operations.open_ticket", err)
	}
	t.ID = id
	v.Logger.Info("ticket opened", "ticket_id", id, "priority", prio, "actor_id", actor.ID)
	return t, nil
}

// AssignTicket hands an open ticket to an agent. agentID defaults to the
// caller.
func (v *View) AssignTicket(ctx context.Context, actor models.Actor, ticketID, agentID string) (*models.Ticket, error) {
	if err := requireOperations(actor); err != nil {
		return nil, err
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		agentID = actor.ID
	}
	now := v.Now().UTC()
	t, err := v.Store.Tickets.Update(ctx, ticketID, func(t *models.Ticket) error {
		if t.Status == models.TicketInProgress && t.AssignedAgent == agentID {
			return nil
		}
		if t.Status != models.TicketOpen {
			return apperr.Precondition("ticket", ticketID, "assign", "ticket is %s", t.Status)
		}
		t.Status = models.TicketInProgress
		t.AssignedAgent = agentID
		t.AssignedAt = &now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, apperr.WithOp("operations.assign_ticket", err)
	}
	v.Logger.Info("ticket assigned", "ticket_id", ticketID, "agent_id", agentID)
	events.Emit(ctx, v.Events, events.Event{Type: events.TicketAssigned, EntityID: ticketID, ActorID: actor.ID, At: now, Data: t})
	return t, nil
}

// PostMessage appends to a ticket's conversation. Agents may post to any
// ticket, other users only to tickets they opened.
func (v *View) PostMessage(ctx context.Context, actor models.Actor, ticketID, text string) (*models.Message, error) {
	if !actor.Authenticated() {
		return nil, apperr.Unauthenticated("sign in to post messages")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.InvalidArgument("message text is required")
	}
	msg := models.Message{
		ID:         uuid.NewString(),
		Sender:     actor.ID,
		SenderType: senderType(actor),
		Text:       text,
		Timestamp:  v.Now().UTC(),
	}
	_, err := v.Store.Tickets.Update(ctx, ticketID, func(t *models.Ticket) error {
		if !actor.Privileged() && t.CreatedBy != actor.ID {
			return apperr.PermissionDenied("cannot post to ticket %s", ticketID)
		}
		if t.Status == models.TicketResolved {
			return apperr.Precondition("ticket", ticketID, "post-message", "ticket is resolved")
		}
		t.Messages = append(t.Messages, msg)
		t.UpdatedAt = msg.Timestamp
		return nil
	})
	if err != nil {
		return nil, apperr.WithOp("operations.post_message", err)
	}
	return &msg, nil
}

func senderType(a models.Actor) models.SenderType {
	switch a.Role {
	case models.RoleOperations:
		return models.SenderAgent
	case models.RoleCaptain:
		return models.SenderCaptain
	case models.RoleSystem:
		return models.SenderSystem
	}
	return models.SenderCustomer
}

// Broadcast sends message to every captain not offline at call time and
// returns the recipient set. Delivery is best effort.
func (v *View) Broadcast(ctx context.Context, actor models.Actor, message string) ([]string, error) {
	if err := requireOperations(actor); err != nil {
		return nil, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, apperr.InvalidArgument("broadcast message is required")
	}
	captains, err := v.Store.Captains.List(ctx, storage.Where(storage.In("status",
		string(models.CaptainAvailable),
		string(models.CaptainBusy),
		string(models.CaptainEmergencyResponse),
		string(models.CaptainEmergency),
	)).Order("id", false))
	if err != nil {
		return nil, apperr.WithOp("operations.broadcast", err)
	}
	now := v.Now().UTC()
	recipients := make([]string, 0, len(captains))
	undelivered := 0
	for _, c := range captains {
		recipients = append(recipients, c.ID)
		if v.Notifier == nil {
			continue
		}
		if err := v.Notifier.Notify(ctx, c.ID, notify.Message{Type: notify.TypeBroadcast, Text: message, At: now}); err != nil {
			undelivered++
		}
	}
	observability.BroadcastRecipients.Observe(float64(len(recipients)))
	v.Logger.Info("broadcast sent", "recipients", len(recipients), "undelivered", undelivered, "actor_id", actor.ID)
	events.Emit(ctx, v.Events, events.Event{Type: events.Broadcast, EntityID: actor.ID, ActorID: actor.ID, At: now, Data: map[string]any{"message": message, "recipients": recipients}})
	return recipients, nil
}

// AssignRide lets operations place a pending ride with a captain. It goes
// through the same guarded transition as a captain accepting.
func (v *View) AssignRide(ctx context.Context, actor models.Actor, rideID, captainID string) (*models.Ride, error) {
	if err := requireOperations(actor); err != nil {
		return nil, err
	}
	r, err := v.Dispatch.AcceptRide(ctx, actor, rideID, captainID)
	if err != nil {
		return nil, err
	}
	if v.Notifier != nil {
		m := notify.Message{Type: notify.TypeRideAssigned, RideID: rideID, Data: r, At: v.Now().UTC()}
		if err := v.Notifier.Notify(ctx, captainID, m); err != nil {
			v.Logger.Debug("captain notification not delivered", "captain_id", captainID, "ride_id", rideID, "error", err)
		}
	}
	return r, nil
}
