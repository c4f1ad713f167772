// Package escalation handles captain emergencies, backup dispatch and the
// support ticket escalation ladder.
package escalation

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/boat-dispatch/internal/apperr"
	"github.com/example/boat-dispatch/internal/events"
	"github.com/example/boat-dispatch/internal/matcher"
	"github.com/example/boat-dispatch/internal/models"
	"github.com/example/boat-dispatch/internal/notify"
	"github.com/example/boat-dispatch/internal/observability"
	"github.com/example/boat-dispatch/internal/storage"
)

const BackupETAMinutes = 15

type Coordinator struct {
	Store    *storage.Store
	Policy   matcher.BackupPolicy
	Notifier notify.Notifier
	Events   events.Publisher
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewCoordinator(store *storage.Store, policy matcher.BackupPolicy, n notify.Notifier, pub events.Publisher, logger *slog.Logger) *Coordinator {
	if policy == nil {
		policy = matcher.FirstByID{}
	}
	return &Coordinator{Store: store, Policy: policy, Notifier: n, Events: pub, Logger: logger, Now: time.Now}
}

func (c *Coordinator) now() time.Time { return c.Now().UTC() }

func requirePrivileged(actor models.Actor, what string) error {
	if !actor.Authenticated() {
		return apperr.Unauthenticated("sign in to " + what)
	}
	if !actor.Privileged() {
		return apperr.PermissionDenied("operations role required to %s", what)
	}
	return nil
}

// TriggerCaptainEmergency puts the captain into the emergency state and
// opens an emergency record. A live ride the captain holds is flagged with
// the emergency id.
func (c *Coordinator) TriggerCaptainEmergency(ctx context.Context, actor models.Actor, captainID string, loc *models.Position) (*models.Emergency, error) {
	if !actor.Authenticated() {
		return nil, apperr.Unauthenticated("sign in to report an emergency")
	}
	if !actor.Privileged() && !(actor.Role == models.RoleCaptain && actor.ID == captainID) {
		return nil, apperr.PermissionDenied("cannot report an emergency for captain %s", captainID)
	}
	now := c.now()
	captain, err := c.Store.Captains.Update(ctx, captainID, func(cp *models.Captain) error {
		if !models.CanTransitionCaptain(cp.Status, models.CaptainEmergency) {
			return apperr.Precondition("captain", captainID, "emergency", "captain is %s", cp.Status)
		}
		cp.Status = models.CaptainEmergency
		if loc != nil {
			cp.CurrentLocation = loc
		}
		cp.LastActive = now
		cp.UpdatedAt = now
		return nil
	})
	if err != nil {
		c.Logger.Warn("captain emergency rejected", "captain_id", captainID, "transition", "emergency", "error", err)
		return nil, apperr.WithOp("escalation.trigger", err)
	}

	em := &models.Emergency{
		Type:          models.EmergencyCaptain,
		Severity:      models.SeverityHigh,
		Status:        models.EmergencyReported,
		CaptainID:     captainID,
		RelatedRideID: captain.CurrentRideID,
		Location:      captain.CurrentLocation,
		Protocol:      models.Protocol{CoastGuardNotified: true},
		ReportedAt:    now,
		UpdatedAt:     now,
	}
	id, err := c.Store.Emergencies.Create(ctx, em)
	if err != nil {
		// The captain stays in emergency; operations sees it on the board.
		c.Logger.Error("emergency record not created", "captain_id", captainID, "transition", "emergency", "error", err)
		return nil, apperr.WithOp("escalation.trigger", err)
	}
	em.ID = id

	if em.RelatedRideID != "" {
		_, err := c.Store.Rides.Update(ctx, em.RelatedRideID, func(r *models.Ride) error {
			if !r.Status.Live() || r.CaptainID != captainID {
				return errNotHeld
			}
			r.EmergencyID = id
			r.UpdatedAt = now
			return nil
		})
		if err != nil && !errors.Is(err, errNotHeld) {
			c.Logger.Error("ride not flagged with emergency", "ride_id", em.RelatedRideID, "emergency_id", id, "error", err)
		}
	}

	observability.Emergencies.WithLabelValues(string(em.Type)).Inc()
	c.Logger.Warn("captain emergency reported", "emergency_id", id, "captain_id", captainID, "ride_id", em.RelatedRideID)
	events.Emit(ctx, c.Events, events.Event{Type: events.EmergencyReported, EntityID: id, ActorID: actor.ID, At: now, Data: em})
	return em, nil
}

var errNotHeld = errors.New("ride not held by captain")

// DispatchBackup sends one available captain to the emergency. It fails
// with FailedPrecondition when nobody is available; callers retry later.
func (c *Coordinator) DispatchBackup(ctx context.Context, actor models.Actor, emergencyID string) (*models.Emergency, error) {
	if err := requirePrivileged(actor, "dispatch backup"); err != nil {
		return nil, err
	}
	em, err := c.Store.Emergencies.Get(ctx, emergencyID)
	if err != nil {
		return nil, apperr.WithOp("escalation.backup", err)
	}
	if em.Status == models.EmergencyResolved {
		return nil, apperr.Precondition("emergency", emergencyID, "dispatch-backup", "emergency is resolved")
	}

	available, err := c.Store.Captains.List(ctx, storage.Where(storage.Eq("status", string(models.CaptainAvailable))).Order("id", false))
	if err != nil {
		return nil, apperr.WithOp("escalation.backup", err)
	}
	candidates := make([]*models.Captain, 0, len(available))
	for _, cp := range available {
		if cp.ID != em.CaptainID {
			candidates = append(candidates, cp)
		}
	}

	now := c.now()
	var backup *models.Captain
	for len(candidates) > 0 {
		pick, err := c.Policy.Select(ctx, em, candidates)
		if err != nil {
			return nil, apperr.Transient("escalation.backup.select", err)
		}
		if pick == nil {
			break
		}
		backup, err = c.Store.Captains.Update(ctx, pick.ID, func(cp *models.Captain) error {
			if cp.Status != models.CaptainAvailable || cp.CurrentRideID != "" {
				return apperr.Precondition("captain", cp.ID, "dispatch-backup", "captain is %s", cp.Status)
			}
			cp.Status = models.CaptainEmergencyResponse
			cp.UpdatedAt = now
			return nil
		})
		if err == nil {
			break
		}
		backup = nil
		if !apperr.IsKind(err, apperr.KindFailedPrecondition) {
			observability.BackupDispatches.WithLabelValues("error").Inc()
			return nil, apperr.WithOp("escalation.backup", err)
		}
		candidates = without(candidates, pick.ID)
	}
	if backup == nil {
		observability.BackupDispatches.WithLabelValues("exhausted").Inc()
		c.Logger.Warn("no captain available for backup", "emergency_id", emergencyID, "transition", "dispatch-backup")
		return nil, apperr.Precondition("emergency", emergencyID, "dispatch-backup", "no available captain")
	}

	em, err = c.Store.Emergencies.Update(ctx, emergencyID, func(e *models.Emergency) error {
		if e.Status == models.EmergencyResolved {
			return apperr.Precondition("emergency", emergencyID, "dispatch-backup", "emergency is resolved")
		}
		if e.Status == models.EmergencyReported {
			e.Status = models.EmergencyResponding
			e.RespondingAt = &now
		}
		e.Protocol.BackupDispatched = true
		e.Protocol.BackupCaptainID = backup.ID
		if !slices.Contains(e.Protocol.BackupCaptainIDs, backup.ID) {
			e.Protocol.BackupCaptainIDs = append(e.Protocol.BackupCaptainIDs, backup.ID)
		}
		e.Protocol.BackupETAMinutes = BackupETAMinutes
		e.UpdatedAt = now
		return nil
	})
	if err != nil {
		if !apperr.IsUnknownOutcome(err) {
			c.releaseBackup(ctx, backup.ID)
		}
		observability.BackupDispatches.WithLabelValues("error").Inc()
		return nil, apperr.WithOp("escalation.backup", err)
	}

	observability.BackupDispatches.WithLabelValues("ok").Inc()
	c.Logger.Info("backup captain dispatched", "emergency_id", emergencyID, "captain_id", backup.ID)
	c.notify(ctx, backup.ID, notify.Message{
		Type: notify.TypeBackupRequest,
		Text: "Backup requested for emergency " + emergencyID,
		Data: em,
		At:   now,
	})
	events.Emit(ctx, c.Events, events.Event{Type: events.BackupDispatched, EntityID: emergencyID, ActorID: actor.ID, At: now, Data: em})
	return em, nil
}

func without(list []*models.Captain, id string) []*models.Captain {
	out := list[:0:0]
	for _, c := range list {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

// backupsOf returns every backup captain recorded on em.
func backupsOf(em *models.Emergency) []string {
	ids := slices.Clone(em.Protocol.BackupCaptainIDs)
	if id := em.Protocol.BackupCaptainID; id != "" && !slices.Contains(ids, id) {
		ids = append(ids, id)
	}
	return ids
}

// releaseBackup returns a backup captain to available if still on duty.
func (c *Coordinator) releaseBackup(ctx context.Context, captainID string) {
	ctx = context.WithoutCancel(ctx)
	now := c.now()
	_, err := c.Store.Captains.Update(ctx, captainID, func(cp *models.Captain) error {
		if cp.Status != models.CaptainEmergencyResponse {
			return errNotHeld
		}
		cp.Status = models.CaptainAvailable
		cp.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, errNotHeld) {
		c.Logger.Error("backup captain not released", "captain_id", captainID, "transition", "release-backup", "error", err)
	}
}

// EscalateTicket moves a ticket one step up the ladder, stopping at the
// emergency team. Reaching the top opens a support escalation emergency.
func (c *Coordinator) EscalateTicket(ctx context.Context, actor models.Actor, ticketID string) (*models.Ticket, error) {
	if err := requirePrivileged(actor, "escalate tickets"); err != nil {
		return nil, err
	}
	now := c.now()
	raised := false
	t, err := c.Store.Tickets.Update(ctx, ticketID, func(t *models.Ticket) error {
		raised = false
		if t.Status == models.TicketResolved {
			return apperr.Precondition("ticket", ticketID, "escalate", "ticket is resolved")
		}
		if t.EscalationLevel >= models.MaxEscalationLevel {
			return errAtTop
		}
		t.EscalationLevel++
		t.EscalatedTo = models.EscalationTarget(t.EscalationLevel)
		t.EscalatedAt = &now
		t.UpdatedAt = now
		t.Messages = append(t.Messages, models.Message{
			ID:         uuid.NewString(),
			Sender:     models.SystemActor.ID,
			SenderType: models.SenderSystem,
			Text:       "Escalated to " + t.EscalatedTo,
			Timestamp:  now,
		})
		raised = true
		return nil
	})
	if errors.Is(err, errAtTop) {
		t, err = c.Store.Tickets.Get(ctx, ticketID)
	}
	if err != nil {
		return nil, apperr.WithOp("escalation.ticket", err)
	}

	if raised {
		observability.TicketEscalations.WithLabelValues(strconv.Itoa(t.EscalationLevel)).Inc()
		c.Logger.Info("ticket escalated", "ticket_id", ticketID, "level", t.EscalationLevel, "escalated_to", t.EscalatedTo)
		events.Emit(ctx, c.Events, events.Event{Type: events.TicketEscalated, EntityID: ticketID, ActorID: actor.ID, At: now, Data: t})
	}
	if t.EscalationLevel == models.MaxEscalationLevel {
		if err := c.ensureSupportEmergency(ctx, actor, t); err != nil {
			return t, err
		}
	}
	return t, nil
}

var errAtTop = errors.New("ticket already at top escalation level")

// ensureSupportEmergency opens the support escalation emergency for a
// ticket at the top level unless one already exists, so a retry after a
// failed create still produces exactly one.
func (c *Coordinator) ensureSupportEmergency(ctx context.Context, actor models.Actor, t *models.Ticket) error {
	existing, err := c.Store.Emergencies.List(ctx, storage.Where(
		storage.Eq("ticketId", t.ID),
		storage.Eq("type", string(models.EmergencySupportEscalation)),
	))
	if err != nil {
		return apperr.WithOp("escalation.ticket", err)
	}
	if len(existing) > 0 {
		return nil
	}
	now := c.now()
	em := &models.Emergency{
		Type:          models.EmergencySupportEscalation,
		Severity:      models.SeverityHigh,
		Status:        models.EmergencyReported,
		TicketID:      t.ID,
		RelatedRideID: t.RideID,
		Protocol: models.Protocol{
			CoastGuardNotified:      true,
			SupervisorNotified:      true,
			EmergencyTeamDispatched: true,
		},
		ReportedAt: now,
		UpdatedAt:  now,
	}
	id, err := c.Store.Emergencies.Create(ctx, em)
	if err != nil {
		c.Logger.Error("support escalation emergency not created", "ticket_id", t.ID, "error", err)
		return apperr.WithOp("escalation.ticket", err)
	}
	em.ID = id
	observability.Emergencies.WithLabelValues(string(em.Type)).Inc()
	c.Logger.Warn("support escalation emergency opened", "emergency_id", id, "ticket_id", t.ID)
	events.Emit(ctx, c.Events, events.Event{Type: events.EmergencyReported, EntityID: id, ActorID: actor.ID, At: now, Data: em})
	return nil
}

// ResolveEmergency closes an emergency. The reporting captain goes offline
// and the backup captain returns to service.
func (c *Coordinator) ResolveEmergency(ctx context.Context, actor models.Actor, emergencyID, summary string) (*models.Emergency, error) {
	if err := requirePrivileged(actor, "resolve emergencies"); err != nil {
		return nil, err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, apperr.InvalidArgument("a resolution summary is required")
	}
	now := c.now()
	em, err := c.Store.Emergencies.Update(ctx, emergencyID, func(e *models.Emergency) error {
		if e.Status == models.EmergencyResolved {
			return apperr.Precondition("emergency", emergencyID, "resolve", "emergency is already resolved")
		}
		e.Status = models.EmergencyResolved
		e.Resolution = summary
		e.ResolvedAt = &now
		e.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, apperr.WithOp("escalation.resolve", err)
	}

	if em.Type == models.EmergencyCaptain && em.CaptainID != "" {
		_, err := c.Store.Captains.Update(ctx, em.CaptainID, func(cp *models.Captain) error {
			if cp.Status != models.CaptainEmergency {
				return errNotHeld
			}
			cp.Status = models.CaptainOffline
			cp.UpdatedAt = now
			return nil
		})
		if err != nil && !errors.Is(err, errNotHeld) {
			c.Logger.Error("captain not stood down after emergency", "captain_id", em.CaptainID, "emergency_id", emergencyID, "error", err)
		}
	}
	for _, id := range backupsOf(em) {
		c.releaseBackup(ctx, id)
	}

	c.Logger.Info("emergency resolved", "emergency_id", emergencyID, "actor_id", actor.ID)
	events.Emit(ctx, c.Events, events.Event{Type: events.EmergencyResolved, EntityID: emergencyID, ActorID: actor.ID, At: now, Data: em})
	return em, nil
}

func (c *Coordinator) ResolveTicket(ctx context.Context, actor models.Actor, ticketID, summary string) (*models.Ticket, error) {
	if err := requirePrivileged(actor, "resolve tickets"); err != nil {
		return nil, err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, apperr.InvalidArgument("a resolution summary is required")
	}
	now := c.now()
	t, err := c.Store.Tickets.Update(ctx, ticketID, func(t *models.Ticket) error {
		if t.Status == models.TicketResolved {
			return apperr.Precondition("ticket", ticketID, "resolve", "ticket is already resolved")
		}
		t.Status = models.TicketResolved
		t.Resolution = summary
		t.ResolvedAt = &now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, apperr.WithOp("escalation.resolve_ticket", err)
	}
	c.Logger.Info("ticket resolved", "ticket_id", ticketID, "actor_id", actor.ID)
	events.Emit(ctx, c.Events, events.Event{Type: events.TicketResolved, EntityID: ticketID, ActorID: actor.ID, At: now, Data: t})
	return t, nil
}

func (c *Coordinator) notify(ctx context.Context, captainID string, m notify.Message) {
	if c.Notifier == nil {
		return
	}
	if err := c.Notifier.Notify(ctx, captainID, m); err != nil {
		c.Logger.Debug("captain notification not delivered", "captain_id", captainID, "type", m.Type, "error", err)
	}
}
