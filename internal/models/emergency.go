package models

import "time"

type EmergencyType string

const (
	EmergencyCaptain           EmergencyType = "captain_emergency"
	EmergencySupportEscalation EmergencyType = "support_escalation"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type EmergencyStatus string

const (
	EmergencyReported   EmergencyStatus = "reported"
	EmergencyResponding EmergencyStatus = "responding"
	EmergencyResolved   EmergencyStatus = "resolved"
)

type Protocol struct {
	CoastGuardNotified      bool   `json:"coastGuardNotified"`
	SupervisorNotified      bool   `json:"supervisorNotified"`
	EmergencyTeamDispatched bool   `json:"emergencyTeamDispatched"`
	BackupDispatched        bool   `json:"backupDispatched"`
	BackupCaptainID         string `json:"backupCaptainId,omitempty"` // most recent
	// BackupCaptainIDs lists every captain sent, in dispatch order.
	BackupCaptainIDs []string `json:"backupCaptainIds,omitempty"`
	BackupETAMinutes        int    `json:"backupEtaMinutes,omitempty"`
}

type Emergency struct {
	ID            string          `json:"id"`
	Type          EmergencyType   `json:"type"`
	Severity      Severity        `json:"severity"`
	Status        EmergencyStatus `json:"status"`
	CaptainID     string          `json:"captainId,omitempty"`
	RelatedRideID string          `json:"relatedRideId,omitempty"`
	TicketID      string          `json:"ticketId,omitempty"`
	Location      *Position       `json:"location,omitempty"`
	Protocol      Protocol        `json:"protocol"`
	Resolution    string          `json:"resolution,omitempty"`
	ReportedAt    time.Time       `json:"reportedAt"`
	RespondingAt  *time.Time      `json:"respondingAt,omitempty"`
	ResolvedAt    *time.Time      `json:"resolvedAt,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (e *Emergency) DocID() string      { return e.ID }
func (e *Emergency) SetDocID(id string) { e.ID = id }
