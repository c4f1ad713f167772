package models

import "time"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) (Priority, bool) {
	switch p := Priority(s); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, true
	}
	return "", false
}

// Rank orders priorities with high first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
)

const MaxEscalationLevel = 3

// EscalationTarget names who owns a ticket at each escalation level.
func EscalationTarget(level int) string {
	switch level {
	case 1:
		return "supervisor"
	case 2:
		return "operations-lead"
	case 3:
		return "emergency-team"
	}
	return ""
}

type SenderType string

const (
	SenderAgent    SenderType = "agent"
	SenderCustomer SenderType = "customer"
	SenderCaptain  SenderType = "captain"
	SenderSystem   SenderType = "system"
)

type Message struct {
	ID         string     `json:"id"`
	Sender     string     `json:"sender"`
	SenderType SenderType `json:"senderType"`
	Text       string     `json:"text"`
	Timestamp  time.Time  `json:"timestamp"`
}

type Ticket struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Priority        Priority     `json:"priority"`
	Type            string       `json:"type"`
	Status          TicketStatus `json:"status"`
	RideID          string       `json:"rideId,omitempty"`
	CreatedBy       string       `json:"createdBy,omitempty"`
	AssignedAgent   string       `json:"assignedAgent,omitempty"`
	Messages        []Message    `json:"messages"`
	EscalationLevel int          `json:"escalationLevel"`
	EscalatedTo     string       `json:"escalatedTo,omitempty"`
	Resolution      string       `json:"resolution,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	AssignedAt      *time.Time   `json:"assignedAt,omitempty"`
	EscalatedAt     *time.Time   `json:"escalatedAt,omitempty"`
	ResolvedAt      *time.Time   `json:"resolvedAt,omitempty"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

func (t *Ticket) DocID() string      { return t.ID }
func (t *Ticket) SetDocID(id string) { t.ID = id }
