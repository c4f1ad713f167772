package models

import "time"

// Position is a captain or incident location as reported by a device.
type Position struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Accuracy  float64   `json:"accuracy"` // meters
}

type Role string

const (
	RoleRider      Role = "rider"
	RoleCaptain    Role = "captain"
	RoleOperations Role = "operations"
	RoleSystem     Role = "system"
)

// Actor is the verified identity behind a command.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) Authenticated() bool { return a.ID != "" }

// Privileged reports whether the actor may act on behalf of others.
func (a Actor) Privileged() bool { return a.Role == RoleOperations || a.Role == RoleSystem }

// ActsForCaptain reports whether the actor may act on captainID's records:
// the captain's own token or a privileged one. A rider whose id happens to
// match is not the captain.
func (a Actor) ActsForCaptain(captainID string) bool {
	return a.Privileged() || (a.Role == RoleCaptain && a.ID != "" && a.ID == captainID)
}

// SystemActor is used by background processes such as the reconciler.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func ptrTime(t time.Time) *time.Time { return &t }
