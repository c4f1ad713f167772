package models

import "time"

type CaptainStatus string

const (
	CaptainOffline           CaptainStatus = "offline"
	CaptainAvailable         CaptainStatus = "available"
	CaptainBusy              CaptainStatus = "busy"
	CaptainEmergencyResponse CaptainStatus = "emergency_response"
	CaptainEmergency         CaptainStatus = "emergency"
)

func ParseCaptainStatus(s string) (CaptainStatus, bool) {
	switch st := CaptainStatus(s); st {
	case CaptainOffline, CaptainAvailable, CaptainBusy, CaptainEmergencyResponse, CaptainEmergency:
		return st, true
	}
	return "", false
}

var captainTransitions = map[CaptainStatus][]CaptainStatus{
	CaptainOffline:           {CaptainAvailable, CaptainEmergency},
	CaptainAvailable:         {CaptainOffline, CaptainBusy, CaptainEmergencyResponse, CaptainEmergency},
	CaptainBusy:              {CaptainAvailable, CaptainEmergency},
	CaptainEmergencyResponse: {CaptainOffline, CaptainAvailable, CaptainEmergency},
	CaptainEmergency:         {CaptainOffline},
}

// CanTransitionCaptain reports whether from -> to is an edge of the captain
// state machine. Self-transitions are not edges.
func CanTransitionCaptain(from, to CaptainStatus) bool {
	for _, s := range captainTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type CaptainStats struct {
	TotalRides     int     `json:"totalRides"`
	AcceptedRides  int     `json:"acceptedRides"`
	TotalRevenue   int64   `json:"totalRevenue"` // cents
	Rating         float64 `json:"rating"`       // 0..5
	CompletionRate float64 `json:"completionRate"`
}

type Captain struct {
	ID              string        `json:"id"`
	DisplayName     string        `json:"displayName"`
	VesselClass     VehicleClass  `json:"vesselClass"`
	Status          CaptainStatus `json:"status"`
	CurrentRideID   string        `json:"currentRideId"`
	CurrentLocation *Position     `json:"currentLocation,omitempty"`
	LastActive      time.Time     `json:"lastActive"`
	Stats           CaptainStats  `json:"stats"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

func (c *Captain) DocID() string      { return c.ID }
func (c *Captain) SetDocID(id string) { c.ID = id }

// RecordCompletion folds a finished ride into the aggregate stats.
func (c *Captain) RecordCompletion(fare int64) {
	c.Stats.TotalRides++
	c.Stats.TotalRevenue += fare
	c.recomputeCompletionRate()
}

func (c *Captain) RecordAcceptance() {
	c.Stats.AcceptedRides++
	c.recomputeCompletionRate()
}

func (c *Captain) recomputeCompletionRate() {
	if c.Stats.AcceptedRides == 0 {
		c.Stats.CompletionRate = 0
		return
	}
	rate := float64(c.Stats.TotalRides) * 100 / float64(c.Stats.AcceptedRides)
	if rate > 100 {
		rate = 100
	}
	c.Stats.CompletionRate = rate
}
