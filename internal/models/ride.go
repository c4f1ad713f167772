package models

import (
	"strings"
	"time"
)

type VehicleClass string

const (
	VehicleSpeedboat VehicleClass = "speedboat"
	VehicleYacht     VehicleClass = "yacht"
	VehicleSailboat  VehicleClass = "sailboat"
	VehicleAny       VehicleClass = "any"
)

// ParseVehicleClass accepts the class names case-insensitively.
func ParseVehicleClass(s string) (VehicleClass, bool) {
	switch VehicleClass(strings.ToLower(strings.TrimSpace(s))) {
	case VehicleSpeedboat:
		return VehicleSpeedboat, true
	case VehicleYacht:
		return VehicleYacht, true
	case VehicleSailboat:
		return VehicleSailboat, true
	case VehicleAny:
		return VehicleAny, true
	}
	return "", false
}

// baseFares are flat per-class estimates in cents.
var baseFares = map[VehicleClass]int64{
	VehicleSpeedboat: 4500,
	VehicleYacht:     12000,
	VehicleSailboat:  6000,
	VehicleAny:       4500,
}

func FareEstimate(c VehicleClass) int64 { return baseFares[c] }

type RideStatus string

const (
	RidePending   RideStatus = "pending"
	RideAssigned  RideStatus = "assigned"
	RideActive    RideStatus = "active"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

// Live reports whether a captain is currently committed to the ride.
func (s RideStatus) Live() bool { return s == RideAssigned || s == RideActive }

func (s RideStatus) Terminal() bool { return s == RideCompleted || s == RideCancelled }

type Ride struct {
	ID             string       `json:"id"`
	RiderID        string       `json:"riderId"`
	CaptainID      string       `json:"captainId"`
	Pickup         string       `json:"pickup"`
	Dropoff        string       `json:"dropoff"`
	VehicleClass   VehicleClass `json:"vehicleClass"`
	Status         RideStatus   `json:"status"`
	FareEstimate   int64        `json:"fareEstimate"`
	EmergencyID    string       `json:"emergencyId,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
	CancelReason   string       `json:"cancelReason,omitempty"`
	RequestedAt    time.Time    `json:"requestedAt"`
	AcceptedAt     *time.Time   `json:"acceptedAt,omitempty"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	CancelledAt    *time.Time   `json:"cancelledAt,omitempty"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

func (r *Ride) DocID() string      { return r.ID }
func (r *Ride) SetDocID(id string) { r.ID = id }

// Assign moves a pending ride to the given captain.
func (r *Ride) Assign(captainID string, now time.Time) {
	r.CaptainID = captainID
	r.Status = RideAssigned
	r.AcceptedAt = ptrTime(now)
	r.UpdatedAt = now
}

// Requeue returns an assigned ride to the pending pool.
func (r *Ride) Requeue(now time.Time) {
	r.CaptainID = ""
	r.Status = RidePending
	r.AcceptedAt = nil
	r.UpdatedAt = now
}
