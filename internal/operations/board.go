package operations

import (
	"sort"
	"time"

	"github.com/example/boat-dispatch/internal/models"
	"github.com/example/boat-dispatch/internal/observability"
)

// Board is the aggregated operations picture.
type Board struct {
	RidesByStatus    map[models.RideStatus]int    `json:"ridesByStatus"`
	CaptainsByStatus map[models.CaptainStatus]int `json:"captainsByStatus"`
	PendingRides     []*models.Ride               `json:"pendingRides"`
	LiveRides        []*models.Ride               `json:"liveRides"`
	Captains         []*models.Captain            `json:"captains"`
	OpenEmergencies  []*models.Emergency          `json:"openEmergencies"`
	OpenTickets      []*models.Ticket             `json:"openTickets"`
	GeneratedAt      time.Time                    `json:"generatedAt"`
}

func buildBoard(rides []*models.Ride, captains []*models.Captain, ems []*models.Emergency, tickets []*models.Ticket, now time.Time) Board {
	b := Board{
		RidesByStatus:    map[models.RideStatus]int{},
		CaptainsByStatus: map[models.CaptainStatus]int{},
		PendingRides:     []*models.Ride{},
		LiveRides:        []*models.Ride{},
		Captains:         captains,
		OpenEmergencies:  []*models.Emergency{},
		OpenTickets:      []*models.Ticket{},
		GeneratedAt:      now,
	}
	for _, r := range rides {
		b.RidesByStatus[r.Status]++
		switch {
		case r.Status == models.RidePending:
			b.PendingRides = append(b.PendingRides, r)
		case r.Status.Live():
			b.LiveRides = append(b.LiveRides, r)
		}
	}
	sort.Slice(b.PendingRides, func(i, j int) bool { return b.PendingRides[i].RequestedAt.Before(b.PendingRides[j].RequestedAt) })
	sort.Slice(b.LiveRides, func(i, j int) bool { return b.LiveRides[i].ID < b.LiveRides[j].ID })

	sort.Slice(b.Captains, func(i, j int) bool { return b.Captains[i].ID < b.Captains[j].ID })
	for _, c := range captains {
		b.CaptainsByStatus[c.Status]++
	}

	for _, e := range ems {
		if e.Status != models.EmergencyResolved {
			b.OpenEmergencies = append(b.OpenEmergencies, e)
		}
	}
	sort.Slice(b.OpenEmergencies, func(i, j int) bool { return b.OpenEmergencies[i].ReportedAt.Before(b.OpenEmergencies[j].ReportedAt) })

	for _, t := range tickets {
		if t.Status != models.TicketResolved {
			b.OpenTickets = append(b.OpenTickets, t)
		}
	}
	sort.SliceStable(b.OpenTickets, func(i, j int) bool {
		pi, pj := b.OpenTickets[i].Priority.Rank(), b.OpenTickets[j].Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return b.OpenTickets[i].CreatedAt.Before(b.OpenTickets[j].CreatedAt)
	})
	return b
}

func recordCaptainGauge(b Board) {
	for _, st := range []models.CaptainStatus{
		models.CaptainOffline, models.CaptainAvailable, models.CaptainBusy,
		models.CaptainEmergencyResponse, models.CaptainEmergency,
	} {
		observability.CaptainsByStatus.WithLabelValues(string(st)).Set(float64(b.CaptainsByStatus[st]))
	}
}
