// Package matcher picks which available captain answers an emergency.
package matcher

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/example/boat-dispatch/internal/geo"
	"github.com/example/boat-dispatch/internal/models"
)

// BackupPolicy selects one captain out of a non-empty candidate list.
type BackupPolicy interface {
	Select(ctx context.Context, em *models.Emergency, candidates []*models.Captain) (*models.Captain, error)
}

// FirstByID is deterministic and position-blind.
type FirstByID struct{}

func (FirstByID) Select(_ context.Context, _ *models.Emergency, candidates []*models.Captain) (*models.Captain, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ID < best.ID {
			best = c
		}
	}
	return best, nil
}

// Nearest scores candidates by distance to the incident plus a penalty for
// low ratings: cost = distance + RatingWeightM*(5 - rating). Candidates
// without a known position lose to any located one; with no incident
// location it falls back to FirstByID.
type Nearest struct {
	Index         geo.PositionIndex
	RatingWeightM float64
	RadiusM       float64
}

func NewNearest(index geo.PositionIndex) *Nearest {
	return &Nearest{Index: index, RatingWeightM: 250, RadiusM: 50000}
}

type scored struct {
	c    *models.Captain
	cost float64
}

func (n *Nearest) Select(ctx context.Context, em *models.Emergency, candidates []*models.Captain) (*models.Captain, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if em == nil || em.Location == nil {
		return FirstByID{}.Select(ctx, em, candidates)
	}
	dist := make(map[string]float64, len(candidates))
	if n.Index != nil {
		located, err := n.Index.Nearby(ctx, em.Location.Lat, em.Location.Lng, n.RadiusM, 0)
		if err != nil {
			return nil, err
		}
		for _, l := range located {
			dist[l.CaptainID] = l.DistanceM
		}
	}
	list := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		d, ok := dist[c.ID]
		if !ok && c.CurrentLocation != nil {
			d, ok = geo.Haversine(em.Location.Lat, em.Location.Lng, c.CurrentLocation.Lat, c.CurrentLocation.Lng), true
		}
		cost := math.Inf(1)
		if ok {
			cost = d + n.RatingWeightM*(5.0-c.Stats.Rating)
		}
		list = append(list, scored{c, cost})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].cost == list[j].cost {
			return list[i].c.ID < list[j].c.ID
		}
		return list[i].cost < list[j].cost
	})
	return list[0].c, nil
}

// PolicyByName maps the backup_policy setting to a policy.
func PolicyByName(name string, index geo.PositionIndex) BackupPolicy {
	if strings.EqualFold(name, "nearest") {
		return NewNearest(index)
	}
	return FirstByID{}
}
