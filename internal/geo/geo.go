package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/boat-dispatch/internal/models"
)

// Located is a captain position with its distance from a query point.
type Located struct {
	CaptainID string
	Position  models.Position
	DistanceM float64
}

// PositionIndex answers proximity queries over last-known captain
// positions. It is a read-side cache; the captain document stays
// authoritative.
type PositionIndex interface {
	Upsert(ctx context.Context, captainID string, p models.Position) error
	Remove(ctx context.Context, captainID string) error
	Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]Located, error)
}

type Index struct {
	mu        sync.RWMutex
	positions map[string]models.Position
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]models.Position)}
}

func (g *Index) Upsert(_ context.Context, captainID string, p models.Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[captainID] = p
	return nil
}

func (g *Index) Remove(_ context.Context, captainID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, captainID)
	return nil
}

// naive scan; fleets are small enough that a geohash is not worth it yet
func (g *Index) Nearby(_ context.Context, lat, lng, radiusM float64, limit int) ([]Located, error) {
	g.mu.RLock()
	out := make([]Located, 0, len(g.positions))
	for id, p := range g.positions {
		d := Haversine(lat, lng, p.Lat, p.Lng)
		if radiusM > 0 && d > radiusM {
			continue
		}
		out = append(out, Located{CaptainID: id, Position: p, DistanceM: d})
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM == out[j].DistanceM {
			return out[i].CaptainID < out[j].CaptainID
		}
		return out[i].DistanceM < out[j].DistanceM
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
