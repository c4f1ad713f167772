package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/boat-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineMiamiToKeyBiscayne(t *testing.T) {
	// Bayside Marina to Crandon Marina is a little over 7 km.
	d := Haversine(25.7781, -80.1868, 25.7189, -80.1557)
	if math.Abs(d-7300) > 800 {
		t.Fatalf("unexpected distance %f", d)
	}
}

func TestIndexNearbyOrdersByDistanceAndRadius(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, "far", models.Position{Lat: 26.5, Lng: -80.19})
	_ = idx.Upsert(ctx, "near", models.Position{Lat: 25.77, Lng: -80.19})
	_ = idx.Upsert(ctx, "mid", models.Position{Lat: 25.80, Lng: -80.19})

	got, err := idx.Nearby(ctx, 25.76, -80.19, 10000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].CaptainID != "near" || got[1].CaptainID != "mid" {
		t.Fatalf("unexpected result %+v", got)
	}

	_ = idx.Remove(ctx, "near")
	got, _ = idx.Nearby(ctx, 25.76, -80.19, 0, 1)
	if len(got) != 1 || got[0].CaptainID != "mid" {
		t.Fatalf("unexpected result after remove %+v", got)
	}
}
