package storage

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/example/boat-dispatch/internal/models"
)

func TestSelectSQLBindsFieldNames(t *testing.T) {
	p := &PostgresCollection[*models.Ride]{table: RidesCollection}
	stmt, args := p.selectSQL(Where(In("status", "pending", "active"), Eq("captainId", "cap-1")).Order("requestedAt", true))
	want := `SELECT doc FROM rides WHERE COALESCE(doc->>$1, '') = ANY($2) AND COALESCE(doc->>$3, '') = ANY($4) ORDER BY doc->$5 DESC, id`
	if stmt != want {
		t.Fatalf("got  %s\nwant %s", stmt, want)
	}
	if len(args) != 5 || args[0] != "status" || args[2] != "captainId" || args[4] != "requestedAt" {
		t.Fatalf("unexpected args %#v", args)
	}
	if strings.Contains(stmt, "pending") {
		t.Fatalf("values must not be inlined")
	}
}

// Runs only when PG_TEST_DSN points at a disposable database.
func TestPostgresConditionalUpdate(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_ = db.Close()

	st, err := NewPostgresStore(ctx, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	id, err := st.Rides.Create(ctx, &models.Ride{Status: models.RidePending, Pickup: "Pier 39", Dropoff: "Alcatraz Dock"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Rides.Update(ctx, id, func(r *models.Ride) error { r.Assign("cap-1", time.Now()); return nil }); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := st.Rides.Get(ctx, id)
	if err != nil || got.CaptainID != "cap-1" {
		t.Fatalf("get: %+v %v", got, err)
	}
}
