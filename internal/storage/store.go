package storage

import (
	"context"

	"github.com/example/boat-dispatch/internal/models"
)

// Document is implemented by every persisted entity.
type Document interface {
	DocID() string
	SetDocID(id string)
}

// Collection is the document store contract the dispatch core depends on:
// per-document reads, conditional and last-writer-wins writes, and push
// subscriptions.
type Collection[T Document] interface {
	Name() string

	// Create stores doc under a store-assigned id and returns it.
	Create(ctx context.Context, doc T) (string, error)
	// Put stores doc under its own id, replacing any previous version.
	Put(ctx context.Context, doc T) error
	Get(ctx context.Context, id string) (T, error)

	// Update applies mutate to the current version of the document and
	// commits only if the document did not change in between. A non-nil
	// error from mutate aborts without writing.
	Update(ctx context.Context, id string, mutate func(T) error) (T, error)

	// Merge overwrites the given top-level fields; last writer wins.
	Merge(ctx context.Context, id string, fields map[string]any) (T, error)

	List(ctx context.Context, q Query) ([]T, error)

	// Subscribe returns the documents matching q and then streams changes
	// until ctx is done. Delivery is at-least-once.
	Subscribe(ctx context.Context, q Query) (*Subscription[T], error)
}

const (
	RidesCollection       = "rides"
	CaptainsCollection    = "captains"
	EmergenciesCollection = "emergencies"
	TicketsCollection     = "tickets"
)

// Store groups the collections used by the service.
type Store struct {
	Rides       Collection[*models.Ride]
	Captains    Collection[*models.Captain]
	Emergencies Collection[*models.Emergency]
	Tickets     Collection[*models.Ticket]

	ping  func(ctx context.Context) error
	close func() error
}

func (s *Store) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func newRide() *models.Ride           { return &models.Ride{} }
func newCaptain() *models.Captain     { return &models.Captain{} }
func newEmergency() *models.Emergency { return &models.Emergency{} }
func newTicket() *models.Ticket       { return &models.Ticket{} }

// NewMemoryStore returns a Store backed by process memory.
func NewMemoryStore() *Store {
	return &Store{
		Rides:       NewMemoryCollection(RidesCollection, newRide),
		Captains:    NewMemoryCollection(CaptainsCollection, newCaptain),
		Emergencies: NewMemoryCollection(EmergenciesCollection, newEmergency),
		Tickets:     NewMemoryCollection(TicketsCollection, newTicket),
	}
}
