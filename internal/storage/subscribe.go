package storage

import (
	"context"
	"encoding/json"
	"sync"
)

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed" // no longer matches the query
)

type Change[T Document] struct {
	Kind ChangeKind
	Doc  T
}

// Subscription is a snapshot followed by a stream of deltas. Changes is
// closed once the subscribing context ends.
type Subscription[T Document] struct {
	Snapshot []T
	Changes  <-chan Change[T]
}

type rawChange struct {
	id   string
	data []byte
}

// broker fans committed documents out to subscribers without ever blocking
// the writer: each subscriber owns an unbounded queue drained by its own
// goroutine.
type broker struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	mu     sync.Mutex
	queue  []rawChange
	signal chan struct{}
}

func newBroker() *broker { return &broker{subs: map[*subscriber]struct{}{}} }

func (b *broker) add() *subscriber {
	s := &subscriber{signal: make(chan struct{}, 1)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *broker) remove(s *subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

func (b *broker) publish(rc rawChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.mu.Lock()
		s.queue = append(s.queue, rc)
		s.mu.Unlock()
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

func (s *subscriber) drain() []rawChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

// stream turns raw changes into typed deltas relative to the query. seen
// holds the ids of the snapshot so the first delta for a document is
// reported as modified rather than added.
func stream[T Document](ctx context.Context, b *broker, s *subscriber, q Query, newDoc func() T, seen map[string]bool, out chan<- Change[T]) {
	defer func() {
		b.remove(s)
		close(out)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		}
		for _, rc := range s.drain() {
			doc := newDoc()
			if err := json.Unmarshal(rc.data, doc); err != nil {
				continue
			}
			var ch Change[T]
			switch {
			case q.matches(decodeMap(rc.data)):
				ch = Change[T]{Kind: ChangeAdded, Doc: doc}
				if seen[rc.id] {
					ch.Kind = ChangeModified
				}
				seen[rc.id] = true
			case seen[rc.id]:
				delete(seen, rc.id)
				ch = Change[T]{Kind: ChangeRemoved, Doc: doc}
			default:
				continue
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}
	}
}
