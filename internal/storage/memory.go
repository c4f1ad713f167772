package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/example/boat-dispatch/internal/apperr"
)

type memDoc struct {
	version int64
	data    []byte
}

// MemoryCollection keeps documents as encoded JSON so callers never share
// memory with the store. Writes are serialized by a single mutex, which
// makes every Update trivially conditional.
type MemoryCollection[T Document] struct {
	name   string
	newDoc func() T

	mu     sync.RWMutex
	docs   map[string]memDoc
	broker *broker
}

func NewMemoryCollection[T Document](name string, newDoc func() T) *MemoryCollection[T] {
	return &MemoryCollection[T]{name: name, newDoc: newDoc, docs: make(map[string]memDoc), broker: newBroker()}
}

func (m *MemoryCollection[T]) Name() string { return m.name }

func (m *MemoryCollection[T]) decode(data []byte) (T, error) {
	doc := m.newDoc()
	if err := json.Unmarshal(data, doc); err != nil {
		var zero T
		return zero, fmt.Errorf("%s: decode: %w", m.name, err)
	}
	return doc, nil
}

// commit must be called with mu held for writing.
func (m *MemoryCollection[T]) commit(id string, version int64, data []byte) {
	m.docs[id] = memDoc{version: version, data: data}
	m.broker.publish(rawChange{id: id, data: data})
}

func (m *MemoryCollection[T]) Create(ctx context.Context, doc T) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperr.Transient(m.name+".create", err)
	}
	id := uuid.New().String()
	doc.SetDocID(id)
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%s: encode: %w", m.name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commit(id, 1, data)
	return id, nil
}

func (m *MemoryCollection[T]) Put(ctx context.Context, doc T) error {
	if err := ctx.Err(); err != nil {
		return apperr.Transient(m.name+".put", err)
	}
	if doc.DocID() == "" {
		return apperr.InvalidArgument("%s: document id required", m.name)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", m.name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commit(doc.DocID(), m.docs[doc.DocID()].version+1, data)
	return nil
}

func (m *MemoryCollection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, apperr.Transient(m.name+".get", err)
	}
	m.mu.RLock()
	d, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return zero, apperr.NotFound(singular(m.name), id)
	}
	return m.decode(d.data)
}

func (m *MemoryCollection[T]) Update(ctx context.Context, id string, mutate func(T) error) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, apperr.Transient(m.name+".update", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return zero, apperr.NotFound(singular(m.name), id)
	}
	doc, err := m.decode(d.data)
	if err != nil {
		return zero, err
	}
	if err := mutate(doc); err != nil {
		return zero, err
	}
	doc.SetDocID(id)
	data, err := json.Marshal(doc)
	if err != nil {
		return zero, fmt.Errorf("%s: encode: %w", m.name, err)
	}
	m.commit(id, d.version+1, data)
	return doc, nil
}

func (m *MemoryCollection[T]) Merge(ctx context.Context, id string, fields map[string]any) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, apperr.Transient(m.name+".merge", err)
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return zero, fmt.Errorf("%s: encode patch: %w", m.name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return zero, apperr.NotFound(singular(m.name), id)
	}
	data, err := mergeJSON(d.data, patch)
	if err != nil {
		return zero, fmt.Errorf("%s: merge: %w", m.name, err)
	}
	doc, err := m.decode(data)
	if err != nil {
		return zero, err
	}
	m.commit(id, d.version+1, data)
	return doc, nil
}

func (m *MemoryCollection[T]) List(ctx context.Context, q Query) ([]T, error) {
	if err := q.validate(); err != nil {
		return nil, apperr.InvalidArgument("%s: %v", m.name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Transient(m.name+".list", err)
	}
	m.mu.RLock()
	items := m.selectLocked(q)
	m.mu.RUnlock()
	return m.decodeAll(items)
}

func (m *MemoryCollection[T]) selectLocked(q Query) []decoded {
	items := make([]decoded, 0, len(m.docs))
	for id, d := range m.docs {
		dm := decodeMap(d.data)
		if q.matches(dm) {
			items = append(items, decoded{id: id, data: d.data, m: dm})
		}
	}
	sortDecoded(items, q)
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return items
}

func (m *MemoryCollection[T]) decodeAll(items []decoded) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, it := range items {
		doc, err := m.decode(it.data)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (m *MemoryCollection[T]) Subscribe(ctx context.Context, q Query) (*Subscription[T], error) {
	if err := q.validate(); err != nil {
		return nil, apperr.InvalidArgument("%s: %v", m.name, err)
	}
	// Register and snapshot under the same lock so no commit falls between.
	m.mu.RLock()
	s := m.broker.add()
	items := m.selectLocked(Query{Where: q.Where, OrderBy: q.OrderBy, Desc: q.Desc})
	m.mu.RUnlock()

	snapshot, err := m.decodeAll(items)
	if err != nil {
		m.broker.remove(s)
		return nil, err
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		seen[it.id] = true
	}
	out := make(chan Change[T], 16)
	go stream(ctx, m.broker, s, q, m.newDoc, seen, out)
	return &Subscription[T]{Snapshot: snapshot, Changes: out}, nil
}

func mergeJSON(base, patch []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, err
	}
	var p map[string]json.RawMessage
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, err
	}
	for k, v := range p {
		doc[k] = v
	}
	return json.Marshal(doc)
}

func singular(collection string) string {
	switch collection {
	case RidesCollection:
		return "ride"
	case CaptainsCollection:
		return "captain"
	case EmergenciesCollection:
		return "emergency"
	case TicketsCollection:
		return "ticket"
	}
	return collection
}
