package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/boat-dispatch/internal/apperr"
)

var errInjected = errors.New("injected store failure")

// FaultyCollection wraps a Collection and fails writes on demand. It lets
// callers exercise unavailable-store and unknown-outcome paths.
type FaultyCollection[T Document] struct {
	Collection[T]

	mu         sync.Mutex
	failWrites int
	lostAcks   int
	failReads  int
}

func NewFaultyCollection[T Document](inner Collection[T]) *FaultyCollection[T] {
	return &FaultyCollection[T]{Collection: inner}
}

// FailWrites makes the next n writes fail without committing.
func (f *FaultyCollection[T]) FailWrites(n int) {
	f.mu.Lock()
	f.failWrites = n
	f.mu.Unlock()
}

// LoseAcks makes the next n writes commit but report an unknown outcome.
func (f *FaultyCollection[T]) LoseAcks(n int) {
	f.mu.Lock()
	f.lostAcks = n
	f.mu.Unlock()
}

// FailReads makes the next n reads fail.
func (f *FaultyCollection[T]) FailReads(n int) {
	f.mu.Lock()
	f.failReads = n
	f.mu.Unlock()
}

func (f *FaultyCollection[T]) takeWrite() (fail, lose bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites > 0 {
		f.failWrites--
		return true, false
	}
	if f.lostAcks > 0 {
		f.lostAcks--
		return false, true
	}
	return false, false
}

func (f *FaultyCollection[T]) takeRead() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads > 0 {
		f.failReads--
		return true
	}
	return false
}

func lostAck(op string) error {
	e := apperr.Transient(op, errInjected)
	e.UnknownOutcome = true
	return e
}

func (f *FaultyCollection[T]) Create(ctx context.Context, doc T) (string, error) {
	fail, lose := f.takeWrite()
	if fail {
		return "", apperr.Transient(f.Name()+".create", errInjected)
	}
	id, err := f.Collection.Create(ctx, doc)
	if err == nil && lose {
		return "", lostAck(f.Name() + ".create")
	}
	return id, err
}

func (f *FaultyCollection[T]) Put(ctx context.Context, doc T) error {
	fail, lose := f.takeWrite()
	if fail {
		return apperr.Transient(f.Name()+".put", errInjected)
	}
	err := f.Collection.Put(ctx, doc)
	if err == nil && lose {
		return lostAck(f.Name() + ".put")
	}
	return err
}

func (f *FaultyCollection[T]) Update(ctx context.Context, id string, mutate func(T) error) (T, error) {
	var zero T
	fail, lose := f.takeWrite()
	if fail {
		return zero, apperr.Transient(f.Name()+".update", errInjected)
	}
	doc, err := f.Collection.Update(ctx, id, mutate)
	if err == nil && lose {
		return zero, lostAck(f.Name() + ".update")
	}
	return doc, err
}

func (f *FaultyCollection[T]) Merge(ctx context.Context, id string, fields map[string]any) (T, error) {
	var zero T
	fail, lose := f.takeWrite()
	if fail {
		return zero, apperr.Transient(f.Name()+".merge", errInjected)
	}
	doc, err := f.Collection.Merge(ctx, id, fields)
	if err == nil && lose {
		return zero, lostAck(f.Name() + ".merge")
	}
	return doc, err
}

func (f *FaultyCollection[T]) Get(ctx context.Context, id string) (T, error) {
	if f.takeRead() {
		var zero T
		return zero, apperr.Transient(f.Name()+".get", errInjected)
	}
	return f.Collection.Get(ctx, id)
}

func (f *FaultyCollection[T]) List(ctx context.Context, q Query) ([]T, error) {
	if f.takeRead() {
		return nil, apperr.Transient(f.Name()+".list", errInjected)
	}
	return f.Collection.List(ctx, q)
}
