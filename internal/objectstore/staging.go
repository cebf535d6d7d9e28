package objectstore

import "github.com/oriys/depot/internal/cache"

// staging collects materialized-object table changes made inside an engine
// transaction. They reach the table only once the transaction commits.
type staging[T any] struct {
	// cleared records a DeleteAll, forgotten a Forget. Either way the table
	// is emptied on apply and must not be consulted until then.
	cleared   bool
	forgotten bool
	ops       map[string]stagedOp[T]
	order     []string
}

type stagedOp[T any] struct {
	value   T
	deleted bool
}

func newStaging[T any]() *staging[T] {
	return &staging[T]{ops: make(map[string]stagedOp[T])}
}

func (s *staging[T]) set(id string, v T) {
	s.record(id, stagedOp[T]{value: v})
}

func (s *staging[T]) remove(id string) {
	s.record(id, stagedOp[T]{deleted: true})
}

func (s *staging[T]) record(id string, op stagedOp[T]) {
	if _, ok := s.ops[id]; !ok {
		s.order = append(s.order, id)
	}
	s.ops[id] = op
}

// lookup reports a staged value, or whether id was staged for removal.
func (s *staging[T]) lookup(id string) (v T, found, deleted bool) {
	op, ok := s.ops[id]
	if !ok {
		return v, false, false
	}
	if op.deleted {
		return v, false, true
	}
	return op.value, true, false
}

func (s *staging[T]) clear() {
	s.cleared = true
	s.reset()
}

func (s *staging[T]) forget() {
	s.forgotten = true
	s.reset()
}

func (s *staging[T]) reset() {
	s.ops = make(map[string]stagedOp[T])
	s.order = nil
}

// detached reports whether the committed table no longer reflects this
// transaction.
func (s *staging[T]) detached() bool {
	return s.cleared || s.forgotten
}

func (s *staging[T]) apply(table *cache.Bounded[string, T]) {
	if s.detached() {
		table.Clear()
	}
	for _, id := range s.order {
		op := s.ops[id]
		if op.deleted {
			table.Remove(id)
		} else {
			table.Set(id, op.value)
		}
	}
}
