package objectstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryEngine is an Engine held in process memory. Transactions buffer
// their writes and apply them atomically on Commit.
type MemoryEngine struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

// NewMemoryEngine creates an empty engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{tables: make(map[string]map[string][]byte)}
}

type rowKey struct{ entity, id string }

type memTxn struct {
	engine  *MemoryEngine
	writes  map[rowKey][]byte // nil value marks a delete
	cleared map[string]bool
	done    bool
}

func (e *MemoryEngine) Begin(context.Context) (Txn, error) {
	return &memTxn{
		engine:  e,
		writes:  make(map[rowKey][]byte),
		cleared: make(map[string]bool),
	}, nil
}

func (e *MemoryEngine) Close() error { return nil }

func (t *memTxn) Get(_ context.Context, entity, id string) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	if data, ok := t.writes[rowKey{entity, id}]; ok {
		if data == nil {
			return nil, ErrNoRecord
		}
		return clone(data), nil
	}
	if t.cleared[entity] {
		return nil, ErrNoRecord
	}

	t.engine.mu.RLock()
	defer t.engine.mu.RUnlock()
	data, ok := t.engine.tables[entity][id]
	if !ok {
		return nil, ErrNoRecord
	}
	return clone(data), nil
}

func (t *memTxn) Put(_ context.Context, entity, id string, data []byte) error {
	if t.done {
		return ErrTxnDone
	}
	t.writes[rowKey{entity, id}] = clone(data)
	return nil
}

func (t *memTxn) Delete(ctx context.Context, entity, id string) error {
	if _, err := t.Get(ctx, entity, id); err != nil {
		return err
	}
	t.writes[rowKey{entity, id}] = nil
	return nil
}

func (t *memTxn) List(_ context.Context, entity string) ([]Row, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	merged := make(map[string][]byte)
	if !t.cleared[entity] {
		t.engine.mu.RLock()
		for id, data := range t.engine.tables[entity] {
			merged[id] = data
		}
		t.engine.mu.RUnlock()
	}
	for k, data := range t.writes {
		if k.entity != entity {
			continue
		}
		if data == nil {
			delete(merged, k.id)
		} else {
			merged[k.id] = data
		}
	}

	rows := make([]Row, 0, len(merged))
	for id, data := range merged {
		rows = append(rows, Row{ID: id, Data: clone(data)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (t *memTxn) DeleteAll(_ context.Context, entity string) error {
	if t.done {
		return ErrTxnDone
	}
	for k := range t.writes {
		if k.entity == entity {
			delete(t.writes, k)
		}
	}
	t.cleared[entity] = true
	return nil
}

func (t *memTxn) Commit(context.Context) error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true

	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	for entity := range t.cleared {
		delete(t.engine.tables, entity)
	}
	for k, data := range t.writes {
		table := t.engine.tables[k.entity]
		if data == nil {
			delete(table, k.id)
			continue
		}
		if table == nil {
			table = make(map[string][]byte)
			t.engine.tables[k.entity] = table
		}
		table[k.id] = data
	}
	return nil
}

func (t *memTxn) Rollback(context.Context) error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	return nil
}

func clone(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
