package objectstore

import (
	"context"
	"errors"
)

// ErrNoRecord is returned by a Txn when the requested object does not exist.
var ErrNoRecord = errors.New("objectstore: no record")

// ErrTxnDone is returned when a Txn is used after Commit or Rollback.
var ErrTxnDone = errors.New("objectstore: transaction already finished")

// Row is one persisted object.
type Row struct {
	ID   string
	Data []byte
}

// Engine is the persistence engine behind an ObjectStorage. Its storage
// format is its own business; the object store only sees transactions over
// (entity, id) -> bytes.
type Engine interface {
	Begin(ctx context.Context) (Txn, error)
	Close() error
}

// Txn is an engine transaction. Writes are invisible to other transactions
// until Commit. Commit or Rollback must be called exactly once.
type Txn interface {
	Get(ctx context.Context, entity, id string) ([]byte, error)
	Put(ctx context.Context, entity, id string, data []byte) error
	// Delete returns ErrNoRecord if there is no such object.
	Delete(ctx context.Context, entity, id string) error
	// List returns every object of entity, ordered by id.
	List(ctx context.Context, entity string) ([]Row, error)
	DeleteAll(ctx context.Context, entity string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
