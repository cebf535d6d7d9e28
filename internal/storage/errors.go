package storage

import (
	"errors"
	"fmt"
)

// Kind classifies a storage failure. The set is closed: every error returned
// by a Storage implementation carries exactly one of these kinds.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound means the requested identifier has no stored entity.
	KindNotFound
	// KindSaveFailed means the backend rejected a write.
	KindSaveFailed
	// KindFetchFailed means the backend rejected a read.
	KindFetchFailed
	// KindDeleteFailed means the backend rejected a removal.
	KindDeleteFailed
	// KindInvalidData means a read succeeded but the payload could not be
	// decoded into the expected entity.
	KindInvalidData
	// KindTransactionFailed means a transaction block returned an error,
	// whether or not the backend could roll back its writes.
	KindTransactionFailed
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindSaveFailed:
		return "save failed"
	case KindFetchFailed:
		return "fetch failed"
	case KindDeleteFailed:
		return "delete failed"
	case KindInvalidData:
		return "invalid data"
	case KindTransactionFailed:
		return "transaction failed"
	default:
		return "unknown"
	}
}

// Error is the failure type returned by every Storage and Repository
// operation.
type Error struct {
	Kind Kind
	// Key identifies the entity involved, when there is one.
	Key string
	// Err is the underlying backend error, if any.
	Err error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrSaveFailed        = &Error{Kind: KindSaveFailed}
	ErrFetchFailed       = &Error{Kind: KindFetchFailed}
	ErrDeleteFailed      = &Error{Kind: KindDeleteFailed}
	ErrInvalidData       = &Error{Kind: KindInvalidData}
	ErrTransactionFailed = &Error{Kind: KindTransactionFailed}
)

func (e *Error) Error() string {
	msg := "storage: " + e.Kind.String()
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %q)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a storage error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost storage error in err's chain, or
// KindUnknown when err is not a storage error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err carries KindNotFound anywhere in its chain.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NotFound reports that key has no stored entity.
func NotFound(key string) error {
	return &Error{Kind: KindNotFound, Key: key}
}

// SaveFailed wraps a backend write failure.
func SaveFailed(key string, err error) error {
	return &Error{Kind: KindSaveFailed, Key: key, Err: err}
}

// FetchFailed wraps a backend read failure.
func FetchFailed(key string, err error) error {
	return &Error{Kind: KindFetchFailed, Key: key, Err: err}
}

// DeleteFailed wraps a backend removal failure.
func DeleteFailed(key string, err error) error {
	return &Error{Kind: KindDeleteFailed, Key: key, Err: err}
}

// InvalidData wraps a decode failure for a payload that was read
// successfully.
func InvalidData(key string, err error) error {
	return &Error{Kind: KindInvalidData, Key: key, Err: err}
}

// TransactionFailed wraps the error returned from a transaction block.
func TransactionFailed(err error) error {
	return &Error{Kind: KindTransactionFailed, Err: err}
}
