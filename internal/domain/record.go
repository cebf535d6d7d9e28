package domain

import (
	"fmt"
	"maps"
	"regexp"
	"time"
)

var recordKindPattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

// Record is the general-purpose entity the depot CLI stores: an id, a kind
// and a flat set of string attributes.
type Record struct {
	ID         string            `json:"id" yaml:"id"`
	Kind       string            `json:"kind" yaml:"kind"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" yaml:"updated_at"`
}

// NewRecord creates a record stamped with now.
func NewRecord(id, kind string, attrs map[string]string, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		ID:         id,
		Kind:       kind,
		Attributes: maps.Clone(attrs),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// EntityID identifies the record in the flat backends.
func (r *Record) EntityID() string { return r.ID }

// ObjectID identifies the record in the object store.
func (r *Record) ObjectID() string { return r.ID }

// Validate checks the fields every backend relies on.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Kind != "" && !recordKindPattern.MatchString(r.Kind) {
		return fmt.Errorf("invalid kind %q: must match %s", r.Kind, recordKindPattern.String())
	}
	return nil
}

// Set stores an attribute and bumps UpdatedAt.
func (r *Record) Set(key, value string, now time.Time) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]string)
	}
	r.Attributes[key] = value
	r.UpdatedAt = now.UTC()
}

// Merge copies attrs over the record's attributes, keeping CreatedAt.
func (r *Record) Merge(attrs map[string]string, now time.Time) {
	if len(attrs) == 0 {
		return
	}
	if r.Attributes == nil {
		r.Attributes = make(map[string]string, len(attrs))
	}
	maps.Copy(r.Attributes, attrs)
	r.UpdatedAt = now.UTC()
}

// HasKind returns a predicate selecting records of kind.
func HasKind(kind string) func(*Record) bool {
	return func(r *Record) bool { return r.Kind == kind }
}
