// Package facts assembles read-only context snapshots for entities.
package facts

import "time"

// Record is one sub-entity in a collection (a session, a placement).
type Record struct{ fields map[string]Value }

func NewRecord(fields map[string]Value) Record {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Record{fields: cp}
}

func (r Record) Get(field string) (Value, bool) {
	v, ok := r.fields[field]
	return v, ok
}

// Snapshot is an immutable point-in-time view of an entity's facts.
// All maps are copied on construction and never exposed.
type Snapshot struct {
	entityID    string
	capturedAt  time.Time
	fields      map[string]Value
	collections map[string][]Record
}

func NewSnapshot(entityID string, capturedAt time.Time, fields map[string]Value, collections map[string][]Record) *Snapshot {
	s := &Snapshot{
		entityID:    entityID,
		capturedAt:  capturedAt,
		fields:      make(map[string]Value, len(fields)),
		collections: make(map[string][]Record, len(collections)),
	}
	for k, v := range fields {
		s.fields[k] = v
	}
	for k, rs := range collections {
		s.collections[k] = append([]Record(nil), rs...)
	}
	return s
}

func (s *Snapshot) EntityID() string      { return s.entityID }
func (s *Snapshot) CapturedAt() time.Time { return s.capturedAt }

func (s *Snapshot) Field(name string) (Value, bool) {
	v, ok := s.fields[name]
	return v, ok
}

// Count returns how many records in collection satisfy match. A missing
// collection counts as zero.
func (s *Snapshot) Count(collection string, match func(Record) bool) int {
	n := 0
	for _, r := range s.collections[collection] {
		if match == nil || match(r) {
			n++
		}
	}
	return n
}

// Any reports whether at least one record in collection satisfies match.
func (s *Snapshot) Any(collection string, match func(Record) bool) bool {
	for _, r := range s.collections[collection] {
		if match == nil || match(r) {
			return true
		}
	}
	return false
}

// Fields returns a copy of the scalar facts, for diagnostics.
func (s *Snapshot) Fields() map[string]Value {
	out := make(map[string]Value, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}
