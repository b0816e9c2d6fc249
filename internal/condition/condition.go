// Package condition defines the closed set of rule conditions and their
// evaluation against a facts.Snapshot.
package condition

import (
	"errors"
	"fmt"
	"time"

	"csr-rule-engine/internal/facts"
)

// ErrMalformed marks a condition whose static shape is invalid.
// Absent data never produces it.
var ErrMalformed = errors.New("malformed condition")

type Comparator string

const (
	Gte Comparator = ">="
	Gt  Comparator = ">"
	Lt  Comparator = "<"
	Lte Comparator = "<="
	Eq  Comparator = "="
)

func (c Comparator) valid() bool {
	switch c {
	case Gte, Gt, Lt, Lte, Eq:
		return true
	}
	return false
}

// Condition is one of Count, Value, TimeSince, Exists, AllOf, AnyOf.
type Condition interface {
	Validate() error
	isCondition()
}

// Filter selects sub-entities whose fields equal every listed value.
// An empty filter matches all records.
type Filter map[string]facts.Value

func (f Filter) Match(r facts.Record) bool {
	for field, want := range f {
		got, ok := r.Get(field)
		if !ok || !got.Equal(want) {
			return false
		}
	}
	return true
}

// Count compares the number of records in Collection matching Filter.
type Count struct {
	Collection string
	Filter     Filter
	Op         Comparator
	Threshold  int64
}

// Value compares a scalar fact against Threshold. Strings support only Eq.
type Value struct {
	Field     string
	Op        Comparator
	Threshold facts.Value
}

// TimeSince holds when at least Duration has elapsed since the timestamp
// in Field. A missing timestamp counts as infinitely old unless Strict.
type TimeSince struct {
	Field    string
	Duration time.Duration
	Strict   bool
}

// Exists holds when at least one record in Collection matches Filter.
type Exists struct {
	Collection string
	Filter     Filter
}

type AllOf []Condition

type AnyOf []Condition

func (Count) isCondition()     {}
func (Value) isCondition()     {}
func (TimeSince) isCondition() {}
func (Exists) isCondition()    {}
func (AllOf) isCondition()     {}
func (AnyOf) isCondition()     {}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func (c Count) Validate() error {
	if c.Collection == "" {
		return malformed("count: collection is required")
	}
	if !c.Op.valid() {
		return malformed("count: unknown comparator %q", c.Op)
	}
	if c.Threshold < 0 {
		return malformed("count: negative threshold %d", c.Threshold)
	}
	return nil
}

func (c Value) Validate() error {
	if c.Field == "" {
		return malformed("value: field is required")
	}
	if !c.Op.valid() {
		return malformed("value: unknown comparator %q", c.Op)
	}
	switch c.Threshold.Kind() {
	case facts.KindInt, facts.KindFloat:
	case facts.KindString, facts.KindBool:
		if c.Op != Eq {
			return malformed("value %s: comparator %q needs a numeric threshold", c.Field, c.Op)
		}
	default:
		return malformed("value %s: unsupported threshold kind %s", c.Field, c.Threshold.Kind())
	}
	return nil
}

func (c TimeSince) Validate() error {
	if c.Field == "" {
		return malformed("time_since: field is required")
	}
	if c.Duration < 0 {
		return malformed("time_since %s: negative duration", c.Field)
	}
	return nil
}

func (c Exists) Validate() error {
	if c.Collection == "" {
		return malformed("exists: collection is required")
	}
	return nil
}

func (c AllOf) Validate() error { return validateChildren("all_of", c) }
func (c AnyOf) Validate() error { return validateChildren("any_of", c) }

func validateChildren(kind string, cs []Condition) error {
	if len(cs) == 0 {
		return malformed("%s: no children", kind)
	}
	for i, child := range cs {
		if child == nil {
			return malformed("%s[%d]: nil condition", kind, i)
		}
		if err := child.Validate(); err != nil {
			return fmt.Errorf("%s[%d]: %w", kind, i, err)
		}
	}
	return nil
}
