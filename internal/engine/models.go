package engine

import (
	"errors"
	"fmt"

	"csr-rule-engine/internal/condition"
	"csr-rule-engine/internal/events"
	"csr-rule-engine/internal/facts"
)

var (
	ErrRuleNotFound  = errors.New("rule not found")
	ErrDuplicateRule = errors.New("duplicate rule id")
	ErrInvalidRule   = errors.New("invalid rule")
)

// Rule is a prioritized bundle of conditions (implicit AllOf) and actions.
// Higher Priority is evaluated first.
type Rule struct {
	ID          string
	Name        string
	Description string
	TargetFlag  string
	Priority    int
	Active      bool
	Conditions  []condition.Condition
	Actions     []Action
}

// Action is SetFlag or EmitEvent.
type Action interface{ isAction() }

type SetFlag struct {
	Flag  string
	Value facts.Value
}

type EmitEvent struct {
	EventType string
	Payload   map[string]any
}

func (SetFlag) isAction()   {}
func (EmitEvent) isAction() {}

// Validate checks the rule's static shape, conditions included.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("%w %s: %w: no conditions", ErrInvalidRule, r.ID, condition.ErrMalformed)
	}
	for i, c := range r.Conditions {
		if c == nil {
			return fmt.Errorf("rule %s condition %d: %w: nil", r.ID, i, condition.ErrMalformed)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rule %s condition %d: %w", r.ID, i, err)
		}
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w %s: no actions", ErrInvalidRule, r.ID)
	}
	for i, a := range r.Actions {
		switch a := a.(type) {
		case SetFlag:
			if a.Flag == "" || !a.Value.IsValid() {
				return fmt.Errorf("%w %s: action %d: set_flag needs flag and value", ErrInvalidRule, r.ID, i)
			}
		case EmitEvent:
			if a.EventType == "" {
				return fmt.Errorf("%w %s: action %d: emit_event needs event_type", ErrInvalidRule, r.ID, i)
			}
		default:
			return fmt.Errorf("%w %s: action %d: unknown type %T", ErrInvalidRule, r.ID, i, a)
		}
	}
	return nil
}

// ConflictPolicy decides which matching rule owns a flag that several
// rules set in one run.
type ConflictPolicy int

const (
	// LastWriterWins keeps the value from the last rule evaluated, which
	// is the lowest-priority match.
	LastWriterWins ConflictPolicy = iota
	// FirstWriterWins keeps the value from the highest-priority match.
	FirstWriterWins
)

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "last_writer":
		return LastWriterWins, nil
	case "first_writer":
		return FirstWriterWins, nil
	}
	return 0, fmt.Errorf("unknown conflict policy %q", s)
}

type RuleOutcome string

const (
	OutcomeMatched   RuleOutcome = "matched"
	OutcomeUnmatched RuleOutcome = "unmatched"
	OutcomeSkipped   RuleOutcome = "skipped"
)

// Result is the aggregate of one evaluation run.
type Result struct {
	EntityID string
	// FlagsSet holds the resolved value of every flag set by a matched rule.
	FlagsSet map[string]facts.Value
	// Changed lists flags whose persisted value changed in this run.
	Changed []string
	Events  []events.Event
	// Outcomes is keyed by rule id.
	Outcomes map[string]RuleOutcome
}

func newResult(entityID string) Result {
	return Result{
		EntityID: entityID,
		FlagsSet: map[string]facts.Value{},
		Outcomes: map[string]RuleOutcome{},
	}
}
