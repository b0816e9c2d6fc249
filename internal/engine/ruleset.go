package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"csr-rule-engine/internal/cache"
)

// RuleSet is an immutable, priority-ordered collection of rules. Order is
// priority descending, then id ascending, so it is stable across runs.
type RuleSet struct {
	rules []Rule
	byID  map[string]int
}

func NewRuleSet(rules []Rule) (*RuleSet, error) {
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	byID := make(map[string]int, len(sorted))
	for i, r := range sorted {
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
		}
		byID[r.ID] = i
	}
	return &RuleSet{rules: sorted, byID: byID}, nil
}

// Active returns the active rules in evaluation order.
func (s *RuleSet) Active() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// All returns every rule in evaluation order.
func (s *RuleSet) All() []Rule {
	if s == nil {
		return nil
	}
	return append([]Rule(nil), s.rules...)
}

func (s *RuleSet) Get(id string) (Rule, bool) {
	if s == nil {
		return Rule{}, false
	}
	i, ok := s.byID[id]
	if !ok {
		return Rule{}, false
	}
	return s.rules[i], true
}

func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// WithActive returns a copy with the rule's active flag changed.
func (s *RuleSet) WithActive(id string, active bool) (*RuleSet, error) {
	if _, ok := s.Get(id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rules := s.All()
	rules[s.byID[id]].Active = active
	return NewRuleSet(rules)
}

// RuleLoader fetches rule descriptors from configuration storage.
type RuleLoader interface {
	LoadRules(ctx context.Context) ([]RuleSpec, error)
}

// Registry publishes the current RuleSet to concurrent readers. Each
// evaluation takes the set it was handed; swaps never affect a run in
// progress.
type Registry struct {
	mu   sync.Mutex // serializes writers
	snap cache.Snapshot[*RuleSet]
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty, _ := NewRuleSet(nil)
	r.snap.Store(empty)
	return r
}

func (r *Registry) Current() *RuleSet {
	s, _ := r.snap.Load()
	return s
}

func (r *Registry) Replace(s *RuleSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Store(s)
}

// Reload builds a fresh set from loader. Malformed rules are logged and
// left out; the remaining rules still load.
func (r *Registry) Reload(ctx context.Context, loader RuleLoader) error {
	specs, err := loader.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	rules, rejected := BuildRules(specs)
	for _, err := range rejected {
		log.Error().Err(err).Msg("rejecting malformed rule")
	}
	set, err := NewRuleSet(rules)
	if err != nil {
		return err
	}
	r.Replace(set)
	log.Info().Int("rules", set.Len()).Int("active", len(set.Active())).Int("rejected", len(rejected)).Msg("rule set loaded")
	return nil
}

// SetActive toggles a rule in the current set without deleting it.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, _ := r.snap.Load()
	next, err := cur.WithActive(id, active)
	if err != nil {
		return err
	}
	r.snap.Store(next)
	return nil
}
