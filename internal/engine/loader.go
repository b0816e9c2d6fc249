package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"csr-rule-engine/internal/condition"
	"csr-rule-engine/internal/facts"
)

// RuleSpec is the descriptor form of a Rule.
type RuleSpec struct {
	ID          string           `yaml:"id" json:"id"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description" json:"description"`
	TargetFlag  string           `yaml:"target_flag" json:"target_flag"`
	Priority    int              `yaml:"priority" json:"priority"`
	Active      *bool            `yaml:"active" json:"active"`
	Conditions  []condition.Spec `yaml:"conditions" json:"conditions"`
	Actions     []ActionSpec     `yaml:"actions" json:"actions"`
}

type ActionSpec struct {
	Type      string         `yaml:"type" json:"type"`
	Flag      string         `yaml:"flag,omitempty" json:"flag,omitempty"`
	Value     any            `yaml:"value,omitempty" json:"value,omitempty"`
	EventType string         `yaml:"event_type,omitempty" json:"event_type,omitempty"`
	Payload   map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
}

type ruleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// Build converts the descriptor into a validated Rule. A rule without
// actions sets its target flag to true.
func (s RuleSpec) Build() (Rule, error) {
	r := Rule{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		TargetFlag:  s.TargetFlag,
		Priority:    s.Priority,
		Active:      s.Active == nil || *s.Active,
	}
	for i, cs := range s.Conditions {
		c, err := cs.Build()
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s condition %d: %w", s.ID, i, err)
		}
		r.Conditions = append(r.Conditions, c)
	}
	for i, as := range s.Actions {
		a, err := as.build(s.TargetFlag)
		if err != nil {
			return Rule{}, fmt.Errorf("%w %s: action %d: %v", ErrInvalidRule, s.ID, i, err)
		}
		r.Actions = append(r.Actions, a)
	}
	if len(r.Actions) == 0 && s.TargetFlag != "" {
		r.Actions = []Action{SetFlag{Flag: s.TargetFlag, Value: facts.Bool(true)}}
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func (a ActionSpec) build(targetFlag string) (Action, error) {
	switch strings.ToLower(a.Type) {
	case "set_flag":
		flag := a.Flag
		if flag == "" {
			flag = targetFlag
		}
		raw := a.Value
		if raw == nil {
			raw = true
		}
		v, err := facts.FromAny(raw)
		if err != nil {
			return nil, err
		}
		return SetFlag{Flag: flag, Value: v}, nil
	case "emit_event":
		return EmitEvent{EventType: a.EventType, Payload: a.Payload}, nil
	}
	return nil, fmt.Errorf("unknown action type %q", a.Type)
}

// BuildRules converts descriptors, returning the valid rules and one error
// per rejected descriptor.
func BuildRules(specs []RuleSpec) ([]Rule, []error) {
	var (
		rules    []Rule
		rejected []error
	)
	for _, s := range specs {
		r, err := s.Build()
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		rules = append(rules, r)
	}
	return rules, rejected
}

// DecodeRulesYAML reads a `rules:` document.
func DecodeRulesYAML(r io.Reader) ([]RuleSpec, error) {
	var f ruleFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return f.Rules, nil
}

// FileLoader loads rules from a YAML file on every call.
type FileLoader struct{ Path string }

func (l FileLoader) LoadRules(_ context.Context) ([]RuleSpec, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open rules file %s: %w", l.Path, err)
	}
	defer f.Close()
	return DecodeRulesYAML(f)
}
