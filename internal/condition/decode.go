package condition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"csr-rule-engine/internal/facts"
)

// Spec is the loosely-typed descriptor form of a condition as it appears
// in YAML rule files and in the rules table. Build turns it into a typed,
// validated Condition.
type Spec struct {
	Type       string         `yaml:"type" json:"type"`
	Collection string         `yaml:"collection,omitempty" json:"collection,omitempty"`
	Field      string         `yaml:"field,omitempty" json:"field,omitempty"`
	Filter     map[string]any `yaml:"filter,omitempty" json:"filter,omitempty"`
	Op         string         `yaml:"op,omitempty" json:"op,omitempty"`
	Threshold  any            `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Duration   string         `yaml:"duration,omitempty" json:"duration,omitempty"`
	Strict     bool           `yaml:"strict,omitempty" json:"strict,omitempty"`
	Conditions []Spec         `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

func (s Spec) Build() (Condition, error) {
	var c Condition
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "count":
		n, err := toInt(s.Threshold)
		if err != nil {
			return nil, malformed("count threshold: %v", err)
		}
		f, err := buildFilter(s.Filter)
		if err != nil {
			return nil, err
		}
		c = Count{Collection: s.Collection, Filter: f, Op: Comparator(s.Op), Threshold: n}

	case "value":
		v, err := facts.FromAny(s.Threshold)
		if err != nil {
			return nil, malformed("value threshold: %v", err)
		}
		c = Value{Field: s.Field, Op: Comparator(s.Op), Threshold: v}

	case "time_since":
		d, err := ParseDuration(s.Duration)
		if err != nil {
			return nil, malformed("time_since duration: %v", err)
		}
		c = TimeSince{Field: s.Field, Duration: d, Strict: s.Strict}

	case "exists":
		f, err := buildFilter(s.Filter)
		if err != nil {
			return nil, err
		}
		c = Exists{Collection: s.Collection, Filter: f}

	case "all_of", "any_of":
		children := make([]Condition, 0, len(s.Conditions))
		for i, cs := range s.Conditions {
			child, err := cs.Build()
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", s.Type, i, err)
			}
			children = append(children, child)
		}
		if strings.EqualFold(s.Type, "all_of") {
			c = AllOf(children)
		} else {
			c = AnyOf(children)
		}

	default:
		return nil, malformed("unknown condition type %q", s.Type)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func buildFilter(in map[string]any) (Filter, error) {
	if len(in) == 0 {
		return nil, nil
	}
	f := make(Filter, len(in))
	for k, raw := range in {
		v, err := facts.FromAny(raw)
		if err != nil {
			return nil, malformed("filter %s: %v", k, err)
		}
		f[k] = v
	}
	return f, nil
}

func toInt(x any) (int64, error) {
	switch t := x.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, fmt.Errorf("out of range")
		}
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("%v is not a whole number", t)
		}
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	case nil:
		return 0, fmt.Errorf("missing")
	}
	return 0, fmt.Errorf("unsupported type %T", x)
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day "Nd"
// form, e.g. "14d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("missing")
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
