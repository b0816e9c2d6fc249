package condition

import (
	"time"

	"csr-rule-engine/internal/facts"
)

// Evaluate reports whether c holds for s at instant now. It is pure and
// deterministic. It fails only with ErrMalformed.
func Evaluate(c Condition, s *facts.Snapshot, now time.Time) (bool, error) {
	switch c := c.(type) {
	case Count:
		if err := c.Validate(); err != nil {
			return false, err
		}
		n := s.Count(c.Collection, c.Filter.Match)
		return compare(float64(n), float64(c.Threshold), c.Op), nil

	case Value:
		if err := c.Validate(); err != nil {
			return false, err
		}
		got, ok := s.Field(c.Field)
		if !ok {
			return false, nil
		}
		if want, ok := c.Threshold.Number(); ok {
			have, ok := got.Number()
			if !ok {
				return false, nil
			}
			return compare(have, want, c.Op), nil
		}
		return got.Kind() == c.Threshold.Kind() && got.Equal(c.Threshold), nil

	case TimeSince:
		if err := c.Validate(); err != nil {
			return false, err
		}
		v, ok := s.Field(c.Field)
		ts, isTime := v.Timestamp()
		if !ok || !isTime {
			return !c.Strict, nil
		}
		return now.Sub(ts) >= c.Duration, nil

	case Exists:
		if err := c.Validate(); err != nil {
			return false, err
		}
		return s.Any(c.Collection, c.Filter.Match), nil

	case AllOf:
		if len(c) == 0 {
			return false, c.Validate()
		}
		for _, child := range c {
			ok, err := Evaluate(child, s, now)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case AnyOf:
		if len(c) == 0 {
			return false, c.Validate()
		}
		for _, child := range c {
			ok, err := Evaluate(child, s, now)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, malformed("unknown condition type %T", c)
}

func compare(have, want float64, op Comparator) bool {
	switch op {
	case Gte:
		return have >= want
	case Gt:
		return have > want
	case Lt:
		return have < want
	case Lte:
		return have <= want
	case Eq:
		return have == want
	}
	return false
}
