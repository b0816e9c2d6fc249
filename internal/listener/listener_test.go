package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csr-rule-engine/internal/engine"
)

func TestJitter(t *testing.T) {
	tests := []struct {
		name     string
		base     time.Duration
		min, max time.Duration
	}{
		{"configured base", 4 * time.Second, 2 * time.Second, 6 * time.Second},
		{"zero falls back to a second", 0, 500 * time.Millisecond, 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 100; i++ {
				d := jitter(tt.base)
				assert.GreaterOrEqual(t, d, tt.min)
				assert.LessOrEqual(t, d, tt.max)
			}
		})
	}
}

const ruleYAML = `
rules:
  - id: base
    target_flag: F
    conditions:
      - type: value
        field: avg_rating
        op: ">="
        threshold: 1
`

// versionedLoader serves one rule per edit made so far.
type versionedLoader struct {
	mu      sync.Mutex
	base    engine.RuleSpec
	version int
	loads   int
}

func newVersionedLoader(t *testing.T) *versionedLoader {
	specs, err := engine.DecodeRulesYAML(strings.NewReader(ruleYAML))
	require.NoError(t, err)
	require.Len(t, specs, 1)
	return &versionedLoader{base: specs[0]}
}

func (l *versionedLoader) edit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.version++
}

func (l *versionedLoader) LoadRules(context.Context) ([]engine.RuleSpec, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	out := make([]engine.RuleSpec, 0, l.version)
	for i := 1; i <= l.version; i++ {
		s := l.base
		s.ID = fmt.Sprintf("r%d", i)
		out = append(out, s)
	}
	return out, nil
}

func (l *versionedLoader) loadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func TestCoalesce_ReloadsAfterLastEditOfBurst(t *testing.T) {
	loader := newVersionedLoader(t)
	reg := engine.NewRegistry()
	notes := make(chan string)
	errc := make(chan error, 1)
	done := make(chan error, 1)
	go func() {
		done <- coalesce(notes, errc, 50*time.Millisecond, func() { reload(context.Background(), reg, loader) })
	}()

	for i := 0; i < 3; i++ {
		loader.edit()
		notes <- "orchestration_rules"
		time.Sleep(10 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return reg.Current().Len() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, loader.loadCount())

	// a lone notification still reloads
	loader.edit()
	notes <- "orchestration_rules"
	assert.Eventually(t, func() bool { return reg.Current().Len() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, loader.loadCount())

	errc <- errors.New("conn closed")
	select {
	case err := <-done:
		assert.EqualError(t, err, "conn closed")
	case <-time.After(time.Second):
		t.Fatal("coalesce did not return")
	}
}
