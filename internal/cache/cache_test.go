package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshot_LoadStore(t *testing.T) {
	var s Snapshot[[]string]

	_, ok := s.Load()
	assert.False(t, ok)

	s.Store([]string{"a"})
	got, ok := s.Load()
	assert.True(t, ok)
	assert.Equal(t, []string{"a"}, got)
}

func TestTTL_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewTTL[string, int](5*time.Minute, func() time.Time { return now })

	c.Set("p-1", 42)

	tests := []struct {
		name    string
		advance time.Duration
		wantOK  bool
	}{
		{"fresh", 0, true},
		{"just under ttl", 4*time.Minute + 59*time.Second, true},
		{"at ttl", 5 * time.Minute, false},
	}
	base := now
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now = base.Add(tt.advance)
			v, ok := c.Get("p-1")
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, 42, v)
			}
		})
	}
	assert.Equal(t, 0, c.Len(), "expired entry should be evicted")
}

func TestTTL_Delete(t *testing.T) {
	c := NewTTL[string, int](time.Minute, nil)
	c.Set("k", 1)
	c.Delete("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}
