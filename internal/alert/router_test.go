package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	recipients []string
	msg        Message
}

type MockNotifier struct {
	mu    sync.Mutex
	sent  []sent
	err   error
	panic bool
}

func (m *MockNotifier) Send(_ context.Context, recipients []string, msg Message) error {
	if m.panic {
		panic("notifier exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sent{recipients: recipients, msg: msg})
	return nil
}

func (m *MockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var directory = Directory{
	GroupSales:   {"sales@example.org"},
	GroupAdmin:   {"admin@example.org"},
	GroupSupport: {"support@example.org", "admin@example.org"},
}

func newTestRouter(c *clock, n Notifier) *Router {
	return NewRouter(NewMemoryCooldowns(),
		WithRouterClock(c.now),
		WithDirectory(directory),
		WithChannel(ChannelEmail, n),
	)
}

func TestRouteAlerts_Cooldowns(t *testing.T) {
	tests := []struct {
		name      string
		threshold Threshold
		gap       time.Duration
		wantSends int
	}{
		{"90 twice within 12h", Threshold90, time.Hour, 1},
		{"90 after 12h", Threshold90, 12 * time.Hour, 2},
		{"110 two hours apart", Threshold110, 2 * time.Hour, 2},
		{"110 within the hour", Threshold110, 30 * time.Minute, 1},
		{"80 within a day", Threshold80, 23 * time.Hour, 1},
		{"100 after 6h", Threshold100, 6 * time.Hour, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
			n := &MockNotifier{}
			r := newTestRouter(c, n)

			r.RouteAlerts(context.Background(), []Alert{New("c-1", "", tt.threshold, 90, 100, 0.9, c.t)})
			c.t = c.t.Add(tt.gap)
			r.RouteAlerts(context.Background(), []Alert{New("c-1", "", tt.threshold, 91, 100, 0.91, c.t)})

			assert.Equal(t, tt.wantSends, n.count())
		})
	}
}

func TestRouteAlerts_CooldownIsPerCampaignAndThreshold(t *testing.T) {
	c := &clock{t: time.Now()}
	n := &MockNotifier{}
	r := newTestRouter(c, n)

	r.RouteAlerts(context.Background(), []Alert{
		New("c-1", "", Threshold90, 90, 100, 0.9, c.t),
		New("c-1", "", Threshold90, 90, 100, 0.9, c.t), // duplicate in same batch
		New("c-2", "", Threshold90, 90, 100, 0.9, c.t),
		New("c-1", "", Threshold100, 100, 100, 1, c.t),
	})
	assert.Equal(t, 3, n.count())
}

func TestRouteAlerts_Recipients(t *testing.T) {
	tests := []struct {
		threshold Threshold
		want      []string
		severity  Severity
	}{
		{Threshold80, []string{"sales@example.org"}, SeverityInfo},
		{Threshold90, []string{"admin@example.org"}, SeverityWarning},
		{Threshold100, []string{"admin@example.org", "support@example.org"}, SeverityWarning},
		{Threshold110, []string{"admin@example.org", "support@example.org"}, SeverityCritical},
	}
	for _, tt := range tests {
		c := &clock{t: time.Now()}
		n := &MockNotifier{}
		r := newTestRouter(c, n)

		r.RouteAlerts(context.Background(), []Alert{New("c-1", "", tt.threshold, 1, 1, 1, c.t)})
		require.Equal(t, 1, n.count())
		assert.Equal(t, tt.want, n.sent[0].recipients)
		assert.Equal(t, tt.severity, n.sent[0].msg.Severity)
	}
}

func TestRouteAlerts_FailureIsolation(t *testing.T) {
	c := &clock{t: time.Now()}
	bad := &MockNotifier{err: errors.New("smtp 550")}
	boom := &MockNotifier{panic: true}
	good := &MockNotifier{}
	r := NewRouter(NewMemoryCooldowns(),
		WithRouterClock(c.now),
		WithChannel(ChannelEmail, bad),
		WithChannel(ChannelWebhook, boom),
		WithChannel(ChannelChat, good),
	)

	assert.NotPanics(t, func() {
		r.RouteAlerts(context.Background(), []Alert{
			New("c-1", "", Threshold90, 90, 100, 0.9, c.t),
			New("c-2", "", Threshold110, 110, 100, 1.1, c.t),
		})
	})
	assert.Equal(t, 2, good.count())
}

func TestRouteAlerts_FailedDeliveryIsRetriedNextTime(t *testing.T) {
	c := &clock{t: time.Now()}
	n := &MockNotifier{err: errors.New("down")}
	r := newTestRouter(c, n)

	r.RouteAlerts(context.Background(), []Alert{New("c-1", "", Threshold90, 90, 100, 0.9, c.t)})
	assert.True(t, r.ShouldSendAlert(context.Background(), "c-1", Threshold90))

	n.err = nil
	r.RouteAlerts(context.Background(), []Alert{New("c-1", "", Threshold90, 90, 100, 0.9, c.t)})
	assert.Equal(t, 1, n.count())
	assert.False(t, r.ShouldSendAlert(context.Background(), "c-1", Threshold90))
}

func TestAlert_BundleSubject(t *testing.T) {
	a := New("c-1", "b-9", Threshold100, 100, 100, 1, time.Now())
	assert.Equal(t, "bundle:b-9", a.Subject())
	assert.Equal(t, "c-1", New("c-1", "", Threshold100, 1, 1, 1, time.Now()).Subject())
}

func TestDispatcher_RoutesInBackground(t *testing.T) {
	c := &clock{t: time.Now()}
	n := &MockNotifier{}
	d := NewDispatcher(newTestRouter(c, n), 2, 4)
	d.Start()

	d.Enqueue(New("c-1", "", Threshold80, 80, 100, 0.8, c.t))
	d.Enqueue(New("c-2", "", Threshold80, 80, 100, 0.8, c.t))
	d.Enqueue()
	d.Close()

	assert.Equal(t, 2, n.count())
}
