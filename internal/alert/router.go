package alert

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"csr-rule-engine/internal/lock"
	"csr-rule-engine/internal/observability"
)

type Channel string

const (
	ChannelLog     Channel = "log"
	ChannelEmail   Channel = "email"
	ChannelChat    Channel = "chat"
	ChannelWebhook Channel = "webhook"
)

// Notifier delivers one message on one channel.
type Notifier interface {
	Send(ctx context.Context, recipients []string, msg Message) error
}

// CooldownStore remembers when an alert was last delivered per
// (subject, threshold).
type CooldownStore interface {
	LastSent(ctx context.Context, subject string, t Threshold) (time.Time, bool, error)
	MarkSent(ctx context.Context, subject string, t Threshold, at time.Time, cooldown time.Duration) error
}

// Directory resolves recipient groups to addresses.
type Directory map[Group][]string

func (d Directory) resolve(groups []Group) []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range groups {
		addrs, ok := d[g]
		if !ok {
			addrs = []string{string(g)}
		}
		for _, a := range addrs {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

type Router struct {
	channels  []Channel
	notifiers map[Channel]Notifier
	dir       Directory
	cooldowns CooldownStore
	now       func() time.Time
	timeout   time.Duration
	keys      *lock.Keyed
}

type RouterOption func(*Router)

func WithRouterClock(now func() time.Time) RouterOption { return func(r *Router) { r.now = now } }
func WithSendTimeout(d time.Duration) RouterOption      { return func(r *Router) { r.timeout = d } }
func WithDirectory(d Directory) RouterOption            { return func(r *Router) { r.dir = d } }

// WithChannel registers a notifier. Channels are tried in registration order.
func WithChannel(c Channel, n Notifier) RouterOption {
	return func(r *Router) {
		if _, ok := r.notifiers[c]; !ok {
			r.channels = append(r.channels, c)
		}
		r.notifiers[c] = n
	}
}

func NewRouter(cooldowns CooldownStore, opts ...RouterOption) *Router {
	r := &Router{
		notifiers: map[Channel]Notifier{},
		dir:       Directory{},
		cooldowns: cooldowns,
		now:       time.Now,
		timeout:   10 * time.Second,
		keys:      lock.NewKeyed(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ShouldSendAlert reports whether the threshold is outside its cooldown
// for subject. Ledger errors fail open.
func (r *Router) ShouldSendAlert(ctx context.Context, subject string, t Threshold) bool {
	p, ok := PolicyFor(t)
	if !ok {
		return false
	}
	last, found, err := r.cooldowns.LastSent(ctx, subject, t)
	if err != nil {
		log.Warn().Err(err).Str("subject", subject).Int("threshold", int(t)).Msg("cooldown lookup failed; sending")
		return true
	}
	return !found || r.now().Sub(last) >= p.Cooldown
}

// RouteAlerts delivers each alert that is not in cooldown. It never fails:
// delivery errors are logged per alert and per channel.
func (r *Router) RouteAlerts(ctx context.Context, alerts []Alert) {
	for _, a := range alerts {
		r.route(ctx, a)
	}
}

func (r *Router) route(ctx context.Context, a Alert) {
	label := strconv.Itoa(int(a.Threshold))
	logger := log.With().Str("alert_id", a.ID).Str("campaign_id", a.CampaignID).
		Str("bundle_id", a.BundleID).Int("threshold", int(a.Threshold)).Logger()

	p, ok := PolicyFor(a.Threshold)
	if !ok {
		logger.Error().Msg("unknown alert threshold")
		return
	}

	unlock, err := r.keys.Lock(ctx, fmt.Sprintf("%s/%d", a.Subject(), a.Threshold))
	if err != nil {
		logger.Error().Err(err).Msg("alert lock")
		return
	}
	defer unlock()

	if !r.ShouldSendAlert(ctx, a.Subject(), a.Threshold) {
		observability.Alerts.WithLabelValues(label, "throttled").Inc()
		logger.Debug().Msg("alert throttled")
		return
	}

	recipients := r.dir.resolve(a.Recipients)
	msg := render(a)
	delivered := 0
	for _, ch := range r.channels {
		if r.send(ctx, ch, recipients, msg) {
			delivered++
		} else {
			logger.Error().Str("channel", string(ch)).Msg("alert delivery failed")
		}
	}
	if delivered == 0 {
		observability.Alerts.WithLabelValues(label, "failed").Inc()
		return
	}

	sentAt := r.now()
	if err := r.cooldowns.MarkSent(ctx, a.Subject(), a.Threshold, sentAt, p.Cooldown); err != nil {
		logger.Warn().Err(err).Msg("record alert cooldown")
	}
	observability.Alerts.WithLabelValues(label, "sent").Inc()
	logger.Info().Strs("recipients", recipients).Str("severity", string(a.Severity)).Msg("alert sent")
}

// send isolates one channel, panics included.
func (r *Router) send(ctx context.Context, ch Channel, recipients []string, msg Message) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("channel", string(ch)).Msg("notifier panic")
			ok = false
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.notifiers[ch].Send(ctx, recipients, msg); err != nil {
		log.Error().Err(err).Str("channel", string(ch)).Msg("notifier send")
		return false
	}
	return true
}

// MemoryCooldowns is an in-process CooldownStore.
type MemoryCooldowns struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{last: map[string]time.Time{}}
}

func cooldownKey(subject string, t Threshold) string { return fmt.Sprintf("%s/%d", subject, t) }

func (m *MemoryCooldowns) LastSent(_ context.Context, subject string, t Threshold) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.last[cooldownKey(subject, t)]
	return at, ok, nil
}

func (m *MemoryCooldowns) MarkSent(_ context.Context, subject string, t Threshold, at time.Time, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[cooldownKey(subject, t)] = at
	return nil
}
