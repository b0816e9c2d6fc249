package capacity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"csr-rule-engine/internal/alert"
	"csr-rule-engine/internal/apperr"
	"csr-rule-engine/internal/observability"
)

// Store is the transactional capacity-record repository.
//
// UpdateRecord runs fn on the current record under an exclusive lock (or
// transaction) for key and persists the result only if fn returns nil.
// Errors returned by fn must come back unchanged.
type Store interface {
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	GetRecord(ctx context.Context, key string) (Record, error)
	UpdateRecord(ctx context.Context, key string, fn func(*Record) error) (Record, error)
}

// AlertSink takes alert candidates off the decision path. It must not block.
type AlertSink interface {
	Enqueue(alerts ...alert.Alert)
}

type Tracker struct {
	store   Store
	alerts  AlertSink
	now     func() time.Time
	timeout time.Duration
}

type Option func(*Tracker)

func WithAlertSink(s AlertSink) Option      { return func(t *Tracker) { t.alerts = s } }
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }
func WithTimeout(d time.Duration) Option    { return func(t *Tracker) { t.timeout = d } }

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Consume applies amount against the campaign's commitment (or its
// bundle's). Projections above the hard cap are rejected with an
// *ExceededError and leave the record untouched.
func (t *Tracker) Consume(ctx context.Context, campaignID string, model PricingModel, amount int64) (Result, error) {
	res := Result{CampaignID: campaignID}
	if amount <= 0 {
		return res, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	c, err := t.campaign(ctx, campaignID, model)
	if err != nil {
		if apperr.Retryable(err) {
			t.count("error")
		} else {
			t.count("rejected")
		}
		return res, err
	}
	res.BundleID = c.BundleID

	var (
		prev      Record
		projected int64
		now       = t.now()
	)
	rec, err := t.store.UpdateRecord(ctx, c.RecordKey(), func(r *Record) error {
		prev = *r
		if r.Model == "" {
			return fmt.Errorf("%w: %s", ErrNoRecord, r.Key)
		}
		if r.Model != c.Model {
			return fmt.Errorf("%w: record %s is %s", ErrPricingModelMismatch, r.Key, r.Model)
		}
		projected = r.Consumed + amount
		if exceeds(projected, r.Committed, HardCapPct) {
			return &ExceededError{
				Key:       r.Key,
				Projected: projected,
				Committed: r.Committed,
				Ratio:     Ratio(projected, r.Committed),
			}
		}
		r.Consumed = projected
		if c.Model == Bundle {
			bd := make(map[string]int64, len(r.Breakdown)+1)
			for k, v := range r.Breakdown {
				bd[k] = v
			}
			bd[campaignID] += amount
			r.Breakdown = bd
		}
		r.Recompute(now)
		return nil
	})

	res.PreviousUtilization = Ratio(prev.Consumed, prev.Committed)
	if err != nil {
		var ex *ExceededError
		switch {
		case errors.As(err, &ex):
			res.Utilization = ex.Ratio
			res.Band = BandBlocked
			res.Record = prev
			res.Breakdown = prev.Breakdown
			t.count("rejected")
			log.Info().Str("campaign_id", campaignID).Int64("amount", amount).
				Float64("ratio", ex.Ratio).Msg("consumption rejected")
			return res, err
		case errors.Is(err, ErrPricingModelMismatch), errors.Is(err, ErrCampaignNotFound):
			t.count("rejected")
			return res, err
		}
		t.count("error")
		return res, apperr.Unavailable("update capacity record", err)
	}

	res.Allowed = true
	res.Record = rec
	res.Utilization = rec.Utilization
	res.Band = rec.Band
	res.Warning = rec.InGrace
	res.Breakdown = rec.Breakdown
	res.Alerts = t.alertsFor(c, prev, rec, now)
	if res.Warning {
		t.count("warning")
	} else {
		t.count("allowed")
	}
	t.emit(res.Alerts)
	return res, nil
}

// Release returns previously consumed capacity. A bundle campaign can give
// back at most its own share, so other campaigns' usage stays counted.
// Consumption never drops below zero.
func (t *Tracker) Release(ctx context.Context, campaignID string, model PricingModel, amount int64) (Record, error) {
	if amount <= 0 {
		return Record{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	c, err := t.campaign(ctx, campaignID, model)
	if err != nil {
		return Record{}, err
	}
	now := t.now()
	rec, err := t.store.UpdateRecord(ctx, c.RecordKey(), func(r *Record) error {
		if r.Model == "" {
			return fmt.Errorf("%w: %s", ErrNoRecord, r.Key)
		}
		released := min(amount, r.Consumed)
		if c.Model == Bundle {
			bd := make(map[string]int64, len(r.Breakdown))
			for k, v := range r.Breakdown {
				bd[k] = v
			}
			released = min(released, bd[campaignID])
			bd[campaignID] -= released
			r.Breakdown = bd
		}
		r.Consumed -= released
		r.Recompute(now)
		return nil
	})
	if err != nil {
		return Record{}, t.storeErr("release capacity", err)
	}
	return rec, nil
}

// SetCommitment changes the committed capacity of the campaign's record
// (the bundle record for bundle campaigns). Lowering it may cross alert
// thresholds or leave the record blocked.
func (t *Tracker) SetCommitment(ctx context.Context, campaignID string, committed int64) (Record, []alert.Alert, error) {
	if committed < 0 {
		return Record{}, nil, fmt.Errorf("%w: commitment %d", ErrInvalidAmount, committed)
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	c, err := t.lookup(ctx, campaignID)
	if err != nil {
		return Record{}, nil, err
	}
	var (
		prev Record
		now  = t.now()
	)
	rec, err := t.store.UpdateRecord(ctx, c.RecordKey(), func(r *Record) error {
		prev = *r
		if r.Model == "" {
			r.Model = c.Model
		}
		r.Committed = committed
		r.Recompute(now)
		return nil
	})
	if err != nil {
		return Record{}, nil, t.storeErr("set commitment", err)
	}
	alerts := t.alertsFor(c, prev, rec, now)
	t.emit(alerts)
	return rec, alerts, nil
}

// Status returns the record the campaign consumes from.
func (t *Tracker) Status(ctx context.Context, campaignID string) (Record, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	c, err := t.lookup(ctx, campaignID)
	if err != nil {
		return Record{}, err
	}
	rec, err := t.store.GetRecord(ctx, c.RecordKey())
	if err != nil {
		return Record{}, t.storeErr("get capacity record", err)
	}
	if rec.Model == "" {
		return Record{}, fmt.Errorf("%w: %s", ErrNoRecord, rec.Key)
	}
	return rec, nil
}

func (t *Tracker) lookup(ctx context.Context, campaignID string) (Campaign, error) {
	c, err := t.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Campaign{}, t.storeErr("get campaign", err)
	}
	return c, nil
}

func (t *Tracker) campaign(ctx context.Context, campaignID string, model PricingModel) (Campaign, error) {
	c, err := t.lookup(ctx, campaignID)
	if err != nil {
		return Campaign{}, err
	}
	if c.Model != model {
		return Campaign{}, fmt.Errorf("%w: campaign %s uses %s, not %s", ErrPricingModelMismatch, campaignID, c.Model, model)
	}
	return c, nil
}

func (t *Tracker) alertsFor(c Campaign, prev, next Record, now time.Time) []alert.Alert {
	var out []alert.Alert
	for _, th := range crossed(prev.Consumed, prev.Committed, next.Consumed, next.Committed) {
		bundleID := ""
		if c.Model == Bundle {
			bundleID = c.BundleID
		}
		out = append(out, alert.New(c.ID, bundleID, th, next.Consumed, next.Committed, next.Utilization, now))
	}
	return out
}

func (t *Tracker) emit(alerts []alert.Alert) {
	if t.alerts != nil && len(alerts) > 0 {
		t.alerts.Enqueue(alerts...)
	}
}

func (t *Tracker) storeErr(op string, err error) error {
	if errors.Is(err, ErrCampaignNotFound) {
		return err
	}
	return apperr.Unavailable(op, err)
}

func (t *Tracker) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.timeout)
}

func (t *Tracker) count(decision string) {
	observability.Consumption.WithLabelValues(decision).Inc()
}
