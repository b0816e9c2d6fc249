// Package capacity enforces committed-capacity quotas on campaigns and
// shared bundles.
package capacity

import (
	"errors"
	"fmt"
	"time"

	"csr-rule-engine/internal/alert"
)

var (
	ErrCampaignNotFound     = errors.New("campaign not found")
	ErrPricingModelMismatch = errors.New("pricing model mismatch")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrInvalidAmount        = errors.New("invalid amount")

	// ErrNoRecord means the campaign exists but no commitment was ever set.
	ErrNoRecord = fmt.Errorf("no capacity record: %w", ErrCampaignNotFound)
)

type PricingModel string

const (
	Seats    PricingModel = "seats"
	Credits  PricingModel = "credits"
	Learners PricingModel = "learners"
	Bundle   PricingModel = "bundle"
)

func (m PricingModel) Valid() bool {
	switch m {
	case Seats, Credits, Learners, Bundle:
		return true
	}
	return false
}

// Campaign is the externally owned campaign, as far as enforcement cares.
// Bundle campaigns draw on the shared record of BundleID.
type Campaign struct {
	ID       string
	Model    PricingModel
	BundleID string
}

// RecordKey is the key of the capacity record a campaign consumes from.
func (c Campaign) RecordKey() string {
	if c.Model == Bundle && c.BundleID != "" {
		return BundleKey(c.BundleID)
	}
	return c.ID
}

func BundleKey(bundleID string) string { return "bundle:" + bundleID }

// Record is mutable consumption-vs-commitment state for a campaign or a
// bundle. Derived fields are recomputed on every write.
type Record struct {
	Key         string           `json:"key"`
	Model       PricingModel     `json:"pricing_model"`
	Committed   int64            `json:"committed"`
	Consumed    int64            `json:"consumed"`
	Utilization float64          `json:"utilization"`
	Band        Band             `json:"band"`
	Near        bool             `json:"is_near_capacity"`
	At          bool             `json:"is_at_capacity"`
	InGrace     bool             `json:"in_grace"`
	Over        bool             `json:"is_over_capacity"`
	Breakdown   map[string]int64 `json:"breakdown,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Recompute refreshes every derived field from Consumed and Committed.
func (r *Record) Recompute(at time.Time) {
	r.Utilization = Ratio(r.Consumed, r.Committed)
	r.Band = BandFor(r.Consumed, r.Committed)
	r.Near = reaches(r.Consumed, r.Committed, 80)
	r.At = reaches(r.Consumed, r.Committed, 100)
	r.InGrace = r.Band == BandOver
	r.Over = r.Band == BandBlocked
	r.UpdatedAt = at.UTC()
}

type Band string

const (
	BandUnder   Band = "under"
	BandNear    Band = "near"
	BandAt      Band = "at"
	BandOver    Band = "over"
	BandBlocked Band = "blocked"
)

// HardCapPct is the utilization beyond which consumption is rejected.
const HardCapPct = 110

// Ratio is consumed/committed, or 0 when nothing is committed.
func Ratio(consumed, committed int64) float64 {
	if committed <= 0 {
		return 0
	}
	return float64(consumed) / float64(committed)
}

// reaches reports consumed/committed >= pct/100 using exact integer math.
func reaches(consumed, committed int64, pct int64) bool {
	if committed <= 0 {
		return consumed > 0
	}
	return consumed*100 >= committed*pct
}

func exceeds(consumed, committed int64, pct int64) bool {
	if committed <= 0 {
		return consumed > 0
	}
	return consumed*100 > committed*pct
}

func BandFor(consumed, committed int64) Band {
	switch {
	case exceeds(consumed, committed, HardCapPct):
		return BandBlocked
	case exceeds(consumed, committed, 100):
		return BandOver
	case reaches(consumed, committed, 100):
		return BandAt
	case reaches(consumed, committed, 80):
		return BandNear
	}
	return BandUnder
}

// crossed returns thresholds newly reached going from prev to next. Each is
// reported once no matter how many percentage points were skipped.
func crossed(prevConsumed, prevCommitted, nextConsumed, nextCommitted int64) []alert.Threshold {
	var out []alert.Threshold
	for _, t := range alert.Thresholds {
		pct := int64(t)
		if !reaches(prevConsumed, prevCommitted, pct) && reaches(nextConsumed, nextCommitted, pct) {
			out = append(out, t)
		}
	}
	return out
}

// Result is the outcome of one consumption attempt.
type Result struct {
	CampaignID          string           `json:"campaign_id"`
	BundleID            string           `json:"bundle_id,omitempty"`
	Allowed             bool             `json:"allowed"`
	Warning             bool             `json:"warning"`
	Utilization         float64          `json:"utilization"`
	PreviousUtilization float64          `json:"previous_utilization"`
	Band                Band             `json:"band"`
	Record              Record           `json:"record"`
	Alerts              []alert.Alert    `json:"alerts,omitempty"`
	Breakdown           map[string]int64 `json:"breakdown,omitempty"`
}

// ExceededError is returned when a request would pass the hard cap.
type ExceededError struct {
	Key       string
	Projected int64
	Committed int64
	Ratio     float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded for %s: projected %d of %d (ratio %.2f, cap %.2f)",
		e.Key, e.Projected, e.Committed, e.Ratio, float64(HardCapPct)/100)
}

func (e *ExceededError) Is(target error) bool { return target == ErrCapacityExceeded }
