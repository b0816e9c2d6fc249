// Package alert routes capacity threshold alerts to recipients with
// per-threshold cooldowns.
package alert

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Threshold is a utilization percentage that triggers an alert.
type Threshold int

const (
	Threshold80  Threshold = 80
	Threshold90  Threshold = 90
	Threshold100 Threshold = 100
	Threshold110 Threshold = 110
)

// Thresholds lists every alerting threshold in ascending order.
var Thresholds = []Threshold{Threshold80, Threshold90, Threshold100, Threshold110}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Group is a recipient group, resolved to addresses by configuration.
type Group string

const (
	GroupSales   Group = "sales"
	GroupAdmin   Group = "admin"
	GroupSupport Group = "support"
)

type Policy struct {
	Cooldown time.Duration
	Severity Severity
	Groups   []Group
}

var policies = map[Threshold]Policy{
	Threshold80:  {Cooldown: 24 * time.Hour, Severity: SeverityInfo, Groups: []Group{GroupSales}},
	Threshold90:  {Cooldown: 12 * time.Hour, Severity: SeverityWarning, Groups: []Group{GroupAdmin}},
	Threshold100: {Cooldown: 6 * time.Hour, Severity: SeverityWarning, Groups: []Group{GroupAdmin, GroupSupport}},
	Threshold110: {Cooldown: time.Hour, Severity: SeverityCritical, Groups: []Group{GroupAdmin, GroupSupport}},
}

func PolicyFor(t Threshold) (Policy, bool) {
	p, ok := policies[t]
	return p, ok
}

// Alert is a threshold-crossing candidate produced by the capacity tracker.
type Alert struct {
	ID          string     `json:"id"`
	CampaignID  string     `json:"campaign_id"`
	BundleID    string     `json:"bundle_id,omitempty"`
	Threshold   Threshold  `json:"threshold"`
	Severity    Severity   `json:"severity"`
	Recipients  []Group    `json:"recipients"`
	Consumed    int64      `json:"consumed"`
	Committed   int64      `json:"committed"`
	Utilization float64    `json:"utilization"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

func New(campaignID, bundleID string, t Threshold, consumed, committed int64, utilization float64, at time.Time) Alert {
	p := policies[t]
	return Alert{
		ID:          uuid.NewString(),
		CampaignID:  campaignID,
		BundleID:    bundleID,
		Threshold:   t,
		Severity:    p.Severity,
		Recipients:  append([]Group(nil), p.Groups...),
		Consumed:    consumed,
		Committed:   committed,
		Utilization: utilization,
		CreatedAt:   at.UTC(),
	}
}

// Subject is the id cooldowns are tracked against: the bundle for bundle
// campaigns, otherwise the campaign.
func (a Alert) Subject() string {
	if a.BundleID != "" {
		return "bundle:" + a.BundleID
	}
	return a.CampaignID
}

// Message is the channel-neutral rendering of an alert.
type Message struct {
	Title    string
	Body     string
	Severity Severity
	Fields   map[string]string
}

func render(a Alert) Message {
	subject := "Campaign " + a.CampaignID
	if a.BundleID != "" {
		subject = fmt.Sprintf("Bundle %s (via campaign %s)", a.BundleID, a.CampaignID)
	}
	return Message{
		Title:    fmt.Sprintf("%s reached %d%% of committed capacity", subject, a.Threshold),
		Body:     fmt.Sprintf("Consumption is %d of %d (%.1f%%).", a.Consumed, a.Committed, a.Utilization*100),
		Severity: a.Severity,
		Fields: map[string]string{
			"campaign_id": a.CampaignID,
			"bundle_id":   a.BundleID,
			"threshold":   fmt.Sprintf("%d%%", a.Threshold),
			"consumed":    fmt.Sprintf("%d", a.Consumed),
			"committed":   fmt.Sprintf("%d", a.Committed),
		},
	}
}
