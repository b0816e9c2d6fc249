// Package events carries emitted domain events to the external bus
// without blocking the decision path.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"csr-rule-engine/internal/observability"
)

type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	RuleID     string         `json:"rule_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func New(eventType, entityID, ruleID string, payload map[string]any, at time.Time) Event {
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		EntityID:   entityID,
		RuleID:     ruleID,
		Payload:    cp,
		OccurredAt: at.UTC(),
	}
}

// Publisher delivers one event. Delivery guarantees belong to the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Outbox is a bounded fire-and-forget queue in front of a Publisher.
type Outbox struct {
	pub     Publisher
	q       chan Event
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

func NewOutbox(pub Publisher, size int, publishTimeout time.Duration) *Outbox {
	if size <= 0 {
		size = 256
	}
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	return &Outbox{pub: pub, q: make(chan Event, size), timeout: publishTimeout}
}

// Start launches the forwarding worker. It exits after Close drains the queue.
func (o *Outbox) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for e := range o.q {
			o.publish(e)
		}
	}()
}

func (o *Outbox) publish(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := o.pub.Publish(ctx, e); err != nil {
		log.Error().Err(err).Str("event_id", e.ID).Str("event_type", e.Type).
			Str("entity_id", e.EntityID).Msg("publish event")
	}
}

// Enqueue never blocks. Events that do not fit are dropped and logged.
func (o *Outbox) Enqueue(evs ...Event) {
	for _, e := range evs {
		select {
		case o.q <- e:
		default:
			observability.QueueDropped.WithLabelValues("events").Inc()
			log.Warn().Str("event_id", e.ID).Str("event_type", e.Type).Msg("event outbox full; dropping")
		}
	}
}

// Close stops accepting events and waits for queued ones to be published.
// Enqueue must not be called after Close.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.q) })
	o.wg.Wait()
}

// LogPublisher writes events to the log. Used when no bus is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, e Event) error {
	log.Info().Str("event_id", e.ID).Str("event_type", e.Type).Str("entity_id", e.EntityID).
		Str("rule_id", e.RuleID).Interface("payload", e.Payload).Msg("event")
	return nil
}
