package alert

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"csr-rule-engine/internal/observability"
)

// Dispatcher hands alert batches to the Router on background workers so
// delivery latency never reaches the consumption path.
type Dispatcher struct {
	router  *Router
	q       chan []Alert
	workers int
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

func NewDispatcher(router *Router, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		router:  router,
		q:       make(chan []Alert, queueSize),
		workers: workers,
		timeout: 30 * time.Second,
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for batch := range d.q {
				ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
				d.router.RouteAlerts(ctx, batch)
				cancel()
			}
		}()
	}
}

// Enqueue never blocks; a full queue drops the batch.
func (d *Dispatcher) Enqueue(alerts ...Alert) {
	if len(alerts) == 0 {
		return
	}
	batch := append([]Alert(nil), alerts...)
	select {
	case d.q <- batch:
	default:
		observability.QueueDropped.WithLabelValues("alerts").Inc()
		log.Warn().Int("alerts", len(batch)).Str("campaign_id", batch[0].CampaignID).Msg("alert queue full; dropping")
	}
}

// Close drains queued batches and stops the workers.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.q) })
	d.wg.Wait()
}
