package facts

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"csr-rule-engine/internal/apperr"
	"csr-rule-engine/internal/cache"
	"csr-rule-engine/internal/observability"
)

var ErrEntityNotFound = errors.New("entity not found")

// Source loads fresh facts for an entity from backing stores. It returns
// ErrEntityNotFound (possibly wrapped) for unknown ids.
type Source interface {
	LoadSnapshot(ctx context.Context, entityID string) (*Snapshot, error)
}

const DefaultTTL = 5 * time.Minute

// Provider serves snapshots from a TTL cache and recomputes on miss.
// Concurrent misses for the same entity share one load.
type Provider struct {
	src     Source
	cache   *cache.TTL[string, *Snapshot]
	group   singleflight.Group
	timeout time.Duration
}

type Option func(*providerOpts)

type providerOpts struct {
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
}

func WithTTL(d time.Duration) Option          { return func(o *providerOpts) { o.ttl = d } }
func WithFetchTimeout(d time.Duration) Option { return func(o *providerOpts) { o.timeout = d } }
func WithClock(now func() time.Time) Option   { return func(o *providerOpts) { o.now = now } }

func NewProvider(src Source, opts ...Option) *Provider {
	o := providerOpts{ttl: DefaultTTL}
	for _, fn := range opts {
		fn(&o)
	}
	return &Provider{
		src:     src,
		cache:   cache.NewTTL[string, *Snapshot](o.ttl, o.now),
		timeout: o.timeout,
	}
}

// GetContext returns a snapshot no older than the TTL.
func (p *Provider) GetContext(ctx context.Context, entityID string) (*Snapshot, error) {
	if s, ok := p.cache.Get(entityID); ok {
		observability.ContextCache.WithLabelValues("hit").Inc()
		return s, nil
	}
	observability.ContextCache.WithLabelValues("miss").Inc()

	// The shared load outlives any one caller's cancellation.
	ch := p.group.DoChan(entityID, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		if p.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, p.timeout)
			defer cancel()
		}
		s, err := p.src.LoadSnapshot(fctx, entityID)
		if err != nil {
			return nil, err
		}
		p.cache.Set(entityID, s)
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, apperr.Unavailable("fetch context", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, ErrEntityNotFound) {
				return nil, res.Err
			}
			return nil, apperr.Unavailable("fetch context", res.Err)
		}
		return res.Val.(*Snapshot), nil
	}
}

// Invalidate drops the cached snapshot so the next call recomputes. The
// evaluate endpoint calls it for triggers that carry a reason.
func (p *Provider) Invalidate(entityID string) { p.cache.Delete(entityID) }
