package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"csr-rule-engine/internal/apperr"
	"csr-rule-engine/internal/condition"
	"csr-rule-engine/internal/events"
	"csr-rule-engine/internal/facts"
	"csr-rule-engine/internal/lock"
	"csr-rule-engine/internal/observability"
)

// ContextProvider returns the snapshot an evaluation runs against.
type ContextProvider interface {
	GetContext(ctx context.Context, entityID string) (*facts.Snapshot, error)
}

// FlagStore persists flags per entity. SetFlags applies all given flags
// atomically.
type FlagStore interface {
	GetFlag(ctx context.Context, entityID, flag string) (facts.Value, bool, error)
	SetFlags(ctx context.Context, entityID string, flags map[string]facts.Value) error
}

// EventSink receives events from committed rules. It must not block.
type EventSink interface {
	Enqueue(evs ...events.Event)
}

// Engine evaluates rule sets against entity snapshots. It keeps no state
// between calls apart from what its collaborators hold.
type Engine struct {
	contexts       ContextProvider
	flags          FlagStore
	sink           EventSink
	policy         ConflictPolicy
	now            func() time.Time
	persistTimeout time.Duration
	entities       *lock.Keyed
}

type Option func(*Engine)

func WithConflictPolicy(p ConflictPolicy) Option { return func(e *Engine) { e.policy = p } }
func WithEventSink(s EventSink) Option           { return func(e *Engine) { e.sink = s } }
func WithClock(now func() time.Time) Option      { return func(e *Engine) { e.now = now } }
func WithPersistTimeout(d time.Duration) Option  { return func(e *Engine) { e.persistTimeout = d } }

func NewEngine(contexts ContextProvider, flags FlagStore, opts ...Option) *Engine {
	e := &Engine{
		contexts: contexts,
		flags:    flags,
		policy:   LastWriterWins,
		now:      time.Now,
		entities: lock.NewKeyed(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// EvaluateRules runs every active rule in set against entityID's snapshot.
//
// Rules whose conditions are malformed are logged and skipped. A context
// or persistence failure stops the run; rules committed before it keep
// their effects and are reported in the returned Result along with the
// error.
func (e *Engine) EvaluateRules(ctx context.Context, entityID string, set *RuleSet) (Result, error) {
	res := newResult(entityID)

	snap, err := e.contexts.GetContext(ctx, entityID)
	if err != nil {
		return res, err
	}

	now := e.now()
	var matched []Rule
	for _, r := range set.Active() {
		ok, err := evaluateConditions(r.Conditions, snap, now)
		switch {
		case err != nil:
			res.Outcomes[r.ID] = OutcomeSkipped
			observability.RulesSkipped.Inc()
			log.Warn().Err(err).Str("rule_id", r.ID).Str("entity_id", entityID).Msg("skipping rule")
		case ok:
			res.Outcomes[r.ID] = OutcomeMatched
			matched = append(matched, r)
		default:
			res.Outcomes[r.ID] = OutcomeUnmatched
		}
		observability.RuleEvaluations.WithLabelValues(string(res.Outcomes[r.ID])).Inc()
	}
	if len(matched) == 0 {
		return res, nil
	}

	unlock, err := e.entities.Lock(ctx, entityID)
	if err != nil {
		return res, apperr.Unavailable("lock entity", err)
	}
	defer unlock()

	owners := e.flagOwners(matched)
	pending, err := e.pendingWrites(ctx, entityID, owners)
	if err != nil {
		return res, err
	}

	committed := map[string]bool{}
	done := 0
	for i, r := range matched {
		if err = e.commit(ctx, i, r, owners, pending, committed, &res); err != nil {
			break
		}
		done++
	}
	for i, r := range matched {
		if fires(r, i < done, committed) {
			for _, a := range r.Actions {
				if em, ok := a.(EmitEvent); ok {
					res.Events = append(res.Events, events.New(em.EventType, entityID, r.ID, em.Payload, now))
				}
			}
		}
	}
	if e.sink != nil && len(res.Events) > 0 {
		e.sink.Enqueue(res.Events...)
	}
	sort.Strings(res.Changed)
	return res, err
}

func evaluateConditions(cs []condition.Condition, snap *facts.Snapshot, now time.Time) (bool, error) {
	if len(cs) == 0 {
		return false, condition.AllOf(nil).Validate()
	}
	for _, c := range cs {
		ok, err := condition.Evaluate(c, snap, now)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// flagWrite is the matched rule whose value for a flag survives the
// conflict policy.
type flagWrite struct {
	rule  int
	value facts.Value
}

func (e *Engine) flagOwners(matched []Rule) map[string]flagWrite {
	owners := map[string]flagWrite{}
	for i, r := range matched {
		for _, a := range r.Actions {
			sf, ok := a.(SetFlag)
			if !ok {
				continue
			}
			if _, taken := owners[sf.Flag]; taken && e.policy == FirstWriterWins {
				continue
			}
			owners[sf.Flag] = flagWrite{rule: i, value: sf.Value}
		}
	}
	return owners
}

// pendingWrites returns the surviving flag values that differ from what is
// stored.
func (e *Engine) pendingWrites(ctx context.Context, entityID string, owners map[string]flagWrite) (map[string]facts.Value, error) {
	names := make([]string, 0, len(owners))
	for flag := range owners {
		names = append(names, flag)
	}
	sort.Strings(names)

	pending := map[string]facts.Value{}
	for _, flag := range names {
		v := owners[flag].value
		cur, ok, err := e.getFlag(ctx, entityID, flag)
		if err != nil {
			return nil, err
		}
		if !ok || !cur.Equal(v) || cur.Kind() != v.Kind() {
			pending[flag] = v
		}
	}
	return pending, nil
}

// commit persists the pending flags that rule idx owns.
func (e *Engine) commit(ctx context.Context, idx int, r Rule, owners map[string]flagWrite, pending map[string]facts.Value, committed map[string]bool, res *Result) error {
	owned := map[string]facts.Value{}
	writes := map[string]facts.Value{}
	for _, a := range r.Actions {
		sf, ok := a.(SetFlag)
		if !ok || owners[sf.Flag].rule != idx {
			continue
		}
		owned[sf.Flag] = sf.Value
		if v, ok := pending[sf.Flag]; ok {
			writes[sf.Flag] = v
		}
	}
	if len(writes) > 0 {
		if err := e.setFlags(ctx, res.EntityID, writes); err != nil {
			return err
		}
	}
	for flag, v := range owned {
		res.FlagsSet[flag] = v
	}
	for flag := range writes {
		committed[flag] = true
		res.Changed = append(res.Changed, flag)
	}
	return nil
}

// fires reports whether a matched rule's events go out. A rule that sets
// flags fires only when one of its flags changed on this run, whichever
// rule's value won. Other rules fire once they were processed.
func fires(r Rule, processed bool, committed map[string]bool) bool {
	setsFlags := false
	for _, a := range r.Actions {
		if sf, ok := a.(SetFlag); ok {
			setsFlags = true
			if committed[sf.Flag] {
				return true
			}
		}
	}
	return !setsFlags && processed
}

func (e *Engine) getFlag(ctx context.Context, entityID, flag string) (facts.Value, bool, error) {
	ctx, cancel := e.withPersistTimeout(ctx)
	defer cancel()
	v, ok, err := e.flags.GetFlag(ctx, entityID, flag)
	if err != nil {
		return facts.Value{}, false, apperr.Unavailable("get flag", err)
	}
	return v, ok, nil
}

func (e *Engine) setFlags(ctx context.Context, entityID string, flags map[string]facts.Value) error {
	ctx, cancel := e.withPersistTimeout(ctx)
	defer cancel()
	if err := e.flags.SetFlags(ctx, entityID, flags); err != nil {
		return apperr.Unavailable("set flags", err)
	}
	return nil
}

func (e *Engine) withPersistTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.persistTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.persistTimeout)
}

// EvaluateMany evaluates several entities in parallel, at most limit at a
// time. Per-entity errors are collected rather than cancelling the batch.
func (e *Engine) EvaluateMany(ctx context.Context, entityIDs []string, set *RuleSet, limit int) (map[string]Result, map[string]error) {
	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(entityIDs))
		errs    = map[string]error{}
	)
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, id := range entityIDs {
		id := id
		g.Go(func() error {
			res, err := e.EvaluateRules(gctx, id, set)
			mu.Lock()
			defer mu.Unlock()
			results[id] = res
			if err != nil {
				errs[id] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

// IsNotFound reports whether err means the entity does not exist.
func IsNotFound(err error) bool { return errors.Is(err, facts.ErrEntityNotFound) }
