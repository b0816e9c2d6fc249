package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"csr-rule-engine/internal/capacity"
	"csr-rule-engine/internal/config"
	"csr-rule-engine/internal/engine"
	"csr-rule-engine/internal/facts"
)

// Store is the Postgres-backed persistence layer. Tables:
//
//	entity_facts(entity_id pk, fields jsonb)
//	entity_records(entity_id, collection, fields jsonb)
//	entity_flags(entity_id, flag, value jsonb, updated_at, pk(entity_id, flag))
//	campaigns(id pk, pricing_model, bundle_id)
//	capacity_records(key pk, pricing_model, committed, consumed, breakdown jsonb, updated_at)
//	orchestration_rules(id pk, priority, active, spec jsonb)
//
// Field and flag values use the typed {kind, value} JSON form of facts.Value.
type Store struct {
	pool    *pgxpool.Pool
	channel string
	now     func() time.Time
}

func New(ctx context.Context, cfg config.Config) (*Store, error) {
	dsn := cfg.DSN()
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Postgres.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.Postgres.MaxIdleConns)
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Store{pool: pool, channel: cfg.Listener.Channel, now: time.Now}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// LoadSnapshot assembles the entity's scalar facts and collections.
func (s *Store) LoadSnapshot(ctx context.Context, entityID string) (*facts.Snapshot, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT fields FROM entity_facts WHERE entity_id = $1`, entityID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", entityID, facts.ErrEntityNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query entity facts: %w", err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return nil, fmt.Errorf("entity %s fields: %w", entityID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT collection, fields
		FROM entity_records
		WHERE entity_id = $1
		ORDER BY collection
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query entity records: %w", err)
	}
	defer rows.Close()

	collections := map[string][]facts.Record{}
	for rows.Next() {
		var (
			collection string
			rec        []byte
		)
		if err := rows.Scan(&collection, &rec); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		f, err := decodeFields(rec)
		if err != nil {
			return nil, fmt.Errorf("entity %s %s record: %w", entityID, collection, err)
		}
		collections[collection] = append(collections[collection], facts.NewRecord(f))
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return facts.NewSnapshot(entityID, s.now(), fields, collections), nil
}

func decodeFields(raw []byte) (map[string]facts.Value, error) {
	out := map[string]facts.Value{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetFlag(ctx context.Context, entityID, flag string) (facts.Value, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM entity_flags WHERE entity_id = $1 AND flag = $2`, entityID, flag).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return facts.Value{}, false, nil
	}
	if err != nil {
		return facts.Value{}, false, fmt.Errorf("query flag: %w", err)
	}
	var v facts.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return facts.Value{}, false, fmt.Errorf("decode flag %s: %w", flag, err)
	}
	return v, true, nil
}

// SetFlags upserts all flags in one transaction.
func (s *Store) SetFlags(ctx context.Context, entityID string, flags map[string]facts.Value) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for flag, v := range flags {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode flag %s: %w", flag, err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO entity_flags (entity_id, flag, value, updated_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (entity_id, flag)
				DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
			`, entityID, flag, raw); err != nil {
				return fmt.Errorf("upsert flag %s: %w", flag, err)
			}
		}
		return nil
	})
}

func (s *Store) GetCampaign(ctx context.Context, id string) (capacity.Campaign, error) {
	var (
		c        = capacity.Campaign{ID: id}
		model    string
		bundleID *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT pricing_model, bundle_id FROM campaigns WHERE id = $1`, id).Scan(&model, &bundleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return capacity.Campaign{}, fmt.Errorf("%s: %w", id, capacity.ErrCampaignNotFound)
	}
	if err != nil {
		return capacity.Campaign{}, fmt.Errorf("query campaign: %w", err)
	}
	c.Model = capacity.PricingModel(model)
	if bundleID != nil {
		c.BundleID = *bundleID
	}
	return c, nil
}

const selectRecord = `
	SELECT pricing_model, committed, consumed, breakdown, updated_at
	FROM capacity_records
	WHERE key = $1`

func (s *Store) GetRecord(ctx context.Context, key string) (capacity.Record, error) {
	rec, _, err := scanRecord(s.pool.QueryRow(ctx, selectRecord, key), key)
	return rec, err
}

// UpdateRecord locks the row with SELECT ... FOR UPDATE, applies fn and
// writes the result back in the same transaction. A missing row starts
// empty and is inserted.
func (s *Store) UpdateRecord(ctx context.Context, key string, fn func(*capacity.Record) error) (capacity.Record, error) {
	var out capacity.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, found, err := scanRecord(tx.QueryRow(ctx, selectRecord+` FOR UPDATE`, key), key)
		if err != nil {
			return err
		}
		next := cur
		if err := fn(&next); err != nil {
			out = cur
			return err
		}
		breakdown, err := json.Marshal(next.Breakdown)
		if err != nil {
			return fmt.Errorf("encode breakdown: %w", err)
		}
		if found {
			_, err = tx.Exec(ctx, `
				UPDATE capacity_records
				SET pricing_model = $2, committed = $3, consumed = $4, breakdown = $5, updated_at = $6
				WHERE key = $1
			`, key, string(next.Model), next.Committed, next.Consumed, breakdown, next.UpdatedAt)
		} else {
			_, err = tx.Exec(ctx, `
				INSERT INTO capacity_records (key, pricing_model, committed, consumed, breakdown, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, key, string(next.Model), next.Committed, next.Consumed, breakdown, next.UpdatedAt)
		}
		if err != nil {
			return fmt.Errorf("write capacity record: %w", err)
		}
		out = next
		return nil
	})
	return out, err
}

func scanRecord(row pgx.Row, key string) (capacity.Record, bool, error) {
	var (
		rec       = capacity.Record{Key: key}
		model     string
		breakdown []byte
		updatedAt time.Time
	)
	err := row.Scan(&model, &rec.Committed, &rec.Consumed, &breakdown, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return capacity.Record{}, false, fmt.Errorf("scan capacity record: %w", err)
	}
	rec.Model = capacity.PricingModel(model)
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &rec.Breakdown); err != nil {
			return capacity.Record{}, false, fmt.Errorf("decode breakdown: %w", err)
		}
	}
	rec.Recompute(updatedAt)
	return rec, true, nil
}

// LoadRules returns every rule descriptor in the rules table. The table's
// priority and active columns override the descriptor.
func (s *Store) LoadRules(ctx context.Context) ([]engine.RuleSpec, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, priority, active, spec
		FROM orchestration_rules
		ORDER BY priority DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []engine.RuleSpec
	for rows.Next() {
		var (
			id       string
			priority int
			active   bool
			raw      []byte
		)
		if err := rows.Scan(&id, &priority, &active, &raw); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		var spec engine.RuleSpec
		if err := yaml.Unmarshal(raw, &spec); err != nil {
			return nil, fmt.Errorf("decode rule %s: %w", id, err)
		}
		spec.ID = id
		spec.Priority = priority
		spec.Active = &active
		out = append(out, spec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (s *Store) ListenChannel() string {
	if s.channel == "" {
		return "rules_changed"
	}
	return s.channel
}

func (s *Store) PgxPool() *pgxpool.Pool {
	if s.pool == nil {
		panic(errors.New("pgx pool is nil"))
	}
	return s.pool
}
