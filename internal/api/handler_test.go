package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csr-rule-engine/internal/alert"
	"csr-rule-engine/internal/apperr"
	"csr-rule-engine/internal/capacity"
	"csr-rule-engine/internal/engine"
	"csr-rule-engine/internal/events"
	"csr-rule-engine/internal/facts"
)

type MockEvaluator struct {
	res engine.Result
	err error
}

func (m *MockEvaluator) EvaluateRules(_ context.Context, id string, _ *engine.RuleSet) (engine.Result, error) {
	if m.err != nil {
		return engine.Result{}, m.err
	}
	res := m.res
	res.EntityID = id
	return res, nil
}

type MockRules struct {
	toggled map[string]bool
}

func (*MockRules) Current() *engine.RuleSet {
	s, _ := engine.NewRuleSet(nil)
	return s
}

func (m *MockRules) SetActive(id string, active bool) error {
	if id != "r1" {
		return fmt.Errorf("%w: %s", engine.ErrRuleNotFound, id)
	}
	if m.toggled == nil {
		m.toggled = map[string]bool{}
	}
	m.toggled[id] = active
	return nil
}

type MockContexts struct {
	invalidated []string
}

func (m *MockContexts) Invalidate(id string) { m.invalidated = append(m.invalidated, id) }

type MockCapacity struct {
	res capacity.Result
	rec capacity.Record
	err error

	gotModel  capacity.PricingModel
	gotAmount int64
}

func (m *MockCapacity) Consume(_ context.Context, id string, model capacity.PricingModel, amount int64) (capacity.Result, error) {
	m.gotModel, m.gotAmount = model, amount
	res := m.res
	res.CampaignID = id
	return res, m.err
}

func (m *MockCapacity) Release(_ context.Context, _ string, model capacity.PricingModel, amount int64) (capacity.Record, error) {
	m.gotModel, m.gotAmount = model, amount
	return m.rec, m.err
}

func (m *MockCapacity) SetCommitment(_ context.Context, _ string, committed int64) (capacity.Record, []alert.Alert, error) {
	m.gotAmount = committed
	return m.rec, nil, m.err
}

func (m *MockCapacity) Status(_ context.Context, _ string) (capacity.Record, error) {
	return m.rec, m.err
}

func do(t *testing.T, h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, url, nil)
	} else {
		req = httptest.NewRequest(method, url, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestEvaluate(t *testing.T) {
	ev := events.New("orchestration.milestone.reached", "p1", "mentor_ready_001", nil, time.Now())
	tests := []struct {
		name       string
		eval       *MockEvaluator
		wantStatus int
	}{
		{
			name: "flags and events",
			eval: &MockEvaluator{res: engine.Result{
				FlagsSet: map[string]facts.Value{"mentor_ready": facts.Bool(true)},
				Changed:  []string{"mentor_ready"},
				Events:   []events.Event{ev},
				Outcomes: map[string]engine.RuleOutcome{"mentor_ready_001": engine.OutcomeMatched},
			}},
			wantStatus: http.StatusOK,
		},
		{"not found", &MockEvaluator{err: fmt.Errorf("p1: %w", facts.ErrEntityNotFound)}, http.StatusNotFound},
		{"dependency down", &MockEvaluator{err: apperr.Unavailable("load snapshot", errors.New("conn refused"))}, http.StatusServiceUnavailable},
		{"unexpected", &MockEvaluator{err: errors.New("boom")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Router(NewHandler(tt.eval, &MockRules{}, &MockCapacity{}, nil))
			w := do(t, r, http.MethodPost, "/v1/entities/p1/evaluate", "")
			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}

			var body struct {
				EntityID      string            `json:"entity_id"`
				FlagsSet      map[string]any    `json:"flags_set"`
				Changed       []string          `json:"changed"`
				EventsEmitted []events.Event    `json:"events_emitted"`
				Outcomes      map[string]string `json:"outcomes"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "p1", body.EntityID)
			assert.Equal(t, true, body.FlagsSet["mentor_ready"])
			assert.Equal(t, []string{"mentor_ready"}, body.Changed)
			require.Len(t, body.EventsEmitted, 1)
			assert.Equal(t, ev.ID, body.EventsEmitted[0].ID)
			assert.Equal(t, "matched", body.Outcomes["mentor_ready_001"])
		})
	}
}

func TestEvaluate_TriggerReason(t *testing.T) {
	tests := []struct {
		name            string
		body            string
		wantStatus      int
		wantInvalidated []string
	}{
		{"no body keeps cache", "", http.StatusOK, nil},
		{"empty object keeps cache", `{}`, http.StatusOK, nil},
		{"session completed", `{"reason":"session completed"}`, http.StatusOK, []string{"p1"}},
		{"explicit refresh", `{"refresh":true}`, http.StatusOK, []string{"p1"}},
		{"bad json", `{"reason":`, http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := &MockContexts{}
			r := Router(NewHandler(&MockEvaluator{}, &MockRules{}, &MockCapacity{}, mc))
			w := do(t, r, http.MethodPost, "/v1/entities/p1/evaluate", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantInvalidated, mc.invalidated)
		})
	}
}

func TestSetRuleActive(t *testing.T) {
	tests := []struct {
		name       string
		rule       string
		body       string
		wantStatus int
	}{
		{"deactivate", "r1", `{"active":false}`, http.StatusOK},
		{"unknown rule", "r9", `{"active":true}`, http.StatusNotFound},
		{"missing field", "r1", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := &MockRules{}
			r := Router(NewHandler(&MockEvaluator{}, rules, &MockCapacity{}, nil))
			w := do(t, r, http.MethodPut, "/v1/rules/"+tt.rule+"/active", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, map[string]bool{"r1": false}, rules.toggled)
			}
		})
	}
}

func TestConsume(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		capacity   *MockCapacity
		wantStatus int
		wantRatio  bool
	}{
		{
			name:       "allowed",
			body:       `{"pricing_model":"Seats","amount":6}`,
			capacity:   &MockCapacity{res: capacity.Result{Allowed: true, Warning: true, Utilization: 1.01}},
			wantStatus: http.StatusOK,
		},
		{"bad json", `{`, &MockCapacity{}, http.StatusBadRequest, false},
		{"unknown model", `{"pricing_model":"tokens","amount":1}`, &MockCapacity{}, http.StatusBadRequest, false},
		{
			name: "exceeded",
			body: `{"pricing_model":"seats","amount":20}`,
			capacity: &MockCapacity{err: &capacity.ExceededError{
				Key: "c1", Projected: 115, Committed: 100, Ratio: 1.15,
			}},
			wantStatus: http.StatusConflict,
			wantRatio:  true,
		},
		{"not found", `{"pricing_model":"seats","amount":1}`, &MockCapacity{err: capacity.ErrCampaignNotFound}, http.StatusNotFound, false},
		{"mismatch", `{"pricing_model":"credits","amount":1}`, &MockCapacity{err: capacity.ErrPricingModelMismatch}, http.StatusUnprocessableEntity, false},
		{"invalid amount", `{"pricing_model":"seats","amount":0}`, &MockCapacity{err: capacity.ErrInvalidAmount}, http.StatusUnprocessableEntity, false},
		{"store down", `{"pricing_model":"seats","amount":1}`, &MockCapacity{err: apperr.Unavailable("update", context.DeadlineExceeded)}, http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Router(NewHandler(&MockEvaluator{}, &MockRules{}, tt.capacity, nil))
			w := do(t, r, http.MethodPost, "/v1/campaigns/c1/consume", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			if tt.wantStatus == http.StatusOK {
				var res capacity.Result
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
				assert.Equal(t, "c1", res.CampaignID)
				assert.True(t, res.Allowed)
				assert.True(t, res.Warning)
				assert.Equal(t, capacity.Seats, tt.capacity.gotModel)
				assert.Equal(t, int64(6), tt.capacity.gotAmount)
			}
			if tt.wantRatio {
				var body errorBody
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				require.NotNil(t, body.Ratio)
				assert.InDelta(t, 1.15, *body.Ratio, 1e-9)
			}
		})
	}
}

func TestCapacityAdmin(t *testing.T) {
	rec := capacity.Record{Key: "c1", Model: capacity.Seats, Committed: 200, Consumed: 50}
	mc := &MockCapacity{rec: rec}
	r := Router(NewHandler(&MockEvaluator{}, &MockRules{}, mc, nil))

	w := do(t, r, http.MethodGet, "/v1/campaigns/c1/capacity", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got capacity.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(200), got.Committed)

	w = do(t, r, http.MethodPut, "/v1/campaigns/c1/commitment", `{"committed":200}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(200), mc.gotAmount)

	w = do(t, r, http.MethodPost, "/v1/campaigns/c1/release", `{"pricing_model":"seats","amount":5}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(5), mc.gotAmount)

	mc.err = capacity.ErrCampaignNotFound
	w = do(t, r, http.MethodGet, "/v1/campaigns/c1/capacity", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthz(t *testing.T) {
	ts := httptest.NewServer(Router(NewHandler(&MockEvaluator{}, &MockRules{}, &MockCapacity{}, nil)))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
