package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"csr-rule-engine/internal/alert"
	"csr-rule-engine/internal/apperr"
	"csr-rule-engine/internal/capacity"
	"csr-rule-engine/internal/engine"
	"csr-rule-engine/internal/events"
)

type Evaluator interface {
	EvaluateRules(ctx context.Context, entityID string, set *engine.RuleSet) (engine.Result, error)
}

type RuleSource interface {
	Current() *engine.RuleSet
	SetActive(id string, active bool) error
}

// ContextCache drops cached entity snapshots.
type ContextCache interface {
	Invalidate(entityID string)
}

type Capacity interface {
	Consume(ctx context.Context, campaignID string, model capacity.PricingModel, amount int64) (capacity.Result, error)
	Release(ctx context.Context, campaignID string, model capacity.PricingModel, amount int64) (capacity.Record, error)
	SetCommitment(ctx context.Context, campaignID string, committed int64) (capacity.Record, []alert.Alert, error)
	Status(ctx context.Context, campaignID string) (capacity.Record, error)
}

type Handler struct {
	Eval     Evaluator
	Rules    RuleSource
	Capacity Capacity
	Contexts ContextCache
}

func NewHandler(eval Evaluator, rules RuleSource, c Capacity, contexts ContextCache) *Handler {
	return &Handler{Eval: eval, Rules: rules, Capacity: c, Contexts: contexts}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string   `json:"error"`
	Ratio *float64 `json:"ratio,omitempty"`
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var ex *capacity.ExceededError
	switch {
	case errors.As(err, &ex):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Ratio: &ex.Ratio})
	case errors.Is(err, capacity.ErrCampaignNotFound), engine.IsNotFound(err), errors.Is(err, engine.ErrRuleNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, capacity.ErrPricingModelMismatch), errors.Is(err, capacity.ErrInvalidAmount):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case apperr.Retryable(err):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		log.Error().Err(err).Msg("unhandled request error")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

type evaluateResponse struct {
	EntityID      string                        `json:"entity_id"`
	FlagsSet      map[string]any                `json:"flags_set"`
	Changed       []string                      `json:"changed"`
	EventsEmitted []events.Event                `json:"events_emitted"`
	Outcomes      map[string]engine.RuleOutcome `json:"outcomes"`
}

// evaluateRequest is the optional trigger body. Any reason names an event
// that changed the entity's facts, so the cached snapshot is dropped.
type evaluateRequest struct {
	Reason  string `json:"reason"`
	Refresh bool   `json:"refresh"`
}

func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entityID")
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must be {reason, refresh} or empty"})
		return
	}
	if h.Contexts != nil && (req.Refresh || strings.TrimSpace(req.Reason) != "") {
		h.Contexts.Invalidate(id)
		log.Debug().Str("entity_id", id).Str("reason", req.Reason).Msg("context invalidated")
	}
	res, err := h.Eval.EvaluateRules(r.Context(), id, h.Rules.Current())
	if err != nil {
		writeError(w, err)
		return
	}
	flags := make(map[string]any, len(res.FlagsSet))
	for k, v := range res.FlagsSet {
		flags[k] = v.Any()
	}
	out := evaluateResponse{
		EntityID:      res.EntityID,
		FlagsSet:      flags,
		Changed:       res.Changed,
		EventsEmitted: res.Events,
		Outcomes:      res.Outcomes,
	}
	if out.Changed == nil {
		out.Changed = []string{}
	}
	if out.EventsEmitted == nil {
		out.EventsEmitted = []events.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}

type amountRequest struct {
	PricingModel string `json:"pricing_model"`
	Amount       int64  `json:"amount"`
}

func decodeAmount(r *http.Request) (amountRequest, bool) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, false
	}
	req.PricingModel = strings.ToLower(strings.TrimSpace(req.PricingModel))
	return req, capacity.PricingModel(req.PricingModel).Valid()
}

func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAmount(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must be {pricing_model, amount} with a known pricing model"})
		return
	}
	res, err := h.Capacity.Consume(r.Context(), chi.URLParam(r, "campaignID"), capacity.PricingModel(req.PricingModel), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAmount(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must be {pricing_model, amount} with a known pricing model"})
		return
	}
	rec, err := h.Capacity.Release(r.Context(), chi.URLParam(r, "campaignID"), capacity.PricingModel(req.PricingModel), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type commitmentRequest struct {
	Committed int64 `json:"committed"`
}

type commitmentResponse struct {
	Record capacity.Record `json:"record"`
	Alerts []alert.Alert   `json:"alerts"`
}

func (h *Handler) SetCommitment(w http.ResponseWriter, r *http.Request) {
	var req commitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must be {committed}"})
		return
	}
	rec, alerts, err := h.Capacity.SetCommitment(r.Context(), chi.URLParam(r, "campaignID"), req.Committed)
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	writeJSON(w, http.StatusOK, commitmentResponse{Record: rec, Alerts: alerts})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Capacity.Status(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type activeRequest struct {
	Active *bool `json:"active"`
}

// SetRuleActive toggles a rule in the live set. The toggle holds until the
// next reload from the rule source.
func (h *Handler) SetRuleActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must be {active}"})
		return
	}
	id := chi.URLParam(r, "ruleID")
	if err := h.Rules.SetActive(id, *req.Active); err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("rule_id", id).Bool("active", *req.Active).Msg("rule toggled")
	writeJSON(w, http.StatusOK, map[string]any{"rule_id": id, "active": *req.Active})
}
