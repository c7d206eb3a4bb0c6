// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/mwhitfield/procguard/internal/audit"
	"github.com/mwhitfield/procguard/internal/coordinator"
	"github.com/mwhitfield/procguard/internal/deadletter"
	"github.com/mwhitfield/procguard/internal/logging"
	"github.com/mwhitfield/procguard/internal/models"
	"github.com/mwhitfield/procguard/internal/pipeline"
	"github.com/mwhitfield/procguard/internal/store"
)

// Handler serves the operator API.
type Handler struct {
	store       *store.RecordStore
	deadLetters *deadletter.Manager
	audit       *audit.Logger
	ingest      *pipeline.Pipeline
}

// NewHandler wires the operator surface. The audit logger and ingest
// pipeline may be nil; their endpoints then answer 503.
func NewHandler(s *store.RecordStore, dlm *deadletter.Manager, auditLog *audit.Logger, ingest *pipeline.Pipeline) *Handler {
	return &Handler{store: s, deadLetters: dlm, audit: auditLog, ingest: ingest}
}

// ingestRequest is the POST /ingest body.
type ingestRequest struct {
	EntityType   string          `json:"entity_type"`
	SourceTopic  string          `json:"source_topic"`
	SourceSystem string          `json:"source_system"`
	Priority     int             `json:"priority"`
	Payload      json.RawMessage `json:"payload"`
}

// IngestSubmit handles POST /api/v1/ingest/{tenant}/{id}. The response
// reports the execution outcome; a replay of a completed message
// returns the cached result.
func (h *Handler) IngestSubmit(w http.ResponseWriter, r *http.Request) {
	if h.ingest == nil {
		respondError(w, http.StatusServiceUnavailable, "INGEST_DISABLED", "ingestion is not enabled", nil)
		return
	}

	tenant := chi.URLParam(r, "tenant")
	messageID := chi.URLParam(r, "id")

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_BODY", "request body is not valid JSON", err)
		return
	}
	if req.EntityType == "" {
		respondError(w, http.StatusBadRequest, "MISSING_ENTITY_TYPE", "entity_type is required", nil)
		return
	}

	outcome, err := h.ingest.Submit(r.Context(), pipeline.Submission{
		TenantID:     tenant,
		MessageID:    messageID,
		EntityType:   req.EntityType,
		SourceTopic:  req.SourceTopic,
		SourceSystem: req.SourceSystem,
		Priority:     models.Priority(req.Priority),
		Payload:      req.Payload,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "EXECUTE_FAILED", "execution failed", err)
		return
	}

	status := http.StatusOK
	switch outcome.Kind {
	case coordinator.OutcomeRejected:
		status = http.StatusConflict
	case coordinator.OutcomeFailed, coordinator.OutcomeDeadLettered:
		status = http.StatusUnprocessableEntity
	}

	respondData(w, status, outcome, 0)
}

// DeadLetterList handles GET /api/v1/deadletter.
// Query params: tenant (required), type, topic, reason, since, until,
// limit, offset.
func (h *Handler) DeadLetterList(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "MISSING_TENANT", "tenant query parameter is required", nil)
		return
	}

	filter := store.ListFilter{
		MessageType:  r.URL.Query().Get("type"),
		SourceTopic:  r.URL.Query().Get("topic"),
		ReasonSubstr: r.URL.Query().Get("reason"),
		Since:        getTimeParam(r, "since"),
		Until:        getTimeParam(r, "until"),
		Limit:        getIntParam(r, "limit", 100),
		Offset:       getIntParam(r, "offset", 0),
	}

	records, err := h.deadLetters.List(r.Context(), tenant, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LIST_FAILED", "failed to list dead-lettered records", err)
		return
	}

	respondData(w, http.StatusOK, records, len(records))
}

// DeadLetterStats handles GET /api/v1/deadletter/stats.
// Query params: tenant (required), window (Go duration, default all).
func (h *Handler) DeadLetterStats(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "MISSING_TENANT", "tenant query parameter is required", nil)
		return
	}

	window := getDurationParam(r, "window", 0)
	stats, err := h.deadLetters.Stats(r.Context(), tenant, window)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STATS_FAILED", "failed to compute statistics", err)
		return
	}

	respondData(w, http.StatusOK, stats, 0)
}

// DeadLetterRetry handles POST /api/v1/deadletter/{tenant}/{id}/retry.
func (h *Handler) DeadLetterRetry(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	messageID := chi.URLParam(r, "id")

	actor := audit.Actor{
		ID:         operatorID(r),
		RemoteAddr: r.RemoteAddr,
	}

	rec, err := h.deadLetters.ManualRetry(r.Context(), tenant, messageID, actor)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", "record not found", nil)
		return
	case errors.Is(err, deadletter.ErrNotDeadLettered):
		respondError(w, http.StatusConflict, "NOT_DEAD_LETTERED", "record is not dead-lettered", nil)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "RETRY_FAILED", "manual retry failed", err)
		return
	}

	logging.Info().
		Str("tenant_id", sanitizeLogValue(tenant)).
		Str("message_id", sanitizeLogValue(messageID)).
		Str("actor", sanitizeLogValue(actor.ID)).
		Msg("Manual retry accepted")

	respondData(w, http.StatusOK, rec, 0)
}

// RecordGet handles GET /api/v1/records/{tenant}/{id}.
func (h *Handler) RecordGet(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	messageID := chi.URLParam(r, "id")

	rec, err := h.store.Get(r.Context(), tenant, messageID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", "record not found", nil)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "GET_FAILED", "failed to read record", err)
		return
	}

	respondData(w, http.StatusOK, rec, 0)
}

// AuditEvents handles GET /api/v1/audit/events.
// Query params: tenant, actor, type (comma-separated), since, until,
// limit, offset.
func (h *Handler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		respondError(w, http.StatusServiceUnavailable, "AUDIT_DISABLED", "audit logging is not enabled", nil)
		return
	}

	filter := audit.QueryFilter{
		TenantID: r.URL.Query().Get("tenant"),
		ActorID:  r.URL.Query().Get("actor"),
		Since:    getTimeParam(r, "since"),
		Until:    getTimeParam(r, "until"),
		Limit:    getIntParam(r, "limit", 100),
		Offset:   getIntParam(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, audit.EventType(strings.TrimSpace(t)))
		}
	}

	events, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "failed to query audit events", err)
		return
	}

	respondData(w, http.StatusOK, events, len(events))
}

// HealthLive handles GET /api/v1/health/live. Liveness means the
// process is up and serving.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]string{"state": "alive"}, 0)
}

// HealthReady handles GET /api/v1/health/ready. Readiness requires the
// store to answer a read.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.Tenants(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "record store is not ready", err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"state": "ready"}, 0)
}

// operatorID extracts the caller identity for audit attribution.
func operatorID(r *http.Request) string {
	if op := r.Header.Get("X-Operator-ID"); op != "" {
		return op
	}
	return "anonymous"
}
