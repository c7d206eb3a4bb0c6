// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/mwhitfield/procguard/internal/audit"
	"github.com/mwhitfield/procguard/internal/config"
	"github.com/mwhitfield/procguard/internal/coordinator"
	"github.com/mwhitfield/procguard/internal/deadletter"
	"github.com/mwhitfield/procguard/internal/ingestion"
	"github.com/mwhitfield/procguard/internal/models"
	"github.com/mwhitfield/procguard/internal/pipeline"
	"github.com/mwhitfield/procguard/internal/retry"
	"github.com/mwhitfield/procguard/internal/store"
)

type testAPI struct {
	router http.Handler
	store  *store.RecordStore
	dlm    *deadletter.Manager
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	auditLog := audit.NewLogger(audit.NewBadgerStore(s.DB()), nil)
	t.Cleanup(func() { _ = auditLog.Close() })

	dlm := deadletter.NewManager(s, auditLog)
	engineCfg := config.EngineConfig{
		MaxRetryAttempts: 3,
		BaseRetryDelay:   30 * time.Second,
		MaxRetryDelay:    time.Hour,
		JitterRatio:      0.2,
		LivenessWindow:   5 * time.Minute,
		ExecutionTimeout: 5 * time.Second,
	}
	scheduler := retry.NewSchedulerWithSeed(retry.Policy{
		BaseDelay:   engineCfg.BaseRetryDelay,
		MaxDelay:    engineCfg.MaxRetryDelay,
		JitterRatio: engineCfg.JitterRatio,
	}, 1)
	engine := coordinator.New(s, scheduler, dlm, engineCfg, config.BreakerConfig{})
	ingest := pipeline.New(ingestion.NewValidator(), engine)

	handler := NewHandler(s, dlm, auditLog, ingest)
	router := NewRouter(handler, config.ServerConfig{CORSOrigins: []string{"*"}})

	return &testAPI{router: router, store: s, dlm: dlm}
}

func (a *testAPI) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

// seedDeadLetter walks a record into the dead letter queue through the
// manager, the same path production uses.
func seedDeadLetter(t *testing.T, a *testAPI, tenant, id string) {
	t.Helper()
	ctx := context.Background()

	_, _, err := a.store.TryCreate(ctx, tenant, id, store.CreateParams{
		MessageType: "contact",
		SourceTopic: "crm.contacts",
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("TryCreate: %v", err)
	}
	_, err = a.store.ConditionalUpdate(ctx, tenant, id, models.StatusPending, func(r *models.ProcessingRecord) error {
		now := time.Now().UTC()
		r.Status = models.StatusProcessing
		r.AttemptCount = 3
		r.ProcessingStartedAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("seed processing: %v", err)
	}
	_, err = a.dlm.MarkDead(ctx, tenant, id, models.StatusProcessing, "schema rejected", deadletter.ClassPermanent)
	if err != nil {
		t.Fatalf("MarkDead: %v", err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	a := newTestAPI(t)

	for _, path := range []string{"/api/v1/health/live", "/api/v1/health/ready"} {
		rec := a.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s returned %d", path, rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Status != "ok" {
			t.Errorf("%s status = %q", path, resp.Status)
		}
	}
}

func TestIngestSubmit(t *testing.T) {
	a := newTestAPI(t)

	body := `{
		"entity_type": "contact",
		"source_topic": "crm.contacts",
		"source_system": "crm",
		"payload": {
			"contactId": "c-1", "firstName": "Ada", "lastName": "Lovelace",
			"email": "ada@example.com", "phone": "+44 20 7946 0000",
			"addressLine1": "12 St James Square", "city": "London", "country": "GB",
			"createdOn": "2026-01-01T10:00:00Z", "modifiedOn": "2026-01-02T10:00:00Z"
		}
	}`

	rec := a.do(t, http.MethodPost, "/api/v1/ingest/tenant-a/msg-1", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest returned %d: %s", rec.Code, rec.Body.String())
	}

	var outcome coordinator.Outcome
	resp := decodeResponse(t, rec)
	raw, _ := json.Marshal(resp.Data)
	if err := json.Unmarshal(raw, &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if outcome.Kind != coordinator.OutcomeCompleted {
		t.Fatalf("outcome = %+v, want completed", outcome)
	}

	t.Run("replay returns cached result", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/v1/ingest/tenant-a/msg-1", body, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("replay returned %d", rec.Code)
		}
		resp := decodeResponse(t, rec)
		raw, _ := json.Marshal(resp.Data)
		var replayed coordinator.Outcome
		if err := json.Unmarshal(raw, &replayed); err != nil {
			t.Fatalf("decode outcome: %v", err)
		}
		if !replayed.Replayed {
			t.Errorf("outcome = %+v, want replayed", replayed)
		}
	})

	t.Run("invalid payload is unprocessable", func(t *testing.T) {
		bad := `{"entity_type": "contact", "payload": {"contactId": "c-2"}}`
		rec := a.do(t, http.MethodPost, "/api/v1/ingest/tenant-a/msg-2", bad, nil)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("invalid payload returned %d, want 422", rec.Code)
		}
	})

	t.Run("missing entity type", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/v1/ingest/tenant-a/msg-3", `{"payload": {}}`, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("got %d, want 400", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/v1/ingest/tenant-a/msg-4", `{`, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("got %d, want 400", rec.Code)
		}
	})
}

func TestDeadLetterEndpoints(t *testing.T) {
	a := newTestAPI(t)
	seedDeadLetter(t, a, "tenant-a", "msg-1")

	t.Run("list", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, "/api/v1/deadletter?tenant=tenant-a", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("list returned %d", rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Metadata.Count != 1 {
			t.Errorf("count = %d, want 1", resp.Metadata.Count)
		}
	})

	t.Run("list requires tenant", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, "/api/v1/deadletter", "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("got %d, want 400", rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Error == nil || resp.Error.Code != "MISSING_TENANT" {
			t.Errorf("error = %+v", resp.Error)
		}
	})

	t.Run("stats", func(t *testing.T) {
		rec := a.do(t, http.MethodGet, "/api/v1/deadletter/stats?tenant=tenant-a", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("stats returned %d", rec.Code)
		}
		resp := decodeResponse(t, rec)
		raw, _ := json.Marshal(resp.Data)
		var agg store.Aggregates
		if err := json.Unmarshal(raw, &agg); err != nil {
			t.Fatalf("decode aggregates: %v", err)
		}
		if agg.ByStatus[models.StatusDeadLettered] != 1 {
			t.Errorf("aggregates = %+v", agg)
		}
	})

	t.Run("manual retry", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/v1/deadletter/tenant-a/msg-1/retry", "",
			map[string]string{"X-Operator-ID": "operator-7"})
		if rec.Code != http.StatusOK {
			t.Fatalf("retry returned %d: %s", rec.Code, rec.Body.String())
		}
		resp := decodeResponse(t, rec)
		raw, _ := json.Marshal(resp.Data)
		var updated models.ProcessingRecord
		if err := json.Unmarshal(raw, &updated); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if updated.Status != models.StatusPending || updated.AttemptCount != 0 {
			t.Errorf("record = %+v, want pending with reset budget", updated)
		}
	})

	t.Run("retry again conflicts", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/v1/deadletter/tenant-a/msg-1/retry", "", nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("got %d, want 409", rec.Code)
		}
	})

	t.Run("retry unknown record", func(t *testing.T) {
		rec := a.do(t, http.MethodPost, "/api/v1/deadletter/tenant-a/ghost/retry", "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("got %d, want 404", rec.Code)
		}
	})
}

func TestRecordGet(t *testing.T) {
	a := newTestAPI(t)
	seedDeadLetter(t, a, "tenant-a", "msg-1")

	rec := a.do(t, http.MethodGet, "/api/v1/records/tenant-a/msg-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}

	rec = a.do(t, http.MethodGet, "/api/v1/records/tenant-a/ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("got %d, want 404", rec.Code)
	}
}

func TestAuditEvents(t *testing.T) {
	a := newTestAPI(t)
	seedDeadLetter(t, a, "tenant-a", "msg-1")

	// A manual retry produces an audit event; the async writer may lag,
	// so poll briefly.
	rec := a.do(t, http.MethodPost, "/api/v1/deadletter/tenant-a/msg-1/retry", "",
		map[string]string{"X-Operator-ID": "operator-7"})
	if rec.Code != http.StatusOK {
		t.Fatalf("retry returned %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = a.do(t, http.MethodGet, "/api/v1/audit/events?type=deadletter.manual_retry&actor=operator-7", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("audit query returned %d", rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Metadata.Count == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit event never visible, last count %d", resp.Metadata.Count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "procguard_") {
		t.Error("metrics output missing procguard namespace")
	}
}
