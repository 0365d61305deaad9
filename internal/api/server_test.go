package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/config"
	"alertengine/internal/domain"
	"alertengine/internal/history"
	"alertengine/internal/logging"
	"alertengine/internal/orchestrator"
	"alertengine/internal/preview"
	"alertengine/internal/rules"
	"alertengine/internal/state"
	"alertengine/internal/suppress"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var testNow = time.Date(2024, 3, 4, 10, 15, 0, 0, time.UTC)

func newTestServer(t *testing.T, ready ReadyFunc) *Server {
	t.Helper()
	clk := clock.NewManual(testNow)
	store := state.NewMemoryStore()
	var seq atomic.Int64
	orch, err := orchestrator.New(orchestrator.Options{
		Registry:  rules.NewRegistry(clk, config.IsSupportedChannel),
		Dedup:     suppress.NewDedup(store, clk),
		Throttle:  suppress.NewThrottle(store, clk),
		History:   history.NewMemoryStore(),
		Estimator: preview.NewEstimator(preview.Options{Window: 30 * 24 * time.Hour, MaxEvents: 1000, SampleSize: 5}, clk),
		Clock:     clk,
		Logger:    logging.Discard(),
		NewID:     func() string { return fmt.Sprintf("te-%d", seq.Add(1)) },
	})
	require.NoError(t, err)
	return New(config.HTTPConfig{}, orch, ready, 0, logging.Discard())
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		encoded, err := json.Marshal(typed)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	response := httptest.NewRecorder()
	srv.Handler().ServeHTTP(response, request)
	return response
}

func decode[T any](t *testing.T, response *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(response.Body.Bytes(), &out), response.Body.String())
	return out
}

func slackRule(id string) map[string]any {
	return map[string]any{
		"id":       id,
		"name":     "Acme patents",
		"severity": "high",
		"conditions": []map[string]any{
			{"field": "assignee", "operator": "equals", "value": "Acme"},
		},
		"delivery": []map[string]any{{"channel": "slack", "enabled": true}},
		"dedup":    map[string]any{"enabled": true, "window_minutes": 30, "field": "patentId"},
	}
}

func patentEvent(id string) map[string]any {
	return map[string]any{
		"id":        id,
		"type":      "patent",
		"timestamp": testNow.Add(-time.Hour).Format(time.RFC3339),
		"fields":    map[string]any{"patentId": id, "assignee": "Acme"},
	}
}

func TestProbes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/readyz", nil).Code)

	notReady := newTestServer(t, func(context.Context) error { return errors.New("redis down") })
	response := do(t, notReady, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, response.Code)
	assert.Contains(t, response.Body.String(), "redis down")
}

func TestRuleCRUD(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)

	response := do(t, srv, http.MethodPost, "/api/v1/rules", slackRule("r1"))
	require.Equal(t, http.StatusCreated, response.Code, response.Body.String())
	created := decode[domain.AlertRule](t, response)
	assert.Equal(t, domain.RuleStateActive, created.State)
	assert.Equal(t, domain.FrequencyRealTime, created.Frequency)

	response = do(t, srv, http.MethodGet, "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, response.Code)
	assert.Equal(t, 1, decode[listResponse[domain.AlertRule]](t, response).Count)

	update := slackRule("r1")
	update["severity"] = "critical"
	response = do(t, srv, http.MethodPut, "/api/v1/rules/r1", update)
	require.Equal(t, http.StatusOK, response.Code, response.Body.String())
	assert.Equal(t, domain.SeverityCritical, decode[domain.AlertRule](t, response).Severity)

	response = do(t, srv, http.MethodPost, "/api/v1/rules/r1/state", map[string]any{"state": "muted"})
	require.Equal(t, http.StatusOK, response.Code)
	assert.Equal(t, domain.RuleStateMuted, decode[domain.AlertRule](t, response).State)

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/api/v1/rules/r1", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/v1/rules/r1", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodDelete, "/api/v1/rules/r1", nil).Code)
}

func TestRuleValidationErrors(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)

	bad := slackRule("r-bad")
	bad["delivery"] = []map[string]any{{"channel": "pager", "enabled": true}}
	response := do(t, srv, http.MethodPost, "/api/v1/rules", bad)
	require.Equal(t, http.StatusBadRequest, response.Code)
	body := decode[errorResponse](t, response)
	assert.Equal(t, "validation_failed", body.Error)
	assert.Equal(t, "delivery[0].channel", body.Field)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/v1/rules", "{").Code)

	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/v1/rules", slackRule("r2")).Code)
	response = do(t, srv, http.MethodPut, "/api/v1/rules/r2", slackRule("other"))
	require.Equal(t, http.StatusBadRequest, response.Code)
	assert.Equal(t, "id", decode[errorResponse](t, response).Field)

	response = do(t, srv, http.MethodPost, "/api/v1/rules/r2/state", map[string]any{"state": "sleeping"})
	require.Equal(t, http.StatusBadRequest, response.Code)
	assert.Equal(t, "state", decode[errorResponse](t, response).Field)
}

func TestEventsProduceTriggeredHistory(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/v1/rules", slackRule("r1")).Code)

	batch := []map[string]any{patentEvent("US1"), patentEvent("US1"), patentEvent("US2")}
	response := do(t, srv, http.MethodPost, "/api/v1/events", batch)
	require.Equal(t, http.StatusAccepted, response.Code, response.Body.String())
	report := decode[orchestrator.BatchReport](t, response)
	assert.Equal(t, 3, report.Matched)
	assert.Equal(t, 1, report.Deduped)
	assert.Equal(t, 2, report.Triggered)

	response = do(t, srv, http.MethodGet, "/api/v1/triggered-events?rule_id=r1&severity=high&limit=1", nil)
	require.Equal(t, http.StatusOK, response.Code)
	page := decode[listResponse[domain.TriggeredEvent]](t, response)
	require.Equal(t, 1, page.Count)

	response = do(t, srv, http.MethodGet, "/api/v1/triggered-events/"+page.Items[0].ID, nil)
	require.Equal(t, http.StatusOK, response.Code)
	assert.Equal(t, "r1", decode[domain.TriggeredEvent](t, response).RuleID)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/v1/triggered-events/missing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/v1/events", "[]").Code)
}

func TestTriggeredEventsRejectsBadQuery(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	for query, field := range map[string]string{
		"severity=urgent": "severity",
		"from=yesterday":  "from",
		"limit=-1":        "limit",
		"offset=abc":      "offset",
	} {
		response := do(t, srv, http.MethodGet, "/api/v1/triggered-events?"+query, nil)
		require.Equal(t, http.StatusBadRequest, response.Code, query)
		assert.Equal(t, field, decode[errorResponse](t, response).Field, query)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/v1/rules", slackRule("r1")).Code)

	events := []map[string]any{patentEvent("US1"), patentEvent("US1"), patentEvent("US2")}
	response := do(t, srv, http.MethodPost, "/api/v1/preview", map[string]any{
		"rule":        map[string]any{"id": "r1"},
		"events":      events,
		"window_days": 7,
	})
	require.Equal(t, http.StatusOK, response.Code, response.Body.String())
	result := decode[preview.Result](t, response)
	assert.Equal(t, 3, result.EstimatedMatches)
	assert.Equal(t, 2, result.DedupedMatches)

	response = do(t, srv, http.MethodGet, "/api/v1/rules/r1", nil)
	assert.Equal(t, result.EstimatedNoise, decode[domain.AlertRule](t, response).EstimatedNoise)

	response = do(t, srv, http.MethodPost, "/api/v1/preview", map[string]any{
		"rule":   map[string]any{"name": "draft"},
		"events": events,
	})
	require.Equal(t, http.StatusBadRequest, response.Code)
	assert.Equal(t, "conditions", decode[errorResponse](t, response).Field)

	response = do(t, srv, http.MethodPost, "/api/v1/preview", map[string]any{
		"rule":   map[string]any{"id": "missing"},
		"events": events,
	})
	assert.Equal(t, http.StatusNotFound, response.Code)
}
