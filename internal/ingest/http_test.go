package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"alertengine/internal/orchestrator"
)

func TestHTTPHandlerAcceptsSingleEvent(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHTTPHandler(sink, 1<<20, 0)
	request := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(singlePatent))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	var report orchestrator.BatchReport
	if err := json.Unmarshal(response.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Events != 1 {
		t.Fatalf("expected 1 event in report, got %+v", report)
	}
	if len(sink.calls()) != 1 {
		t.Fatalf("expected one sink call, got %d", len(sink.calls()))
	}
}

func TestHTTPHandlerChunksBatchEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHTTPHandler(sink, 1<<20, 2)
	payload := "[" + strings.Repeat(singlePatent+",", 2) + singlePatent + "]"
	request := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(payload))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if calls := sink.calls(); len(calls) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(calls))
	}
}

func TestHTTPHandlerRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHTTPHandler(sink, 64, 0)
	for name, body := range map[string]string{
		"empty batch": "[]",
		"too large":   "[" + strings.Repeat(singlePatent+",", 3) + singlePatent + "]",
	} {
		request := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body))
		response := httptest.NewRecorder()
		handler.ServeHTTP(response, request)
		if response.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status %d, got %d", name, http.StatusBadRequest, response.Code)
		}
	}
	if len(sink.calls()) != 0 {
		t.Fatalf("sink must not be called for invalid payloads")
	}
}

func TestHTTPHandlerRejectsNonPost(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&recordingSink{}, 1<<20, 0)
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	if response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, response.Code)
	}
}

func TestHTTPHandlerCancelledRequestIsUnavailable(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHTTPHandler(sink, 1<<20, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	request := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(singlePatent)).WithContext(ctx)
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}
