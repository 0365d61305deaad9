package ingest

import (
	"encoding/json"
	"io"
	"net/http"

	"alertengine/internal/domain"
)

// HTTPHandler decodes JSON events and forwards them to sink.
// Params: sink receives validated events, max body limits payload size, batch bounds one sink call.
// Returns: HTTP handler for ingest endpoint.
type HTTPHandler struct {
	sink        EventSink
	maxBodySize int64
	batchSize   int
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink, max request body size in bytes, and max events per sink call.
// Returns: configured handler.
func NewHTTPHandler(sink EventSink, maxBodySize int64, batchSize int) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize, batchSize: batchSize}
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// ServeHTTP handles one incoming event request.
// Params: HTTP request/response writer pair.
// Returns: 202 with batch report, 400 on decode failure, 503 when the request is cancelled.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, errorBody{Error: "invalid_body", Reason: err.Error()})
		return
	}

	var status int
	var response any
	err = withDecodedPayload(body, func(events []domain.Event) error {
		report := processChunks(request.Context(), h.sink, events, h.batchSize)
		if request.Context().Err() != nil {
			status, response = http.StatusServiceUnavailable, errorBody{Error: "unavailable", Reason: request.Context().Err().Error()}
			return nil
		}
		status, response = http.StatusAccepted, report
		return nil
	})
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, errorBody{Error: "invalid_event", Reason: err.Error()})
		return
	}
	writeJSON(writer, status, response)
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}
