package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"alertengine/internal/domain"
	"alertengine/internal/orchestrator"
)

const maxPooledBatchCapacity = 4096

// EventSink receives decoded event batches from ingest interfaces.
// Params: context and events in arrival order.
// Returns: batch counters.
type EventSink interface {
	ProcessBatch(ctx context.Context, events []domain.Event) orchestrator.BatchReport
}

type decodeScratch struct {
	events []domain.Event
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{events: make([]domain.Event, 0, 16)}
	},
}

// DecodePayload decodes one event object or an event array into a fresh slice.
// Params: raw JSON bytes.
// Returns: validated events or decode error.
func DecodePayload(raw []byte) ([]domain.Event, error) {
	var out []domain.Event
	err := withDecodedPayload(raw, func(events []domain.Event) error {
		out = append(make([]domain.Event, 0, len(events)), events...)
		return nil
	})
	return out, err
}

// withDecodedPayload decodes into pooled scratch and hands events to fn before releasing it.
// Params: raw JSON and consumer that must not retain the slice.
// Returns: decode error or consumer error.
func withDecodedPayload(raw []byte, fn func(events []domain.Event) error) error {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	events, err := decodeEventPayloadInto(raw, scratch)
	if err != nil {
		return err
	}
	return fn(events)
}

func decodeEventPayloadInto(raw []byte, scratch *decodeScratch) ([]domain.Event, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if payload[0] == '[' {
		return decodeBatchEventsInto(decoder, scratch)
	}
	event, err := domain.DecodeEventReader(decoder)
	if err != nil {
		return nil, err
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	events := append(scratch.events[:0], event)
	scratch.events = events
	return events, nil
}

func decodeBatchEventsInto(decoder *json.Decoder, scratch *decodeScratch) ([]domain.Event, error) {
	events := scratch.events[:0]
	if err := decoder.Decode(&events); err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}
	if len(events) == 0 {
		return nil, errors.New("event batch must contain at least one event")
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("event[%d]: %w", i, err)
		}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	scratch.events = events
	return events, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.events {
		scratch.events[i] = domain.Event{}
	}
	if cap(scratch.events) > maxPooledBatchCapacity {
		scratch.events = make([]domain.Event, 0, 16)
	} else {
		scratch.events = scratch.events[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// processChunks pushes events to sink in slices of at most size events.
// Params: context, sink, events, and chunk size (<=0 means one chunk).
// Returns: merged report.
func processChunks(ctx context.Context, sink EventSink, events []domain.Event, size int) orchestrator.BatchReport {
	if size <= 0 || size >= len(events) {
		return sink.ProcessBatch(ctx, events)
	}
	var total orchestrator.BatchReport
	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}
		total.Merge(sink.ProcessBatch(ctx, events[start:end]))
	}
	return total
}
