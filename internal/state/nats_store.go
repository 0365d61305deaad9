package state

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"alertengine/internal/config"

	"github.com/nats-io/nats.go"
)

const (
	maxCASAttempts      = 8
	kvOperationHeader   = "KV-Operation"
	markerReasonHeader  = "Nats-Marker-Reason"
	perMessageTTLHeader = "Nats-TTL"
)

// NATSStore persists dedup/throttle state in JetStream KV buckets with per-message TTL.
// Params: NATS connection, JetStream context, and bucket stream names.
// Returns: KV-backed state store shared by all engine replicas.
type NATSStore struct {
	nc             *nats.Conn
	js             nats.JetStreamContext
	dedupStream    string
	throttleStream string
	dedupPrefix    string
	throttlePrefix string
}

type dedupPayload struct {
	ClaimedUnixMS int64 `json:"claimed_unix_ms"`
	ExpiresUnixMS int64 `json:"expires_unix_ms"`
}

type throttlePayload struct {
	Count int `json:"count"`
}

// NewNATSStore opens or creates KV buckets and returns NATS state backend.
// Params: NATS state settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	for _, bucket := range []string{settings.DedupBucket, settings.ThrottleBucket} {
		if err := ensureBucket(js, bucket, settings.AllowCreateBuckets); err != nil {
			nc.Close()
			return nil, err
		}
	}

	return &NATSStore{
		nc:             nc,
		js:             js,
		dedupStream:    "KV_" + settings.DedupBucket,
		throttleStream: "KV_" + settings.ThrottleBucket,
		dedupPrefix:    "$KV." + settings.DedupBucket + ".",
		throttlePrefix: "$KV." + settings.ThrottleBucket + ".",
	}, nil
}

// ensureBucket opens bucket (creating when allowed) and enables per-message TTL.
// Params: JetStream context, bucket name, and create permission.
// Returns: setup error.
func ensureBucket(js nats.JetStreamContext, bucket string, allowCreate bool) error {
	if _, err := js.KeyValue(bucket); err != nil {
		if !allowCreate {
			return fmt.Errorf("open bucket %q: %w", bucket, err)
		}
		if _, err := js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket}); err != nil {
			return fmt.Errorf("create bucket %q: %w", bucket, err)
		}
	}
	if err := enableBucketPerMessageTTL(js, bucket); err != nil {
		return fmt.Errorf("enable per-message ttl on bucket %q: %w", bucket, err)
	}
	return nil
}

// enableBucketPerMessageTTL ensures underlying KV stream allows Nats-TTL header.
// Params: JetStream context and KV bucket name.
// Returns: stream update error when config cannot be applied.
func enableBucketPerMessageTTL(js nats.JetStreamContext, bucket string) error {
	info, err := js.StreamInfo("KV_" + bucket)
	if err != nil {
		return err
	}
	if info.Config.AllowMsgTTL {
		return nil
	}
	cfg := info.Config
	cfg.AllowMsgTTL = true
	if cfg.SubjectDeleteMarkerTTL == 0 {
		cfg.SubjectDeleteMarkerTTL = 5 * time.Minute
	}
	_, err = js.UpdateStream(&cfg)
	return err
}

// Claim publishes dedup entry only when the subject has no live value.
// Params: rule id, dedup key, current time, and window length.
// Returns: true when this call created the entry.
func (s *NATSStore) Claim(ctx context.Context, ruleID, key string, now time.Time, window time.Duration) (bool, error) {
	subject := s.dedupPrefix + encodeToken(ruleID) + "." + encodeToken(key)
	body, err := json.Marshal(dedupPayload{
		ClaimedUnixMS: now.UnixMilli(),
		ExpiresUnixMS: now.Add(window).UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("encode dedup entry: %w", err)
	}

	var expected uint64
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.publishExpected(ctx, subject, body, window, expected)
		if err == nil {
			return true, nil
		}
		if !isWrongLastSequence(err) {
			return false, fmt.Errorf("publish dedup entry: %w", err)
		}

		last, err := s.js.GetLastMsg(s.dedupStream, subject)
		if err != nil {
			if errors.Is(err, nats.ErrMsgNotFound) {
				expected = 0
				continue
			}
			return false, fmt.Errorf("load dedup entry: %w", err)
		}
		if isLiveEntry(last.Header) && dedupEntryLive(last.Data, now) {
			return false, nil
		}
		expected = last.Sequence
	}
	return false, ErrConflict
}

// Sweep is a no-op because expiry happens server-side through per-message TTL.
func (s *NATSStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Acquire increments the rule window counter with compare-and-set on the subject sequence.
// Params: rule id, window start, window length, and cap.
// Returns: true when the trigger fits the window.
func (s *NATSStore) Acquire(ctx context.Context, ruleID string, windowStart time.Time, window time.Duration, max int) (bool, error) {
	subject := s.throttlePrefix + encodeToken(ruleID) + "." + strconv.FormatInt(windowStart.Unix(), 10)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		count := 0
		var expected uint64
		last, err := s.js.GetLastMsg(s.throttleStream, subject)
		switch {
		case err == nil:
			expected = last.Sequence
			if isLiveEntry(last.Header) {
				var payload throttlePayload
				if err := json.Unmarshal(last.Data, &payload); err != nil {
					return false, fmt.Errorf("decode throttle counter: %w", err)
				}
				count = payload.Count
			}
		case errors.Is(err, nats.ErrMsgNotFound):
		default:
			return false, fmt.Errorf("load throttle counter: %w", err)
		}

		if count >= max {
			return false, nil
		}
		body, err := json.Marshal(throttlePayload{Count: count + 1})
		if err != nil {
			return false, fmt.Errorf("encode throttle counter: %w", err)
		}
		err = s.publishExpected(ctx, subject, body, window, expected)
		if err == nil {
			return true, nil
		}
		if !isWrongLastSequence(err) {
			return false, fmt.Errorf("publish throttle counter: %w", err)
		}
	}
	return false, ErrConflict
}

// publishExpected publishes KV value with TTL and expected last subject sequence.
// Params: subject, body, ttl, and expected sequence (0 means subject must be empty).
// Returns: publish error.
func (s *NATSStore) publishExpected(ctx context.Context, subject string, body []byte, ttl time.Duration, expected uint64) error {
	msg := nats.NewMsg(subject)
	msg.Data = body
	msg.Header.Set(nats.ExpectedLastSubjSeqHdr, strconv.FormatUint(expected, 10))
	if ttl > 0 {
		msg.Header.Set(perMessageTTLHeader, strconv.FormatInt(ttl.Milliseconds(), 10)+"ms")
	}
	_, err := s.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// encodeToken maps arbitrary text into a KV-safe key token.
func encodeToken(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

// isLiveEntry reports whether stored message is a value rather than a delete/purge/TTL marker.
func isLiveEntry(header nats.Header) bool {
	if header == nil {
		return true
	}
	switch strings.ToUpper(header.Get(kvOperationHeader)) {
	case "DEL", "PURGE":
		return false
	}
	return header.Get(markerReasonHeader) == ""
}

// dedupEntryLive double-checks expiry recorded in payload against caller clock.
func dedupEntryLive(body []byte, now time.Time) bool {
	var payload dedupPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return true
	}
	return now.UnixMilli() < payload.ExpiresUnixMS
}

// isWrongLastSequence detects expected-sequence publish rejections.
func isWrongLastSequence(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}
