package deliveryqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"alertengine/internal/config"

	"github.com/nats-io/nats.go"
)

const retryStreamMaxAge = 24 * time.Hour
const retryDLQStreamMaxAge = 7 * 24 * time.Hour

// DLQReason identifies why a retry job was dead-lettered.
type DLQReason string

const (
	// DLQReasonMaxDeliverExceeded marks jobs that never found queue capacity.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
	// DLQReasonDecodeFailed marks payloads that are not valid jobs.
	DLQReasonDecodeFailed DLQReason = "decode_failed"
)

// DLQEntry is dead-letter payload for retry log failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job        Job       `json:"job"`
	Reason     DLQReason `json:"reason"`
	Attempts   uint64    `json:"attempts"`
	MaxDeliver int       `json:"max_deliver"`
	Subject    string    `json:"subject"`
	FailedAt   time.Time `json:"failed_at"`
}

// NATSRetryLog publishes overflowed jobs into JetStream work-queue stream.
// Params: NATS connection and publish subject.
// Returns: durable retry log shared by replicas.
type NATSRetryLog struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSRetryLog creates JetStream retry log.
// Params: NATS urls and retry section.
// Returns: initialized log or setup error.
func NewNATSRetryLog(urls []string, cfg config.RetryConfig) (*NATSRetryLog, error) {
	nc, js, err := openRetryJetStream(urls, cfg)
	if err != nil {
		return nil, err
	}
	return &NATSRetryLog{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Append publishes job; Nats-Msg-Id dedups double submits of one trigger.
func (l *NATSRetryLog) Append(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal retry job: %w", err)
	}
	msg := nats.NewMsg(l.subject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set("Nats-Msg-Id", id)
	}
	if _, err := l.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish retry job: %w", err)
	}
	return nil
}

// Close closes retry log connection.
func (l *NATSRetryLog) Close() error {
	if l == nil || l.nc == nil {
		return nil
	}
	l.nc.Close()
	return nil
}

// NATSReplayer moves retry-log jobs back into the in-process queue when capacity frees.
// Params: NATS connection and durable queue subscription.
// Returns: replayer lifecycle handle.
type NATSReplayer struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	logger *slog.Logger
	cfg    config.RetryConfig
}

// NewNATSReplayer starts durable consumer over retry stream.
// Params: NATS urls, retry section, non-blocking submit callback, and logger.
// Returns: running replayer or setup error.
func NewNATSReplayer(urls []string, cfg config.RetryConfig, submit func(Job) bool, logger *slog.Logger) (*NATSReplayer, error) {
	nc, js, err := openRetryJetStream(urls, cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	replayer := &NATSReplayer{nc: nc, js: js, logger: logger, cfg: cfg}
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
		if message == nil {
			return
		}
		var job Job
		if err := json.Unmarshal(message.Data, &job); err != nil {
			logger.Warn("retry job decode failed", "subject", message.Subject, "error", err.Error())
			replayer.deadLetter(message, Job{}, DLQReasonDecodeFailed)
			return
		}
		if submit(job) {
			_ = message.Ack()
			return
		}
		if isMaxDeliverExceeded(deliveryAttempts(message), cfg.MaxDeliver) {
			logger.Error("retry job dropped after max deliver", "job_id", job.ID, "rule_id", job.Triggered.RuleID)
			replayer.deadLetter(message, job, DLQReasonMaxDeliverExceeded)
			return
		}
		if nackDelay > 0 {
			_ = message.NakWithDelay(nackDelay)
		} else {
			_ = message.Nak()
		}
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe retry %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	replayer.sub = sub
	return replayer, nil
}

// deadLetter publishes DLQ entry (when enabled) and acks the message.
func (r *NATSReplayer) deadLetter(message *nats.Msg, job Job, reason DLQReason) {
	if r.cfg.DLQ {
		if err := r.publishDLQ(context.Background(), message, job, reason); err != nil {
			r.logger.Error("retry dlq publish failed", "job_id", job.ID, "reason", reason, "error", err.Error())
			_ = message.NakWithDelay(time.Duration(r.cfg.NackDelayMS) * time.Millisecond)
			return
		}
	}
	_ = message.Ack()
}

func (r *NATSReplayer) publishDLQ(ctx context.Context, message *nats.Msg, job Job, reason DLQReason) error {
	attempts := deliveryAttempts(message)
	entry := DLQEntry{
		Job:        job,
		Reason:     reason,
		Attempts:   attempts,
		MaxDeliver: r.cfg.MaxDeliver,
		Subject:    message.Subject,
		FailedAt:   time.Now().UTC(),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal retry dlq entry: %w", err)
	}
	msg := nats.NewMsg(r.cfg.DLQSubject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set("Nats-Msg-Id", fmt.Sprintf("%s:dlq:%s:%d", id, reason, attempts))
	}
	if _, err := r.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish retry dlq entry: %w", err)
	}
	return nil
}

// Close drains subscription and closes connection.
func (r *NATSReplayer) Close() error {
	if r == nil || r.nc == nil {
		return nil
	}
	if r.sub != nil {
		if err := r.sub.Drain(); err != nil {
			r.nc.Close()
			return err
		}
	}
	r.nc.Close()
	return nil
}

// ensureStream ensures one JetStream stream exists with provided options.
func ensureStream(js nats.JetStreamContext, streamName, subject string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

func openRetryJetStream(urls []string, cfg config.RetryConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect retry nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for retry log: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, retryStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQ {
		if err := ensureStream(js, cfg.DLQStream, cfg.DLQSubject, nats.LimitsPolicy, retryDLQStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

func deliveryAttempts(message *nats.Msg) uint64 {
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}
