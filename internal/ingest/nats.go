package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"alertengine/internal/config"
	"alertengine/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSSubscriber consumes events via JetStream queue consumer and forwards batches to sink.
// Params: NATS connection, JetStream queue subscription, and event sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc     *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNATSSubscriber creates JetStream queue consumer for event ingestion.
// Params: ingest NATS config, sink, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink EventSink, logger *slog.Logger) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureIngestStream(js, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	subscriber := &NATSSubscriber{
		nc:     nc,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	handle := func(message *nats.Msg) {
		decodeErr := withDecodedPayload(message.Data, func(events []domain.Event) error {
			report := processChunks(subscriber.ctx, sink, events, cfg.BatchSize)
			if subscriber.ctx.Err() != nil {
				subscriber.nackMessage(message, nackDelay)
				return nil
			}
			logger.Debug("nats ingest batch processed", "subject", message.Subject, "events", report.Events, "triggered", report.Triggered)
			subscriber.ackMessage(message, "processed")
			return nil
		})
		if decodeErr != nil {
			logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", decodeErr.Error())
			subscriber.ackMessage(message, "decode")
		}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, handle, subOpts...)
		if err != nil {
			_ = subscriber.Close()
			return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
		}
		subscriber.subs = append(subscriber.subs, sub)
	}
	return subscriber, nil
}

// ensureIngestStream creates the event stream when missing.
func ensureIngestStream(js nats.JetStreamContext, cfg config.NATSIngestConfig) error {
	if _, err := js.StreamInfo(cfg.Stream); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create ingest stream %q: %w", cfg.Stream, err)
	}
	return nil
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains subscription, cancels in-flight batches, and closes connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSSubscriber) Close() error {
	var drainErr error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil && drainErr == nil {
			drainErr = err
		}
	}
	s.cancel()
	s.nc.Close()
	return drainErr
}
