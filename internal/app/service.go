package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"alertengine/internal/api"
	"alertengine/internal/clock"
	"alertengine/internal/config"
	"alertengine/internal/deliveryqueue"
	"alertengine/internal/domain"
	"alertengine/internal/history"
	"alertengine/internal/ingest"
	"alertengine/internal/logging"
	"alertengine/internal/notify"
	"alertengine/internal/orchestrator"
	"alertengine/internal/preview"
	"alertengine/internal/rules"
	"alertengine/internal/state"
	"alertengine/internal/suppress"

	"github.com/go-redis/redis/v8"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable alert engine service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	clock     clock.Clock
	redis     *redis.Client
	db        *sql.DB
	store     state.Store
	history   history.Store
	registry  *rules.Registry
	orch      *orchestrator.Orchestrator
	queue     *deliveryqueue.Queue
	retryLog  deliveryqueue.RetryLog
	memRetry  *deliveryqueue.MemoryRetryLog
	replayer  interface{ Close() error }
	natsSub   interface{ Close() error }
	httpSrv   *http.Server
	readyFlag atomic.Bool
	tickers   sync.WaitGroup
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
	}
	steps := []func(context.Context) error{
		service.buildStore,
		service.buildHistory,
		service.buildEngine,
		service.buildRetryReplay,
		service.buildHTTPServer,
		service.buildNATSSubscriber,
	}
	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, step := range steps {
		if err := step(initCtx); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	// Workers outlive Run's cancellation so Close can drain buffered deliveries.
	s.queue.Start(context.WithoutCancel(ctx))

	errChan := make(chan error, 1)
	if s.httpSrv != nil {
		go func() {
			s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
			err := s.httpSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	s.startTicker(shutdownCtx, "digest", s.cfg.Service.DigestTickSec, func(ctx context.Context) {
		if flushed := s.orch.FlushDigests(ctx); flushed > 0 {
			s.logger.Debug("digests flushed", "count", flushed)
		}
	})
	s.startTicker(shutdownCtx, "quiet", s.cfg.Service.QuietTickSec, func(ctx context.Context) {
		if released := s.orch.ReleaseQuiet(ctx); released > 0 {
			s.logger.Debug("quiet-hours deliveries released", "count", released)
		}
	})
	s.startTicker(shutdownCtx, "sweep", s.cfg.Service.SweepIntervalSec, func(ctx context.Context) {
		swept := s.orch.Sweep(ctx)
		replayed := 0
		if s.memRetry != nil {
			replayed = s.memRetry.Replay(s.queue.TrySubmit)
		}
		if swept > 0 || replayed > 0 {
			s.logger.Debug("maintenance tick", "swept", swept, "replayed", replayed)
		}
	})

	s.readyFlag.Store(true)
	s.logger.Info("service started", "mode", s.cfg.Service.Mode, "rules", len(s.registry.List()), "shards", s.cfg.Service.Shards)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
	case err := <-errChan:
		shutdownCancel()
		s.stopTickers()
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
	}
	// Tickers stop before any resource they touch is closed.
	shutdownCancel()
	s.stopTickers()
	return s.shutdown()
}

// startTicker runs fn every intervalSec seconds until ctx is done.
// Params: context, ticker name for logs, interval, and tick body.
// Returns: none; non-positive interval disables the ticker.
func (s *Service) startTicker(ctx context.Context, name string, intervalSec int, fn func(context.Context)) {
	if intervalSec <= 0 {
		s.logger.Warn("ticker disabled", "ticker", name)
		return
	}
	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	s.tickers.Add(1)
	go func() {
		defer s.tickers.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// stopTickers waits for in-flight tick bodies after their context is cancelled.
func (s *Service) stopTickers() {
	s.tickers.Wait()
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(name string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(name+" close failed", "error", err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s close: %w", name, err)
		}
	}

	if s.httpSrv != nil {
		markErr("http server", s.httpSrv.Shutdown(ctx))
	}
	if s.natsSub != nil {
		markErr("nats subscriber", s.natsSub.Close())
	}
	if s.orch != nil {
		if flushed := s.orch.FlushDigests(ctx); flushed > 0 {
			s.logger.Info("due digests flushed on shutdown", "count", flushed)
		}
	}
	if s.replayer != nil {
		markErr("retry replayer", s.replayer.Close())
	}
	if s.queue != nil {
		markErr("delivery queue", s.queue.Close())
	}
	if s.history != nil {
		markErr("history store", s.history.Close())
	}
	if s.store != nil {
		markErr("state store", s.store.Close())
	}
	if s.redis != nil {
		markErr("redis client", s.redis.Close())
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.replayer != nil {
		_ = s.replayer.Close()
		s.replayer = nil
	}
	if s.queue != nil {
		// Queue.Close also closes its overflow log.
		_ = s.queue.Close()
		s.queue = nil
		s.retryLog = nil
	}
	if s.retryLog != nil {
		_ = s.retryLog.Close()
		s.retryLog = nil
	}
	if s.history != nil {
		_ = s.history.Close()
		s.history = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.redis != nil {
		_ = s.redis.Close()
		s.redis = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildStore selects dedup/throttle backend and the shared Redis client.
// Params: init context.
// Returns: setup error.
func (s *Service) buildStore(ctx context.Context) error {
	if needsRedis(s.cfg) {
		s.redis = state.NewRedisClient(s.cfg.Redis)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis %q: %w", s.cfg.Redis.Addr, err)
		}
	}
	switch s.cfg.State.Backend {
	case config.StateBackendRedis:
		s.store = state.NewRedisStore(s.redis, s.cfg.Redis.KeyPrefix, false)
	case config.StateBackendNATS:
		store, err := state.NewNATSStore(config.DeriveStateNATSConfig(s.cfg))
		if err != nil {
			return err
		}
		s.store = store
	default:
		s.store = state.NewMemoryStore()
	}
	return nil
}

// buildHistory opens triggered-event storage.
// Params: init context.
// Returns: setup error.
func (s *Service) buildHistory(ctx context.Context) error {
	if s.cfg.History.Backend != config.HistoryBackendPostgres {
		s.history = history.NewMemoryStore()
		return nil
	}
	db, err := history.OpenPostgres(ctx, s.cfg.History)
	if err != nil {
		return err
	}
	store := history.NewPostgresStore(db)
	s.db = db
	s.history = store
	if s.cfg.History.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

// buildEngine wires registry, dispatcher, delivery queue, and orchestrator.
// Params: init context.
// Returns: setup error.
func (s *Service) buildEngine(context.Context) error {
	adapters, err := notify.BuildAdapters(s.cfg.Notify, s.redis)
	if err != nil {
		return err
	}
	renderer, err := notify.NewRenderer(s.cfg.Notify.Template)
	if err != nil {
		return err
	}
	prefs := make([]domain.NotificationPreference, 0, len(s.cfg.Preferences))
	for _, item := range s.cfg.Preferences {
		prefs = append(prefs, item.ToPreference())
	}
	dispatcher := notify.NewDispatcher(
		adapters,
		renderer,
		notify.NewStaticPreferences(prefs),
		notify.RetryPolicyFromConfig(s.cfg.Delivery),
		s.clock,
		s.logger.With("component", "dispatcher"),
	)

	s.registry = rules.NewRegistry(s.clock, config.IsSupportedChannel)
	seeded := make([]domain.AlertRule, 0, len(s.cfg.Rule))
	for _, item := range s.cfg.Rule {
		seeded = append(seeded, item.ToAlertRule())
	}
	if err := s.registry.Seed(seeded); err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}

	if err := s.buildRetryLog(); err != nil {
		return err
	}
	// Queue handler is bound after the orchestrator exists.
	var orch *orchestrator.Orchestrator
	s.queue = deliveryqueue.New(
		s.cfg.Delivery.QueueSize,
		s.cfg.Delivery.Workers,
		func(ctx context.Context, job deliveryqueue.Job) { orch.HandleDelivery(ctx, job) },
		s.retryLog,
		s.logger.With("component", "delivery_queue"),
	)

	orch, err = orchestrator.New(orchestrator.Options{
		Registry:        s.registry,
		Dedup:           suppress.NewDedup(s.store, s.clock),
		Throttle:        suppress.NewThrottle(s.store, s.clock),
		History:         s.history,
		Queue:           s.queue,
		Delivery:        dispatcher,
		Estimator:       preview.NewEstimator(preview.OptionsFromConfig(s.cfg.Preview), s.clock),
		Clock:           s.clock,
		Logger:          s.logger.With("component", "orchestrator"),
		Shards:          s.cfg.Service.Shards,
		RuleParallelism: s.cfg.Service.RuleParallelism,
	})
	if err != nil {
		return err
	}
	s.orch = orch
	return nil
}

// buildRetryLog selects the delivery overflow log.
// Params: none.
// Returns: setup error.
func (s *Service) buildRetryLog() error {
	if s.cfg.Delivery.Retry.Backend == config.RetryBackendNATS {
		retryLog, err := deliveryqueue.NewNATSRetryLog(natsURLs(s.cfg), s.cfg.Delivery.Retry)
		if err != nil {
			return err
		}
		s.retryLog = retryLog
		return nil
	}
	s.memRetry = deliveryqueue.NewMemoryRetryLog(s.cfg.Delivery.Retry.MemoryLimit)
	s.retryLog = s.memRetry
	return nil
}

// buildRetryReplay starts JetStream replay of overflowed deliveries.
// Params: init context.
// Returns: setup error.
func (s *Service) buildRetryReplay(context.Context) error {
	if s.cfg.Delivery.Retry.Backend != config.RetryBackendNATS {
		return nil
	}
	replayer, err := deliveryqueue.NewNATSReplayer(natsURLs(s.cfg), s.cfg.Delivery.Retry, s.queue.TrySubmit, s.logger.With("component", "retry_replayer"))
	if err != nil {
		return err
	}
	s.replayer = replayer
	return nil
}

// buildHTTPServer wires the API router.
// Params: init context.
// Returns: setup error.
func (s *Service) buildHTTPServer(context.Context) error {
	if !s.cfg.HTTP.Enabled {
		return nil
	}
	router := api.New(s.cfg.HTTP, s.orch, s.ready, 0, s.logger.With("component", "api"))
	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: init context.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber(context.Context) error {
	if isSingleMode(s.cfg) || !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.orch, s.logger.With("component", "nats_ingest"))
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// ready reports readiness for the API probe.
// Params: probe context.
// Returns: nil when started and backing stores answer.
func (s *Service) ready(ctx context.Context) error {
	if !s.readyFlag.Load() {
		return errors.New("service is starting or stopping")
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

// needsRedis reports whether any component uses the shared Redis client.
// Params: runtime config.
// Returns: true for redis state backend or enabled in-app channel.
func needsRedis(cfg config.Config) bool {
	return cfg.State.Backend == config.StateBackendRedis || config.ChannelEnabled(cfg.Notify, config.ChannelInApp)
}

// natsURLs returns normalized NATS endpoints shared by state and retry backends.
func natsURLs(cfg config.Config) []string {
	return config.DeriveStateNATSConfig(cfg).URL
}

// isSingleMode reports whether service runs without NATS ingest.
// Params: runtime config.
// Returns: true for single mode.
func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
