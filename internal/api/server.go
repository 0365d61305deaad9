// Package api exposes rule management, history, preview, and event ingest over HTTP (gin).
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"alertengine/internal/config"
	"alertengine/internal/domain"
	"alertengine/internal/history"
	"alertengine/internal/ingest"
	"alertengine/internal/orchestrator"
	"alertengine/internal/preview"

	"github.com/gin-gonic/gin"
)

const apiPrefix = "/api/v1"

// Engine is the orchestrator surface used by handlers.
type Engine interface {
	ingest.EventSink
	CreateRule(rule domain.AlertRule) (domain.AlertRule, error)
	UpdateRule(ctx context.Context, rule domain.AlertRule) (domain.AlertRule, error)
	DeleteRule(id string) error
	SetRuleState(id string, state domain.RuleState) (domain.AlertRule, error)
	GetRule(id string) (domain.AlertRule, error)
	ListRules() []domain.AlertRule
	TriggeredEvents(ctx context.Context, filter history.Filter) ([]domain.TriggeredEvent, error)
	TriggeredEvent(ctx context.Context, id string) (domain.TriggeredEvent, error)
	PreviewRule(ctx context.Context, rule domain.AlertRule, events []domain.Event, opts preview.Options) (preview.Result, error)
}

var _ Engine = (*orchestrator.Orchestrator)(nil)

// ReadyFunc reports whether dependencies can serve traffic.
type ReadyFunc func(ctx context.Context) error

// Server owns the gin router.
// Params: HTTP settings, engine, readiness probe, ingest batch size, and logger.
// Returns: http.Handler for the API listener.
type Server struct {
	gin       *gin.Engine
	engine    Engine
	ready     ReadyFunc
	logger    *slog.Logger
	cfg       config.HTTPConfig
	batchSize int
}

// New builds router and maps handlers.
// Params: HTTP config, engine, readiness probe (nil means always ready), ingest chunk size, and logger.
// Returns: API server.
func New(cfg config.HTTPConfig, engine Engine, ready ReadyFunc, batchSize int, logger *slog.Logger) *Server {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.ReadyPath == "" {
		cfg.ReadyPath = "/readyz"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	srv := &Server{
		gin:       gin.New(),
		engine:    engine,
		ready:     ready,
		logger:    logger,
		cfg:       cfg,
		batchSize: batchSize,
	}
	srv.mapHandlers()
	return srv
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.gin
}

func (s *Server) mapHandlers() {
	s.gin.Use(gin.Recovery(), requestLogger(s.logger))

	s.gin.GET(s.cfg.HealthPath, s.healthCheck)
	s.gin.GET(s.cfg.ReadyPath, s.readyCheck)

	v1 := s.gin.Group(apiPrefix)
	{
		v1.POST("/events", gin.WrapH(ingest.NewHTTPHandler(s.engine, s.cfg.MaxBodyBytes, s.batchSize)))

		v1.GET("/rules", s.listRules)
		v1.POST("/rules", s.createRule)
		v1.GET("/rules/:id", s.getRule)
		v1.PUT("/rules/:id", s.updateRule)
		v1.DELETE("/rules/:id", s.deleteRule)
		v1.POST("/rules/:id/state", s.setRuleState)

		v1.GET("/triggered-events", s.listTriggeredEvents)
		v1.GET("/triggered-events/:id", s.getTriggeredEvent)

		v1.POST("/preview", s.previewRule)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readyCheck(c *gin.Context) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// requestLogger logs one line per request with slog.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http request", attrs...)
		case status >= http.StatusBadRequest:
			logger.Warn("http request", attrs...)
		default:
			logger.Debug("http request", attrs...)
		}
	}
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// writeError maps domain errors onto status codes.
// Params: gin context and error.
// Returns: none; writes 400 validation_failed, 404 not_found, or 500 internal.
func (s *Server) writeError(c *gin.Context, err error) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, errorResponse{Error: "validation_failed", Field: validation.Field, Reason: validation.Reason})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found", Reason: err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err.Error())
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal"})
	}
}

func badRequest(c *gin.Context, field, reason string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: "validation_failed", Field: field, Reason: reason})
}
