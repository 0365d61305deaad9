package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"alertengine/internal/domain"
	"alertengine/internal/history"
	"alertengine/internal/preview"

	"github.com/gin-gonic/gin"
)

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func (s *Server) listRules(c *gin.Context) {
	items := s.engine.ListRules()
	c.JSON(http.StatusOK, listResponse[domain.AlertRule]{Items: items, Count: len(items)})
}

func (s *Server) createRule(c *gin.Context) {
	var rule domain.AlertRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		badRequest(c, "body", err.Error())
		return
	}
	created, err := s.engine.CreateRule(rule)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getRule(c *gin.Context) {
	rule, err := s.engine.GetRule(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) updateRule(c *gin.Context) {
	var rule domain.AlertRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		badRequest(c, "body", err.Error())
		return
	}
	id := c.Param("id")
	if rule.ID != "" && rule.ID != id {
		badRequest(c, "id", "does not match path")
		return
	}
	rule.ID = id
	updated, err := s.engine.UpdateRule(c.Request.Context(), rule)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteRule(c *gin.Context) {
	if err := s.engine.DeleteRule(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type stateRequest struct {
	State domain.RuleState `json:"state" binding:"required"`
}

func (s *Server) setRuleState(c *gin.Context) {
	var request stateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "state", err.Error())
		return
	}
	rule, err := s.engine.SetRuleState(c.Param("id"), request.State)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// parseHistoryFilter reads query parameters of the history listing.
// Params: gin context.
// Returns: filter or field-level parse failure.
func parseHistoryFilter(c *gin.Context) (history.Filter, string, error) {
	filter := history.Filter{RuleID: c.Query("rule_id")}
	if raw := c.Query("severity"); raw != "" {
		severity := domain.Severity(raw)
		if !severity.Valid() {
			return filter, "severity", errUnsupported(raw)
		}
		filter.Severity = severity
	}
	for _, item := range []struct {
		name   string
		target *time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := c.Query(item.name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, item.name, err
		}
		*item.target = parsed
	}
	for _, item := range []struct {
		name   string
		target *int
	}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
		raw := c.Query(item.name)
		if raw == "" {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return filter, item.name, errUnsupported(raw)
		}
		*item.target = parsed
	}
	return filter, "", nil
}

func (s *Server) listTriggeredEvents(c *gin.Context) {
	filter, field, err := parseHistoryFilter(c)
	if err != nil {
		badRequest(c, field, err.Error())
		return
	}
	items, err := s.engine.TriggeredEvents(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listResponse[domain.TriggeredEvent]{Items: items, Count: len(items)})
}

func (s *Server) getTriggeredEvent(c *gin.Context) {
	item, err := s.engine.TriggeredEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// previewRequest carries a stored rule id or an inline draft plus replay events.
type previewRequest struct {
	Rule       domain.AlertRule  `json:"rule"`
	Events     []json.RawMessage `json:"events"`
	WindowDays int               `json:"window_days"`
	Now        *time.Time        `json:"now,omitempty"`
}

func (s *Server) previewRule(c *gin.Context) {
	var request previewRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "body", err.Error())
		return
	}
	events := make([]domain.Event, 0, len(request.Events))
	for i, raw := range request.Events {
		event, err := domain.DecodeEvent(raw)
		if err != nil {
			badRequest(c, "events["+strconv.Itoa(i)+"]", err.Error())
			return
		}
		events = append(events, event)
	}

	var opts preview.Options
	if request.WindowDays > 0 {
		opts.Window = time.Duration(request.WindowDays) * 24 * time.Hour
	}
	if request.Now != nil {
		opts.Now = *request.Now
	}
	result, err := s.engine.PreviewRule(c.Request.Context(), request.Rule, events, opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type unsupportedValueError string

func (e unsupportedValueError) Error() string {
	return "has unsupported value " + strconv.Quote(string(e))
}

func errUnsupported(value string) error {
	return unsupportedValueError(value)
}
