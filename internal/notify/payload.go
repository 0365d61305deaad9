package notify

import (
	"fmt"
	"text/template"
	"time"

	"alertengine/internal/config"
	"alertengine/internal/domain"
	"alertengine/internal/templatefmt"
)

// Payload is the rendered notification handed to one adapter call.
// Params: trigger summary, rendered title/text, and channel-specific config.
// Returns: adapter input; Config is never serialized.
type Payload struct {
	TriggeredEventID string            `json:"triggered_event_id"`
	RuleID           string            `json:"rule_id"`
	RuleName         string            `json:"rule_name"`
	Severity         domain.Severity   `json:"severity"`
	TriggeredAt      time.Time         `json:"triggered_at"`
	MatchCount       int               `json:"match_count"`
	Digest           bool              `json:"digest"`
	Title            string            `json:"title"`
	Text             string            `json:"text"`
	Documents        []map[string]any  `json:"documents,omitempty"`
	Channel          string            `json:"channel"`
	Recipient        string            `json:"recipient,omitempty"`
	Config           map[string]string `json:"-"`
}

// templateData is the value templates are executed against.
type templateData struct {
	RuleID      string
	RuleName    string
	Severity    domain.Severity
	TriggeredAt time.Time
	MatchCount  int
	Digest      bool
	Documents   []map[string]any
	Evidence    domain.EvidenceSnapshot
}

// Renderer renders payload title/body from configured templates.
type Renderer struct {
	title *template.Template
	body  *template.Template
}

// NewRenderer compiles payload templates.
// Params: template section from config.
// Returns: renderer or parse error.
func NewRenderer(cfg config.TemplateConfig) (*Renderer, error) {
	title, err := templatefmt.ParseNotificationTemplate("notify.template.title", cfg.Title)
	if err != nil {
		return nil, fmt.Errorf("parse title template: %w", err)
	}
	body, err := templatefmt.ParseNotificationTemplate("notify.template.body", cfg.Body)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &Renderer{title: title, body: body}, nil
}

// Render builds payload for triggered event.
// Params: triggered event.
// Returns: payload; template execution failures fall back to a plain summary.
func (r *Renderer) Render(triggered domain.TriggeredEvent) (Payload, error) {
	payload := Payload{
		TriggeredEventID: triggered.ID,
		RuleID:           triggered.RuleID,
		RuleName:         triggered.RuleName,
		Severity:         triggered.Severity,
		TriggeredAt:      triggered.TriggeredAt,
		MatchCount:       triggered.MatchCount,
		Digest:           triggered.Evidence.Digest,
		Documents:        triggered.MatchedDocuments,
	}
	data := templateData{
		RuleID:      triggered.RuleID,
		RuleName:    triggered.RuleName,
		Severity:    triggered.Severity,
		TriggeredAt: triggered.TriggeredAt,
		MatchCount:  triggered.MatchCount,
		Digest:      triggered.Evidence.Digest,
		Documents:   triggered.MatchedDocuments,
		Evidence:    triggered.Evidence,
	}

	var renderErr error
	if r != nil && r.title != nil {
		payload.Title, renderErr = templatefmt.Render(r.title, data)
	}
	if renderErr == nil && r != nil && r.body != nil {
		payload.Text, renderErr = templatefmt.Render(r.body, data)
	}
	if renderErr != nil || r == nil {
		payload.Title = fmt.Sprintf("[%s] %s", triggered.Severity, triggered.RuleName)
		payload.Text = fmt.Sprintf("%d match(es) at %s", triggered.MatchCount, triggered.TriggeredAt.Format(time.RFC3339))
	}
	return payload, renderErr
}

// Message joins title and text for single-field transports.
func (p Payload) Message() string {
	if p.Text == "" {
		return p.Title
	}
	return p.Title + "\n" + p.Text
}
