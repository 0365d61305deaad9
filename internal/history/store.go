package history

import (
	"context"
	"time"

	"alertengine/internal/domain"
)

// DefaultLimit caps List results when Filter.Limit is unset.
const DefaultLimit = 100

// MaxLimit is the largest page size List honors.
const MaxLimit = 1000

// Filter selects triggered events for List.
// Params: optional rule id, severity, half-open [From, To) trigger window, and paging.
// Returns: query criteria; zero values mean "any".
type Filter struct {
	RuleID   string
	Severity domain.Severity
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// normalized applies paging defaults.
func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// matches reports whether triggered event passes filter criteria.
func (f Filter) matches(te domain.TriggeredEvent) bool {
	if f.RuleID != "" && te.RuleID != f.RuleID {
		return false
	}
	if f.Severity != "" && te.Severity != f.Severity {
		return false
	}
	if !f.From.IsZero() && te.TriggeredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !te.TriggeredAt.Before(f.To) {
		return false
	}
	return true
}

// Store persists triggered events and their delivery progress.
type Store interface {
	Save(ctx context.Context, te domain.TriggeredEvent) error
	UpdateDelivery(ctx context.Context, id string, statuses []domain.DeliveryStatus, actions []domain.ActionPerformed) error
	Get(ctx context.Context, id string) (domain.TriggeredEvent, error)
	List(ctx context.Context, filter Filter) ([]domain.TriggeredEvent, error)
	Close() error
}
