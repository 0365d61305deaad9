package notify

import (
	"sort"
	"sync"
	"time"

	"alertengine/internal/domain"
	"alertengine/internal/recurrence"
)

// QuietWindow reports whether now falls inside user quiet hours.
// Params: quiet-hours definition (nil means none) and current time.
// Returns: inside flag and the instant quiet hours end.
func QuietWindow(quiet *domain.QuietHours, now time.Time) (bool, time.Time) {
	if quiet == nil {
		return false, time.Time{}
	}
	loc, err := recurrence.LoadLocation(quiet.Location)
	if err != nil {
		return false, time.Time{}
	}
	startHour, startMinute, err := recurrence.ParseClock(quiet.Start)
	if err != nil {
		return false, time.Time{}
	}
	endHour, endMinute, err := recurrence.ParseClock(quiet.End)
	if err != nil {
		return false, time.Time{}
	}

	local := now.In(loc)
	year, month, day := local.Date()
	start := time.Date(year, month, day, startHour, startMinute, 0, 0, loc)
	end := time.Date(year, month, day, endHour, endMinute, 0, 0, loc)

	switch {
	case start.Equal(end):
		return false, time.Time{}
	case start.Before(end):
		if !local.Before(start) && local.Before(end) {
			return true, end.UTC()
		}
		return false, time.Time{}
	default:
		// Window wraps midnight, e.g. 22:00-07:00.
		if !local.Before(start) {
			return true, end.AddDate(0, 0, 1).UTC()
		}
		if local.Before(end) {
			return true, end.UTC()
		}
		return false, time.Time{}
	}
}

// deferredDelivery is one channel/recipient delivery postponed until Due.
type deferredDelivery struct {
	TriggeredEventID string
	Channel          string
	Recipient        string
	Payload          Payload
	Due              time.Time
	Reason           string
}

// deferredQueue keeps postponed deliveries ordered by due time.
type deferredQueue struct {
	mu    sync.Mutex
	items []deferredDelivery
}

func (q *deferredQueue) push(item deferredDelivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := sort.Search(len(q.items), func(i int) bool { return q.items[i].Due.After(item.Due) })
	q.items = append(q.items, deferredDelivery{})
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
}

func (q *deferredQueue) popDue(now time.Time) []deferredDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := sort.Search(len(q.items), func(i int) bool { return q.items[i].Due.After(now) })
	if idx == 0 {
		return nil
	}
	due := make([]deferredDelivery, idx)
	copy(due, q.items[:idx])
	q.items = append(q.items[:0], q.items[idx:]...)
	return due
}

func (q *deferredQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
