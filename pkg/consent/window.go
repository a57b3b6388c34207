package consent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	dailyWindow  = 24 * time.Hour
	hourlyWindow = time.Hour
)

// Quota is the part of a consent's limits enforced by a usage window.
type Quota struct {
	DailyUSD   decimal.Decimal
	MaxPerHour int
}

// Usage describes the window after a successful Reserve. ID is empty when
// nothing was recorded.
type Usage struct {
	ID          string          `json:"id,omitempty"`
	DailyTotal  decimal.Decimal `json:"daily_total"`
	HourlyCount int             `json:"hourly_count"`
}

// UsageWindow tracks per-consent usage events. Reserve checks the rolling
// 24h sum and trailing hourly count and, when commit is set, records the
// event in the same critical section. Calls for different consents never
// contend.
type UsageWindow interface {
	Reserve(ctx context.Context, consentID string, q Quota, amountUSD decimal.Decimal, at time.Time, commit bool) (Usage, error)
	Release(ctx context.Context, consentID, usageID string) error
}

type usageEvent struct {
	id     string
	at     time.Time
	amount decimal.Decimal
}

type consentWindow struct {
	mu     sync.Mutex
	events []usageEvent // sorted by at
}

// MemoryWindow is an in-process UsageWindow. The outer lock only guards the
// consent map; each consent has its own lock.
type MemoryWindow struct {
	mu      sync.Mutex
	windows map[string]*consentWindow
	clock   func() time.Time
}

// NewMemoryWindow creates an empty window set.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{windows: make(map[string]*consentWindow), clock: time.Now}
}

func (m *MemoryWindow) window(consentID string) *consentWindow {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[consentID]
	if !ok {
		w = &consentWindow{}
		m.windows[consentID] = w
	}
	return w
}

func (m *MemoryWindow) Reserve(_ context.Context, consentID string, q Quota, amountUSD decimal.Decimal, at time.Time, commit bool) (Usage, error) {
	w := m.window(consentID)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Events are only dropped once they are out of the window for both the
	// request time and the wall clock, so a far-future at cannot erase usage
	// that later requests still need.
	w.prune(minTime(at, m.clock()))

	daily := decimal.Zero
	hourly := 0
	dayStart := at.Add(-dailyWindow)
	hourStart := at.Add(-hourlyWindow)
	for _, ev := range w.events {
		if !ev.at.After(dayStart) {
			continue
		}
		daily = daily.Add(ev.amount)
		if ev.at.After(hourStart) {
			hourly++
		}
	}

	if daily.Add(amountUSD).GreaterThan(q.DailyUSD) {
		return Usage{}, ErrDailyLimit.WithDetail("%s used of %s, requested %s", daily, q.DailyUSD, amountUSD)
	}
	if hourly+1 > q.MaxPerHour {
		return Usage{}, ErrHourlyRate.WithDetail("%d of %d in the last hour", hourly, q.MaxPerHour)
	}

	usage := Usage{DailyTotal: daily.Add(amountUSD), HourlyCount: hourly + 1}
	if !commit {
		return usage, nil
	}

	usage.ID = uuid.NewString()
	ev := usageEvent{id: usage.ID, at: at, amount: amountUSD}
	i := sort.Search(len(w.events), func(i int) bool { return w.events[i].at.After(at) })
	w.events = append(w.events, usageEvent{})
	copy(w.events[i+1:], w.events[i:])
	w.events[i] = ev
	return usage, nil
}

// Release removes a recorded event. Unknown ids are ignored.
func (m *MemoryWindow) Release(_ context.Context, consentID, usageID string) error {
	w := m.window(consentID)

	w.mu.Lock()
	defer w.mu.Unlock()

	for i, ev := range w.events {
		if ev.id == usageID {
			w.events = append(w.events[:i], w.events[i+1:]...)
			return nil
		}
	}
	return nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// prune drops events that fell out of the daily window relative to now.
func (w *consentWindow) prune(now time.Time) {
	cutoff := now.Add(-dailyWindow)
	n := 0
	for n < len(w.events) && !w.events[n].at.After(cutoff) {
		n++
	}
	if n > 0 {
		w.events = append(w.events[:0], w.events[n:]...)
	}
}
