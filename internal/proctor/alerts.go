package proctor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// DefaultAlertTTL is how long an alert stays visible.
const DefaultAlertTTL = 5 * time.Second

// Alert is the transient, display-only form of a proctoring event.
type Alert struct {
	ID        string              `json:"id"`
	Category  model.EventCategory `json:"category"`
	Text      string              `json:"text"`
	RaisedAt  time.Time           `json:"raised_at"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// AlertListener is notified of every alert as it is raised.
type AlertListener interface {
	OnAlert(Alert)
}

// AlertListenerFunc adapts a function to AlertListener.
type AlertListenerFunc func(Alert)

func (f AlertListenerFunc) OnAlert(a Alert) { f(a) }

// AlertBoard holds alerts for presentation. Alerts expire after the TTL and
// have no effect on escalation or on the violation log.
type AlertBoard struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	alerts    []Alert
	listeners []AlertListener
}

// NewAlertBoard creates an AlertBoard; ttl <= 0 uses DefaultAlertTTL.
func NewAlertBoard(ttl time.Duration) *AlertBoard {
	if ttl <= 0 {
		ttl = DefaultAlertTTL
	}
	return &AlertBoard{ttl: ttl, now: time.Now}
}

// AddListener registers l for future alerts.
func (b *AlertBoard) AddListener(l AlertListener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Push raises an alert for ev and notifies listeners.
func (b *AlertBoard) Push(ev model.ProctorEvent) Alert {
	now := b.now()
	a := Alert{
		ID:        uuid.New().String(),
		Category:  ev.Category,
		Text:      ev.Message,
		RaisedAt:  now,
		ExpiresAt: now.Add(b.ttl),
	}

	b.mu.Lock()
	b.alerts = append(b.pruneLocked(now), a)
	listeners := append([]AlertListener(nil), b.listeners...)
	b.mu.Unlock()

	for _, l := range listeners {
		l.OnAlert(a)
	}
	return a
}

// Active returns the alerts that have not yet expired, oldest first.
func (b *AlertBoard) Active() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts = b.pruneLocked(b.now())
	return append([]Alert(nil), b.alerts...)
}

// Dismiss removes an alert before it expires.
func (b *AlertBoard) Dismiss(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.alerts[:0]
	for _, a := range b.alerts {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	b.alerts = kept
}

func (b *AlertBoard) pruneLocked(now time.Time) []Alert {
	kept := b.alerts[:0]
	for _, a := range b.alerts {
		if now.Before(a.ExpiresAt) {
			kept = append(kept, a)
		}
	}
	return kept
}
