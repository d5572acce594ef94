// Package ratelimit tracks hosts that have told us to slow down.
package ratelimit

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryStrategy defines the backoff intervals applied to repeated rate limits
type RetryStrategy struct {
	Intervals []time.Duration
}

// DefaultRetryStrategy backs off 30s, 1m, 2m, then 5m for every later hit
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			30 * time.Second,
			1 * time.Minute,
			2 * time.Minute,
			5 * time.Minute,
		},
	}
}

// Event describes a rate limit occurrence for one host
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Host        string    `json:"host"`
	StatusCode  int       `json:"statusCode"`
	Attempt     int       `json:"attempt"` // 0 on first occurrence
	NextRetryAt time.Time `json:"nextRetryAt"`
	Message     string    `json:"message"`
}

// Handler records rate limited hosts. A host stays limited until its backoff
// elapses or a successful response clears it.
type Handler struct {
	mu          sync.RWMutex
	limited     map[string]*Event
	strategy    *RetryStrategy
	log         logrus.FieldLogger
	now         func() time.Time
	onRateLimit func(Event)
	onRecovered func(host string)
}

// NewHandler creates a handler; a nil strategy uses DefaultRetryStrategy
func NewHandler(strategy *RetryStrategy, log logrus.FieldLogger) *Handler {
	if strategy == nil || len(strategy.Intervals) == 0 {
		strategy = DefaultRetryStrategy()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		limited:  make(map[string]*Event),
		strategy: strategy,
		log:      log.WithField("component", "ratelimit"),
		now:      time.Now,
	}
}

// SetOnRateLimit sets the callback fired when a host becomes (or stays) limited
func (h *Handler) SetOnRateLimit(callback func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback fired when a host's limit clears
func (h *Handler) SetOnRecovered(callback func(host string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimited reports whether requests to host should be held back
func (h *Handler) IsRateLimited(host string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.limited[host]
	return ok && h.now().Before(ev.NextRetryAt)
}

// CheckResponse inspects resp and updates host state. It returns true when
// the response signals a rate limit.
func (h *Handler) CheckResponse(host string, resp *http.Response) bool {
	if !IsRateLimitStatus(resp.StatusCode) {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			h.clear(host)
		}
		return false
	}
	h.record(host, resp.StatusCode)
	return true
}

// IsRateLimitStatus reports whether code is one servers use for throttling.
// 403 is not one: object stores answer it for missing or private objects.
func IsRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests || // 429
		code == 509 // bandwidth limit exceeded
}

func (h *Handler) record(host string, statusCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	attempt := 0
	if existing, ok := h.limited[host]; ok {
		attempt = existing.Attempt + 1
	}

	interval := h.strategy.Intervals[len(h.strategy.Intervals)-1]
	if attempt < len(h.strategy.Intervals) {
		interval = h.strategy.Intervals[attempt]
	}

	now := h.now()
	ev := Event{
		Timestamp:   now,
		Host:        host,
		StatusCode:  statusCode,
		Attempt:     attempt,
		NextRetryAt: now.Add(interval),
		Message:     buildMessage(host, statusCode, attempt, interval),
	}
	h.limited[host] = &ev

	h.log.WithFields(logrus.Fields{
		"host":    host,
		"status":  statusCode,
		"attempt": attempt,
	}).Warnf("rate limited, holding requests until %s", ev.NextRetryAt.Format(time.RFC3339))

	if h.onRateLimit != nil {
		go h.onRateLimit(ev)
	}
}

func (h *Handler) clear(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.limited[host]; !ok {
		return
	}
	delete(h.limited, host)
	h.log.WithField("host", host).Info("rate limit cleared")

	if h.onRecovered != nil {
		go h.onRecovered(host)
	}
}

// Reset forgets the limit on host so the next request goes through
func (h *Handler) Reset(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.limited, host)
}

// State returns a copy of the current event for host, or nil
func (h *Handler) State(host string) *Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ev, ok := h.limited[host]; ok {
		c := *ev
		return &c
	}
	return nil
}

func buildMessage(host string, statusCode, attempt int, wait time.Duration) string {
	if attempt == 0 {
		return fmt.Sprintf("%s rate limit detected (HTTP %d). Requests paused for %s.",
			host, statusCode, wait)
	}
	return fmt.Sprintf("%s still rate limited (attempt %d). Requests paused for %s.",
		host, attempt+1, wait)
}
