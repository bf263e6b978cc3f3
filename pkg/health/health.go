// Package health serves liveness and readiness probes.
//
// Checks run in the background and flip state only after a run of
// consecutive results, so a single slow ping does not pull the pod out of
// rotation.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Kind selects the probe a check belongs to.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

// Option configures a Health.
type Option func(*Health)

// WithThresholds sets how many consecutive failures mark a check unhealthy
// and how many consecutive successes make it healthy again.
func WithThresholds(failure, success int) Option {
	return func(h *Health) {
		if failure > 0 {
			h.failureThreshold = failure
		}
		if success > 0 {
			h.successThreshold = success
		}
	}
}

type check struct {
	name    string
	kind    Kind
	timeout time.Duration
	fn      CheckFunc

	failureThreshold int
	successThreshold int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// Only the goroutine running the check touches the streaks.
	fails int
	oks   int
}

func (c *check) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(ctx)
	c.lastErr.Store(&err)
	if err != nil {
		c.oks = 0
		c.fails++
		if c.fails >= c.failureThreshold {
			c.healthy.Store(false)
		}
		return
	}
	c.fails = 0
	c.oks++
	if c.oks >= c.successThreshold {
		c.healthy.Store(true)
	}
}

func (c *check) status() string {
	if c.healthy.Load() {
		return "ok"
	}
	if p := c.lastErr.Load(); p != nil && *p != nil {
		return (*p).Error()
	}
	return "unhealthy"
}

// Health holds the registered checks and the manual readiness switch.
type Health struct {
	failureThreshold int
	successThreshold int

	ready atomic.Bool

	mu     sync.RWMutex
	checks []*check
	cancel context.CancelFunc
}

// New creates a Health that is not ready until SetReady(true).
func New(opts ...Option) *Health {
	h := &Health{failureThreshold: 3, successThreshold: 1}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds a check. Checks start healthy.
func (h *Health) Register(kind Kind, name string, timeout time.Duration, fn CheckFunc) {
	c := &check{
		name:             name,
		kind:             kind,
		timeout:          timeout,
		fn:               fn,
		failureThreshold: h.failureThreshold,
		successThreshold: h.successThreshold,
	}
	c.healthy.Store(true)

	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// Start runs every check now and then every interval until Stop or ctx is
// done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = cancel
	checks := append([]*check(nil), h.checks...)
	h.mu.Unlock()

	for _, c := range checks {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				c.run(ctx)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
}

// Stop ends the background checks.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness switch. The server turns it on after
// startup and off when shutdown begins.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) of(kind Kind) []*check {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*check
	for _, c := range h.checks {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// IsReady reports whether the service was marked ready and every readiness
// check passes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	for _, c := range h.of(Readiness) {
		if !c.healthy.Load() {
			return false
		}
	}
	return true
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func respond(w http.ResponseWriter, checks []*check, extra map[string]string) {
	rep := report{Status: "ok", Checks: make(map[string]string, len(checks)+len(extra))}
	code := http.StatusOK
	for _, c := range checks {
		rep.Checks[c.name] = c.status()
		if !c.healthy.Load() {
			code = http.StatusServiceUnavailable
		}
	}
	for k, v := range extra {
		rep.Checks[k] = v
		code = http.StatusServiceUnavailable
	}
	if code != http.StatusOK {
		rep.Status = "unhealthy"
	}
	if len(rep.Checks) == 0 {
		rep.Checks = nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	respond(w, h.of(Liveness), nil)
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	var extra map[string]string
	if !h.ready.Load() {
		extra = map[string]string{"startup": "service is not ready"}
	}
	respond(w, h.of(Readiness), extra)
}
