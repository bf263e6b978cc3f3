package notify

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/xenking/organic-market/internal/domain/notification"
)

var _ notification.Sender = (*Breaker)(nil)

// BreakerConfig tunes a Breaker. Zero values select defaults.
type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the circuit.
	Failures uint32
	// Cooldown is how long the circuit stays open before a trial request.
	Cooldown time.Duration
}

// Breaker stops calling a failing sender for a while so that a remote outage
// does not slow every checkout down. While open, Send fails fast with
// gobreaker.ErrOpenState.
type Breaker struct {
	next notification.Sender
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker wraps next.
func NewBreaker(name string, next notification.Sender, cfg BreakerConfig, lg *zap.Logger) *Breaker {
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    name,
		Timeout: cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	return &Breaker{next: next, cb: cb}
}

// Send implements notification.Sender.
func (b *Breaker) Send(ctx context.Context, n notification.Notification) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Send(ctx, n)
	})
	return err
}

// State reports the circuit state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
