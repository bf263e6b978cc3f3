// Package notify decorates notification senders: mirroring to secondary
// channels, circuit breaking and publishing to Kafka.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/xenking/organic-market/internal/domain/notification"
)

var _ notification.Sender = (*Tee)(nil)

// Tee delivers to a primary sender and copies every notification to mirrors.
// Only the primary result is returned; mirror failures are logged.
type Tee struct {
	primary notification.Sender
	mirrors []notification.Sender
	lg      *zap.Logger
}

// NewTee creates a Tee. Nil mirrors are skipped.
func NewTee(lg *zap.Logger, primary notification.Sender, mirrors ...notification.Sender) *Tee {
	t := &Tee{primary: primary, lg: lg}
	for _, m := range mirrors {
		if m != nil {
			t.mirrors = append(t.mirrors, m)
		}
	}
	return t
}

// Send implements notification.Sender.
func (t *Tee) Send(ctx context.Context, n notification.Notification) error {
	if err := t.primary.Send(ctx, n); err != nil {
		return err
	}
	for _, m := range t.mirrors {
		if err := m.Send(ctx, n); err != nil {
			t.lg.Warn("Mirror notification",
				zap.String("recipient_id", n.RecipientID),
				zap.String("title", n.Title),
				zap.Error(err),
			)
		}
	}
	return nil
}
