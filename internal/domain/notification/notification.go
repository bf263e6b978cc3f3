// Package notification describes inbox messages and how they are sent.
package notification

import (
	"context"
	"iter"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a notification does not exist or belongs to
// another recipient.
var ErrNotFound = errors.New("notification not found")

// Document store layout of the inbox.
const (
	Collection = "notifications"

	FieldRecipientID = "recipientId"
	FieldRead        = "read"
)

// Category groups notifications in the inbox.
type Category string

const (
	CategoryOrder     Category = "order"
	CategoryPromotion Category = "promotion"
	CategorySystem    Category = "system"
	CategoryGeneral   Category = "general"
)

// Notification is one inbox message.
type Notification struct {
	ID          string
	RecipientID string
	Title       string
	Body        string
	Category    Category
	Read        bool
	CreatedAt   time.Time
	Payload     map[string]string
}

// Sender delivers a notification. Delivery is best effort.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n Notification) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Inbox is the recipient side of notifications.
type Inbox interface {
	// ListByRecipient returns notifications newest first. Limit of zero means
	// all of them.
	ListByRecipient(ctx context.Context, recipientID string, limit int) ([]Notification, error)
	UnreadCount(ctx context.Context, recipientID string) (int, error)
	MarkRead(ctx context.Context, recipientID, id string) error
	// MarkAllRead returns how many notifications changed.
	MarkAllRead(ctx context.Context, recipientID string) (int, error)
	// Watch yields the inbox of recipientID, newest first, every time it
	// changes. The sequence ends when ctx is done.
	Watch(ctx context.Context, recipientID string, limit int) (iter.Seq2[[]Notification, error], error)
}
