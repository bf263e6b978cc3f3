package repository

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/organic-market/internal/docstore"
	"github.com/xenking/organic-market/internal/domain/notification"
)

var (
	_ notification.Sender = (*NotificationRepository)(nil)
	_ notification.Inbox  = (*NotificationRepository)(nil)
)

type notificationDoc struct {
	RecipientID string            `json:"recipientId"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Category    string            `json:"category"`
	Read        bool              `json:"read"`
	CreatedAt   time.Time         `json:"createdAt"`
	Payload     map[string]string `json:"payload,omitempty"`
}

func mapNotification(doc *docstore.Document) (notification.Notification, error) {
	var d notificationDoc
	if err := doc.DataTo(&d); err != nil {
		return notification.Notification{}, err
	}
	return notification.Notification{
		ID:          doc.ID,
		RecipientID: d.RecipientID,
		Title:       d.Title,
		Body:        d.Body,
		Category:    notification.Category(d.Category),
		Read:        d.Read,
		CreatedAt:   d.CreatedAt,
		Payload:     d.Payload,
	}, nil
}

func mapNotifications(docs []docstore.Document) ([]notification.Notification, error) {
	out := make([]notification.Notification, 0, len(docs))
	for i := range docs {
		n, err := mapNotification(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// NotificationRepository stores inbox messages. It is both the sender that
// checkout writes to and the inbox recipients read from.
type NotificationRepository struct {
	store docstore.Store
	now   func() time.Time
}

// NewNotificationRepository returns a NotificationRepository that uses the
// given store.
func NewNotificationRepository(store docstore.Store) *NotificationRepository {
	return &NotificationRepository{store: store, now: time.Now}
}

// Send appends n to the inbox of its recipient as unread.
func (r *NotificationRepository) Send(ctx context.Context, n notification.Notification) error {
	if n.RecipientID == "" {
		return errors.New("notification recipient is required")
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now().UTC()
	}
	_, err := r.store.Create(ctx, notification.Collection, notificationDoc{
		RecipientID: n.RecipientID,
		Title:       n.Title,
		Body:        n.Body,
		Category:    string(n.Category),
		CreatedAt:   createdAt,
		Payload:     n.Payload,
	})
	if err != nil {
		return fmt.Errorf("sending notification to %q: %w", n.RecipientID, err)
	}
	return nil
}

func inboxQuery(recipientID string, limit int) docstore.Query {
	return docstore.Query{
		Collection: notification.Collection,
		Filters:    []docstore.Filter{docstore.Where(notification.FieldRecipientID, recipientID)},
		OrderBy:    docstore.FieldCreateTime,
		Desc:       true,
		Limit:      limit,
	}
}

// ListByRecipient returns the inbox of recipientID, newest first.
func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]notification.Notification, error) {
	docs, err := r.store.Query(ctx, inboxQuery(recipientID, limit))
	if err != nil {
		return nil, fmt.Errorf("listing notifications of %q: %w", recipientID, err)
	}
	return mapNotifications(docs)
}

func (r *NotificationRepository) unread(ctx context.Context, recipientID string) ([]docstore.Document, error) {
	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: notification.Collection,
		Filters: []docstore.Filter{
			docstore.Where(notification.FieldRecipientID, recipientID),
			docstore.Where(notification.FieldRead, false),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing unread notifications of %q: %w", recipientID, err)
	}
	return docs, nil
}

// UnreadCount returns how many unread notifications recipientID has.
func (r *NotificationRepository) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	docs, err := r.unread(ctx, recipientID)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// MarkRead marks one notification of recipientID as read.
func (r *NotificationRepository) MarkRead(ctx context.Context, recipientID, id string) error {
	doc, err := r.store.Get(ctx, notification.Collection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return notification.ErrNotFound
		}
		return fmt.Errorf("getting notification %q: %w", id, err)
	}
	n, err := mapNotification(doc)
	if err != nil {
		return err
	}
	if n.RecipientID != recipientID {
		return notification.ErrNotFound
	}
	if n.Read {
		return nil
	}
	if err := r.store.Update(ctx, notification.Collection, id, map[string]any{notification.FieldRead: true}); err != nil {
		return fmt.Errorf("marking notification %q read: %w", id, err)
	}
	return nil
}

// MarkAllRead marks every unread notification of recipientID as read.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, recipientID string) (int, error) {
	docs, err := r.unread(ctx, recipientID)
	if err != nil {
		return 0, err
	}
	var n int
	for _, d := range docs {
		err := r.store.Update(ctx, notification.Collection, d.ID, map[string]any{notification.FieldRead: true})
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("marking notification %q read: %w", d.ID, err)
		}
		n++
	}
	return n, nil
}

// Watch yields the inbox of recipientID whenever it changes.
func (r *NotificationRepository) Watch(ctx context.Context, recipientID string, limit int) (iter.Seq2[[]notification.Notification, error], error) {
	sub, err := r.store.Watch(ctx, inboxQuery(recipientID, limit))
	if err != nil {
		return nil, fmt.Errorf("watching notifications of %q: %w", recipientID, err)
	}
	return func(yield func([]notification.Notification, error) bool) {
		defer sub.Stop()
		for docs, err := range sub.Snapshots() {
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			ns, err := mapNotifications(docs)
			if !yield(ns, err) {
				return
			}
		}
	}, nil
}
