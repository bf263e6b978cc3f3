package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xenking/organic-market/internal/domain/notification"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ notification.Sender = (*KafkaPublisher)(nil)

// Event is the message value written for every notification.
type Event struct {
	RecipientID string            `json:"recipientId"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Category    string            `json:"category"`
	Payload     map[string]string `json:"payload,omitempty"`
	SentAt      time.Time         `json:"sentAt"`
}

// KafkaPublisher mirrors notifications to a topic keyed by recipient, so the
// events of one recipient stay ordered within a partition.
type KafkaPublisher struct {
	w   MessageWriter
	now func() time.Time
}

// NewKafkaWriter returns a writer for topic on the comma separated brokers.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaPublisher creates a publisher writing through w.
func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w, now: time.Now}
}

// Send implements notification.Sender.
func (p *KafkaPublisher) Send(ctx context.Context, n notification.Notification) error {
	now := p.now().UTC()
	data, err := json.Marshal(Event{
		RecipientID: n.RecipientID,
		Title:       n.Title,
		Body:        n.Body,
		Category:    string(n.Category),
		Payload:     n.Payload,
		SentAt:      now,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(n.RecipientID),
		Value: data,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "category", Value: []byte(n.Category)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
