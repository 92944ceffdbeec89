// Package notify delivers the side effects of accepted transitions to the
// notification service. Delivery is decoupled from the transition commit:
// a failed delivery stays queued and is retried, it never undoes a change.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"doccontrol/internal/document/models"
)

//go:generate mockgen -source=notify.go -destination=mocks/mocks.go -package=mocks Notifier,Producer

// Notifier hands a batch of side effects to the delivery channel.
type Notifier interface {
	Notify(ctx context.Context, effects []models.SideEffect) error
}

// Producer delivers one message synchronously.
type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Message is the wire form of one side effect.
type Message struct {
	models.SideEffect
	SentAt time.Time `json:"sent_at"`
}

// KafkaNotifier publishes one record per side effect, keyed by document id
// so a document's notifications stay ordered within a partition.
type KafkaNotifier struct {
	producer Producer
	topic    string
	clock    func() time.Time
}

func NewKafkaNotifier(producer Producer, topic string) (*KafkaNotifier, error) {
	if producer == nil {
		return nil, errors.New("producer is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &KafkaNotifier{producer: producer, topic: topic, clock: time.Now}, nil
}

// Notify stops at the first failure. Records already published are sent
// again on retry; consumers see at-least-once delivery.
func (n *KafkaNotifier) Notify(ctx context.Context, effects []models.SideEffect) error {
	for _, e := range effects {
		value, err := json.Marshal(Message{SideEffect: e, SentAt: n.clock().UTC()})
		if err != nil {
			return fmt.Errorf("marshal side effect: %w", err)
		}
		if err := n.producer.Publish(ctx, n.topic, []byte(e.DocumentID.String()), value); err != nil {
			return fmt.Errorf("publish %s for %s: %w", e.Kind, e.Number, err)
		}
	}
	return nil
}

// LogNotifier writes side effects to the log. Used when no broker is
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, effects []models.SideEffect) error {
	for _, e := range effects {
		attrs := []any{
			"kind", e.Kind,
			"document_id", e.DocumentID,
			"number", e.Number,
			"message", e.Message,
		}
		if e.HasRecipient() {
			attrs = append(attrs, "recipient", e.Recipient)
		}
		if e.DueDate != nil {
			attrs = append(attrs, "due_date", e.DueDate.Format(time.DateOnly))
		}
		n.logger.InfoContext(ctx, "side effect", attrs...)
	}
	return nil
}
