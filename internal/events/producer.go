package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	TypeUserRegistered         = "user_registered"
	TypeAccountVerified        = "account_verified"
	TypeUserLoggedIn           = "user_logged_in"
	TypePasswordResetRequested = "password_reset_requested"
	TypePasswordReset          = "password_reset"
	TypePasswordChanged        = "password_changed"
)

// Event is what the mailer and other consumers read from the user topic.
// Token is only set for events that deliver a one-time token out of band.
type Event struct {
	Type       string     `json:"type"`
	UserID     string     `json:"user_id"`
	Email      string     `json:"email,omitempty"`
	Role       string     `json:"role,omitempty"`
	Token      string     `json:"token,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

type Publisher interface {
	PublishEvent(ctx context.Context, key string, event Event) error
	Close() error
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: empty topic")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: w}, nil
}

func (p *Producer) PublishEvent(ctx context.Context, key string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: json.Marshal failed: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  event.OccurredAt,
	}); err != nil {
		return fmt.Errorf("kafka: write failed: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Nop is wired when no brokers are configured.
type Nop struct{}

func (Nop) PublishEvent(context.Context, string, Event) error { return nil }
func (Nop) Close() error                                       { return nil }
