// README: Fire-and-forget user notifications published to RabbitMQ.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"dispatch/internal/logger"
	"dispatch/internal/types"
)

const (
	exchangeName = "dispatch.notifications"
	routingKey   = "user.notify"
)

// Notification is the payload delivered to the push/SMS workers downstream.
type Notification struct {
	ID        string    `json:"id"`
	UserID    types.ID  `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier is the interface implemented by types that can deliver notifications.
type Notifier interface {
	Notify(ctx context.Context, userID types.ID, title, body string)
	Close()
}

// Producer holds the RabbitMQ connection and channel for publishing messages.
type Producer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	log     logger.ILogger
}

// NewProducer connects to RabbitMQ and declares the notification exchange.
func NewProducer(url string, log logger.ILogger) (*Producer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Producer{conn: conn, channel: ch, log: log}, nil
}

// Notify publishes a notification and never blocks the caller on failure;
// delivery is best-effort by contract.
func (p *Producer) Notify(ctx context.Context, userID types.ID, title, body string) {
	n := Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(n)
	if err != nil {
		p.log.Error("failed to marshal notification", logger.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(pubCtx, exchangeName, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    n.ID,
		Timestamp:    n.Timestamp,
		Body:         payload,
	})
	if err != nil {
		p.log.Warning("notification publish failed",
			logger.String("user_id", string(userID)), logger.Error(err))
	}
}

func (p *Producer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// NoopNotifier is a minimal no-op notifier used when RabbitMQ is unavailable at startup.
type NoopNotifier struct {
	Log logger.ILogger
}

func (n *NoopNotifier) Notify(ctx context.Context, userID types.ID, title, body string) {
	if n.Log != nil {
		n.Log.Warning("notification skipped, no broker", logger.String("user_id", string(userID)))
	}
}

func (n *NoopNotifier) Close() {}
