// Package notify publishes balance-affecting events for downstream
// notification delivery. Delivery itself is another system's job; the core
// only emits.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// BalanceEvent is the wire payload for a completed or adjudicated money
// movement. Amount carries the signed delta from the account's point of
// view.
type BalanceEvent struct {
	Kind      string    `json:"kind"`
	AccountID string    `json:"account_id"`
	ObjectID  string    `json:"object_id"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	PublishBalanceEvent(ctx context.Context, e BalanceEvent) error
	Close()
}

// Nop is the fallback publisher used when no broker is configured or the
// broker is unreachable at startup. Publishes are logged and dropped.
type Nop struct {
	Log *slog.Logger
}

func (n Nop) PublishBalanceEvent(_ context.Context, e BalanceEvent) error {
	if n.Log != nil {
		n.Log.Warn("event publish skipped, no broker", "kind", e.Kind, "account_id", e.AccountID)
	}
	return nil
}

func (Nop) Close() {}

// AMQPPublisher pushes events onto a durable queue.
type AMQPPublisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewAMQPPublisher(amqpURL, queue string) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	// Bounded dial timeout so startup does not hang on a dead broker.
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, channel: ch, queue: queue}, nil
}

func (p *AMQPPublisher) PublishBalanceEvent(ctx context.Context, e BalanceEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    e.At,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
