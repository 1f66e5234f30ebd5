package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gsmlg-opt/repub-sub000/internal/mlog"
)

const deliveryQueueName = "repub.webhook.deliveries"

// job is what's queued for one delivery attempt, whether handed to
// RabbitMQ or kept in the in-process worker pool.
type job struct {
	WebhookID string          `json:"webhook_id"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

// rabbitTransport publishes delivery jobs onto a durable queue and, when
// consuming, feeds them back into a deliverFunc. Grounded on the teacher's
// RabbitMQConnection (singleton connection, lazy GetChannel, health check
// via a passive queue declare) but rebuilt against amqp091-go, the
// maintained fork of the archived streadway/amqp the teacher used.
type rabbitTransport struct {
	url        string
	logger     mlog.Logger
	conn       *amqp.Connection
	channel    *amqp.Channel
	connected  bool
}

func newRabbitTransport(url string, logger mlog.Logger) *rabbitTransport {
	return &rabbitTransport{url: url, logger: logger}
}

func (t *rabbitTransport) connect(ctx context.Context) error {
	t.logger.Info("connecting to rabbitmq...")

	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("dialing rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening rabbitmq channel: %w", err)
	}

	if _, err := ch.QueueDeclare(deliveryQueueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declaring delivery queue: %w", err)
	}

	t.conn = conn
	t.channel = ch
	t.connected = true
	t.logger.Info("connected to rabbitmq")
	return nil
}

func (t *rabbitTransport) getChannel(ctx context.Context) (*amqp.Channel, error) {
	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, err
		}
	}
	return t.channel, nil
}

// publish enqueues j for asynchronous delivery. Used only when the
// operator configures RABBITMQ_URL; otherwise deliveries run through the
// in-process worker pool directly.
func (t *rabbitTransport) publish(ctx context.Context, j job) error {
	ch, err := t.getChannel(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	return ch.PublishWithContext(ctx, "", deliveryQueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// consume starts a goroutine acking each delivered message after handle
// runs, stopping when stop is closed.
func (t *rabbitTransport) consume(ctx context.Context, stop <-chan struct{}, handle func(job)) error {
	ch, err := t.getChannel(ctx)
	if err != nil {
		return err
	}

	msgs, err := ch.Consume(deliveryQueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming delivery queue: %w", err)
	}

	go func() {
		for {
			select {
			case <-stop:
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				var j job
				if err := json.Unmarshal(d.Body, &j); err != nil {
					t.logger.Errorf("decoding webhook job: %v", err)
					d.Nack(false, false)
					continue
				}
				handle(j)
				d.Ack(false)
			}
		}
	}()
	return nil
}

func (t *rabbitTransport) close() error {
	if t.channel != nil {
		t.channel.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
