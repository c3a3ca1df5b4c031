package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"ledger/internal/bus"
	"ledger/internal/core"
)

const auditRoutingKey = "audit"

// Client carries link-maintenance and audit events over a durable direct
// exchange. Each link kind gets its own queue bound by the kind's routing
// key, so all events about one kind flow through a single FIFO queue and
// per-key ordering is preserved end to end.
type Client struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
}

func NewClient(url, exchangeName string) (*Client, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	client := &Client{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
	}

	if err := client.setup(); err != nil {
		client.Close()
		return nil, fmt.Errorf("setup exchange and queues: %w", err)
	}

	return client, nil
}

func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	keys := []string{auditRoutingKey}
	for _, kind := range bus.Kinds() {
		keys = append(keys, string(kind))
	}

	for _, key := range keys {
		queue := c.queueName(key)
		_, err = c.channel.QueueDeclare(
			queue, // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}

		err = c.channel.QueueBind(
			queue,          // queue name
			key,            // routing key
			c.exchangeName, // exchange
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	return nil
}

func (c *Client) queueName(routingKey string) string {
	return c.exchangeName + "." + routingKey
}

// PublishLink implements bus.Publisher.
func (c *Client) PublishLink(ctx context.Context, ev bus.LinkEvent) error {
	body, err := marshalLinkMessage(ev)
	if err != nil {
		return fmt.Errorf("marshal link message: %w", err)
	}

	if err := c.publish(ctx, string(ev.Kind), body); err != nil {
		return err
	}

	slog.DebugContext(ctx, "Published link event",
		"kind", ev.Kind,
		"op", ev.Op,
		"user_id", ev.UserID,
		"target_id", ev.TargetID,
		"expense_count", len(ev.ExpenseIDs))

	return nil
}

// PublishAudit ships an audit event to the audit queue.
func (c *Client) PublishAudit(ctx context.Context, ev core.AuditEvent) error {
	body, err := marshalAuditMessage(ev)
	if err != nil {
		return fmt.Errorf("marshal audit message: %w", err)
	}

	if err := c.publish(ctx, auditRoutingKey, body); err != nil {
		return err
	}

	slog.DebugContext(ctx, "Published audit event",
		"entity", ev.EntityType,
		"action", ev.Action,
		"actor", ev.Actor)

	return nil
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	return nil
}

// ConsumeLinks consumes one kind's queue and applies handler to each event.
// Manual ack: handler errors requeue the delivery, malformed payloads are
// dropped. Blocks until ctx is cancelled.
func (c *Client) ConsumeLinks(ctx context.Context, kind bus.LinkKind, handler func(context.Context, bus.LinkEvent) error) error {
	queue := c.queueName(string(kind))
	msgs, err := c.channel.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack (we want manual ack)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("start consuming %s: %w", queue, err)
	}

	slog.InfoContext(ctx, "Started consuming link events", "queue", queue, "kind", kind)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping link consumption", "kind", kind, "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed for %s", queue)
			}

			ev, err := unmarshalLinkMessage(delivery.Body)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to unmarshal link event", "error", err, "queue", queue)
				delivery.Nack(false, false) // reject and don't requeue
				continue
			}

			if err := handler(ctx, ev); err != nil {
				slog.ErrorContext(ctx, "Failed to apply link event",
					"error", err,
					"kind", ev.Kind,
					"op", ev.Op,
					"target_id", ev.TargetID)
				delivery.Nack(false, true) // reject and requeue
				continue
			}

			delivery.Ack(false)
		}
	}
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
