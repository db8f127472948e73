// Package amqp carries sync and categorization requests between the API
// side and the worker over RabbitMQ.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

type Client struct {
	conn            *amqp091.Connection
	channel         *amqp091.Channel
	exchangeName    string
	syncQueue       string
	categorizeQueue string
}

func NewClient(url, exchangeName, syncQueue, categorizeQueue string) (*Client, error) {
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
		conn:            conn,
		channel:         channel,
		exchangeName:    exchangeName,
		syncQueue:       syncQueue,
		categorizeQueue: categorizeQueue,
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

	for _, queue := range []string{c.syncQueue, c.categorizeQueue} {
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

		// Routing key mirrors the queue name on a direct exchange.
		err = c.channel.QueueBind(queue, queue, c.exchangeName, false, nil)
		if err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	return nil
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.channel.PublishWithContext(
		ctx,
		c.exchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
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

// PublishSyncRequest enqueues a sync request for one connection.
func (c *Client) PublishSyncRequest(ctx context.Context, msg *SyncRequestMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.publish(ctx, c.syncQueue, body); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Published sync request",
		"connection_id", msg.ConnectionID,
		"owner_id", msg.OwnerID,
		"force", msg.Force,
		"queue", c.syncQueue)
	return nil
}

// PublishCategorizeRequest enqueues a categorization run.
func (c *Client) PublishCategorizeRequest(ctx context.Context, msg *CategorizeRequestMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.publish(ctx, c.categorizeQueue, body); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Published categorize request",
		"job_id", msg.JobID,
		"owner_id", msg.OwnerID,
		"queue", c.categorizeQueue)
	return nil
}

// ConsumeSyncRequests delivers sync requests to the handler with manual
// acks. A handler error requeues the delivery; a malformed body is dropped.
func (c *Client) ConsumeSyncRequests(ctx context.Context, handler func(*SyncRequestMessage) error) error {
	msgs, err := c.channel.Consume(
		c.syncQueue, // queue
		"",          // consumer
		false,       // auto-ack (we want manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming sync requests", "queue", c.syncQueue)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping sync consumption", "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			msg, err := SyncRequestMessageFromJSON(delivery.Body)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to unmarshal sync request", "error", err)
				delivery.Nack(false, false) // reject and don't requeue
				continue
			}

			if err := handler(msg); err != nil {
				slog.ErrorContext(ctx, "Failed to handle sync request",
					"error", err,
					"connection_id", msg.ConnectionID)
				delivery.Nack(false, true) // reject and requeue
				continue
			}

			delivery.Ack(false)
		}
	}
}

// ConsumeCategorizeRequests delivers categorization requests with the same
// ack discipline as sync requests.
func (c *Client) ConsumeCategorizeRequests(ctx context.Context, handler func(*CategorizeRequestMessage) error) error {
	msgs, err := c.channel.Consume(
		c.categorizeQueue, // queue
		"",                // consumer
		false,             // auto-ack (we want manual ack)
		false,             // exclusive
		false,             // no-local
		false,             // no-wait
		nil,               // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming categorize requests", "queue", c.categorizeQueue)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping categorize consumption", "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			msg, err := CategorizeRequestMessageFromJSON(delivery.Body)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to unmarshal categorize request", "error", err)
				delivery.Nack(false, false) // reject and don't requeue
				continue
			}

			if err := handler(msg); err != nil {
				slog.ErrorContext(ctx, "Failed to handle categorize request",
					"error", err,
					"job_id", msg.JobID)
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
