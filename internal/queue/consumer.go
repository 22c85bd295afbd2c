package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
)

const retriesHeader = "x-retries"

// Handler processes one message body. Errors wrapping
// common.ErrInvalidInput go straight to the dead-letter queue.
type Handler func(ctx context.Context, body []byte) error

// Consumer acks successful messages and routes failed ones through the
// queue's "_retry" queue until MaxRedeliveries is reached, then to "_dlq".
type Consumer struct {
	ch              Channel
	queue           string
	maxRedeliveries int
	handler         Handler
	log             logger.Scoped
}

func NewConsumer(ch Channel, queueName string, maxRedeliveries int, handler Handler) *Consumer {
	return &Consumer{
		ch:              ch,
		queue:           queueName,
		maxRedeliveries: maxRedeliveries,
		handler:         handler,
		log:             logger.Named("Queue"),
	}
}

// Run handles deliveries one at a time until ctx is done or msgs closes.
func (c *Consumer) Run(ctx context.Context, msgs <-chan amqp091.Delivery) {
	c.log.Info("Listening for messages", "queue", c.queue)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Stopping consumer", "queue", c.queue)
			return
		case msg, ok := <-msgs:
			if !ok {
				c.log.Info("Message channel closed", "queue", c.queue)
				return
			}
			c.Handle(ctx, msg)
		}
	}
}

func (c *Consumer) Handle(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	c.log.Info("Received message", "queue", c.queue, "retries", retries(msg.Headers))

	if err := c.handler(ctx, msg.Body); err != nil {
		c.log.Error("Error processing message", "queue", c.queue, "err", err)
		c.handleProcessingError(ctx, msg, err)
		return
	}
	if err := msg.Ack(false); err != nil {
		c.log.Error("Failed to ack message", "err", err)
	}
	c.log.Info("Message processed successfully", "queue", c.queue, "duration_ms", time.Since(start).Milliseconds())
}

func (c *Consumer) handleProcessingError(ctx context.Context, msg amqp091.Delivery, err error) {
	n := retries(msg.Headers)

	if n >= c.maxRedeliveries || errors.Is(err, common.ErrInvalidInput) {
		dlqName := c.queue + "_dlq"
		c.log.Info("Sending message to DLQ", "dlq", dlqName, "retries", n)
		pubErr := c.ch.PublishWithContext(ctx, "", dlqName, false, false, amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Headers:      msg.Headers,
			DeliveryMode: amqp091.Persistent,
		})
		if pubErr != nil {
			c.log.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := c.queue + "_retry"
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[retriesHeader] = int32(n + 1)

	pubErr := c.ch.PublishWithContext(ctx, "", retryName, false, false, amqp091.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
	})
	if pubErr != nil {
		c.log.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func retries(headers amqp091.Table) int {
	switch v := headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
