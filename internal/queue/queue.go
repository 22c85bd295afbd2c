package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/ofisk/loresmith-ai/backend/internal/config"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
)

// PubSubExchange carries broadcast events such as cache invalidations.
const PubSubExchange = "pubsub"

// Channel is the publishing side of an AMQP channel.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

func Dial(cfg config.QueueConfig) (*amqp091.Connection, error) {
	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%d/",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return conn, nil
}

// SetupQueues declares the pubsub exchange and, for every work queue, a
// "_dlq" queue and a "_retry" queue whose messages dead-letter back to the
// work queue after retryDelay.
func SetupQueues(ch *amqp091.Channel, queueNames []string, retryDelay time.Duration) error {
	err := ch.ExchangeDeclare(
		PubSubExchange,
		"topic",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", PubSubExchange, err)
	}

	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", dlqName, err)
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(retryDelay.Milliseconds()),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", retryName, err)
		}
		logger.Debug("[Queue] Declared queue", "queue", name, "retry_delay", retryDelay)
	}

	return nil
}

func PublishFIFO(ctx context.Context, ch Channel, queueName string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.PublishWithContext(
		ctx,
		"",
		queueName,
		false,
		false,
		publishing,
	)
}

func PublishTopic(ctx context.Context, ch Channel, topic string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType: "application/json",
		Body:        data,
		Timestamp:   time.Now(),
	}

	return ch.PublishWithContext(
		ctx,
		PubSubExchange,
		topic,
		false,
		false,
		publishing,
	)
}

// Consume starts a manual-ack consumer with prefetch 1, so one job is in
// flight per channel.
func Consume(ch *amqp091.Channel, queueName string) (<-chan amqp091.Delivery, error) {
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(
		queueName,
		queueName+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queueName, err)
	}
	return msgs, nil
}
