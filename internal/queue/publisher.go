package queue

import (
	"context"
	"fmt"

	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

var _ store.JobQueue = (*Publisher)(nil)

// Publisher sends persistent messages to one durable queue.
type Publisher struct {
	ch    Channel
	queue string
}

func NewPublisher(ch Channel, queueName string) *Publisher {
	return &Publisher{ch: ch, queue: queueName}
}

func (p *Publisher) Send(ctx context.Context, message []byte) error {
	if err := PublishFIFO(ctx, p.ch, p.queue, message); err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}
	return nil
}
