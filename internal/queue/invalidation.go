package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/ofisk/loresmith-ai/backend/pkg/changelog"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
)

// CacheInvalidationTopic is the routing key of campaign cache invalidations.
const CacheInvalidationTopic = "campaign.cache.invalidate"

type cacheInvalidationMsg struct {
	CampaignID string    `json:"campaignId"`
	IssuedAt   time.Time `json:"issuedAt"`
}

var _ changelog.CacheInvalidator = (*InvalidationPublisher)(nil)

// InvalidationPublisher broadcasts cache invalidations to every server
// process subscribed to the pubsub exchange.
type InvalidationPublisher struct {
	ch      Channel
	timeout time.Duration
	log     logger.Scoped
}

func NewInvalidationPublisher(ch Channel) *InvalidationPublisher {
	return &InvalidationPublisher{ch: ch, timeout: 5 * time.Second, log: logger.Named("Queue")}
}

func (p *InvalidationPublisher) Invalidate(campaignID string) {
	data, err := json.Marshal(cacheInvalidationMsg{CampaignID: campaignID, IssuedAt: time.Now().UTC()})
	if err != nil {
		p.log.Error("Failed to marshal cache invalidation", "campaign_id", campaignID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := PublishTopic(ctx, p.ch, CacheInvalidationTopic, data); err != nil {
		p.log.Warn("Failed to publish cache invalidation", "campaign_id", campaignID, "err", err)
		return
	}
	p.log.Debug("Published cache invalidation", "campaign_id", campaignID)
}

// SubscribeInvalidations binds an exclusive queue to the invalidation topic
// and returns its deliveries.
func SubscribeInvalidations(ch *amqp091.Channel) (<-chan amqp091.Delivery, error) {
	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // autoDelete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare invalidation queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, CacheInvalidationTopic, PubSubExchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind invalidation queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume invalidation queue: %w", err)
	}
	return msgs, nil
}

// ApplyInvalidations forwards received invalidations to inv until ctx is
// done or msgs closes.
func ApplyInvalidations(ctx context.Context, msgs <-chan amqp091.Delivery, inv changelog.CacheInvalidator) {
	log := logger.Named("Queue")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				log.Info("Invalidation channel closed")
				return
			}
			var data cacheInvalidationMsg
			if err := json.Unmarshal(msg.Body, &data); err != nil || data.CampaignID == "" {
				log.Warn("Dropping malformed cache invalidation", "err", err)
				continue
			}
			inv.Invalidate(data.CampaignID)
			log.Debug("Applied cache invalidation", "campaign_id", data.CampaignID)
		}
	}
}
