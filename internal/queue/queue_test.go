package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofisk/loresmith-ai/backend/pkg/changelog"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

type fakeAck struct {
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAck) Ack(uint64, bool) error { a.acks++; return nil }
func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return nil
}
func (a *fakeAck) Reject(uint64, bool) error { return nil }

func delivery(ack *fakeAck, body string, headers amqp091.Table) amqp091.Delivery {
	return amqp091.Delivery{Acknowledger: ack, Body: []byte(body), Headers: headers, ContentType: "application/json"}
}

func TestPublisherSend(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(ch, "graph_rebuild_queue")

	require.NoError(t, p.Send(context.Background(), []byte(`{"rebuildId":"r1"}`)))
	require.Len(t, ch.sent, 1)
	assert.Equal(t, "", ch.sent[0].exchange)
	assert.Equal(t, "graph_rebuild_queue", ch.sent[0].key)
	assert.Equal(t, amqp091.Persistent, ch.sent[0].msg.DeliveryMode)

	ch.err = errors.New("channel closed")
	assert.Error(t, p.Send(context.Background(), []byte("{}")))
}

func TestConsumerAcksSuccess(t *testing.T) {
	ch := &fakeChannel{}
	c := NewConsumer(ch, "q", 3, func(context.Context, []byte) error { return nil })
	ack := &fakeAck{}

	c.Handle(context.Background(), delivery(ack, "{}", nil))

	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, ch.sent)
}

func TestConsumerRetriesWithIncrementedHeader(t *testing.T) {
	ch := &fakeChannel{}
	c := NewConsumer(ch, "q", 3, func(context.Context, []byte) error { return errors.New("boom") })
	ack := &fakeAck{}

	c.Handle(context.Background(), delivery(ack, "{}", amqp091.Table{retriesHeader: int32(1), "trace": "t1"}))

	require.Len(t, ch.sent, 1)
	assert.Equal(t, "q_retry", ch.sent[0].key)
	assert.Equal(t, int32(2), ch.sent[0].msg.Headers[retriesHeader])
	assert.Equal(t, "t1", ch.sent[0].msg.Headers["trace"])
	assert.Equal(t, 1, ack.acks)
}

func TestConsumerDeadLettersAfterMaxRedeliveries(t *testing.T) {
	ch := &fakeChannel{}
	c := NewConsumer(ch, "q", 3, func(context.Context, []byte) error { return errors.New("boom") })
	ack := &fakeAck{}

	c.Handle(context.Background(), delivery(ack, "{}", amqp091.Table{retriesHeader: int64(3)}))

	require.Len(t, ch.sent, 1)
	assert.Equal(t, "q_dlq", ch.sent[0].key)
	assert.Equal(t, 1, ack.acks)
}

func TestConsumerDeadLettersInvalidInput(t *testing.T) {
	ch := &fakeChannel{}
	c := NewConsumer(ch, "q", 10, func(context.Context, []byte) error {
		return fmt.Errorf("%w: decode rebuild job", common.ErrInvalidInput)
	})
	ack := &fakeAck{}

	c.Handle(context.Background(), delivery(ack, "not json", nil))

	require.Len(t, ch.sent, 1)
	assert.Equal(t, "q_dlq", ch.sent[0].key)
}

func TestConsumerRequeuesWhenRepublishFails(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	c := NewConsumer(ch, "q", 3, func(context.Context, []byte) error { return errors.New("boom") })
	ack := &fakeAck{}

	c.Handle(context.Background(), delivery(ack, "{}", nil))

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestConsumerRunStopsOnClose(t *testing.T) {
	ch := &fakeChannel{}
	var handled int
	c := NewConsumer(ch, "q", 3, func(context.Context, []byte) error { handled++; return nil })

	msgs := make(chan amqp091.Delivery, 2)
	msgs <- delivery(&fakeAck{}, "{}", nil)
	msgs <- delivery(&fakeAck{}, "{}", nil)
	close(msgs)

	c.Run(context.Background(), msgs)
	assert.Equal(t, 2, handled)
}

type fakeProcessor struct {
	job common.RebuildJob
	err error
}

func (f *fakeProcessor) HandleMessage(context.Context, []byte) (common.RebuildJob, common.RebuildResult, error) {
	if f.err != nil {
		return f.job, common.RebuildResult{}, f.err
	}
	return f.job, common.RebuildResult{Success: true}, nil
}

type fakeImpact struct{ reset []string }

func (f *fakeImpact) ResetImpact(_ context.Context, campaignID string) error {
	f.reset = append(f.reset, campaignID)
	return nil
}

type fakeArchiver struct {
	before time.Time
	err    error
	calls  int
}

func (f *fakeArchiver) ArchiveApplied(_ context.Context, campaignID, rebuildID string, before time.Time) (common.ChangelogArchiveMetadata, changelog.ReindexReport, error) {
	f.calls++
	f.before = before
	if f.err != nil {
		return common.ChangelogArchiveMetadata{}, changelog.ReindexReport{}, f.err
	}
	key := changelog.ArchiveKey(campaignID, rebuildID)
	return common.ChangelogArchiveMetadata{ArchiveKey: key, EntryCount: 2}, changelog.ReindexReport{ArchiveKey: key, Indexed: 2}, nil
}

type fakeInvalidator struct{ campaigns []string }

func (f *fakeInvalidator) Invalidate(campaignID string) { f.campaigns = append(f.campaigns, campaignID) }

func TestRebuildHandlerCompletionHook(t *testing.T) {
	started := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	proc := &fakeProcessor{job: common.RebuildJob{RebuildID: "r1", CampaignID: "c1", RebuildType: common.RebuildFull}}
	impact := &fakeImpact{}
	archiver := &fakeArchiver{}
	inv := &fakeInvalidator{}

	h := NewRebuildHandler(proc, impact,
		WithArchiver(archiver),
		WithInvalidator(inv),
		WithHandlerClock(func() time.Time { return started }),
	)
	require.NoError(t, h.Handle(context.Background(), []byte("{}")))

	assert.Equal(t, []string{"c1"}, impact.reset)
	assert.Equal(t, 1, archiver.calls)
	assert.Equal(t, started, archiver.before)
	assert.Equal(t, []string{"c1"}, inv.campaigns)
}

func TestRebuildHandlerSwallowsArchiveFailure(t *testing.T) {
	proc := &fakeProcessor{job: common.RebuildJob{RebuildID: "r1", CampaignID: "c1", RebuildType: common.RebuildPartial}}
	impact := &fakeImpact{}
	inv := &fakeInvalidator{}

	h := NewRebuildHandler(proc, impact, WithArchiver(&fakeArchiver{err: errors.New("s3 down")}), WithInvalidator(inv))
	require.NoError(t, h.Handle(context.Background(), []byte("{}")))
	assert.Equal(t, []string{"c1"}, inv.campaigns)
}

func TestRebuildHandlerSkipsHookOnFailure(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("pipeline failed")}
	impact := &fakeImpact{}
	archiver := &fakeArchiver{}

	h := NewRebuildHandler(proc, impact, WithArchiver(archiver))
	require.Error(t, h.Handle(context.Background(), []byte("{}")))
	assert.Empty(t, impact.reset)
	assert.Zero(t, archiver.calls)
}

func TestInvalidationRoundTrip(t *testing.T) {
	ch := &fakeChannel{}
	NewInvalidationPublisher(ch).Invalidate("c9")

	require.Len(t, ch.sent, 1)
	assert.Equal(t, PubSubExchange, ch.sent[0].exchange)
	assert.Equal(t, CacheInvalidationTopic, ch.sent[0].key)

	var msg cacheInvalidationMsg
	require.NoError(t, json.Unmarshal(ch.sent[0].msg.Body, &msg))
	assert.Equal(t, "c9", msg.CampaignID)

	msgs := make(chan amqp091.Delivery, 2)
	msgs <- amqp091.Delivery{Body: []byte("garbage")}
	msgs <- amqp091.Delivery{Body: ch.sent[0].msg.Body}
	close(msgs)

	inv := &fakeInvalidator{}
	ApplyInvalidations(context.Background(), msgs, inv)
	assert.Equal(t, []string{"c9"}, inv.campaigns)
}
