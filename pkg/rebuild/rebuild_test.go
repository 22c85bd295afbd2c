package rebuild

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThresholdSequence(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	trigger := NewTrigger(mem, DefaultThresholds())
	affected := []string{"e1"}

	total, err := trigger.RecordImpact(ctx, "c1", 30)
	require.NoError(t, err)
	assert.Equal(t, 30.0, total)
	kind, err := trigger.GetRebuildType(ctx, "c1", affected)
	require.NoError(t, err)
	assert.Equal(t, common.RebuildNone, kind)

	total, err = trigger.RecordImpact(ctx, "c1", 40)
	require.NoError(t, err)
	assert.Equal(t, 70.0, total)
	kind, err = trigger.GetRebuildType(ctx, "c1", affected)
	require.NoError(t, err)
	assert.Equal(t, common.RebuildPartial, kind)
	kind, err = trigger.GetRebuildType(ctx, "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, common.RebuildNone, kind)

	_, err = trigger.RecordImpact(ctx, "c1", 40)
	require.NoError(t, err)
	kind, err = trigger.GetRebuildType(ctx, "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, common.RebuildFull, kind)
}

func TestClassify(t *testing.T) {
	th := Thresholds{Partial: 50, Full: 100}
	tests := []struct {
		name     string
		total    float64
		affected []string
		want     common.RebuildType
	}{
		{"below partial", 49.9, []string{"a"}, common.RebuildNone},
		{"partial boundary", 50, []string{"a"}, common.RebuildPartial},
		{"partial without entities", 99, nil, common.RebuildNone},
		{"full boundary", 100, nil, common.RebuildFull},
		{"full ignores entities", 150, []string{"a"}, common.RebuildFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := th.Classify(tt.total, tt.affected)
			if got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.total, got, tt.want)
			}
			if reason == "" {
				t.Fatalf("Classify(%v) returned empty reason", tt.total)
			}
		})
	}
}

func TestDecisionAndReset(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trigger := NewTrigger(mem, DefaultThresholds(), WithTriggerClock(func() time.Time { return at }))

	_, err := trigger.RecordImpact(ctx, "c1", 120)
	require.NoError(t, err)
	decision, err := trigger.MakeRebuildDecision(ctx, "c1", []string{"e1"})
	require.NoError(t, err)
	assert.Equal(t, common.RebuildFull, decision.RebuildType)
	assert.Equal(t, 120.0, decision.CumulativeImpact)
	assert.Equal(t, at, decision.DecidedAt)
	assert.Equal(t, []string{"e1"}, decision.AffectedEntityIDs)

	require.NoError(t, trigger.ResetImpact(ctx, "c1"))
	state, err := mem.GetRebuildState(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, state.CumulativeImpact)
	require.NotNil(t, state.LastRebuildAt)
	assert.Equal(t, at, *state.LastRebuildAt)
}

func TestSchedulerQueuesOnlyWhenNeeded(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	queue := memory.NewQueue(4)
	sched := NewScheduler(NewTrigger(mem, DefaultThresholds()), queue)

	_, err := mem.AddImpact(ctx, "c1", 20)
	require.NoError(t, err)
	decision, job, err := sched.Evaluate(ctx, "c1", []string{"e1"})
	require.NoError(t, err)
	assert.Equal(t, common.RebuildNone, decision.RebuildType)
	assert.Nil(t, job)
	assert.Empty(t, queue.Messages())

	_, err = mem.AddImpact(ctx, "c1", 40)
	require.NoError(t, err)
	_, job, err = sched.Evaluate(ctx, "c1", []string{"e1", "e2"})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.NotEmpty(t, job.RebuildID)

	msg := <-queue.Messages()
	var sent common.RebuildJob
	require.NoError(t, json.Unmarshal(msg, &sent))
	assert.Equal(t, job.RebuildID, sent.RebuildID)
	assert.Equal(t, common.RebuildPartial, sent.RebuildType)
	assert.Equal(t, []string{"e1", "e2"}, sent.AffectedEntityIDs)
}

type scriptedPipeline struct {
	results []common.RebuildResult
	errs    []error
	calls   int
}

func (s *scriptedPipeline) ExecuteRebuild(_ context.Context, _ common.RebuildJob) (common.RebuildResult, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i], s.errs[i]
}

type recordedSleep struct {
	delays []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func testJob() common.RebuildJob {
	return common.RebuildJob{RebuildID: "r1", CampaignID: "c1", RebuildType: common.RebuildFull}
}

func TestProcessorRetriesThenSucceeds(t *testing.T) {
	count := 3
	pipe := &scriptedPipeline{
		results: []common.RebuildResult{{}, {Success: false, Error: "graph busy"}, {Success: true, CommunitiesCount: &count}},
		errs:    []error{errors.New("timeout"), nil, nil},
	}
	sleep := &recordedSleep{}
	proc := NewProcessor(pipe, WithSleep(sleep.sleep))

	res, err := proc.Process(context.Background(), testJob())
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.CommunitiesCount)
	assert.Equal(t, 3, *res.CommunitiesCount)
	assert.Equal(t, 3, pipe.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleep.delays)
}

func TestProcessorGivesUpAfterMaxAttempts(t *testing.T) {
	pipe := &scriptedPipeline{
		results: []common.RebuildResult{{Success: false, Error: "no graph"}},
		errs:    []error{nil},
	}
	sleep := &recordedSleep{}
	proc := NewProcessor(pipe, WithSleep(sleep.sleep))

	_, err := proc.Process(context.Background(), testJob())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRebuildFailed)
	assert.Contains(t, err.Error(), "no graph")
	assert.Equal(t, 3, pipe.calls)
	assert.Len(t, sleep.delays, 2)
}

type fakeLocker struct {
	campaigns []string
	err       error
}

func (f *fakeLocker) WithCampaignLock(ctx context.Context, campaignID string, fn func(ctx context.Context) error) error {
	f.campaigns = append(f.campaigns, campaignID)
	if f.err != nil {
		return f.err
	}
	return fn(ctx)
}

func TestProcessorUsesCampaignLock(t *testing.T) {
	pipe := &scriptedPipeline{results: []common.RebuildResult{{Success: true}}, errs: []error{nil}}
	locker := &fakeLocker{}
	proc := NewProcessor(pipe, WithLocker(locker), WithSleep((&recordedSleep{}).sleep))

	_, err := proc.Process(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, locker.campaigns)

	busy := errors.New("busy")
	locker.err = busy
	_, err = proc.Process(context.Background(), testJob())
	assert.ErrorIs(t, err, busy)
	assert.Equal(t, 1, pipe.calls)
}

func TestHandleMessageRejectsInvalidJobs(t *testing.T) {
	pipe := &scriptedPipeline{results: []common.RebuildResult{{Success: true}}, errs: []error{nil}}
	proc := NewProcessor(pipe)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing campaign", `{"rebuildId":"r1","rebuildType":"full"}`},
		{"bad type", `{"rebuildId":"r1","campaignId":"c1","rebuildType":"none"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := proc.HandleMessage(context.Background(), []byte(tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrInvalidInput)
		})
	}
	assert.Zero(t, pipe.calls)

	job, res, err := proc.HandleMessage(context.Background(), []byte(`{"rebuildId":"r1","campaignId":"c1","rebuildType":"partial","affectedEntityIds":["a"]}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"a"}, job.AffectedEntityIDs)
}

func seedEdge(t *testing.T, mem *memory.Store, from, to string) {
	t.Helper()
	_, err := mem.UpsertRelationship(context.Background(), common.EntityRelationship{
		CampaignID: "c1", FromEntityID: from, ToEntityID: to, RelationshipType: "knows",
	})
	require.NoError(t, err)
}

func TestComponentPipelineFullAndPartial(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	seedEdge(t, mem, "a", "b")
	seedEdge(t, mem, "b", "c")
	seedEdge(t, mem, "d", "e")
	pipe := NewComponentPipeline(mem, mem)

	res, err := pipe.ExecuteRebuild(ctx, testJob())
	require.NoError(t, err)
	require.NotNil(t, res.CommunitiesCount)
	assert.Equal(t, 2, *res.CommunitiesCount)

	communities, err := mem.ListCommunities(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, communities, 2)
	assert.Equal(t, []string{"a", "b", "c"}, communities[0].EntityIDs)
	assert.Equal(t, 1.0, communities[0].Importance["b"])
	assert.Equal(t, 0.5, communities[0].Importance["a"])

	seedEdge(t, mem, "e", "f")
	res, err = pipe.ExecuteRebuild(ctx, common.RebuildJob{
		RebuildID: "r2", CampaignID: "c1", RebuildType: common.RebuildPartial, AffectedEntityIDs: []string{"f"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, *res.CommunitiesCount)

	communities, err = mem.ListCommunities(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, communities, 2)
	assert.Equal(t, "r1", communities[0].RebuildID)
	assert.Equal(t, []string{"d", "e", "f"}, communities[1].EntityIDs)
	assert.Equal(t, "r2", communities[1].RebuildID)
	assert.Equal(t, 1, communities[1].Index)
}
