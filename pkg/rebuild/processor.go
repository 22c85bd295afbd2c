package rebuild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"

	"github.com/go-playground/validator"
)

// ErrRebuildFailed is returned when the pipeline reports success=false.
var ErrRebuildFailed = errors.New("rebuild failed")

const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 2 * time.Second
)

// CampaignLocker serializes rebuilds of one campaign across workers.
type CampaignLocker interface {
	WithCampaignLock(ctx context.Context, campaignID string, fn func(ctx context.Context) error) error
}

// Processor runs one rebuild job at a time against the pipeline, retrying
// failed attempts with exponential backoff.
type Processor struct {
	pipeline store.RebuildPipeline
	policy   util.RetryPolicy
	locker   CampaignLocker
	validate *validator.Validate
	log      logger.Scoped
}

type ProcessorOption func(*Processor)

// WithRetry sets the attempt count and the first backoff; later waits double.
func WithRetry(maxAttempts int, base time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.policy.MaxAttempts = maxAttempts
		p.policy.Backoff = util.ExponentialBackoff(base)
	}
}

func WithSleep(sleep util.SleepFunc) ProcessorOption {
	return func(p *Processor) { p.policy.Sleep = sleep }
}

func WithLocker(locker CampaignLocker) ProcessorOption {
	return func(p *Processor) { p.locker = locker }
}

func NewProcessor(pipeline store.RebuildPipeline, opts ...ProcessorOption) *Processor {
	p := &Processor{
		pipeline: pipeline,
		policy: util.RetryPolicy{
			MaxAttempts: DefaultMaxAttempts,
			Backoff:     util.ExponentialBackoff(DefaultBaseBackoff),
		},
		validate: validator.New(),
		log:      logger.Named("RebuildProcessor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DecodeJob parses and validates a queued job message. Invalid messages are
// marked permanent so no retry is spent on them.
func (p *Processor) DecodeJob(body []byte) (common.RebuildJob, error) {
	var job common.RebuildJob
	if err := json.Unmarshal(body, &job); err != nil {
		return job, util.Permanent(fmt.Errorf("%w: decode rebuild job: %w", common.ErrInvalidInput, err))
	}
	if err := p.validate.Struct(job); err != nil {
		return job, util.Permanent(fmt.Errorf("%w: rebuild job: %w", common.ErrInvalidInput, err))
	}
	return job, nil
}

// HandleMessage decodes body and processes it.
func (p *Processor) HandleMessage(ctx context.Context, body []byte) (common.RebuildJob, common.RebuildResult, error) {
	job, err := p.DecodeJob(body)
	if err != nil {
		p.log.Error("Rejected rebuild message", "err", err)
		return job, common.RebuildResult{}, err
	}
	result, err := p.Process(ctx, job)
	return job, result, err
}

// Process delegates job to the pipeline. The last error is returned once
// all attempts fail, for the queue's redelivery policy to handle.
func (p *Processor) Process(ctx context.Context, job common.RebuildJob) (common.RebuildResult, error) {
	var result common.RebuildResult
	run := func(ctx context.Context) error {
		var err error
		result, err = p.runWithRetry(ctx, job)
		return err
	}

	var err error
	if p.locker != nil {
		err = p.locker.WithCampaignLock(ctx, job.CampaignID, run)
	} else {
		err = run(ctx)
	}
	return result, err
}

func (p *Processor) runWithRetry(ctx context.Context, job common.RebuildJob) (common.RebuildResult, error) {
	start := time.Now()
	p.log.Info("Starting rebuild",
		"rebuild_id", job.RebuildID,
		"campaign_id", job.CampaignID,
		"rebuild_type", string(job.RebuildType),
		"affected_entities", len(job.AffectedEntityIDs),
	)

	policy := p.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		p.log.Warn("Rebuild attempt failed, retrying",
			"rebuild_id", job.RebuildID,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"backoff_ms", delay.Milliseconds(),
			"err", err,
		)
	}

	result, err := util.WithRetry(ctx, policy, func(ctx context.Context, attempt int) (common.RebuildResult, error) {
		attemptStart := time.Now()
		res, err := p.pipeline.ExecuteRebuild(ctx, job)
		if err == nil && !res.Success {
			msg := res.Error
			if msg == "" {
				msg = "pipeline reported failure"
			}
			err = fmt.Errorf("%w: %s", ErrRebuildFailed, msg)
		}
		elapsed := time.Since(attemptStart).Milliseconds()
		if err != nil {
			p.log.Debug("Rebuild attempt errored", "rebuild_id", job.RebuildID, "attempt", attempt, "elapsed_ms", elapsed)
			return res, err
		}
		p.log.Info("Rebuild attempt succeeded", "rebuild_id", job.RebuildID, "attempt", attempt, "elapsed_ms", elapsed)
		return res, nil
	})

	total := time.Since(start).Milliseconds()
	if err != nil {
		p.log.Error("Rebuild failed",
			"rebuild_id", job.RebuildID,
			"campaign_id", job.CampaignID,
			"elapsed_ms", total,
			"err", err,
		)
		return result, fmt.Errorf("rebuild %s for campaign %s: %w", job.RebuildID, job.CampaignID, err)
	}

	communities := 0
	if result.CommunitiesCount != nil {
		communities = *result.CommunitiesCount
	}
	p.log.Info("Rebuild completed",
		"rebuild_id", job.RebuildID,
		"campaign_id", job.CampaignID,
		"communities", communities,
		"elapsed_ms", total,
	)
	return result, nil
}
