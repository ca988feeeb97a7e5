package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const retentionSweepInterval = 10 * time.Minute

// RetentionPolicy decides how much kline history must be kept.
type RetentionPolicy struct {
	DataRetentionHours int
	AnalysisHours      int
	OffsetMinutes      int
}

// EffectiveHours returns the retention horizon. The analysis window plus
// its offset always survives, even when the configured retention is shorter.
func (p RetentionPolicy) EffectiveHours() int {
	needed := p.AnalysisHours + (p.OffsetMinutes+59)/60
	if p.DataRetentionHours > needed {
		return p.DataRetentionHours
	}
	return needed
}

// RetentionJob periodically deletes klines older than the policy horizon.
type RetentionJob struct {
	repo   *KlineRepository
	nowMs  func() int64
	policy func() RetentionPolicy
	logger zerolog.Logger
}

// NewRetentionJob creates a retention job. nowMs supplies the corrected
// clock; policy is re-read every sweep so settings changes apply live.
func NewRetentionJob(repo *KlineRepository, nowMs func() int64, policy func() RetentionPolicy, logger zerolog.Logger) *RetentionJob {
	return &RetentionJob{
		repo:   repo,
		nowMs:  nowMs,
		policy: policy,
		logger: logger.With().Str("component", "retention").Logger(),
	}
}

// Run sweeps every ten minutes until the context is cancelled.
func (j *RetentionJob) Run(ctx context.Context) error {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	j.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *RetentionJob) sweep(ctx context.Context) {
	policy := j.policy()
	cutoff := j.nowMs() - int64(policy.EffectiveHours())*3_600_000

	deleted, err := j.repo.DeleteBeforeAll(ctx, cutoff)
	if err != nil {
		j.logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	if deleted > 0 {
		j.logger.Info().
			Int64("deleted", deleted).
			Int("retention_hours", policy.EffectiveHours()).
			Msg("Pruned expired klines")
	}
}
