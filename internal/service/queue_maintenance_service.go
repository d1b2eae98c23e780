package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marking-api/internal/models"
	"github.com/noah-isme/gema-marking-api/internal/observability"
	"github.com/noah-isme/gema-marking-api/internal/repository"
)

const (
	// StuckJobThreshold is how long a job may stay processing before it is presumed abandoned.
	StuckJobThreshold = 10 * time.Minute
	// CompletedJobRetention is how long completed jobs are kept before pruning.
	CompletedJobRetention = 7 * 24 * time.Hour
)

// QueueMaintenanceService reclaims abandoned jobs and prunes finished ones.
type QueueMaintenanceService interface {
	RecoverStuck(ctx context.Context) (int64, error)
	PruneCompleted(ctx context.Context) (int64, error)
}

type queueMaintenanceService struct {
	queue       repository.MarkingQueueRepository
	maxAttempts int
	stuckAge    time.Duration
	retention   time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// NewQueueMaintenanceService builds the recovery and hygiene sweeps.
// Stuck jobs that already used maxAttempts claims are failed instead of requeued.
func NewQueueMaintenanceService(queue repository.MarkingQueueRepository, maxAttempts int, logger zerolog.Logger) QueueMaintenanceService {
	if maxAttempts <= 0 {
		maxAttempts = models.MaxMarkingAttempts
	}
	return &queueMaintenanceService{
		queue:       queue,
		maxAttempts: maxAttempts,
		stuckAge:    StuckJobThreshold,
		retention:   CompletedJobRetention,
		logger:      logger.With().Str("component", "queue_maintenance_service").Logger(),
		now:         time.Now,
	}
}

func (s *queueMaintenanceService) RecoverStuck(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.stuckAge)
	reason := fmt.Sprintf("recovered: processing exceeded %s", s.stuckAge)

	recovered, err := s.queue.RecoverStuck(ctx, cutoff, reason, s.maxAttempts)
	if err != nil {
		return 0, err
	}

	if recovered > 0 {
		observability.MarkingJobsRecovered().Add(float64(recovered))
		s.logger.Warn().Int64("recovered", recovered).Time("cutoff", cutoff).Msg("stuck marking jobs reclaimed")
	}

	return recovered, nil
}

func (s *queueMaintenanceService) PruneCompleted(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)

	pruned, err := s.queue.PruneCompleted(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	if pruned > 0 {
		observability.MarkingJobsPruned().Add(float64(pruned))
		s.logger.Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("completed marking jobs pruned")
	}

	return pruned, nil
}
