package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/gema-marking-api/internal/service"
)

// MarkingSchedules holds the cron specs of the marking sweeps. An empty spec disables that task.
type MarkingSchedules struct {
	Recovery        string
	Prune           string
	Dispatch        string
	DrainLimit      int
	DispatchTimeout time.Duration
}

// drainSlack covers claims and bookkeeping around the dispatch calls of one drain.
const drainSlack = 30 * time.Second

// DrainTimeout bounds one scheduled drain so every dispatch it may start fits inside the run.
func (m MarkingSchedules) DrainTimeout() time.Duration {
	limit := m.DrainLimit
	if limit <= 0 {
		limit = 10
	}
	perJob := m.DispatchTimeout
	if perJob <= 0 {
		perJob = 10 * time.Second
	}
	return time.Duration(limit)*perJob + drainSlack
}

// RegisterMarkingTasks schedules stuck-job recovery, completed-job pruning and queue draining.
func RegisterMarkingTasks(s *Scheduler, schedules MarkingSchedules, queue service.MarkingQueueService, maintenance service.QueueMaintenanceService) error {
	if maintenance != nil && schedules.Recovery != "" {
		if err := s.Add("marking.recover_stuck", schedules.Recovery, func(ctx context.Context) error {
			_, err := maintenance.RecoverStuck(ctx)
			return err
		}); err != nil {
			return err
		}
	}

	if maintenance != nil && schedules.Prune != "" {
		if err := s.Add("marking.prune_completed", schedules.Prune, func(ctx context.Context) error {
			_, err := maintenance.PruneCompleted(ctx)
			return err
		}); err != nil {
			return err
		}
	}

	if queue != nil && schedules.Dispatch != "" {
		if err := s.AddWithTimeout("marking.dispatch", schedules.Dispatch, schedules.DrainTimeout(), func(ctx context.Context) error {
			_, err := queue.Drain(ctx, schedules.DrainLimit)
			if errors.Is(err, service.ErrMarkingNotConfigured) {
				return nil
			}
			return err
		}); err != nil {
			return err
		}
	}

	return nil
}
