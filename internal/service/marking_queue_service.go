package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-marking-api/internal/dto"
	"github.com/noah-isme/gema-marking-api/internal/models"
	"github.com/noah-isme/gema-marking-api/internal/observability"
	"github.com/noah-isme/gema-marking-api/internal/repository"
	"github.com/noah-isme/gema-marking-api/pkg/ai"
)

// MarkingWebhookPath is the route the marking service calls back on.
const MarkingWebhookPath = "/api/v2/marking/webhook"

const (
	defaultDrainLimit = 10
	maxDrainLimit     = 100
	// settleTimeout bounds the bookkeeping that follows a dispatch once the caller's context is gone.
	settleTimeout = 5 * time.Second
)

// MarkingQueueConfig configures the dispatcher.
type MarkingQueueConfig struct {
	CallbackBaseURL string
	MaxAttempts     int
	// DispatchTimeout is the longest a single dispatch may take. Drain does not claim another job when
	// less than this remains before its deadline.
	DispatchTimeout time.Duration
}

// MarkingQueueService produces marking jobs and dispatches them to the external marker.
type MarkingQueueService interface {
	Enqueue(ctx context.Context, submissionID, assignmentID string) (bool, error)
	ProcessNext(ctx context.Context) (dto.QueueProcessResponse, error)
	Drain(ctx context.Context, max int) (dto.QueueDrainResponse, error)
	Stats(ctx context.Context) (dto.QueueStatsResponse, error)
	ListJobs(ctx context.Context, filter dto.MarkingJobFilter) ([]dto.MarkingJobResponse, error)
	RetryJob(ctx context.Context, actor Actor, jobID string) (dto.MarkingJobResponse, error)
}

type markingQueueService struct {
	queue       repository.MarkingQueueRepository
	submissions repository.SubmissionRepository
	activities  repository.ActivityRepository
	dispatcher  ai.Dispatcher
	audit       AuditRecorder
	validator   *validator.Validate
	cfg         MarkingQueueConfig
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// NewMarkingQueueService wires the producer and dispatcher.
func NewMarkingQueueService(
	queue repository.MarkingQueueRepository,
	submissions repository.SubmissionRepository,
	activities repository.ActivityRepository,
	dispatcher ai.Dispatcher,
	audit AuditRecorder,
	validate *validator.Validate,
	cfg MarkingQueueConfig,
	logger zerolog.Logger,
) MarkingQueueService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.MaxMarkingAttempts
	}
	cfg.CallbackBaseURL = strings.TrimRight(strings.TrimSpace(cfg.CallbackBaseURL), "/")

	return &markingQueueService{
		queue:       queue,
		submissions: submissions,
		activities:  activities,
		dispatcher:  dispatcher,
		audit:       audit,
		validator:   validate,
		cfg:         cfg,
		logger:      logger.With().Str("component", "marking_queue_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-marking-api/internal/service/marking_queue"),
	}
}

func (s *markingQueueService) Enqueue(ctx context.Context, submissionID, assignmentID string) (bool, error) {
	if strings.TrimSpace(submissionID) == "" {
		return false, errors.New("submission id is required")
	}
	if _, err := models.ParseGroupAssignmentID(assignmentID); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidAssignmentID, err)
	}

	job, created, err := s.queue.Enqueue(ctx, submissionID, assignmentID)
	if err != nil {
		observability.MarkingJobsEnqueued().WithLabelValues("error").Inc()
		return false, err
	}

	outcome := "duplicate"
	if created {
		outcome = "created"
	}
	observability.MarkingJobsEnqueued().WithLabelValues(outcome).Inc()

	event := s.logger.Info().
		Str("submission_id", submissionID).
		Str("assignment_id", assignmentID).
		Str("outcome", outcome)
	if created {
		event = event.Str("queue_id", job.ID)
	}
	event.Msg("marking job enqueued")

	return created, nil
}

// ProcessNext claims one job and dispatches it. The claim transaction has committed before the
// outbound call starts.
func (s *markingQueueService) ProcessNext(ctx context.Context) (dto.QueueProcessResponse, error) {
	if s.cfg.CallbackBaseURL == "" || s.dispatcher == nil {
		return dto.QueueProcessResponse{}, fmt.Errorf("%w: callback base url or marking service missing", ErrMarkingNotConfigured)
	}

	spanCtx, span := s.tracer.Start(ctx, "marking_queue.process_next")
	defer span.End()

	job, err := s.queue.ClaimNext(spanCtx, s.cfg.MaxAttempts)
	if err != nil {
		span.RecordError(err)
		return dto.QueueProcessResponse{}, err
	}

	if job == nil {
		remaining, err := s.queue.CountEligible(spanCtx, s.cfg.MaxAttempts)
		if err != nil {
			return dto.QueueProcessResponse{}, err
		}
		return dto.QueueProcessResponse{Processed: false, Remaining: remaining}, nil
	}

	observability.MarkingJobsClaimed().Inc()
	span.SetAttributes(
		attribute.String("queue_id", job.ID),
		attribute.String("submission_id", job.SubmissionID),
		attribute.Int("attempts", job.Attempts),
	)

	response := dto.QueueProcessResponse{
		Processed:    true,
		JobID:        job.ID,
		SubmissionID: job.SubmissionID,
		Status:       models.MarkingJobStatusProcessing,
	}

	// The claim has committed; the outcome is recorded even when ctx ends mid-dispatch.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(spanCtx), settleTimeout)
	defer cancel()

	if dispatchErr := s.dispatch(spanCtx, *job); dispatchErr != nil {
		span.RecordError(dispatchErr)
		span.SetStatus(codes.Error, dispatchErr.Error())

		status, err := s.queue.RecordFailure(settleCtx, job.ID, dispatchErr.Error(), s.cfg.MaxAttempts)
		if err != nil {
			return dto.QueueProcessResponse{}, err
		}
		observability.MarkingJobsFailed().WithLabelValues(status).Inc()

		s.logger.Warn().
			Err(dispatchErr).
			Str("queue_id", job.ID).
			Str("submission_id", job.SubmissionID).
			Int("attempts", job.Attempts).
			Str("status", status).
			Msg("marking dispatch failed")

		response.Status = status
		response.Error = dispatchErr.Error()
	} else {
		s.logger.Info().
			Str("queue_id", job.ID).
			Str("submission_id", job.SubmissionID).
			Int("attempts", job.Attempts).
			Msg("marking job dispatched")
	}

	remaining, err := s.queue.CountEligible(settleCtx, s.cfg.MaxAttempts)
	if err != nil {
		return dto.QueueProcessResponse{}, err
	}
	response.Remaining = remaining

	return response, nil
}

func (s *markingQueueService) dispatch(ctx context.Context, job models.MarkingJob) error {
	submission, err := s.submissions.GetByID(ctx, job.SubmissionID)
	if err != nil {
		return fmt.Errorf("load submission %s: %w", job.SubmissionID, err)
	}

	activity, err := s.activities.GetByID(ctx, submission.ActivityID)
	if err != nil {
		return fmt.Errorf("load activity %s: %w", submission.ActivityID, err)
	}

	request := ai.MarkingRequest{
		Question:          activity.Question,
		ModelAnswer:       activity.ModelAnswer,
		PupilAnswer:       submission.Answer().Answer,
		WebhookURL:        s.cfg.CallbackBaseURL + MarkingWebhookPath,
		GroupAssignmentID: job.AssignmentID,
		ActivityID:        activity.ID,
		PupilID:           submission.PupilID,
		SubmissionID:      submission.ID,
	}

	result, err := s.dispatcher.Dispatch(ctx, request)
	if err != nil {
		return err
	}
	if result.TimedOut {
		s.logger.Debug().Str("queue_id", job.ID).Msg("marking service still working; completion expected via webhook")
	}
	return nil
}

// Drain processes jobs until the queue is empty, max jobs were handled or a dispatch fails. Stopping on
// the first failure keeps an outage from burning every job's attempts in one run.
func (s *markingQueueService) Drain(ctx context.Context, max int) (dto.QueueDrainResponse, error) {
	if max <= 0 {
		max = defaultDrainLimit
	}
	if max > maxDrainLimit {
		max = maxDrainLimit
	}

	response := dto.QueueDrainResponse{Jobs: []dto.QueueProcessResponse{}}
	for i := 0; i < max; i++ {
		if err := ctx.Err(); err != nil {
			return response, err
		}
		if deadline, ok := ctx.Deadline(); ok && s.cfg.DispatchTimeout > 0 && time.Until(deadline) < s.cfg.DispatchTimeout {
			break
		}

		result, err := s.ProcessNext(ctx)
		if err != nil {
			return response, err
		}
		response.Remaining = result.Remaining
		if !result.Processed {
			break
		}

		response.Processed++
		response.Jobs = append(response.Jobs, result)
		if result.Error != "" {
			break
		}
	}

	return response, nil
}

func (s *markingQueueService) Stats(ctx context.Context) (dto.QueueStatsResponse, error) {
	counts, err := s.queue.CountByStatus(ctx)
	if err != nil {
		return dto.QueueStatsResponse{}, err
	}

	eligible, err := s.queue.CountEligible(ctx, s.cfg.MaxAttempts)
	if err != nil {
		return dto.QueueStatsResponse{}, err
	}

	return dto.QueueStatsResponse{
		Pending:    counts[models.MarkingJobStatusPending],
		Processing: counts[models.MarkingJobStatusProcessing],
		Completed:  counts[models.MarkingJobStatusCompleted],
		Failed:     counts[models.MarkingJobStatusFailed],
		Eligible:   eligible,
	}, nil
}

func (s *markingQueueService) ListJobs(ctx context.Context, filter dto.MarkingJobFilter) ([]dto.MarkingJobResponse, error) {
	if s.validator != nil {
		if err := s.validator.Struct(filter); err != nil {
			return nil, err
		}
	}

	jobs, err := s.queue.List(ctx, repository.MarkingJobFilter{Status: filter.Status, Limit: filter.Limit})
	if err != nil {
		return nil, err
	}

	return dto.NewMarkingJobResponseSlice(jobs), nil
}

func (s *markingQueueService) RetryJob(ctx context.Context, actor Actor, jobID string) (dto.MarkingJobResponse, error) {
	job, err := s.queue.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.MarkingJobResponse{}, ErrMarkingJobNotFound
		}
		return dto.MarkingJobResponse{}, err
	}
	if job.Status != models.MarkingJobStatusFailed {
		return dto.MarkingJobResponse{}, ErrMarkingJobNotRetryable
	}

	requeued, err := s.queue.Requeue(ctx, jobID)
	if err != nil {
		return dto.MarkingJobResponse{}, err
	}

	if s.audit != nil {
		lastError := ""
		if job.LastError != nil {
			lastError = *job.LastError
		}
		if err := s.audit.Record(ctx, AuditEntry{
			Actor:      actor,
			Action:     AuditActionRequeue,
			EntityType: "marking_job",
			EntityID:   job.ID,
			Metadata: map[string]interface{}{
				"submission_id": job.SubmissionID,
				"last_error":    lastError,
			},
		}); err != nil {
			s.logger.Warn().Err(err).Str("queue_id", job.ID).Msg("failed to record requeue audit entry")
		}
	}

	s.logger.Info().Str("queue_id", job.ID).Str("actor_id", actor.ID).Msg("failed marking job requeued")

	return dto.NewMarkingJobResponse(requeued), nil
}
