package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
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
)

// Per-result reconciliation outcomes.
const (
	resultUpdated = "updated"
	resultCreated = "created"
	resultSkipped = "skipped"
	resultError   = "error"
)

// MarkingWebhookService applies marking service callbacks to submissions.
type MarkingWebhookService interface {
	Apply(ctx context.Context, req dto.MarkingWebhookRequest) (dto.MarkingWebhookResponse, error)
}

type markingWebhookService struct {
	activities  repository.ActivityRepository
	submissions repository.SubmissionRepository
	queue       repository.MarkingQueueRepository
	results     AssignmentResultsService
	realtime    MarkingResultsService
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// NewMarkingWebhookService constructs the completion handler.
func NewMarkingWebhookService(
	activities repository.ActivityRepository,
	submissions repository.SubmissionRepository,
	queue repository.MarkingQueueRepository,
	results AssignmentResultsService,
	realtime MarkingResultsService,
	logger zerolog.Logger,
) MarkingWebhookService {
	return &markingWebhookService{
		activities:  activities,
		submissions: submissions,
		queue:       queue,
		results:     results,
		realtime:    realtime,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "marking_webhook_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-marking-api/internal/service/marking_webhook"),
	}
}

// Apply reconciles every result in the callback. Entries are isolated from each other: a failing entry
// is counted in Errors and its siblings still apply. Unknown and non-markable activities return
// ErrActivityNotFound and ErrActivityNotMarkable with every result counted as skipped.
func (s *markingWebhookService) Apply(ctx context.Context, req dto.MarkingWebhookRequest) (dto.MarkingWebhookResponse, error) {
	assignment, err := models.ParseGroupAssignmentID(req.GroupAssignmentID)
	if err != nil {
		return dto.MarkingWebhookResponse{}, fmt.Errorf("%w: %v", ErrInvalidAssignmentID, err)
	}

	spanCtx, span := s.tracer.Start(ctx, "marking_webhook.apply", trace.WithAttributes(
		attribute.String("assignment_id", assignment.ID()),
		attribute.String("activity_id", req.ActivityID),
		attribute.Int("results", len(req.Results)),
	))
	defer span.End()

	activity, err := s.activities.GetByID(spanCtx, req.ActivityID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.MarkingWebhookResults().WithLabelValues(resultSkipped).Add(float64(len(req.Results)))
			return dto.MarkingWebhookResponse{Success: false, Skipped: len(req.Results)}, ErrActivityNotFound
		}
		span.RecordError(err)
		return dto.MarkingWebhookResponse{}, err
	}

	if activity.LessonID != assignment.LessonID {
		span.SetStatus(codes.Error, "assignment mismatch")
		return dto.MarkingWebhookResponse{}, fmt.Errorf("%w: activity %s is not part of lesson %s", ErrInvalidAssignmentID, activity.ID, assignment.LessonID)
	}

	if !activity.IsMarkable() {
		observability.MarkingWebhookResults().WithLabelValues(resultSkipped).Add(float64(len(req.Results)))
		return dto.MarkingWebhookResponse{Success: true, Skipped: len(req.Results)}, ErrActivityNotMarkable
	}

	criterionIDs := activity.CriterionIDs()
	response := dto.MarkingWebhookResponse{}
	events := make([]dto.MarkingResultEvent, 0, len(req.Results))

	for _, entry := range req.Results {
		outcome, event, err := s.applyResultSafely(spanCtx, req, activity, criterionIDs, entry)
		observability.MarkingWebhookResults().WithLabelValues(outcome).Inc()

		switch outcome {
		case resultUpdated:
			response.Updated++
		case resultCreated:
			response.Created++
		case resultSkipped:
			response.Skipped++
		default:
			response.Errors++
			s.logger.Error().
				Err(err).
				Str("activity_id", activity.ID).
				Str("pupil_id", entry.PupilID).
				Msg("failed to apply marking result")
		}

		if event != nil {
			events = append(events, *event)
		}
	}

	response.Success = response.Errors == 0

	if response.Errors == 0 && s.results != nil {
		if err := s.results.Invalidate(spanCtx, assignment.ID()); err != nil {
			s.logger.Warn().Err(err).Str("assignment_id", assignment.ID()).Msg("failed to invalidate results cache")
		}
	}

	if s.realtime != nil && len(events) > 0 {
		if err := s.realtime.Publish(spanCtx, assignment.ID(), events); err != nil {
			s.logger.Warn().Err(err).Str("assignment_id", assignment.ID()).Msg("failed to publish marking results")
		}
	}

	s.logger.Info().
		Str("assignment_id", assignment.ID()).
		Str("activity_id", activity.ID).
		Int("updated", response.Updated).
		Int("created", response.Created).
		Int("skipped", response.Skipped).
		Int("errors", response.Errors).
		Msg("marking webhook applied")

	return response, nil
}

func (s *markingWebhookService) applyResultSafely(ctx context.Context, req dto.MarkingWebhookRequest, activity models.Activity, criterionIDs []string, entry dto.MarkingResultEntry) (outcome string, event *dto.MarkingResultEvent, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = resultError
			event = nil
			err = fmt.Errorf("panic applying marking result: %v", recovered)
		}
	}()

	return s.applyResult(ctx, req, activity, criterionIDs, entry)
}

func (s *markingWebhookService) applyResult(ctx context.Context, req dto.MarkingWebhookRequest, activity models.Activity, criterionIDs []string, entry dto.MarkingResultEntry) (string, *dto.MarkingResultEvent, error) {
	outcome := MarkingOutcome{
		Score:    entry.Score,
		Feedback: sanitizeFeedback(s.sanitizer, entry.Feedback),
	}

	submission, err := s.submissions.FindByActivityAndPupil(ctx, activity.ID, entry.PupilID)
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		answer, _ := req.AnswerFor(entry.PupilID)
		outcome.Answer = answer

		submission = models.Submission{ActivityID: activity.ID, PupilID: entry.PupilID}
		submission.SetAnswer(ReconcileAnswer(nil, outcome, criterionIDs))

		created, err := s.submissions.Create(ctx, &submission)
		if err != nil {
			return resultError, nil, err
		}
		if created {
			if err := s.completeJob(ctx, submission.ID); err != nil {
				return resultError, nil, err
			}
			return resultCreated, resultEvent(submission), nil
		}

		// Lost a create race; apply onto the row that won.
		submission, err = s.submissions.FindByActivityAndPupil(ctx, activity.ID, entry.PupilID)
		if err != nil {
			return resultError, nil, err
		}
	default:
		return resultError, nil, err
	}

	current := submission.Answer()
	next := ReconcileAnswer(&current, outcome, criterionIDs)

	result := resultSkipped
	if !next.Equal(current) {
		submission.SetAnswer(next)
		if err := s.submissions.UpdateBody(ctx, &submission); err != nil {
			return resultError, nil, err
		}
		result = resultUpdated
	}

	if err := s.completeJob(ctx, submission.ID); err != nil {
		return resultError, nil, err
	}

	if result == resultSkipped {
		return result, nil, nil
	}
	return result, resultEvent(submission), nil
}

func (s *markingWebhookService) completeJob(ctx context.Context, submissionID string) error {
	if s.queue == nil {
		return nil
	}
	if _, err := s.queue.CompleteProcessing(ctx, submissionID); err != nil {
		return err
	}
	return nil
}

func resultEvent(submission models.Submission) *dto.MarkingResultEvent {
	body := submission.Answer()
	return &dto.MarkingResultEvent{
		SubmissionID:          submission.ID,
		PupilID:               submission.PupilID,
		ActivityID:            submission.ActivityID,
		AIScore:               body.AIModelScore,
		AIFeedback:            body.AIModelFeedback,
		SuccessCriteriaScores: body.SuccessCriteriaScores,
	}
}

// sanitizeFeedback strips markup from model feedback. Feedback that is empty afterwards is dropped.
func sanitizeFeedback(policy *bluemonday.Policy, feedback *string) *string {
	if feedback == nil {
		return nil
	}
	clean := strings.TrimSpace(policy.Sanitize(*feedback))
	if clean == "" {
		return nil
	}
	return &clean
}
