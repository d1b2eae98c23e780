package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-marking-api/internal/dto"
	"github.com/noah-isme/gema-marking-api/internal/models"
	"github.com/noah-isme/gema-marking-api/internal/repository"
	"github.com/noah-isme/gema-marking-api/internal/scoring"
	"github.com/noah-isme/gema-marking-api/pkg/ai"
)

// SubmissionService handles learner answers and teacher marking actions.
type SubmissionService interface {
	SaveAnswer(ctx context.Context, pupilID, activityID string, req dto.SaveAnswerRequest) (dto.SubmissionResponse, error)
	ApplyOverride(ctx context.Context, actor Actor, submissionID string, req dto.OverrideRequest) (dto.SubmissionResponse, error)
	MarkNow(ctx context.Context, actor Actor, submissionID string, req dto.MarkNowRequest) (dto.SubmissionResponse, error)
	Get(ctx context.Context, submissionID string) (dto.SubmissionResponse, error)
}

type submissionService struct {
	submissions repository.SubmissionRepository
	activities  repository.ActivityRepository
	queue       MarkingQueueService
	marker      ai.Marker
	results     AssignmentResultsService
	realtime    MarkingResultsService
	audit       AuditRecorder
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// SubmissionServiceDeps groups the collaborators of the submission service.
type SubmissionServiceDeps struct {
	Submissions repository.SubmissionRepository
	Activities  repository.ActivityRepository
	Queue       MarkingQueueService
	Marker      ai.Marker
	Results     AssignmentResultsService
	Realtime    MarkingResultsService
	Audit       AuditRecorder
	Validator   *validator.Validate
}

// NewSubmissionService constructs the submission service.
func NewSubmissionService(deps SubmissionServiceDeps, logger zerolog.Logger) SubmissionService {
	validate := deps.Validator
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}

	return &submissionService{
		submissions: deps.Submissions,
		activities:  deps.Activities,
		queue:       deps.Queue,
		marker:      deps.Marker,
		results:     deps.Results,
		realtime:    deps.Realtime,
		audit:       deps.Audit,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "submission_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-marking-api/internal/service/submission"),
		now:         time.Now,
	}
}

// SaveAnswer stores the learner's answer and, for markable activities, queues it for AI marking.
// A changed answer drops the previous AI result; a teacher override is kept.
func (s *submissionService) SaveAnswer(ctx context.Context, pupilID, activityID string, req dto.SaveAnswerRequest) (dto.SubmissionResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.SubmissionResponse{}, err
	}
	if strings.TrimSpace(pupilID) == "" {
		return dto.SubmissionResponse{}, errors.New("pupil id is required")
	}

	spanCtx, span := s.tracer.Start(ctx, "submissions.save_answer", trace.WithAttributes(
		attribute.String("activity_id", activityID),
		attribute.String("pupil_id", pupilID),
	))
	defer span.End()

	activity, assignment, err := s.loadActivity(spanCtx, activityID, req.GroupAssignmentID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	criterionIDs := activity.CriterionIDs()

	submission, needsMarking, err := s.upsertAnswer(spanCtx, activity.ID, pupilID, req.Answer, criterionIDs)
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}

	response := dto.NewSubmissionResponse(submission)

	if needsMarking && activity.IsMarkable() && strings.TrimSpace(req.Answer) != "" && s.queue != nil {
		created, err := s.queue.Enqueue(spanCtx, submission.ID, assignment.ID())
		if err != nil {
			s.logger.Error().Err(err).Str("submission_id", submission.ID).Msg("failed to enqueue marking job")
		}
		response.MarkingQueued = created
	}

	s.invalidate(spanCtx, assignment.ID())

	return response, nil
}

func (s *submissionService) upsertAnswer(ctx context.Context, activityID, pupilID, answer string, criterionIDs []string) (models.Submission, bool, error) {
	now := s.now().UTC()

	submission, err := s.submissions.FindByActivityAndPupil(ctx, activityID, pupilID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		submission = models.Submission{ActivityID: activityID, PupilID: pupilID, SubmittedAt: now}
		submission.SetAnswer(applyDerivedScores(models.AnswerBody{Answer: answer}, criterionIDs))

		created, err := s.submissions.Create(ctx, &submission)
		if err != nil {
			return models.Submission{}, false, err
		}
		if created {
			return submission, true, nil
		}

		submission, err = s.submissions.FindByActivityAndPupil(ctx, activityID, pupilID)
		if err != nil {
			return models.Submission{}, false, err
		}
	} else if err != nil {
		return models.Submission{}, false, err
	}

	body := submission.Answer()
	needsMarking := body.AIModelScore == nil
	if body.Answer != answer {
		body.Answer = answer
		body.AIModelScore = nil
		body.AIModelFeedback = nil
		needsMarking = true
	}

	submission.SetAnswer(applyDerivedScores(body, criterionIDs))
	submission.SubmittedAt = now
	if err := s.submissions.UpdateBody(ctx, &submission); err != nil {
		return models.Submission{}, false, err
	}

	return submission, needsMarking, nil
}

// ApplyOverride sets or clears the teacher override and recomputes the derived scores.
func (s *submissionService) ApplyOverride(ctx context.Context, actor Actor, submissionID string, req dto.OverrideRequest) (dto.SubmissionResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.SubmissionResponse{}, err
	}

	spanCtx, span := s.tracer.Start(ctx, "submissions.override", trace.WithAttributes(
		attribute.String("submission_id", submissionID),
	))
	defer span.End()

	submission, activity, err := s.loadSubmission(spanCtx, submissionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	body := submission.Answer()
	previous := body.TeacherOverrideScore
	if req.Score != nil {
		value := scoring.ClampScore(*req.Score)
		body.TeacherOverrideScore = &value
	} else {
		body.TeacherOverrideScore = nil
	}

	submission.SetAnswer(applyDerivedScores(body, activity.CriterionIDs()))
	if err := s.submissions.UpdateBody(spanCtx, &submission); err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}

	s.record(spanCtx, AuditEntry{
		Actor:      actor,
		Action:     AuditActionOverride,
		EntityType: "submission",
		EntityID:   submission.ID,
		Metadata: map[string]interface{}{
			"previous_score": previous,
			"score":          body.TeacherOverrideScore,
		},
	})
	s.announce(spanCtx, req.GroupAssignmentID, submission)

	return dto.NewSubmissionResponse(submission), nil
}

// MarkNow scores the submission synchronously and applies the result like a webhook would.
// It does not touch the marking queue.
func (s *submissionService) MarkNow(ctx context.Context, actor Actor, submissionID string, req dto.MarkNowRequest) (dto.SubmissionResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.SubmissionResponse{}, err
	}
	if s.marker == nil {
		return dto.SubmissionResponse{}, fmt.Errorf("%w: no synchronous marker", ErrMarkingNotConfigured)
	}

	spanCtx, span := s.tracer.Start(ctx, "submissions.mark_now", trace.WithAttributes(
		attribute.String("submission_id", submissionID),
	))
	defer span.End()

	submission, activity, err := s.loadSubmission(spanCtx, submissionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	if !activity.IsMarkable() {
		return dto.SubmissionResponse{}, ErrActivityNotMarkable
	}

	current := submission.Answer()
	result, err := s.marker.Mark(spanCtx, ai.MarkingRequest{
		Question:          activity.Question,
		ModelAnswer:       activity.ModelAnswer,
		PupilAnswer:       current.Answer,
		GroupAssignmentID: req.GroupAssignmentID,
		ActivityID:        activity.ID,
		PupilID:           submission.PupilID,
		SubmissionID:      submission.ID,
	})
	if err != nil {
		span.RecordError(err)
		return dto.SubmissionResponse{}, err
	}

	feedback := result.Feedback
	next := ReconcileAnswer(&current, MarkingOutcome{
		Score:    result.Score,
		Feedback: sanitizeFeedback(s.sanitizer, &feedback),
	}, activity.CriterionIDs())

	if !next.Equal(current) {
		submission.SetAnswer(next)
		if err := s.submissions.UpdateBody(spanCtx, &submission); err != nil {
			span.RecordError(err)
			return dto.SubmissionResponse{}, err
		}
	}

	s.record(spanCtx, AuditEntry{
		Actor:      actor,
		Action:     AuditActionMarkNow,
		EntityType: "submission",
		EntityID:   submission.ID,
		Metadata:   map[string]interface{}{"score": next.AIModelScore},
	})
	s.announce(spanCtx, req.GroupAssignmentID, submission)

	return dto.NewSubmissionResponse(submission), nil
}

func (s *submissionService) Get(ctx context.Context, submissionID string) (dto.SubmissionResponse, error) {
	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionResponse{}, ErrSubmissionNotFound
		}
		return dto.SubmissionResponse{}, err
	}
	return dto.NewSubmissionResponse(submission), nil
}

func (s *submissionService) loadActivity(ctx context.Context, activityID, assignmentID string) (models.Activity, models.GroupAssignment, error) {
	assignment, err := models.ParseGroupAssignmentID(assignmentID)
	if err != nil {
		return models.Activity{}, models.GroupAssignment{}, fmt.Errorf("%w: %v", ErrInvalidAssignmentID, err)
	}

	activity, err := s.activities.GetByID(ctx, activityID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Activity{}, models.GroupAssignment{}, ErrActivityNotFound
		}
		return models.Activity{}, models.GroupAssignment{}, err
	}

	if activity.LessonID != assignment.LessonID {
		return models.Activity{}, models.GroupAssignment{}, fmt.Errorf("%w: activity %s is not part of lesson %s", ErrInvalidAssignmentID, activity.ID, assignment.LessonID)
	}

	return activity, assignment, nil
}

func (s *submissionService) loadSubmission(ctx context.Context, submissionID string) (models.Submission, models.Activity, error) {
	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, models.Activity{}, ErrSubmissionNotFound
		}
		return models.Submission{}, models.Activity{}, err
	}

	activity, err := s.activities.GetByID(ctx, submission.ActivityID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, models.Activity{}, ErrActivityNotFound
		}
		return models.Submission{}, models.Activity{}, err
	}

	return submission, activity, nil
}

func (s *submissionService) record(ctx context.Context, entry AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", entry.Action).Msg("failed to record audit entry")
	}
}

func (s *submissionService) invalidate(ctx context.Context, assignmentID string) {
	if s.results == nil || assignmentID == "" {
		return
	}
	if err := s.results.Invalidate(ctx, assignmentID); err != nil {
		s.logger.Warn().Err(err).Str("assignment_id", assignmentID).Msg("failed to invalidate results cache")
	}
}

// announce refreshes the results view of the assignment the teacher is looking at, when known.
func (s *submissionService) announce(ctx context.Context, assignmentID string, submission models.Submission) {
	assignmentID = strings.TrimSpace(assignmentID)
	if assignmentID == "" {
		return
	}
	if _, err := models.ParseGroupAssignmentID(assignmentID); err != nil {
		s.logger.Warn().Str("assignment_id", assignmentID).Msg("ignoring malformed assignment id")
		return
	}

	s.invalidate(ctx, assignmentID)
	if s.realtime == nil {
		return
	}
	if err := s.realtime.Publish(ctx, assignmentID, []dto.MarkingResultEvent{*resultEvent(submission)}); err != nil {
		s.logger.Warn().Err(err).Str("assignment_id", assignmentID).Msg("failed to publish marking result")
	}
}
