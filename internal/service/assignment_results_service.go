package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-marking-api/internal/dto"
	"github.com/noah-isme/gema-marking-api/internal/models"
	"github.com/noah-isme/gema-marking-api/internal/repository"
	"github.com/noah-isme/gema-marking-api/internal/scoring"
)

// AssignmentResultsService builds the per-assignment results view shown to teachers.
type AssignmentResultsService interface {
	GetResults(ctx context.Context, assignmentID string) (dto.AssignmentResultsResponse, error)
	Invalidate(ctx context.Context, assignmentID string) error
}

type assignmentResultsService struct {
	activities  repository.ActivityRepository
	submissions repository.SubmissionRepository
	cache       *redis.Client
	cacheTTL    time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// NewAssignmentResultsService builds the results aggregator.
func NewAssignmentResultsService(activities repository.ActivityRepository, submissions repository.SubmissionRepository, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) AssignmentResultsService {
	return &assignmentResultsService{
		activities:  activities,
		submissions: submissions,
		cache:       cache,
		cacheTTL:    ttl,
		logger:      logger.With().Str("component", "assignment_results_service").Logger(),
		now:         time.Now,
	}
}

func resultsCacheKey(assignmentID string) string {
	return fmt.Sprintf("marking:results:%s", assignmentID)
}

func (s *assignmentResultsService) GetResults(ctx context.Context, assignmentID string) (dto.AssignmentResultsResponse, error) {
	assignment, err := models.ParseGroupAssignmentID(assignmentID)
	if err != nil {
		return dto.AssignmentResultsResponse{}, fmt.Errorf("%w: %v", ErrInvalidAssignmentID, err)
	}

	cacheKey := resultsCacheKey(assignment.ID())
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var response dto.AssignmentResultsResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &response); unmarshalErr == nil {
				s.logger.Debug().Str("assignment_id", assignmentID).Msg("results cache hit")
				return response, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read results cache")
		}
	}

	activities, err := s.activities.ListByLesson(ctx, assignment.LessonID)
	if err != nil {
		return dto.AssignmentResultsResponse{}, err
	}

	activityIDs := make([]string, 0, len(activities))
	for _, activity := range activities {
		activityIDs = append(activityIDs, activity.ID)
	}

	submissions, err := s.submissions.ListByActivities(ctx, activityIDs)
	if err != nil {
		return dto.AssignmentResultsResponse{}, err
	}

	response := s.buildResponse(assignment, activities, submissions)

	if s.cache != nil && s.cacheTTL > 0 {
		payload, err := json.Marshal(response)
		if err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store results cache")
			}
		}
	}

	return response, nil
}

func (s *assignmentResultsService) Invalidate(ctx context.Context, assignmentID string) error {
	if s.cache == nil {
		return nil
	}
	assignment, err := models.ParseGroupAssignmentID(assignmentID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAssignmentID, err)
	}
	return s.cache.Del(ctx, resultsCacheKey(assignment.ID())).Err()
}

func (s *assignmentResultsService) buildResponse(assignment models.GroupAssignment, activities []models.Activity, submissions []models.Submission) dto.AssignmentResultsResponse {
	byActivity := make(map[string][]models.Submission, len(activities))
	for _, submission := range submissions {
		byActivity[submission.ActivityID] = append(byActivity[submission.ActivityID], submission)
	}

	results := make([]dto.ActivityResults, 0, len(activities))
	for _, activity := range activities {
		criterionIDs := activity.CriterionIDs()
		rows := make([]dto.SubmissionResponse, 0, len(byActivity[activity.ID]))
		for _, submission := range byActivity[activity.ID] {
			row := dto.NewSubmissionResponse(submission)
			// Criteria may have been edited since the answer was marked.
			fill := 0.0
			if row.EffectiveScore != nil {
				fill = *row.EffectiveScore
			}
			row.SuccessCriteriaScores = scoring.NormaliseSuccessCriteriaScores(criterionIDs, row.SuccessCriteriaScores, fill)
			rows = append(rows, row)
		}

		results = append(results, dto.ActivityResults{
			ActivityID:   activity.ID,
			Title:        activity.Title,
			Type:         activity.Type,
			CriterionIDs: criterionIDs,
			Submissions:  rows,
		})
	}

	return dto.AssignmentResultsResponse{
		AssignmentID: assignment.ID(),
		GroupID:      assignment.GroupID,
		LessonID:     assignment.LessonID,
		Activities:   results,
		GeneratedAt:  s.now().UTC(),
	}
}
