package service

import "errors"

var (
	// ErrMarkingNotConfigured signals a missing secret or callback URL. It is never retried.
	ErrMarkingNotConfigured = errors.New("marking pipeline is not configured")
	// ErrInvalidAssignmentID is returned when a group assignment id cannot be decoded.
	ErrInvalidAssignmentID = errors.New("invalid group assignment id")
	// ErrSubmissionNotFound is returned when a submission id does not resolve.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrActivityNotFound is returned when an activity id does not resolve.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrActivityNotMarkable is returned when AI marking is requested for an activity type it cannot score.
	ErrActivityNotMarkable = errors.New("activity type is not marked automatically")
	// ErrMarkingJobNotFound is returned when a queue id does not resolve.
	ErrMarkingJobNotFound = errors.New("marking job not found")
	// ErrMarkingJobNotRetryable is returned when an operator retries a job that has not failed.
	ErrMarkingJobNotRetryable = errors.New("only failed marking jobs can be retried")
)
