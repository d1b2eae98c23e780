package ai

import "context"

// MarkingRequest is the payload sent to an external marker for one learner answer.
type MarkingRequest struct {
	Question          string `json:"question"`
	ModelAnswer       string `json:"model_answer"`
	PupilAnswer       string `json:"pupil_answer"`
	WebhookURL        string `json:"webhook_url,omitempty"`
	GroupAssignmentID string `json:"group_assignment_id"`
	ActivityID        string `json:"activity_id"`
	PupilID           string `json:"pupil_id"`
	SubmissionID      string `json:"submission_id"`
}

// MarkingResult is a score returned inline by a marker.
type MarkingResult struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// DispatchResult describes how far an asynchronous marking request got.
type DispatchResult struct {
	StatusCode int
	// TimedOut is set when the request was written but the wait for a response ran out.
	// The marker is then expected to answer through the webhook.
	TimedOut bool
}

// Dispatcher hands a marking request to a service that reports back through the webhook.
type Dispatcher interface {
	Dispatch(ctx context.Context, req MarkingRequest) (DispatchResult, error)
}

// Marker scores an answer and waits for the result.
type Marker interface {
	Mark(ctx context.Context, req MarkingRequest) (MarkingResult, error)
}
