package dto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidMarkingPayload indicates the webhook body failed structural validation.
var ErrInvalidMarkingPayload = errors.New("invalid marking payload")

const markingWebhookSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["results"],
  "allOf": [
    {"anyOf": [{"required": ["group_assignment_id"]}, {"required": ["groupAssignmentId"]}]},
    {"anyOf": [{"required": ["activity_id"]}, {"required": ["activityId"]}]}
  ],
  "properties": {
    "group_assignment_id": {"type": "string", "minLength": 1},
    "groupAssignmentId": {"type": "string", "minLength": 1},
    "activity_id": {"type": "string", "minLength": 1},
    "activityId": {"type": "string", "minLength": 1},
    "dataSent": {
      "type": ["object", "null"],
      "properties": {
        "pupil_answers": {"type": ["array", "null"], "items": {"type": "object"}}
      }
    },
    "results": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/definitions/result"}
    }
  },
  "definitions": {
    "identifier": {
      "anyOf": [
        {"type": "string", "minLength": 1},
        {"type": "integer", "minimum": 0}
      ]
    },
    "result": {
      "type": "object",
      "required": ["score"],
      "anyOf": [
        {"required": ["pupil_id"]},
        {"required": ["pupilId"]},
        {"required": ["pupilid"]}
      ],
      "properties": {
        "pupil_id": {"$ref": "#/definitions/identifier"},
        "pupilId": {"$ref": "#/definitions/identifier"},
        "pupilid": {"$ref": "#/definitions/identifier"},
        "score": {"type": "number", "minimum": 0, "maximum": 1},
        "feedback": {"type": ["string", "null"]}
      }
    }
  }
}`

var markingWebhookValidator = jsonschema.MustCompileString("marking_webhook.json", markingWebhookSchema)

// MarkingWebhookRequest is the canonical form of a marking service callback.
type MarkingWebhookRequest struct {
	GroupAssignmentID string
	ActivityID        string
	PupilAnswers      map[string]string
	Results           []MarkingResultEntry
}

// MarkingResultEntry is one learner's score within a callback.
type MarkingResultEntry struct {
	PupilID  string
	Score    float64
	Feedback *string
}

// AnswerFor returns the answer text the marking service echoed back for a pupil.
func (r MarkingWebhookRequest) AnswerFor(pupilID string) (string, bool) {
	answer, ok := r.PupilAnswers[pupilID]
	return answer, ok
}

// MarkingWebhookResponse summarises what a callback changed.
type MarkingWebhookResponse struct {
	Success bool `json:"success"`
	Updated int  `json:"updated"`
	Created int  `json:"created"`
	Skipped int  `json:"skipped"`
	Errors  int  `json:"errors"`
}

// MarkingResultEvent is pushed to realtime subscribers of an assignment when a result lands.
type MarkingResultEvent struct {
	SubmissionID          string             `json:"submissionId"`
	PupilID               string             `json:"pupilId"`
	ActivityID            string             `json:"activityId"`
	AIScore               *float64           `json:"aiScore"`
	AIFeedback            *string            `json:"aiFeedback"`
	SuccessCriteriaScores map[string]float64 `json:"successCriteriaScores"`
}

type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}

	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(value))
		return nil
	}

	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(number.String(), 10, 64); err != nil {
		return fmt.Errorf("identifier must be an integer: %w", err)
	}
	*f = flexibleID(number.String())
	return nil
}

type rawPupilAnswer struct {
	PupilID      flexibleID `json:"pupil_id"`
	PupilIDCamel flexibleID `json:"pupilId"`
	PupilIDLower flexibleID `json:"pupilid"`
	Answer       string     `json:"answer"`
}

type rawMarkingResult struct {
	PupilID      flexibleID `json:"pupil_id"`
	PupilIDCamel flexibleID `json:"pupilId"`
	PupilIDLower flexibleID `json:"pupilid"`
	Score        *float64   `json:"score"`
	Feedback     *string    `json:"feedback"`
}

type rawMarkingWebhook struct {
	GroupAssignmentID      string `json:"group_assignment_id"`
	GroupAssignmentIDCamel string `json:"groupAssignmentId"`
	ActivityID             string `json:"activity_id"`
	ActivityIDCamel        string `json:"activityId"`
	DataSent               *struct {
		PupilAnswers []rawPupilAnswer `json:"pupil_answers"`
	} `json:"dataSent"`
	Results []rawMarkingResult `json:"results"`
}

// DecodeMarkingWebhook validates a raw callback body and normalises the accepted field spellings
// into a MarkingWebhookRequest. Any structural problem rejects the whole payload.
func DecodeMarkingWebhook(body []byte) (MarkingWebhookRequest, error) {
	var document interface{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&document); err != nil {
		return MarkingWebhookRequest{}, fmt.Errorf("%w: malformed json: %v", ErrInvalidMarkingPayload, err)
	}

	if err := markingWebhookValidator.Validate(document); err != nil {
		return MarkingWebhookRequest{}, fmt.Errorf("%w: %v", ErrInvalidMarkingPayload, err)
	}

	var raw rawMarkingWebhook
	if err := json.Unmarshal(body, &raw); err != nil {
		return MarkingWebhookRequest{}, fmt.Errorf("%w: %v", ErrInvalidMarkingPayload, err)
	}

	request := MarkingWebhookRequest{
		GroupAssignmentID: firstNonEmpty(raw.GroupAssignmentID, raw.GroupAssignmentIDCamel),
		ActivityID:        firstNonEmpty(raw.ActivityID, raw.ActivityIDCamel),
		PupilAnswers:      map[string]string{},
		Results:           make([]MarkingResultEntry, 0, len(raw.Results)),
	}
	if request.GroupAssignmentID == "" || request.ActivityID == "" {
		return MarkingWebhookRequest{}, fmt.Errorf("%w: assignment and activity ids are required", ErrInvalidMarkingPayload)
	}

	if raw.DataSent != nil {
		for _, answer := range raw.DataSent.PupilAnswers {
			pupilID := resolvePupilID(answer.PupilID, answer.PupilIDCamel, answer.PupilIDLower)
			if pupilID == "" {
				continue
			}
			request.PupilAnswers[pupilID] = answer.Answer
		}
	}

	for index, result := range raw.Results {
		pupilID := resolvePupilID(result.PupilID, result.PupilIDCamel, result.PupilIDLower)
		if pupilID == "" {
			return MarkingWebhookRequest{}, fmt.Errorf("%w: results[%d] has no pupil id", ErrInvalidMarkingPayload, index)
		}
		if result.Score == nil {
			return MarkingWebhookRequest{}, fmt.Errorf("%w: results[%d] has no score", ErrInvalidMarkingPayload, index)
		}
		request.Results = append(request.Results, MarkingResultEntry{
			PupilID:  pupilID,
			Score:    *result.Score,
			Feedback: result.Feedback,
		})
	}

	return request, nil
}

func resolvePupilID(candidates ...flexibleID) string {
	for _, candidate := range candidates {
		if value := strings.TrimSpace(string(candidate)); value != "" {
			return value
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
