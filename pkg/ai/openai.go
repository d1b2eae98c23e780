package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/gema-marking-api/internal/scoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "marking_duration_seconds",
		Help:      "Duration of AI marking requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "marking_failures_total",
		Help:      "Number of AI marking failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI marker.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIMarker implements Marker against the OpenAI chat completion API.
type OpenAIMarker struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIMarker builds a new marker using the provided configuration.
func NewOpenAIMarker(cfg OpenAIConfig) (*OpenAIMarker, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 256
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIMarker{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-marking-api/pkg/ai/openai"),
		logger: cfg.Logger.With().Str("component", "openai_marker").Logger(),
	}, nil
}

// Mark asks the model to score the pupil answer against the model answer.
func (m *OpenAIMarker) Mark(parent context.Context, req MarkingRequest) (MarkingResult, error) {
	ctx, span := m.tracer.Start(parent, "openai.mark", trace.WithAttributes(
		attribute.String("model", m.cfg.Model),
		attribute.String("submission_id", req.SubmissionID),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       m.cfg.Model,
		MaxTokens:   m.cfg.MaxTokens,
		Temperature: m.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: markerSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildMarkingPrompt(req),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := m.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(m.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return MarkingResult{}, m.fail(span, fmt.Errorf("openai mark: %w", err))
	}

	if len(resp.Choices) == 0 {
		return MarkingResult{}, m.fail(span, fmt.Errorf("no choices returned from openai"))
	}

	result, err := parseModelMarking(strings.TrimSpace(resp.Choices[0].Message.Content))
	if err != nil {
		return MarkingResult{}, m.fail(span, err)
	}

	m.logger.Debug().
		Str("submission_id", req.SubmissionID).
		Int("total_tokens", resp.Usage.TotalTokens).
		Msg("answer marked")

	return result, nil
}

func (m *OpenAIMarker) fail(span trace.Span, err error) error {
	aiFailures.WithLabelValues(m.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func markerSystemPrompt() string {
	return "You mark short written answers from school pupils. Compare the pupil answer with the model answer and " +
		"respond with a JSON object containing score (0-1) and feedback (one or two encouraging sentences addressed to the pupil)."
}

func buildMarkingPrompt(req MarkingRequest) string {
	builder := strings.Builder{}
	builder.WriteString("## Question\n")
	builder.WriteString(req.Question)
	builder.WriteString("\n\n## Model Answer\n")
	builder.WriteString(req.ModelAnswer)
	builder.WriteString("\n\n## Pupil Answer\n")
	builder.WriteString(req.PupilAnswer)
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func parseModelMarking(content string) (MarkingResult, error) {
	type payload struct {
		Score    *float64 `json:"score"`
		Feedback string   `json:"feedback"`
	}

	var data payload
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return MarkingResult{}, fmt.Errorf("parse marking json: %w", err)
	}
	if data.Score == nil {
		return MarkingResult{}, fmt.Errorf("model response has no score")
	}

	return MarkingResult{
		Score:    scoring.ClampScore(*data.Score),
		Feedback: strings.TrimSpace(data.Feedback),
	}, nil
}
