package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-marking-api/internal/scoring"
)

// ServiceKeyHeader carries the shared secret on requests to and from the marking service.
const ServiceKeyHeader = "mark-service-key"

var (
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "marking_service",
		Name:      "request_duration_seconds",
		Help:      "Duration of requests to the external marking service",
	}, []string{"operation"})

	dispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "marking_service",
		Name:      "requests_total",
		Help:      "Requests to the external marking service by outcome",
	}, []string{"operation", "outcome"})
)

// ErrMarkingServiceStatus is returned when the marking service answers with a non-2xx status.
var ErrMarkingServiceStatus = errors.New("marking service returned error status")

// ServiceClientConfig configures the HTTP client for the external marking service.
type ServiceClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// ServiceClient talks to the external marking service over HTTP.
type ServiceClient struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewServiceClient validates the configuration and builds a client.
func NewServiceClient(cfg ServiceClientConfig) (*ServiceClient, error) {
	endpoint := strings.TrimSpace(cfg.BaseURL)
	if endpoint == "" {
		return nil, fmt.Errorf("marking service url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &ServiceClient{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		timeout:  timeout,
		client:   client,
		tracer:   otel.Tracer("github.com/noah-isme/gema-marking-api/pkg/ai/service"),
		logger:   cfg.Logger.With().Str("component", "marking_service_client").Logger(),
	}, nil
}

// Dispatch posts the request and returns once the service acknowledged it or the wait bound ran out.
// Running out of time after the request body was fully written is reported as TimedOut without error,
// because the service answers through the webhook.
func (c *ServiceClient) Dispatch(parent context.Context, req MarkingRequest) (DispatchResult, error) {
	ctx, span := c.tracer.Start(parent, "marking_service.dispatch", trace.WithAttributes(
		attribute.String("submission_id", req.SubmissionID),
		attribute.String("activity_id", req.ActivityID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var written atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				written.Store(true)
			}
		},
	})

	start := time.Now()
	resp, err := c.post(ctx, req)
	dispatchDuration.WithLabelValues("dispatch").Observe(time.Since(start).Seconds())
	if err != nil {
		if written.Load() && isTimeout(err) {
			dispatchOutcomes.WithLabelValues("dispatch", "timeout").Inc()
			span.SetAttributes(attribute.Bool("timed_out", true))
			c.logger.Debug().Str("submission_id", req.SubmissionID).Msg("marking service did not answer in time; awaiting webhook")
			return DispatchResult{TimedOut: true}, nil
		}
		dispatchOutcomes.WithLabelValues("dispatch", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return DispatchResult{}, fmt.Errorf("dispatch marking request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		dispatchOutcomes.WithLabelValues("dispatch", "status").Inc()
		err := fmt.Errorf("%w: %d", ErrMarkingServiceStatus, resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return DispatchResult{StatusCode: resp.StatusCode}, err
	}

	dispatchOutcomes.WithLabelValues("dispatch", "ok").Inc()
	return DispatchResult{StatusCode: resp.StatusCode}, nil
}

// Mark posts the request and waits for an inline score.
func (c *ServiceClient) Mark(parent context.Context, req MarkingRequest) (MarkingResult, error) {
	ctx, span := c.tracer.Start(parent, "marking_service.mark", trace.WithAttributes(
		attribute.String("submission_id", req.SubmissionID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req.WebhookURL = ""
	start := time.Now()
	resp, err := c.post(ctx, req)
	dispatchDuration.WithLabelValues("mark").Observe(time.Since(start).Seconds())
	if err != nil {
		dispatchOutcomes.WithLabelValues("mark", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return MarkingResult{}, fmt.Errorf("mark answer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		dispatchOutcomes.WithLabelValues("mark", "error").Inc()
		return MarkingResult{}, fmt.Errorf("read marking response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		dispatchOutcomes.WithLabelValues("mark", "status").Inc()
		err := fmt.Errorf("%w: %d", ErrMarkingServiceStatus, resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return MarkingResult{}, err
	}

	result, err := parseMarkingResponse(body)
	if err != nil {
		dispatchOutcomes.WithLabelValues("mark", "invalid").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return MarkingResult{}, err
	}

	dispatchOutcomes.WithLabelValues("mark", "ok").Inc()
	return result, nil
}

func (c *ServiceClient) post(ctx context.Context, req MarkingRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode marking request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build marking request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(ServiceKeyHeader, c.apiKey)
	}

	return c.client.Do(httpReq)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseMarkingResponse accepts either a bare {score, feedback} object or the webhook shape with a
// results array, in which case the first entry is used.
func parseMarkingResponse(body []byte) (MarkingResult, error) {
	type entry struct {
		Score    *float64 `json:"score"`
		Feedback *string  `json:"feedback"`
	}
	var payload struct {
		entry
		Results []entry `json:"results"`
	}

	if err := json.Unmarshal(body, &payload); err != nil {
		return MarkingResult{}, fmt.Errorf("parse marking json: %w", err)
	}

	chosen := payload.entry
	if chosen.Score == nil && len(payload.Results) > 0 {
		chosen = payload.Results[0]
	}
	if chosen.Score == nil {
		return MarkingResult{}, fmt.Errorf("marking response has no score")
	}

	result := MarkingResult{Score: scoring.ClampScore(*chosen.Score)}
	if chosen.Feedback != nil {
		result.Feedback = *chosen.Feedback
	}
	return result, nil
}
