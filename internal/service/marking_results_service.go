package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-marking-api/internal/dto"
	"github.com/noah-isme/gema-marking-api/internal/observability"
)

const markingResultBufferSize = 32

// MarkingResultsService fans marking results out to live results views on every node.
type MarkingResultsService interface {
	Publish(ctx context.Context, assignmentID string, events []dto.MarkingResultEvent) error
	Subscribe(assignmentID string) (<-chan dto.MarkingResultEvent, func())
	Start(ctx context.Context)
}

type markingResultsService struct {
	redis        *redis.Client
	redisPrefix  string
	nats         *nats.Conn
	natsPrefix   string
	logger       zerolog.Logger
	tracer       trace.Tracer
	broker       *markingResultBroker
	nodeID       string
	redisReadyCh chan struct{}
}

type markingResultEnvelope struct {
	Source       string                   `json:"source"`
	AssignmentID string                   `json:"assignment_id"`
	Events       []dto.MarkingResultEvent `json:"events"`
	SentAt       time.Time                `json:"sent_at"`
}

type markingResultBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan dto.MarkingResultEvent]struct{}
}

// NewMarkingResultsService constructs the fan-out service. Redis and NATS are optional; without them
// events only reach subscribers connected to this node.
func NewMarkingResultsService(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) MarkingResultsService {
	redisPrefix := ""
	natsPrefix := ""
	if channelBase != "" {
		redisPrefix = channelBase + ":marking:"
		natsPrefix = strings.ReplaceAll(channelBase, ":", ".") + ".marking."
	}

	return &markingResultsService{
		redis:       redisClient,
		redisPrefix: redisPrefix,
		nats:        natsConn,
		natsPrefix:  natsPrefix,
		logger:      logger.With().Str("component", "marking_results_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-marking-api/internal/service/marking_results"),
		broker: &markingResultBroker{
			subscribers: make(map[string]map[chan dto.MarkingResultEvent]struct{}),
		},
		nodeID:       uuid.NewString(),
		redisReadyCh: make(chan struct{}),
	}
}

func (s *markingResultsService) Start(ctx context.Context) {
	if s.redis != nil && s.redisPrefix != "" {
		go s.consumeRedis(ctx)
	} else {
		close(s.redisReadyCh)
	}
	if s.nats != nil && s.natsPrefix != "" {
		s.consumeNATS(ctx)
	}
}

// Publish collapses the batch per learner and activity, delivers it to local subscribers and forwards it
// to the other nodes.
func (s *markingResultsService) Publish(ctx context.Context, assignmentID string, events []dto.MarkingResultEvent) error {
	events = DedupeResultEvents(events)
	if len(events) == 0 || strings.TrimSpace(assignmentID) == "" {
		return nil
	}

	spanCtx, span := s.tracer.Start(ctx, "marking_results.publish", trace.WithAttributes(
		attribute.String("assignment_id", assignmentID),
		attribute.Int("events", len(events)),
	))
	defer span.End()

	s.broker.broadcast(assignmentID, events)
	observability.MarkingRealtimeEvents().WithLabelValues("local").Add(float64(len(events)))

	envelope := markingResultEnvelope{
		Source:       s.nodeID,
		AssignmentID: assignmentID,
		Events:       events,
		SentAt:       time.Now().UTC(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		span.RecordError(err)
		return err
	}

	var publishErr error
	if s.redis != nil && s.redisPrefix != "" {
		if err := s.redis.Publish(spanCtx, s.redisPrefix+assignmentID, payload).Err(); err != nil {
			publishErr = errors.Join(publishErr, err)
		}
	}
	if s.nats != nil && s.natsPrefix != "" {
		if err := s.nats.Publish(s.natsPrefix+natsToken(assignmentID), payload); err != nil {
			publishErr = errors.Join(publishErr, err)
		}
	}
	if publishErr != nil {
		span.RecordError(publishErr)
	}

	return publishErr
}

func (s *markingResultsService) Subscribe(assignmentID string) (<-chan dto.MarkingResultEvent, func()) {
	channel := make(chan dto.MarkingResultEvent, markingResultBufferSize)

	s.broker.subscribe(assignmentID, channel)
	observability.StreamClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(assignmentID, channel)
			observability.StreamClientsActive().Dec()
		})
	}

	return channel, cleanup
}

// DedupeResultEvents keeps the last event per activity and learner, in order of first appearance.
func DedupeResultEvents(events []dto.MarkingResultEvent) []dto.MarkingResultEvent {
	if len(events) == 0 {
		return nil
	}

	type key struct{ activity, pupil string }
	index := make(map[key]int, len(events))
	deduped := make([]dto.MarkingResultEvent, 0, len(events))

	for _, event := range events {
		k := key{activity: event.ActivityID, pupil: event.PupilID}
		if position, ok := index[k]; ok {
			deduped[position] = event
			continue
		}
		index[k] = len(deduped)
		deduped = append(deduped, event)
	}

	return deduped
}

func (s *markingResultsService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.PSubscribe(ctx, s.redisPrefix+"*")
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to marking results channel")
		close(s.redisReadyCh)
		return
	}
	close(s.redisReadyCh)

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("marking results redis subscription closed")
			return
		}
		s.handleEnvelope([]byte(msg.Payload))
	}
}

func (s *markingResultsService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.Subscribe(s.natsPrefix+">", func(msg *nats.Msg) {
		s.handleEnvelope(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats marking results subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain marking results nats subscription")
		}
	}()
}

func (s *markingResultsService) handleEnvelope(payload []byte) {
	var envelope markingResultEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger.Warn().Err(err).Msg("invalid marking result payload")
		return
	}

	if envelope.Source == s.nodeID || envelope.AssignmentID == "" {
		return
	}

	events := DedupeResultEvents(envelope.Events)
	observability.MarkingRealtimeEvents().WithLabelValues("remote").Add(float64(len(events)))
	s.broker.broadcast(envelope.AssignmentID, events)
}

// natsToken keeps an assignment id inside a single subject token.
func natsToken(value string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(value)
}

func (b *markingResultBroker) subscribe(assignmentID string, ch chan dto.MarkingResultEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[assignmentID]; !exists {
		b.subscribers[assignmentID] = make(map[chan dto.MarkingResultEvent]struct{})
	}
	b.subscribers[assignmentID][ch] = struct{}{}
}

func (b *markingResultBroker) unsubscribe(assignmentID string, ch chan dto.MarkingResultEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[assignmentID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, assignmentID)
		}
	}
}

func (b *markingResultBroker) broadcast(assignmentID string, events []dto.MarkingResultEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[assignmentID] {
		for _, event := range events {
			select {
			case ch <- event:
			default:
			}
		}
	}
}
