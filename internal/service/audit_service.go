package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-marking-api/internal/dto"
	"github.com/noah-isme/gema-marking-api/internal/models"
	"github.com/noah-isme/gema-marking-api/internal/repository"
)

// Audit actions recorded by the marking pipeline.
const (
	AuditActionOverride = "submission.override"
	AuditActionMarkNow  = "submission.mark"
	AuditActionRequeue  = "marking_job.requeue"
)

// Actor represents the authenticated user performing a manual action.
type Actor struct {
	ID   string
	Role string
}

// AuditEntry captures the details required to persist an audit entry.
type AuditEntry struct {
	Actor      Actor
	Action     string
	EntityType string
	EntityID   string
	Metadata   map[string]interface{}
}

// AuditRecorder defines behaviour for recording audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// AuditService exposes methods to query and persist audit entries.
type AuditService interface {
	AuditRecorder
	List(ctx context.Context, req dto.AuditLogListRequest) (dto.AuditLogListResponse, error)
}

type auditService struct {
	repo      repository.AuditLogRepository
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewAuditService constructs the audit log service.
func NewAuditService(repo repository.AuditLogRepository, validate *validator.Validate, logger zerolog.Logger) AuditService {
	return &auditService{
		repo:      repo,
		validator: validate,
		logger:    logger.With().Str("component", "audit_service").Logger(),
	}
}

func (s *auditService) Record(ctx context.Context, entry AuditEntry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return fmt.Errorf("action is required")
	}
	if strings.TrimSpace(entry.EntityType) == "" {
		return fmt.Errorf("entity type is required")
	}

	model := models.AuditLog{
		ActorID:    strings.TrimSpace(entry.Actor.ID),
		ActorRole:  normalizeRole(entry.Actor.Role),
		Action:     strings.ToLower(strings.TrimSpace(entry.Action)),
		EntityType: strings.ToLower(strings.TrimSpace(entry.EntityType)),
		EntityID:   entry.EntityID,
		Metadata:   sanitizeMetadata(entry.Metadata),
	}
	if model.ActorID == "" {
		model.ActorID = "system"
	}

	if err := s.repo.Create(ctx, &model); err != nil {
		s.logger.Error().Err(err).Str("action", model.Action).Msg("failed to persist audit log")
		return err
	}

	return nil
}

func (s *auditService) List(ctx context.Context, req dto.AuditLogListRequest) (dto.AuditLogListResponse, error) {
	if s.validator != nil {
		if err := s.validator.Struct(req); err != nil {
			return dto.AuditLogListResponse{}, err
		}
	}

	entries, total, err := s.repo.List(ctx, repository.AuditLogFilter{
		Page:       req.Page,
		PageSize:   req.PageSize,
		ActorID:    strings.TrimSpace(req.ActorID),
		Action:     strings.TrimSpace(req.Action),
		EntityType: strings.TrimSpace(req.EntityType),
		EntityID:   strings.TrimSpace(req.EntityID),
	})
	if err != nil {
		return dto.AuditLogListResponse{}, err
	}

	items := make([]dto.AuditLogResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, dto.NewAuditLogResponse(entry))
	}

	pagination := dto.PaginationMeta{
		Page:       maxInt(req.Page, 1),
		PageSize:   req.PageSize,
		TotalItems: total,
	}
	if req.PageSize > 0 {
		pagination.TotalPages = int(math.Ceil(float64(total) / float64(req.PageSize)))
	} else {
		pagination.TotalPages = 1
	}

	return dto.AuditLogListResponse{Items: items, Pagination: pagination}, nil
}

func sanitizeMetadata(metadata map[string]interface{}) datatypes.JSONMap {
	if metadata == nil {
		return datatypes.JSONMap{}
	}

	sanitized := datatypes.JSONMap{}
	for key, value := range metadata {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "email") || strings.Contains(lower, "token") || strings.Contains(lower, "secret") {
			sanitized[key] = "***"
			continue
		}
		sanitized[key] = value
	}
	return sanitized
}

func normalizeRole(role string) string {
	r := strings.ToLower(strings.TrimSpace(role))
	if r == "" {
		return "system"
	}
	return r
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
