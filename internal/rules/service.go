package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"can-logger/ingestion/internal/domain"
)

var ErrInvalidRule = errors.New("invalid alert rule")

type Store interface {
	Lister
	InsertRule(ctx context.Context, r domain.AlertRule) (int64, error)
	DeleteRule(ctx context.Context, id int64) error
	ListTriggered(ctx context.Context, limit, offset int) ([]domain.TriggeredAlert, error)
}

type CreateRequest struct {
	Name        string              `json:"name"`
	Field       string              `json:"field"`
	Category    string              `json:"category"`
	Kind        domain.AlertKind    `json:"type"`
	BoolValue   *bool               `json:"bool_value,omitempty"`
	Comparisons []domain.Comparison `json:"comparisons,omitempty"`
}

// Service is the management side of alert rules.
type Service struct {
	log    *slog.Logger
	store  Store
	set    *Set
	schema *domain.Schema
}

func NewService(log *slog.Logger, store Store, set *Set, schema *domain.Schema) *Service {
	return &Service{log: log, store: store, set: set, schema: schema}
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (int64, error) {
	rule, err := s.validate(req)
	if err != nil {
		return 0, err
	}
	id, err := s.store.InsertRule(ctx, rule)
	if err != nil {
		return 0, err
	}
	s.refresh(ctx)
	return id, nil
}

func (s *Service) validate(req CreateRequest) (domain.AlertRule, error) {
	rule := domain.AlertRule{
		Name:     strings.TrimSpace(req.Name),
		Field:    strings.TrimSpace(req.Field),
		Category: strings.TrimSpace(req.Category),
		Kind:     req.Kind,
	}
	if rule.Name == "" {
		return rule, fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if !s.schema.HasField(rule.Field) {
		return rule, fmt.Errorf("%w: unknown signal %q", ErrInvalidRule, rule.Field)
	}

	switch rule.Kind {
	case domain.AlertKindBool:
		if req.BoolValue == nil {
			return rule, fmt.Errorf("%w: bool_value is required for bool rules", ErrInvalidRule)
		}
		rule.BoolValue = strconv.FormatBool(*req.BoolValue)
	case domain.AlertKindInt:
		if len(req.Comparisons) == 0 {
			return rule, fmt.Errorf("%w: int rules need at least one comparison", ErrInvalidRule)
		}
		for _, c := range req.Comparisons {
			if _, err := domain.ParseOperator(string(c.Operator)); err != nil {
				return rule, fmt.Errorf("%w: %w", ErrInvalidRule, err)
			}
		}
		b, err := json.Marshal(req.Comparisons)
		if err != nil {
			return rule, fmt.Errorf("%w: %w", ErrInvalidRule, err)
		}
		rule.Comparisons = string(b)
	default:
		return rule, fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Kind)
	}
	return rule, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.refresh(ctx)
	return nil
}

func (s *Service) List(ctx context.Context) ([]domain.AlertRule, error) {
	return s.store.ListRules(ctx)
}

func (s *Service) Triggered(ctx context.Context, limit, offset int) ([]domain.TriggeredAlert, error) {
	return s.store.ListTriggered(ctx, limit, offset)
}

func (s *Service) refresh(ctx context.Context) {
	if err := s.set.Refresh(ctx); err != nil {
		s.log.Warn("rules: refresh after change failed", "error", err)
	}
}
