package rules

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/liamcoop/bizrules/internal/logger"
)

// Service is the authoring boundary for rules: it validates, assigns ids,
// enforces the immutable attributes and keeps the applicable-rules cache honest.
type Service struct {
	store     RuleStore
	cache     RulesCache
	evaluator *Evaluator
}

// NewService creates a rule service. cache may be nil when reads are not cached.
func NewService(store RuleStore, cache RulesCache, evaluator *Evaluator) *Service {
	return &Service{store: store, cache: cache, evaluator: evaluator}
}

// Create validates and stores a new rule. An empty ID gets a fresh UUID and
// an empty status defaults to active.
func (s *Service) Create(ctx context.Context, r *Rule) (*Rule, error) {
	rule := r.Clone()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Status == "" {
		rule.Status = StatusActive
	}
	if rule.Status == StatusDeleted {
		return nil, invalid("status", "a rule cannot be created deleted")
	}

	if err := ValidateRule(rule, s.evaluator); err != nil {
		return nil, fmt.Errorf("rule validation failed: %w", err)
	}

	if err := s.store.Add(ctx, rule); err != nil {
		return nil, err
	}
	s.invalidate(rule.CompanyID)

	logger.Info("rule created",
		"ruleId", rule.ID,
		"companyId", rule.CompanyID,
		"entityType", rule.EntityType,
		"eventType", rule.EventType,
	)
	return rule, nil
}

// Get returns one rule of a company.
func (s *Service) Get(ctx context.Context, companyID int64, id string) (*Rule, error) {
	return s.store.Get(ctx, companyID, id)
}

// List returns the company's rules in evaluation order.
func (s *Service) List(ctx context.Context, companyID int64, filter ListFilter) ([]*Rule, error) {
	return s.store.List(ctx, companyID, filter)
}

// RuleUpdate carries the attributes a caller may change. Nil fields are kept.
// EntityType and EventType are accepted only when they equal the stored values.
type RuleUpdate struct {
	Name        *string
	Description *string
	EntityType  *string
	EventType   *string
	Condition   *Condition
	Action      *Action
	Priority    *int
	Status      *Status

	// ClearCondition and ClearAction remove the condition or action outright.
	ClearCondition bool
	ClearAction    bool
}

// Update applies u to an existing rule.
func (s *Service) Update(ctx context.Context, companyID int64, id string, u RuleUpdate) (*Rule, error) {
	existing, err := s.store.Get(ctx, companyID, id)
	if err != nil {
		return nil, err
	}

	if u.EntityType != nil && *u.EntityType != existing.EntityType {
		return nil, fmt.Errorf("entityType: %w", ErrImmutableField)
	}
	if u.EventType != nil && *u.EventType != existing.EventType {
		return nil, fmt.Errorf("eventType: %w", ErrImmutableField)
	}

	rule := existing.Clone()
	if u.Name != nil {
		rule.Name = *u.Name
	}
	if u.Description != nil {
		rule.Description = *u.Description
	}
	if u.ClearCondition {
		rule.Condition = nil
	} else if u.Condition != nil {
		rule.Condition = u.Condition
	}
	if u.ClearAction {
		rule.Action = nil
	} else if u.Action != nil {
		rule.Action = u.Action
	}
	if u.Priority != nil {
		rule.Priority = *u.Priority
	}
	if u.Status != nil {
		if *u.Status == StatusDeleted {
			return nil, invalid("status", "use delete to remove a rule")
		}
		rule.Status = *u.Status
	}

	if err := ValidateRule(rule, s.evaluator); err != nil {
		return nil, fmt.Errorf("rule validation failed: %w", err)
	}
	if err := s.store.Update(ctx, rule); err != nil {
		return nil, err
	}
	s.invalidate(companyID)

	logger.Info("rule updated", "ruleId", rule.ID, "companyId", companyID)
	return rule, nil
}

// Delete soft-deletes a rule; it stops taking part in evaluation immediately.
func (s *Service) Delete(ctx context.Context, companyID int64, id string) error {
	if err := s.store.Delete(ctx, companyID, id); err != nil {
		return err
	}
	s.invalidate(companyID)

	logger.Info("rule deleted", "ruleId", id, "companyId", companyID)
	return nil
}

func (s *Service) invalidate(companyID int64) {
	if s.cache != nil {
		s.cache.Invalidate(companyID)
	}
}
