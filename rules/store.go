package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleRepository supplies the rules the engine folds over.
type RuleRepository interface {
	// GetApplicableRules returns the active rules of a company for one entity
	// type and event, highest priority first. Equal priorities keep creation order.
	GetApplicableRules(ctx context.Context, companyID int64, entityType, eventType string) ([]*Rule, error)
}

// ListFilter narrows List results; zero values match everything.
type ListFilter struct {
	EntityType string
	EventType  string
	Status     Status
}

func (f ListFilter) match(r *Rule) bool {
	if f.EntityType != "" && r.EntityType != f.EntityType {
		return false
	}
	if f.EventType != "" && r.EventType != f.EventType {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// RuleStore manages rule persistence and retrieval.
// Deleted rules are soft-deleted and invisible to Get and List.
type RuleStore interface {
	RuleRepository

	// Add a new rule
	Add(ctx context.Context, rule *Rule) error

	// Get a rule by company and ID
	Get(ctx context.Context, companyID int64, id string) (*Rule, error)

	// List the company's rules in evaluation order
	List(ctx context.Context, companyID int64, filter ListFilter) ([]*Rule, error)

	// Update the mutable attributes of an existing rule
	Update(ctx context.Context, rule *Rule) error

	// Delete marks a rule deleted
	Delete(ctx context.Context, companyID int64, id string) error
}

type storedRule struct {
	rule *Rule
	seq  uint64
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryRuleStore struct {
	rules map[string]*storedRule
	seq   uint64
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*storedRule),
	}
}

// Add stores a copy of the rule and stamps CreatedAt and UpdatedAt.
func (s *InMemoryRuleStore) Add(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.seq++
	s.rules[rule.ID] = &storedRule{rule: rule.Clone(), seq: s.seq}
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(_ context.Context, companyID int64, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, exists := s.rules[id]
	if !exists || stored.rule.CompanyID != companyID || stored.rule.Status == StatusDeleted {
		return nil, NewRuleNotFoundError(companyID, id)
	}
	return stored.rule.Clone(), nil
}

// List returns the company's non-deleted rules matching filter.
func (s *InMemoryRuleStore) List(_ context.Context, companyID int64, filter ListFilter) ([]*Rule, error) {
	return s.collect(func(r *Rule) bool {
		return r.CompanyID == companyID && r.Status != StatusDeleted && filter.match(r)
	}), nil
}

// GetApplicableRules returns the active rules for the event in evaluation order.
func (s *InMemoryRuleStore) GetApplicableRules(_ context.Context, companyID int64, entityType, eventType string) ([]*Rule, error) {
	return s.collect(func(r *Rule) bool {
		return r.CompanyID == companyID &&
			r.Status == StatusActive &&
			r.EntityType == entityType &&
			r.EventType == eventType
	}), nil
}

func (s *InMemoryRuleStore) collect(keep func(*Rule) bool) []*Rule {
	s.mu.RLock()
	matched := make([]*storedRule, 0, len(s.rules))
	for _, stored := range s.rules {
		if keep(stored.rule) {
			matched = append(matched, stored)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].rule.Priority != matched[j].rule.Priority {
			return matched[i].rule.Priority > matched[j].rule.Priority
		}
		return matched[i].seq < matched[j].seq
	})

	out := make([]*Rule, len(matched))
	for i, stored := range matched {
		out[i] = stored.rule.Clone()
	}
	return out
}

// Update replaces the mutable attributes, preserving CreatedAt and the
// rule's place among equal priorities.
func (s *InMemoryRuleStore) Update(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.rules[rule.ID]
	if !exists || stored.rule.CompanyID != rule.CompanyID || stored.rule.Status == StatusDeleted {
		return NewRuleNotFoundError(rule.CompanyID, rule.ID)
	}

	rule.CreatedAt = stored.rule.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	stored.rule = rule.Clone()
	return nil
}

// Delete soft-deletes a rule.
func (s *InMemoryRuleStore) Delete(_ context.Context, companyID int64, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.rules[id]
	if !exists || stored.rule.CompanyID != companyID || stored.rule.Status == StatusDeleted {
		return NewRuleNotFoundError(companyID, id)
	}

	deleted := stored.rule.Clone()
	deleted.Status = StatusDeleted
	deleted.UpdatedAt = time.Now().UTC()
	stored.rule = deleted
	return nil
}
