package rules

import (
	"errors"
	"fmt"
)

// Sentinel errors for rule authoring and lookup.
var (
	// ErrRuleNotFound is returned when a rule does not exist for the company or was deleted.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleExists is returned when adding a rule whose ID is already taken.
	ErrRuleExists = errors.New("rule already exists")

	// ErrInvalidRule is returned when a rule fails authoring validation.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrImmutableField is returned when an update tries to move a rule to another
	// company, entity type or event type.
	ErrImmutableField = errors.New("field cannot be changed after creation")
)

// RuleNotFoundError carries the lookup key of a missing rule.
type RuleNotFoundError struct {
	CompanyID int64
	RuleID    string
}

func (e *RuleNotFoundError) Error() string {
	return fmt.Sprintf("rule %s not found for company %d", e.RuleID, e.CompanyID)
}

func (e *RuleNotFoundError) Is(target error) bool {
	return target == ErrRuleNotFound
}

// NewRuleNotFoundError creates a new RuleNotFoundError
func NewRuleNotFoundError(companyID int64, ruleID string) *RuleNotFoundError {
	return &RuleNotFoundError{CompanyID: companyID, RuleID: ruleID}
}

// ValidationError reports which rule attribute failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRule
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
