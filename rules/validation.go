package rules

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxNameLength       = 200
	maxIdentifierLength = 100
	maxPriority         = 1000000
	maxConditionDepth   = 64
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateRule checks a rule at the authoring boundary. The engine itself
// tolerates anything stored; this only keeps obviously broken rules out.
// Unknown operators and action types are accepted and resolve to their
// runtime defaults. CEL leaves must compile with ev.
func ValidateRule(r *Rule, ev *Evaluator) error {
	if r.CompanyID <= 0 {
		return invalid("companyId", "must be positive, got %d", r.CompanyID)
	}

	name := strings.TrimSpace(r.Name)
	if name == "" {
		return invalid("name", "cannot be empty")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return invalid("name", "exceeds maximum of %d characters", maxNameLength)
	}

	if err := validateIdentifier(r.EntityType); err != nil {
		return invalid("entityType", "%v", err)
	}
	if err := validateIdentifier(r.EventType); err != nil {
		return invalid("eventType", "%v", err)
	}

	if !r.Status.Valid() {
		return invalid("status", "%q is not one of active, inactive, deleted", r.Status)
	}

	if r.Priority > maxPriority || r.Priority < -maxPriority {
		return invalid("priority", "must be between %d and %d, got %d", -maxPriority, maxPriority, r.Priority)
	}

	return validateCondition(r.Condition, ev, 1)
}

func validateIdentifier(name string) error {
	if name == "" {
		return errors.New("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return errors.New("identifier exceeds maximum of 100 characters")
	}
	if !identifierPattern.MatchString(name) {
		return errors.New("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$")
	}
	return nil
}

func validateCondition(c *Condition, ev *Evaluator, depth int) error {
	if c == nil || c.malformed {
		return nil
	}
	if c.err != nil {
		return invalid("condition", "%v", c.err)
	}
	if depth > maxConditionDepth {
		return invalid("condition", "nesting exceeds maximum depth of %d", maxConditionDepth)
	}

	for _, sub := range c.Conditions {
		if err := validateCondition(sub, ev, depth+1); err != nil {
			return err
		}
	}

	if c.Expression != "" && ev != nil {
		if err := ev.CompileExpression(c.Expression); err != nil {
			return invalid("condition", "expression %q: %v", c.Expression, err)
		}
	}
	return nil
}
