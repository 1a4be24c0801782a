package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a stored rule.
// Only StatusActive rules take part in evaluation.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusDeleted:
		return true
	default:
		return false
	}
}

// Rule is a tenant scoped condition/action pair bound to an entity type and lifecycle event.
// CompanyID, EntityType and EventType never change after creation.
type Rule struct {
	ID          string     `json:"id" yaml:"id"`
	CompanyID   int64      `json:"companyId" yaml:"companyId"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description"`
	EntityType  string     `json:"entityType" yaml:"entityType"`
	EventType   string     `json:"eventType" yaml:"eventType"`
	Condition   *Condition `json:"condition,omitempty" yaml:"-"`
	Action      *Action    `json:"action,omitempty" yaml:"-"`
	Priority    int        `json:"priority" yaml:"priority"`
	Status      Status     `json:"status" yaml:"status"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time  `json:"updatedAt" yaml:"-"`
}

// Clone returns a copy of the rule that shares the immutable condition and action trees.
func (r *Rule) Clone() *Rule {
	c := *r
	return &c
}

// Operator names a leaf comparison or a compound combinator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
	OpIn          Operator = "in"
	OpMatches     Operator = "matches"

	OpAnd Operator = "and"
	OpOr  Operator = "or"
)

// Condition is a node of a condition expression tree.
//
// A leaf compares data[Field] with Value using Operator. A compound node uses
// OpAnd or OpOr over Conditions. A node carrying Expression is evaluated as a
// CEL program with the record bound to the variable "data".
type Condition struct {
	Field      string       `json:"field,omitempty"`
	Operator   Operator     `json:"operator,omitempty"`
	Value      any          `json:"value,omitempty"`
	Conditions []*Condition `json:"conditions,omitempty"`
	Expression string       `json:"expression,omitempty"`

	// raw keeps documents that did not decode into a well-formed node.
	raw json.RawMessage
	// malformed is set for non-object documents, which match everything.
	malformed bool
	// err is set for objects whose members have the wrong types; they match nothing.
	err error
}

type conditionWire struct {
	Field      string          `json:"field"`
	Operator   Operator        `json:"operator"`
	Value      any             `json:"value"`
	Conditions json.RawMessage `json:"conditions"`
	Expression string          `json:"expression"`
}

// UnmarshalJSON decodes a stored condition without ever failing on shape problems.
func (c *Condition) UnmarshalJSON(b []byte) error {
	*c = Condition{}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		c.raw = append(json.RawMessage(nil), trimmed...)
		c.malformed = true
		return nil
	}

	var w conditionWire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		c.raw = append(json.RawMessage(nil), trimmed...)
		c.err = fmt.Errorf("decode condition: %w", err)
		return nil
	}

	c.Field = w.Field
	c.Operator = w.Operator
	c.Value = w.Value
	c.Expression = w.Expression

	// Anything other than an array leaves Conditions nil, which and/or treat as no match.
	sub := bytes.TrimSpace(w.Conditions)
	if len(sub) > 0 && sub[0] == '[' {
		if err := json.Unmarshal(sub, &c.Conditions); err != nil {
			c.raw = append(json.RawMessage(nil), trimmed...)
			c.err = fmt.Errorf("decode sub-conditions: %w", err)
			c.Conditions = nil
		}
	}
	return nil
}

// MarshalJSON writes malformed documents back exactly as they were read.
func (c Condition) MarshalJSON() ([]byte, error) {
	if c.raw != nil {
		return c.raw, nil
	}
	type plain Condition
	return json.Marshal(plain(c))
}

// ActionType tags an action descriptor.
type ActionType string

const (
	ActionValidation ActionType = "validation"
	ActionTransform  ActionType = "transform"
	ActionCompute    ActionType = "compute"
)

// ComputeExpression selects how a compute action derives its field.
type ComputeExpression string

const (
	ComputeConcat ComputeExpression = "concat"
	ComputeSum    ComputeExpression = "sum"
)

// Action is the instruction applied to the record when a rule's condition matches.
type Action struct {
	Type       ActionType        `json:"type,omitempty"`
	Message    *string           `json:"message,omitempty"`
	Field      string            `json:"field,omitempty"`
	Value      any               `json:"value,omitempty"`
	Expression ComputeExpression `json:"expression,omitempty"`
	Fields     []string          `json:"fields,omitempty"`
	Separator  string            `json:"separator,omitempty"`

	raw       json.RawMessage
	malformed bool
	err       error
}

type actionWire struct {
	Type       ActionType        `json:"type"`
	Message    *string           `json:"message"`
	Field      string            `json:"field"`
	Value      any               `json:"value"`
	Expression ComputeExpression `json:"expression"`
	Fields     json.RawMessage   `json:"fields"`
	Separator  string            `json:"separator"`
}

// UnmarshalJSON decodes a stored action without ever failing on shape problems.
func (a *Action) UnmarshalJSON(b []byte) error {
	*a = Action{}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		a.raw = append(json.RawMessage(nil), trimmed...)
		a.malformed = true
		return nil
	}

	var w actionWire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		a.raw = append(json.RawMessage(nil), trimmed...)
		a.err = fmt.Errorf("decode action: %w", err)
		return nil
	}

	a.Type = w.Type
	a.Message = w.Message
	a.Field = w.Field
	a.Value = w.Value
	a.Expression = w.Expression
	a.Separator = w.Separator

	fields := bytes.TrimSpace(w.Fields)
	if len(fields) > 0 && fields[0] == '[' {
		var items []any
		if err := json.Unmarshal(fields, &items); err != nil {
			a.raw = append(json.RawMessage(nil), trimmed...)
			a.err = fmt.Errorf("decode action fields: %w", err)
			return nil
		}
		// Field names given as numbers or booleans address the key of their text form.
		a.Fields = make([]string, 0, len(items))
		for _, item := range items {
			a.Fields = append(a.Fields, formatScalar(item))
		}
	}
	return nil
}

// MarshalJSON writes malformed documents back exactly as they were read.
func (a Action) MarshalJSON() ([]byte, error) {
	if a.raw != nil {
		return a.raw, nil
	}
	type plain Action
	return json.Marshal(plain(a))
}

// Result is the verdict of executing an action or of processing a whole rule set.
type Result struct {
	Valid   bool           `json:"valid"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`

	// RuleID names the rule that rejected the record.
	RuleID string `json:"ruleId,omitempty"`
	// Applied lists, in order, the rules whose actions ran.
	Applied []string `json:"applied,omitempty"`
}

// copyData returns a shallow copy of data; a nil input yields an empty map.
func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	return out
}
