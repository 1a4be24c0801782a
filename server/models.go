package server

import (
	"encoding/json"

	"github.com/liamcoop/bizrules/internal/logger"
	"github.com/liamcoop/bizrules/rules"
)

// API request and response models

// CreateRuleRequest is the body of a rule creation. The company comes from the path.
type CreateRuleRequest struct {
	ID          string           `json:"id,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	EntityType  string           `json:"entityType"`
	EventType   string           `json:"eventType"`
	Condition   *rules.Condition `json:"condition,omitempty"`
	Action      *rules.Action    `json:"action,omitempty"`
	Priority    int              `json:"priority"`
	Status      rules.Status     `json:"status,omitempty"`
}

func (req *CreateRuleRequest) rule(companyID int64) *rules.Rule {
	return &rules.Rule{
		ID:          req.ID,
		CompanyID:   companyID,
		Name:        req.Name,
		Description: req.Description,
		EntityType:  req.EntityType,
		EventType:   req.EventType,
		Condition:   req.Condition,
		Action:      req.Action,
		Priority:    req.Priority,
		Status:      req.Status,
	}
}

// UpdateRuleRequest is the body of a rule update. Omitted members are kept;
// an explicit null condition or action removes it.
type UpdateRuleRequest struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	CompanyID   *int64          `json:"companyId,omitempty"`
	EntityType  *string         `json:"entityType,omitempty"`
	EventType   *string         `json:"eventType,omitempty"`
	Condition   json.RawMessage `json:"condition,omitempty"`
	Action      json.RawMessage `json:"action,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	Status      *rules.Status   `json:"status,omitempty"`
}

func (req *UpdateRuleRequest) update() (rules.RuleUpdate, error) {
	u := rules.RuleUpdate{
		Name:        req.Name,
		Description: req.Description,
		EntityType:  req.EntityType,
		EventType:   req.EventType,
		Priority:    req.Priority,
		Status:      req.Status,
	}
	if isNull(req.Condition) {
		u.ClearCondition = true
	} else if len(req.Condition) > 0 {
		u.Condition = new(rules.Condition)
		if err := json.Unmarshal(req.Condition, u.Condition); err != nil {
			return u, err
		}
	}
	if isNull(req.Action) {
		u.ClearAction = true
	} else if len(req.Action) > 0 {
		u.Action = new(rules.Action)
		if err := json.Unmarshal(req.Action, u.Action); err != nil {
			return u, err
		}
	}
	return u, nil
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

// RulesListResponse lists a company's rules in evaluation order.
type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// EvaluateRequest runs the rule set of one entity type and event without storing anything.
type EvaluateRequest struct {
	EntityType string         `json:"entityType"`
	EventType  string         `json:"eventType"`
	Data       map[string]any `json:"data"`
}

// EntityResponse is a stored entity record.
type EntityResponse struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entityType"`
	Data       map[string]any `json:"data"`
	Applied    []string       `json:"applied,omitempty"`
}

func entityResponse(e *Entity, res *rules.Result) EntityResponse {
	out := EntityResponse{ID: e.ID, EntityType: e.EntityType, Data: e.Data}
	if res != nil {
		out.Applied = res.Applied
	}
	return out
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is the health check reply.
type HealthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
	Error   string `json:"error,omitempty"`
}

// MetricsResponse reports error counters and engine activity.
type MetricsResponse struct {
	Errors logger.Counters   `json:"errors"`
	Engine rules.EngineStats `json:"engine"`
}

