package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/bizrules/internal/db"
)

// SQLRuleStore implements RuleStore on PostgreSQL or SQLite through the
// embedded named queries.
type SQLRuleStore struct {
	q *db.Queries
}

// NewSQLRuleStore creates a RuleStore backed by the queries' database.
func NewSQLRuleStore(q *db.Queries) *SQLRuleStore {
	return &SQLRuleStore{q: q}
}

// ruleRow is the storage shape of a rule. Condition and action documents are
// scanned as text so that JSONB (PostgreSQL) and TEXT (SQLite) behave alike.
type ruleRow struct {
	ID          string         `db:"id"`
	CompanyID   int64          `db:"company_id"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	EntityType  string         `db:"entity_type"`
	EventType   string         `db:"event_type"`
	Condition   sql.NullString `db:"condition_json"`
	Action      sql.NullString `db:"action_json"`
	Priority    int            `db:"priority"`
	Status      string         `db:"status"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (row *ruleRow) toRule() (*Rule, error) {
	r := &Rule{
		ID:          row.ID,
		CompanyID:   row.CompanyID,
		Name:        row.Name,
		Description: row.Description,
		EntityType:  row.EntityType,
		EventType:   row.EventType,
		Priority:    row.Priority,
		Status:      Status(row.Status),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	var err error
	if r.Condition, err = decodeDocument[Condition](row.Condition); err != nil {
		return nil, fmt.Errorf("rule %s condition: %w", row.ID, err)
	}
	if r.Action, err = decodeDocument[Action](row.Action); err != nil {
		return nil, fmt.Errorf("rule %s action: %w", row.ID, err)
	}
	return r, nil
}

// decodeDocument only fails on text that is not JSON at all; shape problems
// are kept inside the decoded value for the evaluator to absorb.
func decodeDocument[T any](s sql.NullString) (*T, error) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func encodeDocument(v json.Marshaler) (any, error) {
	b, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func ruleDocuments(r *Rule) (condition, action any, err error) {
	if r.Condition != nil {
		if condition, err = encodeDocument(r.Condition); err != nil {
			return nil, nil, fmt.Errorf("failed to encode condition: %w", err)
		}
	}
	if r.Action != nil {
		if action, err = encodeDocument(r.Action); err != nil {
			return nil, nil, fmt.Errorf("failed to encode action: %w", err)
		}
	}
	return condition, action, nil
}

// Add inserts a new rule into the database
func (s *SQLRuleStore) Add(ctx context.Context, rule *Rule) error {
	var count int
	if err := s.q.Get(ctx, "rule-exists", &count, rule.ID); err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}
	return s.insert(ctx, rule)
}

// insert writes the row. A concurrent Add of the same id that passed the
// existence check surfaces here as a key violation.
func (s *SQLRuleStore) insert(ctx context.Context, rule *Rule) error {
	condition, action, err := ruleDocuments(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.q.Exec(ctx, "insert-rule",
		rule.ID, rule.CompanyID, rule.Name, rule.Description, rule.EntityType, rule.EventType,
		condition, action, rule.Priority, string(rule.Status), rule.CreatedAt, rule.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get retrieves a rule by ID
func (s *SQLRuleStore) Get(ctx context.Context, companyID int64, id string) (*Rule, error) {
	var row ruleRow
	err := s.q.Get(ctx, "get-rule", &row, companyID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewRuleNotFoundError(companyID, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return row.toRule()
}

// List returns the company's non-deleted rules matching filter
func (s *SQLRuleStore) List(ctx context.Context, companyID int64, filter ListFilter) ([]*Rule, error) {
	var rows []ruleRow
	err := s.q.Select(ctx, "list-rules", &rows, companyID,
		filter.EntityType, filter.EntityType,
		filter.EventType, filter.EventType,
		string(filter.Status), string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return toRules(rows)
}

// GetApplicableRules returns the active rules for one entity event in evaluation order
func (s *SQLRuleStore) GetApplicableRules(ctx context.Context, companyID int64, entityType, eventType string) ([]*Rule, error) {
	var rows []ruleRow
	if err := s.q.Select(ctx, "list-applicable-rules", &rows, companyID, entityType, eventType); err != nil {
		return nil, fmt.Errorf("failed to list applicable rules: %w", err)
	}
	return toRules(rows)
}

func toRules(rows []ruleRow) ([]*Rule, error) {
	out := make([]*Rule, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRule()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Update modifies the mutable attributes of an existing rule
func (s *SQLRuleStore) Update(ctx context.Context, rule *Rule) error {
	existing, err := s.Get(ctx, rule.CompanyID, rule.ID)
	if err != nil {
		return err
	}

	condition, action, err := ruleDocuments(rule)
	if err != nil {
		return err
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()

	result, err := s.q.Exec(ctx, "update-rule",
		rule.Name, rule.Description, condition, action, rule.Priority, string(rule.Status), rule.UpdatedAt,
		rule.CompanyID, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return expectRow(result, rule.CompanyID, rule.ID)
}

// Delete soft-deletes a rule
func (s *SQLRuleStore) Delete(ctx context.Context, companyID int64, id string) error {
	result, err := s.q.Exec(ctx, "soft-delete-rule", time.Now().UTC(), companyID, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return expectRow(result, companyID, id)
}

func expectRow(result sql.Result, companyID int64, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return NewRuleNotFoundError(companyID, id)
	}
	return nil
}
