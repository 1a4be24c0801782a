package rules

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/liamcoop/bizrules/internal/logger"
)

// Engine applies a company's rules to entity data on lifecycle events.
// It holds no per-request state and is safe for concurrent use.
type Engine struct {
	repo      RuleRepository
	evaluator *Evaluator
	stats     engineCounters
}

type engineCounters struct {
	evaluations  atomic.Int64
	rejections   atomic.Int64
	repoFailures atomic.Int64
	actionsRun   atomic.Int64
}

// EngineStats is a snapshot of the engine's counters.
type EngineStats struct {
	Evaluations        int64 `json:"evaluations"`
	Rejections         int64 `json:"rejections"`
	RepositoryFailures int64 `json:"repositoryFailures"`
	ActionsRun         int64 `json:"actionsRun"`
}

// NewEngine creates an engine reading rules from repo. A nil evaluator
// selects the process-wide default.
func NewEngine(repo RuleRepository, evaluator *Evaluator) (*Engine, error) {
	if evaluator == nil {
		var err error
		evaluator, err = DefaultEvaluator()
		if err != nil {
			return nil, err
		}
	}
	return &Engine{repo: repo, evaluator: evaluator}, nil
}

// Evaluator returns the evaluator used for conditions.
func (en *Engine) Evaluator() *Evaluator {
	return en.evaluator
}

// ProcessEntityRules folds the applicable rules over a copy of data.
//
// Rules run in priority order. A rule whose condition does not hold against
// the current data is skipped. The data produced by one rule's action is what
// the next rule's condition sees. The first action that rejects ends
// processing. The caller's map is never modified. Only a repository failure
// is returned as an error.
func (en *Engine) ProcessEntityRules(ctx context.Context, companyID int64, entityType, eventType string, data map[string]any) (*Result, error) {
	en.stats.evaluations.Add(1)

	rules, err := en.repo.GetApplicableRules(ctx, companyID, entityType, eventType)
	if err != nil {
		en.stats.repoFailures.Add(1)
		return nil, fmt.Errorf("failed to load rules for company %d %s/%s: %w", companyID, entityType, eventType, err)
	}

	current := copyData(data)
	var applied []string

	for _, rule := range rules {
		if !en.evaluator.Evaluate(rule.Condition, current) {
			logger.Trace("rule skipped", "ruleId", rule.ID, "companyId", companyID)
			continue
		}

		result := Execute(rule.Action, current)
		en.stats.actionsRun.Add(1)
		applied = append(applied, rule.ID)

		if !result.Valid {
			en.stats.rejections.Add(1)
			logger.Debug("entity rejected by rule",
				"ruleId", rule.ID,
				"companyId", companyID,
				"entityType", entityType,
				"eventType", eventType,
			)
			return &Result{Valid: false, Message: result.Message, RuleID: rule.ID, Applied: applied}, nil
		}
		if result.Data != nil {
			current = result.Data
		}
	}

	return &Result{Valid: true, Data: current, Applied: applied}, nil
}

// Stats returns a snapshot of the engine counters.
func (en *Engine) Stats() EngineStats {
	return EngineStats{
		Evaluations:        en.stats.evaluations.Load(),
		Rejections:         en.stats.rejections.Load(),
		RepositoryFailures: en.stats.repoFailures.Load(),
		ActionsRun:         en.stats.actionsRun.Load(),
	}
}
