package rules

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

// notEndingWithExampleCom matches any string that does not end with
// "@example.com". RE2 has no lookahead, so the suffix is spelled out.
const notEndingWithExampleCom = `^(.{0,11}|.*([^m]|[^o]m|[^c]om|[^.]com|[^e]\.com|[^l]e\.com|[^p]le\.com|[^m]ple\.com|[^a]mple\.com|[^x]ample\.com|[^e]xample\.com|[^@]example\.com))$`

type failingRepository struct {
	err error
}

func (f failingRepository) GetApplicableRules(context.Context, int64, string, string) ([]*Rule, error) {
	return nil, f.err
}

func newTestEngine(t *testing.T, rules ...*Rule) (*Engine, *InMemoryRuleStore) {
	t.Helper()
	store := NewInMemoryRuleStore()
	for _, r := range rules {
		if r.Status == "" {
			r.Status = StatusActive
		}
		if err := store.Add(context.Background(), r); err != nil {
			t.Fatalf("Failed to add rule: %v", err)
		}
	}
	engine, err := NewEngine(store, nil)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine, store
}

func userRule(id string, priority int, cond *Condition, action *Action) *Rule {
	return &Rule{
		ID:         id,
		CompanyID:  7,
		Name:       id,
		EntityType: "user",
		EventType:  "beforeCreate",
		Condition:  cond,
		Action:     action,
		Priority:   priority,
	}
}

// TestNewEngine verifies the engine falls back to the default evaluator
func TestNewEngine(t *testing.T) {
	engine, err := NewEngine(NewInMemoryRuleStore(), nil)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	def, _ := DefaultEvaluator()
	if engine.Evaluator() != def {
		t.Error("nil evaluator should select the default evaluator")
	}

	ev, _ := NewEvaluator()
	engine, err = NewEngine(NewInMemoryRuleStore(), ev)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	if engine.Evaluator() != ev {
		t.Error("explicit evaluator should be kept")
	}
}

// TestProcessEntityRulesEmailScenario verifies a matches condition guarding a validation action
func TestProcessEntityRulesEmailScenario(t *testing.T) {
	engine, _ := newTestEngine(t, userRule("email-domain", 0,
		leaf("email", OpMatches, notEndingWithExampleCom),
		&Action{Type: ActionValidation, Message: strPtr("Email must end with @example.com")},
	))
	ctx := context.Background()

	res, err := engine.ProcessEntityRules(ctx, 7, "user", "beforeCreate", map[string]any{"email": "a@other.com"})
	if err != nil {
		t.Fatalf("ProcessEntityRules() failed: %v", err)
	}
	if res.Valid {
		t.Fatal("expected rejection for a@other.com")
	}
	if res.Message != "Email must end with @example.com" {
		t.Errorf("message = %q", res.Message)
	}
	if res.RuleID != "email-domain" {
		t.Errorf("ruleId = %q, want email-domain", res.RuleID)
	}

	res, err = engine.ProcessEntityRules(ctx, 7, "user", "beforeCreate", map[string]any{"email": "a@example.com"})
	if err != nil {
		t.Fatalf("ProcessEntityRules() failed: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected a@example.com to pass, message %q", res.Message)
	}
	if !reflect.DeepEqual(res.Data, map[string]any{"email": "a@example.com"}) {
		t.Errorf("data = %v", res.Data)
	}
	if len(res.Applied) != 0 {
		t.Errorf("no action should have run, applied %v", res.Applied)
	}
}

// TestProcessEntityRulesFailFast verifies the first rejection ends processing
func TestProcessEntityRulesFailFast(t *testing.T) {
	engine, _ := newTestEngine(t,
		userRule("transform", 5, nil, &Action{Type: ActionTransform, Field: "touched", Value: true}),
		userRule("reject", 10, nil, &Action{Type: ActionValidation, Message: strPtr("blocked")}),
	)

	res, err := engine.ProcessEntityRules(context.Background(), 7, "user", "beforeCreate", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("ProcessEntityRules() failed: %v", err)
	}
	if res.Valid {
		t.Fatal("expected rejection")
	}
	if res.Message != "blocked" {
		t.Errorf("message = %q, want blocked", res.Message)
	}
	if res.Data != nil {
		t.Errorf("rejection should carry no data, got %v", res.Data)
	}
	if !reflect.DeepEqual(res.Applied, []string{"reject"}) {
		t.Errorf("applied = %v, want [reject]", res.Applied)
	}
}

// TestProcessEntityRulesDataLineage verifies a later rule sees the output of an earlier one
func TestProcessEntityRulesDataLineage(t *testing.T) {
	engine, _ := newTestEngine(t,
		userRule("b", 5, leaf("x", OpEquals, 5), &Action{Type: ActionTransform, Field: "seen", Value: "yes"}),
		userRule("a", 10, nil, &Action{Type: ActionTransform, Field: "x", Value: 5}),
	)

	res, err := engine.ProcessEntityRules(context.Background(), 7, "user", "beforeCreate", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("ProcessEntityRules() failed: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected success, message %q", res.Message)
	}
	if res.Data["seen"] != "yes" {
		t.Errorf("rule b should have applied, data = %v", res.Data)
	}
	if !reflect.DeepEqual(res.Applied, []string{"a", "b"}) {
		t.Errorf("applied = %v, want [a b]", res.Applied)
	}
}

// TestProcessEntityRulesSkipsUnmatched verifies rules whose condition fails leave data alone
func TestProcessEntityRulesSkipsUnmatched(t *testing.T) {
	engine, _ := newTestEngine(t,
		userRule("vip", 10, leaf("tier", OpEquals, "vip"), &Action{Type: ActionTransform, Field: "discount", Value: 20}),
		userRule("full-name", 0, nil, &Action{Type: ActionCompute, Field: "fullName", Expression: ComputeConcat, Fields: []string{"first", "last"}, Separator: " "}),
	)

	res, err := engine.ProcessEntityRules(context.Background(), 7, "user", "beforeCreate",
		map[string]any{"tier": "basic", "first": "Ada", "last": "Lovelace"})
	if err != nil {
		t.Fatalf("ProcessEntityRules() failed: %v", err)
	}
	if _, ok := res.Data["discount"]; ok {
		t.Error("vip rule should have been skipped")
	}
	if res.Data["fullName"] != "Ada Lovelace" {
		t.Errorf("fullName = %v", res.Data["fullName"])
	}
	if !reflect.DeepEqual(res.Applied, []string{"full-name"}) {
		t.Errorf("applied = %v", res.Applied)
	}
}

// TestProcessEntityRulesNoRules verifies an empty rule set returns a copy of the input
func TestProcessEntityRulesNoRules(t *testing.T) {
	engine, _ := newTestEngine(t)
	data := map[string]any{"a": float64(1)}

	res, err := engine.ProcessEntityRules(context.Background(), 7, "user", "beforeCreate", data)
	if err != nil {
		t.Fatalf("ProcessEntityRules() failed: %v", err)
	}
	if !res.Valid || !reflect.DeepEqual(res.Data, data) {
		t.Errorf("result = %+v, want valid copy of input", res)
	}
	res.Data["b"] = 2
	if _, ok := data["b"]; ok {
		t.Error("result shares the caller's map")
	}
}

// TestProcessEntityRulesDoesNotModifyInput verifies transforms never touch the caller's map
func TestProcessEntityRulesDoesNotModifyInput(t *testing.T) {
	engine, _ := newTestEngine(t,
		userRule("t1", 2, nil, &Action{Type: ActionTransform, Field: "a", Value: "changed"}),
		userRule("t2", 1, nil, &Action{Type: ActionCompute, Field: "sum", Expression: ComputeSum, Fields: []string{"n"}}),
	)
	data := map[string]any{"a": "original", "n": float64(3)}

	if _, err := engine.ProcessEntityRules(context.Background(), 7, "user", "beforeCreate", data); err != nil {
		t.Fatalf("ProcessEntityRules() failed: %v", err)
	}
	if !reflect.DeepEqual(data, map[string]any{"a": "original", "n": float64(3)}) {
		t.Errorf("input modified: %v", data)
	}
}

// TestProcessEntityRulesScope verifies only active rules of the company, entity and event apply
func TestProcessEntityRulesScope(t *testing.T) {
	otherCompany := userRule("other-company", 0, nil, &Action{Type: ActionValidation})
	otherCompany.CompanyID = 8
	otherEntity := userRule("other-entity", 0, nil, &Action{Type: ActionValidation})
	otherEntity.EntityType = "order"
	otherEvent := userRule("other-event", 0, nil, &Action{Type: ActionValidation})
	otherEvent.EventType = "beforeUpdate"
	inactive := userRule("inactive", 0, nil, &Action{Type: ActionValidation})
	inactive.Status = StatusInactive

	engine, store := newTestEngine(t, otherCompany, otherEntity, otherEvent, inactive,
		userRule("deleted", 0, nil, &Action{Type: ActionValidation}))
	if err := store.Delete(context.Background(), 7, "deleted"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	res, err := engine.ProcessEntityRules(context.Background(), 7, "user", "beforeCreate", map[string]any{})
	if err != nil {
		t.Fatalf("ProcessEntityRules() failed: %v", err)
	}
	if !res.Valid {
		t.Errorf("no rule should apply, rejected by %q", res.RuleID)
	}
}

// TestProcessEntityRulesEqualPriority verifies equal priorities run in creation order
func TestProcessEntityRulesEqualPriority(t *testing.T) {
	engine, _ := newTestEngine(t,
		userRule("z-first", 1, nil, &Action{Type: ActionTransform, Field: "v", Value: "first"}),
		userRule("a-second", 1, nil, &Action{Type: ActionTransform, Field: "v", Value: "second"}),
	)

	res, err := engine.ProcessEntityRules(context.Background(), 7, "user", "beforeCreate", map[string]any{})
	if err != nil {
		t.Fatalf("ProcessEntityRules() failed: %v", err)
	}
	if res.Data["v"] != "second" {
		t.Errorf("v = %v, want second", res.Data["v"])
	}
	if !reflect.DeepEqual(res.Applied, []string{"z-first", "a-second"}) {
		t.Errorf("applied = %v", res.Applied)
	}
}

// TestProcessEntityRulesActionFailure verifies a failing action rejects with the generic message
func TestProcessEntityRulesActionFailure(t *testing.T) {
	engine, _ := newTestEngine(t,
		userRule("broken", 1, nil, mustAction(t, `{"type": "compute", "fields": 12, "field": {}}`)),
		userRule("later", 0, nil, &Action{Type: ActionTransform, Field: "x", Value: 1}),
	)

	res, err := engine.ProcessEntityRules(context.Background(), 7, "user", "beforeCreate", map[string]any{})
	if err != nil {
		t.Fatalf("ProcessEntityRules() failed: %v", err)
	}
	if res.Valid || res.Message != ActionErrorMessage || res.RuleID != "broken" {
		t.Errorf("result = %+v, want generic failure from broken", res)
	}
}

// TestProcessEntityRulesRepositoryError verifies repository failures are returned to the caller
func TestProcessEntityRulesRepositoryError(t *testing.T) {
	repoErr := errors.New("connection refused")
	engine, err := NewEngine(failingRepository{err: repoErr}, nil)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	res, err := engine.ProcessEntityRules(context.Background(), 7, "user", "beforeCreate", map[string]any{})
	if !errors.Is(err, repoErr) {
		t.Fatalf("error = %v, want wrapped repository error", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if engine.Stats().RepositoryFailures != 1 {
		t.Errorf("repository failures = %d, want 1", engine.Stats().RepositoryFailures)
	}
}

// TestEngineStats verifies the counters track evaluations, actions and rejections
func TestEngineStats(t *testing.T) {
	engine, _ := newTestEngine(t,
		userRule("reject-minors", 1, leaf("age", OpLessThan, 18), &Action{Type: ActionValidation}),
	)
	ctx := context.Background()

	engine.ProcessEntityRules(ctx, 7, "user", "beforeCreate", map[string]any{"age": 12})
	engine.ProcessEntityRules(ctx, 7, "user", "beforeCreate", map[string]any{"age": 40})

	stats := engine.Stats()
	if stats.Evaluations != 2 || stats.ActionsRun != 1 || stats.Rejections != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestEngineConcurrentProcess verifies concurrent evaluation with a shared engine
func TestEngineConcurrentProcess(t *testing.T) {
	engine, _ := newTestEngine(t,
		userRule("double", 1, &Condition{Expression: `data.n >= 0`}, &Action{Type: ActionCompute, Field: "total", Expression: ComputeSum, Fields: []string{"n", "n"}}),
	)

	var wg sync.WaitGroup
	failures := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := engine.ProcessEntityRules(context.Background(), 7, "user", "beforeCreate", map[string]any{"n": n})
			if err != nil || !res.Valid || res.Data["total"] != float64(2*n) {
				failures <- "unexpected result"
			}
		}(i)
	}
	wg.Wait()
	close(failures)

	for f := range failures {
		t.Error(f)
	}
}
