package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func sampleRule(id string, companyID int64, priority int) *Rule {
	return &Rule{
		ID:         id,
		CompanyID:  companyID,
		Name:       "Rule " + id,
		EntityType: "order",
		EventType:  "beforeCreate",
		Priority:   priority,
		Status:     StatusActive,
	}
}

// TestRuleStoreInterfaceExists verifies both stores implement RuleStore
func TestRuleStoreInterfaceExists(t *testing.T) {
	var _ RuleStore = (*InMemoryRuleStore)(nil)
	var _ RuleStore = (*SQLRuleStore)(nil)
	var _ RuleRepository = (*CachedRepository)(nil)
}

// TestInMemoryRuleStoreAdd verifies rules can be added and read back
func TestInMemoryRuleStoreAdd(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	rule := sampleRule("r1", 1, 0)
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	got, err := store.Get(ctx, 1, "r1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != rule.Name || got.EntityType != "order" {
		t.Errorf("Get() = %+v", got)
	}
}

// TestInMemoryRuleStoreAddDuplicate verifies duplicate IDs are rejected
func TestInMemoryRuleStoreAddDuplicate(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	if err := store.Add(ctx, sampleRule("r1", 1, 0)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	err := store.Add(ctx, sampleRule("r1", 2, 0))
	if !errors.Is(err, ErrRuleExists) {
		t.Errorf("duplicate Add() error = %v, want ErrRuleExists", err)
	}
}

// TestInMemoryRuleStoreGetNotFound verifies lookups are scoped to the company
func TestInMemoryRuleStoreGetNotFound(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()
	store.Add(ctx, sampleRule("r1", 1, 0))

	_, err := store.Get(ctx, 2, "r1")
	if !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() other company error = %v, want ErrRuleNotFound", err)
	}

	var nf *RuleNotFoundError
	_, err = store.Get(ctx, 1, "missing")
	if !errors.As(err, &nf) || nf.RuleID != "missing" || nf.CompanyID != 1 {
		t.Errorf("Get() missing error = %v, want RuleNotFoundError", err)
	}
}

// TestInMemoryRuleStoreTimestamps verifies CreatedAt is kept and UpdatedAt moves on update
func TestInMemoryRuleStoreTimestamps(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	rule := sampleRule("r1", 1, 0)
	store.Add(ctx, rule)
	created, _ := store.Get(ctx, 1, "r1")
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("timestamps not stamped: %+v", created)
	}

	time.Sleep(2 * time.Millisecond)
	created.Name = "renamed"
	if err := store.Update(ctx, created); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	updated, _ := store.Get(ctx, 1, "r1")
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", created.CreatedAt, updated.CreatedAt)
	}
	if !updated.UpdatedAt.After(updated.CreatedAt) {
		t.Errorf("UpdatedAt not advanced: %v", updated.UpdatedAt)
	}
	if updated.Name != "renamed" {
		t.Errorf("Name = %q, want renamed", updated.Name)
	}
}

// TestInMemoryRuleStoreReturnsCopies verifies callers cannot modify stored rules
func TestInMemoryRuleStoreReturnsCopies(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	rule := sampleRule("r1", 1, 0)
	store.Add(ctx, rule)
	rule.Name = "mutated after add"

	got, _ := store.Get(ctx, 1, "r1")
	got.Name = "mutated after get"

	again, _ := store.Get(ctx, 1, "r1")
	if again.Name != "Rule r1" {
		t.Errorf("stored rule modified: %q", again.Name)
	}
}

// TestInMemoryRuleStoreUpdateNotFound verifies updates of unknown or foreign rules fail
func TestInMemoryRuleStoreUpdateNotFound(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()
	store.Add(ctx, sampleRule("r1", 1, 0))

	if err := store.Update(ctx, sampleRule("missing", 1, 0)); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Update() missing error = %v", err)
	}
	if err := store.Update(ctx, sampleRule("r1", 2, 0)); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Update() other company error = %v", err)
	}
}

// TestInMemoryRuleStoreApplicableOrder verifies priority DESC with creation order among equals
func TestInMemoryRuleStoreApplicableOrder(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	for _, r := range []*Rule{
		sampleRule("low", 1, 1),
		sampleRule("high", 1, 100),
		sampleRule("mid-b", 1, 50),
		sampleRule("mid-a", 1, 50),
		sampleRule("negative", 1, -5),
	} {
		store.Add(ctx, r)
	}

	list, err := store.GetApplicableRules(ctx, 1, "order", "beforeCreate")
	if err != nil {
		t.Fatalf("GetApplicableRules() failed: %v", err)
	}
	want := []string{"high", "mid-b", "mid-a", "low", "negative"}
	if len(list) != len(want) {
		t.Fatalf("got %d rules, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, list[i].ID, id)
		}
	}
}

// TestInMemoryRuleStoreApplicableFilters verifies only active rules of the event are applicable
func TestInMemoryRuleStoreApplicableFilters(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	inactive := sampleRule("inactive", 1, 0)
	inactive.Status = StatusInactive
	update := sampleRule("update", 1, 0)
	update.EventType = "beforeUpdate"
	invoice := sampleRule("invoice", 1, 0)
	invoice.EntityType = "invoice"

	for _, r := range []*Rule{sampleRule("active", 1, 0), inactive, update, invoice, sampleRule("other", 2, 0)} {
		store.Add(ctx, r)
	}

	list, _ := store.GetApplicableRules(ctx, 1, "order", "beforeCreate")
	if len(list) != 1 || list[0].ID != "active" {
		t.Errorf("applicable = %v, want [active]", ruleIDs(list))
	}

	list, _ = store.GetApplicableRules(ctx, 3, "order", "beforeCreate")
	if len(list) != 0 {
		t.Errorf("unknown company should have no rules, got %v", ruleIDs(list))
	}
}

// TestInMemoryRuleStoreList verifies listing with filters hides deleted rules
func TestInMemoryRuleStoreList(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	inactive := sampleRule("inactive", 1, 0)
	inactive.Status = StatusInactive
	update := sampleRule("update", 1, 0)
	update.EventType = "beforeUpdate"
	for _, r := range []*Rule{sampleRule("active", 1, 0), inactive, update, sampleRule("gone", 1, 0)} {
		store.Add(ctx, r)
	}
	store.Delete(ctx, 1, "gone")

	tests := []struct {
		name     string
		filter   ListFilter
		expected int
	}{
		{"all", ListFilter{}, 3},
		{"by event", ListFilter{EventType: "beforeUpdate"}, 1},
		{"by status", ListFilter{Status: StatusInactive}, 1},
		{"by entity", ListFilter{EntityType: "order"}, 3},
		{"no match", ListFilter{EntityType: "invoice"}, 0},
		{"deleted are hidden", ListFilter{Status: StatusDeleted}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := store.List(ctx, 1, tt.filter)
			if err != nil {
				t.Fatalf("List() failed: %v", err)
			}
			if len(list) != tt.expected {
				t.Errorf("List() = %v, want %d rules", ruleIDs(list), tt.expected)
			}
		})
	}
}

// TestInMemoryRuleStoreDelete verifies soft deletion hides the rule everywhere
func TestInMemoryRuleStoreDelete(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()
	store.Add(ctx, sampleRule("r1", 1, 0))

	if err := store.Delete(ctx, 2, "r1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Delete() other company error = %v", err)
	}
	if err := store.Delete(ctx, 1, "r1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get(ctx, 1, "r1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
	if err := store.Delete(ctx, 1, "r1"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}
	if err := store.Add(ctx, sampleRule("r1", 1, 0)); !errors.Is(err, ErrRuleExists) {
		t.Errorf("deleted ids stay reserved, Add() error = %v", err)
	}
}

// TestInMemoryRuleStoreConcurrentAdd verifies concurrent writers and readers
func TestInMemoryRuleStoreConcurrentAdd(t *testing.T) {
	store := NewInMemoryRuleStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if err := store.Add(ctx, sampleRule(fmt.Sprintf("rule-%d", i), 1, i)); err != nil {
				t.Errorf("Add() failed: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			store.GetApplicableRules(ctx, 1, "order", "beforeCreate")
		}()
	}
	wg.Wait()

	list, _ := store.List(ctx, 1, ListFilter{})
	if len(list) != 50 {
		t.Errorf("expected 50 rules, got %d", len(list))
	}
}

func ruleIDs(list []*Rule) []string {
	ids := make([]string, len(list))
	for i, r := range list {
		ids[i] = r.ID
	}
	return ids
}
