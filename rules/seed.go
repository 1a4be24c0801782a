package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/bizrules/internal/logger"
)

// seedRule is one entry of a rules file. Condition and action are free-form
// documents and go through the same JSON decoding as stored rules.
type seedRule struct {
	Rule      `yaml:",inline"`
	Condition any `yaml:"condition"`
	Action    any `yaml:"action"`
}

// RulesFile is the root of a YAML rules file.
type RulesFile struct {
	Rules []seedRule `yaml:"rules"`
}

// LoadRulesFile reads rules from a YAML file. A missing path yields no rules.
func LoadRulesFile(path string) ([]*Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rules file read: %w", err)
	}
	return ParseRulesFile(data)
}

// ParseRulesFile decodes the YAML rules file format.
func ParseRulesFile(data []byte) ([]*Rule, error) {
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rules file unmarshal: %w", err)
	}

	out := make([]*Rule, 0, len(f.Rules))
	for i, entry := range f.Rules {
		rule := entry.Rule.Clone()
		var err error
		if rule.Condition, err = documentAs[Condition](entry.Condition); err != nil {
			return nil, fmt.Errorf("rules file entry %d condition: %w", i, err)
		}
		if rule.Action, err = documentAs[Action](entry.Action); err != nil {
			return nil, fmt.Errorf("rules file entry %d action: %w", i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

// documentAs re-encodes a YAML document as JSON and decodes it into T.
func documentAs[T any](doc any) (*T, error) {
	if doc == nil {
		return nil, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Seed creates every rule through the service, so seeded rules are validated
// like any other. An entry whose id is already taken is left as stored, which
// makes seeding the same file on every start a no-op. It returns how many
// rules were created.
func Seed(ctx context.Context, svc *Service, rules []*Rule) (int, error) {
	created := 0
	for _, r := range rules {
		if _, err := svc.Create(ctx, r); err != nil {
			if errors.Is(err, ErrRuleExists) {
				logger.Debug("seed rule already stored", "ruleId", r.ID, "companyId", r.CompanyID)
				continue
			}
			return created, fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
		created++
	}
	return created, nil
}

// RequireSeedIDs rejects entries without an id. Persistent storage keeps rules
// across restarts, and only an id lets a later start recognise an entry.
func RequireSeedIDs(rules []*Rule) error {
	for i, r := range rules {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("rules file entry %d (%q): %w", i, r.Name,
				invalid("id", "required when rules are stored in a database"))
		}
	}
	return nil
}
