package matcher

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mergedesk/mergedesk/internal/database"
)

// Rule groups tickets whose listed fields are all equal and non-empty
type Rule struct {
	Name       string              `yaml:"name"`
	Fields     []string            `yaml:"fields"`
	Confidence database.Confidence `yaml:"confidence"`
}

// RulesFile is the on-disk shape of a matcher rules file
type RulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Supported field names for matching rules
var supportedFields = map[string]func(*database.Ticket) string{
	"transaction_ref": func(t *database.Ticket) string { return t.TransactionRef },
	"category":        func(t *database.Ticket) string { return t.Category },
	"amount":          func(t *database.Ticket) string { return t.Amount.String() },
	"summary":         func(t *database.Ticket) string { return strings.ToLower(strings.TrimSpace(t.Summary)) },
}

// DefaultRules are used when no rules file is configured
func DefaultRules() []Rule {
	return []Rule{
		{Name: "same-transaction", Fields: []string{"transaction_ref"}, Confidence: database.ConfidenceHigh},
		{Name: "same-category-amount", Fields: []string{"category", "amount"}, Confidence: database.ConfidenceMedium},
		{Name: "same-summary", Fields: []string{"summary"}, Confidence: database.ConfidenceLow},
	}
}

// FieldMatcher groups tickets by exact equality on configured fields.
// Rules are evaluated in order; a ticket joins at most one group, so
// higher-confidence rules should come first.
type FieldMatcher struct {
	rules []Rule
}

// NewFieldMatcher creates a matcher with the given rules
func NewFieldMatcher(rules []Rule) (*FieldMatcher, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("matcher rule has no name")
		}
		if len(r.Fields) == 0 {
			return nil, fmt.Errorf("matcher rule %s has no fields", r.Name)
		}
		if !database.ValidConfidence(r.Confidence) {
			return nil, fmt.Errorf("matcher rule %s has unknown confidence %q", r.Name, r.Confidence)
		}
		for _, f := range r.Fields {
			if _, ok := supportedFields[f]; !ok {
				return nil, fmt.Errorf("matcher rule %s references unsupported field %q", r.Name, f)
			}
		}
	}
	return &FieldMatcher{rules: rules}, nil
}

// LoadRules reads a rules file. A missing path returns the default rules.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read matcher rules: %w", err)
	}
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse matcher rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return DefaultRules(), nil
	}
	return f.Rules, nil
}

// Match groups the tickets by rule keys and returns groups of two or more
func (m *FieldMatcher) Match(ctx context.Context, tickets []database.Ticket) ([]CandidateGroup, error) {
	claimed := make(map[uint]bool, len(tickets))
	var groups []CandidateGroup

	for _, rule := range m.rules {
		buckets := make(map[string][]*database.Ticket)
		for i := range tickets {
			t := &tickets[i]
			if claimed[t.ID] {
				continue
			}
			key, ok := ruleKey(rule, t)
			if !ok {
				continue
			}
			buckets[key] = append(buckets[key], t)
		}

		for key, members := range buckets {
			if len(members) < 2 {
				continue
			}
			ids := make([]uint, len(members))
			for i, t := range members {
				ids[i] = t.ID
				claimed[t.ID] = true
			}
			groups = append(groups, CandidateGroup{
				TicketIDs:  ids,
				Confidence: rule.Confidence,
				Signals: database.JSONB{
					"rule":           rule.Name,
					"matched_fields": rule.Fields,
					"match_key":      key,
				},
			})
		}
	}
	return groups, nil
}

// ruleKey builds the bucket key for a ticket under a rule. Tickets with an
// empty value in any rule field never match.
func ruleKey(rule Rule, t *database.Ticket) (string, bool) {
	parts := make([]string, 0, len(rule.Fields))
	for _, f := range rule.Fields {
		v := supportedFields[f](t)
		if v == "" || v == "0" {
			return "", false
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, "|"), true
}
