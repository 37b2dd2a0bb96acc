package matcher

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mergedesk/mergedesk/internal/database"
	"github.com/mergedesk/mergedesk/internal/testhelpers"
)

func ticket(id uint, mutate func(*database.Ticket)) database.Ticket {
	t := database.Ticket{ID: id, Status: database.TicketStatusOpen}
	if mutate != nil {
		mutate(&t)
	}
	return t
}

func TestNewFieldMatcher_Validation(t *testing.T) {
	tests := []struct {
		name    string
		rules   []Rule
		wantErr bool
	}{
		{"defaults on empty", nil, false},
		{"valid rule", []Rule{{Name: "r", Fields: []string{"category"}, Confidence: database.ConfidenceHigh}}, false},
		{"missing name", []Rule{{Fields: []string{"category"}, Confidence: database.ConfidenceHigh}}, true},
		{"no fields", []Rule{{Name: "r", Confidence: database.ConfidenceHigh}}, true},
		{"bad confidence", []Rule{{Name: "r", Fields: []string{"category"}, Confidence: "sure"}}, true},
		{"unsupported field", []Rule{{Name: "r", Fields: []string{"assignee"}, Confidence: database.ConfidenceLow}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFieldMatcher(tt.rules)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestMatch_GroupsByTransactionRef(t *testing.T) {
	m, err := NewFieldMatcher(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tickets := []database.Ticket{
		ticket(1, func(t *database.Ticket) { t.TransactionRef = "TX-100" }),
		ticket(2, func(t *database.Ticket) { t.TransactionRef = "TX-100" }),
		ticket(3, func(t *database.Ticket) { t.TransactionRef = "TX-200" }),
	}

	groups, err := m.Match(context.Background(), tickets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}

	g := groups[0]
	if g.Confidence != database.ConfidenceHigh {
		t.Errorf("expected high confidence from the transaction rule, got %s", g.Confidence)
	}
	if len(g.TicketIDs) != 2 {
		t.Errorf("expected tickets 1 and 2 grouped, got %v", g.TicketIDs)
	}
	if g.Signals["rule"] != "same-transaction" {
		t.Errorf("expected rule name in signals, got %v", g.Signals["rule"])
	}
}

func TestMatch_TicketJoinsAtMostOneGroup(t *testing.T) {
	m, _ := NewFieldMatcher(nil)

	// Tickets 1 and 2 share a transaction ref; tickets 1 and 3 share
	// category and amount. The higher-priority rule claims ticket 1, so
	// the second rule cannot form a group with only ticket 3 left.
	tickets := []database.Ticket{
		ticket(1, func(t *database.Ticket) {
			t.TransactionRef = "TX-1"
			t.Category = "billing"
			t.Amount = decimal.RequireFromString("49.99")
		}),
		ticket(2, func(t *database.Ticket) { t.TransactionRef = "TX-1" }),
		ticket(3, func(t *database.Ticket) {
			t.Category = "billing"
			t.Amount = decimal.RequireFromString("49.99")
		}),
	}

	groups, err := m.Match(context.Background(), tickets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].Signals["rule"] != "same-transaction" {
		t.Errorf("expected the transaction rule to win, got %v", groups[0].Signals["rule"])
	}
}

func TestMatch_EmptyValuesNeverMatch(t *testing.T) {
	m, _ := NewFieldMatcher(nil)

	tickets := []database.Ticket{
		ticket(1, nil),
		ticket(2, nil),
		ticket(3, nil),
	}

	groups, err := m.Match(context.Background(), tickets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("expected no groups for tickets with empty match fields, got %d", len(groups))
	}
}

func TestMatch_SummaryNormalized(t *testing.T) {
	m, _ := NewFieldMatcher([]Rule{
		{Name: "same-summary", Fields: []string{"summary"}, Confidence: database.ConfidenceLow},
	})

	tickets := []database.Ticket{
		ticket(1, func(t *database.Ticket) { t.Summary = "Double Charge " }),
		ticket(2, func(t *database.Ticket) { t.Summary = "double charge" }),
	}

	groups, err := m.Match(context.Background(), tickets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 1 {
		t.Errorf("expected case/whitespace-insensitive summary match, got %d groups", len(groups))
	}
}

func TestLoadRules(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		rules, err := LoadRules("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(rules) != len(DefaultRules()) {
			t.Errorf("expected default rules, got %d", len(rules))
		}
	})

	t.Run("missing file returns defaults", func(t *testing.T) {
		rules, err := LoadRules("/nonexistent/rules.yaml")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(rules) != len(DefaultRules()) {
			t.Errorf("expected default rules, got %d", len(rules))
		}
	})

	t.Run("reads yaml file", func(t *testing.T) {
		path := testhelpers.WriteTestFile(t, t.TempDir(), "rules.yaml", `
rules:
  - name: same-ref
    fields: [transaction_ref]
    confidence: high
  - name: same-category
    fields: [category]
    confidence: low
`)
		rules, err := LoadRules(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(rules) != 2 {
			t.Fatalf("expected 2 rules, got %d", len(rules))
		}
		if rules[0].Name != "same-ref" || rules[0].Confidence != database.ConfidenceHigh {
			t.Errorf("unexpected first rule: %+v", rules[0])
		}
		if _, err := NewFieldMatcher(rules); err != nil {
			t.Errorf("expected loaded rules to validate, got %v", err)
		}
	})

	t.Run("invalid yaml fails", func(t *testing.T) {
		path := testhelpers.WriteTestFile(t, t.TempDir(), "rules.yaml", "rules: [")
		if _, err := LoadRules(path); err == nil {
			t.Error("expected error for malformed yaml")
		}
	})
}
