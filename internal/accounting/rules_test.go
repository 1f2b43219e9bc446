package accounting

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const seedRules = `
rules:
  - event_type: goods_received
    debit: "1300"
    credit: "2150"
    priority: 10
  - event_type: GOODS_RECEIVED
    debit: "1310"
    credit: "2150"
    priority: 20
    min_amount: "50000"
  - event_type: CUSTOMER_INVOICED
    debit: "1200"
    credit: "4000"
    valid_from: "2024-01-01"
    valid_to: "2024-12-31"
`

func loadSeed(t *testing.T) *RuleRegistry {
	t.Helper()
	rules, err := ParseRulesYAML(strings.NewReader(seedRules))
	require.NoError(t, err)
	reg := NewRuleRegistry(StaticRuleStore(rules))
	require.NoError(t, reg.Load(context.Background()))
	return reg
}

func TestRuleSelectPrefersPriorityAndConditions(t *testing.T) {
	reg := loadSeed(t)
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	rule, ok := reg.Select("GOODS_RECEIVED", date, dec("100"), "")
	require.True(t, ok)
	require.Equal(t, "1300", rule.DebitAccount)

	rule, ok = reg.Select("goods_received", date, dec("75000"), "")
	require.True(t, ok)
	require.Equal(t, "1310", rule.DebitAccount)
}

func TestRuleSelectHonoursValidityWindow(t *testing.T) {
	reg := loadSeed(t)
	_, ok := reg.Select("CUSTOMER_INVOICED", time.Date(2024, 12, 31, 18, 0, 0, 0, time.UTC), dec("1"), "")
	require.True(t, ok)
	_, ok = reg.Select("CUSTOMER_INVOICED", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), dec("1"), "")
	require.False(t, ok)
}

func TestRuleVerify(t *testing.T) {
	reg := loadSeed(t)
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	matching := PostingInput{EventType: "GOODS_RECEIVED", Date: date, Lines: []PostingLineInput{
		{AccountCode: "2150", Credit: dec("10")},
		{AccountCode: "1300", Debit: dec("10")},
	}}
	require.Empty(t, reg.Verify(matching))

	swapped := PostingInput{EventType: "GOODS_RECEIVED", Date: date, Lines: []PostingLineInput{
		{AccountCode: "2150", Debit: dec("10")},
		{AccountCode: "1300", Credit: dec("10")},
	}}
	issues := reg.Verify(swapped)
	require.Len(t, issues, 1)
	require.Equal(t, IssueRuleMismatch, issues[0].Code)
	require.Equal(t, SeverityError, issues[0].Severity)

	unknown := PostingInput{EventType: "PAYROLL", Date: date, Lines: matching.Lines}
	issues = reg.Verify(unknown)
	require.Len(t, issues, 1)
	require.Equal(t, IssueRuleMissing, issues[0].Code)
	require.Equal(t, SeverityWarning, issues[0].Severity)
}

func TestRuleConflictRejected(t *testing.T) {
	rules := StaticRuleStore{
		{EventType: "GOODS_RECEIVED", DebitAccount: "1300", CreditAccount: "2150", Priority: 1, IsActive: true},
		{EventType: "GOODS_RECEIVED", DebitAccount: "1310", CreditAccount: "2150", Priority: 1, IsActive: true},
	}
	reg := NewRuleRegistry(rules)
	require.ErrorIs(t, reg.Load(context.Background()), ErrRuleConflict)
}

func TestRuleRefreshKeepsPreviousSetOnFailure(t *testing.T) {
	store := &flakyRuleStore{rules: StaticRuleStore{
		{EventType: "GOODS_RECEIVED", DebitAccount: "1300", CreditAccount: "2150", IsActive: true},
	}}
	reg := NewRuleRegistry(store)
	require.NoError(t, reg.Load(context.Background()))
	store.fail = true
	require.Error(t, reg.Refresh(context.Background()))
	require.Len(t, reg.Rules("GOODS_RECEIVED"), 1)
}

type flakyRuleStore struct {
	rules StaticRuleStore
	fail  bool
}

func (s *flakyRuleStore) ListPostingRules(ctx context.Context) ([]PostingRule, error) {
	if s.fail {
		return nil, context.DeadlineExceeded
	}
	return s.rules.ListPostingRules(ctx)
}
