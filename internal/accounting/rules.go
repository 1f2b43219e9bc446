package accounting

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// PostingRule maps a business event type to the debit/credit account pair it must produce.
type PostingRule struct {
	ID            int64
	EventType     string
	DebitAccount  string
	CreditAccount string
	MinAmount     *decimal.Decimal
	MaxAmount     *decimal.Decimal
	Currency      string
	Priority      int
	ValidFrom     time.Time
	ValidTo       *time.Time
	IsActive      bool
}

// AppliesAt reports whether date falls inside the rule's validity window.
func (r PostingRule) AppliesAt(date time.Time) bool {
	if !r.ValidFrom.IsZero() && date.Before(r.ValidFrom) {
		return false
	}
	if r.ValidTo != nil && date.After(*r.ValidTo) {
		return false
	}
	return true
}

// Matches reports whether amount and currency satisfy the rule's conditions.
func (r PostingRule) Matches(amount decimal.Decimal, currency string) bool {
	if r.MinAmount != nil && amount.LessThan(*r.MinAmount) {
		return false
	}
	if r.MaxAmount != nil && amount.GreaterThan(*r.MaxAmount) {
		return false
	}
	if r.Currency != "" && currency != "" && !strings.EqualFold(r.Currency, currency) {
		return false
	}
	return true
}

func (r PostingRule) overlaps(other PostingRule) bool {
	if r.ValidTo != nil && !other.ValidFrom.IsZero() && r.ValidTo.Before(other.ValidFrom) {
		return false
	}
	if other.ValidTo != nil && !r.ValidFrom.IsZero() && other.ValidTo.Before(r.ValidFrom) {
		return false
	}
	if r.Currency != "" && other.Currency != "" && !strings.EqualFold(r.Currency, other.Currency) {
		return false
	}
	return true
}

// RuleStore loads posting rules.
type RuleStore interface {
	ListPostingRules(ctx context.Context) ([]PostingRule, error)
}

// RuleRegistry holds the active posting rules indexed by event type.
type RuleRegistry struct {
	store   RuleStore
	mu      sync.RWMutex
	byEvent map[string][]PostingRule
}

// NewRuleRegistry constructs an empty registry backed by store.
func NewRuleRegistry(store RuleStore) *RuleRegistry {
	return &RuleRegistry{store: store, byEvent: map[string][]PostingRule{}}
}

// Load replaces the registry contents. Two active rules for the same event
// type and priority with overlapping windows are rejected with ErrRuleConflict.
func (r *RuleRegistry) Load(ctx context.Context) error {
	rules, err := r.store.ListPostingRules(ctx)
	if err != nil {
		return fmt.Errorf("accounting: load posting rules: %w", err)
	}
	byEvent, err := indexRules(rules)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.byEvent = byEvent
	r.mu.Unlock()
	return nil
}

// Refresh reloads rules; the previous set stays in place when loading fails.
func (r *RuleRegistry) Refresh(ctx context.Context) error {
	return r.Load(ctx)
}

func indexRules(rules []PostingRule) (map[string][]PostingRule, error) {
	byEvent := make(map[string][]PostingRule)
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		key := strings.ToUpper(rule.EventType)
		for _, existing := range byEvent[key] {
			if existing.Priority == rule.Priority && existing.overlaps(rule) {
				return nil, fmt.Errorf("%w: %s priority %d", ErrRuleConflict, key, rule.Priority)
			}
		}
		byEvent[key] = append(byEvent[key], rule)
	}
	for key := range byEvent {
		list := byEvent[key]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
	}
	return byEvent, nil
}

// Select returns the highest-priority active rule matching the event.
func (r *RuleRegistry) Select(eventType string, date time.Time, amount decimal.Decimal, currency string) (PostingRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.byEvent[strings.ToUpper(eventType)] {
		if rule.AppliesAt(date) && rule.Matches(amount, currency) {
			return rule, true
		}
	}
	return PostingRule{}, false
}

// Verify checks that the candidate's account pair matches the rule selected
// for its event type. Line order does not matter.
func (r *RuleRegistry) Verify(in PostingInput) []Issue {
	debit, _ := in.Totals()
	rule, ok := r.Select(in.EventType, in.Date, debit, in.Currency)
	if !ok {
		return []Issue{{
			Code:     IssueRuleMissing,
			Severity: SeverityWarning,
			Line:     -1,
			Message:  fmt.Sprintf("no posting rule for event %q", in.EventType),
		}}
	}
	debits := map[string]bool{}
	credits := map[string]bool{}
	for _, line := range in.Lines {
		if line.Debit.IsPositive() {
			debits[line.AccountCode] = true
		}
		if line.Credit.IsPositive() {
			credits[line.AccountCode] = true
		}
	}
	if len(debits) == 1 && debits[rule.DebitAccount] && len(credits) == 1 && credits[rule.CreditAccount] {
		return nil
	}
	return []Issue{{
		Code:     IssueRuleMismatch,
		Severity: SeverityError,
		Line:     -1,
		Message:  fmt.Sprintf("event %q must post Dr %s / Cr %s", in.EventType, rule.DebitAccount, rule.CreditAccount),
	}}
}

// Rules returns a copy of the active rules for eventType.
func (r *RuleRegistry) Rules(eventType string) []PostingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]PostingRule(nil), r.byEvent[strings.ToUpper(eventType)]...)
}

type ruleFile struct {
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	EventType string `yaml:"event_type"`
	Debit     string `yaml:"debit"`
	Credit    string `yaml:"credit"`
	Priority  int    `yaml:"priority"`
	MinAmount string `yaml:"min_amount"`
	MaxAmount string `yaml:"max_amount"`
	Currency  string `yaml:"currency"`
	ValidFrom string `yaml:"valid_from"`
	ValidTo   string `yaml:"valid_to"`
	Inactive  bool   `yaml:"inactive"`
}

// ParseRulesYAML decodes a rule seed document.
func ParseRulesYAML(r io.Reader) ([]PostingRule, error) {
	var doc ruleFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("accounting: decode rules: %w", err)
	}
	out := make([]PostingRule, 0, len(doc.Rules))
	for idx, d := range doc.Rules {
		if d.EventType == "" || d.Debit == "" || d.Credit == "" {
			return nil, fmt.Errorf("accounting: rule %d requires event_type, debit and credit", idx)
		}
		rule := PostingRule{
			EventType:     strings.ToUpper(d.EventType),
			DebitAccount:  d.Debit,
			CreditAccount: d.Credit,
			Priority:      d.Priority,
			Currency:      strings.ToUpper(d.Currency),
			IsActive:      !d.Inactive,
		}
		var err error
		if rule.MinAmount, err = parseOptionalDecimal(d.MinAmount); err != nil {
			return nil, fmt.Errorf("accounting: rule %d min_amount: %w", idx, err)
		}
		if rule.MaxAmount, err = parseOptionalDecimal(d.MaxAmount); err != nil {
			return nil, fmt.Errorf("accounting: rule %d max_amount: %w", idx, err)
		}
		if d.ValidFrom != "" {
			if rule.ValidFrom, err = time.Parse("2006-01-02", d.ValidFrom); err != nil {
				return nil, fmt.Errorf("accounting: rule %d valid_from: %w", idx, err)
			}
		}
		if d.ValidTo != "" {
			to, err := time.Parse("2006-01-02", d.ValidTo)
			if err != nil {
				return nil, fmt.Errorf("accounting: rule %d valid_to: %w", idx, err)
			}
			end := to.Add(24*time.Hour - time.Nanosecond)
			rule.ValidTo = &end
		}
		out = append(out, rule)
	}
	if _, err := indexRules(out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseOptionalDecimal(raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// StaticRuleStore serves a fixed rule set, typically parsed from YAML.
type StaticRuleStore []PostingRule

// ListPostingRules implements RuleStore.
func (s StaticRuleStore) ListPostingRules(context.Context) ([]PostingRule, error) {
	return append([]PostingRule(nil), s...), nil
}
