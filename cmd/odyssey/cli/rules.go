package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
)

// RuleWriter replaces the active posting rule set.
type RuleWriter interface {
	ReplacePostingRules(ctx context.Context, rules []accounting.PostingRule) error
}

// SeedRules parses a YAML rule file and, unless dryRun is set, replaces the
// stored rule set. Conflicting rules are rejected before anything is written.
func SeedRules(ctx context.Context, w RuleWriter, r io.Reader, dryRun bool) ([]accounting.PostingRule, error) {
	rules, err := accounting.ParseRulesYAML(r)
	if err != nil {
		return nil, fmt.Errorf("rules seed: %w", err)
	}
	if dryRun {
		return rules, nil
	}
	if err := w.ReplacePostingRules(ctx, rules); err != nil {
		return nil, fmt.Errorf("rules seed: %w", err)
	}
	return rules, nil
}
