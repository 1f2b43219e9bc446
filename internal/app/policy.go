package app

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/adjustment"
	"github.com/odyssey-erp/odyssey-ledger/internal/posting"
	"github.com/odyssey-erp/odyssey-ledger/internal/reconcile"
)

// Policy groups the per-tenant thresholds and default accounts.
type Policy struct {
	Limits         accounting.Limits
	Adjustment     adjustment.Policy
	Reconciliation reconcile.Policy
	Accounts       posting.Accounts
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Limits:         accounting.DefaultLimits(),
		Adjustment:     adjustment.DefaultPolicy(),
		Reconciliation: reconcile.DefaultPolicy(),
		Accounts:       posting.DefaultAccounts(),
	}
}

type policyDoc struct {
	Limits struct {
		FutureGrace        string `yaml:"future_grace"`
		StaleAfter         string `yaml:"stale_after"`
		PettyCashCeiling   string `yaml:"petty_cash_ceiling"`
		ApprovalThreshold  string `yaml:"approval_threshold"`
		SensitiveThreshold string `yaml:"sensitive_threshold"`
	} `yaml:"limits"`
	Adjustment struct {
		AutoApproveBelow string `yaml:"auto_approve_below"`
	} `yaml:"adjustment"`
	Reconciliation struct {
		Epsilon    string `yaml:"epsilon"`
		FixedFloor string `yaml:"fixed_floor"`
		Percentage string `yaml:"percentage"`
	} `yaml:"reconciliation"`
	Accounts posting.Accounts `yaml:"accounts"`
}

// LoadPolicy reads path, or returns the defaults when path is empty.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Policy{}, fmt.Errorf("app: open policy: %w", err)
	}
	defer f.Close()
	return ParsePolicy(f)
}

// ParsePolicy overlays a YAML policy document on the defaults. Omitted
// fields keep their default values.
func ParsePolicy(r io.Reader) (Policy, error) {
	var doc policyDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return Policy{}, fmt.Errorf("app: decode policy: %w", err)
	}
	p := DefaultPolicy()
	durations := []struct {
		raw    string
		target *time.Duration
		name   string
	}{
		{doc.Limits.FutureGrace, &p.Limits.FutureGrace, "limits.future_grace"},
		{doc.Limits.StaleAfter, &p.Limits.StaleAfter, "limits.stale_after"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Policy{}, fmt.Errorf("app: %s: %w", d.name, err)
		}
		*d.target = v
	}
	amounts := []struct {
		raw    string
		target *decimal.Decimal
		name   string
	}{
		{doc.Limits.PettyCashCeiling, &p.Limits.PettyCashCeiling, "limits.petty_cash_ceiling"},
		{doc.Limits.ApprovalThreshold, &p.Limits.ApprovalThreshold, "limits.approval_threshold"},
		{doc.Limits.SensitiveThreshold, &p.Limits.SensitiveThreshold, "limits.sensitive_threshold"},
		{doc.Adjustment.AutoApproveBelow, &p.Adjustment.AutoApproveBelow, "adjustment.auto_approve_below"},
		{doc.Reconciliation.Epsilon, &p.Reconciliation.Epsilon, "reconciliation.epsilon"},
		{doc.Reconciliation.FixedFloor, &p.Reconciliation.FixedFloor, "reconciliation.fixed_floor"},
		{doc.Reconciliation.Percentage, &p.Reconciliation.Percentage, "reconciliation.percentage"},
	}
	for _, a := range amounts {
		if a.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(a.raw)
		if err != nil {
			return Policy{}, fmt.Errorf("app: %s: %w", a.name, err)
		}
		if v.IsNegative() {
			return Policy{}, fmt.Errorf("app: %s must not be negative", a.name)
		}
		*a.target = v
	}
	p.Accounts = p.Accounts.Merge(doc.Accounts)
	return p, nil
}
