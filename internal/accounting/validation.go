package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Severity distinguishes blocking issues from advisory ones.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// IssueCode identifies a validation finding.
type IssueCode string

const (
	IssueUnbalanced      IssueCode = "UNBALANCED"
	IssueNoLines         IssueCode = "NO_LINES"
	IssueLineSides       IssueCode = "LINE_SIDES"
	IssueNegativeAmount  IssueCode = "NEGATIVE_AMOUNT"
	IssueAccountNotFound IssueCode = "ACCOUNT_NOT_FOUND"
	IssueAccountInactive IssueCode = "ACCOUNT_INACTIVE"
	IssueUnusualSide     IssueCode = "UNUSUAL_SIDE"
	IssueDateRequired    IssueCode = "DATE_REQUIRED"
	IssueFutureDated     IssueCode = "FUTURE_DATED"
	IssueStaleDate       IssueCode = "STALE_DATE"
	IssuePettyCashLimit  IssueCode = "PETTY_CASH_LIMIT"
	IssueRuleMissing     IssueCode = "RULE_MISSING"
	IssueRuleMismatch    IssueCode = "RULE_MISMATCH"
)

// Issue is a single validation finding. Line is -1 for entry-level issues.
type Issue struct {
	Code     IssueCode
	Severity Severity
	Line     int
	Message  string
}

// ValidationResult separates fatal errors, advisory warnings and the approval signal.
type ValidationResult struct {
	Errors           []Issue
	Warnings         []Issue
	ApprovalRequired bool
	ApprovalReasons  []string
}

// Valid reports whether no fatal issue was found.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns a *ValidationError when the result carries fatal issues.
func (r ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return &ValidationError{Issues: append([]Issue(nil), r.Errors...)}
}

func (r *ValidationResult) add(issue Issue) {
	if issue.Severity == SeverityWarning {
		r.Warnings = append(r.Warnings, issue)
		return
	}
	r.Errors = append(r.Errors, issue)
}

func (r *ValidationResult) merge(issues []Issue) {
	for _, issue := range issues {
		r.add(issue)
	}
}

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("accounting: validation failed")

// ValidationError carries every fatal issue found on a candidate entry.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Code, issue.Message))
	}
	return "accounting: validation failed: " + strings.Join(parts, "; ")
}

// Is allows errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Has reports whether the error carries an issue with code.
func (e *ValidationError) Has(code IssueCode) bool {
	for _, issue := range e.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// Limits holds the overridable domain thresholds.
type Limits struct {
	FutureGrace        time.Duration
	StaleAfter         time.Duration
	PettyCashCeiling   decimal.Decimal
	ApprovalThreshold  decimal.Decimal
	SensitiveThreshold decimal.Decimal
}

// DefaultLimits returns the stock thresholds.
func DefaultLimits() Limits {
	return Limits{
		FutureGrace:        7 * 24 * time.Hour,
		StaleAfter:         365 * 24 * time.Hour,
		PettyCashCeiling:   decimal.NewFromInt(500),
		ApprovalThreshold:  decimal.NewFromInt(10000),
		SensitiveThreshold: decimal.NewFromInt(1000),
	}
}

// AccountLookup resolves accounts by code.
type AccountLookup interface {
	Lookup(code string) (Account, bool)
}

// Validator checks candidate entries before anything is persisted.
type Validator struct {
	accounts AccountLookup
	limits   Limits
	logger   *slog.Logger
	now      func() time.Time
}

// NewValidator constructs a Validator.
func NewValidator(accounts AccountLookup, limits Limits, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{accounts: accounts, limits: limits, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (v *Validator) WithNow(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// Limits returns the thresholds in effect.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate runs every check and accumulates all issues. It never stops at the first failure.
func (v *Validator) Validate(ctx context.Context, in PostingInput) ValidationResult {
	var res ValidationResult
	v.checkBalance(&res, in)
	v.checkStructure(&res, in)
	v.checkAccounts(&res, in)
	v.checkDate(ctx, &res, in)
	v.checkLimits(&res, in)
	return res
}

func (v *Validator) checkBalance(res *ValidationResult, in PostingInput) {
	debit, credit := in.Totals()
	if !debit.Equal(credit) {
		res.add(Issue{
			Code:     IssueUnbalanced,
			Severity: SeverityError,
			Line:     -1,
			Message:  fmt.Sprintf("debit %s does not equal credit %s", debit.String(), credit.String()),
		})
	}
}

func (v *Validator) checkStructure(res *ValidationResult, in PostingInput) {
	if len(in.Lines) == 0 {
		res.add(Issue{Code: IssueNoLines, Severity: SeverityError, Line: -1, Message: "entry has no lines"})
		return
	}
	for idx, line := range in.Lines {
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			res.add(Issue{Code: IssueNegativeAmount, Severity: SeverityError, Line: idx, Message: "amounts cannot be negative"})
			continue
		}
		if line.Debit.IsPositive() == line.Credit.IsPositive() {
			res.add(Issue{Code: IssueLineSides, Severity: SeverityError, Line: idx, Message: "line must carry exactly one of debit or credit"})
		}
	}
}

func (v *Validator) checkAccounts(res *ValidationResult, in PostingInput) {
	for idx, line := range in.Lines {
		acct, ok := v.lookup(line.AccountCode)
		if !ok {
			res.add(Issue{Code: IssueAccountNotFound, Severity: SeverityError, Line: idx, Message: fmt.Sprintf("account %q not found", line.AccountCode)})
			continue
		}
		if !acct.IsActive {
			res.add(Issue{Code: IssueAccountInactive, Severity: SeverityError, Line: idx, Message: fmt.Sprintf("account %q is inactive", acct.Code)})
		}
		switch {
		case acct.Type == AccountTypeRevenue && line.Debit.IsPositive():
			res.add(Issue{Code: IssueUnusualSide, Severity: SeverityWarning, Line: idx, Message: fmt.Sprintf("debit to revenue account %s", acct.Code)})
		case acct.Type == AccountTypeExpense && line.Credit.IsPositive():
			res.add(Issue{Code: IssueUnusualSide, Severity: SeverityWarning, Line: idx, Message: fmt.Sprintf("credit to expense account %s", acct.Code)})
		}
	}
}

func (v *Validator) checkDate(ctx context.Context, res *ValidationResult, in PostingInput) {
	if in.Date.IsZero() {
		res.add(Issue{Code: IssueDateRequired, Severity: SeverityError, Line: -1, Message: "entry date required"})
		return
	}
	now := v.now()
	if in.Date.After(now.Add(v.limits.FutureGrace)) {
		res.add(Issue{Code: IssueFutureDated, Severity: SeverityError, Line: -1, Message: fmt.Sprintf("date %s is beyond the future posting window", in.Date.Format("2006-01-02"))})
	}
	if in.Date.Before(now.Add(-v.limits.StaleAfter)) {
		res.add(Issue{Code: IssueStaleDate, Severity: SeverityWarning, Line: -1, Message: fmt.Sprintf("date %s is older than the stale window", in.Date.Format("2006-01-02"))})
		v.logger.WarnContext(ctx, "stale journal date",
			slog.String("reference", in.Reference),
			slog.Time("date", in.Date))
	}
}

func (v *Validator) checkLimits(res *ValidationResult, in PostingInput) {
	debit, _ := in.Totals()
	if debit.GreaterThanOrEqual(v.limits.ApprovalThreshold) {
		res.ApprovalRequired = true
		res.ApprovalReasons = append(res.ApprovalReasons, fmt.Sprintf("total %s reaches approval threshold %s", debit.StringFixed(2), v.limits.ApprovalThreshold.StringFixed(2)))
	}
	for idx, line := range in.Lines {
		acct, ok := v.lookup(line.AccountCode)
		if !ok {
			continue
		}
		amount := line.Debit.Add(line.Credit)
		switch acct.Class {
		case AccountClassPettyCash:
			if amount.GreaterThan(v.limits.PettyCashCeiling) {
				res.add(Issue{Code: IssuePettyCashLimit, Severity: SeverityError, Line: idx, Message: fmt.Sprintf("petty cash line %s exceeds ceiling %s", amount.StringFixed(2), v.limits.PettyCashCeiling.StringFixed(2))})
			}
		case AccountClassSensitive:
			if amount.GreaterThanOrEqual(v.limits.SensitiveThreshold) {
				res.ApprovalRequired = true
				res.ApprovalReasons = append(res.ApprovalReasons, fmt.Sprintf("sensitive account %s line %s", acct.Code, amount.StringFixed(2)))
			}
		}
	}
}

func (v *Validator) lookup(code string) (Account, bool) {
	if v.accounts == nil || code == "" {
		return Account{}, false
	}
	return v.accounts.Lookup(code)
}
