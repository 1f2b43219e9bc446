package accounting

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// DebitNormal reports whether balances of this type normally sit on the debit side.
func (t AccountType) DebitNormal() bool {
	return t == AccountTypeAsset || t == AccountTypeExpense
}

// AccountClass tags accounts subject to domain limits.
type AccountClass string

const (
	AccountClassNone      AccountClass = ""
	AccountClassPettyCash AccountClass = "PETTY_CASH"
	AccountClassSensitive AccountClass = "SENSITIVE"
)

// JournalStatus enumerates journal lifecycle values.
type JournalStatus string

const (
	// JournalStatusDraft marks entries staged pending approval. Drafts carry no balance effect.
	JournalStatusDraft  JournalStatus = "DRAFT"
	JournalStatusPosted JournalStatus = "POSTED"
)

// Account models a chart of accounts node.
type Account struct {
	Code       string
	Name       string
	Type       AccountType
	ParentCode string
	Class      AccountClass
	Inventory  bool
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JournalEntry captures posting metadata.
type JournalEntry struct {
	ID               int64
	Number           int64
	Date             time.Time
	Reference        string
	Description      string
	Status           JournalStatus
	TotalDebit       decimal.Decimal
	TotalCredit      decimal.Decimal
	SourceModule     string
	EventType        string
	SourceID         uuid.UUID
	OriginalDate     *time.Time
	RequiresApproval bool
	PostedBy         int64
	PostedAt         time.Time
	CreatedAt        time.Time
	Lines            []JournalLine
}

// JournalLine stores debit or credit amount for an account.
type JournalLine struct {
	ID          int64
	JournalID   int64
	AccountCode string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	ProductCode string
	Description string
}

// AccountMapping links integration keys to ledger accounts.
type AccountMapping struct {
	Module      string
	Key         string
	AccountCode string
	UpdatedAt   time.Time
}

// PostingLineInput describes a journal line for posting request.
type PostingLineInput struct {
	AccountCode string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	ProductCode string
	Description string
}

// PostingInput groups fields required to create a journal entry.
type PostingInput struct {
	Date         time.Time
	Reference    string
	Description  string
	SourceModule string
	EventType    string
	SourceID     uuid.UUID
	Currency     string
	OriginalDate *time.Time
	PostedBy     int64
	// PreApproved marks entries whose caller already holds approval authority.
	PreApproved bool
	Lines       []PostingLineInput
}

// Totals returns Σdebit and Σcredit.
func (in PostingInput) Totals() (debit, credit decimal.Decimal) {
	for _, line := range in.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit
}

// PostResult reports the outcome of a posting.
type PostResult struct {
	Entry            JournalEntry
	Warnings         []Issue
	ApprovalRequired bool
	ApprovalReasons  []string
}

// JournalFilter narrows journal listings.
type JournalFilter struct {
	From         *time.Time
	To           *time.Time
	SourceModule string
	Status       JournalStatus
	Limit        int
	Offset       int
}

// TrialBalanceLine aggregates posted activity per account.
type TrialBalanceLine struct {
	AccountCode string          `json:"account_code"`
	AccountName string          `json:"account_name"`
	Type        AccountType     `json:"type"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Balance     decimal.Decimal `json:"balance"`
}

var (
	// ErrSourceAlreadyLinked indicates idempotency conflict.
	ErrSourceAlreadyLinked = errors.New("accounting: source already linked")
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = errors.New("accounting: journal entry not found")
	// ErrInvalidStatus indicates action can't proceed.
	ErrInvalidStatus = errors.New("accounting: invalid status transition")
	// ErrMappingNotFound indicates account mapping missing.
	ErrMappingNotFound = errors.New("accounting: account mapping not found")
	// ErrSourceRequired indicates a posting without a source link.
	ErrSourceRequired = errors.New("accounting: source module and id required")
	// ErrRuleConflict indicates two active rules share an event type and priority.
	ErrRuleConflict = errors.New("accounting: conflicting posting rules")
)
