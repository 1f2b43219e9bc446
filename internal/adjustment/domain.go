// Package adjustment corrects hard-locked cycles through approved entries
// posted into the current open period.
package adjustment

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/cycle"
)

// Status of an adjustment entry.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Entry is a requested correction to a locked cycle.
type Entry struct {
	ID                uuid.UUID
	OriginalDate      time.Time
	Shift             int
	SubjectKind       cycle.SubjectKind
	SubjectCode       string
	Location          string
	SystemQuantity    decimal.Decimal
	CorrectedQuantity decimal.Decimal
	Delta             decimal.Decimal
	UnitCost          decimal.Decimal
	Amount            decimal.Decimal
	Status            Status
	RequestedBy       int64
	ApproverID        int64
	Reason            string
	Note              string
	JournalID         *int64
	AutoApproved      bool
	IdempotencyKey    string
	RequestedAt       time.Time
	DecidedAt         *time.Time
}

// Key returns the cycle key being corrected.
func (e Entry) Key() cycle.Key {
	return cycle.NewKey(e.OriginalDate, e.Shift)
}

// Subject returns the cycle subject being corrected.
func (e Entry) Subject() cycle.Subject {
	return cycle.Subject{Kind: e.SubjectKind, Code: e.SubjectCode, Location: e.Location}
}

// Increase reports whether the correction adds quantity or value.
func (e Entry) Increase() bool {
	return e.Delta.IsPositive()
}

// RequestInput is the payload for Request.
type RequestInput struct {
	OriginalDate      time.Time         `json:"original_date" validate:"required"`
	Shift             int               `json:"shift" validate:"gte=0"`
	SubjectKind       cycle.SubjectKind `json:"subject_kind" validate:"required,oneof=ACCOUNT PRODUCT"`
	SubjectCode       string            `json:"subject_code" validate:"required"`
	Location          string            `json:"location"`
	SystemQuantity    decimal.Decimal   `json:"system_quantity"`
	CorrectedQuantity decimal.Decimal   `json:"corrected_quantity"`
	UnitCost          decimal.Decimal   `json:"unit_cost" validate:"gte=0"`
	Note              string            `json:"note" validate:"max=500"`
	// IdempotencyKey deduplicates retried submissions.
	IdempotencyKey string `json:"-"`
}

// Filter narrows entry listings.
type Filter struct {
	Status Status
	Limit  int
	Offset int
}

var (
	// ErrEntryNotFound indicates a missing adjustment.
	ErrEntryNotFound = errors.New("adjustment: entry not found")
	// ErrPeriodNotLocked indicates the target cycle still accepts direct postings.
	ErrPeriodNotLocked = errors.New("adjustment: period not locked")
	// ErrNotPending indicates a decision on an entry already decided.
	ErrNotPending = errors.New("adjustment: entry not pending")
	// ErrSelfApproval indicates the requester tried to decide their own entry.
	ErrSelfApproval = errors.New("adjustment: requester cannot approve")
	// ErrReasonRequired indicates a rejection without reason.
	ErrReasonRequired = errors.New("adjustment: rejection reason required")
	// ErrNoDifference indicates corrected quantity equals system quantity.
	ErrNoDifference = errors.New("adjustment: no difference to correct")
	// ErrInvalidRequest wraps field validation failures.
	ErrInvalidRequest = errors.New("adjustment: invalid request")
)
