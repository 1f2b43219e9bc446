// Package cycle maintains per-(date, shift) opening and closing balance
// snapshots and the locking lifecycle that freezes them.
package cycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the progress of one half of a cycle.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

// State is the combined lifecycle position of a cycle.
type State string

const (
	StatePending           State = "PENDING"
	StateOpeningInProgress State = "OPENING_IN_PROGRESS"
	StateOpeningCompleted  State = "OPENING_COMPLETED"
	StateClosingInProgress State = "CLOSING_IN_PROGRESS"
	StateClosingCompleted  State = "CLOSING_COMPLETED"
	StateError             State = "ERROR"
)

// Key identifies a cycle. Shift is 0 for daily schedules.
type Key struct {
	Date  time.Time
	Shift int
}

// NewKey normalises date to midnight UTC.
func NewKey(date time.Time, shift int) Key {
	y, m, d := date.Date()
	return Key{Date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Shift: shift}
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.Date.Format("2006-01-02"), k.Shift)
}

// Before orders keys chronologically.
func (k Key) Before(other Key) bool {
	if !k.Date.Equal(other.Date) {
		return k.Date.Before(other.Date)
	}
	return k.Shift < other.Shift
}

// Cycle is the status row for a key.
type Cycle struct {
	Key           Key
	OpeningStatus Status
	ClosingStatus Status
	OpenedAt      *time.Time
	ClosedAt      *time.Time
	ClosedBy      int64
	GraceUntil    *time.Time
	LastError     string
	UpdatedAt     time.Time
}

// State derives the lifecycle position.
func (c Cycle) State() State {
	switch {
	case c.OpeningStatus == StatusError || c.ClosingStatus == StatusError:
		return StateError
	case c.ClosingStatus == StatusCompleted:
		return StateClosingCompleted
	case c.ClosingStatus == StatusInProgress:
		return StateClosingInProgress
	case c.OpeningStatus == StatusCompleted:
		return StateOpeningCompleted
	case c.OpeningStatus == StatusInProgress:
		return StateOpeningInProgress
	}
	return StatePending
}

// Opened reports whether opening balances were captured.
func (c Cycle) Opened() bool {
	return c.OpeningStatus == StatusCompleted
}

// Closed reports whether closing balances were computed.
func (c Cycle) Closed() bool {
	return c.ClosingStatus == StatusCompleted
}

// InGrace reports whether a closed cycle still accepts in-place corrections.
func (c Cycle) InGrace(now time.Time) bool {
	return c.Closed() && c.GraceUntil != nil && now.Before(*c.GraceUntil)
}

// HardLocked reports whether the cycle is closed and past its grace period.
func (c Cycle) HardLocked(now time.Time) bool {
	return c.Closed() && !c.InGrace(now)
}

// SubjectKind distinguishes GL accounts from inventory products.
type SubjectKind string

const (
	SubjectAccount SubjectKind = "ACCOUNT"
	SubjectProduct SubjectKind = "PRODUCT"
)

// Subject is the thing a balance row tracks.
type Subject struct {
	Kind     SubjectKind
	Code     string
	Location string
}

func (s Subject) String() string {
	if s.Location == "" {
		return string(s.Kind) + ":" + s.Code
	}
	return string(s.Kind) + ":" + s.Code + "@" + s.Location
}

// MovementKind names a balance bucket.
type MovementKind string

const (
	MovementReceived       MovementKind = "RECEIVED"
	MovementIssued         MovementKind = "ISSUED"
	MovementTransferredIn  MovementKind = "TRANSFERRED_IN"
	MovementTransferredOut MovementKind = "TRANSFERRED_OUT"
	MovementAdjusted       MovementKind = "ADJUSTED"
)

// Bucket accumulates quantity and value for one movement kind.
type Bucket struct {
	Qty   decimal.Decimal
	Value decimal.Decimal
}

func (b Bucket) add(qty, value decimal.Decimal) Bucket {
	return Bucket{Qty: b.Qty.Add(qty), Value: b.Value.Add(value)}
}

// DailyBalance is the per-subject snapshot for a cycle key.
type DailyBalance struct {
	Key            Key
	Subject        Subject
	OpeningQty     decimal.Decimal
	OpeningValue   decimal.Decimal
	Received       Bucket
	Issued         Bucket
	TransferredIn  Bucket
	TransferredOut Bucket
	Adjusted       Bucket
	ClosingQty     decimal.Decimal
	ClosingValue   decimal.Decimal
	Locked         bool
	LockedBy       int64
	LockedAt       *time.Time
}

// ComputeClosing returns opening + received − issued + in − out + adjusted.
func (b DailyBalance) ComputeClosing() (qty, value decimal.Decimal) {
	qty = b.OpeningQty.Add(b.Received.Qty).Sub(b.Issued.Qty).
		Add(b.TransferredIn.Qty).Sub(b.TransferredOut.Qty).Add(b.Adjusted.Qty)
	value = b.OpeningValue.Add(b.Received.Value).Sub(b.Issued.Value).
		Add(b.TransferredIn.Value).Sub(b.TransferredOut.Value).Add(b.Adjusted.Value)
	return qty, value
}

// Apply adds a movement to its bucket. Only adjustments may be negative.
func (b *DailyBalance) Apply(kind MovementKind, qty, value decimal.Decimal) error {
	if kind != MovementAdjusted && (qty.IsNegative() || value.IsNegative()) {
		return fmt.Errorf("%w: %s movement cannot be negative", ErrInvalidMovement, kind)
	}
	switch kind {
	case MovementReceived:
		b.Received = b.Received.add(qty, value)
	case MovementIssued:
		b.Issued = b.Issued.add(qty, value)
	case MovementTransferredIn:
		b.TransferredIn = b.TransferredIn.add(qty, value)
	case MovementTransferredOut:
		b.TransferredOut = b.TransferredOut.add(qty, value)
	case MovementAdjusted:
		b.Adjusted = b.Adjusted.add(qty, value)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMovement, kind)
	}
	return nil
}

// Movement is a single bucket update request.
type Movement struct {
	Key     Key
	Subject Subject
	Kind    MovementKind
	Qty     decimal.Decimal
	Value   decimal.Decimal
	ActorID int64
}

var (
	// ErrCycleNotFound indicates no status row for the key.
	ErrCycleNotFound = errors.New("cycle: not found")
	// ErrCycleNotOpen indicates movements against a cycle whose opening is not complete.
	ErrCycleNotOpen = errors.New("cycle: not open")
	// ErrPriorNotClosed indicates the previous key has not completed closing.
	ErrPriorNotClosed = errors.New("cycle: prior cycle not closed")
	// ErrPriorShiftOpen indicates an earlier shift of the same day is still open.
	ErrPriorShiftOpen = errors.New("cycle: prior shift still open")
	// ErrClosingInProgress indicates a close is underway for the key.
	ErrClosingInProgress = errors.New("cycle: closing in progress")
	// ErrAlreadyOpened indicates the opening was captured before.
	ErrAlreadyOpened = errors.New("cycle: already opened")
	// ErrInvalidMovement indicates a malformed movement.
	ErrInvalidMovement = errors.New("cycle: invalid movement")
	// ErrInvalidShift indicates a shift index outside the schedule.
	ErrInvalidShift = errors.New("cycle: invalid shift")
	// ErrIdentityBroken indicates closing did not equal opening plus movements.
	ErrIdentityBroken = errors.New("cycle: closing identity violated")
)
