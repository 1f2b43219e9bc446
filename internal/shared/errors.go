package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a uniqueness constraint rejected the write.
	ErrDuplicate = errors.New("duplicate")
	// ErrLockConflict indicates a row lock could not be acquired in time or the
	// transaction lost a serialization race. Callers may retry.
	ErrLockConflict = errors.New("lock conflict")
	// ErrPeriodLocked indicates the target cycle is closed and past its grace period.
	ErrPeriodLocked = errors.New("period locked")
	// ErrForbidden indicates the actor lacks authority for the operation.
	ErrForbidden = errors.New("forbidden")
)

// IsRetryable reports whether err is transient contention worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockConflict)
}
