package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries cycle transitions ahead of reporting work.
	QueueCritical = "critical"

	// TaskCycleOpen opens a ledger cycle.
	TaskCycleOpen = "ledger:cycle:open"
	// TaskCycleClose closes a ledger cycle.
	TaskCycleClose = "ledger:cycle:close"
	// TaskCycleRollover closes the finished cycle and opens the next one.
	TaskCycleRollover = "ledger:cycle:rollover"
	// TaskReconcile runs the inventory to GL reconciliation for a date.
	TaskReconcile = "ledger:reconcile"
	// TaskRevalue posts the foreign-currency inventory revaluation for a date.
	TaskRevalue = "ledger:fx:revalue"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "ledger:idempotency:cleanup"
	// TaskGLIntegrity verifies stored closings and trial balance totals.
	TaskGLIntegrity = "ledger:gl:integrity"
)

const dateLayout = "2006-01-02"

// CyclePayload addresses one cycle. An empty Date lets the handler derive the
// key from the clock.
type CyclePayload struct {
	Date      string `json:"date,omitempty"`
	Shift     int    `json:"shift,omitempty"`
	Bootstrap bool   `json:"bootstrap,omitempty"`
}

// DatePayload carries an optional as-of date.
type DatePayload struct {
	Date string `json:"date,omitempty"`
}

// CleanupPayload overrides the retention window for idempotency keys.
type CleanupPayload struct {
	Retention time.Duration `json:"retention,omitempty"`
}

// NewCycleOpenTask constructs a cycle opening task.
func NewCycleOpenTask(payload CyclePayload) (*asynq.Task, error) {
	return newTask(TaskCycleOpen, payload, asynq.Queue(QueueCritical))
}

// NewCycleCloseTask constructs a cycle closing task.
func NewCycleCloseTask(payload CyclePayload) (*asynq.Task, error) {
	return newTask(TaskCycleClose, payload, asynq.Queue(QueueCritical))
}

// NewCycleRolloverTask constructs a rollover task. An empty payload rolls
// over into the cycle covering the processing time.
func NewCycleRolloverTask(payload CyclePayload) (*asynq.Task, error) {
	return newTask(TaskCycleRollover, payload, asynq.Queue(QueueCritical))
}

// NewReconcileTask constructs a reconciliation task.
func NewReconcileTask(payload DatePayload) (*asynq.Task, error) {
	return newTask(TaskReconcile, payload, asynq.Queue(QueueDefault))
}

// NewRevalueTask constructs an FX revaluation task.
func NewRevalueTask(payload DatePayload) (*asynq.Task, error) {
	return newTask(TaskRevalue, payload, asynq.Queue(QueueDefault))
}

// NewIdempotencyCleanupTask constructs the key purge task.
func NewIdempotencyCleanupTask(payload CleanupPayload) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, payload, asynq.Queue(QueueDefault))
}

// NewGLIntegrityTask constructs the integrity check task.
func NewGLIntegrityTask(payload CyclePayload) (*asynq.Task, error) {
	return newTask(TaskGLIntegrity, payload, asynq.Queue(QueueDefault))
}

func newTask(kind string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(kind, body, opts...), nil
}

func decode(t *asynq.Task, dst any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), dst); err != nil {
		return fmt.Errorf("%s: decode payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

func parseDate(raw string) (time.Time, bool, error) {
	if raw == "" {
		return time.Time{}, false, nil
	}
	d, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid date %q: %v: %w", raw, err, asynq.SkipRetry)
	}
	return d, true, nil
}
