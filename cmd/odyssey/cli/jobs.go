package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers against the worker's Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) (*JobsCLI, error) {
	client := asynq.NewClient(opts)
	inspector := asynq.NewInspector(opts)
	return &JobsCLI{client: client, inspector: inspector}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// BuildTask prepares a ledger task by name. date is optional (YYYY-MM-DD);
// without it the worker derives the target from its clock.
func BuildTask(name, date string, shift int) (*asynq.Task, error) {
	if date != "" {
		if _, err := time.Parse(dayLayout, date); err != nil {
			return nil, fmt.Errorf("jobs cli: invalid date %q", date)
		}
	}
	switch name {
	case jobs.TaskCycleOpen:
		return jobs.NewCycleOpenTask(jobs.CyclePayload{Date: date, Shift: shift})
	case jobs.TaskCycleClose:
		return jobs.NewCycleCloseTask(jobs.CyclePayload{Date: date, Shift: shift})
	case jobs.TaskCycleRollover:
		return jobs.NewCycleRolloverTask(jobs.CyclePayload{Date: date, Shift: shift})
	case jobs.TaskReconcile:
		return jobs.NewReconcileTask(jobs.DatePayload{Date: date})
	case jobs.TaskRevalue:
		return jobs.NewRevalueTask(jobs.DatePayload{Date: date})
	case jobs.TaskIdempotencyCleanup:
		return jobs.NewIdempotencyCleanupTask(jobs.CleanupPayload{})
	case jobs.TaskGLIntegrity:
		return jobs.NewGLIntegrityTask(jobs.CyclePayload{Date: date, Shift: shift})
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name, date string, shift int) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := BuildTask(name, date, shift)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueues reports metrics for the ledger queues.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	var out []QueueStats
	for _, queue := range []string{jobs.QueueCritical, jobs.QueueDefault} {
		info, err := c.inspector.GetQueueInfo(queue)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			out = append(out, QueueStats{Queue: queue})
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, QueueStats{
			Queue:     queue,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
		})
	}
	return out, nil
}
