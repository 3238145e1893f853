package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"queryline/internal/types"
)

// ManualRunner executes a schedule's query on demand, outside the recurrence
// machinery. A manual run shares the dispatcher with scheduled runs, so the
// request a user previews is byte-for-byte what the next scheduled occurrence
// will send, but it never reads or writes status, last_run_at, next_run_at,
// or attempt_count.
type ManualRunner struct {
	executions ExecutionStore
	dispatcher *Dispatcher

	logger *slog.Logger
	nowFn  func() time.Time
}

// NewManualRunner creates a ManualRunner.
func NewManualRunner(executions ExecutionStore, dispatcher *Dispatcher, logger *slog.Logger) *ManualRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManualRunner{
		executions: executions,
		dispatcher: dispatcher,
		logger:     logger,
		nowFn:      time.Now,
	}
}

// RunNow performs a single manual execution of the schedule's query against
// a window computed as of now. Failures are returned directly; there is no
// retry loop, the user is present and can try again.
func (m *ManualRunner) RunNow(ctx context.Context, sched *types.Schedule) (Outcome, error) {
	now := m.nowFn().UTC()
	execID := uuid.New().String()
	ctx = types.WithOccurrenceID(ctx, execID)

	w, err := ComputeWindow(sched, now)
	if err != nil {
		return Outcome{ScheduleID: sched.ID}, err
	}

	if err := m.executions.Create(ctx, &types.Execution{
		ID:           execID,
		ScheduleID:   sched.ID,
		ScheduledFor: now,
		WindowStart:  w.Start,
		WindowEnd:    w.End,
		Trigger:      types.TriggerManual,
	}); err != nil {
		return Outcome{ScheduleID: sched.ID}, err
	}

	handle, err := m.dispatcher.Dispatch(ctx, sched, w, execID)
	if err != nil {
		if ferr := m.executions.Finish(ctx, execID, types.ExecutionFailed, 1, string(types.CodeOf(err)), failureSummary(err)); ferr != nil {
			m.logger.ErrorContext(ctx, "failed to finish manual execution record",
				"execution_id", execID,
				"error", ferr,
			)
		}
		return Outcome{ScheduleID: sched.ID, Status: types.ScheduleFailed, Attempts: 1, Err: err}, err
	}

	if err := m.executions.Finish(ctx, execID, types.ExecutionSucceeded, 1, "", ""); err != nil {
		m.logger.ErrorContext(ctx, "failed to finish manual execution record",
			"execution_id", execID,
			"error", err,
		)
	}

	m.logger.InfoContext(ctx, "manual run dispatched",
		"schedule_id", sched.ID,
		"handle", handle,
	)

	return Outcome{
		ScheduleID: sched.ID,
		Status:     types.ScheduleSucceeded,
		Attempts:   1,
		Handle:     handle,
	}, nil
}
