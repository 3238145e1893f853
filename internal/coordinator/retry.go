package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"queryline/internal/types"
)

// OccurrenceRunner is the per-occurrence state machine: Attempting →
// {Succeeded, Exhausted}, with transient failures looping back to Attempting
// under the backoff schedule. Retryable vs. terminal is decided by the error
// taxonomy, never by accident of propagation.
type OccurrenceRunner struct {
	schedules  ScheduleStore
	executions ExecutionStore
	dispatcher *Dispatcher

	logger  *slog.Logger
	nowFn   func() time.Time
	sleepFn func(context.Context, time.Duration) error
}

// NewOccurrenceRunner creates an OccurrenceRunner.
func NewOccurrenceRunner(schedules ScheduleStore, executions ExecutionStore, dispatcher *Dispatcher, logger *slog.Logger) *OccurrenceRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &OccurrenceRunner{
		schedules:  schedules,
		executions: executions,
		dispatcher: dispatcher,
		logger:     logger,
		nowFn:      time.Now,
		sleepFn:    sleepCtx,
	}
}

// sleepCtx waits for d or until ctx is cancelled. Backoff waits are
// per-occurrence and context-aware so they never block other schedules or
// delay shutdown.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes a claimed occurrence to a terminal state and records the
// outcome on both the execution record and the schedule row. It never
// returns an error for an execution failure; failures are data, recorded
// and logged, and only the Outcome describes what happened.
//
// next_run_at was already advanced at claim time and is deliberately not
// touched here: after exhaustion or permanent failure the schedule simply
// resumes its natural cadence.
func (r *OccurrenceRunner) Run(ctx context.Context, sched *types.Schedule, occ *types.Occurrence) Outcome {
	execID := uuid.New().String()
	ctx = types.WithOccurrenceID(ctx, execID)

	now := r.nowFn().UTC()

	w, err := ComputeWindow(sched, now)
	if err != nil {
		// Window configuration errors are permanent; there is nothing to
		// dispatch and nothing a retry would change.
		r.logger.ErrorContext(ctx, "window computation failed",
			"schedule_id", sched.ID,
			"scheduled_for", occ.ScheduledFor.Format(time.RFC3339),
			"error", err,
		)
		return r.terminate(ctx, sched, occ, "", 1, err)
	}
	occ.WindowStart = w.Start
	occ.WindowEnd = w.End

	if err := r.executions.Create(ctx, &types.Execution{
		ID:           execID,
		ScheduleID:   sched.ID,
		ScheduledFor: occ.ScheduledFor,
		WindowStart:  w.Start,
		WindowEnd:    w.End,
		Trigger:      types.TriggerScheduled,
	}); err != nil {
		// Without the history row the crash-reconciliation and double-fire
		// guards are blind; abandon the occurrence to the recovery monitor
		// rather than dispatch untracked work.
		r.logger.ErrorContext(ctx, "failed to create execution record, abandoning occurrence",
			"schedule_id", sched.ID,
			"error", err,
		)
		return Outcome{ScheduleID: sched.ID, Status: types.ScheduleFailed, Err: err}
	}

	if err := r.schedules.MarkExecuting(ctx, sched.ID); err != nil {
		r.logger.WarnContext(ctx, "failed to mark schedule executing",
			"schedule_id", sched.ID,
			"error", err,
		)
	}

	maxAttempts := sched.EffectiveMaxAttempts()

	for attempt := 1; ; attempt++ {
		occ.Attempt = attempt

		handle, err := r.dispatcher.Dispatch(ctx, sched, w, execID)
		if err == nil {
			return r.succeed(ctx, sched, occ, execID, handle, attempt)
		}

		classification := types.CodeOf(err)

		if !types.IsRetryable(err) {
			r.logger.ErrorContext(ctx, "occurrence failed permanently",
				"schedule_id", sched.ID,
				"scheduled_for", occ.ScheduledFor.Format(time.RFC3339),
				"attempt", attempt,
				"classification", string(classification),
				"error", err,
			)
			return r.terminate(ctx, sched, occ, execID, attempt, err)
		}

		if attempt >= maxAttempts {
			r.logger.ErrorContext(ctx, "occurrence failed after exhausting attempts",
				"schedule_id", sched.ID,
				"scheduled_for", occ.ScheduledFor.Format(time.RFC3339),
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"classification", string(classification),
				"error", err,
			)
			return r.terminate(ctx, sched, occ, execID, attempt, err)
		}

		delay := backoffDelay(attempt)
		r.logger.WarnContext(ctx, "transient dispatch failure, retrying",
			"schedule_id", sched.ID,
			"scheduled_for", occ.ScheduledFor.Format(time.RFC3339),
			"attempt", attempt,
			"retry_in", delay.String(),
			"classification", string(classification),
			"error", err,
		)

		if err := r.sleepFn(ctx, delay); err != nil {
			// Shutdown mid-backoff: leave the claim for the recovery monitor.
			return Outcome{ScheduleID: sched.ID, Status: types.ScheduleFailed, Attempts: attempt, Err: err}
		}
	}
}

func (r *OccurrenceRunner) succeed(ctx context.Context, sched *types.Schedule, occ *types.Occurrence, execID, handle string, attempt int) Outcome {
	if err := r.executions.Finish(ctx, execID, types.ExecutionSucceeded, attempt, "", ""); err != nil {
		r.logger.ErrorContext(ctx, "failed to finish execution record",
			"execution_id", execID,
			"error", err,
		)
	}
	if err := r.schedules.RecordOutcome(ctx, sched.ID, types.ScheduleSucceeded, attempt); err != nil {
		r.logger.ErrorContext(ctx, "failed to record schedule outcome",
			"schedule_id", sched.ID,
			"error", err,
		)
	}

	r.logger.InfoContext(ctx, "occurrence succeeded",
		"schedule_id", sched.ID,
		"scheduled_for", occ.ScheduledFor.Format(time.RFC3339),
		"attempt", attempt,
		"handle", handle,
	)

	return Outcome{
		ScheduleID: sched.ID,
		Status:     types.ScheduleSucceeded,
		Attempts:   attempt,
		Handle:     handle,
	}
}

// terminate records a terminal failure. The execution record keeps the
// classification code internally; the message is the human-readable summary
// the history UI shows.
func (r *OccurrenceRunner) terminate(ctx context.Context, sched *types.Schedule, occ *types.Occurrence, execID string, attempt int, cause error) Outcome {
	if execID != "" {
		if err := r.executions.Finish(ctx, execID, types.ExecutionFailed, attempt, string(types.CodeOf(cause)), failureSummary(cause)); err != nil {
			r.logger.ErrorContext(ctx, "failed to finish execution record",
				"execution_id", execID,
				"error", err,
			)
		}
	}
	if err := r.schedules.RecordOutcome(ctx, sched.ID, types.ScheduleFailed, attempt); err != nil {
		r.logger.ErrorContext(ctx, "failed to record schedule outcome",
			"schedule_id", sched.ID,
			"error", err,
		)
	}

	return Outcome{
		ScheduleID: sched.ID,
		Status:     types.ScheduleFailed,
		Attempts:   attempt,
		Err:        cause,
	}
}

// failureSummary produces the human-readable failure text stored on the
// execution record. Raw internal classification is not exposed to users.
func failureSummary(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "execution failed"
}
