package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"queryline/internal/recurrence"
	"queryline/internal/types"
)

// Claimer implements race-free claiming of one due occurrence among
// concurrently polling coordinator instances.
type Claimer struct {
	schedules  ScheduleStore
	executions ExecutionStore

	// dueBuffer caps the gap tolerated between "is due" and the claim
	// attempt, minimizing false claims on schedules whose next_run_at is
	// still being updated by another worker.
	dueBuffer time.Duration

	logger *slog.Logger
}

// NewClaimer creates a Claimer over the given stores.
func NewClaimer(schedules ScheduleStore, executions ExecutionStore, dueBuffer time.Duration, logger *slog.Logger) *Claimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Claimer{
		schedules:  schedules,
		executions: executions,
		dueBuffer:  dueBuffer,
		logger:     logger,
	}
}

// Claim attempts to take exclusive ownership of the schedule's current due
// occurrence. On success it returns the occurrence; when another worker won
// the race (or a guard rejects the claim) it returns types.ErrClaimConflict,
// which is a normal outcome, never logged as a failure.
//
// The provisional next_run_at is computed from the cron expression and
// written in the same atomic update that takes the claim, before dispatch,
// so a crash between claim and dispatch cannot cause this
// occurrence to be claimed twice on the next poll.
func (c *Claimer) Claim(ctx context.Context, sched *types.Schedule, now time.Time) (*types.Occurrence, error) {
	now = now.UTC()

	// The due observation is stale if the schedule is not due within the
	// buffer. This guards the window between ListDue and the claim attempt.
	if sched.NextRunAt.After(now.Add(c.dueBuffer)) {
		return nil, types.ErrClaimConflict
	}

	// Secondary guard: if a run is already recorded for this scheduled
	// interval, another worker got here despite the CAS ordering (clock skew
	// between the due-check and the claim). Reject rather than double-fire.
	already, err := c.executions.HasScheduledExecutionSince(ctx, sched.ID, sched.NextRunAt)
	if err != nil {
		return nil, fmt.Errorf("checking execution history for schedule %s: %w", sched.ID, err)
	}
	if already {
		c.logger.InfoContext(ctx, "claim rejected by execution-history guard",
			"schedule_id", sched.ID,
			"scheduled_for", sched.NextRunAt.Format(time.RFC3339),
		)
		return nil, types.ErrClaimConflict
	}

	// Advance from the claimed occurrence, not the wall clock: inside the
	// due buffer now precedes next_run_at, and Next(now) would re-arm the
	// very occurrence being claimed.
	after := now
	if sched.NextRunAt.After(after) {
		after = sched.NextRunAt
	}
	next, err := recurrence.Next(sched.CronExpr, sched.Timezone, after)
	if err != nil {
		// Malformed recurrence configuration is permanent. No claim is taken,
		// so the caller logs it loudly rather than silently skipping.
		return nil, err
	}

	claimed, err := c.schedules.TryClaim(ctx, sched.ID, sched.LastRunAt, now, next)
	if err != nil {
		return nil, fmt.Errorf("claiming schedule %s: %w", sched.ID, err)
	}
	if !claimed {
		return nil, types.ErrClaimConflict
	}

	c.logger.InfoContext(ctx, "claimed schedule occurrence",
		"schedule_id", sched.ID,
		"scheduled_for", sched.NextRunAt.Format(time.RFC3339),
		"next_run_at", next.Format(time.RFC3339),
	)

	return &types.Occurrence{
		ScheduleID:   sched.ID,
		ScheduledFor: sched.NextRunAt,
	}, nil
}
