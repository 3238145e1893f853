package db

import (
	"context"
	"time"

	"queryline/internal/types"
)

// scheduleColumns is the SELECT list shared by every query returning full
// schedule rows, in scanSchedule order.
const scheduleColumns = `id, user_id, query_id, name, cron_expr, timezone,
	window_mode, window_days, lookback_days, reporting_lag_days,
	status, next_run_at, last_run_at, claimed_at, attempt_count, max_attempts,
	active, created_at, updated_at`

// ScheduleRepository provides data access for the schedules table, including
// the atomic claim and recovery operations the coordinator's race-freedom
// depends on.
type ScheduleRepository struct {
	db DBTX
}

// NewScheduleRepository creates a new ScheduleRepository backed by the given
// database connection (pool or transaction).
func NewScheduleRepository(db DBTX) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// ListDue returns active schedules whose next_run_at has passed and which are
// not currently live-claimed, ordered by due time. The succeeded/failed
// terminal statuses of the previous occurrence are eligible: a terminal
// outcome never stops the cadence, only a live claim does.
func (r *ScheduleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Schedule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleColumns+`
		 FROM schedules
		 WHERE active
		   AND status IN ('idle', 'succeeded', 'failed')
		   AND next_run_at <= $1
		 ORDER BY next_run_at
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query due schedules", err)
	}
	defer rows.Close()

	var schedules []*types.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating due schedules", err)
	}

	return schedules, nil
}

// TryClaim atomically claims one due occurrence of a schedule.
//
// The update commits only if the stored last_run_at still equals the value
// read moments earlier at due-query time (NULL-safe compare via IS NOT
// DISTINCT FROM) and the row is not live-claimed. Out of N concurrent
// workers attempting the same occurrence, exactly one affects a row; the
// rest observe zero rows and report a claim conflict.
//
// The new next_run_at is written here, at claim time and before dispatch, so
// a crash between claim and dispatch cannot cause the same occurrence to be
// claimed twice on the next poll.
func (r *ScheduleRepository) TryClaim(ctx context.Context, scheduleID string, expectedLastRunAt *time.Time, claimedAt, newNextRunAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedules
		 SET status = 'claimed',
		     last_run_at = $3,
		     claimed_at = $3,
		     next_run_at = $4,
		     attempt_count = 0,
		     updated_at = NOW()
		 WHERE id = $1
		   AND status IN ('idle', 'succeeded', 'failed')
		   AND last_run_at IS NOT DISTINCT FROM $2`,
		scheduleID,
		expectedLastRunAt,
		claimedAt,
		newNextRunAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim schedule", err)
	}

	// RowsAffected is 1 when this worker won the race, 0 when another worker
	// already advanced last_run_at or holds a live claim.
	return tag.RowsAffected() > 0, nil
}

// MarkExecuting transitions a claimed schedule to executing before the
// external API call. The transition exists purely for recovery visibility;
// the recovery monitor treats claimed and executing identically.
func (r *ScheduleRepository) MarkExecuting(ctx context.Context, scheduleID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE schedules
		 SET status = 'executing', updated_at = NOW()
		 WHERE id = $1 AND status = 'claimed'`,
		scheduleID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark schedule executing", err)
	}
	return nil
}

// RecordOutcome writes the terminal status of an occurrence back to the
// schedule row and releases the claim. next_run_at is deliberately left
// untouched: it was already advanced at claim time, so the normal cadence
// resumes whether the occurrence succeeded or exhausted its retries.
func (r *ScheduleRepository) RecordOutcome(ctx context.Context, scheduleID string, status types.ScheduleStatus, attempts int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedules
		 SET status = $2,
		     attempt_count = $3,
		     claimed_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND status IN ('claimed', 'executing')`,
		scheduleID,
		status,
		attempts,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record schedule outcome", err)
	}
	if tag.RowsAffected() == 0 {
		// The claim was released by the recovery monitor while this worker
		// was still executing. The execution record keeps the real outcome.
		return types.NewAppError(types.ErrCodeInternalDB, "schedule claim no longer held at outcome time", nil)
	}
	return nil
}

// ListStuck returns schedules whose claim is older than the cutoff with no
// terminal outcome recorded — the signature of a crashed worker.
func (r *ScheduleRepository) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*types.Schedule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleColumns+`
		 FROM schedules
		 WHERE status IN ('claimed', 'executing')
		   AND claimed_at IS NOT NULL
		   AND claimed_at <= $1
		 ORDER BY claimed_at
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query stuck schedules", err)
	}
	defer rows.Close()

	var schedules []*types.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating stuck schedules", err)
	}

	return schedules, nil
}

// TryRecover releases a stuck claim. The update is itself a compare-and-swap
// against the claim timestamp: a genuinely-still-running worker that
// completes (clearing claimed_at) mid-recovery cannot be incorrectly reset.
func (r *ScheduleRepository) TryRecover(ctx context.Context, scheduleID string, claimedBefore, newNextRunAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedules
		 SET status = 'idle',
		     claimed_at = NULL,
		     next_run_at = $3,
		     updated_at = NOW()
		 WHERE id = $1
		   AND status IN ('claimed', 'executing')
		   AND claimed_at IS NOT NULL
		   AND claimed_at <= $2`,
		scheduleID,
		claimedBefore,
		newNextRunAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to recover stuck schedule", err)
	}
	return tag.RowsAffected() > 0, nil
}

// scheduleRow is the subset of pgx.Rows/pgx.Row needed to scan a schedule.
type scheduleRow interface {
	Scan(dest ...any) error
}

func scanSchedule(row scheduleRow) (*types.Schedule, error) {
	var s types.Schedule
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.QueryID,
		&s.Name,
		&s.CronExpr,
		&s.Timezone,
		&s.WindowMode,
		&s.WindowDays,
		&s.LookbackDays,
		&s.ReportingLagDays,
		&s.Status,
		&s.NextRunAt,
		&s.LastRunAt,
		&s.ClaimedAt,
		&s.AttemptCount,
		&s.MaxAttempts,
		&s.Active,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan schedule row", err)
	}
	return &s, nil
}
