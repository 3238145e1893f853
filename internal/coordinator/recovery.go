package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"queryline/internal/recurrence"
)

// RecoveryMonitor sweeps for claims abandoned by crashed or wedged workers
// and resets them so the schedule resumes on its next natural occurrence.
// Every instance runs its own monitor; the reset is a compare-and-swap on
// claimed_at, so concurrent sweeps cannot clobber a claim that completed or
// was legitimately re-taken in the meantime.
type RecoveryMonitor struct {
	schedules ScheduleStore

	interval time.Duration
	timeout  time.Duration
	batch    int

	logger *slog.Logger
	nowFn  func() time.Time

	// recoveries counts how many times each schedule has been reset since
	// process start. A schedule that keeps getting stuck is a real problem,
	// not routine crash cleanup, and gets escalated in the logs.
	mu         sync.Mutex
	recoveries map[string]int
}

// NewRecoveryMonitor creates a RecoveryMonitor.
func NewRecoveryMonitor(schedules ScheduleStore, interval, timeout time.Duration, batch int, logger *slog.Logger) *RecoveryMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if batch <= 0 {
		batch = defaultDueBatch
	}
	return &RecoveryMonitor{
		schedules:  schedules,
		interval:   interval,
		timeout:    timeout,
		batch:      batch,
		logger:     logger,
		nowFn:      time.Now,
		recoveries: make(map[string]int),
	}
}

// Start runs the sweep loop until ctx is cancelled. The first sweep happens
// immediately so a restart after a crash cleans up its own abandoned claims
// without waiting a full interval.
func (m *RecoveryMonitor) Start(ctx context.Context) error {
	m.logger.InfoContext(ctx, "recovery monitor started",
		"interval", m.interval.String(),
		"timeout", m.timeout.String(),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sweep(ctx, m.nowFn())

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "recovery monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx, m.nowFn())
		}
	}
}

// Sweep resets all claims older than the recovery timeout. Errors are logged
// and the sweep moves on; a failed reset is retried on the next sweep.
func (m *RecoveryMonitor) Sweep(ctx context.Context, now time.Time) {
	now = now.UTC()
	cutoff := now.Add(-m.timeout)

	stuck, err := m.schedules.ListStuck(ctx, cutoff, m.batch)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to list stuck claims", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	recovered := 0
	for _, sched := range stuck {
		// Recompute next_run_at rather than trusting the provisional value the
		// dead worker wrote; within one period this yields the same instant, so
		// the pre-advance crash guarantee is preserved.
		next, err := recurrence.Next(sched.CronExpr, sched.Timezone, now)
		if err != nil {
			m.logger.ErrorContext(ctx, "cannot recompute next run for stuck schedule",
				"schedule_id", sched.ID,
				"error", err,
			)
			continue
		}

		ok, err := m.schedules.TryRecover(ctx, sched.ID, cutoff, next)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to recover stuck claim",
				"schedule_id", sched.ID,
				"error", err,
			)
			continue
		}
		if !ok {
			// The claim completed or was refreshed between list and reset.
			continue
		}

		recovered++
		count := m.bumpRecoveryCount(sched.ID)

		claimedAgo := ""
		if sched.ClaimedAt != nil {
			claimedAgo = now.Sub(*sched.ClaimedAt).String()
		}

		if count > 1 {
			m.logger.WarnContext(ctx, "recovered repeatedly stuck schedule",
				"schedule_id", sched.ID,
				"recovery_count", count,
				"claimed_ago", claimedAgo,
				"next_run_at", next.Format(time.RFC3339),
			)
		} else {
			m.logger.InfoContext(ctx, "recovered stuck schedule",
				"schedule_id", sched.ID,
				"claimed_ago", claimedAgo,
				"next_run_at", next.Format(time.RFC3339),
			)
		}
	}

	if recovered > 0 {
		m.logger.InfoContext(ctx, "recovery sweep completed",
			"stuck", len(stuck),
			"recovered", recovered,
		)
	}
}

func (m *RecoveryMonitor) bumpRecoveryCount(scheduleID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveries[scheduleID]++
	return m.recoveries[scheduleID]
}
