package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"queryline/internal/types"
)

// PollLoop is the top-level coordinator loop: every tick it lists due
// schedules and runs each claimable one to a terminal outcome, with a bounded
// number of occurrences in flight. Each tick is self-contained; the loop
// carries no state between ticks, so any instance can process any schedule.
type PollLoop struct {
	schedules ScheduleStore
	claimer   *Claimer
	runner    *OccurrenceRunner

	interval    time.Duration
	dueBuffer   time.Duration
	concurrency int

	logger *slog.Logger
	nowFn  func() time.Time
}

// NewPollLoop creates a PollLoop.
func NewPollLoop(schedules ScheduleStore, claimer *Claimer, runner *OccurrenceRunner, interval, dueBuffer time.Duration, concurrency int, logger *slog.Logger) *PollLoop {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &PollLoop{
		schedules:   schedules,
		claimer:     claimer,
		runner:      runner,
		interval:    interval,
		dueBuffer:   dueBuffer,
		concurrency: concurrency,
		logger:      logger,
		nowFn:       time.Now,
	}
}

// Start runs the poll loop until ctx is cancelled. The first tick happens
// immediately.
func (p *PollLoop) Start(ctx context.Context) error {
	p.logger.InfoContext(ctx, "poll loop started",
		"interval", p.interval.String(),
		"concurrency", p.concurrency,
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx, p.nowFn())

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx, p.nowFn())
		}
	}
}

// Tick processes one poll cycle: list due schedules, then claim and run each
// one. A failure on one schedule never aborts the tick; claim conflicts are
// silent because losing the race is the designed steady state with multiple
// instances.
func (p *PollLoop) Tick(ctx context.Context, now time.Time) {
	now = now.UTC()

	// The due horizon includes the buffer so a schedule falling due moments
	// after the list query still gets picked up this tick instead of waiting
	// a full interval.
	due, err := p.schedules.ListDue(ctx, now.Add(p.dueBuffer), defaultDueBatch)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to list due schedules", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	var claimed, conflicts, succeeded, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, sched := range due {
		sched := sched
		g.Go(func() error {
			occ, err := p.claimer.Claim(gctx, sched, p.nowFn())
			if err != nil {
				if types.IsClaimConflict(err) {
					conflicts.Add(1)
					return nil
				}
				// A claim-time error that is not a conflict is either a config
				// problem or a database failure; both are per-schedule, logged,
				// and never fatal to the tick.
				failed.Add(1)
				p.logger.ErrorContext(gctx, "claim attempt failed",
					"schedule_id", sched.ID,
					"error", err,
				)
				if errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}

			claimed.Add(1)
			outcome := p.runner.Run(gctx, sched, occ)
			switch outcome.Status {
			case types.ScheduleSucceeded:
				succeeded.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}

	_ = g.Wait()

	p.logger.InfoContext(ctx, "poll tick completed",
		"due", len(due),
		"claimed", claimed.Load(),
		"conflicts", conflicts.Load(),
		"succeeded", succeeded.Load(),
		"failed", failed.Load(),
	)
}
