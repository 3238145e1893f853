// Package window computes the concrete [start, end) reporting window for a
// schedule run. It is a pure function of the schedule configuration and
// "now": no side effects, no I/O.
//
// The external analytics platform cannot serve data more recent than a fixed
// reporting lag, so the window's end is always "now minus lag" — using now
// directly produces systematically empty or wrong results. The platform also
// requires timestamps without a timezone suffix; this package owns that
// formatting so no caller reinvents it.
package window

import (
	"fmt"
	"time"

	"queryline/internal/types"
)

// APITimeLayout is the literal timestamp format the analytics API requires:
// no timezone suffix, no sub-second precision.
const APITimeLayout = "2006-01-02T15:04:05"

// Bounds on the window/lookback length in days.
const (
	MinWindowDays = 1
	MaxWindowDays = 365
)

// Window is a half-open [Start, End) reporting interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// StartLiteral returns the window start in the analytics API literal format.
func (w Window) StartLiteral() string {
	return w.Start.UTC().Format(APITimeLayout)
}

// EndLiteral returns the window end in the analytics API literal format.
func (w Window) EndLiteral() string {
	return w.End.UTC().Format(APITimeLayout)
}

// Compute derives the reporting window for one run of a schedule at the
// given instant.
//
//	end   = now − reporting_lag_days
//	start = end − window_size_days   (rolling)
//	start = end − lookback_days      (fixed)
//
// In rolling mode the window slides forward by exactly one schedule period
// per run because end tracks now: two consecutive weekly runs of a 30-day
// window produce [D, D+30) then [D+7, D+37). In fixed mode the length is
// constant across runs — a trailing-N-days report, not a moving baseline.
func Compute(sched *types.Schedule, now time.Time) (Window, error) {
	switch sched.WindowMode {
	case types.WindowRolling, types.WindowFixed:
	default:
		return Window{}, types.NewAppError(
			types.ErrCodeValidationWindowMode,
			fmt.Sprintf("unknown window mode %q", sched.WindowMode),
			nil,
		)
	}

	days := sched.WindowLengthDays()
	if days < MinWindowDays || days > MaxWindowDays {
		return Window{}, types.NewAppError(
			types.ErrCodeValidationWindowDays,
			fmt.Sprintf("window length %d days outside [%d, %d]", days, MinWindowDays, MaxWindowDays),
			nil,
		)
	}
	if sched.ReportingLagDays < 0 {
		return Window{}, types.NewAppError(
			types.ErrCodeValidationWindowDays,
			fmt.Sprintf("reporting lag %d days is negative", sched.ReportingLagDays),
			nil,
		)
	}

	end := now.UTC().AddDate(0, 0, -sched.ReportingLagDays)
	start := end.AddDate(0, 0, -days)

	return Window{Start: start, End: end}, nil
}
