// Package recurrence isolates timezone-aware "next occurrence" computation
// behind a single pure function. Both the claim-time pre-advance and the
// stuck-schedule recovery reset consume it, so the two paths cannot drift
// apart in how they interpret a schedule's cron expression.
package recurrence

import (
	"time"

	"github.com/robfig/cron/v3"

	"queryline/internal/types"
)

// Next returns the first instant strictly after `after` at which the given
// standard 5-field cron expression fires in the given IANA timezone. The
// result is returned in UTC.
//
// The expression is evaluated in the schedule's own timezone (including DST
// transitions); only the returned instant is normalized.
func Next(expr, tz string, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, types.NewAppError(
			types.ErrCodeValidationTimezone,
			"invalid IANA timezone "+tz,
			err,
		)
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, types.NewAppError(
			types.ErrCodeValidationCron,
			"invalid cron expression "+expr,
			err,
		)
	}

	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, types.NewAppError(
			types.ErrCodeValidationCron,
			"cron expression "+expr+" has no future occurrence",
			nil,
		)
	}

	return next.UTC(), nil
}

// Validate checks that a schedule's recurrence configuration is well-formed
// without computing an occurrence. Used before claiming so a malformed
// expression is classified as a permanent configuration error rather than
// failing mid-claim.
func Validate(expr, tz string) error {
	_, err := Next(expr, tz, time.Unix(0, 0).UTC())
	return err
}
