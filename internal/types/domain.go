// Package types defines the shared domain types for the Queryline schedule
// execution coordinator: the Schedule row, the ephemeral Occurrence, execution
// records, and the error taxonomy that drives retry decisions.
package types

import (
	"time"
)

// ScheduleStatus is the runtime lifecycle state of a Schedule. Only the
// coordinator mutates it; the management UI writes configuration fields only.
type ScheduleStatus string

const (
	ScheduleIdle      ScheduleStatus = "idle"
	ScheduleClaimed   ScheduleStatus = "claimed"
	ScheduleExecuting ScheduleStatus = "executing"
	ScheduleSucceeded ScheduleStatus = "succeeded"
	ScheduleFailed    ScheduleStatus = "failed"
)

// WindowMode selects how the reporting window for a run is derived.
type WindowMode string

const (
	// WindowRolling slides the window forward by one schedule period per run:
	// a weekly schedule with a 30-day window produces [D, D+30), [D+7, D+37), ...
	WindowRolling WindowMode = "rolling"

	// WindowFixed is a trailing lookback of constant length always ending at
	// "now minus reporting lag"; the baseline never advances.
	WindowFixed WindowMode = "fixed"
)

// DefaultMaxAttempts is the number of execution attempts per occurrence when
// the schedule row does not override max_attempts.
const DefaultMaxAttempts = 3

// Schedule is one recurring query execution configured by a user.
//
// Configuration fields (cron expression, timezone, window settings) are owned
// by the management UI. Runtime fields (Status, NextRunAt, LastRunAt,
// ClaimedAt, AttemptCount) are owned exclusively by the coordinator.
//
// LastRunAt doubles as the claim compare token: a claim only commits if the
// stored value still equals the value read at due-query time, so out of N
// concurrent workers exactly one wins.
type Schedule struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// Query reference and display name; the saved query body and parameters
	// are resolved at dispatch time.
	QueryID string `json:"query_id" db:"query_id"`
	Name    string `json:"name" db:"name"`

	// Recurrence
	CronExpr string `json:"cron_expr" db:"cron_expr"`
	Timezone string `json:"timezone" db:"timezone"`

	// Reporting window configuration
	WindowMode       WindowMode `json:"window_mode" db:"window_mode"`
	WindowDays       int        `json:"window_days" db:"window_days"`
	LookbackDays     int        `json:"lookback_days" db:"lookback_days"`
	ReportingLagDays int        `json:"reporting_lag_days" db:"reporting_lag_days"`

	// Runtime state (coordinator-owned)
	Status       ScheduleStatus `json:"status" db:"status"`
	NextRunAt    time.Time      `json:"next_run_at" db:"next_run_at"`
	LastRunAt    *time.Time     `json:"last_run_at,omitempty" db:"last_run_at"`
	ClaimedAt    *time.Time     `json:"claimed_at,omitempty" db:"claimed_at"`
	AttemptCount int            `json:"attempt_count" db:"attempt_count"`
	MaxAttempts  int            `json:"max_attempts" db:"max_attempts"`

	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EffectiveMaxAttempts returns the per-schedule attempt budget, falling back
// to DefaultMaxAttempts when the column is unset.
func (s *Schedule) EffectiveMaxAttempts() int {
	if s.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return s.MaxAttempts
}

// WindowLengthDays returns the day count relevant to the schedule's window
// mode: WindowDays for rolling, LookbackDays for fixed.
func (s *Schedule) WindowLengthDays() int {
	if s.WindowMode == WindowFixed {
		return s.LookbackDays
	}
	return s.WindowDays
}

// Occurrence is one due firing of a Schedule. It is created when the poll
// loop observes the schedule is due and lives until the coordinator records
// success, terminal failure, or abandons it to the recovery monitor. It is
// never persisted as its own row; the executions table records its outcome.
type Occurrence struct {
	ScheduleID   string
	ScheduledFor time.Time
	WindowStart  time.Time
	WindowEnd    time.Time
	Attempt      int
}

// TriggerSource distinguishes the recurring path from the manual side channel.
type TriggerSource string

const (
	TriggerScheduled TriggerSource = "scheduled"
	TriggerManual    TriggerSource = "manual"
)

// ExecutionStatus is the lifecycle of a single dispatched run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is the persisted record of one dispatch attempt sequence. The row
// is created before the external API call and the Handle is written
// immediately after, so a run can be reconciled even if the coordinator dies
// right after dispatch.
type Execution struct {
	ID         string `json:"id" db:"id"`
	ScheduleID string `json:"schedule_id" db:"schedule_id"`

	ScheduledFor time.Time `json:"scheduled_for" db:"scheduled_for"`
	WindowStart  time.Time `json:"window_start" db:"window_start"`
	WindowEnd    time.Time `json:"window_end" db:"window_end"`

	// Handle is the opaque reference returned by the analytics API for the
	// dispatched run. Empty until dispatch succeeds.
	Handle string `json:"handle,omitempty" db:"handle"`

	Trigger TriggerSource   `json:"trigger" db:"trigger"`
	Status  ExecutionStatus `json:"status" db:"status"`
	Attempt int             `json:"attempt" db:"attempt"`

	// Failure summary for the (out-of-scope) history UI. The raw internal
	// error classification is never exposed.
	ErrorCode    string `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Query is the saved SQL-like query a schedule executes. Authoring lives in
// the management UI; the coordinator only reads it to build dispatch requests.
type Query struct {
	ID         string            `json:"id" db:"id"`
	UserID     string            `json:"user_id" db:"user_id"`
	Statement  string            `json:"statement" db:"statement"`
	Parameters map[string]string `json:"parameters,omitempty" db:"parameters"`
}

// Token is a credential for the external analytics API, obtained from the
// credential provider and refreshed proactively near expiry.
type Token struct {
	AccessToken SecretString `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Valid reports whether the token is usable at the given instant with the
// given skew subtracted from its expiry. A positive skew forces refresh
// before the token lapses mid-request.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	return now.Add(skew).Before(t.ExpiresAt)
}
