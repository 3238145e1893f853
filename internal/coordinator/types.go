// Package coordinator implements the schedule execution coordinator: the
// background process that finds due schedules, claims exactly one execution
// attempt per due occurrence across concurrently polling instances, computes
// the reporting window, drives the external analytics API, and recovers
// claims abandoned by crashed workers.
//
// Multiple coordinator instances run as independent processes with no leader
// election and no shared in-memory state. All coordination happens through
// the schedule store's compare-and-swap claim; a stuck claim self-heals via
// the recovery monitor rather than blocking forever.
package coordinator

import (
	"context"
	"time"

	"queryline/internal/external"
	"queryline/internal/types"
)

// ScheduleStore abstracts the persisted schedule rows and the atomic claim
// and recovery operations. Implemented by db.ScheduleRepository. These are
// the only operations permitted to write status, last_run_at, or
// next_run_at.
type ScheduleStore interface {
	// ListDue returns active, non-live-claimed schedules due at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Schedule, error)
	// TryClaim atomically claims one occurrence; false means another worker won.
	TryClaim(ctx context.Context, scheduleID string, expectedLastRunAt *time.Time, claimedAt, newNextRunAt time.Time) (bool, error)
	// MarkExecuting transitions claimed → executing before dispatch.
	MarkExecuting(ctx context.Context, scheduleID string) error
	// RecordOutcome writes the occurrence's terminal status and releases the claim.
	RecordOutcome(ctx context.Context, scheduleID string, status types.ScheduleStatus, attempts int) error
	// ListStuck returns live claims older than cutoff.
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*types.Schedule, error)
	// TryRecover resets a stuck claim; false means the claim completed or was
	// re-claimed in the meantime.
	TryRecover(ctx context.Context, scheduleID string, claimedBefore, newNextRunAt time.Time) (bool, error)
}

// ExecutionStore abstracts the execution-history table. Implemented by
// db.ExecutionRepository.
type ExecutionStore interface {
	Create(ctx context.Context, e *types.Execution) error
	SetHandle(ctx context.Context, id, handle string) error
	Finish(ctx context.Context, id string, status types.ExecutionStatus, attempt int, errCode, errMsg string) error
	HasScheduledExecutionSince(ctx context.Context, scheduleID string, since time.Time) (bool, error)
}

// QueryStore reads saved queries. Implemented by db.QueryRepository.
type QueryStore interface {
	Get(ctx context.Context, id string) (*types.Query, error)
}

// CredentialProvider supplies valid analytics API tokens for schedule
// owners. Implemented by external.TokenService.
type CredentialProvider interface {
	GetValidToken(ctx context.Context, userID string) (types.Token, error)
}

// AnalyticsAPI abstracts the external execution API. Implemented by
// external.AnalyticsHTTPClient.
type AnalyticsAPI interface {
	ExecuteQuery(ctx context.Context, token types.Token, req external.QueryRequest) (string, error)
}

// Outcome is the terminal result of processing one occurrence.
type Outcome struct {
	ScheduleID string
	Status     types.ScheduleStatus // ScheduleSucceeded or ScheduleFailed
	Attempts   int
	Handle     string
	Err        error // nil on success
}

// Coordinator-wide defaults. Poll interval, due buffer, and recovery tuning
// come from config; these are the fixed pieces of the design.
const (
	// baseRetryDelay is the wait after the first transient failure; it
	// doubles per failure up to maxRetryDelay (10s, 20s, 40s, 60s, 60s...).
	baseRetryDelay = 10 * time.Second
	maxRetryDelay  = 60 * time.Second

	// defaultDueBatch caps how many due schedules one tick will pull.
	defaultDueBatch = 100
)

// backoffDelay returns the wait before retrying after the nth transient
// failure (1-based).
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseRetryDelay << (attempt - 1)
	if d > maxRetryDelay || d <= 0 {
		return maxRetryDelay
	}
	return d
}
