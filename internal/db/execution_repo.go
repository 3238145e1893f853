package db

import (
	"context"
	"time"

	"queryline/internal/types"
)

// ============================================================
// ExecutionRepository
// ============================================================

// ExecutionRepository provides data access for the executions table. One row
// is created per occurrence attempt sequence, before the external dispatch,
// so the schedule → handle link survives a coordinator crash immediately
// after dispatch and can be reconciled later.
type ExecutionRepository struct {
	db DBTX
}

// NewExecutionRepository creates a new ExecutionRepository backed by the
// given database connection (pool or transaction).
func NewExecutionRepository(db DBTX) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create inserts a new execution row with status 'pending'. The caller
// assigns the ID (uuid) so the record can be referenced before the insert
// round-trips.
func (r *ExecutionRepository) Create(ctx context.Context, e *types.Execution) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO executions
		 (id, schedule_id, scheduled_for, window_start, window_end,
		  trigger, status, attempt, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, NOW())`,
		e.ID,
		e.ScheduleID,
		e.ScheduledFor,
		e.WindowStart,
		e.WindowEnd,
		e.Trigger,
		e.Attempt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create execution record", err)
	}
	return nil
}

// SetHandle stores the opaque handle returned by the analytics API and moves
// the record to 'running'. Called immediately after a successful dispatch.
func (r *ExecutionRepository) SetHandle(ctx context.Context, id, handle string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE executions
		 SET handle = $2, status = 'running'
		 WHERE id = $1`,
		id,
		handle,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set execution handle", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalDB, "execution record not found", nil)
	}
	return nil
}

// Finish records the terminal status of the execution, the attempt count,
// and a human-readable failure summary for the history UI. errCode and
// errMsg are empty on success.
func (r *ExecutionRepository) Finish(ctx context.Context, id string, status types.ExecutionStatus, attempt int, errCode, errMsg string) error {
	var codePtr, msgPtr *string
	if errCode != "" {
		codePtr = &errCode
	}
	if errMsg != "" {
		msgPtr = &errMsg
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE executions
		 SET status = $2, attempt = $3, error_code = $4, error_message = $5,
		     finished_at = NOW()
		 WHERE id = $1`,
		id,
		status,
		attempt,
		codePtr,
		msgPtr,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish execution record", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalDB, "execution record not found", nil)
	}
	return nil
}

// HasScheduledExecutionSince reports whether any scheduled-trigger execution
// is already recorded for the schedule at or after the given instant. The
// claim coordinator consults this as a secondary guard against clock skew
// between the due-check and the claim: if a run for the current interval
// already exists, the claim is rejected even if the CAS would succeed.
func (r *ExecutionRepository) HasScheduledExecutionSince(ctx context.Context, scheduleID string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM executions
		   WHERE schedule_id = $1
		     AND trigger = 'scheduled'
		     AND scheduled_for >= $2
		 )`,
		scheduleID,
		since,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check execution history", err)
	}
	return exists, nil
}

// ============================================================
// QueryRepository
// ============================================================

// QueryRepository reads saved queries. The coordinator never writes query
// configuration; authoring belongs to the management UI.
type QueryRepository struct {
	db DBTX
}

// NewQueryRepository creates a new QueryRepository backed by the given
// database connection (pool or transaction).
func NewQueryRepository(db DBTX) *QueryRepository {
	return &QueryRepository{db: db}
}

// Get returns the saved query by ID. A missing query is a permanent
// configuration error: the schedule references something that no longer
// exists, and retrying cannot fix that.
func (r *QueryRepository) Get(ctx context.Context, id string) (*types.Query, error) {
	var q types.Query
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, statement, parameters
		 FROM queries
		 WHERE id = $1`,
		id,
	).Scan(&q.ID, &q.UserID, &q.Statement, &q.Parameters)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeValidationQuery, "saved query "+id+" not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load saved query", err)
	}
	return &q, nil
}

// ============================================================
// CredentialRepository
// ============================================================

// CredentialRepository reads the stored refresh tokens the token service
// exchanges for analytics API access tokens. Token issuance itself is out of
// scope; the coordinator only consumes stored credentials.
type CredentialRepository struct {
	db DBTX
}

// NewCredentialRepository creates a new CredentialRepository backed by the
// given database connection (pool or transaction).
func NewCredentialRepository(db DBTX) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// GetRefreshToken returns the stored refresh token for a user. A missing
// credential is permanent: the user must re-connect their analytics account
// through the (out-of-scope) UI.
func (r *CredentialRepository) GetRefreshToken(ctx context.Context, userID string) (types.SecretString, error) {
	var token string
	err := r.db.QueryRow(ctx,
		`SELECT refresh_token FROM analytics_credentials WHERE user_id = $1`,
		userID,
	).Scan(&token)
	if err != nil {
		if isNoRows(err) {
			return "", types.NewAppError(types.ErrCodeAuthTokenMissing, "no analytics credential stored for user "+userID, err)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to load analytics credential", err)
	}
	return types.SecretString(token), nil
}
