package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"queryline/internal/external"
	"queryline/internal/types"
	"queryline/internal/window"
)

// Dispatcher drives a single execution attempt against the external
// analytics API: credential, saved query, request construction, dispatch,
// and the schedule → handle link.
type Dispatcher struct {
	queries    QueryStore
	executions ExecutionStore
	tokens     CredentialProvider
	analytics  AnalyticsAPI
	logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(queries QueryStore, executions ExecutionStore, tokens CredentialProvider, analytics AnalyticsAPI, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queries:    queries,
		executions: executions,
		tokens:     tokens,
		analytics:  analytics,
		logger:     logger,
	}
}

// Dispatch performs one execution attempt for the occurrence recorded under
// execID. On success the returned handle has already been persisted on the
// execution record — so status can be reconciled even if the coordinator
// process dies immediately after dispatch.
//
// The request is built through external.NewQueryRequest, the same
// parameter-construction path the manual trigger uses: scheduled and manual
// runs are behaviorally identical.
func (d *Dispatcher) Dispatch(ctx context.Context, sched *types.Schedule, w window.Window, execID string) (string, error) {
	// A refresh failure inside GetValidToken is already classified:
	// transport problems are transient, a revoked credential is permanent.
	token, err := d.tokens.GetValidToken(ctx, sched.UserID)
	if err != nil {
		return "", fmt.Errorf("obtaining credential for schedule %s: %w", sched.ID, err)
	}

	query, err := d.queries.Get(ctx, sched.QueryID)
	if err != nil {
		return "", fmt.Errorf("loading saved query for schedule %s: %w", sched.ID, err)
	}

	req := external.NewQueryRequest(query, w)

	handle, err := d.analytics.ExecuteQuery(ctx, token, req)
	if err != nil {
		return "", err
	}

	if err := d.executions.SetHandle(ctx, execID, handle); err != nil {
		// The run is already in flight on the platform. Log and continue;
		// the execution record still carries the window and scheduled time
		// for reconciliation.
		d.logger.ErrorContext(ctx, "failed to persist execution handle",
			"execution_id", execID,
			"handle", handle,
			"error", err,
		)
	}

	return handle, nil
}

// ComputeWindow derives the occurrence's reporting window at dispatch time.
// Thin wrapper so the runner and manual path share one call site shape.
func ComputeWindow(sched *types.Schedule, now time.Time) (window.Window, error) {
	return window.Compute(sched, now)
}
