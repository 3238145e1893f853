package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"queryline/internal/types"
	"queryline/internal/window"
)

// userAgent identifies the coordinator on all outbound analytics calls.
const userAgent = "Queryline/1.0"

// QueryRequest is the payload submitted to the analytics execution endpoint.
// Both the scheduled dispatcher and the manual trigger path build it through
// NewQueryRequest, so scheduled and manual runs are behaviorally identical —
// there is no scheduler-specific parameter shortcut.
type QueryRequest struct {
	Statement  string            `json:"statement"`
	Parameters map[string]string `json:"parameters,omitempty"`

	// Window bounds in the platform's literal format: no timezone suffix.
	// The platform rejects RFC 3339 timestamps.
	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`
}

// NewQueryRequest builds the execution request for a saved query over a
// computed reporting window. This is the single parameter-construction path
// for every execution, scheduled or manual.
func NewQueryRequest(q *types.Query, w window.Window) QueryRequest {
	return QueryRequest{
		Statement:   q.Statement,
		Parameters:  q.Parameters,
		WindowStart: w.StartLiteral(),
		WindowEnd:   w.EndLiteral(),
	}
}

// ExecutionState is the remote lifecycle of a dispatched run as reported by
// the analytics platform's status endpoint.
type ExecutionState struct {
	Handle string `json:"execution_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// executeResponse is the response envelope of the execute endpoint.
type executeResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// AnalyticsClientConfig holds the configuration for creating an
// AnalyticsHTTPClient.
type AnalyticsClientConfig struct {
	BaseURL string
	Logger  *slog.Logger
}

// AnalyticsHTTPClient talks to the external analytics execution API through
// BaseClient. The platform is rate limited and eventually consistent: a
// dispatched run may not be visible on the status endpoint immediately.
//
// The client is constructed with MaxRetries = 0 on its retry policy; the
// coordinator's retry controller owns the occurrence-level backoff schedule
// and must observe every transient failure itself.
type AnalyticsHTTPClient struct {
	base    *BaseClient
	baseURL string
	logger  *slog.Logger
}

// NewAnalyticsClient creates a new AnalyticsHTTPClient. The httpClient
// timeout bounds each in-flight call; a timeout is surfaced as a transient
// failure.
func NewAnalyticsClient(httpClient *http.Client, cfg AnalyticsClientConfig) *AnalyticsHTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"analytics",
		RetryPolicy{
			MaxRetries: 0,
			MinWait:    1 * time.Second,
			MaxWait:    10 * time.Second,
		},
		userAgent,
	)

	return &AnalyticsHTTPClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// NewAnalyticsClientWithBase creates an AnalyticsHTTPClient with a
// pre-configured BaseClient. Useful for tests that control the retry policy
// or sleep function.
func NewAnalyticsClientWithBase(base *BaseClient, cfg AnalyticsClientConfig) *AnalyticsHTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyticsHTTPClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// ExecuteQuery dispatches one query run and returns the platform's opaque
// execution handle.
func (c *AnalyticsHTTPClient) ExecuteQuery(ctx context.Context, token types.Token, reqBody QueryRequest) (string, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to serialize query request",
			err,
		)
	}

	url := c.baseURL + "/v1/queries/execute"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create execute request",
			err,
		)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken.Unmask())

	c.logger.InfoContext(ctx, "dispatching query execution",
		"window_start", reqBody.WindowStart,
		"window_end", reqBody.WindowEnd,
	)

	resp, err := c.base.Do(req)
	if err != nil {
		return "", c.wrapError("ExecuteQuery", err)
	}
	defer resp.Body.Close()

	// Non-2xx responses other than 429/5xx come back as-is from BaseClient.
	if resp.StatusCode >= 400 {
		return "", c.handleErrorResponse(resp, "ExecuteQuery")
	}

	var execResp executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&execResp); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode execute response",
			err,
		)
	}

	if execResp.ExecutionID == "" {
		return "", types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			"analytics API returned empty execution handle",
			nil,
		)
	}

	c.logger.InfoContext(ctx, "query execution dispatched",
		"handle", execResp.ExecutionID,
		"status", execResp.Status,
	)

	return execResp.ExecutionID, nil
}

// GetExecutionStatus retrieves the current remote state of a dispatched run.
// Used for post-crash reconciliation against the persisted handle.
func (c *AnalyticsHTTPClient) GetExecutionStatus(ctx context.Context, token types.Token, handle string) (*ExecutionState, error) {
	if handle == "" {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissing,
			"execution handle is required for status check",
			nil,
		)
	}

	url := fmt.Sprintf("%s/v1/executions/%s", c.baseURL, handle)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create status request",
			err,
		)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken.Unmask())

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, c.wrapError("GetExecutionStatus", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.handleErrorResponse(resp, "GetExecutionStatus")
	}

	var state ExecutionState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode status response",
			err,
		)
	}

	return &state, nil
}

// handleErrorResponse reads and logs the error body from a non-2xx response,
// then maps it into the coordinator taxonomy: 400/404/422 are permanent
// configuration rejections, 401/403 are permanent authorization denials,
// anything else that reached here is transient.
func (c *AnalyticsHTTPClient) handleErrorResponse(resp *http.Response, operation string) *types.AppError {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	bodyStr := string(bodyBytes)

	c.logger.Error("analytics API error",
		"operation", operation,
		"status_code", resp.StatusCode,
		"response_body", bodyStr,
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.NewAppError(
			types.ErrCodeAuthDenied,
			fmt.Sprintf("analytics API denied authorization (%d)", resp.StatusCode),
			fmt.Errorf("analytics %s returned %d: %s", operation, resp.StatusCode, bodyStr),
		)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return types.NewAppError(
			types.ErrCodeUpstreamRejected,
			fmt.Sprintf("analytics API rejected the request (%d)", resp.StatusCode),
			fmt.Errorf("analytics %s returned %d: %s", operation, resp.StatusCode, bodyStr),
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("analytics API server error (%d)", resp.StatusCode),
			fmt.Errorf("analytics %s returned %d: %s", operation, resp.StatusCode, bodyStr),
		)
	}
}

// wrapError converts errors from BaseClient.Do into operation-tagged errors,
// preserving the classification code.
func (c *AnalyticsHTTPClient) wrapError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return types.NewAppError(
			appErr.Code,
			fmt.Sprintf("analytics %s: %s", operation, appErr.Message),
			appErr.Err,
		)
	}

	return types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		fmt.Sprintf("analytics %s failed", operation),
		err,
	)
}
