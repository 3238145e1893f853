package external

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"queryline/internal/types"
	"queryline/internal/window"
)

func newTestAnalyticsClient(serverURL string) *AnalyticsHTTPClient {
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-analytics",
		RetryPolicy{
			MaxRetries: 0,
			MinWait:    1 * time.Millisecond,
			MaxWait:    10 * time.Millisecond,
		},
		"Queryline-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewAnalyticsClientWithBase(base, AnalyticsClientConfig{BaseURL: serverURL})
}

func testToken() types.Token {
	return types.Token{
		AccessToken: "tok_test_abc",
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
}

func testRequest() QueryRequest {
	return NewQueryRequest(
		&types.Query{
			Statement:  "SELECT region, SUM(revenue) FROM sales GROUP BY region",
			Parameters: map[string]string{"region": "emea"},
		},
		window.Window{
			Start: time.Date(2025, 7, 26, 9, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 8, 25, 9, 0, 0, 0, time.UTC),
		},
	)
}

func TestAnalyticsExecuteQuery_Success(t *testing.T) {
	var receivedAuth, receivedPath, receivedMethod string
	var receivedBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedPath = r.URL.Path
		receivedAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &receivedBody)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"execution_id": "run_9f2",
			"status":       "queued",
		})
	}))
	defer server.Close()

	client := newTestAnalyticsClient(server.URL)
	handle, err := client.ExecuteQuery(context.Background(), testToken(), testRequest())
	if err != nil {
		t.Fatalf("ExecuteQuery returned error: %v", err)
	}
	if handle != "run_9f2" {
		t.Errorf("handle = %q, want run_9f2", handle)
	}
	if receivedMethod != http.MethodPost || receivedPath != "/v1/queries/execute" {
		t.Errorf("request = %s %s, want POST /v1/queries/execute", receivedMethod, receivedPath)
	}
	if receivedAuth != "Bearer tok_test_abc" {
		t.Errorf("Authorization = %q, want bearer token", receivedAuth)
	}
	if receivedBody["window_start"] != "2025-07-26T09:00:00" {
		t.Errorf("window_start = %v, want literal format without timezone", receivedBody["window_start"])
	}
	if receivedBody["window_end"] != "2025-08-25T09:00:00" {
		t.Errorf("window_end = %v, want literal format without timezone", receivedBody["window_end"])
	}
}

func TestAnalyticsExecuteQuery_EmptyHandleIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}))
	defer server.Close()

	_, err := newTestAnalyticsClient(server.URL).ExecuteQuery(context.Background(), testToken(), testRequest())
	if err == nil {
		t.Fatal("expected error for missing execution handle")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Errorf("expected %s, got %v", types.ErrCodeUpstreamUnavailable, err)
	}
}

func TestAnalyticsExecuteQuery_ErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantCode  types.ErrorCode
		retryable bool
	}{
		{"bad request is permanent rejection", http.StatusBadRequest, types.ErrCodeUpstreamRejected, false},
		{"unprocessable is permanent rejection", http.StatusUnprocessableEntity, types.ErrCodeUpstreamRejected, false},
		{"unauthorized is permanent denial", http.StatusUnauthorized, types.ErrCodeAuthDenied, false},
		{"forbidden is permanent denial", http.StatusForbidden, types.ErrCodeAuthDenied, false},
		{"rate limit is transient", http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited, true},
		{"server error is transient", http.StatusInternalServerError, types.ErrCodeUpstreamUnavailable, true},
		{"bad gateway is transient", http.StatusBadGateway, types.ErrCodeUpstreamUnavailable, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer server.Close()

			_, err := newTestAnalyticsClient(server.URL).ExecuteQuery(context.Background(), testToken(), testRequest())
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}

			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected AppError, got %T", err)
			}
			if appErr.Code != tc.wantCode {
				t.Errorf("code = %s, want %s", appErr.Code, tc.wantCode)
			}
			if got := types.IsRetryable(err); got != tc.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tc.retryable)
			}
		})
	}
}

func TestAnalyticsGetExecutionStatus_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/executions/run_9f2" {
			t.Errorf("path = %s, want /v1/executions/run_9f2", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"execution_id": "run_9f2",
			"status":       "completed",
		})
	}))
	defer server.Close()

	state, err := newTestAnalyticsClient(server.URL).GetExecutionStatus(context.Background(), testToken(), "run_9f2")
	if err != nil {
		t.Fatalf("GetExecutionStatus returned error: %v", err)
	}
	if state.Status != "completed" {
		t.Errorf("status = %q, want completed", state.Status)
	}
}

func TestAnalyticsGetExecutionStatus_EmptyHandleRejected(t *testing.T) {
	_, err := newTestAnalyticsClient("http://unused").GetExecutionStatus(context.Background(), testToken(), "")
	if err == nil {
		t.Fatal("expected validation error for empty handle")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeValidationMissing {
		t.Errorf("expected %s, got %v", types.ErrCodeValidationMissing, err)
	}
}

func TestNewQueryRequest_SharedConstructionPath(t *testing.T) {
	req := testRequest()

	if req.Statement == "" || req.Parameters["region"] != "emea" {
		t.Errorf("request did not carry query statement/parameters: %+v", req)
	}
	if req.WindowStart != "2025-07-26T09:00:00" || req.WindowEnd != "2025-08-25T09:00:00" {
		t.Errorf("window literals = [%s, %s), want plain format", req.WindowStart, req.WindowEnd)
	}
}
