package external

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"queryline/internal/types"
)

type stubRefreshLookup struct {
	token types.SecretString
	err   error
	calls int
}

func (s *stubRefreshLookup) GetRefreshToken(_ context.Context, _ string) (types.SecretString, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

func newTestTokenService(serverURL string, lookup RefreshTokenLookup) *TokenService {
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-auth",
		RetryPolicy{
			MaxRetries: 0,
			MinWait:    1 * time.Millisecond,
			MaxWait:    10 * time.Millisecond,
		},
		"Queryline-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewTokenServiceWithBase(base, lookup, TokenServiceConfig{
		TokenURL:     serverURL + "/oauth/token",
		ClientID:     "client_123",
		ClientSecret: "shh_secret",
		RefreshSkew:  2 * time.Minute,
	})
}

func TestTokenService_GetValidToken_RefreshesAndCaches(t *testing.T) {
	var calls atomic.Int32
	var receivedGrant, receivedRefresh string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = r.ParseForm()
		receivedGrant = r.PostForm.Get("grant_type")
		receivedRefresh = r.PostForm.Get("refresh_token")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at_fresh",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	lookup := &stubRefreshLookup{token: "rt_stored"}
	svc := newTestTokenService(server.URL, lookup)

	token, err := svc.GetValidToken(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("GetValidToken returned error: %v", err)
	}
	if token.AccessToken.Unmask() != "at_fresh" {
		t.Errorf("access token = %q, want at_fresh", token.AccessToken.Unmask())
	}
	if receivedGrant != "refresh_token" || receivedRefresh != "rt_stored" {
		t.Errorf("grant = %q refresh = %q, want refresh_token/rt_stored", receivedGrant, receivedRefresh)
	}

	// Second call inside the validity window must hit the cache.
	if _, err := svc.GetValidToken(context.Background(), "user_1"); err != nil {
		t.Fatalf("cached GetValidToken returned error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1 (second read cached)", got)
	}
}

func TestTokenService_GetValidToken_RefreshesWithinSkew(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at_fresh",
			"expires_in":   60, // expires in 1m, inside the 2m skew
		})
	}))
	defer server.Close()

	svc := newTestTokenService(server.URL, &stubRefreshLookup{token: "rt_stored"})

	if _, err := svc.GetValidToken(context.Background(), "user_1"); err != nil {
		t.Fatalf("first GetValidToken returned error: %v", err)
	}
	if _, err := svc.GetValidToken(context.Background(), "user_1"); err != nil {
		t.Fatalf("second GetValidToken returned error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("token endpoint calls = %d, a token inside the skew must be refreshed", got)
	}
}

func TestTokenService_GetValidToken_InvalidGrantIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer server.Close()

	svc := newTestTokenService(server.URL, &stubRefreshLookup{token: "rt_revoked"})

	_, err := svc.GetValidToken(context.Background(), "user_1")
	if err == nil {
		t.Fatal("expected error for revoked refresh token")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeAuthTokenRevoked {
		t.Fatalf("expected %s, got %v", types.ErrCodeAuthTokenRevoked, err)
	}
	if types.IsRetryable(err) {
		t.Error("a revoked credential must be a permanent failure")
	}
}

func TestTokenService_GetValidToken_5xxIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	svc := newTestTokenService(server.URL, &stubRefreshLookup{token: "rt_stored"})

	_, err := svc.GetValidToken(context.Background(), "user_1")
	if err == nil {
		t.Fatal("expected error for unavailable token endpoint")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeAuthRefreshFailed {
		t.Fatalf("expected %s, got %v", types.ErrCodeAuthRefreshFailed, err)
	}
	if !types.IsRetryable(err) {
		t.Error("a transport-level refresh failure must stay transient")
	}
}

func TestTokenService_GetValidToken_MissingCredential(t *testing.T) {
	lookup := &stubRefreshLookup{
		err: types.NewAppError(types.ErrCodeAuthTokenMissing, "no analytics credential stored", nil),
	}
	svc := newTestTokenService("http://unused", lookup)

	_, err := svc.GetValidToken(context.Background(), "user_disconnected")
	if err == nil {
		t.Fatal("expected error when no credential is stored")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeAuthTokenMissing {
		t.Errorf("expected %s, got %v", types.ErrCodeAuthTokenMissing, err)
	}
}

func TestTokenService_Invalidate_ForcesRefresh(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at_fresh",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	svc := newTestTokenService(server.URL, &stubRefreshLookup{token: "rt_stored"})

	if _, err := svc.GetValidToken(context.Background(), "user_1"); err != nil {
		t.Fatal(err)
	}
	svc.Invalidate("user_1")
	if _, err := svc.GetValidToken(context.Background(), "user_1"); err != nil {
		t.Fatal(err)
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("token endpoint calls = %d, invalidation must force a refresh", got)
	}
}

func TestTokenService_PerUserCaching(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at_fresh",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	svc := newTestTokenService(server.URL, &stubRefreshLookup{token: "rt_stored"})

	if _, err := svc.GetValidToken(context.Background(), "user_a"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetValidToken(context.Background(), "user_b"); err != nil {
		t.Fatal(err)
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("token endpoint calls = %d, tokens are cached per user", got)
	}
}
