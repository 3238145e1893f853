package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"queryline/internal/types"
)

// RefreshTokenLookup abstracts the stored-credential read the token service
// needs. Implemented by db.CredentialRepository.
type RefreshTokenLookup interface {
	GetRefreshToken(ctx context.Context, userID string) (types.SecretString, error)
}

// TokenServiceConfig holds the configuration for creating a TokenService.
type TokenServiceConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret types.SecretString

	// RefreshSkew forces a refresh this long before the cached token's
	// actual expiry, so a token never lapses mid-dispatch.
	RefreshSkew time.Duration

	Logger *slog.Logger
}

// tokenResponse is the OAuth token endpoint response envelope.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error,omitempty"`
}

// TokenService implements the credential provider consumed by the execution
// dispatcher. It caches one access token per user and refreshes proactively
// via the OAuth refresh-token grant.
//
// Failure classification follows the coordinator taxonomy: transport and 5xx
// failures during refresh are transient (the occurrence retries); an
// invalid_grant or 400/401 response means the stored credential is revoked,
// which is permanent.
type TokenService struct {
	base       *BaseClient
	tokenURL   string
	clientID   string
	secret     types.SecretString
	refresh    RefreshTokenLookup
	skew       time.Duration
	logger     *slog.Logger
	nowFn      func() time.Time

	mu    sync.Mutex
	cache map[string]types.Token
}

// NewTokenService creates a TokenService backed by the given HTTP client and
// stored-credential lookup.
func NewTokenService(httpClient *http.Client, refresh RefreshTokenLookup, cfg TokenServiceConfig) *TokenService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}

	base := NewBaseClient(
		httpClient,
		"auth-tokens",
		RetryPolicy{
			MaxRetries: 1,
			MinWait:    500 * time.Millisecond,
			MaxWait:    3 * time.Second,
		},
		userAgent,
	)

	return &TokenService{
		base:     base,
		tokenURL: cfg.TokenURL,
		clientID: cfg.ClientID,
		secret:   cfg.ClientSecret,
		refresh:  refresh,
		skew:     skew,
		logger:   logger,
		nowFn:    time.Now,
		cache:    make(map[string]types.Token),
	}
}

// NewTokenServiceWithBase creates a TokenService with a pre-configured
// BaseClient, for tests that control retries and sleeps.
func NewTokenServiceWithBase(base *BaseClient, refresh RefreshTokenLookup, cfg TokenServiceConfig) *TokenService {
	s := NewTokenService(&http.Client{}, refresh, cfg)
	s.base = base
	return s
}

// GetValidToken returns a usable access token for the given user, refreshing
// if the cached token is absent or within the refresh skew of expiry.
func (s *TokenService) GetValidToken(ctx context.Context, userID string) (types.Token, error) {
	now := s.nowFn().UTC()

	s.mu.Lock()
	cached, ok := s.cache[userID]
	s.mu.Unlock()

	if ok && cached.Valid(now, s.skew) {
		return cached, nil
	}

	token, err := s.refreshToken(ctx, userID)
	if err != nil {
		return types.Token{}, err
	}

	s.mu.Lock()
	s.cache[userID] = token
	s.mu.Unlock()

	return token, nil
}

// Invalidate drops the cached token for a user. Called when the analytics
// API rejects a token the cache considered valid.
func (s *TokenService) Invalidate(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}

// refreshToken exchanges the user's stored refresh token for a fresh access
// token via the OAuth refresh-token grant.
func (s *TokenService) refreshToken(ctx context.Context, userID string) (types.Token, error) {
	refreshToken, err := s.refresh.GetRefreshToken(ctx, userID)
	if err != nil {
		return types.Token{}, err
	}

	params := url.Values{}
	params.Set("grant_type", "refresh_token")
	params.Set("refresh_token", refreshToken.Unmask())
	params.Set("client_id", s.clientID)
	params.Set("client_secret", s.secret.Unmask())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return types.Token{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create token refresh request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.base.Do(req)
	if err != nil {
		// BaseClient already classified this as an upstream failure; re-tag
		// it as a refresh-transport failure so logs name the subsystem.
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return types.Token{}, types.NewAppError(
				types.ErrCodeAuthRefreshFailed,
				"token refresh unavailable: "+appErr.Message,
				appErr.Err,
			)
		}
		return types.Token{}, types.NewAppError(types.ErrCodeAuthRefreshFailed, "token refresh unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Token{}, s.handleRefreshError(resp, userID)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return types.Token{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode token response",
			err,
		)
	}

	if tr.AccessToken == "" {
		return types.Token{}, types.NewAppError(
			types.ErrCodeAuthRefreshFailed,
			"token endpoint returned empty access token",
			nil,
		)
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	s.logger.InfoContext(ctx, "access token refreshed",
		"user_id", userID,
		"expires_in", expiresIn,
	)

	return types.Token{
		AccessToken: types.SecretString(tr.AccessToken),
		ExpiresAt:   s.nowFn().UTC().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// handleRefreshError classifies a non-200 token endpoint response. The OAuth
// spec reports a revoked or expired refresh token as 400 invalid_grant;
// providers occasionally use 401. Both mean the credential is permanently
// invalid and the user must re-connect their account.
func (s *TokenService) handleRefreshError(resp *http.Response, userID string) *types.AppError {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var tr tokenResponse
	_ = json.Unmarshal(bodyBytes, &tr)

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		s.logger.Error("refresh token rejected",
			"user_id", userID,
			"status_code", resp.StatusCode,
			"oauth_error", tr.Error,
		)
		return types.NewAppError(
			types.ErrCodeAuthTokenRevoked,
			fmt.Sprintf("refresh token rejected (%d %s)", resp.StatusCode, tr.Error),
			nil,
		)
	}

	return types.NewAppError(
		types.ErrCodeAuthRefreshFailed,
		fmt.Sprintf("token endpoint returned %d", resp.StatusCode),
		nil,
	)
}
