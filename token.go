package tangguh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// AuthType selects how the client authenticates outbound requests.
type AuthType string

const (
	// AuthTypeNone sends no credentials.
	AuthTypeNone AuthType = "none"
	// AuthTypeOAuth2 obtains bearer tokens via the client-credentials grant.
	AuthTypeOAuth2 AuthType = "oauth2"
	// AuthTypeBearer sends a static bearer token. Accepted as "jwt" in
	// configuration files, since the token usually is one.
	AuthTypeBearer AuthType = "bearer"
	// AuthTypeAPIKey sends a static key in the X-API-Key header.
	AuthTypeAPIKey AuthType = "apikey"
)

// AuthConfig carries the credentials for one backend.
type AuthConfig struct {
	Type AuthType

	// OAuth2 client-credentials fields.
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// StaticToken is the bearer token for AuthTypeBearer.
	StaticToken string

	// APIKey is the key for AuthTypeAPIKey.
	APIKey string

	// RefreshBuffer is how long before expiry a token is refreshed.
	// Default 5 minutes.
	RefreshBuffer time.Duration
}

const (
	defaultRefreshBuffer  = 5 * time.Minute
	tokenRequestTimeout   = 30 * time.Second
	maxTokenResponseBytes = 1 << 20
)

// TokenStore hands out the credential for outbound requests. Static modes
// return their configured value and never expire. OAuth2 mode caches the
// access token and refreshes it ahead of expiry; concurrent callers needing
// a refresh share a single token-endpoint call.
type TokenStore struct {
	cfg  AuthConfig
	doer Doer
	now  func() time.Time

	logger    Logger
	debug     *DebugConfig
	onRefresh func(outcome string, elapsed time.Duration)

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	inflight  *refreshCall
}

// refreshCall is one in-flight token refresh. The owner fills token and err,
// then closes done; waiters read only after done is closed.
type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// NewTokenStore validates cfg and returns a store. Missing credentials are
// reported here so they can never surface mid-request.
func NewTokenStore(cfg AuthConfig, doer Doer) (*TokenStore, error) {
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = defaultRefreshBuffer
	}
	switch cfg.Type {
	case AuthTypeNone:
	case AuthTypeOAuth2:
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.TokenURL == "" {
			return nil, fmt.Errorf("oauth2 auth requires clientId, clientSecret and tokenUrl")
		}
		if doer == nil {
			return nil, fmt.Errorf("oauth2 auth requires an HTTP transport")
		}
	case AuthTypeBearer:
		if cfg.StaticToken == "" {
			return nil, fmt.Errorf("bearer auth requires a static token")
		}
	case AuthTypeAPIKey:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("apikey auth requires an API key")
		}
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
	return &TokenStore{cfg: cfg, doer: doer, now: time.Now}, nil
}

// Type returns the configured auth mode.
func (s *TokenStore) Type() AuthType {
	return s.cfg.Type
}

// Token returns the credential to attach to a request, refreshing first when
// the cached OAuth2 token is absent or inside its refresh buffer. Static
// modes return immediately and never fail.
func (s *TokenStore) Token(ctx context.Context) (string, error) {
	switch s.cfg.Type {
	case AuthTypeNone:
		return "", nil
	case AuthTypeBearer:
		return s.cfg.StaticToken, nil
	case AuthTypeAPIKey:
		return s.cfg.APIKey, nil
	}

	s.mu.Lock()
	if s.tokenUsable() {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	if s.inflight != nil {
		call := s.inflight
		s.mu.Unlock()
		return s.wait(ctx, call)
	}
	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.mu.Unlock()

	token, expiresAt, err := s.refresh(ctx)

	s.mu.Lock()
	// Invalidate may have orphaned this call; only the current handle
	// gets to publish state.
	if s.inflight == call {
		s.inflight = nil
		if err == nil {
			s.token = token
			s.expiresAt = expiresAt
		}
	}
	s.mu.Unlock()

	call.token, call.err = token, err
	close(call.done)
	return token, err
}

// wait blocks on an in-flight refresh started by another caller.
func (s *TokenStore) wait(ctx context.Context, call *refreshCall) (string, error) {
	select {
	case <-call.done:
		return call.token, call.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// tokenUsable reports whether the cached token can be served without a
// refresh. Callers must hold s.mu.
func (s *TokenStore) tokenUsable() bool {
	if s.token == "" {
		return false
	}
	if s.expiresAt.IsZero() {
		// The endpoint declared no lifetime; trust the token until
		// Invalidate.
		return true
	}
	return s.expiresAt.After(s.now().Add(s.cfg.RefreshBuffer))
}

// IsValid reports whether a credential is available right now without a
// refresh. Static modes are always valid.
func (s *TokenStore) IsValid() bool {
	switch s.cfg.Type {
	case AuthTypeNone, AuthTypeBearer, AuthTypeAPIKey:
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenUsable()
}

// Invalidate discards the cached token and detaches any in-flight refresh,
// so the next Token call starts fresh. A detached refresh still completes
// for its waiters but its result is not cached.
func (s *TokenStore) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.inflight = nil
	s.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// refresh performs the client-credentials exchange. Endpoint rejections and
// transport failures are returned as auth errors; they are never retried
// here, the retry layer owns that decision.
func (s *TokenStore) refresh(ctx context.Context) (string, time.Time, error) {
	start := s.now()
	if s.debug != nil && s.debug.Enabled && s.debug.LogTokens && s.logger != nil {
		s.logger.Debug("Token refresh started", "tokenUrl", s.cfg.TokenURL)
	}

	token, expiresAt, err := s.exchange(ctx)

	elapsed := s.now().Sub(start)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if s.onRefresh != nil {
		s.onRefresh(outcome, elapsed)
	}
	if s.debug != nil && s.debug.Enabled && s.debug.LogTokens && s.logger != nil {
		if err != nil {
			s.logger.Warn("Token refresh failed", "tokenUrl", s.cfg.TokenURL, "error", err, "elapsed", elapsed)
		} else {
			s.logger.Debug("Token refresh succeeded", "tokenUrl", s.cfg.TokenURL, "expiresAt", expiresAt, "elapsed", elapsed)
		}
	}
	return token, expiresAt, err
}

func (s *TokenStore) exchange(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	if len(s.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(s.cfg.Scopes, " "))
	}

	ctx, cancel := context.WithTimeout(ctx, tokenRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, s.authError("building token request", false, 0, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.doer.Do(req)
	if err != nil {
		return "", time.Time{}, s.authError("token endpoint unreachable", true, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return "", time.Time{}, s.authError("reading token response", true, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, s.authError(
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode),
			false, resp.StatusCode, ErrTokenEndpoint)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", time.Time{}, s.authError("decoding token response", false, resp.StatusCode, err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, s.authError("token response missing access_token", false, resp.StatusCode, nil)
	}

	var expiresAt time.Time
	if tr.ExpiresIn > 0 {
		expiresAt = s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tr.AccessToken, expiresAt, nil
}

func (s *TokenStore) authError(msg string, retryable bool, status int, cause error) error {
	return &Error{
		Type:       ErrorTypeAuth,
		Message:    msg,
		StatusCode: status,
		Retryable:  retryable,
		URL:        s.cfg.TokenURL,
		Timestamp:  s.now(),
		Cause:      cause,
	}
}
