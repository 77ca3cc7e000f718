// Package token centralizes access-token lifecycle for the delegated
// authorization provider: expiry checking, refresh, and the one-time
// authorization-code exchange. Every other component treats "get a usable
// token" as one opaque call and never re-implements expiry logic.
package token

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
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Dropbox OAuth2 endpoints.
const (
	defaultTokenEndpoint = "https://api.dropboxapi.com/oauth2/token" //nolint:gosec // endpoint URL, not credentials
	defaultAuthPage      = "https://www.dropbox.com/oauth2/authorize"
)

// expirySkew is the safety buffer before the recorded expiry at which a
// cached access token is no longer trusted and must be refreshed.
const expirySkew = 5 * time.Minute

// ErrNotConfigured indicates missing credentials (no app id or refresh
// token). No network call is attempted in this state.
var ErrNotConfigured = errors.New("token: sync provider not configured")

// AuthError carries the token endpoint's rejection. The Description is the
// provider's own error text when it sent one.
type AuthError struct {
	StatusCode  int
	Description string
}

func (e *AuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token: endpoint rejected request (HTTP %d): %s", e.StatusCode, e.Description)
	}

	return fmt.Sprintf("token: endpoint rejected request (HTTP %d)", e.StatusCode)
}

// Credentials is the slice of the sync configuration the manager reads. The
// refresh token is the durable credential; the access token is a cache.
type Credentials struct {
	AppID        string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Token is a (re)issued token set. RefreshToken is populated only by the
// authorization-code exchange; refresh grants keep the existing one.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Manager performs token endpoint calls. It holds no durable state: callers
// persist refreshed tokens back into their configuration so subsequent calls
// reuse them. No retry is performed here; retry policy belongs to callers.
type Manager struct {
	endpoint   string
	authPage   string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	// group collapses concurrent refreshes for the same refresh token into
	// one endpoint call.
	group singleflight.Group
}

// NewManager creates a Manager with the Dropbox endpoints.
func NewManager(httpClient *http.Client, logger *slog.Logger) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		endpoint:   defaultTokenEndpoint,
		authPage:   defaultAuthPage,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Valid returns a currently usable access token. A cached token still inside
// its safety buffer is returned unchanged with zero network calls; otherwise
// exactly one refresh is performed. The caller is responsible for persisting
// the returned token and expiry.
func (m *Manager) Valid(ctx context.Context, creds Credentials) (Token, error) {
	if creds.AppID == "" || creds.RefreshToken == "" {
		return Token{}, ErrNotConfigured
	}

	if creds.AccessToken != "" && m.now().Before(creds.Expiry.Add(-expirySkew)) {
		m.logger.Debug("using cached access token",
			slog.Time("expiry", creds.Expiry),
		)

		return Token{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			Expiry:       creds.Expiry,
		}, nil
	}

	result, err, shared := m.group.Do(creds.RefreshToken, func() (any, error) {
		return m.refresh(ctx, creds)
	})
	if err != nil {
		return Token{}, err
	}

	if shared {
		m.logger.Debug("refresh shared with concurrent caller")
	}

	tok, ok := result.(Token)
	if !ok {
		return Token{}, fmt.Errorf("token: unexpected refresh result type %T", result)
	}

	return tok, nil
}

// refresh exchanges the refresh token for a new access token.
func (m *Manager) refresh(ctx context.Context, creds Credentials) (Token, error) {
	m.logger.Info("refreshing access token",
		slog.Time("old_expiry", creds.Expiry),
	)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {creds.RefreshToken},
		"client_id":     {creds.AppID},
	}

	tr, err := m.post(ctx, form)
	if err != nil {
		return Token{}, err
	}

	tok := Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       m.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}

	m.logger.Info("access token refreshed", slog.Time("new_expiry", tok.Expiry))

	return tok, nil
}

// Exchange completes the delegated-authorization handshake, trading the
// authorization code and PKCE verifier for a full token pair.
func (m *Manager) Exchange(ctx context.Context, appID, code, verifier, redirectURI string) (Token, error) {
	if appID == "" {
		return Token{}, ErrNotConfigured
	}

	m.logger.Info("exchanging authorization code")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {appID},
		"code_verifier": {verifier},
	}

	// The manual copy-the-code flow authorizes without a redirect; the
	// parameter must then be absent from the exchange too.
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}

	tr, err := m.post(ctx, form)
	if err != nil {
		return Token{}, err
	}

	tok := Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Expiry:       m.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}

	m.logger.Info("authorization code exchanged", slog.Time("expiry", tok.Expiry))

	return tok, nil
}

// BeginAuthorization generates a PKCE verifier and builds the provider
// authorization URL carrying its S256 challenge. The verifier must be held
// in a short-lived, single-use scratch area until the redirect returns.
func (m *Manager) BeginAuthorization(appID, redirectURI, state string) (authURL, verifier string) {
	verifier = oauth2.GenerateVerifier()

	cfg := oauth2.Config{
		ClientID:    appID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  m.authPage,
			TokenURL: m.endpoint,
		},
	}

	authURL = cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("token_access_type", "offline"),
	)

	return authURL, verifier
}

// tokenResponse mirrors the token endpoint's JSON response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// tokenErrorResponse mirrors the endpoint's error JSON.
type tokenErrorResponse struct {
	ErrorCode   string `json:"error"`
	Description string `json:"error_description"`
}

// post sends one form-encoded request to the token endpoint.
func (m *Manager) post(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("token: creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token: endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("token: reading endpoint response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		authErr := &AuthError{StatusCode: resp.StatusCode}

		var ter tokenErrorResponse
		if jsonErr := json.Unmarshal(body, &ter); jsonErr == nil {
			authErr.Description = ter.Description
			if authErr.Description == "" {
				authErr.Description = ter.ErrorCode
			}
		}

		m.logger.Warn("token endpoint rejected request",
			slog.Int("status", resp.StatusCode),
		)

		return nil, authErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("token: decoding endpoint response: %w", err)
	}

	if tr.AccessToken == "" {
		return nil, &AuthError{StatusCode: resp.StatusCode, Description: "response missing access_token"}
	}

	return &tr, nil
}
