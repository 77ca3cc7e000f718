package token

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTokenJSON is the canonical token endpoint response for tests.
const testTokenJSON = `{
	"access_token": "new-access-token",
	"token_type": "bearer",
	"refresh_token": "new-refresh-token",
	"expires_in": 14400
}`

// newTestManager creates a Manager pointed at the given endpoint with a
// frozen clock.
func newTestManager(t *testing.T, endpoint string, now time.Time) *Manager {
	t.Helper()

	m := NewManager(http.DefaultClient, slog.Default())
	m.endpoint = endpoint
	m.now = func() time.Time { return now }

	return m
}

func validCreds(expiry time.Time) Credentials {
	return Credentials{
		AppID:        "test-app",
		AccessToken:  "cached-access-token",
		RefreshToken: "test-refresh-token",
		Expiry:       expiry,
	}
}

func TestValid_CachedTokenNoNetwork(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	now := time.Now()
	m := newTestManager(t, srv.URL, now)

	// Expiry comfortably outside the safety buffer.
	tok, err := m.Valid(context.Background(), validCreds(now.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "cached-access-token", tok.AccessToken)
	assert.Equal(t, int32(0), calls.Load(), "cached token must not hit the network")
}

func TestValid_RefreshInsideSkew(t *testing.T) {
	var gotForm url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testTokenJSON))
	}))
	defer srv.Close()

	now := time.Now()
	m := newTestManager(t, srv.URL, now)

	// Expiry one minute out: inside the five-minute buffer, must refresh.
	tok, err := m.Valid(context.Background(), validCreds(now.Add(time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, "new-access-token", tok.AccessToken)
	assert.Equal(t, "test-refresh-token", tok.RefreshToken, "refresh keeps the existing refresh token")
	assert.Equal(t, now.Add(14400*time.Second), tok.Expiry)

	assert.Equal(t, "refresh_token", gotForm.Get("grant_type"))
	assert.Equal(t, "test-refresh-token", gotForm.Get("refresh_token"))
	assert.Equal(t, "test-app", gotForm.Get("client_id"))
}

func TestValid_NotConfigured(t *testing.T) {
	m := newTestManager(t, "http://unused.invalid", time.Now())

	_, err := m.Valid(context.Background(), Credentials{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = m.Valid(context.Background(), Credentials{AppID: "app-only"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestValid_EndpointRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "invalid_grant", "error_description": "refresh token revoked"}`))
	}))
	defer srv.Close()

	now := time.Now()
	m := newTestManager(t, srv.URL, now)

	_, err := m.Valid(context.Background(), validCreds(now))
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusBadRequest, authErr.StatusCode)
	assert.Contains(t, authErr.Description, "refresh token revoked")
}

func TestValid_ConcurrentRefreshCollapsed(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testTokenJSON))
	}))
	defer srv.Close()

	now := time.Now()
	m := newTestManager(t, srv.URL, now)
	creds := validCreds(now) // expired, every caller wants a refresh

	const callers = 5

	var wg sync.WaitGroup

	results := make([]Token, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			results[i], errs[i] = m.Valid(context.Background(), creds)
		}()
	}

	// Give the goroutines time to pile onto the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "new-access-token", results[i].AccessToken)
	}

	assert.Equal(t, int32(1), calls.Load(), "concurrent refreshes must collapse into one call")
}

func TestExchange_SendsVerifierAndCode(t *testing.T) {
	var gotForm url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testTokenJSON))
	}))
	defer srv.Close()

	now := time.Now()
	m := newTestManager(t, srv.URL, now)

	tok, err := m.Exchange(context.Background(), "test-app", "auth-code", "pkce-verifier", "http://localhost:1234/")
	require.NoError(t, err)

	assert.Equal(t, "new-access-token", tok.AccessToken)
	assert.Equal(t, "new-refresh-token", tok.RefreshToken, "exchange returns the new refresh token")

	assert.Equal(t, "authorization_code", gotForm.Get("grant_type"))
	assert.Equal(t, "auth-code", gotForm.Get("code"))
	assert.Equal(t, "pkce-verifier", gotForm.Get("code_verifier"))
	assert.Equal(t, "http://localhost:1234/", gotForm.Get("redirect_uri"))
}

func TestExchange_ManualFlowOmitsRedirect(t *testing.T) {
	var gotForm url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testTokenJSON))
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, time.Now())

	_, err := m.Exchange(context.Background(), "test-app", "auth-code", "pkce-verifier", "")
	require.NoError(t, err)

	_, present := gotForm["redirect_uri"]
	assert.False(t, present, "empty redirect URI must be absent from the form")
}

func TestExchange_MissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_type": "bearer"}`))
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL, time.Now())

	_, err := m.Exchange(context.Background(), "test-app", "code", "verifier", "")

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Description, "missing access_token")
}

func TestBeginAuthorization_URLCarriesChallenge(t *testing.T) {
	m := NewManager(nil, slog.Default())

	authURL, verifier := m.BeginAuthorization("test-app", "http://localhost:9999/", "state-123")
	require.NotEmpty(t, verifier)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)

	q := parsed.Query()
	assert.Equal(t, "test-app", q.Get("client_id"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "offline", q.Get("token_access_type"))
	assert.Equal(t, "http://localhost:9999/", q.Get("redirect_uri"))
}

func TestAuthError_Message(t *testing.T) {
	withDesc := &AuthError{StatusCode: 401, Description: "bad token"}
	assert.Contains(t, withDesc.Error(), "bad token")

	bare := &AuthError{StatusCode: 500}
	assert.Contains(t, bare.Error(), "500")
}

func TestTokenResponse_Decoding(t *testing.T) {
	var tr tokenResponse

	require.NoError(t, json.Unmarshal([]byte(testTokenJSON), &tr))
	assert.Equal(t, int64(14400), tr.ExpiresIn)
}
