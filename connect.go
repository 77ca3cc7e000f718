package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbeckmann/schulsync/internal/config"
	"github.com/mbeckmann/schulsync/internal/token"
)

// Connect flags.
var (
	flagAppID    string
	flagManual   bool
	flagAuthCode string
	flagURL      string
	flagUsername string
	flagPassword string
	flagAPIKey   string
)

// stateTokenBytes is the number of random bytes in the OAuth2 state value.
const stateTokenBytes = 16

// callbackTimeout bounds how long the browser flow waits for the redirect.
const callbackTimeout = 5 * time.Minute

// shutdownTimeout is how long the callback server is given to drain.
const shutdownTimeout = 5 * time.Second

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <dropbox|webdav|supabase>",
		Short: "Configure and authorize a sync backend",
		Args:  cobra.ExactArgs(1),
		RunE:  runConnect,
	}

	cmd.Flags().StringVar(&flagAppID, "app-id", "", "dropbox app key")
	cmd.Flags().BoolVar(&flagManual, "manual", false, "print the authorization URL instead of opening a browser")
	cmd.Flags().StringVar(&flagAuthCode, "code", "", "authorization code from a previous --manual run")
	cmd.Flags().StringVar(&flagURL, "url", "", "backend base URL (webdav, supabase)")
	cmd.Flags().StringVar(&flagUsername, "username", "", "webdav username")
	cmd.Flags().StringVar(&flagPassword, "password", "", "webdav password")
	cmd.Flags().StringVar(&flagAPIKey, "api-key", "", "supabase API key")

	return cmd
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Remove the configured backend and its credentials",
		Args:  cobra.NoArgs,
		RunE:  runDisconnect,
	}
}

func runConnect(_ *cobra.Command, args []string) error {
	switch args[0] {
	case config.ProviderDropbox:
		return connectDropbox()
	case config.ProviderWebDAV:
		return connectWebDAV()
	case config.ProviderSupabase:
		return connectSupabase()
	default:
		return fmt.Errorf("unknown provider %q (want %s, %s or %s)",
			args[0], config.ProviderDropbox, config.ProviderWebDAV, config.ProviderSupabase)
	}
}

func runDisconnect(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	if !cfg.Configured() {
		statusf(flagQuiet, "No backend configured.\n")
		return nil
	}

	previous := cfg.Provider

	cfg.Provider = config.ProviderNone
	cfg.AutoSync = false
	cfg.Dropbox = config.DropboxConfig{}
	cfg.WebDAV = config.WebDAVConfig{}
	cfg.Supabase = config.SupabaseConfig{SubmissionsTable: cfg.Supabase.SubmissionsTable}

	if err := saveConfig(); err != nil {
		return err
	}

	// Best effort: a leftover pending authorization is useless now.
	_ = os.Remove(cfg.ScratchPath())

	logger.Info("backend disconnected", "provider", previous)
	statusf(flagQuiet, "Disconnected from %s. Local data is untouched.\n", previous)

	return nil
}

// connectDropbox runs the authorization code + PKCE handshake. The default
// flow binds a localhost callback server and opens the browser; --manual
// prints the URL and parks the verifier in a single-use scratch file for a
// later 'connect dropbox --code' invocation.
func connectDropbox() error {
	logger := buildLogger()
	ctx := context.Background()

	if flagAppID != "" {
		cfg.Dropbox.AppID = flagAppID
	}

	if cfg.Dropbox.AppID == "" {
		return errors.New("dropbox requires --app-id on first connect")
	}

	manager := token.NewManager(defaultHTTPClient(), logger)

	if flagAuthCode != "" {
		return completeManualConnect(ctx, manager, flagAuthCode)
	}

	if flagManual {
		return beginManualConnect(manager)
	}

	return browserConnect(ctx, manager)
}

// manualRedirectURI is the out-of-band redirect for the manual flow; the
// provider displays the code for the user to copy instead of redirecting.
const manualRedirectURI = ""

func beginManualConnect(manager *token.Manager) error {
	state, err := generateState()
	if err != nil {
		return err
	}

	authURL, verifier := manager.BeginAuthorization(cfg.Dropbox.AppID, manualRedirectURI, state)

	if err := token.SaveScratch(cfg.ScratchPath(), verifier, state); err != nil {
		return err
	}

	// The URL must always be visible, --quiet notwithstanding.
	fmt.Fprintf(os.Stderr, "Open this URL in a browser and approve access:\n\n  %s\n\n", authURL)
	fmt.Fprintf(os.Stderr, "Then finish with: schulsync connect dropbox --code <code>\n")

	return nil
}

func completeManualConnect(ctx context.Context, manager *token.Manager, code string) error {
	verifier, _, err := token.TakeScratch(cfg.ScratchPath())
	if err != nil {
		if errors.Is(err, token.ErrNoPendingAuthorization) {
			return errors.New("no pending authorization, run 'schulsync connect dropbox --manual' first")
		}

		return err
	}

	tok, err := manager.Exchange(ctx, cfg.Dropbox.AppID, code, verifier, manualRedirectURI)
	if err != nil {
		return err
	}

	return finishDropboxConnect(tok)
}

// browserConnect is the interactive flow: localhost callback server on a
// random port, browser launch, code exchange on redirect.
func browserConnect(ctx context.Context, manager *token.Manager) error {
	logger := buildLogger()

	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	state, err := generateState()
	if err != nil {
		return err
	}

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := startCallbackServer(ctx, mux, resultCh)
	if err != nil {
		return err
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("callback server shutdown error", "error", err)
		}
	}()

	redirectURI := fmt.Sprintf("http://localhost:%d/", port)
	authURL, verifier := manager.BeginAuthorization(cfg.Dropbox.AppID, redirectURI, state)

	registerCallbackHandler(mux, state, resultCh)

	logger.Info("opening browser for authorization", "port", port)

	if openErr := openBrowser(authURL); openErr != nil {
		logger.Warn("failed to open browser, printing URL", "error", openErr)
		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}

	code, err := waitForCallback(ctx, resultCh)
	if err != nil {
		return err
	}

	tok, err := manager.Exchange(ctx, cfg.Dropbox.AppID, code, verifier, redirectURI)
	if err != nil {
		return err
	}

	return finishDropboxConnect(tok)
}

// finishDropboxConnect persists the token pair and activates the provider.
func finishDropboxConnect(tok token.Token) error {
	cfg.Provider = config.ProviderDropbox
	cfg.Dropbox.AccessToken = tok.AccessToken
	cfg.Dropbox.RefreshToken = tok.RefreshToken
	cfg.Dropbox.TokenExpiry = tok.Expiry

	if err := saveConfig(); err != nil {
		return err
	}

	statusf(flagQuiet, "Connected to dropbox.\n")

	return nil
}

func connectWebDAV() error {
	if flagURL != "" {
		cfg.WebDAV.BaseURL = flagURL
	}

	if flagUsername != "" {
		cfg.WebDAV.Username = flagUsername
	}

	if flagPassword != "" {
		cfg.WebDAV.Password = flagPassword
	}

	if cfg.WebDAV.BaseURL == "" || cfg.WebDAV.Username == "" {
		return errors.New("webdav requires --url and --username")
	}

	cfg.Provider = config.ProviderWebDAV

	if err := saveConfig(); err != nil {
		return err
	}

	statusf(flagQuiet, "Connected to webdav at %s.\n", cfg.WebDAV.BaseURL)

	return nil
}

func connectSupabase() error {
	if flagURL != "" {
		cfg.Supabase.BaseURL = flagURL
	}

	if flagAPIKey != "" {
		cfg.Supabase.APIKey = flagAPIKey
	}

	if cfg.Supabase.BaseURL == "" || cfg.Supabase.APIKey == "" {
		return errors.New("supabase requires --url and --api-key")
	}

	cfg.Provider = config.ProviderSupabase

	if err := saveConfig(); err != nil {
		return err
	}

	statusf(flagQuiet, "Connected to supabase at %s.\n", cfg.Supabase.BaseURL)

	return nil
}

// callbackResult carries the authorization code or error out of the
// callback handler.
type callbackResult struct {
	code string
	err  error
}

// startCallbackServer binds 127.0.0.1:0 and serves the mux on it.
func startCallbackServer(ctx context.Context, mux *http.ServeMux, resultCh chan<- callbackResult) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("binding localhost listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, errors.New("listener address is not TCP")
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			resultCh <- callbackResult{err: fmt.Errorf("callback server error: %w", serveErr)}
		}
	}()

	return srv, tcpAddr.Port, nil
}

// registerCallbackHandler adds the redirect route. Must run before the
// browser can redirect back.
func registerCallbackHandler(mux *http.ServeMux, state string, resultCh chan<- callbackResult) {
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		// Validate state to prevent CSRF.
		if r.URL.Query().Get("state") != state {
			http.Error(w, "Invalid state parameter", http.StatusBadRequest)
			resultCh <- callbackResult{err: errors.New("authorization state mismatch (possible CSRF)")}

			return
		}

		if errParam := r.URL.Query().Get("error"); errParam != "" {
			desc := r.URL.Query().Get("error_description")
			http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
			resultCh <- callbackResult{err: fmt.Errorf("authorization failed: %s: %s", errParam, desc)}

			return
		}

		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "Missing authorization code", http.StatusBadRequest)
			resultCh <- callbackResult{err: errors.New("callback missing authorization code")}

			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>Authorization successful</h1>"+
			"<p>You can close this window and return to the terminal.</p></body></html>")
		resultCh <- callbackResult{code: code}
	})
}

// waitForCallback blocks until the redirect fires or the context expires.
func waitForCallback(ctx context.Context, resultCh <-chan callbackResult) (string, error) {
	select {
	case result := <-resultCh:
		if result.err != nil {
			return "", result.err
		}

		return result.code, nil

	case <-ctx.Done():
		return "", fmt.Errorf("waiting for authorization callback: %w", ctx.Err())
	}
}

func generateState() (string, error) {
	buf := make([]byte, stateTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state token: %w", err)
	}

	return hex.EncodeToString(buf), nil
}

// openBrowser launches the platform default browser at url.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
