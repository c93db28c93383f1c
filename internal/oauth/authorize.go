package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"

	"golang.org/x/oauth2"

	"github.com/wesm/mailsync/internal/provider"
)

const callbackPath = "/callback"

// Authorizer runs the interactive browser flow.
type Authorizer struct {
	m *Manager
	// Addr is the loopback address the callback server listens on.
	Addr string
	// Open shows the authorization URL to the user.
	Open func(url string) error
}

// Authorizer returns a browser-flow authorizer using m's clients.
func (m *Manager) Authorizer() *Authorizer {
	return &Authorizer{m: m, Addr: "127.0.0.1:8089", Open: openBrowser}
}

// Authorize obtains and stores a token for email. The browser is
// redirected to a local callback server; PKCE and a random state guard
// the exchange.
func (a *Authorizer) Authorize(ctx context.Context, kind provider.Kind, email string) error {
	base, err := a.m.config(kind)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.Addr)
	if err != nil {
		return fmt.Errorf("listen for callback: %w", err)
	}
	cfg := *base
	cfg.RedirectURL = "http://" + ln.Addr().String() + callbackPath

	state, err := randomState()
	if err != nil {
		return err
	}
	verifier := oauth2.GenerateVerifier()

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)
	mux := http.NewServeMux()
	mux.Handle(callbackPath, newCallbackHandler(state, codeChan, errChan))
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	defer func() { _ = server.Shutdown(context.WithoutCancel(ctx)) }()

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier)}
	switch kind {
	case provider.Google:
		opts = append(opts, oauth2.ApprovalForce)
	case provider.Outlook:
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "select_account"))
	}
	if email != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", email))
	}
	authURL := cfg.AuthCodeURL(state, opts...)
	if err := a.Open(authURL); err != nil {
		a.m.logger.Warn("failed to open browser", "error", err, "url", authURL)
	}

	select {
	case code := <-codeChan:
		tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err != nil {
			return fmt.Errorf("exchange code: %w", err)
		}
		return a.m.saveToken(kind, email, tok)
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// newCallbackHandler returns an HTTP handler that processes the OAuth callback.
func newCallbackHandler(expectedState string, codeChan chan<- string, errChan chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != expectedState {
			trySend(errChan, fmt.Errorf("state mismatch: possible CSRF attack"))
			http.Error(w, "Error: state mismatch", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			trySend(errChan, fmt.Errorf("authorization denied: %s %s", e, q.Get("error_description")))
			fmt.Fprintf(w, "Authorization was not granted. You can close this window.")
			return
		}
		code := q.Get("code")
		if code == "" {
			trySend(errChan, fmt.Errorf("no code in callback"))
			http.Error(w, "Error: no authorization code received", http.StatusBadRequest)
			return
		}
		select {
		case codeChan <- code:
		default:
		}
		fmt.Fprintf(w, "Authorization successful! You can close this window.")
	}
}

func trySend(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// openBrowser opens the default browser to the given URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}
