package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"

	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/testutil"
)

var testToken = oauth2.Token{AccessToken: "test", TokenType: "Bearer", RefreshToken: "refresh"}

func TestFileStoreRoundTrip(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "tokens"))

	if _, err := s.Load("a@example.com"); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Load missing = %v, want ErrNoToken", err)
	}
	testutil.MustNoErr(t, s.Save("a@example.com", &StoredToken{Token: testToken, Scopes: []string{"x"}}), "Save")
	got, err := s.Load("a@example.com")
	testutil.MustNoErr(t, err, "Load")
	if got.AccessToken != "test" || got.RefreshToken != "refresh" {
		t.Errorf("loaded = %+v", got)
	}
	testutil.AssertStrings(t, got.Scopes, "x")

	testutil.MustNoErr(t, s.Delete("a@example.com"), "Delete")
	testutil.MustNoErr(t, s.Delete("a@example.com"), "Delete twice")
}

func TestFileStorePathStaysInDir(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	for _, email := range []string{"../../etc/passwd", "a/b@example.com", `a\b@example.com`, ".."} {
		p := s.path(email)
		if !strings.HasPrefix(p, dir+string(filepath.Separator)) {
			t.Errorf("path(%q) = %q escapes %q", email, p, dir)
		}
	}
}

func TestKeyringStore(t *testing.T) {
	s := NewKeyringStore(keyring.NewArrayKeyring(nil))

	if _, err := s.Load("a@example.com"); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Load missing = %v, want ErrNoToken", err)
	}
	testutil.MustNoErr(t, s.Save("A@Example.com", &StoredToken{Token: testToken}), "Save")
	got, err := s.Load("a@example.com")
	testutil.MustNoErr(t, err, "Load")
	if got.AccessToken != "test" {
		t.Errorf("loaded = %+v", got)
	}
	testutil.MustNoErr(t, s.Delete("a@example.com"), "Delete")
	testutil.MustNoErr(t, s.Delete("a@example.com"), "Delete missing")
}

// tokenServer serves the token endpoint; fail makes refreshes return
// invalid_grant.
func tokenServer(t *testing.T, fail *atomic.Bool, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if fail.Load() {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant","error_description":"Token has been revoked."}`)
			return
		}
		fmt.Fprintf(w, `{"access_token":"fresh-%d","token_type":"Bearer","expires_in":3600}`, calls.Load())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testManager(t *testing.T, tokenURL string, store TokenStore) *Manager {
	t.Helper()
	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://accounts.example.com/auth",
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"mail"},
	}
	return newManager(map[provider.Kind]*oauth2.Config{provider.Google: cfg, provider.Outlook: cfg}, store, testutil.DiscardLogger())
}

func TestTokenSourceRefreshesAndSaves(t *testing.T) {
	var fail atomic.Bool
	var calls atomic.Int32
	srv := tokenServer(t, &fail, &calls)
	store := NewKeyringStore(keyring.NewArrayKeyring(nil))
	expired := testToken
	expired.Expiry = time.Now().Add(-time.Hour)
	testutil.MustNoErr(t, store.Save("a@example.com", &StoredToken{Token: expired, Scopes: []string{"mail"}}), "Save")

	m := testManager(t, srv.URL, store)
	acct := provider.Account{Email: "a@example.com", Provider: provider.Google}
	tok, err := m.AccessToken(context.Background(), acct)
	testutil.MustNoErr(t, err, "AccessToken")
	if tok.AccessToken != "fresh-1" {
		t.Errorf("access token = %q", tok.AccessToken)
	}

	saved, err := store.Load("a@example.com")
	testutil.MustNoErr(t, err, "Load")
	if saved.AccessToken != "fresh-1" {
		t.Errorf("refreshed token not saved: %+v", saved)
	}
	if saved.RefreshToken != "refresh" {
		t.Errorf("refresh token lost: %q", saved.RefreshToken)
	}
	testutil.AssertStrings(t, saved.Scopes, "mail")
	if !m.HasScope("a@example.com", "mail") || m.HasScope("a@example.com", "other") {
		t.Error("HasScope mismatch")
	}

	if _, err := m.AccessToken(context.Background(), acct); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("token endpoint called %d times, want 1 while token is valid", calls.Load())
	}
}

func TestRevokedRefreshNeedsSignIn(t *testing.T) {
	var fail atomic.Bool
	var calls atomic.Int32
	fail.Store(true)
	srv := tokenServer(t, &fail, &calls)
	store := NewFileStore(t.TempDir())
	expired := testToken
	expired.Expiry = time.Now().Add(-time.Hour)
	testutil.MustNoErr(t, store.Save("a@example.com", &StoredToken{Token: expired}), "Save")

	m := testManager(t, srv.URL, store)
	_, err := m.AccessToken(context.Background(), provider.Account{Email: "a@example.com", Provider: provider.Outlook})
	if !provider.IsUnauthorized(err) {
		t.Fatalf("err = %v, want sign-in required", err)
	}
	if got := provider.UserMessage(err); got != "Please sign in again" {
		t.Errorf("UserMessage = %q", got)
	}
}

func TestTokenSourceWithoutToken(t *testing.T) {
	m := testManager(t, "http://unused", NewFileStore(t.TempDir()))
	_, err := m.TokenSource(context.Background(), provider.Account{Email: "nobody@example.com", Provider: provider.Google})
	testutil.AssertErrorIs(t, err, ErrNoToken)
	if m.HasToken("nobody@example.com") {
		t.Error("HasToken = true")
	}
}

func TestCallbackHandler(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode string
		wantErr  string
		status   int
	}{
		{"success", "state=s1&code=abc", "abc", "", http.StatusOK},
		{"state mismatch", "state=evil&code=abc", "", "state mismatch", http.StatusBadRequest},
		{"missing code", "state=s1", "", "no code", http.StatusBadRequest},
		{"denied", "state=s1&error=access_denied", "", "access_denied", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codeChan := make(chan string, 1)
			errChan := make(chan error, 1)
			h := newCallbackHandler("s1", codeChan, errChan)
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, callbackPath+"?"+tt.query, nil))

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			select {
			case code := <-codeChan:
				if code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
			case err := <-errChan:
				if tt.wantErr == "" || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("err = %v, want %q", err, tt.wantErr)
				}
			default:
				t.Error("handler sent nothing")
			}
		})
	}
}

func TestAuthorizeBrowserFlow(t *testing.T) {
	var fail atomic.Bool
	var calls atomic.Int32
	srv := tokenServer(t, &fail, &calls)
	store := NewKeyringStore(keyring.NewArrayKeyring(nil))
	m := testManager(t, srv.URL, store)

	a := m.Authorizer()
	a.Addr = "127.0.0.1:0"
	a.Open = func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		if q.Get("code_challenge_method") != "S256" || q.Get("login_hint") != "a@example.com" {
			t.Errorf("auth URL params = %v", q)
		}
		go func() {
			cb := q.Get("redirect_uri") + "?state=" + url.QueryEscape(q.Get("state")) + "&code=xyz"
			resp, err := http.Get(cb)
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	testutil.MustNoErr(t, a.Authorize(ctx, provider.Outlook, "a@example.com"), "Authorize")

	saved, err := store.Load("a@example.com")
	testutil.MustNoErr(t, err, "Load")
	if saved.AccessToken != "fresh-1" {
		t.Errorf("saved = %+v", saved)
	}
}
