// Package oauth provides OAuth2 authorization and token refresh for Gmail
// and Outlook accounts.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/wesm/mailsync/internal/provider"
)

// GoogleScopes are requested for Gmail accounts.
var GoogleScopes = []string{
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/gmail.compose",
	"https://www.googleapis.com/auth/gmail.settings.sharing",
}

// MicrosoftScopes are requested for Outlook accounts.
var MicrosoftScopes = []string{
	"offline_access",
	"User.Read",
	"Mail.ReadWrite",
	"Mail.Send",
}

// Credentials are the app registrations for each provider. A provider
// left unset cannot be authorized or refreshed.
type Credentials struct {
	GoogleClientSecrets   string // path to client_secret.json
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenant       string
}

// Manager handles OAuth2 token acquisition, storage and refresh.
type Manager struct {
	configs map[provider.Kind]*oauth2.Config
	tokens  TokenStore
	logger  *slog.Logger

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewManager creates a Manager from app credentials.
func NewManager(creds Credentials, tokens TokenStore, logger *slog.Logger) (*Manager, error) {
	configs := make(map[provider.Kind]*oauth2.Config)
	if creds.GoogleClientSecrets != "" {
		data, err := os.ReadFile(creds.GoogleClientSecrets)
		if err != nil {
			return nil, fmt.Errorf("read client secrets: %w", err)
		}
		cfg, err := google.ConfigFromJSON(data, GoogleScopes...)
		if err != nil {
			return nil, fmt.Errorf("parse client secrets: %w", err)
		}
		configs[provider.Google] = cfg
	}
	if creds.MicrosoftClientID != "" {
		tenant := creds.MicrosoftTenant
		if tenant == "" {
			tenant = "common"
		}
		configs[provider.Outlook] = &oauth2.Config{
			ClientID:     creds.MicrosoftClientID,
			ClientSecret: creds.MicrosoftClientSecret,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
			Scopes:       MicrosoftScopes,
		}
	}
	return newManager(configs, tokens, logger), nil
}

func newManager(configs map[provider.Kind]*oauth2.Config, tokens TokenStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configs: configs,
		tokens:  tokens,
		logger:  logger,
		sources: make(map[string]oauth2.TokenSource),
	}
}

func (m *Manager) config(kind provider.Kind) (*oauth2.Config, error) {
	cfg, ok := m.configs[kind]
	if !ok {
		return nil, fmt.Errorf("no OAuth client configured for %s", kind)
	}
	return cfg, nil
}

// TokenSource returns a refreshing token source for the account. Each
// refreshed token is written back to the token store. A failed refresh
// is reported as provider.ErrSignInRequired.
func (m *Manager) TokenSource(ctx context.Context, acct provider.Account) (oauth2.TokenSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.sources[acct.Email]; ok {
		return ts, nil
	}
	cfg, err := m.config(acct.Provider)
	if err != nil {
		return nil, err
	}
	st, err := m.tokens.Load(acct.Email)
	if err != nil {
		return nil, fmt.Errorf("no valid token for %s: %w", acct.Email, err)
	}
	ts := &savingSource{
		base:   cfg.TokenSource(context.WithoutCancel(ctx), &st.Token),
		email:  acct.Email,
		scopes: st.Scopes,
		last:   st.AccessToken,
		tokens: m.tokens,
		logger: m.logger,
	}
	m.sources[acct.Email] = ts
	return ts, nil
}

// AccessToken returns a current access token for the account.
func (m *Manager) AccessToken(ctx context.Context, acct provider.Account) (*oauth2.Token, error) {
	ts, err := m.TokenSource(ctx, acct)
	if err != nil {
		return nil, err
	}
	return ts.Token()
}

// HasToken reports whether a token is stored for email.
func (m *Manager) HasToken(email string) bool {
	_, err := m.tokens.Load(email)
	return err == nil
}

// HasScope reports whether the stored token for email was granted scope.
// Tokens stored without scope metadata report false.
func (m *Manager) HasScope(email, scope string) bool {
	st, err := m.tokens.Load(email)
	if err != nil {
		return false
	}
	return slices.Contains(st.Scopes, scope)
}

// DeleteToken forgets the account's token.
func (m *Manager) DeleteToken(email string) error {
	m.mu.Lock()
	delete(m.sources, email)
	m.mu.Unlock()
	return m.tokens.Delete(email)
}

// saveToken stores a freshly authorized token with the configured scopes.
func (m *Manager) saveToken(kind provider.Kind, email string, tok *oauth2.Token) error {
	cfg, err := m.config(kind)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sources, email)
	m.mu.Unlock()
	return m.tokens.Save(email, &StoredToken{Token: *tok, Scopes: cfg.Scopes})
}

// savingSource persists every new access token it hands out.
type savingSource struct {
	base   oauth2.TokenSource
	email  string
	scopes []string
	tokens TokenStore
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, fmt.Errorf("refresh token for %s: %w: %w", s.email, provider.ErrSignInRequired, err)
		}
		return nil, fmt.Errorf("refresh token for %s: %w", s.email, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.tokens.Save(s.email, &StoredToken{Token: *tok, Scopes: s.scopes}); err != nil {
			s.logger.Warn("failed to save refreshed token", "email", s.email, "error", err)
		}
	}
	return tok, nil
}
