// Package session tracks which account the UI is looking at.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wesm/mailsync/internal/events"
	"github.com/wesm/mailsync/internal/provider"
)

// ErrNoAccount is returned when no account is selected.
var ErrNoAccount = errors.New("no account selected")

// Accounts looks up stored accounts.
type Accounts interface {
	GetAccount(ctx context.Context, email string) (*provider.Account, error)
	ListAccounts(ctx context.Context) ([]provider.Account, error)
}

// Session holds the selected account. The zero value is not usable; use New.
type Session struct {
	accounts Accounts
	events   events.Publisher

	mu       sync.RWMutex
	selected *provider.Account
}

// New creates a session with nothing selected.
func New(accounts Accounts, pub events.Publisher) *Session {
	if pub == nil {
		pub = events.Discard
	}
	return &Session{accounts: accounts, events: pub}
}

// Selected returns the selected account.
func (s *Session) Selected() (provider.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == nil {
		return provider.Account{}, ErrNoAccount
	}
	return *s.selected, nil
}

// Select switches to email, which must be a stored account.
func (s *Session) Select(ctx context.Context, email string) (provider.Account, error) {
	acct, err := s.accounts.GetAccount(ctx, email)
	if err != nil {
		return provider.Account{}, fmt.Errorf("select %s: %w", email, err)
	}
	s.mu.Lock()
	changed := s.selected == nil || s.selected.Email != acct.Email
	s.selected = acct
	s.mu.Unlock()
	if changed {
		s.events.Publish(events.Event{Kind: events.AccountsChanged, Account: acct.Email})
	}
	return *acct, nil
}

// Restore selects email if it is still stored, otherwise the first stored
// account. With no accounts nothing is selected.
func (s *Session) Restore(ctx context.Context, email string) error {
	if email != "" {
		if _, err := s.Select(ctx, email); err == nil {
			return nil
		}
	}
	all, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		s.Clear()
		return nil
	}
	_, err = s.Select(ctx, all[0].Email)
	return err
}

// Forget clears the selection if it is email, falling back to another
// stored account.
func (s *Session) Forget(ctx context.Context, email string) error {
	s.mu.RLock()
	current := s.selected != nil && s.selected.Email == email
	s.mu.RUnlock()
	if !current {
		return nil
	}
	s.Clear()
	return s.Restore(ctx, "")
}

// Clear deselects the current account.
func (s *Session) Clear() {
	s.mu.Lock()
	had := s.selected != nil
	s.selected = nil
	s.mu.Unlock()
	if had {
		s.events.Publish(events.Event{Kind: events.AccountsChanged})
	}
}
