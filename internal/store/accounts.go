package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wesm/mailsync/internal/provider"
)

const accountColumns = `email, provider, display_name, access_token, token_expiry, created_at`

// PutAccount creates an account or updates its provider and display name.
func (s *Store) PutAccount(ctx context.Context, a provider.Account) error {
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	if a.Email == "" {
		return fmt.Errorf("account email must not be empty")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET
			provider = excluded.provider,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE accounts.display_name END
	`, a.Email, string(a.Provider), a.DisplayName, a.AccessToken, a.TokenExpiry.UTC(), a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put account %s: %w", a.Email, err)
	}
	return nil
}

// GetAccount returns one account.
func (s *Store) GetAccount(ctx context.Context, email string) (*provider.Account, error) {
	var a provider.Account
	err := s.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`,
		strings.ToLower(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", email, err)
	}
	return &a, nil
}

// ListAccounts returns all accounts in creation order.
func (s *Store) ListAccounts(ctx context.Context) ([]provider.Account, error) {
	var out []provider.Account
	if err := s.db.SelectContext(ctx, &out, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, email`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

// UpdateToken caches the current access token of an account.
func (s *Store) UpdateToken(ctx context.Context, email, token string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET access_token = ?, token_expiry = ? WHERE email = ?`,
		token, expiry.UTC(), strings.ToLower(email))
	if err != nil {
		return fmt.Errorf("update token %s: %w", email, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", email, ErrNotFound)
	}
	return nil
}

// RemoveAccount deletes an account and everything cached for it.
func (s *Store) RemoveAccount(ctx context.Context, email string) error {
	email = strings.ToLower(email)
	return s.Update(ctx, func(tx *Tx) error {
		for _, table := range []string{"messages", "thread_labels", "threads", "drafts", "contacts", "checkpoints", "sync_runs"} {
			if _, err := tx.tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE account_email = ?", email); err != nil {
				return fmt.Errorf("remove %s for %s: %w", table, email, err)
			}
		}
		res, err := tx.tx.ExecContext(ctx, `DELETE FROM accounts WHERE email = ?`, email)
		if err != nil {
			return fmt.Errorf("remove account %s: %w", email, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("account %s: %w", email, ErrNotFound)
		}
		return nil
	})
}
