package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wesm/mailsync/internal/provider"
)

// UpsertContacts records contacts seen in mail. Inferred contacts never
// clear a saved flag or a known name, and the interaction time only moves
// forward.
func (tx *Tx) UpsertContacts(ctx context.Context, contacts []provider.Contact) error {
	for _, c := range contacts {
		c.Email = strings.ToLower(strings.TrimSpace(c.Email))
		if c.Email == "" {
			continue
		}
		if c.LastInteraction.IsZero() {
			c.LastInteraction = time.Now()
		}
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO contacts (account_email, email, name, saved, last_interaction)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (account_email, email) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
				saved = contacts.saved OR excluded.saved,
				last_interaction = MAX(contacts.last_interaction, excluded.last_interaction)
		`, c.AccountEmail, c.Email, c.Name, c.Saved, c.LastInteraction.UTC())
		if err != nil {
			return fmt.Errorf("upsert contact %s: %w", c.Email, err)
		}
	}
	return nil
}

// SaveContact upserts an explicitly saved contact.
func (s *Store) SaveContact(ctx context.Context, c provider.Contact) error {
	c.Saved = true
	return s.Update(ctx, func(tx *Tx) error {
		return tx.UpsertContacts(ctx, []provider.Contact{c})
	})
}

// SearchContacts returns contacts whose email or name starts with prefix,
// saved contacts first and then by recency.
func (s *Store) SearchContacts(ctx context.Context, account, prefix string, limit int) ([]provider.Contact, error) {
	if limit <= 0 {
		limit = 20
	}
	like := escapeLike(strings.ToLower(prefix)) + "%"
	var out []provider.Contact
	err := s.db.SelectContext(ctx, &out, `
		SELECT account_email, email, name, saved, last_interaction FROM contacts
		WHERE account_email = ? AND (email LIKE ? ESCAPE '\' OR LOWER(name) LIKE ? ESCAPE '\')
		ORDER BY saved DESC, last_interaction DESC, email
		LIMIT ?
	`, account, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
