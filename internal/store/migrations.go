package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/wesm/mailsync/internal/mime"
	"github.com/wesm/mailsync/internal/textutil"
)

// Strategy is how a migration carries existing rows across a schema change.
type Strategy int

const (
	// Transform runs Schema and then Apply over existing rows in place.
	// A nil Apply makes the migration purely additive.
	Transform Strategy = iota
	// ResyncFromScratch drops the mailbox tables, runs Schema to recreate
	// them and clears every checkpoint. The next partial sync finds a zero
	// checkpoint and rebuilds the cache with a cold full sync. Accounts,
	// drafts and contacts survive.
	ResyncFromScratch
)

func (s Strategy) String() string {
	switch s {
	case Transform:
		return "transform"
	case ResyncFromScratch:
		return "resync-from-scratch"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Migration is one schema version.
type Migration struct {
	Version  int
	Name     string
	Strategy Strategy
	Schema   string
	Apply    func(ctx context.Context, tx *sqlx.Tx) error
}

// mailboxTables are dropped by ResyncFromScratch, children first.
var mailboxTables = []string{"messages", "thread_labels", "threads"}

// Migrations is the ordered schema history.
var Migrations = []Migration{
	{Version: 1, Name: "base schema", Strategy: Transform, Schema: schemaV1},
	{Version: 2, Name: "multi-recipient messages", Strategy: Transform, Schema: schemaV2, Apply: splitRecipients},
	{Version: 3, Name: "store decoded bodies", Strategy: Transform, Apply: decodeBodies},
	{Version: 4, Name: "attachments", Strategy: ResyncFromScratch, Schema: schemaV4},
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS accounts (
    email TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    access_token TEXT NOT NULL DEFAULT '',
    token_expiry DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00+00:00',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS threads (
    account_email TEXT NOT NULL,
    id TEXT NOT NULL,
    history_id INTEGER NOT NULL DEFAULT 0,
    from_addr TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    snippet TEXT NOT NULL DEFAULT '',
    last_activity DATETIME NOT NULL,
    unread INTEGER NOT NULL DEFAULT 0,
    action_item TEXT NOT NULL DEFAULT '',
    completed INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account_email, id)
);
CREATE INDEX IF NOT EXISTS idx_threads_activity ON threads(account_email, last_activity DESC);

CREATE TABLE IF NOT EXISTS thread_labels (
    account_email TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    label TEXT NOT NULL,
    PRIMARY KEY (account_email, thread_id, label),
    FOREIGN KEY (account_email, thread_id) REFERENCES threads(account_email, id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_thread_labels_label ON thread_labels(account_email, label);

CREATE TABLE IF NOT EXISTS messages (
    account_email TEXT NOT NULL,
    id TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    history_id INTEGER NOT NULL DEFAULT 0,
    labels TEXT NOT NULL DEFAULT '[]',
    from_addr TEXT NOT NULL DEFAULT '',
    to_addr TEXT NOT NULL DEFAULT '',
    snippet TEXT NOT NULL DEFAULT '',
    headers TEXT NOT NULL DEFAULT '[]',
    body_text TEXT NOT NULL DEFAULT '',
    body_html TEXT NOT NULL DEFAULT '',
    body_encoded INTEGER NOT NULL DEFAULT 1,
    date DATETIME NOT NULL,
    PRIMARY KEY (account_email, id),
    FOREIGN KEY (account_email, thread_id) REFERENCES threads(account_email, id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(account_email, thread_id);

CREATE TABLE IF NOT EXISTS drafts (
    id TEXT PRIMARY KEY,
    account_email TEXT NOT NULL,
    provider TEXT NOT NULL,
    remote_id TEXT NOT NULL DEFAULT '',
    message_id TEXT NOT NULL DEFAULT '',
    thread_id TEXT NOT NULL DEFAULT '',
    to_addrs TEXT NOT NULL DEFAULT '',
    cc_addrs TEXT NOT NULL DEFAULT '',
    bcc_addrs TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    html TEXT NOT NULL DEFAULT '',
    reply_type TEXT NOT NULL DEFAULT 'standalone',
    in_reply_to TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    state TEXT NOT NULL DEFAULT 'LOCAL_ONLY',
    updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drafts_thread ON drafts(account_email, thread_id, status, updated_at);
CREATE INDEX IF NOT EXISTS idx_drafts_remote ON drafts(account_email, remote_id);

CREATE TABLE IF NOT EXISTS contacts (
    account_email TEXT NOT NULL,
    email TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    saved INTEGER NOT NULL DEFAULT 0,
    last_interaction DATETIME NOT NULL,
    PRIMARY KEY (account_email, email)
);

CREATE TABLE IF NOT EXISTS checkpoints (
    account_email TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    history_id INTEGER NOT NULL DEFAULT 0,
    data TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sync_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_email TEXT NOT NULL,
    sync_type TEXT NOT NULL,
    target TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    status TEXT NOT NULL,
    threads_processed INTEGER NOT NULL DEFAULT 0,
    threads_updated INTEGER NOT NULL DEFAULT 0,
    threads_deleted INTEGER NOT NULL DEFAULT 0,
    errors_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    cursor_before TEXT,
    cursor_after TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_account ON sync_runs(account_email, started_at DESC);
`

const schemaV2 = `
ALTER TABLE messages ADD COLUMN to_addrs TEXT NOT NULL DEFAULT '[]';
ALTER TABLE messages ADD COLUMN cc_addrs TEXT NOT NULL DEFAULT '[]';
`

const schemaV4 = `
CREATE TABLE threads (
    account_email TEXT NOT NULL,
    id TEXT NOT NULL,
    history_id INTEGER NOT NULL DEFAULT 0,
    from_addr TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    snippet TEXT NOT NULL DEFAULT '',
    last_activity DATETIME NOT NULL,
    unread INTEGER NOT NULL DEFAULT 0,
    has_attachments INTEGER NOT NULL DEFAULT 0,
    action_item TEXT NOT NULL DEFAULT '',
    completed INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account_email, id)
);
CREATE INDEX idx_threads_activity ON threads(account_email, last_activity DESC);

CREATE TABLE thread_labels (
    account_email TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    label TEXT NOT NULL,
    PRIMARY KEY (account_email, thread_id, label),
    FOREIGN KEY (account_email, thread_id) REFERENCES threads(account_email, id) ON DELETE CASCADE
);
CREATE INDEX idx_thread_labels_label ON thread_labels(account_email, label);

CREATE TABLE messages (
    account_email TEXT NOT NULL,
    id TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    history_id INTEGER NOT NULL DEFAULT 0,
    labels TEXT NOT NULL DEFAULT '[]',
    from_addr TEXT NOT NULL DEFAULT '',
    to_addrs TEXT NOT NULL DEFAULT '[]',
    cc_addrs TEXT NOT NULL DEFAULT '[]',
    snippet TEXT NOT NULL DEFAULT '',
    headers TEXT NOT NULL DEFAULT '[]',
    body_text TEXT NOT NULL DEFAULT '',
    body_html TEXT NOT NULL DEFAULT '',
    date DATETIME NOT NULL,
    attachments TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (account_email, id),
    FOREIGN KEY (account_email, thread_id) REFERENCES threads(account_email, id) ON DELETE CASCADE
);
CREATE INDEX idx_messages_thread ON messages(account_email, thread_id);
`

// splitRecipients moves the single to_addr column into the to_addrs list.
func splitRecipients(ctx context.Context, tx *sqlx.Tx) error {
	var rows []struct {
		AccountEmail string `db:"account_email"`
		ID           string `db:"id"`
		ToAddr       string `db:"to_addr"`
	}
	if err := tx.SelectContext(ctx, &rows, `SELECT account_email, id, to_addr FROM messages WHERE to_addr != ''`); err != nil {
		return fmt.Errorf("read recipients: %w", err)
	}
	for _, r := range rows {
		to := mime.SplitAddresses(r.ToAddr)
		if to == nil {
			to = []string{}
		}
		b, err := json.Marshal(to)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET to_addrs = ? WHERE account_email = ? AND id = ?`,
			string(b), r.AccountEmail, r.ID); err != nil {
			return fmt.Errorf("update recipients %s: %w", r.ID, err)
		}
	}
	_, err := tx.ExecContext(ctx, `ALTER TABLE messages DROP COLUMN to_addr`)
	return err
}

// decodeBodies decodes base64url bodies stored by the first schema so
// reads never decode again.
func decodeBodies(ctx context.Context, tx *sqlx.Tx) error {
	var rows []struct {
		AccountEmail string `db:"account_email"`
		ID           string `db:"id"`
		Text         string `db:"body_text"`
		HTML         string `db:"body_html"`
	}
	if err := tx.SelectContext(ctx, &rows,
		`SELECT account_email, id, body_text, body_html FROM messages WHERE body_encoded = 1`); err != nil {
		return fmt.Errorf("read bodies: %w", err)
	}
	for _, r := range rows {
		text, html := decodeStoredBody(r.Text), decodeStoredBody(r.HTML)
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET body_text = ?, body_html = ? WHERE account_email = ? AND id = ?`,
			text, html, r.AccountEmail, r.ID); err != nil {
			return fmt.Errorf("update body %s: %w", r.ID, err)
		}
	}
	_, err := tx.ExecContext(ctx, `ALTER TABLE messages DROP COLUMN body_encoded`)
	return err
}

// decodeStoredBody returns s unchanged when it is not valid base64url.
func decodeStoredBody(s string) string {
	if s == "" {
		return ""
	}
	b, err := mime.DecodeBase64URL(s)
	if err != nil {
		return s
	}
	return textutil.EnsureUTF8(string(b))
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`)
	if err != nil || n == 0 {
		return 0, err
	}
	var v int
	if err := s.db.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate applies pending migrations in order, each in its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range s.migrations {
		if m.Version <= current {
			continue
		}
		if m.Strategy == ResyncFromScratch && m.Apply != nil {
			return fmt.Errorf("migration v%d: resync-from-scratch cannot carry a transform", m.Version)
		}
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("applying migration v%d (%s): %w", m.Version, m.Name, err)
		}
		s.logger.Info("applied migration", "version", m.Version, "name", m.Name, "strategy", m.Strategy)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if m.Strategy == ResyncFromScratch {
		for _, t := range mailboxTables {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
				return fmt.Errorf("drop %s: %w", t, err)
			}
		}
	}
	if m.Schema != "" {
		if _, err := tx.ExecContext(ctx, m.Schema); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	switch m.Strategy {
	case ResyncFromScratch:
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints`); err != nil {
			return fmt.Errorf("clear checkpoints: %w", err)
		}
	case Transform:
		if m.Apply != nil {
			if err := m.Apply(ctx, tx); err != nil {
				return err
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}
