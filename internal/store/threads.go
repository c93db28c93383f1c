package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/provider"
)

type threadRow struct {
	AccountEmail   string    `db:"account_email"`
	ID             string    `db:"id"`
	HistoryID      uint64    `db:"history_id"`
	From           string    `db:"from_addr"`
	Subject        string    `db:"subject"`
	Snippet        string    `db:"snippet"`
	LastActivity   time.Time `db:"last_activity"`
	Unread         bool      `db:"unread"`
	HasAttachments bool      `db:"has_attachments"`
	ActionItem     string    `db:"action_item"`
	Completed      bool      `db:"completed"`
}

func (r threadRow) thread() provider.Thread {
	return provider.Thread{
		ID:             r.ID,
		AccountEmail:   r.AccountEmail,
		HistoryID:      r.HistoryID,
		From:           r.From,
		Subject:        r.Subject,
		Snippet:        r.Snippet,
		LastActivity:   r.LastActivity.UTC(),
		Unread:         r.Unread,
		HasAttachments: r.HasAttachments,
		ActionItem:     r.ActionItem,
		Completed:      r.Completed,
	}
}

const threadColumns = `account_email, id, history_id, from_addr, subject, snippet, last_activity,
	unread, has_attachments, action_item, completed`

// upsertThread writes the thread row and replaces its label set. Derived
// fields are kept when the incoming thread leaves them empty.
func upsertThread(ctx context.Context, q sqlx.ExtContext, t provider.Thread) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO threads (`+threadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_email, id) DO UPDATE SET
			history_id = excluded.history_id,
			from_addr = excluded.from_addr,
			subject = excluded.subject,
			snippet = excluded.snippet,
			last_activity = excluded.last_activity,
			unread = excluded.unread,
			has_attachments = excluded.has_attachments,
			action_item = CASE WHEN excluded.action_item != '' THEN excluded.action_item ELSE threads.action_item END,
			completed = excluded.completed OR threads.completed
	`, t.AccountEmail, t.ID, t.HistoryID, t.From, t.Subject, t.Snippet, t.LastActivity.UTC(),
		t.Unread, t.HasAttachments, t.ActionItem, t.Completed)
	if err != nil {
		return fmt.Errorf("upsert thread %s: %w", t.ID, err)
	}
	return replaceLabels(ctx, q, t.AccountEmail, t.ID, t.Labels)
}

func replaceLabels(ctx context.Context, q sqlx.ExtContext, account, threadID string, labels []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM thread_labels WHERE account_email = ? AND thread_id = ?`,
		account, threadID); err != nil {
		return fmt.Errorf("clear labels %s: %w", threadID, err)
	}
	for _, l := range labels {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO thread_labels (account_email, thread_id, label) VALUES (?, ?, ?)`,
			account, threadID, l); err != nil {
			return fmt.Errorf("insert label %s: %w", l, err)
		}
	}
	return nil
}

func getThread(ctx context.Context, q querier, account, id string) (*provider.Thread, error) {
	var row threadRow
	err := q.GetContext(ctx, &row, `SELECT `+threadColumns+` FROM threads WHERE account_email = ? AND id = ?`, account, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	t := row.thread()
	threads := []provider.Thread{t}
	if err := attachLabels(ctx, q, account, threads); err != nil {
		return nil, err
	}
	return &threads[0], nil
}

// attachLabels loads label sets for threads of one account.
func attachLabels(ctx context.Context, q querier, account string, threads []provider.Thread) error {
	if len(threads) == 0 {
		return nil
	}
	ids := make([]string, len(threads))
	for i, t := range threads {
		ids[i] = t.ID
	}
	query, args, err := sqlx.In(
		`SELECT thread_id, label FROM thread_labels WHERE account_email = ? AND thread_id IN (?) ORDER BY label`,
		account, ids)
	if err != nil {
		return err
	}
	var rows []struct {
		ThreadID string `db:"thread_id"`
		Label    string `db:"label"`
	}
	if err := q.SelectContext(ctx, &rows, q.Rebind(query), args...); err != nil {
		return fmt.Errorf("load labels: %w", err)
	}
	byThread := make(map[string][]string, len(threads))
	for _, r := range rows {
		byThread[r.ThreadID] = append(byThread[r.ThreadID], r.Label)
	}
	for i := range threads {
		threads[i].Labels = byThread[threads[i].ID]
	}
	return nil
}

// ThreadQuery filters a thread listing.
type ThreadQuery struct {
	Account string
	// Label restricts to threads carrying the label. Empty lists all.
	Label string
	// Before pages by last activity; zero starts from the newest.
	Before time.Time
	Limit  int
}

func listThreads(ctx context.Context, q querier, tq ThreadQuery) ([]provider.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads t WHERE account_email = ?`
	args := []any{tq.Account}
	if tq.Label != "" {
		query += ` AND EXISTS (SELECT 1 FROM thread_labels l
			WHERE l.account_email = t.account_email AND l.thread_id = t.id AND l.label = ?)`
		args = append(args, tq.Label)
	}
	if !tq.Before.IsZero() {
		query += ` AND last_activity < ?`
		args = append(args, tq.Before.UTC())
	}
	query += ` ORDER BY last_activity DESC, id`
	if tq.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", tq.Limit)
	}

	var rows []threadRow
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	threads := make([]provider.Thread, len(rows))
	for i, r := range rows {
		threads[i] = r.thread()
	}
	if err := attachLabels(ctx, q, tq.Account, threads); err != nil {
		return nil, err
	}
	return threads, nil
}

// GetThread returns one thread with its labels.
func (s *Store) GetThread(ctx context.Context, account, id string) (*provider.Thread, error) {
	return getThread(ctx, s.db, account, id)
}

// ListThreads returns threads newest first.
func (s *Store) ListThreads(ctx context.Context, q ThreadQuery) ([]provider.Thread, error) {
	return listThreads(ctx, s.db, q)
}

// GetThreadData returns a thread together with its messages in date order.
func (s *Store) GetThreadData(ctx context.Context, account, id string) (*provider.ThreadData, error) {
	t, err := getThread(ctx, s.db, account, id)
	if err != nil {
		return nil, err
	}
	msgs, err := threadMessages(ctx, s.db, account, id)
	if err != nil {
		return nil, err
	}
	return &provider.ThreadData{Thread: *t, Messages: msgs}, nil
}

// PutThreadData upserts a materialized thread and its messages. Messages
// no longer present remotely are removed; locally authored draft messages
// are kept until draft reconciliation replaces them.
func (tx *Tx) PutThreadData(ctx context.Context, d *provider.ThreadData) error {
	if err := upsertThread(ctx, tx.tx, d.Thread); err != nil {
		return err
	}
	keep := make([]string, 0, len(d.Messages))
	for _, m := range d.Messages {
		if m.AccountEmail == "" {
			m.AccountEmail = d.Thread.AccountEmail
		}
		m.ThreadID = d.Thread.ID
		if err := upsertMessage(ctx, tx.tx, m); err != nil {
			return err
		}
		keep = append(keep, m.ID)
	}
	query := `DELETE FROM messages WHERE account_email = ? AND thread_id = ? AND id NOT LIKE '` + provider.LocalIDPrefix + `%'`
	args := []any{d.Thread.AccountEmail, d.Thread.ID}
	if len(keep) > 0 {
		q, inArgs, err := sqlx.In(` AND id NOT IN (?)`, keep)
		if err != nil {
			return err
		}
		query += q
		args = append(args, inArgs...)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("prune messages %s: %w", d.Thread.ID, err)
	}
	// A metadata fetch carries no attachment descriptors; the flag follows
	// the descriptors kept on the cached messages.
	if _, err := tx.tx.ExecContext(ctx, `
		UPDATE threads SET has_attachments = has_attachments OR EXISTS (
			SELECT 1 FROM messages
			WHERE account_email = ? AND thread_id = ? AND attachments NOT IN ('', '[]', 'null'))
		WHERE account_email = ? AND id = ?`,
		d.Thread.AccountEmail, d.Thread.ID, d.Thread.AccountEmail, d.Thread.ID); err != nil {
		return fmt.Errorf("attachment flag %s: %w", d.Thread.ID, err)
	}
	return nil
}

// PutThread upserts the thread row and labels without touching messages.
func (tx *Tx) PutThread(ctx context.Context, t provider.Thread) error {
	return upsertThread(ctx, tx.tx, t)
}

// GetThread reads a thread inside the transaction.
func (tx *Tx) GetThread(ctx context.Context, account, id string) (*provider.Thread, error) {
	return getThread(ctx, tx.tx, account, id)
}

// SetThreadLabels replaces a thread's label set and keeps the unread flag
// in step with the UNREAD label.
func (tx *Tx) SetThreadLabels(ctx context.Context, account, id string, labels []string) error {
	res, err := tx.tx.ExecContext(ctx, `UPDATE threads SET unread = ? WHERE account_email = ? AND id = ?`,
		slices.Contains(labels, folder.Unread), account, id)
	if err != nil {
		return fmt.Errorf("update thread %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return replaceLabels(ctx, tx.tx, account, id, labels)
}

// DeleteThread removes a thread with its labels and messages. Deleting a
// missing thread is not an error.
func (tx *Tx) DeleteThread(ctx context.Context, account, id string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM threads WHERE account_email = ? AND id = ?`, account, id); err != nil {
		return fmt.Errorf("delete thread %s: %w", id, err)
	}
	return nil
}

// ThreadExists reports whether the thread is cached.
func (tx *Tx) ThreadExists(ctx context.Context, account, id string) (bool, error) {
	var n int
	if err := tx.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM threads WHERE account_email = ? AND id = ?`, account, id); err != nil {
		return false, err
	}
	return n > 0, nil
}
