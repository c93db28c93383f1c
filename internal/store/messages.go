package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wesm/mailsync/internal/provider"
)

type messageRow struct {
	AccountEmail string    `db:"account_email"`
	ID           string    `db:"id"`
	ThreadID     string    `db:"thread_id"`
	HistoryID    uint64    `db:"history_id"`
	Labels       string    `db:"labels"`
	From         string    `db:"from_addr"`
	To           string    `db:"to_addrs"`
	Cc           string    `db:"cc_addrs"`
	Snippet      string    `db:"snippet"`
	Headers      string    `db:"headers"`
	Text         string    `db:"body_text"`
	HTML         string    `db:"body_html"`
	Date         time.Time `db:"date"`
	Attachments  string    `db:"attachments"`
}

const messageColumns = `account_email, id, thread_id, history_id, labels, from_addr, to_addrs, cc_addrs,
	snippet, headers, body_text, body_html, date, attachments`

func (r messageRow) message() (provider.Message, error) {
	m := provider.Message{
		ID:           r.ID,
		ThreadID:     r.ThreadID,
		AccountEmail: r.AccountEmail,
		HistoryID:    r.HistoryID,
		From:         r.From,
		Snippet:      r.Snippet,
		Text:         r.Text,
		HTML:         r.HTML,
		Date:         r.Date.UTC(),
	}
	for _, col := range []struct {
		raw  string
		dest any
	}{
		{r.Labels, &m.Labels},
		{r.To, &m.To},
		{r.Cc, &m.Cc},
		{r.Headers, &m.Headers},
		{r.Attachments, &m.Attachments},
	} {
		if col.raw == "" || col.raw == "[]" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dest); err != nil {
			return m, fmt.Errorf("decode message %s: %w", r.ID, err)
		}
	}
	return m, nil
}

func jsonColumn(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

func upsertMessage(ctx context.Context, q sqlx.ExtContext, m provider.Message) error {
	cols := make([]string, 0, 5)
	for _, v := range []any{m.Labels, m.To, m.Cc, m.Headers, m.Attachments} {
		s, err := jsonColumn(v)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		cols = append(cols, s)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_email, id) DO UPDATE SET
			thread_id = excluded.thread_id,
			history_id = excluded.history_id,
			labels = excluded.labels,
			from_addr = excluded.from_addr,
			to_addrs = excluded.to_addrs,
			cc_addrs = excluded.cc_addrs,
			snippet = excluded.snippet,
			headers = excluded.headers,
			body_text = CASE WHEN excluded.body_text != '' OR excluded.body_html != '' THEN excluded.body_text ELSE messages.body_text END,
			body_html = CASE WHEN excluded.body_text != '' OR excluded.body_html != '' THEN excluded.body_html ELSE messages.body_html END,
			date = excluded.date,
			attachments = CASE WHEN excluded.body_text != '' OR excluded.body_html != '' THEN excluded.attachments ELSE messages.attachments END
	`, m.AccountEmail, m.ID, m.ThreadID, m.HistoryID, cols[0], m.From, cols[1], cols[2],
		m.Snippet, cols[3], m.Text, m.HTML, m.Date.UTC(), cols[4])
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

func threadMessages(ctx context.Context, q querier, account, threadID string) ([]provider.Message, error) {
	var rows []messageRow
	if err := q.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
		WHERE account_email = ? AND thread_id = ? ORDER BY date, id`, account, threadID); err != nil {
		return nil, fmt.Errorf("list messages %s: %w", threadID, err)
	}
	msgs := make([]provider.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.message()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func getMessage(ctx context.Context, q querier, account, id string) (*provider.Message, error) {
	var row messageRow
	err := q.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE account_email = ? AND id = ?`, account, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	m, err := row.message()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage returns one message.
func (s *Store) GetMessage(ctx context.Context, account, id string) (*provider.Message, error) {
	return getMessage(ctx, s.db, account, id)
}

// PutMessage upserts one message. Its thread must exist. An update with
// empty bodies keeps the stored bodies, so metadata refreshes never erase
// content fetched earlier.
func (tx *Tx) PutMessage(ctx context.Context, m provider.Message) error {
	return upsertMessage(ctx, tx.tx, m)
}

// GetMessage reads a message inside the transaction.
func (tx *Tx) GetMessage(ctx context.Context, account, id string) (*provider.Message, error) {
	return getMessage(ctx, tx.tx, account, id)
}

// ThreadMessages lists a thread's messages inside the transaction.
func (tx *Tx) ThreadMessages(ctx context.Context, account, threadID string) ([]provider.Message, error) {
	return threadMessages(ctx, tx.tx, account, threadID)
}

// DeleteMessage removes one message. Deleting a missing message is not an error.
func (tx *Tx) DeleteMessage(ctx context.Context, account, id string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM messages WHERE account_email = ? AND id = ?`, account, id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}
