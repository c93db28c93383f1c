package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wesm/mailsync/internal/provider"
)

const draftColumns = `id, account_email, provider, remote_id, message_id, thread_id, to_addrs, cc_addrs,
	bcc_addrs, subject, html, reply_type, in_reply_to, status, state, updated_at`

func putDraft(ctx context.Context, q sqlx.ExtContext, d provider.Draft) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	if d.Status == "" {
		d.Status = provider.DraftActive
	}
	if d.State == "" {
		d.State = provider.LocalOnly
	}
	if d.ReplyType == "" {
		d.ReplyType = provider.Standalone
	}
	d.UpdatedAt = d.UpdatedAt.UTC()
	_, err := sqlx.NamedExecContext(ctx, q, `
		INSERT INTO drafts (`+draftColumns+`)
		VALUES (:id, :account_email, :provider, :remote_id, :message_id, :thread_id, :to_addrs, :cc_addrs,
			:bcc_addrs, :subject, :html, :reply_type, :in_reply_to, :status, :state, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			remote_id = excluded.remote_id,
			message_id = excluded.message_id,
			thread_id = excluded.thread_id,
			to_addrs = excluded.to_addrs,
			cc_addrs = excluded.cc_addrs,
			bcc_addrs = excluded.bcc_addrs,
			subject = excluded.subject,
			html = excluded.html,
			reply_type = excluded.reply_type,
			in_reply_to = excluded.in_reply_to,
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, d)
	if err != nil {
		return fmt.Errorf("put draft %s: %w", d.ID, err)
	}
	return nil
}

func getDraft(ctx context.Context, q querier, id string) (*provider.Draft, error) {
	var d provider.Draft
	err := q.GetContext(ctx, &d, `SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("draft %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get draft %s: %w", id, err)
	}
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

// GetDraft returns a draft row by its stable id.
func (s *Store) GetDraft(ctx context.Context, id string) (*provider.Draft, error) {
	return getDraft(ctx, s.db, id)
}

// GetDraft reads a draft inside the transaction.
func (tx *Tx) GetDraft(ctx context.Context, id string) (*provider.Draft, error) {
	return getDraft(ctx, tx.tx, id)
}

// PutDraft upserts a draft row.
func (tx *Tx) PutDraft(ctx context.Context, d provider.Draft) error {
	return putDraft(ctx, tx.tx, d)
}

// SetDraftStatus changes a draft's lifecycle status.
func (tx *Tx) SetDraftStatus(ctx context.Context, id string, status provider.DraftStatus) error {
	res, err := tx.tx.ExecContext(ctx, `UPDATE drafts SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set draft status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("draft %s: %w", id, ErrNotFound)
	}
	return nil
}

// DraftQuery filters a draft listing.
type DraftQuery struct {
	Account  string
	ThreadID string
	Status   provider.DraftStatus
}

// ListDrafts returns drafts newest first.
func (s *Store) ListDrafts(ctx context.Context, dq DraftQuery) ([]provider.Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM drafts WHERE account_email = ?`
	args := []any{dq.Account}
	if dq.ThreadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, dq.ThreadID)
	}
	if dq.Status != "" {
		query += ` AND status = ?`
		args = append(args, dq.Status)
	}
	query += ` ORDER BY updated_at DESC, id`
	var drafts []provider.Draft
	if err := s.db.SelectContext(ctx, &drafts, query, args...); err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	return drafts, nil
}

// ActiveDraftForThread returns the canonical draft of a thread: the most
// recently updated active row.
func (s *Store) ActiveDraftForThread(ctx context.Context, account, threadID string) (*provider.Draft, error) {
	drafts, err := s.ListDrafts(ctx, DraftQuery{Account: account, ThreadID: threadID, Status: provider.DraftActive})
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("draft for thread %s: %w", threadID, ErrNotFound)
	}
	return &drafts[0], nil
}

// UpsertRemoteDrafts applies a remote draft listing. Rows are matched by
// remote id; unmatched remote drafts get a row keyed by their remote id.
// Confirmed local rows whose remote draft is gone are marked discarded.
// A local row edited after the remote copy keeps its content.
func (tx *Tx) UpsertRemoteDrafts(ctx context.Context, account string, kind provider.Kind, remote []provider.RemoteDraft) error {
	seen := make([]string, 0, len(remote))
	for _, rd := range remote {
		seen = append(seen, rd.RemoteID)
		var existing provider.Draft
		err := tx.tx.GetContext(ctx, &existing, `SELECT `+draftColumns+` FROM drafts
			WHERE account_email = ? AND remote_id = ? ORDER BY updated_at DESC LIMIT 1`, account, rd.RemoteID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			existing = provider.Draft{
				ID:           rd.RemoteID,
				AccountEmail: account,
				Provider:     kind,
				ReplyType:    provider.Standalone,
				Status:       provider.DraftActive,
			}
		case err != nil:
			return fmt.Errorf("match remote draft %s: %w", rd.RemoteID, err)
		default:
			if existing.State == provider.RemotePending || existing.UpdatedAt.After(rd.UpdatedAt) {
				continue
			}
		}
		existing.RemoteID = rd.RemoteID
		existing.MessageID = rd.MessageID
		existing.ThreadID = rd.ThreadID
		existing.To, existing.Cc, existing.Bcc = rd.To, rd.Cc, rd.Bcc
		existing.Subject = rd.Subject
		existing.HTML = rd.HTML
		existing.State = provider.RemoteConfirmed
		existing.UpdatedAt = rd.UpdatedAt
		if err := putDraft(ctx, tx.tx, existing); err != nil {
			return err
		}
	}

	query := `UPDATE drafts SET status = ? WHERE account_email = ? AND status = ? AND state = ? AND remote_id != ''`
	args := []any{provider.DraftDiscarded, account, provider.DraftActive, provider.RemoteConfirmed}
	if len(seen) > 0 {
		q, inArgs, err := sqlx.In(` AND remote_id NOT IN (?)`, seen)
		if err != nil {
			return err
		}
		query += q
		args = append(args, inArgs...)
	}
	if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("retire remote drafts: %w", err)
	}
	return nil
}

// ReconcileDraft confirms a draft against its first remote save. When the
// provider assigned a different message id or thread id, the local
// message (and for a standalone compose its draft-root thread) is moved
// under the new keys: the new rows are inserted, the draft repointed and
// the old rows deleted, all inside the caller's transaction. It reports
// whether a key migration happened. A draft or message that is already
// gone is not an error.
func (tx *Tx) ReconcileDraft(ctx context.Context, draftID string, remote provider.RemoteDraft) (bool, error) {
	d, err := getDraft(ctx, tx.tx, draftID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	oldMsgID, oldThreadID := d.MessageID, d.ThreadID
	newMsgID, newThreadID := remote.MessageID, remote.ThreadID
	if newMsgID == "" {
		newMsgID = oldMsgID
	}
	if newThreadID == "" {
		newThreadID = oldThreadID
	}

	d.RemoteID = remote.RemoteID
	d.MessageID = newMsgID
	d.ThreadID = newThreadID
	d.State = provider.RemoteConfirmed
	if err := putDraft(ctx, tx.tx, *d); err != nil {
		return false, err
	}
	if oldMsgID == newMsgID && oldThreadID == newThreadID {
		return false, nil
	}

	msg, err := getMessage(ctx, tx.tx, d.AccountEmail, oldMsgID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if newThreadID != oldThreadID {
		if err := tx.moveThreadRow(ctx, d.AccountEmail, oldThreadID, newThreadID); err != nil {
			return false, err
		}
	}

	msg.ID = newMsgID
	msg.ThreadID = newThreadID
	if d.HTML != "" {
		msg.HTML = d.HTML
	}
	if newMsgID != oldMsgID {
		if err := tx.DeleteMessage(ctx, d.AccountEmail, oldMsgID); err != nil {
			return false, err
		}
	}
	if err := upsertMessage(ctx, tx.tx, *msg); err != nil {
		return false, err
	}

	if newThreadID != oldThreadID {
		var remaining int
		if err := tx.tx.GetContext(ctx, &remaining,
			`SELECT COUNT(*) FROM messages WHERE account_email = ? AND thread_id = ?`,
			d.AccountEmail, oldThreadID); err != nil {
			return false, err
		}
		if remaining == 0 {
			if err := tx.DeleteThread(ctx, d.AccountEmail, oldThreadID); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// moveThreadRow makes sure a thread row exists under newID, merging the
// old row's content and labels into it.
func (tx *Tx) moveThreadRow(ctx context.Context, account, oldID, newID string) error {
	old, err := getThread(ctx, tx.tx, account, oldID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	merged := *old
	merged.ID = newID
	if cur, err := getThread(ctx, tx.tx, account, newID); err == nil {
		merged = *cur
		merged.Labels = append(slices.Clone(cur.Labels), old.Labels...)
		if old.LastActivity.After(cur.LastActivity) {
			merged.LastActivity = old.LastActivity
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	slices.Sort(merged.Labels)
	merged.Labels = slices.Compact(merged.Labels)
	return upsertThread(ctx, tx.tx, merged)
}
