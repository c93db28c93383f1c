package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncRun represents a sync operation in progress or completed.
type SyncRun struct {
	ID               int64          `db:"id" json:"id"`
	AccountEmail     string         `db:"account_email" json:"accountEmail"`
	SyncType         string         `db:"sync_type" json:"syncType"` // "full", "partial", "drafts"
	Target           string         `db:"target" json:"target"`
	StartedAt        time.Time      `db:"started_at" json:"startedAt"`
	CompletedAt      sql.NullTime   `db:"completed_at" json:"-"`
	Status           string         `db:"status" json:"status"` // "running", "completed", "failed"
	ThreadsProcessed int64          `db:"threads_processed" json:"threadsProcessed"`
	ThreadsUpdated   int64          `db:"threads_updated" json:"threadsUpdated"`
	ThreadsDeleted   int64          `db:"threads_deleted" json:"threadsDeleted"`
	ErrorsCount      int64          `db:"errors_count" json:"errorsCount"`
	ErrorMessage     sql.NullString `db:"error_message" json:"-"`
	CursorBefore     sql.NullString `db:"cursor_before" json:"-"` // page cursor at start, for resumption
	CursorAfter      sql.NullString `db:"cursor_after" json:"-"`  // checkpoint after completion
}

// SyncProgress is the running tally of a sync run.
type SyncProgress struct {
	Cursor           string
	ThreadsProcessed int64
	ThreadsUpdated   int64
	ThreadsDeleted   int64
	ErrorsCount      int64
}

const syncRunColumns = `id, account_email, sync_type, target, started_at, completed_at, status,
	threads_processed, threads_updated, threads_deleted, errors_count,
	error_message, cursor_before, cursor_after`

// StartSync creates a new sync run record and returns its ID. Any run of
// the same type still marked running for the account is marked failed.
func (s *Store) StartSync(ctx context.Context, account, syncType, target, cursorBefore string) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = 'failed',
		    error_message = 'superseded by new sync',
		    completed_at = ?
		WHERE account_email = ? AND sync_type = ? AND status = 'running'
	`, time.Now().UTC(), account, syncType)
	if err != nil {
		return 0, fmt.Errorf("mark old syncs failed: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (account_email, sync_type, target, started_at, status, cursor_before)
		VALUES (?, ?, ?, ?, 'running', ?)
	`, account, syncType, target, time.Now().UTC(), cursorBefore)
	if err != nil {
		return 0, fmt.Errorf("insert sync_run: %w", err)
	}
	return result.LastInsertId()
}

// UpdateSyncProgress saves progress for resumption.
func (s *Store) UpdateSyncProgress(ctx context.Context, syncID int64, p SyncProgress) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET cursor_before = ?,
		    threads_processed = ?,
		    threads_updated = ?,
		    threads_deleted = ?,
		    errors_count = ?
		WHERE id = ?
	`, p.Cursor, p.ThreadsProcessed, p.ThreadsUpdated, p.ThreadsDeleted, p.ErrorsCount, syncID)
	return err
}

// CompleteSync marks a sync as successfully completed.
func (s *Store) CompleteSync(ctx context.Context, syncID int64, p SyncProgress, cursorAfter string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = 'completed',
		    completed_at = ?,
		    threads_processed = ?,
		    threads_updated = ?,
		    threads_deleted = ?,
		    errors_count = ?,
		    cursor_after = ?
		WHERE id = ?
	`, time.Now().UTC(), p.ThreadsProcessed, p.ThreadsUpdated, p.ThreadsDeleted, p.ErrorsCount, cursorAfter, syncID)
	return err
}

// FailSync marks a sync as failed with an error message.
func (s *Store) FailSync(ctx context.Context, syncID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = 'failed',
		    completed_at = ?,
		    error_message = ?
		WHERE id = ?
	`, time.Now().UTC(), errMsg, syncID)
	return err
}

// GetActiveSync returns the most recent running sync of an account, if any.
func (s *Store) GetActiveSync(ctx context.Context, account string) (*SyncRun, error) {
	return s.oneSyncRun(ctx, `WHERE account_email = ? AND status = 'running'`, account)
}

// GetLastSuccessfulSync returns the most recent completed sync of an account.
func (s *Store) GetLastSuccessfulSync(ctx context.Context, account string) (*SyncRun, error) {
	return s.oneSyncRun(ctx, `WHERE account_email = ? AND status = 'completed'`, account)
}

func (s *Store) oneSyncRun(ctx context.Context, where string, args ...any) (*SyncRun, error) {
	var run SyncRun
	err := s.db.GetContext(ctx, &run, `SELECT `+syncRunColumns+` FROM sync_runs `+where+`
		ORDER BY started_at DESC, id DESC LIMIT 1`, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync run: %w", err)
	}
	return &run, nil
}

// ListSyncRuns returns the latest runs of an account, newest first.
func (s *Store) ListSyncRuns(ctx context.Context, account string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []SyncRun
	if err := s.db.SelectContext(ctx, &runs, `SELECT `+syncRunColumns+` FROM sync_runs
		WHERE account_email = ? ORDER BY started_at DESC, id DESC LIMIT ?`, account, limit); err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	return runs, nil
}
