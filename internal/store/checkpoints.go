package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wesm/mailsync/internal/provider"
)

func getCheckpoint(ctx context.Context, q querier, account string, kind provider.Kind) (provider.Checkpoint, error) {
	var data string
	err := q.GetContext(ctx, &data, `SELECT data FROM checkpoints WHERE account_email = ?`, account)
	if errors.Is(err, sql.ErrNoRows) {
		return provider.Checkpoint{Kind: kind}, nil
	}
	if err != nil {
		return provider.Checkpoint{Kind: kind}, fmt.Errorf("get checkpoint %s: %w", account, err)
	}
	return provider.ParseCheckpoint(kind, data)
}

// Checkpoint returns the stored checkpoint, or a zero checkpoint of kind
// when none has been stored.
func (s *Store) Checkpoint(ctx context.Context, account string, kind provider.Kind) (provider.Checkpoint, error) {
	return getCheckpoint(ctx, s.db, account, kind)
}

// Checkpoint reads the checkpoint inside the transaction.
func (tx *Tx) Checkpoint(ctx context.Context, account string, kind provider.Kind) (provider.Checkpoint, error) {
	return getCheckpoint(ctx, tx.tx, account, kind)
}

func (tx *Tx) putCheckpoint(ctx context.Context, account string, cp provider.Checkpoint) error {
	data, err := cp.Marshal()
	if err != nil {
		return err
	}
	_, err = tx.tx.ExecContext(ctx, `
		INSERT INTO checkpoints (account_email, kind, history_id, data, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (account_email) DO UPDATE SET
			kind = excluded.kind,
			history_id = excluded.history_id,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, account, string(cp.Kind), cp.HistoryID, data)
	if err != nil {
		return fmt.Errorf("store checkpoint %s: %w", account, err)
	}
	return nil
}

// AdvanceCheckpoint merges next into the stored checkpoint and returns
// the result. The merge never moves a position backward, so callers
// cannot regress the checkpoint whatever they pass.
func (tx *Tx) AdvanceCheckpoint(ctx context.Context, account string, next provider.Checkpoint) (provider.Checkpoint, error) {
	cur, err := getCheckpoint(ctx, tx.tx, account, next.Kind)
	if err != nil {
		return cur, err
	}
	merged := cur.Advance(next)
	if err := tx.putCheckpoint(ctx, account, merged); err != nil {
		return cur, err
	}
	return merged, nil
}

// AdvanceCheckpoint is the single-statement form of Tx.AdvanceCheckpoint.
func (s *Store) AdvanceCheckpoint(ctx context.Context, account string, next provider.Checkpoint) (provider.Checkpoint, error) {
	var out provider.Checkpoint
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.AdvanceCheckpoint(ctx, account, next)
		return err
	})
	return out, err
}

// SetPageCursor records the resume cursor of a full sync target. An empty
// cursor clears it.
func (tx *Tx) SetPageCursor(ctx context.Context, account string, kind provider.Kind, key, cursor string) error {
	cur, err := getCheckpoint(ctx, tx.tx, account, kind)
	if err != nil {
		return err
	}
	return tx.putCheckpoint(ctx, account, cur.WithPageToken(key, cursor))
}

// ClearCheckpoint forgets an account's checkpoint so the next partial
// sync starts with a full resync.
func (s *Store) ClearCheckpoint(ctx context.Context, account string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE account_email = ?`, account); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", account, err)
	}
	return nil
}
