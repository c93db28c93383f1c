package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/mailsync/internal/materialize"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
)

// Partial applies the changes recorded since the stored checkpoint. An
// account with no checkpoint, or whose checkpoint the provider no longer
// accepts, is resynced in full over the default targets instead.
//
// The checkpoint moves inside the transaction that writes the changed
// threads. When some threads failed to fetch it stops short of the
// earliest change touching a failed thread, so the next pass sees those
// changes again.
func (e *Engine) Partial(ctx context.Context) (summary *Summary, err error) {
	e.run.Lock()
	defer e.run.Unlock()

	account := e.adapter.Account()
	kind := e.adapter.Kind()
	summary = &Summary{Account: account, Type: TypePartial, StartTime: time.Now()}

	cp, err := e.store.Checkpoint(ctx, account, kind)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.IsZero() {
		e.logger.Info("no checkpoint, running full sync")
		return e.fallback(ctx)
	}

	syncID, err := e.store.StartSync(ctx, account, TypePartial, "", "")
	if err != nil {
		return nil, fmt.Errorf("start sync: %w", err)
	}
	defer e.recoverPanic(ctx, &syncID, &err)
	e.progress.OnStart(TypePartial, "")

	e.setState(Listing)
	changes, err := e.adapter.ListChangesSince(ctx, cp)
	if errors.Is(err, provider.ErrChangesUnavailable) {
		e.logger.Info("checkpoint no longer usable, running full sync", "error", err)
		if cerr := e.store.CompleteSync(ctx, syncID, store.SyncProgress{}, ""); cerr != nil {
			e.logger.Warn("failed to complete sync", "error", cerr)
		}
		syncID = 0
		return e.fallback(ctx)
	}
	if err != nil {
		return nil, e.fail(ctx, syncID, fmt.Errorf("list changes: %w", err))
	}

	res := &materialize.Result{}
	if len(changes.ChangedThreadIDs) > 0 {
		e.setState(Materializing)
		res, err = e.mat.Materialize(ctx, changes.ChangedThreadIDs, e.opts.Format)
		if err != nil {
			return nil, e.fail(ctx, syncID, err)
		}
	}
	target := advanceTarget(cp, changes, res)

	e.setState(Persisting)
	err = e.persist(ctx, res, func(tx *store.Tx) error {
		var aerr error
		summary.Checkpoint, aerr = tx.AdvanceCheckpoint(ctx, account, target)
		return aerr
	})
	if err != nil {
		return nil, e.fail(ctx, syncID, err)
	}

	summary.ThreadsFound = int64(len(changes.ChangedThreadIDs))
	summary.ThreadsUpdated = int64(len(res.Threads))
	summary.ThreadsDeleted = int64(len(res.Gone))
	summary.Errors = int64(len(res.Failed))
	cursorAfter, _ := summary.Checkpoint.Marshal()
	p := store.SyncProgress{
		ThreadsProcessed: summary.ThreadsFound,
		ThreadsUpdated:   summary.ThreadsUpdated,
		ThreadsDeleted:   summary.ThreadsDeleted,
		ErrorsCount:      summary.Errors,
	}
	if cerr := e.store.CompleteSync(ctx, syncID, p, cursorAfter); cerr != nil {
		e.logger.Warn("failed to complete sync", "error", cerr)
	}

	e.setState(Idle)
	summary.finish()
	e.logger.Info("partial sync complete",
		"changed", summary.ThreadsFound,
		"updated", summary.ThreadsUpdated,
		"deleted", summary.ThreadsDeleted,
		"errors", summary.Errors)
	e.progress.OnComplete(summary)
	return summary, nil
}

func (e *Engine) fallback(ctx context.Context) (*Summary, error) {
	summary, err := e.full(ctx, TypeFull, nil)
	if summary != nil {
		summary.FellBack = true
	}
	return summary, err
}

// advanceTarget picks the checkpoint a partial pass may advance to.
//
// Gmail: the provider's new history id, or the largest id seen among the
// fetched threads when the provider gave none. Failed threads cap it one
// below their earliest change; a failed thread with no known change id
// holds the checkpoint where it is.
//
// Outlook: the new folder watermarks, unless any thread failed, since
// watermarks cannot be split per conversation.
func advanceTarget(cur provider.Checkpoint, changes *provider.Changes, res *materialize.Result) provider.Checkpoint {
	next := changes.NewCheckpoint
	if next.Kind == "" {
		next.Kind = cur.Kind
	}
	if cur.Kind == provider.Outlook {
		if len(res.Failed) > 0 {
			return cur
		}
		return next
	}

	if next.HistoryID == 0 {
		next.HistoryID = res.MaxCheckpointSeen
	}
	for id := range res.Failed {
		first, ok := changes.FirstChange[id]
		if !ok || first == 0 {
			return cur
		}
		if first-1 < next.HistoryID {
			next.HistoryID = first - 1
		}
	}
	return next
}
