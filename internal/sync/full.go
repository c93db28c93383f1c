package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
)

// Full lists every thread of each target page by page, materializes each
// page and persists it in one transaction. Without targets the provider
// defaults are synced. The mailbox baseline is taken before listing and
// becomes the checkpoint only when the targets include every default
// target and all of them completed with no failed thread. A stored page
// cursor resumes an interrupted target.
func (e *Engine) Full(ctx context.Context, targets ...provider.Target) (*Summary, error) {
	e.run.Lock()
	defer e.run.Unlock()
	return e.full(ctx, TypeFull, targets)
}

func (e *Engine) full(ctx context.Context, syncType string, targets []provider.Target) (summary *Summary, err error) {
	if len(targets) == 0 {
		targets = e.defaultTargets()
	}
	account := e.adapter.Account()
	kind := e.adapter.Kind()
	summary = &Summary{Account: account, Type: syncType, StartTime: time.Now()}

	cp, err := e.store.Checkpoint(ctx, account, kind)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var syncID int64
	defer e.recoverPanic(ctx, &syncID, &err)

	e.setState(Listing)
	baseline, err := e.adapter.Baseline(ctx)
	if err != nil {
		return nil, e.fail(ctx, 0, fmt.Errorf("baseline: %w", err))
	}

	clean := true
	for _, target := range targets {
		cursor := ""
		if !e.opts.NoResume {
			cursor = cp.PageTokens[target.Key()]
		}
		if cursor != "" {
			summary.WasResumed = true
			e.logger.Info("resuming full sync", "target", target.Key())
		}

		syncID, err = e.store.StartSync(ctx, account, TypeFull, target.Key(), cursor)
		if err != nil {
			return nil, e.fail(ctx, 0, fmt.Errorf("start sync: %w", err))
		}
		e.progress.OnStart(TypeFull, target.Key())

		p, err := e.fullTarget(ctx, syncID, target, cursor, summary)
		if err != nil {
			return nil, e.fail(ctx, syncID, err)
		}
		if p.ErrorsCount > 0 {
			clean = false
		}
		if cerr := e.store.CompleteSync(ctx, syncID, p, ""); cerr != nil {
			e.logger.Warn("failed to complete sync", "error", cerr)
		}
		syncID = 0
	}

	advance, ok := scopedBaseline(baseline, targets, e.defaultTargets())
	switch {
	case !clean:
		e.logger.Warn("full sync had failed threads, checkpoint not advanced", "errors", summary.Errors)
		summary.Checkpoint = cp
	case !ok:
		e.logger.Debug("targeted full sync, checkpoint not advanced")
		summary.Checkpoint = cp
	default:
		summary.Checkpoint, err = e.store.AdvanceCheckpoint(ctx, account, advance)
		if err != nil {
			return nil, e.fail(ctx, 0, fmt.Errorf("advance checkpoint: %w", err))
		}
	}

	e.setState(Idle)
	summary.finish()
	e.logger.Info("full sync complete",
		"threads", summary.ThreadsFound,
		"updated", summary.ThreadsUpdated,
		"errors", summary.Errors,
		"duration", summary.Duration)
	e.progress.OnComplete(summary)
	return summary, nil
}

// scopedBaseline returns the part of baseline a run over targets may
// commit. Moving a position past changes in folders the run never listed
// would lose them, so a Gmail history id is only committed when targets
// include every default target. Outlook watermarks are per folder and are
// committed for the folders that were listed.
func scopedBaseline(baseline provider.Checkpoint, targets, defaults []provider.Target) (provider.Checkpoint, bool) {
	have := make(map[string]bool, len(targets))
	var folders []string
	for _, t := range targets {
		have[t.Key()] = true
		if t.Query == "" && t.Folder != "" {
			folders = append(folders, t.Folder)
		}
	}
	covered := true
	for _, d := range defaults {
		if !have[d.Key()] {
			covered = false
			break
		}
	}
	if covered {
		return baseline, true
	}
	if baseline.Kind != provider.Outlook {
		return provider.Checkpoint{}, false
	}
	scoped := baseline.Restrict(folders...)
	return scoped, len(scoped.Folders) > 0
}

// fullTarget pages through one target starting at cursor. Each page's
// cursor commits with the page, so an interrupted target resumes after
// the last durable page. A cancelled page is abandoned unwritten.
func (e *Engine) fullTarget(ctx context.Context, syncID int64, target provider.Target, cursor string, summary *Summary) (store.SyncProgress, error) {
	account := e.adapter.Account()
	kind := e.adapter.Kind()
	var p store.SyncProgress

	for {
		e.setState(Listing)
		page, err := e.adapter.ListThreadPage(ctx, target, cursor)
		if err != nil {
			return p, fmt.Errorf("list %s: %w", target.Key(), err)
		}

		ids := make([]string, 0, len(page.ThreadRefs))
		for _, ref := range page.ThreadRefs {
			ids = append(ids, ref.ID)
		}

		e.setState(Materializing)
		res, err := e.mat.Materialize(ctx, ids, e.opts.Format)
		if err != nil {
			return p, err
		}

		e.setState(Persisting)
		next := page.NextCursor
		err = e.persist(ctx, res, func(tx *store.Tx) error {
			return tx.SetPageCursor(ctx, account, kind, target.Key(), next)
		})
		if err != nil {
			return p, err
		}

		p.Cursor = next
		p.ThreadsProcessed += int64(len(ids))
		p.ThreadsUpdated += int64(len(res.Threads))
		p.ThreadsDeleted += int64(len(res.Gone))
		p.ErrorsCount += int64(len(res.Failed))
		summary.ThreadsFound += int64(len(ids))
		summary.ThreadsUpdated += int64(len(res.Threads))
		summary.ThreadsDeleted += int64(len(res.Gone))
		summary.Errors += int64(len(res.Failed))
		if uerr := e.store.UpdateSyncProgress(ctx, syncID, p); uerr != nil {
			e.logger.Warn("failed to save sync progress", "error", uerr)
		}
		e.progress.OnPage(summary.ThreadsFound, summary.ThreadsUpdated)

		if next == "" {
			return p, nil
		}
		cursor = next
	}
}
