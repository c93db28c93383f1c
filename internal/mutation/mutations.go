package mutation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
)

// Remote is the provider surface mutations need.
type Remote interface {
	Kind() provider.Kind
	Account() string
	provider.Mutator
	DeleteDraft(ctx context.Context, remoteID string) error
}

// Mutations is the set of optimistic actions for one account.
type Mutations struct {
	coord   *Coordinator
	remote  Remote
	account string
	kind    provider.Kind
}

// New returns the mutations for remote's account.
func New(remote Remote, coord *Coordinator) *Mutations {
	return &Mutations{coord: coord, remote: remote, account: remote.Account(), kind: remote.Kind()}
}

// Coordinator returns the underlying coordinator.
func (m *Mutations) Coordinator() *Coordinator {
	return m.coord
}

// labelEffect builds an effect that rewrites a thread's label set with
// next and restores the exact previous set on rollback.
func (m *Mutations) labelEffect(name, threadID string, next func(prev []string) []string, remote func(ctx context.Context) error) Effect {
	var prev []string
	return Effect{
		Name:      name,
		Account:   m.account,
		ThreadIDs: []string{threadID},
		Instant: func(ctx context.Context, tx *store.Tx) error {
			t, err := tx.GetThread(ctx, m.account, threadID)
			if err != nil {
				return err
			}
			prev = slices.Clone(t.Labels)
			return tx.SetThreadLabels(ctx, m.account, threadID, next(prev))
		},
		Remote: remote,
		Rollback: func(ctx context.Context, tx *store.Tx) error {
			return tx.SetThreadLabels(ctx, m.account, threadID, prev)
		},
	}
}

// ModifyLabels adds and removes labels on a thread.
func (m *Mutations) ModifyLabels(ctx context.Context, threadID string, add, remove []string) error {
	return m.coord.Execute(ctx, m.modifyEffect("update labels", threadID, add, remove))
}

func (m *Mutations) modifyEffect(name, threadID string, add, remove []string) Effect {
	return m.labelEffect(name, threadID,
		func(prev []string) []string { return folder.Apply(m.kind, prev, add, remove) },
		func(ctx context.Context) error { return m.remote.ModifyLabels(ctx, threadID, add, remove) })
}

// Star adds STARRED.
func (m *Mutations) Star(ctx context.Context, threadID string) error {
	return m.coord.Execute(ctx, m.modifyEffect("star", threadID, []string{folder.Starred}, nil))
}

// Unstar removes STARRED.
func (m *Mutations) Unstar(ctx context.Context, threadID string) error {
	return m.coord.Execute(ctx, m.modifyEffect("unstar", threadID, nil, []string{folder.Starred}))
}

// Archive moves a thread out of the inbox into DONE.
func (m *Mutations) Archive(ctx context.Context, threadID string) error {
	return m.coord.Execute(ctx, m.modifyEffect("archive", threadID, []string{folder.Done}, []string{folder.Inbox}))
}

// MarkRead clears UNREAD.
func (m *Mutations) MarkRead(ctx context.Context, threadID string) error {
	return m.coord.Execute(ctx, m.labelEffect("mark as read", threadID,
		func(prev []string) []string { return folder.Apply(m.kind, prev, nil, []string{folder.Unread}) },
		func(ctx context.Context) error { return m.remote.MarkRead(ctx, threadID, true) }))
}

// MarkUnread sets UNREAD.
func (m *Mutations) MarkUnread(ctx context.Context, threadID string) error {
	return m.coord.Execute(ctx, m.labelEffect("mark as unread", threadID,
		func(prev []string) []string { return folder.Apply(m.kind, prev, []string{folder.Unread}, nil) },
		func(ctx context.Context) error { return m.remote.MarkRead(ctx, threadID, false) }))
}

// Trash moves a thread to TRASH. Outlook threads leave every other
// folder; Gmail threads only leave the inbox.
func (m *Mutations) Trash(ctx context.Context, threadID string) error {
	return m.coord.Execute(ctx, m.labelEffect("move to trash", threadID,
		func(prev []string) []string {
			return folder.Apply(m.kind, prev, []string{folder.Trash}, m.trashRemovals(prev))
		},
		func(ctx context.Context) error { return m.remote.TrashThread(ctx, threadID) }))
}

func (m *Mutations) trashRemovals(labels []string) []string {
	if m.kind != provider.Outlook {
		return []string{folder.Inbox, folder.Spam}
	}
	return slices.DeleteFunc(slices.Clone(labels), func(l string) bool {
		return l == folder.Starred || l == folder.Trash || !folder.IsCanonical(l)
	})
}

// DeletePermanently removes a thread. The rollback reinserts the thread
// and messages captured by the instant step.
func (m *Mutations) DeletePermanently(ctx context.Context, threadID string) error {
	var snapshot *provider.ThreadData
	return m.coord.Execute(ctx, Effect{
		Name:      "delete",
		Account:   m.account,
		ThreadIDs: []string{threadID},
		Instant: func(ctx context.Context, tx *store.Tx) error {
			t, err := tx.GetThread(ctx, m.account, threadID)
			if err != nil {
				return err
			}
			msgs, err := tx.ThreadMessages(ctx, m.account, threadID)
			if err != nil {
				return err
			}
			snapshot = &provider.ThreadData{Thread: *t, Messages: msgs}
			return tx.DeleteThread(ctx, m.account, threadID)
		},
		Remote: func(ctx context.Context) error {
			err := m.remote.DeleteThread(ctx, threadID)
			if provider.IsNotFound(err) {
				return nil
			}
			return err
		},
		Rollback: func(ctx context.Context, tx *store.Tx) error {
			if snapshot == nil {
				return nil
			}
			return tx.PutThreadData(ctx, snapshot)
		},
	})
}

// DiscardDraft marks a draft discarded and deletes its remote copy. A
// draft never saved remotely has nothing to delete.
func (m *Mutations) DiscardDraft(ctx context.Context, draftID string) error {
	var prev provider.DraftStatus
	var remoteID string
	return m.coord.Execute(ctx, Effect{
		Name:    "discard draft",
		Account: m.account,
		DraftID: draftID,
		Instant: func(ctx context.Context, tx *store.Tx) error {
			d, err := tx.GetDraft(ctx, draftID)
			if err != nil {
				return err
			}
			if d.AccountEmail != m.account {
				return fmt.Errorf("draft %s belongs to %s: %w", draftID, d.AccountEmail, store.ErrNotFound)
			}
			prev, remoteID = d.Status, d.RemoteID
			return tx.SetDraftStatus(ctx, draftID, provider.DraftDiscarded)
		},
		Remote: func(ctx context.Context) error {
			if remoteID == "" {
				return nil
			}
			err := m.remote.DeleteDraft(ctx, remoteID)
			if provider.IsNotFound(err) {
				return nil
			}
			return err
		},
		Rollback: func(ctx context.Context, tx *store.Tx) error {
			return tx.SetDraftStatus(ctx, draftID, prev)
		},
	})
}

// IsRolledBack reports whether err came from a mutation whose local
// change was undone.
func IsRolledBack(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
