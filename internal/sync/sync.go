// Package sync keeps the local cache in step with a remote mailbox.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/wesm/mailsync/internal/events"
	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/materialize"
	"github.com/wesm/mailsync/internal/outlook"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
)

// State is the engine's position in a sync pass.
type State string

const (
	Idle          State = "IDLE"
	Listing       State = "LISTING"
	Materializing State = "MATERIALIZING"
	Persisting    State = "PERSISTING"
)

// Sync run types recorded in sync_runs.
const (
	TypeFull    = "full"
	TypePartial = "partial"
	TypeDrafts  = "drafts"
)

// Options configures sync behavior.
type Options struct {
	// Concurrency bounds simultaneous thread fetches (default: 10).
	Concurrency int

	// Format is the thread format fetched during list syncs (default:
	// metadata). Bodies already cached survive metadata refreshes.
	Format provider.Format

	// NoResume ignores stored page cursors and restarts full syncs.
	NoResume bool

	// DefaultTargets are synced when a partial sync must fall back to a
	// full resync. Empty means the provider default.
	DefaultTargets []provider.Target
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Concurrency: materialize.DefaultConcurrency,
		Format:      provider.FormatMetadata,
	}
}

// Progress receives sync progress.
type Progress interface {
	OnStart(syncType, target string)
	OnPage(processed, updated int64)
	OnComplete(summary *Summary)
}

// NullProgress discards progress.
type NullProgress struct{}

func (NullProgress) OnStart(string, string) {}
func (NullProgress) OnPage(int64, int64)    {}
func (NullProgress) OnComplete(*Summary)    {}

// Summary describes a finished sync pass.
type Summary struct {
	Account        string              `json:"account"`
	Type           string              `json:"type"`
	StartTime      time.Time           `json:"startTime"`
	EndTime        time.Time           `json:"endTime"`
	Duration       time.Duration       `json:"duration"`
	ThreadsFound   int64               `json:"threadsFound"`
	ThreadsUpdated int64               `json:"threadsUpdated"`
	ThreadsDeleted int64               `json:"threadsDeleted"`
	Errors         int64               `json:"errors"`
	DraftsFound    int64               `json:"draftsFound,omitempty"`
	WasResumed     bool                `json:"wasResumed,omitempty"`
	FellBack       bool                `json:"fellBack,omitempty"`
	Checkpoint     provider.Checkpoint `json:"checkpoint"`
}

func (s *Summary) finish() *Summary {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
	return s
}

// Engine syncs one account. Passes on the same engine run one at a time.
type Engine struct {
	adapter  provider.Adapter
	store    *store.Store
	mat      *materialize.Materializer
	logger   *slog.Logger
	events   events.Publisher
	progress Progress
	opts     *Options

	run     sync.Mutex
	stateMu sync.Mutex
	state   State
}

// New creates an Engine for the adapter's account.
func New(adapter provider.Adapter, st *store.Store, opts *Options) *Engine {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Format == "" {
		opts.Format = provider.FormatMetadata
	}
	e := &Engine{
		adapter:  adapter,
		store:    st,
		logger:   slog.Default(),
		events:   events.Discard,
		progress: NullProgress{},
		opts:     opts,
		state:    Idle,
	}
	e.mat = materialize.New(adapter, materialize.WithConcurrency(opts.Concurrency), materialize.WithLogger(e.logger))
	return e
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger.With("account", e.adapter.Account())
	e.mat = materialize.New(e.adapter, materialize.WithConcurrency(e.opts.Concurrency), materialize.WithLogger(e.logger))
	return e
}

// WithEvents sets the change publisher.
func (e *Engine) WithEvents(p events.Publisher) *Engine {
	e.events = p
	return e
}

// WithProgress sets the progress reporter.
func (e *Engine) WithProgress(p Progress) *Engine {
	e.progress = p
	return e
}

// Account returns the synced account.
func (e *Engine) Account() string {
	return e.adapter.Account()
}

// State returns the current state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	changed := e.state != s
	e.state = s
	e.stateMu.Unlock()
	if changed {
		e.events.Publish(events.Event{Kind: events.SyncState, Account: e.adapter.Account(), State: string(s)})
	}
}

func (e *Engine) defaultTargets() []provider.Target {
	if len(e.opts.DefaultTargets) > 0 {
		return e.opts.DefaultTargets
	}
	if e.adapter.Kind() == provider.Outlook {
		targets := make([]provider.Target, 0, len(outlook.TrackedFolders))
		for _, id := range outlook.TrackedFolders {
			targets = append(targets, provider.Target{Folder: id})
		}
		return targets
	}
	return []provider.Target{{Folder: folder.Inbox}}
}

// fail records a failed run, returns the engine to Idle and publishes the
// user-facing message. It returns err unchanged.
func (e *Engine) fail(ctx context.Context, syncID int64, err error) error {
	e.setState(Idle)
	if syncID != 0 {
		if ferr := e.store.FailSync(context.WithoutCancel(ctx), syncID, err.Error()); ferr != nil {
			e.logger.Error("failed to record sync failure", "error", ferr)
		}
	}
	e.logger.Warn("sync failed", "error", err)
	e.events.Publish(events.Event{
		Kind:    events.SyncFailed,
		Account: e.adapter.Account(),
		Message: provider.UserMessage(err),
	})
	return err
}

// recoverPanic converts a panic during a pass into an error.
func (e *Engine) recoverPanic(ctx context.Context, syncID *int64, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	e.logger.Error("sync panic recovered", "panic", r, "stack", string(debug.Stack()))
	*errp = e.fail(ctx, *syncID, fmt.Errorf("sync panicked: %v", r))
}

// persist writes one materialized batch in a single transaction. extra
// runs inside the same transaction after the rows are written, so any
// checkpoint movement it makes commits with them or not at all.
func (e *Engine) persist(ctx context.Context, res *materialize.Result, extra func(*store.Tx) error) error {
	account := e.adapter.Account()
	contacts := materialize.Contacts(account, res.Threads)
	err := e.store.Update(ctx, func(tx *store.Tx) error {
		for _, d := range res.Threads {
			if err := tx.PutThreadData(ctx, d); err != nil {
				return err
			}
		}
		for _, id := range res.Gone {
			if err := tx.DeleteThread(ctx, account, id); err != nil {
				return err
			}
		}
		if len(contacts) > 0 {
			if err := tx.UpsertContacts(ctx, contacts); err != nil {
				return err
			}
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist batch: %w", err)
	}
	if n := len(res.Threads) + len(res.Gone); n > 0 {
		ids := make([]string, 0, n)
		for _, d := range res.Threads {
			ids = append(ids, d.Thread.ID)
		}
		ids = append(ids, res.Gone...)
		e.events.Publish(events.Event{Kind: events.ThreadsChanged, Account: account, ThreadIDs: ids})
	}
	return nil
}

// Thread fetches one thread and stores it. A thread the provider no
// longer has is deleted locally and nil is returned.
func (e *Engine) Thread(ctx context.Context, id string, format provider.Format) (*provider.ThreadData, error) {
	if format == "" {
		format = provider.FormatFull
	}
	res, err := e.mat.Materialize(ctx, []string{id}, format)
	if err != nil {
		return nil, err
	}
	if ferr := res.Failed[id]; ferr != nil {
		return nil, ferr
	}
	if err := e.persist(ctx, res, nil); err != nil {
		return nil, err
	}
	if len(res.Threads) == 0 {
		return nil, nil
	}
	return e.store.GetThreadData(ctx, e.adapter.Account(), id)
}

// Drafts lists remote drafts, refreshes each draft's thread so it shows
// in context, then applies the listing to local draft rows.
func (e *Engine) Drafts(ctx context.Context) (summary *Summary, err error) {
	e.run.Lock()
	defer e.run.Unlock()

	account := e.adapter.Account()
	summary = &Summary{Account: account, Type: TypeDrafts, StartTime: time.Now()}
	var syncID int64
	defer e.recoverPanic(ctx, &syncID, &err)

	syncID, err = e.store.StartSync(ctx, account, TypeDrafts, "", "")
	if err != nil {
		return nil, fmt.Errorf("start sync: %w", err)
	}
	e.progress.OnStart(TypeDrafts, "")

	e.setState(Listing)
	remote, err := e.adapter.ListDrafts(ctx)
	if err != nil {
		return nil, e.fail(ctx, syncID, fmt.Errorf("list drafts: %w", err))
	}
	summary.DraftsFound = int64(len(remote))

	var threadIDs []string
	for _, d := range remote {
		if d.ThreadID != "" {
			threadIDs = append(threadIDs, d.ThreadID)
		}
	}
	var res *materialize.Result
	if len(threadIDs) > 0 {
		e.setState(Materializing)
		res, err = e.mat.Materialize(ctx, threadIDs, provider.FormatFull)
		if err != nil {
			return nil, e.fail(ctx, syncID, err)
		}
		summary.ThreadsFound = int64(len(res.Threads) + len(res.Gone) + len(res.Failed))
		summary.ThreadsUpdated = int64(len(res.Threads))
		summary.Errors = int64(len(res.Failed))
	} else {
		res = &materialize.Result{}
	}

	e.setState(Persisting)
	err = e.persist(ctx, res, func(tx *store.Tx) error {
		return tx.UpsertRemoteDrafts(ctx, account, e.adapter.Kind(), remote)
	})
	if err != nil {
		return nil, e.fail(ctx, syncID, err)
	}
	e.events.Publish(events.Event{Kind: events.DraftsChanged, Account: account})

	p := store.SyncProgress{ThreadsProcessed: summary.ThreadsFound, ThreadsUpdated: summary.ThreadsUpdated, ErrorsCount: summary.Errors}
	if cerr := e.store.CompleteSync(ctx, syncID, p, ""); cerr != nil {
		e.logger.Warn("failed to complete sync", "error", cerr)
	}
	e.setState(Idle)
	summary.finish()
	e.progress.OnComplete(summary)
	return summary, nil
}
