// Package mutation applies user actions optimistically: the local cache
// changes first, the provider second, and a failed provider call undoes
// the local change.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/wesm/mailsync/internal/events"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
)

// Effect is one optimistic mutation. Instant and Rollback each run in
// their own store transaction. Any of the three may be nil.
type Effect struct {
	Name      string
	Account   string
	ThreadIDs []string
	DraftID   string

	Instant  func(ctx context.Context, tx *store.Tx) error
	Remote   func(ctx context.Context) error
	Rollback func(ctx context.Context, tx *store.Tx) error
}

// RemoteError reports a provider call that failed after the local change
// was rolled back. The cache matches its state before the mutation.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// RollbackError reports a provider failure whose rollback also failed.
// The cache may disagree with the provider until the next full sync.
type RollbackError struct {
	Op       string
	Remote   error
	Rollback error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s: %v (rollback failed: %v)", e.Op, e.Remote, e.Rollback)
}

func (e *RollbackError) Unwrap() []error {
	return []error{e.Remote, e.Rollback}
}

// Coordinator runs Effects against a store.
type Coordinator struct {
	store  *store.Store
	logger *slog.Logger
	events events.Publisher
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEvents sets the change publisher.
func WithEvents(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.events = p
		}
	}
}

// NewCoordinator creates a Coordinator over st.
func NewCoordinator(st *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{store: st, logger: slog.Default(), events: events.Discard}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute applies e. A failing Instant aborts before any remote call.
// A failing Remote triggers Rollback and returns *RemoteError, or
// *RollbackError when the rollback fails too. Panics in Remote or
// Rollback are recovered and treated as failures.
func (c *Coordinator) Execute(ctx context.Context, e Effect) error {
	if e.Instant != nil {
		if err := c.store.Update(ctx, func(tx *store.Tx) error { return e.Instant(ctx, tx) }); err != nil {
			return fmt.Errorf("%s: %w", e.Name, err)
		}
		c.changed(e)
	}
	if e.Remote == nil {
		return nil
	}

	remoteErr := guard(func() error { return e.Remote(ctx) })
	if remoteErr == nil {
		return nil
	}
	c.logger.Warn("remote mutation failed", "op", e.Name, "account", e.Account, "error", remoteErr)

	if e.Rollback != nil {
		// The rollback must run even when the caller's context ended.
		rctx := context.WithoutCancel(ctx)
		rbErr := guard(func() error {
			return c.store.Update(rctx, func(tx *store.Tx) error { return e.Rollback(rctx, tx) })
		})
		if rbErr != nil {
			c.logger.Error("rollback failed, local cache may be inconsistent until next full sync",
				"op", e.Name, "account", e.Account, "threads", e.ThreadIDs,
				"remote_error", remoteErr, "rollback_error", rbErr)
			c.failed(e, remoteErr)
			return &RollbackError{Op: e.Name, Remote: remoteErr, Rollback: rbErr}
		}
		c.changed(e)
	}
	c.failed(e, remoteErr)
	return &RemoteError{Op: e.Name, Err: remoteErr}
}

func (c *Coordinator) changed(e Effect) {
	if len(e.ThreadIDs) > 0 {
		c.events.Publish(events.Event{Kind: events.ThreadsChanged, Account: e.Account, ThreadIDs: e.ThreadIDs})
	}
	if e.DraftID != "" {
		c.events.Publish(events.Event{Kind: events.DraftsChanged, Account: e.Account, DraftID: e.DraftID})
	}
}

func (c *Coordinator) failed(e Effect, err error) {
	c.events.Publish(events.Event{
		Kind:      events.MutationFailed,
		Account:   e.Account,
		ThreadIDs: e.ThreadIDs,
		DraftID:   e.DraftID,
		Message:   userMessage(e.Name, err),
	})
}

// UserMessage returns the UI string for an error returned by Execute.
func UserMessage(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return userMessage(re.Op, re.Err)
	}
	var rbe *RollbackError
	if errors.As(err, &rbe) {
		return userMessage(rbe.Op, rbe.Remote)
	}
	return provider.UserMessage(err)
}

func userMessage(op string, err error) string {
	if provider.IsUnauthorized(err) {
		return provider.UserMessage(err)
	}
	var fe *provider.FetchError
	if errors.As(err, &fe) && fe.Transport() {
		return provider.UserMessage(err)
	}
	return "Could not " + op
}

// guard runs fn, converting a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
