// Package mailbox assembles the per-account pieces (provider adapter, sync
// engine, mutations and drafts) and keeps one set per account.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/wesm/mailsync/internal/config"
	"github.com/wesm/mailsync/internal/draft"
	"github.com/wesm/mailsync/internal/events"
	"github.com/wesm/mailsync/internal/gmail"
	"github.com/wesm/mailsync/internal/mutation"
	"github.com/wesm/mailsync/internal/oauth"
	"github.com/wesm/mailsync/internal/outlook"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
	syncer "github.com/wesm/mailsync/internal/sync"
)

// Mailbox is everything bound to one account.
type Mailbox struct {
	Account   provider.Account
	Adapter   provider.Adapter
	Engine    *syncer.Engine
	Mutations *mutation.Mutations
	Drafts    *draft.Service
}

// Factory builds the provider adapter for an account.
type Factory func(ctx context.Context, acct provider.Account) (provider.Adapter, error)

// Registry opens mailboxes on first use and caches them.
type Registry struct {
	store    *store.Store
	factory  Factory
	logger   *slog.Logger
	events   events.Publisher
	syncOpts *syncer.Options
	debounce time.Duration

	mu    sync.Mutex
	boxes map[string]*Mailbox
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEvents sets the change publisher handed to every mailbox.
func WithEvents(p events.Publisher) Option {
	return func(r *Registry) {
		if p != nil {
			r.events = p
		}
	}
}

// WithSyncOptions sets the engine options.
func WithSyncOptions(opts *syncer.Options) Option {
	return func(r *Registry) { r.syncOpts = opts }
}

// WithDraftDebounce sets the draft edit quiet period.
func WithDraftDebounce(d time.Duration) Option {
	return func(r *Registry) { r.debounce = d }
}

// NewRegistry creates an empty registry.
func NewRegistry(st *store.Store, factory Factory, opts ...Option) *Registry {
	r := &Registry{
		store:    st,
		factory:  factory,
		logger:   slog.Default(),
		events:   events.Discard,
		debounce: draft.DefaultDebounce,
		boxes:    make(map[string]*Mailbox),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open returns the mailbox for email, building it on first use.
func (r *Registry) Open(ctx context.Context, email string) (*Mailbox, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	r.mu.Lock()
	defer r.mu.Unlock()
	if mb, ok := r.boxes[email]; ok {
		return mb, nil
	}

	acct, err := r.store.GetAccount(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("open mailbox %s: %w", email, err)
	}
	adapter, err := r.factory(ctx, *acct)
	if err != nil {
		return nil, fmt.Errorf("open mailbox %s: %w", email, err)
	}

	opts := syncer.DefaultOptions()
	if r.syncOpts != nil {
		o := *r.syncOpts
		opts = &o
	}
	engine := syncer.New(adapter, r.store, opts).WithLogger(r.logger).WithEvents(r.events)

	coord := mutation.NewCoordinator(r.store, mutation.WithLogger(r.logger), mutation.WithEvents(r.events))
	muts := mutation.New(adapter, coord)

	drafts := draft.NewService(r.store, adapter, muts,
		draft.WithLogger(r.logger),
		draft.WithEvents(r.events),
		draft.WithDebounce(r.debounce),
		draft.WithSyncer(func(ctx context.Context) error {
			_, err := engine.Partial(ctx)
			return err
		}),
	)

	mb := &Mailbox{Account: *acct, Adapter: adapter, Engine: engine, Mutations: muts, Drafts: drafts}
	r.boxes[email] = mb
	r.logger.Debug("opened mailbox", "email", email, "provider", acct.Provider)
	return mb, nil
}

// Sync runs a partial sync followed by a draft sync for email.
func (r *Registry) Sync(ctx context.Context, email string) error {
	mb, err := r.Open(ctx, email)
	if err != nil {
		return err
	}
	if _, err := mb.Engine.Partial(ctx); err != nil {
		return err
	}
	if _, err := mb.Engine.Drafts(ctx); err != nil {
		return fmt.Errorf("sync drafts: %w", err)
	}
	return nil
}

// Opened returns the emails of the open mailboxes, sorted.
func (r *Registry) Opened() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	emails := make([]string, 0, len(r.boxes))
	for email := range r.boxes {
		emails = append(emails, email)
	}
	slices.Sort(emails)
	return emails
}

// Close saves pending draft edits for email and forgets its mailbox.
func (r *Registry) Close(ctx context.Context, email string) error {
	email = strings.ToLower(email)
	r.mu.Lock()
	mb, ok := r.boxes[email]
	delete(r.boxes, email)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	err := mb.Drafts.FlushAll(ctx)
	mb.Drafts.Close()
	return err
}

// CloseAll closes every open mailbox.
func (r *Registry) CloseAll(ctx context.Context) error {
	var errs []error
	for _, email := range r.Opened() {
		if err := r.Close(ctx, email); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", email, err))
		}
	}
	return errors.Join(errs...)
}

// ProviderFactory builds real Gmail and Graph clients authorized through
// tokens, pointed at the configured base URLs.
func ProviderFactory(cfg *config.Config, tokens *oauth.Manager, logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, acct provider.Account) (provider.Adapter, error) {
		ts, err := tokens.TokenSource(ctx, acct)
		if err != nil {
			return nil, err
		}
		switch acct.Provider {
		case provider.Google:
			client := gmail.NewClient(ts,
				gmail.WithBaseURL(cfg.GmailBaseURL()),
				gmail.WithLogger(logger),
				gmail.WithRateLimiter(gmail.NewRateLimiter(float64(cfg.Sync.RateLimitQPS))),
			)
			return gmail.NewAdapter(client, acct.Email, logger), nil
		case provider.Outlook:
			opts := []outlook.ClientOption{
				outlook.WithBaseURL(cfg.GraphBaseURL()),
				outlook.WithLogger(logger),
			}
			if qps := cfg.Sync.RateLimitQPS; qps > 0 {
				opts = append(opts, outlook.WithRateLimit(float64(qps), qps))
			}
			client := outlook.NewClient(ts, opts...)
			return outlook.NewAdapter(client, acct.Email, logger), nil
		default:
			return nil, fmt.Errorf("unsupported provider %q", acct.Provider)
		}
	}
}

// MockFactory serves every account from in-memory provider mocks. The
// mocks are created on first use and shared for the process lifetime.
func MockFactory(logger *slog.Logger) Factory {
	var mu sync.Mutex
	gm := make(map[string]*gmail.MockAPI)
	om := make(map[string]*outlook.MockAPI)
	return func(_ context.Context, acct provider.Account) (provider.Adapter, error) {
		mu.Lock()
		defer mu.Unlock()
		switch acct.Provider {
		case provider.Google:
			api, ok := gm[acct.Email]
			if !ok {
				api = gmail.NewMockAPI(acct.Email)
				gm[acct.Email] = api
			}
			return gmail.NewAdapter(api, acct.Email, logger), nil
		case provider.Outlook:
			api, ok := om[acct.Email]
			if !ok {
				api = outlook.NewMockAPI()
				om[acct.Email] = api
			}
			return outlook.NewAdapter(api, acct.Email, logger), nil
		default:
			return nil, fmt.Errorf("unsupported provider %q", acct.Provider)
		}
	}
}
