// Package draft manages locally authored drafts from compose to send.
//
// A draft is written to the cache first under a local id so it shows up
// immediately. Edits update the cache at once and reach the provider
// after a quiet period. The first successful remote save confirms the
// draft and moves its cached message (and, for a new conversation, its
// thread) under the ids the provider assigned.
package draft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/mailsync/internal/events"
	"github.com/wesm/mailsync/internal/folder"
	"github.com/wesm/mailsync/internal/mime"
	"github.com/wesm/mailsync/internal/mutation"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
	"github.com/wesm/mailsync/internal/textutil"
)

// DefaultDebounce is how long edits wait for quiet before a remote save.
const DefaultDebounce = 2 * time.Second

var (
	// ErrNotActive is returned when saving or sending a discarded or sent draft.
	ErrNotActive = errors.New("draft is not active")

	// ErrNoRecipients is returned when sending a draft addressed to nobody.
	ErrNoRecipients = errors.New("no recipients")
)

// Remote is the provider surface the service needs.
type Remote interface {
	Kind() provider.Kind
	Account() string
	SaveDraft(ctx context.Context, d provider.Draft) (*provider.RemoteDraft, error)
	SendDraft(ctx context.Context, remoteID string) error
}

// SyncFunc refreshes the cache after a send.
type SyncFunc func(ctx context.Context) error

// Compose describes a new draft. An empty ThreadID starts a new
// conversation.
type Compose struct {
	ThreadID  string
	To        string
	Cc        string
	Bcc       string
	Subject   string
	HTML      string
	ReplyType provider.ReplyType
	InReplyTo string
}

// Changes is a partial edit. Nil fields are left alone.
type Changes struct {
	To      *string
	Cc      *string
	Bcc     *string
	Subject *string
	HTML    *string
}

// Service owns the drafts of one account.
type Service struct {
	store    *store.Store
	remote   Remote
	muts     *mutation.Mutations
	syncer   SyncFunc
	logger   *slog.Logger
	events   events.Publisher
	debounce time.Duration
	now      func() time.Time

	saveMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvents sets the change publisher.
func WithEvents(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// WithSyncer sets what runs after a send.
func WithSyncer(sy SyncFunc) Option {
	return func(s *Service) { s.syncer = sy }
}

// WithDebounce sets the edit quiet period. Zero saves on Flush only.
func WithDebounce(d time.Duration) Option {
	return func(s *Service) { s.debounce = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the draft service for remote's account. Discards go
// through muts so they roll back like any other mutation.
func NewService(st *store.Store, remote Remote, muts *mutation.Mutations, opts ...Option) *Service {
	s := &Service{
		store:    st,
		remote:   remote,
		muts:     muts,
		logger:   slog.Default(),
		events:   events.Discard,
		debounce: DefaultDebounce,
		now:      time.Now,
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) account() string { return s.remote.Account() }

// Create writes a new draft to the cache and returns it. Nothing is sent
// to the provider until the first save.
func (s *Service) Create(ctx context.Context, c Compose) (*provider.Draft, error) {
	id := provider.LocalIDPrefix + uuid.NewString()
	d := provider.Draft{
		ID:           id,
		AccountEmail: s.account(),
		Provider:     s.remote.Kind(),
		MessageID:    id,
		ThreadID:     c.ThreadID,
		To:           c.To,
		Cc:           c.Cc,
		Bcc:          c.Bcc,
		Subject:      c.Subject,
		HTML:         c.HTML,
		ReplyType:    c.ReplyType,
		InReplyTo:    c.InReplyTo,
		Status:       provider.DraftActive,
		State:        provider.LocalOnly,
		UpdatedAt:    s.now().UTC(),
	}
	if d.ReplyType == "" {
		d.ReplyType = provider.Standalone
	}
	standalone := d.ThreadID == ""
	if standalone {
		d.ThreadID = id
	}

	err := s.store.Update(ctx, func(tx *store.Tx) error {
		if !standalone {
			ok, err := tx.ThreadExists(ctx, d.AccountEmail, d.ThreadID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("thread %s: %w", d.ThreadID, store.ErrNotFound)
			}
		}
		if err := tx.PutDraft(ctx, d); err != nil {
			return err
		}
		msg := s.message(d)
		if standalone {
			return tx.PutThreadData(ctx, &provider.ThreadData{
				Thread: provider.Thread{
					ID:           d.ThreadID,
					AccountEmail: d.AccountEmail,
					From:         d.AccountEmail,
					Subject:      d.Subject,
					Snippet:      msg.Snippet,
					LastActivity: d.UpdatedAt,
					Labels:       []string{folder.Drafts},
				},
				Messages: []provider.Message{msg},
			})
		}
		return tx.PutMessage(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	s.changed(d.ID, d.ThreadID)
	return &d, nil
}

// message renders the cached message row for d.
func (s *Service) message(d provider.Draft) provider.Message {
	text := mime.StripHTML(d.HTML)
	return provider.Message{
		ID:           d.MessageID,
		ThreadID:     d.ThreadID,
		AccountEmail: d.AccountEmail,
		Labels:       []string{folder.Drafts},
		From:         d.AccountEmail,
		To:           mime.SplitAddresses(d.To),
		Cc:           mime.SplitAddresses(d.Cc),
		Snippet:      textutil.Snippet(text, 200),
		Headers:      []provider.Header{{Name: "Subject", Value: d.Subject}},
		Text:         text,
		HTML:         d.HTML,
		Date:         d.UpdatedAt,
	}
}

// Edit applies ch to the cached draft and schedules a remote save.
func (s *Service) Edit(ctx context.Context, id string, ch Changes) (*provider.Draft, error) {
	var d *provider.Draft
	err := s.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		d, err = tx.GetDraft(ctx, id)
		if err != nil {
			return err
		}
		if d.Status != provider.DraftActive {
			return fmt.Errorf("edit %s: %w", id, ErrNotActive)
		}
		apply(d, ch)
		d.UpdatedAt = s.now().UTC()
		if err := tx.PutDraft(ctx, *d); err != nil {
			return err
		}
		if _, err := tx.GetMessage(ctx, d.AccountEmail, d.MessageID); errors.Is(err, store.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		return tx.PutMessage(ctx, s.message(*d))
	})
	if err != nil {
		return nil, err
	}
	s.changed(d.ID, d.ThreadID)
	s.schedule(id)
	return d, nil
}

func apply(d *provider.Draft, ch Changes) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&d.To, ch.To)
	set(&d.Cc, ch.Cc)
	set(&d.Bcc, ch.Bcc)
	set(&d.Subject, ch.Subject)
	set(&d.HTML, ch.HTML)
}

// schedule (re)starts the quiet-period timer for id.
func (s *Service) schedule(id string) {
	if s.debounce <= 0 {
		s.mu.Lock()
		if _, ok := s.pending[id]; !ok && !s.closed {
			s.pending[id] = nil
		}
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t := s.pending[id]; t != nil {
		t.Stop()
	}
	s.pending[id] = time.AfterFunc(s.debounce, func() {
		if !s.take(id) {
			return
		}
		if _, err := s.Save(context.Background(), id); err != nil {
			s.logger.Warn("debounced draft save failed", "draft", id, "error", err)
		}
	})
}

// take removes id's pending save and reports whether there was one.
func (s *Service) take(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pending[id]
	if !ok {
		return false
	}
	if t != nil {
		t.Stop()
	}
	delete(s.pending, id)
	return true
}

// Pending reports whether id has edits not yet saved remotely.
func (s *Service) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// Flush saves id now if it has a pending edit.
func (s *Service) Flush(ctx context.Context, id string) error {
	if !s.take(id) {
		return nil
	}
	_, err := s.Save(ctx, id)
	return err
}

// FlushAll saves every draft with a pending edit.
func (s *Service) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		if err := s.Flush(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("flush draft %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close cancels every pending save.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.pending {
		if t != nil {
			t.Stop()
		}
		delete(s.pending, id)
	}
}

// Save persists the draft remotely and reconciles the cache with the ids
// the provider returned. A failed save restores the previous state.
func (s *Service) Save(ctx context.Context, id string) (*provider.Draft, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	d, err := s.store.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != provider.DraftActive {
		return nil, fmt.Errorf("save %s: %w", id, ErrNotActive)
	}
	prevState := d.State
	if err := s.setState(ctx, id, provider.RemotePending); err != nil {
		return nil, err
	}

	rd, err := s.remote.SaveDraft(ctx, *d)
	if err != nil {
		if rerr := s.setState(context.WithoutCancel(ctx), id, prevState); rerr != nil {
			s.logger.Error("restore draft state", "draft", id, "error", rerr)
		}
		return nil, fmt.Errorf("save draft %s: %w", id, err)
	}

	var migrated bool
	err = s.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		migrated, err = tx.ReconcileDraft(ctx, id, *rd)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile draft %s: %w", id, err)
	}
	saved, err := s.store.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if migrated {
		s.logger.Debug("draft keys migrated", "draft", id,
			"old_thread", d.ThreadID, "thread", saved.ThreadID,
			"old_message", d.MessageID, "message", saved.MessageID)
		s.changed(id, d.ThreadID, saved.ThreadID)
	} else {
		s.changed(id)
	}
	return saved, nil
}

func (s *Service) setState(ctx context.Context, id string, state provider.DraftState) error {
	return s.store.Update(ctx, func(tx *store.Tx) error {
		d, err := tx.GetDraft(ctx, id)
		if err != nil {
			return err
		}
		d.State = state
		return tx.PutDraft(ctx, *d)
	})
}

// Send flushes pending edits, sends the draft and refreshes the cache.
func (s *Service) Send(ctx context.Context, id string) error {
	if err := s.Flush(ctx, id); err != nil {
		return err
	}
	d, err := s.store.GetDraft(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != provider.DraftActive {
		return fmt.Errorf("send %s: %w", id, ErrNotActive)
	}
	if strings.TrimSpace(d.To+d.Cc+d.Bcc) == "" {
		return fmt.Errorf("send %s: %w", id, ErrNoRecipients)
	}
	if d.RemoteID == "" || d.State != provider.RemoteConfirmed {
		if d, err = s.Save(ctx, id); err != nil {
			return err
		}
	}
	if err := s.remote.SendDraft(ctx, d.RemoteID); err != nil {
		return fmt.Errorf("send draft %s: %w", id, err)
	}
	err = s.store.Update(ctx, func(tx *store.Tx) error {
		return tx.SetDraftStatus(ctx, id, provider.DraftSent)
	})
	if err != nil {
		return err
	}
	s.changed(id, d.ThreadID)
	if s.syncer != nil {
		if err := s.syncer(ctx); err != nil {
			s.logger.Warn("sync after send failed", "draft", id, "error", err)
		}
	}
	return nil
}

// SendNow sends a composed message without creating a draft. Providers
// that cannot send directly get a short-lived remote draft instead.
func (s *Service) SendNow(ctx context.Context, c Compose) error {
	if strings.TrimSpace(c.To+c.Cc+c.Bcc) == "" {
		return fmt.Errorf("send: %w", ErrNoRecipients)
	}
	d := provider.Draft{
		AccountEmail: s.account(),
		Provider:     s.remote.Kind(),
		ThreadID:     c.ThreadID,
		To:           c.To,
		Cc:           c.Cc,
		Bcc:          c.Bcc,
		Subject:      c.Subject,
		HTML:         c.HTML,
		ReplyType:    c.ReplyType,
		InReplyTo:    c.InReplyTo,
		Status:       provider.DraftActive,
		UpdatedAt:    s.now().UTC(),
	}
	if d.ReplyType == "" {
		d.ReplyType = provider.Standalone
	}
	if sender, ok := s.remote.(provider.MessageSender); ok {
		if err := sender.SendMessage(ctx, d); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	} else {
		rd, err := s.remote.SaveDraft(ctx, d)
		if err != nil {
			return fmt.Errorf("save outgoing draft: %w", err)
		}
		if err := s.remote.SendDraft(ctx, rd.RemoteID); err != nil {
			return fmt.Errorf("send outgoing draft: %w", err)
		}
	}
	if s.syncer != nil {
		if err := s.syncer(ctx); err != nil {
			s.logger.Warn("sync after send failed", "thread", c.ThreadID, "error", err)
		}
	}
	return nil
}

// Discard marks the draft discarded and deletes the remote copy. A
// conversation that only existed for this draft is removed from the
// cache.
func (s *Service) Discard(ctx context.Context, id string) error {
	s.take(id)
	if err := s.muts.DiscardDraft(ctx, id); err != nil {
		return err
	}
	d, err := s.store.GetDraft(ctx, id)
	if err != nil {
		return err
	}
	if !provider.IsLocalID(d.ThreadID) {
		return nil
	}
	err = s.store.Update(ctx, func(tx *store.Tx) error {
		return tx.DeleteThread(ctx, d.AccountEmail, d.ThreadID)
	})
	if err != nil {
		return err
	}
	s.changed("", d.ThreadID)
	return nil
}

// Active returns the canonical draft of a thread.
func (s *Service) Active(ctx context.Context, threadID string) (*provider.Draft, error) {
	return s.store.ActiveDraftForThread(ctx, s.account(), threadID)
}

// List returns the account's drafts with the given status, newest first.
func (s *Service) List(ctx context.Context, status provider.DraftStatus) ([]provider.Draft, error) {
	return s.store.ListDrafts(ctx, store.DraftQuery{Account: s.account(), Status: status})
}

func (s *Service) changed(draftID string, threadIDs ...string) {
	if draftID != "" {
		s.events.Publish(events.Event{Kind: events.DraftsChanged, Account: s.account(), DraftID: draftID})
	}
	var ids []string
	for _, t := range threadIDs {
		if t != "" && !slices.Contains(ids, t) {
			ids = append(ids, t)
		}
	}
	if len(ids) > 0 {
		s.events.Publish(events.Event{Kind: events.ThreadsChanged, Account: s.account(), ThreadIDs: ids})
	}
}
