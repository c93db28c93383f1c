// Package push keeps provider change notifications flowing and turns each
// notification into a sync trigger for the affected account.
//
// Gmail publishes mailbox changes to a Cloud Pub/Sub topic, which pushes
// to our webhook. Graph posts directly to a notification URL registered
// by subscription. Both channels expire and are renewed on a schedule.
package push

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/wesm/mailsync/internal/mailbox"
	"github.com/wesm/mailsync/internal/outlook"
	"github.com/wesm/mailsync/internal/provider"
)

// DefaultLifetime is how long a Graph subscription is requested for. Mail
// subscriptions are capped just under three days.
const DefaultLifetime = 70 * time.Hour

// ErrUnknownSubscription is returned for notifications that do not match
// a live subscription.
var ErrUnknownSubscription = errors.New("unknown subscription")

// Opener returns the mailbox for an account.
type Opener interface {
	Open(ctx context.Context, email string) (*mailbox.Mailbox, error)
}

// Trigger starts a sync for an account.
type Trigger interface {
	Trigger(email string) error
}

type gmailWatcher interface {
	Watch(ctx context.Context, topic string) (time.Time, error)
	StopWatch(ctx context.Context) error
}

type graphSubscriber interface {
	Subscribe(ctx context.Context, notificationURL, clientState string, expiry time.Time) (string, time.Time, error)
	Renew(ctx context.Context, subscriptionID string, expiry time.Time) error
	Unsubscribe(ctx context.Context, subscriptionID string) error
}

// Config configures push registration.
type Config struct {
	GmailTopic      string        // projects/<project>/topics/<topic>
	NotificationURL string        // public Graph webhook URL
	RenewSchedule   string        // cron expression
	Lifetime        time.Duration // Graph subscription lifetime
}

// Subscription is a live push channel for one account.
type Subscription struct {
	Email       string        `json:"email"`
	Provider    provider.Kind `json:"provider"`
	ID          string        `json:"id,omitempty"`
	Expiry      time.Time     `json:"expiry"`
	clientState string
}

// Manager registers, renews and dispatches push notifications.
type Manager struct {
	mailboxes Opener
	trigger   Trigger
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	cron      *cron.Cron

	mu   sync.Mutex
	subs map[string]*Subscription // by email
}

// New creates a Manager.
func New(mailboxes Opener, trigger Trigger, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	return &Manager{
		mailboxes: mailboxes,
		trigger:   trigger,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		cron:      cron.New(),
		subs:      make(map[string]*Subscription),
	}
}

// Register starts push for email, renewing an existing channel in place.
func (m *Manager) Register(ctx context.Context, email string) (*Subscription, error) {
	mb, err := m.mailboxes.Open(ctx, email)
	if err != nil {
		return nil, err
	}
	email = mb.Account.Email

	m.mu.Lock()
	prev := m.subs[email]
	m.mu.Unlock()

	var sub *Subscription
	switch a := mb.Adapter.(type) {
	case gmailWatcher:
		if m.cfg.GmailTopic == "" {
			return nil, fmt.Errorf("push for %s: no Pub/Sub topic configured", email)
		}
		exp, err := a.Watch(ctx, m.cfg.GmailTopic)
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", email, err)
		}
		sub = &Subscription{Email: email, Provider: provider.Google, Expiry: exp}
	case graphSubscriber:
		sub, err = m.subscribeGraph(ctx, email, a, prev)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("push for %s: %s adapter does not support push", email, mb.Adapter.Kind())
	}

	m.mu.Lock()
	m.subs[email] = sub
	m.mu.Unlock()
	m.logger.Info("push registered", "email", email, "provider", sub.Provider, "expiry", sub.Expiry)
	return sub, nil
}

func (m *Manager) subscribeGraph(ctx context.Context, email string, a graphSubscriber, prev *Subscription) (*Subscription, error) {
	if m.cfg.NotificationURL == "" {
		return nil, fmt.Errorf("push for %s: no public notification URL configured", email)
	}
	expiry := m.now().Add(m.cfg.Lifetime).UTC()
	if prev != nil && prev.ID != "" {
		err := a.Renew(ctx, prev.ID, expiry)
		if err == nil {
			return &Subscription{Email: email, Provider: provider.Outlook, ID: prev.ID, Expiry: expiry, clientState: prev.clientState}, nil
		}
		if !provider.IsNotFound(err) {
			return nil, fmt.Errorf("renew subscription for %s: %w", email, err)
		}
		m.logger.Info("subscription expired, creating a new one", "email", email)
	}
	state := uuid.NewString()
	id, exp, err := a.Subscribe(ctx, m.cfg.NotificationURL, state, expiry)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", email, err)
	}
	return &Subscription{Email: email, Provider: provider.Outlook, ID: id, Expiry: exp, clientState: state}, nil
}

// Unregister stops push for email.
func (m *Manager) Unregister(ctx context.Context, email string) error {
	email = strings.ToLower(email)
	m.mu.Lock()
	sub, ok := m.subs[email]
	delete(m.subs, email)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	mb, err := m.mailboxes.Open(ctx, email)
	if err != nil {
		return err
	}
	switch a := mb.Adapter.(type) {
	case gmailWatcher:
		return a.StopWatch(ctx)
	case graphSubscriber:
		if err := a.Unsubscribe(ctx, sub.ID); err != nil && !provider.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// RenewAll re-registers every account with a channel.
func (m *Manager) RenewAll(ctx context.Context) []error {
	var errs []error
	for _, sub := range m.Subscriptions() {
		if _, err := m.Register(ctx, sub.Email); err != nil {
			m.logger.Warn("push renewal failed", "email", sub.Email, "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}

// Start renews channels on the configured schedule.
func (m *Manager) Start() error {
	if m.cfg.RenewSchedule != "" {
		if _, err := m.cron.AddFunc(m.cfg.RenewSchedule, func() {
			m.RenewAll(context.Background())
		}); err != nil {
			return fmt.Errorf("invalid renew schedule %q: %w", m.cfg.RenewSchedule, err)
		}
	}
	m.cron.Start()
	return nil
}

// Stop halts renewal and waits for a running renewal to finish.
func (m *Manager) Stop() {
	<-m.cron.Stop().Done()
}

// Subscriptions returns the live channels sorted by email.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Subscription) int { return cmp.Compare(a.Email, b.Email) })
	return out
}

// pubsubPush is the envelope Cloud Pub/Sub posts to push endpoints.
type pubsubPush struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// HandleGmail triggers a sync for the account named in a Pub/Sub push.
// It returns the account email.
func (m *Manager) HandleGmail(body []byte) (string, error) {
	var env pubsubPush
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("decode push envelope: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return "", fmt.Errorf("decode push data: %w", err)
	}
	var n gmailNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("decode push data: %w", err)
	}
	email := strings.ToLower(n.EmailAddress)

	m.mu.Lock()
	sub, ok := m.subs[email]
	m.mu.Unlock()
	if !ok || sub.Provider != provider.Google {
		return "", fmt.Errorf("%w: gmail %s", ErrUnknownSubscription, email)
	}
	m.logger.Debug("gmail push", "email", email, "history_id", n.HistoryID)
	return email, m.trigger.Trigger(email)
}

// HandleGraph triggers a sync for every account named by a Graph
// notification batch. Notifications whose client state does not match
// the subscription are dropped. It returns the triggered emails.
func (m *Manager) HandleGraph(body []byte) ([]string, error) {
	notes, err := outlook.ParseNotifications(body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	byID := make(map[string]*Subscription, len(m.subs))
	for _, s := range m.subs {
		if s.Provider == provider.Outlook {
			byID[s.ID] = s
		}
	}
	m.mu.Unlock()

	var emails []string
	var errs []error
	for _, n := range notes {
		sub, ok := byID[n.SubscriptionID]
		if !ok || sub.clientState != n.ClientState {
			m.logger.Warn("dropping graph notification", "subscription", n.SubscriptionID)
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownSubscription, n.SubscriptionID))
			continue
		}
		if slices.Contains(emails, sub.Email) {
			continue
		}
		emails = append(emails, sub.Email)
		if err := m.trigger.Trigger(sub.Email); err != nil {
			errs = append(errs, err)
		}
	}
	return emails, errors.Join(errs...)
}
