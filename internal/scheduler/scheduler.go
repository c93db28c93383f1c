// Package scheduler runs per-account partial syncs on cron schedules and
// on demand.
package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SyncFunc runs one sync pass for an account.
type SyncFunc func(ctx context.Context, email string) error

// AccountStatus represents the sync status of an account.
type AccountStatus struct {
	Email     string    `json:"email"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	NextRun   time.Time `json:"nextRun,omitempty"`
	Schedule  string    `json:"schedule,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

type account struct {
	entry    cron.EntryID
	schedule string
	running  bool
	rerun    bool
	lastRun  time.Time
	lastErr  error
}

// Scheduler owns the cron loop and the per-account run state. At most one
// sync per account runs at a time; a trigger that arrives while one is
// running queues exactly one follow-up pass.
type Scheduler struct {
	cron     *cron.Cron
	syncFunc SyncFunc
	logger   *slog.Logger

	mu       sync.Mutex
	accounts map[string]*account

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a Scheduler that calls syncFunc.
func New(syncFunc SyncFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(cron.WithParser(parser)),
		syncFunc: syncFunc,
		logger:   slog.Default(),
		accounts: make(map[string]*account),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Scheduler) get(email string) *account {
	a, ok := s.accounts[email]
	if !ok {
		a = &account{}
		s.accounts[email] = a
	}
	return a
}

// Schedule runs email's sync on cronExpr, replacing any earlier schedule.
// An empty expression removes the schedule but keeps the account
// triggerable.
func (s *Scheduler) Schedule(email, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.get(email)
	if a.entry != 0 {
		s.cron.Remove(a.entry)
		a.entry, a.schedule = 0, ""
	}
	if cronExpr == "" {
		return nil
	}
	id, err := s.cron.AddFunc(cronExpr, func() { s.kick(email) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	a.entry, a.schedule = id, cronExpr
	s.logger.Info("scheduled sync", "email", email, "schedule", cronExpr, "next_run", s.cron.Entry(id).Next)
	return nil
}

// ScheduleAll schedules every email using scheduleFor. It returns how many
// got a schedule and the errors for the rest.
func (s *Scheduler) ScheduleAll(emails []string, scheduleFor func(email string) string) (int, []error) {
	var errs []error
	n := 0
	for _, email := range emails {
		expr := scheduleFor(email)
		if err := s.Schedule(email, expr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", email, err))
			continue
		}
		if expr != "" {
			n++
		}
	}
	return n, errs
}

// Remove forgets an account entirely.
func (s *Scheduler) Remove(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[email]; ok {
		if a.entry != 0 {
			s.cron.Remove(a.entry)
		}
		delete(s.accounts, email)
		s.logger.Info("removed schedule", "email", email)
	}
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	n := len(s.accounts)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "accounts", n)
}

// IsRunning reports whether the scheduler has been started and not stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Stop halts the cron loop, cancels running syncs and returns a context
// that is done once every sync has returned.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	ctx, done := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		done()
	}()
	return ctx
}

// Trigger runs email's sync now. If one is already running, another pass
// follows it. Unknown accounts are accepted.
func (s *Scheduler) Trigger(email string) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	s.kick(email)
	return nil
}

// kick starts a run for email or queues a follow-up.
func (s *Scheduler) kick(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	a := s.get(email)
	if a.running {
		a.rerun = true
		return
	}
	a.running = true
	s.wg.Add(1)
	go s.run(email)
}

// run executes syncs for email until no follow-up is queued. The caller
// has set running and called wg.Add.
func (s *Scheduler) run(email string) {
	defer s.wg.Done()
	for {
		s.logger.Info("starting sync", "email", email)
		start := time.Now()
		err := s.syncFunc(s.ctx, email)

		s.mu.Lock()
		a := s.get(email)
		if err != nil {
			a.lastErr = err
			s.logger.Error("sync failed", "email", email, "duration", time.Since(start), "error", err)
		} else {
			a.lastRun = time.Now()
			a.lastErr = nil
			s.logger.Info("sync completed", "email", email, "duration", time.Since(start))
		}
		if !a.rerun || s.stopped {
			a.running, a.rerun = false, false
			s.mu.Unlock()
			return
		}
		a.rerun = false
		s.mu.Unlock()
	}
}

// IsScheduled reports whether email has a cron schedule.
func (s *Scheduler) IsScheduled(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[email]
	return ok && a.entry != 0
}

// Status returns the state of every known account, sorted by email.
func (s *Scheduler) Status() []AccountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]AccountStatus, 0, len(s.accounts))
	for email, a := range s.accounts {
		st := AccountStatus{
			Email:    email,
			Running:  a.running,
			LastRun:  a.lastRun,
			Schedule: a.schedule,
		}
		if a.entry != 0 {
			// Entry.Next stays zero until the cron runner starts.
			entry := s.cron.Entry(a.entry)
			st.NextRun = entry.Next
			if st.NextRun.IsZero() && entry.Schedule != nil {
				st.NextRun = entry.Schedule.Next(time.Now())
			}
		}
		if a.lastErr != nil {
			st.LastError = a.lastErr.Error()
		}
		statuses = append(statuses, st)
	}
	slices.SortFunc(statuses, func(x, y AccountStatus) int { return cmp.Compare(x.Email, y.Email) })
	return statuses
}

// ValidateCronExpr validates a cron expression without scheduling anything.
func ValidateCronExpr(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
