package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/mailsync/internal/api"
	"github.com/wesm/mailsync/internal/events"
	"github.com/wesm/mailsync/internal/mailbox"
	"github.com/wesm/mailsync/internal/push"
	"github.com/wesm/mailsync/internal/scheduler"
	"github.com/wesm/mailsync/internal/session"
)

var serveSelect string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon and local API",
	Long: `Run mailsync as a long-running daemon. It serves the local HTTP API,
syncs every stored account on its schedule and, when [push] is enabled,
keeps provider change subscriptions alive.

Schedules come from config.toml; accounts without an entry use
[sync] default_schedule:
  [[accounts]]
  email = "you@gmail.com"
  schedule = "*/2 * * * *"
  enabled = true

Every account is synced once at startup. Use Ctrl+C to stop.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSelect, "select", "", "account to select at startup (default: first stored account)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	factory, err := newFactory()
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)
	hub := events.NewHub(cfg.Server.MaxClients, logger)
	go hub.Run(ctx, bus)

	syncOpts, err := syncOptions()
	if err != nil {
		return err
	}
	reg := mailbox.NewRegistry(s, factory,
		mailbox.WithLogger(logger),
		mailbox.WithEvents(bus),
		mailbox.WithSyncOptions(syncOpts),
		mailbox.WithDraftDebounce(cfg.DraftDebounce()),
	)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := reg.CloseAll(closeCtx); err != nil {
			logger.Error("flush drafts on shutdown", "error", err)
		}
	}()

	sess := session.New(s, bus)
	if err := sess.Restore(ctx, serveSelect); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	accts, err := s.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	emails := make([]string, 0, len(accts))
	for _, a := range accts {
		emails = append(emails, a.Email)
	}

	sched := scheduler.New(reg.Sync).WithLogger(logger)
	count, errs := sched.ScheduleAll(emails, cfg.ScheduleFor)
	for _, err := range errs {
		logger.Error("failed to schedule account", "error", err)
	}
	sched.Start()
	for _, email := range emails {
		if err := sched.Trigger(email); err != nil {
			logger.Warn("startup sync not queued", "email", email, "error", err)
		}
	}

	var pushMgr *push.Manager
	if cfg.Push.Enabled {
		pushMgr = push.New(reg, sched, push.Config{
			GmailTopic:      cfg.Push.GmailTopic,
			NotificationURL: cfg.GraphWebhookURL(),
			RenewSchedule:   cfg.Push.RenewSchedule,
		}, logger)
		for _, email := range emails {
			if _, err := pushMgr.Register(ctx, email); err != nil {
				logger.Warn("push registration failed, relying on schedule", "email", email, "error", err)
			}
		}
		if err := pushMgr.Start(); err != nil {
			return fmt.Errorf("start push renewal: %w", err)
		}
		defer pushMgr.Stop()
	}

	deps := api.Deps{
		Store:     s,
		Mailboxes: reg,
		Scheduler: sched,
		Session:   sess,
		Hub:       hub,
	}
	if pushMgr != nil {
		deps.Push = pushMgr
	}
	apiServer := api.NewServer(cfg, deps, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	fmt.Printf("mailsync daemon started\n")
	fmt.Printf("  API server: http://%s\n", net.JoinHostPort(cfg.Server.BindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Accounts: %d (%d scheduled)\n", len(emails), count)
	fmt.Printf("  Data directory: %s\n", cfg.Data.DataDir)
	if pushMgr != nil {
		fmt.Printf("  Push subscriptions: %d\n", len(pushMgr.Subscriptions()))
	}
	fmt.Println()
	for _, status := range sched.Status() {
		if status.Schedule == "" {
			continue
		}
		fmt.Printf("  %s: next sync at %s\n", status.Email, status.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	select {
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		cancel()
		shutdown(apiServer, sched, pushMgr)
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	shutdown(apiServer, sched, pushMgr)
	return nil
}

func shutdown(apiServer *api.Server, sched *scheduler.Scheduler, pushMgr *push.Manager) {
	fmt.Println("Shutting down API server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}
	if pushMgr != nil {
		for _, sub := range pushMgr.Subscriptions() {
			if err := pushMgr.Unregister(shutdownCtx, sub.Email); err != nil {
				logger.Warn("push unregister failed", "email", sub.Email, "error", err)
			}
		}
	}

	fmt.Println("Waiting for running syncs to complete...")
	select {
	case <-sched.Stop().Done():
		fmt.Println("Shutdown complete.")
	case <-time.After(30 * time.Second):
		fmt.Println("Shutdown timed out after 30 seconds.")
	}
}
