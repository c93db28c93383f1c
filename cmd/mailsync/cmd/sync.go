package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/wesm/mailsync/internal/mailbox"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
	syncer "github.com/wesm/mailsync/internal/sync"
)

var (
	syncFolders  []string
	syncQuery    string
	syncNoResume bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [email]",
	Short: "Apply changes since the last sync",
	Long: `Fetch provider changes since the stored checkpoint and apply them to
the cache, then refresh drafts. An account that has never been synced, or
whose checkpoint the provider no longer accepts, gets a full sync instead.

If no email is specified, syncs all stored accounts sequentially.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEachAccount(cmd.Context(), args, func(ctx context.Context, e *syncer.Engine) (*syncer.Summary, error) {
			summary, err := e.Partial(ctx)
			if err != nil {
				return nil, err
			}
			drafts, err := e.Drafts(ctx)
			if err != nil {
				return summary, fmt.Errorf("drafts: %w", err)
			}
			summary.DraftsFound = drafts.DraftsFound
			return summary, nil
		})
	},
}

var syncFullCmd = &cobra.Command{
	Use:   "sync-full [email]",
	Short: "Re-list every tracked folder",
	Long: `List every tracked folder from the provider and rewrite the cache
from it. Interrupted runs resume from the last listed page; run again to
continue.

Examples:
  mailsync sync-full
  mailsync sync-full you@gmail.com --folder INBOX --folder SENT
  mailsync sync-full you@gmail.com --query "from:boss@example.com"
  mailsync sync-full you@gmail.com --noresume`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var targets []provider.Target
		for _, f := range syncFolders {
			targets = append(targets, provider.Target{Folder: strings.ToUpper(f)})
		}
		if syncQuery != "" {
			targets = append(targets, provider.Target{Query: syncQuery})
		}
		return forEachAccount(cmd.Context(), args, func(ctx context.Context, e *syncer.Engine) (*syncer.Summary, error) {
			return e.Full(ctx, targets...)
		})
	},
}

func init() {
	syncFullCmd.Flags().StringSliceVar(&syncFolders, "folder", nil, "folder to list (repeatable; default: all tracked folders)")
	syncFullCmd.Flags().StringVar(&syncQuery, "query", "", "provider search query to list")
	syncFullCmd.Flags().BoolVar(&syncNoResume, "noresume", false, "ignore saved page cursors")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(syncFullCmd)
}

type syncPass func(ctx context.Context, e *syncer.Engine) (*syncer.Summary, error)

// forEachAccount runs pass for every selected account, collecting failures.
func forEachAccount(ctx context.Context, args []string, pass syncPass) error {
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	accts, err := resolveAccounts(ctx, s, args)
	if err != nil {
		return err
	}
	factory, err := newFactory()
	if err != nil {
		return err
	}

	var syncErrors []string
	for _, acct := range accts {
		if ctx.Err() != nil {
			break
		}
		if err := runSync(ctx, s, factory, acct, pass); err != nil {
			syncErrors = append(syncErrors, fmt.Sprintf("%s: %v", acct.Email, err))
		}
	}
	if len(syncErrors) > 0 {
		fmt.Println()
		fmt.Println("Errors:")
		for _, e := range syncErrors {
			fmt.Printf("  %s\n", e)
		}
		return fmt.Errorf("%d account(s) failed to sync", len(syncErrors))
	}
	return nil
}

// syncOptions builds engine options from the [sync] config section.
func syncOptions() (*syncer.Options, error) {
	opts := syncer.DefaultOptions()
	if cfg.Sync.Concurrency > 0 {
		opts.Concurrency = cfg.Sync.Concurrency
	}
	format, err := provider.ParseFormat(cfg.Sync.Format)
	if err != nil {
		return nil, fmt.Errorf("sync.format: %w", err)
	}
	opts.Format = format
	return opts, nil
}

func runSync(ctx context.Context, s *store.Store, factory mailbox.Factory, acct provider.Account, pass syncPass) error {
	adapter, err := factory(ctx, acct)
	if err != nil {
		if provider.IsUnauthorized(err) {
			return fmt.Errorf("%w (run 'add-account %s' to sign in again)", err, acct.Email)
		}
		return err
	}

	opts, err := syncOptions()
	if err != nil {
		return err
	}
	opts.NoResume = syncNoResume
	engine := syncer.New(adapter, s, opts).
		WithLogger(logger).
		WithProgress(newCLIProgress())

	fmt.Printf("Syncing %s (%s)\n", acct.Email, acct.Provider)
	summary, err := pass(ctx, engine)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Println("\nSync interrupted. Run again to resume.")
			return nil
		}
		return fmt.Errorf("sync failed: %w", err)
	}
	printSummary(summary)
	logger.Info("sync completed",
		"email", acct.Email,
		"type", summary.Type,
		"threads_updated", summary.ThreadsUpdated,
		"elapsed", summary.Duration,
	)
	return nil
}

func printSummary(summary *syncer.Summary) {
	fmt.Println()
	fmt.Println("Sync complete!")
	fmt.Printf("  Type:          %s\n", summary.Type)
	fmt.Printf("  Duration:      %s\n", summary.Duration.Round(time.Millisecond))
	fmt.Printf("  Threads:       %d found, %d updated, %d deleted\n",
		summary.ThreadsFound, summary.ThreadsUpdated, summary.ThreadsDeleted)
	if summary.DraftsFound > 0 {
		fmt.Printf("  Drafts:        %d\n", summary.DraftsFound)
	}
	if summary.Errors > 0 {
		fmt.Printf("  Errors:        %d\n", summary.Errors)
	}
	if summary.WasResumed {
		fmt.Printf("  (Resumed from checkpoint)\n")
	}
	if summary.FellBack {
		fmt.Printf("  (Checkpoint expired, ran a full sync)\n")
	}
	fmt.Println()
}

// CLIProgress prints throttled sync progress. The running counter line is
// only redrawn when stdout is a terminal.
type CLIProgress struct {
	live      bool
	startTime time.Time
	lastPrint time.Time
	target    string
	processed int64
	updated   int64
}

func newCLIProgress() *CLIProgress {
	fd := os.Stdout.Fd()
	return &CLIProgress{live: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)}
}

func (p *CLIProgress) OnStart(syncType, target string) {
	now := time.Now()
	p.startTime = now
	p.lastPrint = now
	p.target = target
	if target != "" {
		fmt.Printf("  %s %s\n", syncType, target)
	}
}

func (p *CLIProgress) OnPage(processed, updated int64) {
	p.processed = processed
	p.updated = updated
	if p.startTime.IsZero() {
		p.startTime = time.Now()
		p.lastPrint = p.startTime
	}
	if !p.live || time.Since(p.lastPrint) < 2*time.Second {
		return
	}
	p.lastPrint = time.Now()
	fmt.Printf("\r  Threads: %d | Updated: %d | Elapsed: %s    ",
		p.processed, p.updated, formatDuration(time.Since(p.startTime)))
}

func (p *CLIProgress) OnComplete(*syncer.Summary) {
	if p.live && p.processed > 0 {
		fmt.Println()
	}
}

// formatDuration formats a duration as "Xm Ys" or "Xh Ym" for readability.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
