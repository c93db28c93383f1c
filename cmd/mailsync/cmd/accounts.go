package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
)

var (
	accountProvider    string
	accountDisplayName string
	forceReauth        bool
	removeAccountYes   bool
	listAccountsJSON   bool
)

var addAccountCmd = &cobra.Command{
	Use:   "add-account <email>",
	Short: "Add a Gmail or Outlook account",
	Long: `Add an account by completing the OAuth2 authorization flow in a browser.

If a token already exists, the command skips authorization. Use --force to
delete the existing token and sign in again.

Examples:
  mailsync add-account you@gmail.com
  mailsync add-account you@outlook.com --provider outlook
  mailsync add-account you@gmail.com --display-name "Work"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		email := strings.ToLower(strings.TrimSpace(args[0]))
		kind, err := provider.ParseKind(accountProvider)
		if err != nil {
			return err
		}

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if !useMock {
			mgr, err := newOAuthManager()
			if err != nil {
				return err
			}
			if forceReauth {
				if err := mgr.DeleteToken(email); err != nil {
					return fmt.Errorf("delete token: %w", err)
				}
			}
			if !mgr.HasToken(email) {
				fmt.Printf("Opening browser to authorize %s...\n", email)
				if err := mgr.Authorizer().Authorize(ctx, kind, email); err != nil {
					return wrapOAuthError(fmt.Errorf("authorize: %w", err))
				}
			} else {
				fmt.Printf("Token for %s already stored.\n", email)
			}
		}

		acct := provider.Account{Email: email, Provider: kind, DisplayName: accountDisplayName}
		if err := s.PutAccount(ctx, acct); err != nil {
			return fmt.Errorf("save account: %w", err)
		}
		fmt.Printf("Account %s added. Run 'mailsync sync %s' to fill the cache.\n", email, email)
		return nil
	},
}

var removeAccountCmd = &cobra.Command{
	Use:   "remove-account <email>",
	Short: "Remove an account and its cached mail",
	Long: `Remove an account with every cached thread, draft, contact and sync
record, and delete its stored token. Mail at the provider is untouched.

Examples:
  mailsync remove-account you@gmail.com
  mailsync remove-account you@gmail.com --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		email := strings.ToLower(args[0])

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		acct, err := s.GetAccount(ctx, email)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("account %q not found", email)
			}
			return fmt.Errorf("look up account: %w", err)
		}
		active, err := s.GetActiveSync(ctx, email)
		if err != nil {
			return fmt.Errorf("check active sync: %w", err)
		}
		if active != nil && !removeAccountYes {
			return fmt.Errorf("account %s has an active sync in progress\nUse --yes to force removal", email)
		}
		stats, err := s.GetStats(ctx, email)
		if err != nil {
			return fmt.Errorf("count threads: %w", err)
		}

		fmt.Printf("Account:  %s\n", acct.Email)
		fmt.Printf("Provider: %s\n", acct.Provider)
		fmt.Printf("Threads:  %d\n", stats.Threads)
		fmt.Printf("Drafts:   %d\n", stats.Drafts)

		if !removeAccountYes {
			fmt.Print("\nRemove this account and its cached mail? [y/N] ")
			scanner := bufio.NewScanner(os.Stdin)
			if !scanner.Scan() {
				return fmt.Errorf("no confirmation read")
			}
			if answer := strings.ToLower(strings.TrimSpace(scanner.Text())); answer != "y" && answer != "yes" {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		if err := s.RemoveAccount(ctx, email); err != nil {
			return fmt.Errorf("remove account: %w", err)
		}
		if !useMock {
			tokens, err := openTokens()
			if err != nil {
				logger.Warn("could not open token store", "error", err)
			} else if err := tokens.Delete(email); err != nil {
				logger.Warn("could not delete token", "email", email, "error", err)
			}
		}
		fmt.Printf("Removed %s.\n", email)
		return nil
	},
}

var listAccountsCmd = &cobra.Command{
	Use:   "list-accounts",
	Short: "List stored accounts",
	Long: `List every account with its cache size and last successful sync.

Examples:
  mailsync list-accounts
  mailsync list-accounts --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		accts, err := s.ListAccounts(ctx)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		if len(accts) == 0 {
			fmt.Println("No accounts found. Use 'mailsync add-account <email>' to add one.")
			return nil
		}

		rows := make([]accountRow, 0, len(accts))
		for _, a := range accts {
			row := accountRow{Email: a.Email, Provider: string(a.Provider), DisplayName: a.DisplayName}
			if stats, err := s.GetStats(ctx, a.Email); err == nil {
				row.Threads = stats.Threads
			}
			if run, err := s.GetLastSuccessfulSync(ctx, a.Email); err == nil && run != nil && run.CompletedAt.Valid {
				row.LastSync = run.CompletedAt.Time.UTC().Format(time.RFC3339)
			}
			rows = append(rows, row)
		}

		if listAccountsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}
		outputAccountsTable(rows)
		return nil
	},
}

type accountRow struct {
	Email       string `json:"email"`
	Provider    string `json:"provider"`
	DisplayName string `json:"display_name,omitempty"`
	Threads     int64  `json:"threads"`
	LastSync    string `json:"last_sync,omitempty"`
}

// maxNameWidth caps the display name column, in terminal cells.
const maxNameWidth = 32

func outputAccountsTable(rows []accountRow) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tPROVIDER\tTHREADS\tLAST SYNC\tDISPLAY NAME")
	for _, r := range rows {
		name, last := r.DisplayName, r.LastSync
		if name == "" {
			name = "-"
		}
		name = runewidth.Truncate(name, maxNameWidth, "...")
		if last == "" {
			last = "never"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.Email, r.Provider, r.Threads, last, name)
	}
	w.Flush()
	fmt.Printf("\n%d account(s)\n", len(rows))
}

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create or migrate the cache database",
	Long: `Create the cache database and apply pending migrations. It is safe
to run more than once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger.Info("initializing database", "path", cfg.DatabasePath())
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.GetStats(ctx, "")
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}
		fmt.Printf("Database: %s\n", s.Path())
		fmt.Printf("  Threads:  %d\n", stats.Threads)
		fmt.Printf("  Messages: %d\n", stats.Messages)
		fmt.Printf("  Drafts:   %d\n", stats.Drafts)
		fmt.Printf("  Contacts: %d\n", stats.Contacts)
		fmt.Printf("  Size:     %.2f MB\n", float64(stats.DBSize)/(1024*1024))
		return nil
	},
}

func init() {
	addAccountCmd.Flags().StringVar(&accountProvider, "provider", "google", "account provider: google or outlook")
	addAccountCmd.Flags().StringVar(&accountDisplayName, "display-name", "", "display name for the account")
	addAccountCmd.Flags().BoolVar(&forceReauth, "force", false, "delete any stored token and sign in again")
	removeAccountCmd.Flags().BoolVarP(&removeAccountYes, "yes", "y", false, "skip confirmation")
	listAccountsCmd.Flags().BoolVar(&listAccountsJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(addAccountCmd)
	rootCmd.AddCommand(removeAccountCmd)
	rootCmd.AddCommand(listAccountsCmd)
	rootCmd.AddCommand(initDBCmd)
}
