package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesm/mailsync/internal/config"
	"github.com/wesm/mailsync/internal/fileutil"
	"github.com/wesm/mailsync/internal/mailbox"
	"github.com/wesm/mailsync/internal/oauth"
	"github.com/wesm/mailsync/internal/provider"
	"github.com/wesm/mailsync/internal/store"
)

var (
	cfgFile string
	verbose bool
	useMock bool // serve every account from in-memory provider mocks
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailsync",
	Short: "Local mailbox cache for Gmail and Outlook",
	Long: `mailsync keeps a local SQLite copy of Gmail and Outlook mailboxes in
step with the provider and serves it to a UI over a local HTTP API.

Changes made through the API apply to the cache at once and are then sent
to the provider; a rejected change is undone locally.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := fileutil.MkdirPrivate(cfg.HomeDir); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.HomeDir, err)
		}
		return nil
	},
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func openStore(ctx context.Context) (*store.Store, error) {
	s, err := store.Open(ctx, cfg.DatabasePath(), store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return s, nil
}

// openTokens opens the configured token store.
func openTokens() (oauth.TokenStore, error) {
	switch strings.ToLower(cfg.OAuth.TokenStore) {
	case "file":
		return oauth.NewFileStore(cfg.TokensDir()), nil
	case "", "keyring":
		ks, err := oauth.OpenKeyring(cfg.TokensDir())
		if err != nil {
			return nil, err
		}
		return ks, nil
	default:
		return nil, fmt.Errorf("unknown token_store %q (want keyring or file)", cfg.OAuth.TokenStore)
	}
}

func newOAuthManager() (*oauth.Manager, error) {
	tokens, err := openTokens()
	if err != nil {
		return nil, err
	}
	mgr, err := oauth.NewManager(oauth.Credentials{
		GoogleClientSecrets:   cfg.OAuth.GoogleClientSecrets,
		MicrosoftClientID:     cfg.OAuth.MicrosoftClientID,
		MicrosoftClientSecret: cfg.OAuth.MicrosoftClientSecret,
		MicrosoftTenant:       cfg.OAuth.MicrosoftTenant,
	}, tokens, logger)
	if err != nil {
		return nil, wrapOAuthError(err)
	}
	return mgr, nil
}

// newFactory returns the adapter factory for this run.
func newFactory() (mailbox.Factory, error) {
	if useMock {
		logger.Warn("serving accounts from in-memory mocks")
		return mailbox.MockFactory(logger), nil
	}
	mgr, err := newOAuthManager()
	if err != nil {
		return nil, err
	}
	return mailbox.ProviderFactory(cfg, mgr, logger), nil
}

// wrapOAuthError adds setup instructions to a missing credentials error.
func wrapOAuthError(err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w\n\nSet [oauth] google_client_secrets in %s to your client_secret.json", err, cfgPath())
	}
	return err
}

func cfgPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(cfg.HomeDir, "config.toml")
}

// resolveAccounts returns the stored accounts, or just args[0] when given.
func resolveAccounts(ctx context.Context, s *store.Store, args []string) ([]provider.Account, error) {
	if len(args) == 1 {
		acct, err := s.GetAccount(ctx, args[0])
		if err != nil {
			return nil, fmt.Errorf("account %s: %w (run 'add-account' first)", args[0], err)
		}
		return []provider.Account{*acct}, nil
	}
	accts, err := s.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if len(accts) == 0 {
		return nil, fmt.Errorf("no accounts configured - run 'add-account' first")
	}
	return accts, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.mailsync/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&useMock, "mock", false, "use in-memory provider mocks instead of the network")
}
