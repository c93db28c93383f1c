// Package config handles loading and managing mailsync configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment names accepted in MAILSYNC_ENV.
const (
	EnvProd  = "prod"
	EnvLocal = "local"
)

const (
	defaultGmailURL = "https://gmail.googleapis.com/gmail/v1"
	defaultGraphURL = "https://graph.microsoft.com/v1.0"
	localGmailURL   = "http://localhost:4010/gmail/v1"
	localGraphURL   = "http://localhost:4010/graph/v1.0"
)

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	APIPort    int    `toml:"api_port"`    // HTTP server port (default: 8484)
	BindAddr   string `toml:"bind_addr"`   // Listen address (default: 127.0.0.1)
	APIKey     string `toml:"api_key"`     // API authentication key
	PublicURL  string `toml:"public_url"`  // Base URL providers post webhooks to
	MaxClients int    `toml:"max_clients"` // Concurrent websocket clients

	CORSOrigins []string `toml:"cors_origins"` // Origins allowed to call the API from a browser
}

// AccountSchedule defines the sync schedule for a single account.
type AccountSchedule struct {
	Email    string `toml:"email"`
	Schedule string `toml:"schedule"` // Cron expression (e.g., "*/5 * * * *")
	Enabled  bool   `toml:"enabled"`
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// OAuthConfig holds provider app credentials.
type OAuthConfig struct {
	GoogleClientSecrets   string `toml:"google_client_secrets"` // Path to client_secret.json
	MicrosoftClientID     string `toml:"microsoft_client_id"`
	MicrosoftClientSecret string `toml:"microsoft_client_secret"`
	MicrosoftTenant       string `toml:"microsoft_tenant"`
	TokenStore            string `toml:"token_store"` // "keyring" or "file"
}

// SyncConfig holds sync-related configuration.
type SyncConfig struct {
	RateLimitQPS    int    `toml:"rate_limit_qps"`
	Concurrency     int    `toml:"concurrency"`
	DefaultSchedule string `toml:"default_schedule"`
	DraftDebounceMS int    `toml:"draft_debounce_ms"`
	// Format is the thread format list syncs fetch: "metadata" or "full".
	Format string `toml:"format"`
}

// PushConfig holds push notification configuration.
type PushConfig struct {
	Enabled       bool   `toml:"enabled"`
	GmailTopic    string `toml:"gmail_topic"`
	RenewSchedule string `toml:"renew_schedule"`
}

// LocalConfig holds the endpoints used when MAILSYNC_ENV=local.
type LocalConfig struct {
	GmailURL string `toml:"gmail_url"`
	GraphURL string `toml:"graph_url"`
}

// Config represents the mailsync configuration.
type Config struct {
	Data     DataConfig        `toml:"data"`
	OAuth    OAuthConfig       `toml:"oauth"`
	Sync     SyncConfig        `toml:"sync"`
	Server   ServerConfig      `toml:"server"`
	Push     PushConfig        `toml:"push"`
	Local    LocalConfig       `toml:"local"`
	Accounts []AccountSchedule `toml:"accounts"`

	// Computed (not from config file)
	HomeDir string `toml:"-"`
	Env     string `toml:"-"`
}

// DefaultHome returns the default mailsync home directory.
// Respects the MAILSYNC_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILSYNC_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailsync"
	}
	return filepath.Join(home, ".mailsync")
}

// Environment returns MAILSYNC_ENV, defaulting to prod.
func Environment() string {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("MAILSYNC_ENV"))) {
	case EnvLocal:
		return EnvLocal
	default:
		return EnvProd
	}
}

func defaults(homeDir string) *Config {
	return &Config{
		HomeDir: homeDir,
		Env:     EnvProd,
		Data:    DataConfig{DataDir: homeDir},
		OAuth:   OAuthConfig{MicrosoftTenant: "common", TokenStore: "keyring"},
		Sync: SyncConfig{
			RateLimitQPS:    5,
			Concurrency:     10,
			DefaultSchedule: "*/5 * * * *",
			DraftDebounceMS: 2000,
			Format:          "metadata",
		},
		Server: ServerConfig{
			APIPort:    8484,
			BindAddr:   "127.0.0.1",
			MaxClients: 16,
		},
		Push:     PushConfig{RenewSchedule: "0 */6 * * *"},
		Local:    LocalConfig{GmailURL: localGmailURL, GraphURL: localGraphURL},
		Accounts: []AccountSchedule{},
	}
}

// Load reads the configuration from path. If path is empty, uses
// $MAILSYNC_HOME/config.toml. A missing file yields the defaults. In the
// local environment a .env file in the home directory (or the working
// directory) is loaded first; variables already set win.
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()
	env := Environment()
	if env == EnvLocal {
		for _, f := range []string{filepath.Join(homeDir, ".env"), ".env"} {
			if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("load %s: %w", f, err)
			}
		}
		// .env may move the home directory.
		homeDir = DefaultHome()
	}

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := defaults(homeDir)
	cfg.Env = env

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	cfg.applyEnv()
	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.OAuth.GoogleClientSecrets = expandPath(cfg.OAuth.GoogleClientSecrets)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets come from the environment instead of the file.
func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Server.APIKey, "MAILSYNC_API_KEY")
	set(&c.OAuth.GoogleClientSecrets, "MAILSYNC_GOOGLE_CLIENT_SECRETS")
	set(&c.OAuth.MicrosoftClientID, "MAILSYNC_MICROSOFT_CLIENT_ID")
	set(&c.OAuth.MicrosoftClientSecret, "MAILSYNC_MICROSOFT_CLIENT_SECRET")
	set(&c.Push.GmailTopic, "MAILSYNC_GMAIL_TOPIC")
}

// Validate checks values that would otherwise fail later.
func (c *Config) Validate() error {
	if c.Server.APIPort <= 0 || c.Server.APIPort > 65535 {
		return fmt.Errorf("server.api_port %d out of range", c.Server.APIPort)
	}
	switch c.OAuth.TokenStore {
	case "keyring", "file":
	default:
		return fmt.Errorf("oauth.token_store must be \"keyring\" or \"file\", got %q", c.OAuth.TokenStore)
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive")
	}
	switch c.Sync.Format {
	case "", "metadata", "full":
	default:
		return fmt.Errorf("sync.format must be \"metadata\" or \"full\", got %q", c.Sync.Format)
	}
	if !c.IsLoopback() && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required when binding to %s", c.Server.BindAddr)
	}
	return nil
}

// IsLoopback reports whether the API binds to a loopback address only.
func (c *Config) IsLoopback() bool {
	switch c.Server.BindAddr {
	case "", "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

// GraphWebhookURL returns the URL Graph posts change notifications to, or
// "" without a public URL.
func (c *Config) GraphWebhookURL() string {
	if c.Server.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + "/api/v1/webhooks/graph"
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.DataDir, "mailsync.db")
}

// TokensDir returns the path to the file token store.
func (c *Config) TokensDir() string {
	return filepath.Join(c.Data.DataDir, "tokens")
}

// GmailBaseURL returns the Gmail REST endpoint for the environment.
func (c *Config) GmailBaseURL() string {
	if c.Env == EnvLocal {
		return c.Local.GmailURL
	}
	return defaultGmailURL
}

// GraphBaseURL returns the Graph endpoint for the environment.
func (c *Config) GraphBaseURL() string {
	if c.Env == EnvLocal {
		return c.Local.GraphURL
	}
	return defaultGraphURL
}

// DraftDebounce returns the draft edit quiet period.
func (c *Config) DraftDebounce() time.Duration {
	return time.Duration(c.Sync.DraftDebounceMS) * time.Millisecond
}

// ScheduledAccounts returns accounts with scheduling enabled.
func (c *Config) ScheduledAccounts() []AccountSchedule {
	var scheduled []AccountSchedule
	for _, acc := range c.Accounts {
		if acc.Enabled && acc.Schedule != "" {
			scheduled = append(scheduled, acc)
		}
	}
	return scheduled
}

// ScheduleFor returns the cron expression for email: its own entry when
// present (empty when disabled), otherwise the default schedule.
func (c *Config) ScheduleFor(email string) string {
	for _, acc := range c.Accounts {
		if strings.EqualFold(acc.Email, email) {
			if !acc.Enabled {
				return ""
			}
			return acc.Schedule
		}
	}
	return c.Sync.DefaultSchedule
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
