package oauth

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"

	"github.com/wesm/mailsync/internal/fileutil"
)

// ErrNoToken is returned when no token is stored for an account.
var ErrNoToken = errors.New("no stored token")

// TokenStore persists OAuth tokens per account.
type TokenStore interface {
	Load(email string) (*StoredToken, error)
	Save(email string, t *StoredToken) error
	Delete(email string) error
}

// StoredToken is an OAuth2 token with the scopes it was granted for.
type StoredToken struct {
	oauth2.Token
	Scopes []string `json:"scopes,omitempty"`
}

const keyringService = "mailsync"

// KeyringStore keeps tokens in the system keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the system keyring, falling back to an encrypted file
// under fileDir where no native backend exists.
func OpenKeyring(fileDir string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(keyringService + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// NewKeyringStore wraps an already opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func keyringKey(email string) string {
	return "token:" + strings.ToLower(email)
}

// Load reads the token for email.
func (s *KeyringStore) Load(email string) (*StoredToken, error) {
	item, err := s.ring.Get(keyringKey(email))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", email, ErrNoToken)
	}
	if err != nil {
		return nil, fmt.Errorf("getting token for %s: %w", email, err)
	}
	return decodeToken(item.Data)
}

// Save writes the token for email.
func (s *KeyringStore) Save(email string, t *StoredToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	err = s.ring.Set(keyring.Item{
		Key:         keyringKey(email),
		Data:        data,
		Label:       "mailsync token for " + email,
		Description: "OAuth token",
	})
	if err != nil {
		return fmt.Errorf("setting token for %s: %w", email, err)
	}
	return nil
}

// Delete removes the token for email. A missing token is not an error.
func (s *KeyringStore) Delete(email string) error {
	err := s.ring.Remove(keyringKey(email))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting token for %s: %w", email, err)
	}
	return nil
}

// FileStore keeps tokens as JSON files, one per account.
type FileStore struct {
	dir string
}

// NewFileStore stores tokens under dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Load reads the token for email. Files written before scopes were
// recorded decode with empty Scopes.
func (s *FileStore) Load(email string) (*StoredToken, error) {
	data, err := os.ReadFile(s.path(email))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", email, ErrNoToken)
	}
	if err != nil {
		return nil, err
	}
	return decodeToken(data)
}

// Save writes the token atomically with owner-only permissions.
func (s *FileStore) Save(email string, t *StoredToken) error {
	if err := fileutil.MkdirPrivate(s.dir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WritePrivate(s.path(email), data)
}

// Delete removes the token file for email.
func (s *FileStore) Delete(email string) error {
	err := os.Remove(s.path(email))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// path returns the token file for email, which never escapes dir.
func (s *FileStore) path(email string) string {
	safe := strings.ReplaceAll(email, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")

	p := filepath.Clean(filepath.Join(s.dir, safe+".json"))
	if !strings.HasPrefix(p, filepath.Clean(s.dir)+string(filepath.Separator)) {
		return filepath.Join(s.dir, fmt.Sprintf("%x.json", sha256.Sum256([]byte(email))))
	}
	return p
}

func decodeToken(data []byte) (*StoredToken, error) {
	var t StoredToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &t, nil
}
