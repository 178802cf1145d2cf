package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vantorre/antigravity-relay/internal/config"
)

// Settings is the persisted runtime state that is not per-account.
type Settings struct {
	Strategy string `json:"strategy,omitempty"`
}

// File is the on-disk shape of the accounts file.
type File struct {
	Accounts            []*Account     `json:"accounts"`
	Settings            Settings       `json:"settings"`
	ActiveIndex         int            `json:"activeIndex"`
	ActiveIndexByFamily map[string]int `json:"activeIndexByFamily,omitempty"`
}

// Store reads and writes the accounts file. Writes go through a temp file
// and rename, serialized by a mutex, so a crash never leaves a torn file.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store for the given path.
func NewStore(path string) *Store {
	if path == "" {
		path = config.DefaultAccountsPath()
	}
	return &Store{path: path}
}

// Path returns the accounts file location.
func (s *Store) Path() string { return s.path }

// Load reads and normalizes the accounts file. A missing file yields an
// empty pool.
func (s *Store) Load() (*File, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{ActiveIndexByFamily: map[string]int{}}, nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", s.path, err)
	}
	normalize(&f)
	return &f, nil
}

// Save writes the file atomically. The temp file lands in the target
// directory so the rename stays on one filesystem.
func (s *Store) Save(f *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts file: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace accounts file: %w", err)
	}
	return nil
}

// normalize applies the startup rules: duplicate emails dropped (first
// occurrence wins), isInvalid cleared unless a verification URL is pending,
// and selection indices clamped into range.
func normalize(f *File) {
	seen := make(map[string]bool, len(f.Accounts))
	accounts := f.Accounts[:0]
	for _, acc := range f.Accounts {
		if acc == nil || acc.Email == "" || seen[acc.Email] {
			continue
		}
		seen[acc.Email] = true
		if acc.IsInvalid && acc.VerifyURL == "" {
			acc.IsInvalid = false
			acc.InvalidReason = ""
		}
		accounts = append(accounts, acc)
	}
	f.Accounts = accounts

	n := len(f.Accounts)
	if n == 0 {
		f.ActiveIndex = 0
	} else if f.ActiveIndex < 0 || f.ActiveIndex >= n {
		f.ActiveIndex = 0
	}
	if f.ActiveIndexByFamily == nil {
		// Families inherit the plain index so sticky selection resumes
		// where round-robin left off.
		f.ActiveIndexByFamily = map[string]int{
			string(config.FamilyClaude): f.ActiveIndex,
			string(config.FamilyGemini): f.ActiveIndex,
		}
	}
	for fam, idx := range f.ActiveIndexByFamily {
		if n == 0 || idx < 0 || idx >= n {
			f.ActiveIndexByFamily[fam] = 0
		}
	}
}

// FindAccount returns the account with the given email, nil when absent.
func (f *File) FindAccount(email string) *Account {
	for _, acc := range f.Accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

// AddAccount appends or replaces an account by email. Returns true when an
// existing entry was replaced.
func (f *File) AddAccount(acc *Account) bool {
	for i, existing := range f.Accounts {
		if existing.Email == acc.Email {
			f.Accounts[i] = acc
			return true
		}
	}
	f.Accounts = append(f.Accounts, acc)
	return false
}

// RemoveAccount deletes an account by email. Returns false when absent.
func (f *File) RemoveAccount(email string) bool {
	for i, acc := range f.Accounts {
		if acc.Email == email {
			f.Accounts = append(f.Accounts[:i], f.Accounts[i+1:]...)
			n := len(f.Accounts)
			if n == 0 || f.ActiveIndex >= n {
				f.ActiveIndex = 0
			}
			for fam, idx := range f.ActiveIndexByFamily {
				if n == 0 || idx >= n {
					f.ActiveIndexByFamily[fam] = 0
				}
			}
			return true
		}
	}
	return false
}
