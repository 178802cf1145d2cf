package auth

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/vantorre/antigravity-relay/internal/config"

	// Pure-Go SQLite driver; no CGO toolchain needed on any platform.
	_ "modernc.org/sqlite"
)

// HostAuthStatus is the login state stored by the desktop app.
type HostAuthStatus struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// ReadHostAuthStatus pulls the auth status row out of the app database.
// An empty path uses the platform default location.
func ReadHostAuthStatus(dbPath string) (*HostAuthStatus, error) {
	if dbPath == "" {
		dbPath = config.HostDatabasePath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("host database not found at %s; install Antigravity and sign in first", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open host database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no auth status in host database; sign in to Antigravity first")
	}
	if err != nil {
		return nil, fmt.Errorf("query host database: %w", err)
	}

	var status HostAuthStatus
	if err := json.Unmarshal([]byte(value), &status); err != nil {
		return nil, fmt.Errorf("parse host auth status: %w", err)
	}
	if status.APIKey == "" {
		return nil, fmt.Errorf("host auth status has no apiKey")
	}
	return &status, nil
}

// HostDatabaseAccessible reports whether the app database exists and opens.
func HostDatabaseAccessible(dbPath string) bool {
	if dbPath == "" {
		dbPath = config.HostDatabasePath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false
	}
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return false
	}
	defer db.Close()
	return db.Ping() == nil
}
