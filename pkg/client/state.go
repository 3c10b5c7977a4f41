package client

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryEntry is one stored conversation line
type HistoryEntry struct {
	At   time.Time
	From string
	Text string
	Own  bool // Sent by this client
}

// State manages client-side persistent state
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// DefaultStatePath returns $XDG_DATA_HOME/wisp/state.db, falling back to
// ~/.local/share when XDG_DATA_HOME is unset
func DefaultStatePath() (string, error) {
	xdgData := os.Getenv("XDG_DATA_HOME")
	if xdgData == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		xdgData = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(xdgData, "wisp", "state.db"), nil
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS Config (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS History (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			server TEXT NOT NULL,
			peer   TEXT NOT NULL,
			sender TEXT NOT NULL,
			text   TEXT NOT NULL,
			own    INTEGER NOT NULL,
			at     INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_peer ON History (server, peer, id);
	`)
	return err
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetLastUser returns the last user that signed in successfully
func (s *State) GetLastUser() string {
	user, _ := s.GetConfig("last_user")
	return user
}

// SetLastUser stores the last user that signed in successfully
func (s *State) SetLastUser(user string) error {
	return s.SetConfig("last_user", user)
}

// GetLastServer returns the address of the last server connected to
func (s *State) GetLastServer() string {
	addr, _ := s.GetConfig("last_server")
	return addr
}

// SetLastServer stores the address of the last server connected to
func (s *State) SetLastServer(addr string) error {
	return s.SetConfig("last_server", addr)
}

// AppendHistory stores one conversation line with peer on server
func (s *State) AppendHistory(server, peer string, entry HistoryEntry) error {
	own := 0
	if entry.Own {
		own = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO History (server, peer, sender, text, own, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, server, peer, entry.From, entry.Text, own, entry.At.Unix())
	return err
}

// LoadHistory returns up to limit of the most recent lines with peer on
// server, oldest first
func (s *State) LoadHistory(server, peer string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT sender, text, own, at FROM (
			SELECT id, sender, text, own, at
			FROM History
			WHERE server = ? AND peer = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, server, peer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			entry HistoryEntry
			own   int
			at    int64
		)
		if err := rows.Scan(&entry.From, &entry.Text, &own, &at); err != nil {
			return nil, err
		}
		entry.Own = own != 0
		entry.At = time.Unix(at, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}
