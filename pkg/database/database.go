package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// DB is a Store backed by SQLite
type DB struct {
	conn *sql.DB
	mu   sync.Mutex // Serializes operations so each one is atomic
}

// Open opens a connection to the SQLite database at the given path,
// initializes the schema, and seeds it if no users exist yet
func Open(path string, seed []SeedUser) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: every operation already runs under db.mu, and an
	// in-memory database only exists inside the connection that created it
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := db.seed(context.Background(), seed); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to seed users: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS User (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS Friend (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		friend_id INTEGER NOT NULL,
		UNIQUE (owner_id, friend_id),
		FOREIGN KEY (owner_id) REFERENCES User(id) ON DELETE CASCADE,
		FOREIGN KEY (friend_id) REFERENCES User(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_friend_owner ON Friend(owner_id, id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// seed inserts users and friendships only when the User table is empty
func (db *DB) seed(ctx context.Context, users []SeedUser) error {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM User").Scan(&count); err != nil {
		return err
	}
	if count > 0 || len(users) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range users {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO User (name, password) VALUES (?, ?)", u.Name, u.Password); err != nil {
			return fmt.Errorf("insert user %s: %w", u.Name, err)
		}
	}
	for _, u := range users {
		for _, f := range u.Friends {
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO Friend (owner_id, friend_id)
				SELECT o.id, f.id FROM User o, User f WHERE o.name = ? AND f.name = ?`, u.Name, f)
			if err != nil {
				return fmt.Errorf("insert friend %s->%s: %w", u.Name, f, err)
			}
		}
	}

	return tx.Commit()
}

// userID returns the row ID for name, or ErrUnknownUser
func userID(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, name string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, "SELECT id FROM User WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownUser
	}
	return id, err
}

// Authenticate checks user's password
func (db *DB) Authenticate(ctx context.Context, user, password string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var stored string
	err := db.conn.QueryRowContext(ctx, "SELECT password FROM User WHERE name = ?", user).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if stored != password {
		return ErrInvalidCredentials
	}
	return nil
}

// ListFriends returns user's friends in the order they were added
func (db *DB) ListFriends(ctx context.Context, user string) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := userID(ctx, db.conn, user); err != nil {
		return nil, err
	}
	return db.friendsLocked(ctx, user)
}

func (db *DB) friendsLocked(ctx context.Context, user string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT f.name FROM Friend fr
		JOIN User o ON o.id = fr.owner_id
		JOIN User f ON f.id = fr.friend_id
		WHERE o.name = ?
		ORDER BY fr.id`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}
	defer rows.Close()

	friends := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		friends = append(friends, name)
	}
	return friends, rows.Err()
}

// Search returns users containing phrase who are neither owner nor owner's friends
func (db *DB) Search(ctx context.Context, owner, phrase string) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	ownerID, err := userID(ctx, db.conn, owner)
	if err != nil {
		return nil, err
	}

	// instr() keeps the match case-sensitive and free of LIKE wildcards
	rows, err := db.conn.QueryContext(ctx, `
		SELECT name FROM User
		WHERE id != ?
		  AND instr(name, ?) > 0
		  AND id NOT IN (SELECT friend_id FROM Friend WHERE owner_id = ?)
		ORDER BY id`, ownerID, phrase, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	results := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		results = append(results, name)
	}
	return results, rows.Err()
}

// AddFriend adds the friendship in both directions in one transaction
func (db *DB) AddFriend(ctx context.Context, owner, user string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ownerID, err := userID(ctx, tx, owner)
	if err != nil {
		return err
	}
	targetID, err := userID(ctx, tx, user)
	if err != nil {
		return err
	}
	if ownerID == targetID {
		return ErrSelfFriend
	}

	res, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO Friend (owner_id, friend_id) VALUES (?, ?)", ownerID, targetID)
	if err != nil {
		return fmt.Errorf("failed to add friend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyFriends
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO Friend (owner_id, friend_id) VALUES (?, ?)", targetID, ownerID); err != nil {
		return fmt.Errorf("failed to add reverse friend: %w", err)
	}

	return tx.Commit()
}

// DelFriend removes the friendship in both directions in one transaction
func (db *DB) DelFriend(ctx context.Context, owner, user string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ownerID, err := userID(ctx, tx, owner)
	if errors.Is(err, ErrUnknownUser) {
		return ErrNotFriends
	}
	if err != nil {
		return err
	}
	targetID, err := userID(ctx, tx, user)
	if errors.Is(err, ErrUnknownUser) {
		return ErrNotFriends
	}
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM Friend WHERE owner_id = ? AND friend_id = ?", ownerID, targetID)
	if err != nil {
		return fmt.Errorf("failed to delete friend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFriends
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM Friend WHERE owner_id = ? AND friend_id = ?", targetID, ownerID); err != nil {
		return fmt.Errorf("failed to delete reverse friend: %w", err)
	}

	return tx.Commit()
}
