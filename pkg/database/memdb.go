package database

import (
	"context"
	"slices"
	"strings"
	"sync"
)

type memUser struct {
	password string
	friends  []string
}

// MemDB is an in-memory Store. Contents are lost when the process exits.
type MemDB struct {
	mu    sync.RWMutex
	users map[string]*memUser
	order []string // insertion order, used for search results
}

// NewMemDB creates an in-memory store populated with seed
func NewMemDB(seed []SeedUser) *MemDB {
	db := &MemDB{users: make(map[string]*memUser)}
	for _, u := range seed {
		if _, exists := db.users[u.Name]; exists {
			continue
		}
		db.users[u.Name] = &memUser{password: u.Password, friends: slices.Clone(u.Friends)}
		db.order = append(db.order, u.Name)
	}
	return db
}

// Authenticate checks user's password
func (db *MemDB) Authenticate(ctx context.Context, user, password string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	u, ok := db.users[user]
	if !ok || u.password != password {
		return ErrInvalidCredentials
	}
	return nil
}

// ListFriends returns a copy of user's friend list
func (db *MemDB) ListFriends(ctx context.Context, user string) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	u, ok := db.users[user]
	if !ok {
		return nil, ErrUnknownUser
	}
	return slices.Clone(u.friends), nil
}

// Search returns users containing phrase who are neither owner nor owner's friends
func (db *MemDB) Search(ctx context.Context, owner, phrase string) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	o, ok := db.users[owner]
	if !ok {
		return nil, ErrUnknownUser
	}

	results := []string{}
	for _, name := range db.order {
		if name == owner || slices.Contains(o.friends, name) {
			continue
		}
		if strings.Contains(name, phrase) {
			results = append(results, name)
		}
	}
	return results, nil
}

// AddFriend adds the friendship in both directions
func (db *MemDB) AddFriend(ctx context.Context, owner, user string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	o, ok := db.users[owner]
	if !ok {
		return ErrUnknownUser
	}
	u, ok := db.users[user]
	if !ok {
		return ErrUnknownUser
	}
	if owner == user {
		return ErrSelfFriend
	}
	if slices.Contains(o.friends, user) {
		return ErrAlreadyFriends
	}

	o.friends = append(o.friends, user)
	if !slices.Contains(u.friends, owner) {
		u.friends = append(u.friends, owner)
	}
	return nil
}

// DelFriend removes the friendship in both directions
func (db *MemDB) DelFriend(ctx context.Context, owner, user string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	o, ok := db.users[owner]
	if !ok || !slices.Contains(o.friends, user) {
		return ErrNotFriends
	}

	o.friends = slices.DeleteFunc(o.friends, func(f string) bool { return f == user })
	if u, ok := db.users[user]; ok {
		u.friends = slices.DeleteFunc(u.friends, func(f string) bool { return f == owner })
	}
	return nil
}

// Close is a no-op for the in-memory store
func (db *MemDB) Close() error {
	return nil
}
