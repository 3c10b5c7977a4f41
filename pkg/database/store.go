package database

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCredentials indicates an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnknownUser indicates that one of the identities does not exist.
	ErrUnknownUser = errors.New("unknown user")
	// ErrNotFriends indicates a delete for a user who is not on the friend list.
	ErrNotFriends = errors.New("not friends")
	// ErrAlreadyFriends indicates an add for a user who is already a friend.
	ErrAlreadyFriends = errors.New("already friends")
	// ErrSelfFriend indicates an attempt to befriend oneself.
	ErrSelfFriend = errors.New("cannot befriend self")
)

// Wire reasons carried in ERROR responses. Each fits one 16-byte field.
const (
	ReasonInvalidCred    = "Invalid Cred"
	ReasonInvalidUser    = "Invalid user"
	ReasonInvalidAddUser = "Invalid User"
	ReasonInvalidUsers   = "Invalid Users"
	ReasonAlreadyFriends = "Already friends"
	ReasonServerError    = "Server error"
)

// Store is the credential and friend-list collaborator used by sessions.
// Every operation is atomic with respect to the others.
type Store interface {
	Authenticate(ctx context.Context, user, password string) error
	// ListFriends returns the user's friends in insertion order.
	ListFriends(ctx context.Context, user string) ([]string, error)
	// Search returns users whose name contains phrase, excluding owner and
	// owner's friends, in insertion order.
	Search(ctx context.Context, owner, phrase string) ([]string, error)
	// AddFriend makes owner and user friends of each other.
	AddFriend(ctx context.Context, owner, user string) error
	// DelFriend removes the friendship in both directions.
	DelFriend(ctx context.Context, owner, user string) error
	Close() error
}

// Reason maps a store error to the text sent back to the client.
// Anything that is not an application failure becomes ReasonServerError.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return ReasonInvalidCred
	case errors.Is(err, ErrUnknownUser):
		return ReasonInvalidUser
	case errors.Is(err, ErrSelfFriend):
		return ReasonInvalidAddUser
	case errors.Is(err, ErrNotFriends):
		return ReasonInvalidUsers
	case errors.Is(err, ErrAlreadyFriends):
		return ReasonAlreadyFriends
	default:
		return ReasonServerError
	}
}

// IsApplicationError reports whether err is an expected, recoverable outcome
// rather than a backend failure.
func IsApplicationError(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrUnknownUser) ||
		errors.Is(err, ErrNotFriends) ||
		errors.Is(err, ErrAlreadyFriends) ||
		errors.Is(err, ErrSelfFriend)
}

// SeedUser is one account created when a store starts empty
type SeedUser struct {
	Name     string   `toml:"name"`
	Password string   `toml:"password"`
	Friends  []string `toml:"friends"`
}

// DefaultSeed returns the demo accounts the server ships with
func DefaultSeed() []SeedUser {
	return []SeedUser{
		{Name: "andrei", Password: "dorin", Friends: []string{"safa", "cameron", "kenny", "colbert"}},
		{Name: "cameron", Password: "graybill", Friends: []string{"andrei"}},
		{Name: "safa", Password: "aman", Friends: []string{"andrei"}},
		{Name: "michael", Password: "kain", Friends: []string{}},
		{Name: "kenny", Password: "li", Friends: []string{"andrei"}},
		{Name: "colbert", Password: "zhu", Friends: []string{"andrei"}},
	}
}
