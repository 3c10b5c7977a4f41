package database

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisUsersKey = "wisp:users"

// RedisStore is a Store backed by Redis.
//
// Keys:
//
//	wisp:users            list of names in creation order
//	wisp:user:<name>      hash with the password
//	wisp:friends:<name>   list of friend names in the order they were added
type RedisStore struct {
	client *redis.Client
	mu     sync.Mutex // Makes read-check-write sequences atomic within this process
}

// NewRedisStore connects to redisURL and seeds it when no users exist yet.
func NewRedisStore(ctx context.Context, redisURL string, seed []SeedUser) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	s := &RedisStore{client: client}
	if err := s.seed(ctx, seed); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to seed users: %w", err)
	}
	return s, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func userKey(name string) string {
	return fmt.Sprintf("wisp:user:%s", name)
}

func friendsKey(name string) string {
	return fmt.Sprintf("wisp:friends:%s", name)
}

func (s *RedisStore) seed(ctx context.Context, users []SeedUser) error {
	n, err := s.client.Exists(ctx, redisUsersKey).Result()
	if err != nil {
		return err
	}
	if n > 0 || len(users) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(users))
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range users {
			if seen[u.Name] {
				continue
			}
			seen[u.Name] = true
			pipe.RPush(ctx, redisUsersKey, u.Name)
			pipe.HSet(ctx, userKey(u.Name), "password", u.Password)
			if len(u.Friends) > 0 {
				friends := make([]any, len(u.Friends))
				for i, f := range u.Friends {
					friends[i] = f
				}
				pipe.RPush(ctx, friendsKey(u.Name), friends...)
			}
		}
		return nil
	})
	return err
}

func (s *RedisStore) exists(ctx context.Context, name string) (bool, error) {
	n, err := s.client.Exists(ctx, userKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
	return n > 0, nil
}

// Authenticate checks user's password
func (s *RedisStore) Authenticate(ctx context.Context, user, password string) error {
	stored, err := s.client.HGet(ctx, userKey(user), "password").Result()
	if errors.Is(err, redis.Nil) {
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
func (s *RedisStore) ListFriends(ctx context.Context, user string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.exists(ctx, user)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownUser
	}
	return s.friends(ctx, user)
}

func (s *RedisStore) friends(ctx context.Context, user string) ([]string, error) {
	friends, err := s.client.LRange(ctx, friendsKey(user), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}
	if friends == nil {
		friends = []string{}
	}
	return friends, nil
}

// Search returns users containing phrase who are neither owner nor owner's friends
func (s *RedisStore) Search(ctx context.Context, owner, phrase string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.exists(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownUser
	}

	friends, err := s.friends(ctx, owner)
	if err != nil {
		return nil, err
	}
	names, err := s.client.LRange(ctx, redisUsersKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}

	results := []string{}
	for _, name := range names {
		if name == owner || slices.Contains(friends, name) {
			continue
		}
		if strings.Contains(name, phrase) {
			results = append(results, name)
		}
	}
	return results, nil
}

// AddFriend adds the friendship in both directions
func (s *RedisStore) AddFriend(ctx context.Context, owner, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range []string{owner, user} {
		ok, err := s.exists(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownUser
		}
	}
	if owner == user {
		return ErrSelfFriend
	}

	ownerFriends, err := s.friends(ctx, owner)
	if err != nil {
		return err
	}
	if slices.Contains(ownerFriends, user) {
		return ErrAlreadyFriends
	}
	userFriends, err := s.friends(ctx, user)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, friendsKey(owner), user)
		if !slices.Contains(userFriends, owner) {
			pipe.RPush(ctx, friendsKey(user), owner)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add friend: %w", err)
	}
	return nil
}

// DelFriend removes the friendship in both directions
func (s *RedisStore) DelFriend(ctx context.Context, owner, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ownerFriends, err := s.friends(ctx, owner)
	if err != nil {
		return err
	}
	if !slices.Contains(ownerFriends, user) {
		return ErrNotFriends
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, friendsKey(owner), 0, user)
		pipe.LRem(ctx, friendsKey(user), 0, owner)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete friend: %w", err)
	}
	return nil
}
