// Package redisstore implements the circlejoin key-value and session stores
// on Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koltyakov/circlejoin/internal/kv"
	"github.com/koltyakov/circlejoin/internal/session"
)

const (
	kvPrefix      = "circle:kv:"
	sessionPrefix = "circle:session:"
	scanBatch     = 256
)

// Store is a kv.Store over a Redis client. Moderation keys live under a
// fixed prefix so the database can be shared.
type Store struct {
	client *redis.Client
}

// Open parses a redis:// URL, connects and pings the server.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Store{client: client}, nil
}

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, kvPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, kvPrefix+key, value, 0).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, kvPrefix+key).Err()
}

// Scan walks every key with SCAN and visits them in key order. Keys removed
// between the SCAN and the read are skipped.
func (s *Store) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	var keys []string
	iter := s.client.Scan(ctx, 0, kvPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	sort.Strings(keys)
	// SCAN may return a key more than once.
	keys = compactSorted(keys)

	for _, full := range keys {
		v, err := s.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(strings.TrimPrefix(full, kvPrefix), v); err != nil {
			return err
		}
	}
	return nil
}

func compactSorted(keys []string) []string {
	out := keys[:0]
	for i, k := range keys {
		if i > 0 && keys[i-1] == k {
			continue
		}
		out = append(out, k)
	}
	return out
}

// SessionStore is the session.Store view of a [Store]. Redis expires the
// records itself at ExpiresAt.
type SessionStore struct {
	client *redis.Client
}

// Sessions returns the session store sharing the same client.
func (s *Store) Sessions() *SessionStore {
	return &SessionStore{client: s.client}
}

func (ss *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	raw, err := ss.client.Get(ctx, sessionPrefix+session.StorageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if sess.Expired(time.Now()) {
		return nil, session.ErrNotFound
	}
	sess.ID = id
	return &sess, nil
}

func (ss *SessionStore) Put(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session: missing session id")
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return errors.New("session: expires_at must be in the future")
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return ss.client.Set(ctx, sessionPrefix+session.StorageKey(sess.ID), raw, ttl).Err()
}

func (ss *SessionStore) Delete(ctx context.Context, id string) error {
	return ss.client.Del(ctx, sessionPrefix+session.StorageKey(id)).Err()
}
