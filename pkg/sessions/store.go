package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned when no session matches the given key.
var ErrNotFound = errors.New("session not found")

// DefaultTTL bounds sessions whose assertion carries no
// SessionNotOnOrAfter condition.
const DefaultTTL = 12 * time.Hour

// Session ties a local login to the IdP session that produced it. The
// SessionIndex is what a LogoutRequest from the IdP references, so the store
// must be able to find sessions by it.
type Session struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	Issuer       string    `json:"issuer"`
	NameID       string    `json:"name_id"`
	SessionIndex string    `json:"session_index,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store keeps SAML sessions in Redis with per-key TTLs, so expiry needs no
// sweeper of its own.
type Store struct {
	client *redis.Client
}

// Config holds Redis connection settings.
type Config struct {
	URL      string
	Password string
	DB       int
}

// NewStore connects to Redis and verifies the connection.
func NewStore(ctx context.Context, config Config) (*Store, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if config.Password != "" {
		opts.Password = config.Password
	}
	if config.DB > 0 {
		opts.DB = config.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client; used by tests.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func sessionKey(id string) string { return "mellon:session:" + id }

func indexKey(sessionIndex string) string { return "mellon:session_index:" + sessionIndex }

// Save persists the session under its ID and, when present, indexes it by
// the SAML session index for single logout.
func (s *Store) Save(ctx context.Context, session *Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = session.CreatedAt.Add(DefaultTTL)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session %s already expired", session.ID)
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if session.SessionIndex != "" {
		if err := s.client.Set(ctx, indexKey(session.SessionIndex), session.ID, ttl).Err(); err != nil {
			return fmt.Errorf("failed to index session: %w", err)
		}
	}
	return nil
}

// Get fetches a session by its local ID.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	session := &Session{}
	if err := json.Unmarshal([]byte(data), session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return session, nil
}

// GetBySessionIndex fetches a session by the SAML session index an IdP
// LogoutRequest references.
func (s *Store) GetBySessionIndex(ctx context.Context, sessionIndex string) (*Session, error) {
	id, err := s.client.Get(ctx, indexKey(sessionIndex)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to resolve session index: %w", err)
	}
	return s.Get(ctx, id)
}

// Delete removes a session and its session-index pointer.
func (s *Store) Delete(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	keys := []string{sessionKey(id)}
	if session.SessionIndex != "" {
		keys = append(keys, indexKey(session.SessionIndex))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
