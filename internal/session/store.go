// Package session keeps per-connection session state and login tokens in
// Redis.
//
//	session:<session_id>  hash  connection metadata, TTL SessionTTL
//	auth:token:<token>    string  user ID, TTL TokenTTL
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// TokenPrefix is the Redis key prefix for login tokens.
	TokenPrefix = "auth:token:"

	// TokenTTL is how long an issued token stays valid.
	TokenTTL = 30 * 24 * time.Hour

	// Status constants for the session state machine.
	StatusAnonymous     = "anonymous"
	StatusAuthenticated = "authenticated"
)

// ErrInvalidToken is returned when a token is unknown or expired.
var ErrInvalidToken = errors.New("session: invalid token")

// Session represents a connection's session state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`  // anonymous | authenticated
	UserID     string `redis:"user_id"` // empty until auth
	Token      string `redis:"token"`   // the token the session authenticated with
	Server     string `redis:"server"`  // which gateway instance
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new anonymous session with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"status":      StatusAnonymous,
		"user_id":     "",
		"token":       "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// Bind marks the session authenticated as userID and refreshes the TTL.
func (s *Store) Bind(ctx context.Context, sessionID, userID, token string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"status", StatusAuthenticated,
		"user_id", userID,
		"token", token,
		"last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Unbind returns the session to anonymous.
func (s *Store) Unbind(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.HSet(ctx, key,
		"status", StatusAnonymous,
		"user_id", "",
		"token", "",
		"last_active", time.Now().Unix()).Err()
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// IssueToken creates a new login token for userID.
func (s *Store) IssueToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("session: issue token: empty user")
	}
	token := uuid.NewString()
	if err := s.client.Set(ctx, TokenPrefix+token, userID, TokenTTL).Err(); err != nil {
		return "", fmt.Errorf("session: issue token: %w", err)
	}
	return token, nil
}

// ResolveToken returns the user a token was issued to.
func (s *Store) ResolveToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, err := s.client.Get(ctx, TokenPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("session: resolve token: %w", err)
	}
	return userID, nil
}

// RevokeToken deletes a token. Revoking an unknown token is not an error.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.client.Del(ctx, TokenPrefix+token).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
