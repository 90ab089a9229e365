// Package ban suspends users who abuse the gateway. Records live in Redis
// with TTL-based expiry:
//
//	ban:<user_id>       string  reason, TTL = remaining suspension
//	offenses:<user_id>  int     offense counter, TTL = OffenseWindow
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix     = "ban:"
	OffensePrefix = "offenses:"

	// Escalating suspension lengths.
	Ban15Min  = 15 * time.Minute // first suspension
	Ban1Hour  = 1 * time.Hour
	Ban24Hour = 24 * time.Hour // third and later

	// OffenseWindow is how long the offense counter lives. The window is
	// fixed from the first offense, not sliding.
	OffenseWindow = 24 * time.Hour

	// Threshold is the number of offenses within OffenseWindow that
	// suspends the user.
	Threshold = 3
)

// Status describes an active suspension.
type Status struct {
	Banned    bool
	Remaining time.Duration
	Reason    string
}

// Store manages suspensions in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store on client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Check reports whether userID is suspended. Redis errors are returned so
// callers can fail open.
func (s *Store) Check(ctx context.Context, userID string) (Status, error) {
	key := BanPrefix + userID

	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.TTL(ctx, key)
	_, err := pipe.Exec(ctx)
	if errors.Is(get.Err(), redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: check: %w", err)
	}

	st := Status{Banned: true, Reason: get.Val()}
	if d := ttl.Val(); d > 0 {
		st.Remaining = d
	}
	return st, nil
}

// Ban suspends userID for d.
func (s *Store) Ban(ctx context.Context, userID string, d time.Duration, reason string) error {
	if err := s.client.Set(ctx, BanPrefix+userID, reason, d).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Unban lifts a suspension and forgets recorded offenses.
func (s *Store) Unban(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, BanPrefix+userID, OffensePrefix+userID).Err(); err != nil {
		return fmt.Errorf("ban: unban: %w", err)
	}
	return nil
}

// Offenses returns the number of offenses in the current window.
func (s *Store) Offenses(ctx context.Context, userID string) (int, error) {
	n, err := s.client.Get(ctx, OffensePrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: offenses: %w", err)
	}
	return n, nil
}

// duration maps an offense count past the threshold to a suspension length.
func duration(offenses int) time.Duration {
	switch over := offenses - Threshold; {
	case over <= 0:
		return Ban15Min
	case over == 1:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// RecordOffense counts one offense for userID. Once Threshold offenses
// accumulate within OffenseWindow the user is suspended, for longer on
// each further offense. It returns the suspension applied, or zero.
func (s *Store) RecordOffense(ctx context.Context, userID, reason string) (time.Duration, error) {
	key := OffensePrefix + userID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: offense incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, OffenseWindow).Err(); err != nil {
			return 0, fmt.Errorf("ban: offense expire: %w", err)
		}
	}
	if count < Threshold {
		return 0, nil
	}

	d := duration(int(count))
	if err := s.Ban(ctx, userID, d, reason); err != nil {
		return 0, err
	}
	return d, nil
}
