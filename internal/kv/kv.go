// Package kv wraps the Redis key-value store used by the inspection
// pipeline: rate counters, the agent blacklist, per-agent message
// windows, and threat-intel sets.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rateKeyPrefix      = "agent:ratelimit:"
	blacklistKeyPrefix = "agent:blacklist:"
	messagesKeyPrefix  = "agent:messages:"
	badIPsKey          = "threat:bad_ips"
	badDomainsKey      = "threat:bad_domains"

	rateWindow    = 60 * time.Second
	windowLen     = 10
	windowTTL     = 300 * time.Second
)

// Store is the Redis-backed key-value store.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis at addr.
func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// NewFromClient wraps an existing client (tests).
func NewFromClient(c *redis.Client) *Store {
	return &Store{rdb: c}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// IncrRate atomically increments the agent's per-minute request counter
// and returns the new value. The 60-second expiry is armed on the first
// increment of a window.
func (s *Store) IncrRate(ctx context.Context, agentID string) (int64, error) {
	key := rateKeyPrefix + agentID
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing rate counter: %w", err)
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, rateWindow).Err(); err != nil {
			return n, fmt.Errorf("arming rate counter expiry: %w", err)
		}
	}
	return n, nil
}

// IsBlacklisted reports whether the agent's blacklist key exists.
func (s *Store) IsBlacklisted(ctx context.Context, agentID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, blacklistKeyPrefix+agentID).Result()
	if err != nil {
		return false, fmt.Errorf("checking blacklist: %w", err)
	}
	return n > 0, nil
}

// Blacklist marks the agent as blacklisted for the given TTL.
func (s *Store) Blacklist(ctx context.Context, agentID string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, blacklistKeyPrefix+agentID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("blacklisting agent: %w", err)
	}
	return nil
}

// Unblacklist clears the agent's blacklist entry.
func (s *Store) Unblacklist(ctx context.Context, agentID string) error {
	if err := s.rdb.Del(ctx, blacklistKeyPrefix+agentID).Err(); err != nil {
		return fmt.Errorf("clearing blacklist: %w", err)
	}
	return nil
}

// MessageWindow returns the agent's recent message fingerprints, newest
// first.
func (s *Store) MessageWindow(ctx context.Context, agentID string) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, messagesKeyPrefix+agentID, 0, windowLen-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading message window: %w", err)
	}
	return vals, nil
}

// PushMessageFingerprint prepends a fingerprint to the agent's window,
// trims it to its bound, and re-arms the TTL.
func (s *Store) PushMessageFingerprint(ctx context.Context, agentID, fingerprint string) error {
	key := messagesKeyPrefix + agentID
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, fingerprint)
	pipe.LTrim(ctx, key, 0, windowLen-1)
	pipe.Expire(ctx, key, windowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording message fingerprint: %w", err)
	}
	return nil
}

// IsBadIP reports membership in the threat-intel IP set.
func (s *Store) IsBadIP(ctx context.Context, ip string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, badIPsKey, ip).Result()
	if err != nil {
		return false, fmt.Errorf("checking bad IPs: %w", err)
	}
	return ok, nil
}

// IsBadDomain reports membership in the threat-intel domain set.
func (s *Store) IsBadDomain(ctx context.Context, domain string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, badDomainsKey, domain).Result()
	if err != nil {
		return false, fmt.Errorf("checking bad domains: %w", err)
	}
	return ok, nil
}

// AddBadIP adds an address to the threat-intel IP set.
func (s *Store) AddBadIP(ctx context.Context, ip string) error {
	return s.rdb.SAdd(ctx, badIPsKey, ip).Err()
}

// AddBadDomain adds a domain to the threat-intel domain set.
func (s *Store) AddBadDomain(ctx context.Context, domain string) error {
	return s.rdb.SAdd(ctx, badDomainsKey, domain).Err()
}
