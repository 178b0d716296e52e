package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hearth.zone/internal/badge"
)

// Store wraps a Redis client for the three transient concerns: the active
// seed cache, the push-event queue, and the fingerprint blacklist.
type Store struct {
	Client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Store{Client: client}, nil
}

// Close closes the connection.
func (s *Store) Close() error { return s.Client.Close() }

// Ping checks availability.
func (s *Store) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

// --- Seed cache ---

func seedCacheKey(zoneID string) string { return "seed:" + zoneID }

// GetSeed returns the cached active seed for a zone, if any.
func (s *Store) GetSeed(ctx context.Context, zoneID string) (badge.Seed, bool, error) {
	data, err := s.Client.Get(ctx, seedCacheKey(zoneID)).Bytes()
	if err == redis.Nil {
		return badge.Seed{}, false, nil
	}
	if err != nil {
		return badge.Seed{}, false, err
	}
	var seed badge.Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return badge.Seed{}, false, err
	}
	return seed, true, nil
}

// SetSeed caches a seed with a TTL matching its remaining validity.
func (s *Store) SetSeed(ctx context.Context, seed badge.Seed) error {
	ttl := time.Until(seed.ValidUntil)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(seed)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, seedCacheKey(seed.ZoneID), data, ttl).Err()
}

// --- Push queue ---

// Enqueue pushes a task onto a list queue (LPush).
func (s *Store) Enqueue(ctx context.Context, queueName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.Client.LPush(ctx, queueName, data).Err()
}

// Dequeue pops the next task, blocking until one appears or ctx ends.
func (s *Store) Dequeue(ctx context.Context, queueName string) (string, error) {
	result, err := s.Client.BRPop(ctx, 0, queueName).Result()
	if err != nil {
		return "", err
	}
	if len(result) < 2 {
		return "", fmt.Errorf("redis pop unexpected result")
	}
	return result[1], nil
}

// --- Blacklist ---

const blacklistKey = "threat:blacklist"

// Add inserts a fingerprint into the deny set. SAdd is a no-op for members
// already present, which gives the required idempotence.
func (s *Store) Add(ctx context.Context, fingerprintHash string) error {
	return s.Client.SAdd(ctx, blacklistKey, fingerprintHash).Err()
}

// Contains checks deny-set membership.
func (s *Store) Contains(ctx context.Context, fingerprintHash string) (bool, error) {
	return s.Client.SIsMember(ctx, blacklistKey, fingerprintHash).Result()
}
