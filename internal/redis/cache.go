package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/quizlive/internal/config"
	"github.com/quizlive/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Cache stores serialized leaderboard snapshots and per-user cumulative
// scores with expiration. Contents are reconstructable projections of the
// durable store; a cache miss or flush self-heals from PostgreSQL.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewCache connects to Redis and returns a snapshot cache
func NewCache(cfg *config.RedisConfig, logger *slog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Cache{
		client: client,
		logger: logger,
	}, nil
}

// NewCacheFromClient wraps an existing Redis client. Used by tests to point
// the cache at a miniredis instance.
func NewCacheFromClient(client *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{
		client: client,
		logger: logger,
	}
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Client returns the underlying Redis client
func (c *Cache) Client() *redis.Client {
	return c.client
}

func quizLeaderboardKey(quizID string) string {
	return fmt.Sprintf("leaderboard:%s", quizID)
}

func userScoreKey(username string) string {
	return fmt.Sprintf("user:%s:score", username)
}

// globalLeaderboardKey is the cache key for the cross-quiz leaderboard
const globalLeaderboardKey = "global:leaderboard"

// GetQuizLeaderboard returns the cached snapshot for a quiz.
// The second return value is false on a cache miss.
func (c *Cache) GetQuizLeaderboard(ctx context.Context, quizID string) ([]domain.LeaderboardEntry, bool, error) {
	return c.getSnapshot(ctx, quizLeaderboardKey(quizID))
}

// SetQuizLeaderboard overwrites the cached snapshot for a quiz with a fresh TTL
func (c *Cache) SetQuizLeaderboard(ctx context.Context, quizID string, entries []domain.LeaderboardEntry, ttl time.Duration) error {
	return c.setSnapshot(ctx, quizLeaderboardKey(quizID), entries, ttl)
}

// GetGlobalLeaderboard returns the cached global snapshot
func (c *Cache) GetGlobalLeaderboard(ctx context.Context) ([]domain.LeaderboardEntry, bool, error) {
	return c.getSnapshot(ctx, globalLeaderboardKey)
}

// SetGlobalLeaderboard overwrites the cached global snapshot with a fresh TTL
func (c *Cache) SetGlobalLeaderboard(ctx context.Context, entries []domain.LeaderboardEntry, ttl time.Duration) error {
	return c.setSnapshot(ctx, globalLeaderboardKey, entries, ttl)
}

// GetUserScore returns a user's cached cumulative score.
// The second return value is false on a cache miss.
func (c *Cache) GetUserScore(ctx context.Context, username string) (int, bool, error) {
	val, err := c.client.Get(ctx, userScoreKey(username)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("getting user score: %w", err)
	}
	score, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("parsing user score: %w", err)
	}
	return score, true, nil
}

// SetUserScore caches a user's cumulative score with a fresh TTL
func (c *Cache) SetUserScore(ctx context.Context, username string, score int, ttl time.Duration) error {
	if err := c.client.Set(ctx, userScoreKey(username), strconv.Itoa(score), ttl).Err(); err != nil {
		return fmt.Errorf("setting user score: %w", err)
	}
	return nil
}

func (c *Cache) getSnapshot(ctx context.Context, key string) ([]domain.LeaderboardEntry, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting snapshot %s: %w", key, err)
	}

	var entries []domain.LeaderboardEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, false, fmt.Errorf("decoding snapshot %s: %w", key, err)
	}
	return entries, true, nil
}

func (c *Cache) setSnapshot(ctx context.Context, key string, entries []domain.LeaderboardEntry, ttl time.Duration) error {
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("setting snapshot %s: %w", key, err)
	}
	return nil
}
