package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	DefaultKeyPrefix = "tryon:result:"
	DefaultTTL       = 24 * time.Hour
)

// Entry is a cached successful try-on
type Entry struct {
	ProviderID     string    `json:"provider_id"`
	ResultImageURL string    `json:"result_image_url"`
	CachedAt       time.Time `json:"cached_at"`
}

// ResultCache stores successful results by image pair. Get returns nil, nil
// on a miss.
type ResultCache interface {
	Get(ctx context.Context, personImage, garmentImage string) (*Entry, error)
	Set(ctx context.Context, personImage, garmentImage string, entry *Entry) error
	Close() error
}

// Key derives the cache key from both images. The separator keeps
// ("ab","c") and ("a","bc") apart.
func Key(prefix, personImage, garmentImage string) string {
	h := sha256.New()
	h.Write([]byte(personImage))
	h.Write([]byte{0})
	h.Write([]byte(garmentImage))
	return prefix + hex.EncodeToString(h.Sum(nil))
}

// RedisCache is a ResultCache backed by Redis
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logrus.Logger
}

var _ ResultCache = (*RedisCache)(nil)

// NewRedisCache connects to redisURL and pings it before returning
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration, logger *logrus.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.WithField("addr", opts.Addr).Info("Result cache connected")
	return NewRedisCacheWithClient(client, ttl, logger), nil
}

// NewRedisCacheWithClient wraps an existing client without pinging it
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{
		client: client,
		prefix: DefaultKeyPrefix,
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the cached entry, or nil on a miss
func (c *RedisCache) Get(ctx context.Context, personImage, garmentImage string) (*Entry, error) {
	key := Key(c.prefix, personImage, garmentImage)

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.logger.WithField("key", key).Debug("Cache miss")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"key":      key,
		"provider": entry.ProviderID,
	}).Debug("Cache hit")
	return &entry, nil
}

// Set stores entry with the configured TTL
func (c *RedisCache) Set(ctx context.Context, personImage, garmentImage string, entry *Entry) error {
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	key := Key(c.prefix, personImage, garmentImage)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool
func (c *RedisCache) Close() error {
	return c.client.Close()
}
