// Package cache is the shared Redis session cache used by all three
// services: verification codes written by the verify service and read by
// the gate, login tokens issued by status and checked at chat login,
// per-server connection counts for placement, uid routing, and cached
// user profiles.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quiver-im/quiver/pkg/config"
)

// Key prefixes. The wire contract between services is these exact strings;
// changing one is a cluster-wide migration.
const (
	prefixVerifyCode = "code_"
	prefixUserToken  = "utoken_"
	prefixUserServer = "uip_"
	prefixUserInfo   = "ubaseinfo_"
	prefixLoginCount = "logincount_"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// profileTTL bounds how stale a cached profile may get.
const profileTTL = 24 * time.Hour

// Profile is the cached public slice of a user record.
type Profile struct {
	UID      int64  `json:"uid"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Nickname string `json:"nick"`
	Desc     string `json:"desc"`
	Sex      int    `json:"sex"`
	Icon     string `json:"icon"`
}

// Cache wraps a single Redis client shared across the process.
type Cache struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg config.RedisConfig) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Passwd,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Cache{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Used by tests.
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func (c *Cache) get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// GetVerifyCode returns the pending verification code for email, if any.
func (c *Cache) GetVerifyCode(ctx context.Context, email string) (string, error) {
	return c.get(ctx, prefixVerifyCode+email)
}

// SetVerifyCode stores a verification code with a TTL. The verify service
// owns this write; it is exposed here for tests and tooling.
func (c *Cache) SetVerifyCode(ctx context.Context, email, code string, ttl time.Duration) error {
	return c.rdb.Set(ctx, prefixVerifyCode+email, code, ttl).Err()
}

// SetUserToken records uid's current login token. A later login overwrites
// the previous token, invalidating it.
func (c *Cache) SetUserToken(ctx context.Context, uid int64, token string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("%s%d", prefixUserToken, uid), token, ttl).Err()
}

// GetUserToken returns uid's current login token.
func (c *Cache) GetUserToken(ctx context.Context, uid int64) (string, error) {
	return c.get(ctx, fmt.Sprintf("%s%d", prefixUserToken, uid))
}

// SetUserServer records which chat server owns uid's session.
func (c *Cache) SetUserServer(ctx context.Context, uid int64, server string) error {
	return c.rdb.Set(ctx, fmt.Sprintf("%s%d", prefixUserServer, uid), server, 0).Err()
}

// GetUserServer returns the name of the chat server owning uid's session.
func (c *Cache) GetUserServer(ctx context.Context, uid int64) (string, error) {
	return c.get(ctx, fmt.Sprintf("%s%d", prefixUserServer, uid))
}

// DelUserServer clears uid's routing entry on logout or kick.
func (c *Cache) DelUserServer(ctx context.Context, uid int64) error {
	return c.rdb.Del(ctx, fmt.Sprintf("%s%d", prefixUserServer, uid)).Err()
}

// GetProfile returns uid's cached profile, ErrNotFound on miss.
func (c *Cache) GetProfile(ctx context.Context, uid int64) (*Profile, error) {
	raw, err := c.get(ctx, fmt.Sprintf("%s%d", prefixUserInfo, uid))
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to decode cached profile: %w", err)
	}
	return &p, nil
}

// SetProfile caches uid's profile for subsequent logins and searches.
func (c *Cache) SetProfile(ctx context.Context, p *Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf("%s%d", prefixUserInfo, p.UID), raw, profileTTL).Err()
}

// IncrLoginCount bumps the connection count for a chat server and returns
// the new value.
func (c *Cache) IncrLoginCount(ctx context.Context, server string) (int64, error) {
	return c.rdb.Incr(ctx, prefixLoginCount+server).Result()
}

// DecrLoginCount lowers the connection count for a chat server, clamping
// at zero.
func (c *Cache) DecrLoginCount(ctx context.Context, server string) error {
	n, err := c.rdb.Decr(ctx, prefixLoginCount+server).Result()
	if err != nil {
		return err
	}
	if n < 0 {
		return c.rdb.Set(ctx, prefixLoginCount+server, 0, 0).Err()
	}
	return nil
}

// GetLoginCount returns the connection count for a chat server. Missing
// keys read as zero: a server that never registered is simply empty.
func (c *Cache) GetLoginCount(ctx context.Context, server string) (int64, error) {
	val, err := c.rdb.Get(ctx, prefixLoginCount+server).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// ResetLoginCount zeroes the count for a chat server at startup so stale
// values from a crash do not skew placement.
func (c *Cache) ResetLoginCount(ctx context.Context, server string) error {
	return c.rdb.Set(ctx, prefixLoginCount+server, 0, 0).Err()
}
