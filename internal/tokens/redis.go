package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultRedisRetention keeps expired tokens around long enough to be
// reported as expired rather than unknown.
const DefaultRedisRetention = time.Hour

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix for sharing one Redis between deployments, e.g. "dualauth:"
	KeyPrefix string
	// Retention is added to each token's remaining lifetime to form the key TTL
	Retention time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore keeps opaque tokens in Redis so that several instances can share them
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration
	clock     func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	store := NewRedisStoreWithClient(client, cfg.KeyPrefix)
	if cfg.Retention > 0 {
		store.retention = cfg.Retention
	}
	return store, nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		retention: DefaultRedisRetention,
		clock:     time.Now,
	}
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the connection, used by the health endpoint
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) accessKey(value string) string {
	return s.keyPrefix + "access:" + value
}

func (s *RedisStore) refreshKey(value string) string {
	return s.keyPrefix + "refresh:" + value
}

func (s *RedisStore) ttl(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.clock()) + s.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) StoreAccessToken(ctx context.Context, token *AccessToken) (string, error) {
	data, err := marshalAccess(token)
	if err != nil {
		return "", fmt.Errorf("failed to marshal access token: %w", err)
	}
	value := generateValue()
	if err := s.client.Set(ctx, s.accessKey(value), data, s.ttl(token.ExpiresAt)).Err(); err != nil {
		return "", fmt.Errorf("failed to store access token: %w", err)
	}
	return value, nil
}

func (s *RedisStore) ReadAccessToken(ctx context.Context, value string) (*AccessToken, error) {
	r, err := s.get(ctx, s.accessKey(value))
	if err != nil {
		return nil, err
	}
	return r.accessToken(value), nil
}

func (s *RedisStore) RemoveAccessToken(ctx context.Context, value string) error {
	if err := s.client.Del(ctx, s.accessKey(value)).Err(); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}

func (s *RedisStore) StoreRefreshToken(ctx context.Context, token *RefreshToken) (string, error) {
	data, err := marshalRefresh(token)
	if err != nil {
		return "", fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	value := generateValue()
	if err := s.client.Set(ctx, s.refreshKey(value), data, s.ttl(token.ExpiresAt)).Err(); err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return value, nil
}

func (s *RedisStore) ReadRefreshToken(ctx context.Context, value string) (*RefreshToken, error) {
	r, err := s.get(ctx, s.refreshKey(value))
	if err != nil {
		return nil, err
	}
	return r.refreshToken(value), nil
}

func (s *RedisStore) RemoveRefreshToken(ctx context.Context, value string) error {
	if err := s.client.Del(ctx, s.refreshKey(value)).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, key string) (*record, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	return unmarshalRecord(data)
}
