package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces pending-authorization keys.
const DefaultKeyPrefix = "scaffoldauth:pending:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore is a Store shared between backend replicas. Keys expire with
// the TTL on the server, and Take uses GETDEL so a pending authorization is
// handed out at most once.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	opts      options
}

// storedPending is the CBOR form of PendingAuthorization.
type storedPending struct {
	State        string `cbor:"1,keyasint"`
	CodeVerifier string `cbor:"2,keyasint"`
	Nonce        string `cbor:"3,keyasint,omitempty"`
	CreatedAt    int64  `cbor:"4,keyasint"` // unix nanoseconds
	RedirectURI  string `cbor:"5,keyasint,omitempty"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStore, error) {
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
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, opts...), nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, opts ...Option) *RedisStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, opts: o}
}

func (s *RedisStore) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, sessionID string, pending *PendingAuthorization) error {
	if err := validate(sessionID, pending); err != nil {
		return err
	}
	createdAt := pending.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.opts.now()
	}
	data, err := cbor.Marshal(storedPending{
		State:        pending.State,
		CodeVerifier: pending.CodeVerifier,
		Nonce:        pending.Nonce,
		CreatedAt:    createdAt.UnixNano(),
		RedirectURI:  pending.RedirectURI,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionID), data, s.opts.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}
	return nil
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, sessionID string) (*PendingAuthorization, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	data, err := s.client.GetDel(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to take pending authorization: %w", err)
	}

	var stored storedPending
	if err := cbor.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}
	pending := &PendingAuthorization{
		State:        stored.State,
		CodeVerifier: stored.CodeVerifier,
		Nonce:        stored.Nonce,
		RedirectURI:  stored.RedirectURI,
		CreatedAt:    time.Unix(0, stored.CreatedAt),
	}
	// Key TTL should handle this, but double-check.
	if pending.expired(s.opts.now(), s.opts.ttl) {
		return nil, ErrNotFound
	}
	return pending, nil
}

// Ping implements Pinger.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var (
	_ Store  = (*RedisStore)(nil)
	_ Pinger = (*RedisStore)(nil)
)
