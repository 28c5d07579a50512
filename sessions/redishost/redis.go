package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-bridge-go/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:bridge:"`
	// MaxLen approximately bounds each session stream. ENV: SESSIONS_STREAM_MAXLEN
	MaxLen int64 `env:"SESSIONS_STREAM_MAXLEN,default=1024"`
	// TTL reclaims abandoned sessions. ENV: SESSIONS_TTL
	TTL time.Duration `env:"SESSIONS_TTL,default=24h"`
}

const pollBlock = 500 * time.Millisecond

type Host struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	ttl       time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient wraps an existing client. The Host takes ownership of it.
func NewWithClient(cl *redis.Client, cfg Config) *Host {
	h := &Host{
		client:    cl,
		keyPrefix: cfg.KeyPrefix,
		maxLen:    cfg.MaxLen,
		ttl:       cfg.TTL,
	}
	if h.keyPrefix == "" {
		h.keyPrefix = "mcp:bridge:"
	}
	if h.maxLen <= 0 {
		h.maxLen = 1024
	}
	if h.ttl <= 0 {
		h.ttl = 24 * time.Hour
	}
	return h
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

var _ sessions.Host = (*Host)(nil)

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) aliveKey(sessionID string) string  { return h.keyPrefix + "alive:" + sessionID }

func (h *Host) OpenSession(ctx context.Context, sessionID string) error {
	if err := h.client.Set(ctx, h.aliveKey(sessionID), "1", h.ttl).Err(); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	return nil
}

func (h *Host) alive(ctx context.Context, sessionID string) (bool, error) {
	n, err := h.client.Exists(ctx, h.aliveKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	ok, err := h.alive(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", sessions.ErrSessionNotFound
	}

	key := h.streamKey(sessionID)
	var add *redis.StringCmd
	_, err = h.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: h.maxLen,
			Approx: true,
			Values: map[string]any{"d": data},
		})
		p.Expire(ctx, key, h.ttl)
		return nil
	})
	if err != nil {
		return "", err
	}
	return add.Val(), nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	ok, err := h.alive(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return sessions.ErrSessionNotFound
	}

	key := h.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		start = "0"
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: pollBlock}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, redis.Nil) {
				return err
			}
			ok, err := h.alive(ctx, sessionID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			if !ok {
				return nil
			}
			continue
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				var payload []byte
				switch v := m.Values["d"].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					payload = []byte(fmt.Sprintf("%v", v))
				}
				if err := handler(ctx, m.ID, payload); err != nil {
					return err
				}
			}
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	if err := h.client.Del(c, h.aliveKey(sessionID), h.streamKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("cleanup session: %w", err)
	}
	return nil
}
