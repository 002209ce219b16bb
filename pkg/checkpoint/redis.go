package checkpoint

import (
	"context"
	"errors"
	"io/fs"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
)

// RedisConfig configures the Redis checkpoint backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix is prepended to all checkpoint keys
	Prefix string

	// TTL is the time-to-live for checkpoint keys (0 = no expiration)
	TTL time.Duration

	// Timeout for Redis operations
	Timeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address: address,
		Prefix:  "jetntuple:checkpoint:",
		TTL:     7 * 24 * time.Hour,
		Timeout: 5 * time.Second,
	}
}

// RedisBackend stores checkpoints in Redis, so runs on batch nodes can be
// followed from elsewhere.
type RedisBackend struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisBackend connects and pings the server.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRedisConfig("").Timeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, jerrors.Wrap(err, jerrors.CodeRedis, "connect to redis").WithContext("addr", cfg.Address)
	}

	return &RedisBackend{cfg: cfg, client: client}, nil
}

func (b *RedisBackend) key(id string) string {
	return b.cfg.Prefix + id
}

func (b *RedisBackend) incompleteSetKey() string {
	return b.cfg.Prefix + "incomplete"
}

// Save writes the checkpoint and maintains the incomplete set.
func (b *RedisBackend) Save(ctx context.Context, cp *Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(cp)
	if err != nil {
		return jerrors.Wrap(err, jerrors.CodeCheckpoint, "marshal checkpoint")
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.key(cp.ID), data, b.cfg.TTL)
	if cp.IsComplete() {
		pipe.SRem(ctx, b.incompleteSetKey(), cp.ID)
	} else {
		pipe.SAdd(ctx, b.incompleteSetKey(), cp.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return jerrors.Wrap(err, jerrors.CodeRedis, "save checkpoint").WithContext("id", cp.ID)
	}
	return nil
}

// Load retrieves a checkpoint.
func (b *RedisBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := b.client.Get(ctx, b.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fs.ErrNotExist
		}
		return nil, jerrors.Wrap(err, jerrors.CodeRedis, "load checkpoint").WithContext("id", id)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, jerrors.Wrap(err, jerrors.CodeCheckpoint, "unmarshal checkpoint").WithContext("id", id)
	}
	return &cp, nil
}

// Delete removes a checkpoint.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.key(id))
	pipe.SRem(ctx, b.incompleteSetKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return jerrors.Wrap(err, jerrors.CodeRedis, "delete checkpoint").WithContext("id", id)
	}
	return nil
}

// ListIncomplete returns checkpoints in the incomplete set, pruning
// entries that expired or completed.
func (b *RedisBackend) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	ids, err := b.client.SMembers(ctx, b.incompleteSetKey()).Result()
	if err != nil {
		return nil, jerrors.Wrap(err, jerrors.CodeRedis, "list incomplete checkpoints")
	}

	var out []*Checkpoint
	for _, id := range ids {
		cp, err := b.Load(ctx, id)
		if err != nil || cp.IsComplete() {
			b.client.SRem(ctx, b.incompleteSetKey(), id)
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Name returns "redis".
func (b *RedisBackend) Name() string {
	return "redis"
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
