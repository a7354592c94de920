package store

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultKeyPrefix = "notebook-gateway"

	kernelsKeySuffix = "kernels"
)

// RedisLedger stores the kernel ledger in a Redis hash mapping kernel id to flavor.
type RedisLedger struct {
	redisClient *redis.Client
	key         string

	logger *zap.Logger
}

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(ctx context.Context, addr string, password string, db int, keyPrefix string) (*RedisLedger, error) {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "[ERROR] Failed to create Zap Development logger because: %v\n", err)
		logger = zap.NewNop()
	}

	ledger := &RedisLedger{
		redisClient: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		key:    fmt.Sprintf("%s:%s", keyPrefix, kernelsKeySuffix),
		logger: logger,
	}

	if err := ledger.redisClient.Ping(ctx).Err(); err != nil {
		ledger.logger.Error("Failed to connect to Redis.",
			zap.String("addr", addr),
			zap.Int("db", db),
			zap.Error(err))
		_ = ledger.redisClient.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", addr)
	}

	ledger.logger.Debug("Connected to Redis.", zap.String("addr", addr), zap.String("key", ledger.key))
	return ledger, nil
}

// Key returns the Redis key of the hash holding the ledger.
func (l *RedisLedger) Key() string {
	return l.key
}

func (l *RedisLedger) Record(ctx context.Context, kernelID string, flavor string) error {
	if err := l.redisClient.HSet(ctx, l.key, kernelID, flavor).Err(); err != nil {
		l.logger.Error("Failed to record kernel in Redis.",
			zap.String("redis_key", l.key),
			zap.String("kernel_id", kernelID),
			zap.Error(err))
		return err
	}

	l.logger.Debug("Recorded kernel.", zap.String("kernel_id", kernelID), zap.String("flavor", flavor))
	return nil
}

func (l *RedisLedger) Forget(ctx context.Context, kernelID string) error {
	if err := l.redisClient.HDel(ctx, l.key, kernelID).Err(); err != nil {
		l.logger.Error("Failed to remove kernel from Redis.",
			zap.String("redis_key", l.key),
			zap.String("kernel_id", kernelID),
			zap.Error(err))
		return err
	}

	return nil
}

func (l *RedisLedger) List(ctx context.Context) (map[string]string, error) {
	kernels, err := l.redisClient.HGetAll(ctx, l.key).Result()
	if err != nil {
		l.logger.Error("Failed to list kernels from Redis.",
			zap.String("redis_key", l.key),
			zap.Error(err))
		return nil, err
	}

	return kernels, nil
}

func (l *RedisLedger) Close() error {
	_ = l.logger.Sync()
	return l.redisClient.Close()
}
