package directory

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// Redis keys maintained by the enrollment system.
const (
	MinorsKey   = "edu:directory:minors"
	ConsentsKey = "edu:directory:parental_consent"
)

// RedisDirectory reads subject facts from Redis sets shared with the
// enrollment system. Lookup failures are returned, never treated as "no".
type RedisDirectory struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisDirectory creates a directory over an existing client.
func NewRedisDirectory(client *redis.Client, logger *zap.Logger) (*RedisDirectory, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDirectory{client: client, logger: logger}, nil
}

// IsMinor reports whether entityID is in the minors set.
func (d *RedisDirectory) IsMinor(ctx context.Context, entityID string, entityType audit.EntityType) (bool, error) {
	if entityType != audit.EntityStudent {
		return false, nil
	}
	return d.member(ctx, MinorsKey, entityID)
}

// HasParentalConsent reports whether consent is on file for subjectID.
func (d *RedisDirectory) HasParentalConsent(ctx context.Context, subjectID string) (bool, error) {
	return d.member(ctx, ConsentsKey, subjectID)
}

// MarkMinor adds ids to the minors set.
func (d *RedisDirectory) MarkMinor(ctx context.Context, ids ...string) error {
	return d.add(ctx, MinorsKey, ids)
}

// GrantConsent records parental consent for ids.
func (d *RedisDirectory) GrantConsent(ctx context.Context, ids ...string) error {
	return d.add(ctx, ConsentsKey, ids)
}

// RevokeConsent withdraws parental consent for ids.
func (d *RedisDirectory) RevokeConsent(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := d.client.SRem(ctx, ConsentsKey, toArgs(ids)...).Err(); err != nil {
		return errors.NewStorageError("DIRECTORY_WRITE_FAILED", "failed to revoke consent").WithCause(err)
	}
	return nil
}

func (d *RedisDirectory) member(ctx context.Context, key, id string) (bool, error) {
	ok, err := d.client.SIsMember(ctx, key, id).Result()
	if err != nil {
		d.logger.Warn("directory lookup failed", zap.String("key", key), zap.Error(err))
		return false, errors.NewStorageError("DIRECTORY_UNAVAILABLE", "directory lookup failed").WithCause(err)
	}
	return ok, nil
}

func (d *RedisDirectory) add(ctx context.Context, key string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := d.client.SAdd(ctx, key, toArgs(ids)...).Err(); err != nil {
		return errors.NewStorageError("DIRECTORY_WRITE_FAILED", "failed to update directory").WithCause(err)
	}
	return nil
}

func toArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
