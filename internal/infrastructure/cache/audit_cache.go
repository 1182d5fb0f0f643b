package cache

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// Key prefixes for the ledger cache
const (
	RecordPrefix = "edu:ledger:record:"
	TailKey      = "edu:ledger:tail"
)

// DefaultRecordTTL applies when the configured TTL is unset.
const DefaultRecordTTL = 1 * time.Hour

// publishTail only moves the snapshot forward, so writers in different
// processes can publish in any order.
var publishTail = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'sequence') or '0')
if tonumber(ARGV[1]) <= current then
  return 0
end
redis.call('HSET', KEYS[1], 'sequence', ARGV[1], 'hash', ARGV[2], 'performed_at', ARGV[3])
return 1
`)

// RecordCache is a read-through cache of committed ledger records plus a
// snapshot of the chain tail. Records never change once committed, so
// entries are never invalidated, only expired.
type RecordCache struct {
	client    *redis.Client
	logger    *zap.Logger
	ttl       time.Duration
	ttlJitter time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// RecordCacheConfig holds configuration for the record cache
type RecordCacheConfig struct {
	TTL       time.Duration
	TTLJitter time.Duration // spreads expiry to avoid stampedes
}

// CacheStats are the cache's hit counters.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// NewRecordCache creates a record cache over an existing client.
func NewRecordCache(client *redis.Client, logger *zap.Logger, cfg RecordCacheConfig) (*RecordCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRecordTTL
	}
	return &RecordCache{
		client:    client,
		logger:    logger,
		ttl:       cfg.TTL,
		ttlJitter: cfg.TTLJitter,
	}, nil
}

// GetRecord returns the cached record, or (nil, nil) on a miss.
func (c *RecordCache) GetRecord(ctx context.Context, id string) (*audit.Record, error) {
	data, err := c.client.Get(ctx, RecordPrefix+id).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return nil, nil
		}
		c.errors.Add(1)
		return nil, errors.NewStorageError("CACHE_READ_FAILED", "failed to get record from cache").WithCause(err)
	}

	// Details must keep numbers verbatim or the record would no longer hash
	// to its stored value.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec audit.Record
	if err := dec.Decode(&rec); err != nil {
		c.errors.Add(1)
		return nil, errors.NewInternalError("failed to unmarshal cached record").WithCause(err)
	}
	if rec.Details == nil {
		rec.Details = audit.Details{}
	}

	c.hits.Add(1)
	return &rec, nil
}

// SetRecord caches a committed record.
func (c *RecordCache) SetRecord(ctx context.Context, rec *audit.Record) error {
	if rec == nil {
		return errors.NewValidationError("INVALID_RECORD", "record cannot be nil")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		c.errors.Add(1)
		return errors.NewInternalError("failed to marshal record").WithCause(err)
	}
	if err := c.client.Set(ctx, RecordPrefix+rec.ID, data, c.addJitter(c.ttl)).Err(); err != nil {
		c.errors.Add(1)
		return errors.NewStorageError("CACHE_WRITE_FAILED", "failed to cache record").WithCause(err)
	}
	return nil
}

// PublishTail advances the shared chain-tail snapshot. Older tails are
// ignored.
func (c *RecordCache) PublishTail(ctx context.Context, tail audit.ChainTail) error {
	err := publishTail.Run(ctx, c.client, []string{TailKey},
		tail.Sequence, tail.Hash, tail.PerformedAt.UTC().Format(time.RFC3339Nano)).Err()
	if err != nil {
		c.errors.Add(1)
		return errors.NewStorageError("CACHE_WRITE_FAILED", "failed to publish chain tail").WithCause(err)
	}
	return nil
}

// Tail returns the last published chain tail. ok is false when nothing has
// been published yet.
func (c *RecordCache) Tail(ctx context.Context) (tail audit.ChainTail, ok bool, err error) {
	fields, err := c.client.HGetAll(ctx, TailKey).Result()
	if err != nil {
		c.errors.Add(1)
		return audit.ChainTail{}, false, errors.NewStorageError("CACHE_READ_FAILED", "failed to read chain tail").WithCause(err)
	}
	if len(fields) == 0 {
		return audit.ChainTail{}, false, nil
	}

	tail.Sequence, err = strconv.ParseInt(fields["sequence"], 10, 64)
	if err != nil {
		return audit.ChainTail{}, false, errors.NewInternalError("cached chain tail is corrupt").WithCause(err)
	}
	tail.Hash = fields["hash"]
	tail.PerformedAt, err = time.Parse(time.RFC3339Nano, fields["performed_at"])
	if err != nil {
		return audit.ChainTail{}, false, errors.NewInternalError("cached chain tail is corrupt").WithCause(err)
	}
	return tail, true, nil
}

// Stats returns the cache counters.
func (c *RecordCache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}

func (c *RecordCache) addJitter(ttl time.Duration) time.Duration {
	if c.ttlJitter <= 0 {
		return ttl
	}
	jitter := time.Duration(time.Now().UnixNano() % int64(c.ttlJitter))
	return ttl + jitter
}
