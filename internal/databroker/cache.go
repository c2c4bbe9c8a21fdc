package databroker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
)

const (
	// keyPrefix namespaces cached arrays in Redis.
	keyPrefix = "databroker"

	// pingTimeout bounds the Redis connectivity check.
	pingTimeout = 5 * time.Second

	// maxCachedDims rejects corrupt cache entries before allocating.
	maxCachedDims = 8
)

// ConnectRedis creates a Redis client and verifies it with PING.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// CachedSource serves completed arrays from Redis and falls back to the
// wrapped Source on a miss.
//
// Arrays for the configured fields are written only as a set: fetched
// fields are staged in memory until every field of the same scan and
// stream has been fetched, then stored together. A field read while its
// partner was still being written is therefore never pinned in Redis.
// ClearCache drops the staged arrays. Other fields pass through uncached.
//
// Redis failures are logged and treated as misses.
type CachedSource struct {
	inner  Source
	rdb    *redis.Client
	ttl    time.Duration
	fields []string
	logger Logger

	mu      sync.Mutex
	pending map[string]map[string]stagedArray
}

type stagedArray struct {
	arr    *Array
	stored bool
}

// NewCachedSource wraps inner with a Redis cache for fields, typically the
// fluorescence and normalisation fields. A zero ttl keeps entries until
// Redis evicts them.
func NewCachedSource(inner Source, rdb *redis.Client, ttl time.Duration, fields []string, logger Logger) *CachedSource {
	if logger == nil {
		logger = noopLogger{}
	}
	return &CachedSource{
		inner:   inner,
		rdb:     rdb,
		ttl:     ttl,
		fields:  slices.Clone(fields),
		logger:  logger,
		pending: make(map[string]map[string]stagedArray),
	}
}

// CacheKey returns the Redis key for one field of a scan.
func CacheKey(scanID, stream, field string) string {
	return fmt.Sprintf("%s:%s:%s:%s", keyPrefix, scanID, stream, field)
}

// Fetch returns the cached array or fetches and stages it.
func (c *CachedSource) Fetch(ctx context.Context, scanID, stream, field string) (*Array, error) {
	if !slices.Contains(c.fields, field) {
		return c.inner.Fetch(ctx, scanID, stream, field)
	}
	key := CacheKey(scanID, stream, field)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		arr, decErr := unmarshalArray(raw)
		if decErr == nil {
			c.logger.Debug("array served from cache", "key", key)
			c.stage(ctx, scanID, stream, field, stagedArray{arr: arr, stored: true})
			return arr, nil
		}
		c.logger.Warn("discarding corrupt cache entry", "key", key, "error", decErr)
	case errors.Is(err, redis.Nil):
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn("redis read failed", "key", key, "error", err)
	}

	arr, err := c.inner.Fetch(ctx, scanID, stream, field)
	if err != nil {
		return nil, err
	}
	c.stage(ctx, scanID, stream, field, stagedArray{arr: arr})
	return arr, nil
}

// stage records a fetched field and writes the scan's set to Redis once
// it is complete.
func (c *CachedSource) stage(ctx context.Context, scanID, stream, field string, a stagedArray) {
	scan := scanID + "/" + stream

	c.mu.Lock()
	set := c.pending[scan]
	if set == nil {
		set = make(map[string]stagedArray, len(c.fields))
		c.pending[scan] = set
	}
	set[field] = a
	if len(set) < len(c.fields) {
		c.mu.Unlock()
		return
	}
	delete(c.pending, scan)
	c.mu.Unlock()

	fresh := false
	for _, staged := range set {
		fresh = fresh || !staged.stored
	}
	if !fresh {
		return
	}

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for f, staged := range set {
			if !staged.stored {
				pipe.Set(ctx, CacheKey(scanID, stream, f), marshalArray(staged.arr), c.ttl)
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("redis write failed", "scan_id", scanID, "stream", stream, "error", err)
	}
}

// ClearCache drops staged arrays and resets the wrapped source.
func (c *CachedSource) ClearCache() {
	c.mu.Lock()
	clear(c.pending)
	c.mu.Unlock()
	c.inner.ClearCache()
}

// marshalArray encodes an array as little-endian: dims count, dims, values.
// JSON cannot carry the NaN fill values, so a binary layout is used.
func marshalArray(a *Array) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 4*len(a.Shape) + 8*len(a.Data))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(a.Shape))) //nolint:errcheck // bytes.Buffer never fails
	for _, n := range a.Shape {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(n)) //nolint:errcheck // bytes.Buffer never fails
	}
	_ = binary.Write(&buf, binary.LittleEndian, a.Data) //nolint:errcheck // bytes.Buffer never fails
	return buf.Bytes()
}

func unmarshalArray(raw []byte) (*Array, error) {
	r := bytes.NewReader(raw)

	var ndim uint32
	if err := binary.Read(r, binary.LittleEndian, &ndim); err != nil {
		return nil, fmt.Errorf("reading dims: %w", err)
	}
	if ndim == 0 || ndim > maxCachedDims {
		return nil, fmt.Errorf("invalid dimension count %d", ndim)
	}

	dims := make([]uint32, ndim)
	if err := binary.Read(r, binary.LittleEndian, dims); err != nil {
		return nil, fmt.Errorf("reading shape: %w", err)
	}

	shape := make([]int, ndim)
	size := 1
	for i, n := range dims {
		shape[i] = int(n)
		size *= int(n)
	}
	if size*8 != r.Len() {
		return nil, fmt.Errorf("shape %v needs %d bytes, have %d", shape, size*8, r.Len())
	}

	data := make([]float64, size)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading values: %w", err)
	}
	return &Array{Shape: shape, Data: data}, nil
}
