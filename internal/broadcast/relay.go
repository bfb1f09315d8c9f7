package broadcast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"orbit-server/internal/spatial"
)

// Relay receives every published frame along with the snapshot it was
// derived from. Implementations must not block the tick loop.
type Relay interface {
	Relay(frame []byte, snap *spatial.Snapshot)
}

type relayItem struct {
	frame []byte
	snap  *spatial.Snapshot
}

// RedisRelay publishes frames on a redis channel for other server
// processes and caches the latest snapshot as lz4-compressed msgpack.
type RedisRelay struct {
	client      *redis.Client
	channel     string
	snapshotKey string
	ttl         time.Duration
	queue       chan relayItem
	logger      *slog.Logger
}

func NewRedisRelay(client *redis.Client, channel, snapshotKey string, ttl time.Duration, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{
		client:      client,
		channel:     channel,
		snapshotKey: snapshotKey,
		ttl:         ttl,
		queue:       make(chan relayItem, 8),
		logger:      logger.With("component", "redis_relay"),
	}
}

func (r *RedisRelay) Relay(frame []byte, snap *spatial.Snapshot) {
	item := relayItem{frame: frame, snap: snap}
	for {
		select {
		case r.queue <- item:
			return
		default:
		}
		select {
		case <-r.queue:
		default:
		}
	}
}

func (r *RedisRelay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.queue:
			if err := r.client.Publish(ctx, r.channel, item.frame).Err(); err != nil {
				r.logger.Warn("Failed to publish frame", "tick", item.snap.Tick, "error", err)
			}
			if err := r.cache(ctx, item.snap); err != nil {
				r.logger.Warn("Failed to cache snapshot", "tick", item.snap.Tick, "error", err)
			}
		}
	}
}

func (r *RedisRelay) cache(ctx context.Context, snap *spatial.Snapshot) error {
	blob, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.snapshotKey, blob, r.ttl).Err()
}

// CachedSnapshot returns the last snapshot written by any relay, or nil if
// none is cached.
func (r *RedisRelay) CachedSnapshot(ctx context.Context) (*spatial.Snapshot, error) {
	blob, err := r.client.Get(ctx, r.snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached snapshot: %w", err)
	}
	return DecodeSnapshot(blob)
}

func EncodeSnapshot(snap *spatial.Snapshot) ([]byte, error) {
	raw, err := msgpack.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeSnapshot(blob []byte) (*spatial.Snapshot, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	var snap spatial.Snapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
