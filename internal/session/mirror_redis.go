package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-live-board/internal/metrics"
	"github.com/park285/cheese-live-board/internal/obslog"
)

const (
	defaultSnapshotTTL = 2 * time.Hour
	mirrorWriteTimeout = 3 * time.Second
)

func roomKey(id string) string { return "live:room:" + strings.TrimSpace(id) }
func roomIndexKey() string     { return "live:rooms" }

// RedisMirror keeps the latest snapshot of each room in Redis, scoped by TTL to
// the life of the session. Publish only enqueues; one worker performs writes.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration

	queue     chan Snapshot
	done      chan struct{}
	closeOnce sync.Once
}

// DialRedis parses a redis:// or rediss:// URL and pings the server.
func DialRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("REDIS_URL required for snapshot mirror")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisMirror(rdb *redis.Client, ttl time.Duration, buffer int) *RedisMirror {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	if buffer <= 0 {
		buffer = 256
	}
	m := &RedisMirror{
		rdb:   rdb,
		ttl:   ttl,
		queue: make(chan Snapshot, buffer),
		done:  make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *RedisMirror) run() {
	defer close(m.done)
	for s := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
		err := m.Save(ctx, s)
		cancel()
		if err != nil {
			metrics.MirrorErrors.Inc()
			obslog.L().Warn("mirror_save_error",
				zap.String("room_id", s.Room),
				zap.Uint64("seq", s.Seq),
				zap.Error(err),
			)
		}
	}
}

// Publish enqueues s; when the queue is full the snapshot is dropped and the
// next mutation of the room supersedes it.
func (m *RedisMirror) Publish(s Snapshot) {
	defer func() {
		// Publish after Close must not panic a room.
		_ = recover()
	}()
	select {
	case m.queue <- s:
	default:
		metrics.MirrorErrors.Inc()
		obslog.L().Warn("mirror_queue_full", zap.String("room_id", s.Room), zap.Uint64("seq", s.Seq))
	}
}

// Save writes s unless Redis already holds a newer snapshot of the same room
// incarnation. A different epoch means the room was recreated and always wins.
func (m *RedisMirror) Save(ctx context.Context, s Snapshot) error {
	key := roomKey(s.Room)
	raw, err := json.Marshal(&s)
	if err != nil {
		return err
	}
	return m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		prevRaw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var prev Snapshot
			if jerr := json.Unmarshal(prevRaw, &prev); jerr == nil && prev.Epoch == s.Epoch && prev.Seq >= s.Seq {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, m.ttl)
			pipe.SAdd(ctx, roomIndexKey(), s.Room)
			pipe.Expire(ctx, roomIndexKey(), m.ttl)
			return nil
		})
		return err
	}, key)
}

// Load returns the mirrored snapshot of a room, or nil when none is stored.
func (m *RedisMirror) Load(ctx context.Context, roomID string) (*Snapshot, error) {
	raw, err := m.rdb.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// List returns every mirrored snapshot that has not expired, ordered by room id.
func (m *RedisMirror) List(ctx context.Context) ([]Snapshot, error) {
	ids, err := m.rdb.SMembers(ctx, roomIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		s, err := m.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			_ = m.rdb.SRem(ctx, roomIndexKey(), id).Err()
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out, nil
}

// Close stops accepting snapshots and waits for queued writes to finish.
func (m *RedisMirror) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.queue) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
