package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/PortProxy/PortProxy-Server/internal/obs"
)

const keyPrefix = "portproxy:session:"

var (
	ErrRedisNotReady = errors.New("state: redis did not become ready")
	ErrRedisURL      = errors.New("state: invalid redis url")
)

// RedisConfig configures the Redis directory.
type RedisConfig struct {
	URL            string
	KeyTTL         time.Duration
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryInterval  time.Duration
	QueueSize      int
}

func (c *RedisConfig) applyDefaults() {
	if c.KeyTTL <= 0 {
		c.KeyTTL = 2 * time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

type opKind uint8

const (
	opSet opKind = iota + 1
	opDel
)

type op struct {
	kind opKind
	rec  SessionRecord
}

// RedisStore mirrors locally owned sessions into Redis with a TTL that a
// heartbeat keeps extending. A single worker performs every Redis write so
// Announce and Withdraw never block.
type RedisStore struct {
	client     *redis.Client
	instanceID string
	cfg        RedisConfig

	mu    sync.Mutex
	owned map[string]SessionRecord

	ops  chan op
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects (retrying) and starts the write worker.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	cfg.applyDefaults()
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrRedisURL, err)
	}
	client, err := connect(ctx, opts, cfg)
	if err != nil {
		return nil, err
	}
	r := &RedisStore{
		client:     client,
		instanceID: "portproxy-" + uuid.NewString(),
		cfg:        cfg,
		owned:      make(map[string]SessionRecord),
		ops:        make(chan op, cfg.QueueSize),
		stop:       make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

func connect(ctx context.Context, opts *redis.Options, cfg RedisConfig) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	for range cfg.RetryAttempts {
		client := redis.NewClient(opts)
		err := client.Ping(ctx).Err()
		if err == nil {
			return client, nil
		}
		obs.Error("redis.ping", obs.Fields{"err": err.Error(), "addr": opts.Addr})
		_ = client.Close()
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrRedisNotReady
}

func (r *RedisStore) Announce(rec SessionRecord) {
	rec.Instance = r.instanceID
	r.mu.Lock()
	r.owned[rec.ID] = rec
	r.mu.Unlock()
	r.enqueue(op{kind: opSet, rec: rec})
}

func (r *RedisStore) Withdraw(id string) {
	r.mu.Lock()
	delete(r.owned, id)
	r.mu.Unlock()
	r.enqueue(op{kind: opDel, rec: SessionRecord{ID: id}})
}

func (r *RedisStore) enqueue(o op) {
	select {
	case r.ops <- o:
	default:
		obs.Error("redis.queue_full", obs.Fields{"session": o.rec.ID})
		obs.ErrorsTotal.WithLabelValues("redis_queue_full").Inc()
	}
}

func (r *RedisStore) run() {
	defer r.wg.Done()
	t := time.NewTicker(r.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			r.drain()
			return
		case o := <-r.ops:
			r.apply(o)
		case <-t.C:
			r.heartbeat()
		}
	}
}

func (r *RedisStore) drain() {
	for {
		select {
		case o := <-r.ops:
			r.apply(o)
		default:
			return
		}
	}
}

func (r *RedisStore) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch o.kind {
	case opSet:
		data, err := encodeRecord(o.rec)
		if err != nil {
			obs.Error("redis.encode", obs.Fields{"err": err.Error(), "session": o.rec.ID})
			return
		}
		if err := r.client.Set(ctx, sessionKey(o.rec.ID), data, r.cfg.KeyTTL).Err(); err != nil {
			obs.Error("redis.set", obs.Fields{"err": err.Error(), "session": o.rec.ID})
			obs.ErrorsTotal.WithLabelValues("redis_set").Inc()
		}
	case opDel:
		if err := r.client.Del(ctx, sessionKey(o.rec.ID)).Err(); err != nil {
			obs.Error("redis.del", obs.Fields{"err": err.Error(), "session": o.rec.ID})
			obs.ErrorsTotal.WithLabelValues("redis_del").Inc()
		}
	}
}

// heartbeat extends the TTL of every session this instance owns.
func (r *RedisStore) heartbeat() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.owned))
	for id := range r.owned {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, sessionKey(id), r.cfg.KeyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "sessions": len(ids)})
	}
}

// Count scans the session keys of every instance.
func (r *RedisStore) Count(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+"*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("state: scan sessions: %w", err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// Lookup fetches a record written by any instance.
func (r *RedisStore) Lookup(ctx context.Context, id string) (SessionRecord, bool, error) {
	val, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("state: get session: %w", err)
	}
	rec, err := decodeRecord(val)
	if err != nil {
		return SessionRecord{}, false, err
	}
	return rec, true, nil
}

// Close flushes queued writes, removes owned keys and disconnects.
func (r *RedisStore) Close() error {
	var err error
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()
		r.mu.Lock()
		keys := make([]string, 0, len(r.owned))
		for id := range r.owned {
			keys = append(keys, sessionKey(id))
		}
		r.owned = make(map[string]SessionRecord)
		r.mu.Unlock()
		if len(keys) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if derr := r.client.Del(ctx, keys...).Err(); derr != nil {
				obs.Error("redis.close_cleanup", obs.Fields{"err": derr.Error()})
			}
			cancel()
		}
		err = r.client.Close()
	})
	return err
}

func sessionKey(id string) string { return keyPrefix + id }

func encodeRecord(rec SessionRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(b []byte) (SessionRecord, error) {
	var rec SessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("state: decode session record: %w", err)
	}
	return rec, nil
}
