package coord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix     = "taskgrid:coord"
	notifyPrefix  = "taskgrid:coordev:"
	renewInterval = SessionTTL / 3

	// pollInterval backs up pub/sub notifications: a dead peer's nodes
	// expire silently, so watchers also wake on a timer.
	pollInterval = 5 * time.Second
)

// acquireScript takes or renews a lease atomically.
var acquireScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
elseif v == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0`)

// releaseScript deletes a lease only for its holder.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

// RedisCoord is a Redis-backed session. Ephemeral nodes are TTL keys
// renewed by a background loop; watches ride keyspace publishes from
// the writing peers plus a poll timer.
type RedisCoord struct {
	client *redis.Client

	mu        sync.Mutex
	ephemeral map[string][]byte
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Coordinator = (*RedisCoord)(nil)

// NewRedisCoord connects a session to addr.
func NewRedisCoord(ctx context.Context, addr string) (*RedisCoord, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect coordination service: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &RedisCoord{
		client:    client,
		ephemeral: make(map[string][]byte),
		cancel:    cancel,
	}
	c.wg.Add(1)
	go c.renewLoop(runCtx)
	slog.Info("coordination session opened", "addr", addr)
	return c, nil
}

// renewLoop keeps this session's ephemeral nodes alive.
func (c *RedisCoord) renewLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		nodes := make(map[string][]byte, len(c.ephemeral))
		for p, d := range c.ephemeral {
			nodes[p] = d
		}
		c.mu.Unlock()
		for path, data := range nodes {
			err := c.client.Set(ctx, nodeKey(path), data, SessionTTL).Err()
			if err != nil && ctx.Err() == nil {
				slog.Warn("ephemeral node renewal failed", "path", path, "error", err)
			}
		}
	}
}

func (c *RedisCoord) Register(ctx context.Context, path string, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.ephemeral[path] = data
	c.mu.Unlock()

	if err := c.client.Set(ctx, nodeKey(path), data, SessionTTL).Err(); err != nil {
		return fmt.Errorf("register %s: %w", path, err)
	}
	c.publish(ctx, path)
	return nil
}

func (c *RedisCoord) Update(ctx context.Context, path string, data []byte) error {
	return c.Register(ctx, path, data)
}

func (c *RedisCoord) Unregister(ctx context.Context, path string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	delete(c.ephemeral, path)
	c.mu.Unlock()

	if err := c.client.Del(ctx, nodeKey(path)).Err(); err != nil {
		return fmt.Errorf("unregister %s: %w", path, err)
	}
	c.publish(ctx, path)
	return nil
}

func (c *RedisCoord) Get(ctx context.Context, path string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, nodeKey(path)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", path, err)
	}
	return data, true, nil
}

func (c *RedisCoord) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	match := nodeKey(prefix) + "/*"
	iter := c.client.Scan(ctx, 0, match, 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		rest := strings.TrimPrefix(key, nodeKey(prefix)+"/")
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		data, err := c.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		out[rest] = data
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

func (c *RedisCoord) Watch(ctx context.Context, prefix string) (<-chan struct{}, error) {
	sub := c.client.Subscribe(ctx, notifyPrefix+prefix)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("watch %s: %w", prefix, err)
	}

	// The goroutine's lifetime is the caller's ctx, not the session.
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer sub.Close()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-msgs:
			case <-ticker.C:
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, nil
}

func (c *RedisCoord) TryAcquire(ctx context.Context, path, id string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, c.client, []string{nodeKey(path)},
		id, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", path, err)
	}
	if n == 1 {
		c.publish(ctx, path)
	}
	return n == 1, nil
}

func (c *RedisCoord) Release(ctx context.Context, path, id string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.client, []string{nodeKey(path)}, id).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", path, err)
	}
	if n == 1 {
		c.publish(ctx, path)
	}
	return n == 1, nil
}

// publish wakes watchers of the changed path's parent.
func (c *RedisCoord) publish(ctx context.Context, path string) {
	if i := strings.LastIndex(path, "/"); i > 0 {
		c.client.Publish(ctx, notifyPrefix+path[:i], path)
	}
	c.client.Publish(ctx, notifyPrefix+path, path)
}

// Close removes this session's ephemeral nodes and disconnects.
func (c *RedisCoord) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	paths := make([]string, 0, len(c.ephemeral))
	for p := range c.ephemeral {
		paths = append(paths, p)
	}
	c.ephemeral = map[string][]byte{}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, p := range paths {
		c.client.Del(ctx, nodeKey(p))
		c.publish(ctx, p)
	}
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func nodeKey(path string) string { return keyPrefix + path }
