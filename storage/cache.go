package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"kando-api/domain"
)

const (
	columnsCacheKey = "kando:board:columns"
	tasksCacheKey   = "kando:board:tasks"
	// generationKey is bumped by every eviction. A read only fills the
	// cache if no eviction happened while it was fetching.
	generationKey = "kando:board:generation"
)

type backend interface {
	FetchColumns(ctx context.Context) ([]domain.Column, error)
	FetchTasks(ctx context.Context) ([]domain.Task, error)
	CreateTask(ctx context.Context, title string, columnID int64, tag, ownerID string) (domain.Task, error)
	UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) error
	DeleteTask(ctx context.Context, id int64) error
	UpdateTaskColumn(ctx context.Context, id, columnID int64) error
	CreateColumn(ctx context.Context, title, status string, position int) (domain.Column, error)
	UpdateColumnTitle(ctx context.Context, id int64, title string) error
	UpdateColumnPosition(ctx context.Context, id int64, position int) error
	DeleteColumn(ctx context.Context, id int64) error
}

type profileBackend interface {
	FetchProfiles(ctx context.Context, ids []string) ([]domain.Profile, error)
}

// Cache wraps a board backend with Redis-backed caching for the two board
// reads. Every write evicts both entries.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
}

func (c *Cache) FetchColumns(ctx context.Context) ([]domain.Column, error) {
	var columns []domain.Column
	if c.load(ctx, columnsCacheKey, &columns) {
		return columns, nil
	}
	gen, ok := c.generation(ctx)
	columns, err := c.base.FetchColumns(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		c.store(ctx, columnsCacheKey, columns, gen)
	}
	return columns, nil
}

func (c *Cache) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if c.load(ctx, tasksCacheKey, &tasks) {
		return tasks, nil
	}
	gen, ok := c.generation(ctx)
	tasks, err := c.base.FetchTasks(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		c.store(ctx, tasksCacheKey, tasks, gen)
	}
	return tasks, nil
}

// FetchProfiles passes through to the base when it can resolve profiles.
func (c *Cache) FetchProfiles(ctx context.Context, ids []string) ([]domain.Profile, error) {
	pb, ok := c.base.(profileBackend)
	if !ok {
		return nil, nil
	}
	return pb.FetchProfiles(ctx, ids)
}

func (c *Cache) CreateTask(ctx context.Context, title string, columnID int64, tag, ownerID string) (domain.Task, error) {
	task, err := c.base.CreateTask(ctx, title, columnID, tag, ownerID)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx)
	return task, nil
}

func (c *Cache) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) error {
	return c.write(ctx, c.base.UpdateTask(ctx, id, patch))
}

func (c *Cache) DeleteTask(ctx context.Context, id int64) error {
	return c.write(ctx, c.base.DeleteTask(ctx, id))
}

func (c *Cache) UpdateTaskColumn(ctx context.Context, id, columnID int64) error {
	return c.write(ctx, c.base.UpdateTaskColumn(ctx, id, columnID))
}

func (c *Cache) CreateColumn(ctx context.Context, title, status string, position int) (domain.Column, error) {
	col, err := c.base.CreateColumn(ctx, title, status, position)
	if err != nil {
		return domain.Column{}, err
	}
	c.evict(ctx)
	return col, nil
}

func (c *Cache) UpdateColumnTitle(ctx context.Context, id int64, title string) error {
	return c.write(ctx, c.base.UpdateColumnTitle(ctx, id, title))
}

func (c *Cache) UpdateColumnPosition(ctx context.Context, id int64, position int) error {
	return c.write(ctx, c.base.UpdateColumnPosition(ctx, id, position))
}

func (c *Cache) DeleteColumn(ctx context.Context, id int64) error {
	return c.write(ctx, c.base.DeleteColumn(ctx, id))
}

// write evicts after a successful base write and passes err through.
func (c *Cache) write(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) load(ctx context.Context, key string, dst any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

// generation reads the eviction counter. It reports false when Redis is
// unavailable so nothing gets stored.
func (c *Cache) generation(ctx context.Context) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, generationKey).Result()
	if err == redis.Nil {
		return "", true
	}
	return gen, err == nil
}

// store caches v unless an eviction happened since gen was read.
func (c *Cache) store(ctx context.Context, key string, v any, gen string) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, generationKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}, generationKey)
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey)
		pipe.Del(ctx, columnsCacheKey, tasksCacheKey)
		return nil
	})
}
