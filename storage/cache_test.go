package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"kando-api/domain"
)

type stubBackend struct {
	fetchColumnsFn func(ctx context.Context) ([]domain.Column, error)
	fetchTasksFn   func(ctx context.Context) ([]domain.Task, error)
	writeFn        func(op string) error
}

func (s *stubBackend) FetchColumns(ctx context.Context) ([]domain.Column, error) {
	if s.fetchColumnsFn == nil {
		return nil, errors.New("unexpected FetchColumns call")
	}
	return s.fetchColumnsFn(ctx)
}

func (s *stubBackend) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	if s.fetchTasksFn == nil {
		return nil, errors.New("unexpected FetchTasks call")
	}
	return s.fetchTasksFn(ctx)
}

func (s *stubBackend) write(op string) error {
	if s.writeFn == nil {
		return errors.New("unexpected " + op + " call")
	}
	return s.writeFn(op)
}

func (s *stubBackend) CreateTask(_ context.Context, title string, columnID int64, tag, ownerID string) (domain.Task, error) {
	if err := s.write("CreateTask"); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{ID: 1, Title: title, ColumnID: columnID, Tag: tag, OwnerID: ownerID}, nil
}

func (s *stubBackend) UpdateTask(context.Context, int64, domain.TaskPatch) error {
	return s.write("UpdateTask")
}

func (s *stubBackend) DeleteTask(context.Context, int64) error {
	return s.write("DeleteTask")
}

func (s *stubBackend) UpdateTaskColumn(context.Context, int64, int64) error {
	return s.write("UpdateTaskColumn")
}

func (s *stubBackend) CreateColumn(_ context.Context, title, status string, position int) (domain.Column, error) {
	if err := s.write("CreateColumn"); err != nil {
		return domain.Column{}, err
	}
	return domain.Column{ID: 1, Title: title, Status: status, Position: position}, nil
}

func (s *stubBackend) UpdateColumnTitle(context.Context, int64, string) error {
	return s.write("UpdateColumnTitle")
}

func (s *stubBackend) UpdateColumnPosition(context.Context, int64, int) error {
	return s.write("UpdateColumnPosition")
}

func (s *stubBackend) DeleteColumn(context.Context, int64) error {
	return s.write("DeleteColumn")
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheFetchTasksMissThenHit(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	expected := []domain.Task{{ID: 7, Title: "Write code", ColumnID: 2, OwnerID: "u1", CreatedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}}

	var calls int
	cache := NewCache(&stubBackend{
		fetchTasksFn: func(context.Context) ([]domain.Task, error) {
			calls++
			return append([]domain.Task(nil), expected...), nil
		},
	}, client, time.Minute)

	tasks, err := cache.FetchTasks(ctx)
	if err != nil {
		t.Fatalf("fetch tasks: %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if ttl := mr.TTL(tasksCacheKey); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.FetchTasks(ctx)
	if err != nil {
		t.Fatalf("fetch cached tasks: %v", err)
	}
	if len(cached) != 1 || cached[0].ID != 7 || !cached[0].CreatedAt.Equal(expected[0].CreatedAt) {
		t.Fatalf("unexpected cached tasks: %#v", cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached fetch to avoid backend, calls=%d", calls)
	}
}

func TestCacheFetchColumnsMissThenHit(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	expected := []domain.Column{{ID: 1, Title: "Todo", Status: domain.StatusTodo, Position: 0}, {ID: 2, Title: "Done", Position: 1}}

	var calls int
	cache := NewCache(&stubBackend{
		fetchColumnsFn: func(context.Context) ([]domain.Column, error) {
			calls++
			return append([]domain.Column(nil), expected...), nil
		},
	}, client, time.Minute)

	for i := 0; i < 3; i++ {
		cols, err := cache.FetchColumns(ctx)
		if err != nil {
			t.Fatalf("fetch columns: %v", err)
		}
		if !reflect.DeepEqual(cols, expected) {
			t.Fatalf("unexpected columns: %#v", cols)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", calls)
	}
	if !mr.Exists(columnsCacheKey) {
		t.Fatalf("expected columns cached")
	}
}

func TestCacheWritesEvictKeys(t *testing.T) {
	ctx := context.Background()
	writes := []struct {
		name string
		run  func(c *Cache) error
	}{
		{"create task", func(c *Cache) error { _, err := c.CreateTask(ctx, "t", 1, "", "u1"); return err }},
		{"update task", func(c *Cache) error { return c.UpdateTask(ctx, 1, domain.TaskPatch{}) }},
		{"delete task", func(c *Cache) error { return c.DeleteTask(ctx, 1) }},
		{"move task", func(c *Cache) error { return c.UpdateTaskColumn(ctx, 1, 2) }},
		{"create column", func(c *Cache) error { _, err := c.CreateColumn(ctx, "c", "", 0); return err }},
		{"rename column", func(c *Cache) error { return c.UpdateColumnTitle(ctx, 1, "c") }},
		{"reposition column", func(c *Cache) error { return c.UpdateColumnPosition(ctx, 1, 0) }},
		{"delete column", func(c *Cache) error { return c.DeleteColumn(ctx, 1) }},
	}
	for _, tt := range writes {
		t.Run(tt.name, func(t *testing.T) {
			mr, client := newTestRedis(t)
			if err := client.Set(ctx, tasksCacheKey, []byte("[]"), time.Hour).Err(); err != nil {
				t.Fatalf("seed tasks cache: %v", err)
			}
			if err := client.Set(ctx, columnsCacheKey, []byte("[]"), time.Hour).Err(); err != nil {
				t.Fatalf("seed columns cache: %v", err)
			}
			cache := NewCache(&stubBackend{writeFn: func(string) error { return nil }}, client, time.Minute)

			if err := tt.run(cache); err != nil {
				t.Fatalf("write: %v", err)
			}
			if mr.Exists(tasksCacheKey) || mr.Exists(columnsCacheKey) {
				t.Fatalf("cache keys should be evicted")
			}
		})
	}
}

func TestCacheSkipsFillWhenWriteRacesFetch(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	var cache *Cache
	var calls int
	cache = NewCache(&stubBackend{
		fetchTasksFn: func(context.Context) ([]domain.Task, error) {
			calls++
			if calls == 1 {
				// another session writes while this read is in flight
				if err := cache.UpdateTask(ctx, 7, domain.TaskPatch{}); err != nil {
					return nil, err
				}
			}
			return []domain.Task{{ID: 7, Title: "stale"}}, nil
		},
		writeFn: func(string) error { return nil },
	}, client, time.Minute)

	if _, err := cache.FetchTasks(ctx); err != nil {
		t.Fatalf("fetch tasks: %v", err)
	}
	if mr.Exists(tasksCacheKey) {
		t.Fatalf("rows read before the write should not be cached")
	}

	if _, err := cache.FetchTasks(ctx); err != nil {
		t.Fatalf("refetch tasks: %v", err)
	}
	if !mr.Exists(tasksCacheKey) {
		t.Fatalf("expected the quiet refetch to fill the cache")
	}
	if calls != 2 {
		t.Fatalf("expected 2 backend calls, got %d", calls)
	}
}

func TestCacheWriteErrorPreservesCache(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	if err := client.Set(ctx, tasksCacheKey, []byte("[]"), time.Hour).Err(); err != nil {
		t.Fatalf("seed tasks cache: %v", err)
	}

	cache := NewCache(&stubBackend{writeFn: func(string) error { return errors.New("boom") }}, client, time.Minute)
	if err := cache.UpdateTask(ctx, 1, domain.TaskPatch{}); err == nil {
		t.Fatalf("expected write error")
	}
	if !mr.Exists(tasksCacheKey) {
		t.Fatalf("tasks cache should remain on error")
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	if err := client.Set(ctx, columnsCacheKey, []byte("not json"), time.Hour).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	cache := NewCache(&stubBackend{
		fetchColumnsFn: func(context.Context) ([]domain.Column, error) {
			return []domain.Column{{ID: 3, Title: "Fresh"}}, nil
		},
	}, client, time.Minute)

	cols, err := cache.FetchColumns(ctx)
	if err != nil {
		t.Fatalf("fetch columns: %v", err)
	}
	if len(cols) != 1 || cols[0].ID != 3 {
		t.Fatalf("unexpected columns: %#v", cols)
	}
	if got, _ := mr.Get(columnsCacheKey); got == "not json" {
		t.Fatalf("corrupt entry should be replaced")
	}
}

func TestCacheWithoutRedisPassesThrough(t *testing.T) {
	var calls int
	cache := NewCache(&stubBackend{
		fetchTasksFn: func(context.Context) ([]domain.Task, error) {
			calls++
			return nil, nil
		},
	}, nil, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := cache.FetchTasks(context.Background()); err != nil {
			t.Fatalf("fetch tasks: %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected every fetch to reach the backend, got %d", calls)
	}
}

func TestCacheFetchProfilesWithoutSupport(t *testing.T) {
	cache := NewCache(&stubBackend{}, nil, 0)
	profiles, err := cache.FetchProfiles(context.Background(), []string{"u1"})
	if err != nil || profiles != nil {
		t.Fatalf("expected empty pass-through, got %v, %v", profiles, err)
	}
}
