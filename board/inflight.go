package board

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// ColumnsKey serializes changes to the set or order of columns.
const ColumnsKey = "columns"

func TaskKey(id int64) string {
	return "task:" + strconv.FormatInt(id, 10)
}

func ColumnKey(id int64) string {
	return "column:" + strconv.FormatInt(id, 10)
}

// Locker hands out in-flight markers. Acquire claims every key or none of
// them; acquired is false when any key is already held.
type Locker interface {
	Acquire(ctx context.Context, keys []string) (release func(), acquired bool, err error)
}

// LocalLocker keeps in-flight markers in process memory.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, keys []string) (func(), bool, error) {
	keys = uniqueKeys(keys)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if _, busy := l.held[k]; busy {
			return func() {}, false, nil
		}
	}
	for _, k := range keys {
		l.held[k] = struct{}{}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			for _, k := range keys {
				delete(l.held, k)
			}
			l.mu.Unlock()
		})
	}, true, nil
}

// Held reports whether key is currently claimed.
func (l *LocalLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
