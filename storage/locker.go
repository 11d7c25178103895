package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const lockPrefix = "kando:inflight:"

// releaseScript deletes a marker only while it still carries our token, so
// an expired claim taken over by another instance is left alone.
var releaseScript = redis.NewScript(`
local n = 0
for i, key in ipairs(KEYS) do
	if redis.call("GET", key) == ARGV[1] then
		n = n + redis.call("DEL", key)
	end
end
return n
`)

// RedisLocker stores in-flight markers in Redis so every instance serving
// the board sees the same claims. Markers expire after ttl in case a holder
// dies before releasing.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisLocker creates a locker using the provided Redis client and TTL.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *log.Logger) *RedisLocker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

// Acquire claims every key in a single pipeline. When any key is already
// held, the keys claimed by this call are released again.
func (r *RedisLocker) Acquire(ctx context.Context, keys []string) (func(), bool, error) {
	keys = dedupe(keys)
	if len(keys) == 0 {
		return func() {}, true, nil
	}
	token := uuid.NewString()

	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.SetNX(ctx, lockPrefix+key, token, r.ttl)
		}
		return nil
	})
	claimed := make([]string, 0, len(keys))
	acquired := err == nil
	for i, cmd := range cmds {
		boolCmd, ok := cmd.(*redis.BoolCmd)
		if !ok {
			if err == nil {
				err = fmt.Errorf("unexpected redis response type %T", cmd)
			}
			acquired = false
			continue
		}
		set, cmdErr := boolCmd.Result()
		if cmdErr != nil || !set {
			acquired = false
			continue
		}
		claimed = append(claimed, keys[i])
	}
	if !acquired {
		r.release(claimed, token)
		return func() {}, false, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(claimed, token) })
	}, true, nil
}

func (r *RedisLocker) release(keys []string, token string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = lockPrefix + k
	}
	// Release runs after the caller's request may have finished.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, full, token).Err(); err != nil {
		r.logger.WithError(err).WithField("keys", keys).Warn("inflight release failed")
	}
}

func dedupe(keys []string) []string {
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
