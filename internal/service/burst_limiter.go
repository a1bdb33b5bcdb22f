package service

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisBurstAllowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`

// BurstLimiter limita cuantas veces se puede pedir algo por clave en una ventana.
type BurstLimiter interface {
	Allow(ctx context.Context, key string) bool
}

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type redisBurstLimiter struct {
	client redisEvaler
	window time.Duration
	max    int
	prefix string
}

// NewRedisBurstLimiter devuelve nil si no hay cliente; un limiter nil permite todo.
func NewRedisBurstLimiter(client redis.UniversalClient, prefix string, window time.Duration, max int) BurstLimiter {
	if client == nil {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	return &redisBurstLimiter{
		client: client,
		window: window,
		max:    max,
		prefix: prefix,
	}
}

// Allow falla abierto: si Redis no responde, permite.
func (l *redisBurstLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.client == nil {
		return true
	}
	normalizedKey := strings.ToLower(strings.TrimSpace(key))
	if normalizedKey == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	seconds := int(l.window.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	count, err := l.client.Eval(ctx, redisBurstAllowScript, []string{l.prefix + normalizedKey}, seconds).Int()
	if err != nil {
		return true
	}
	return count <= l.max
}
