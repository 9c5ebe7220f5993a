package ratelimit

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultMessage is returned to limited clients.
const DefaultMessage = "Too many requests from this IP, please try again later."

// Limiter implements a token bucket rate limiter backed by Redis. Without a
// Redis client it keeps per-key buckets in process memory.
type Limiter struct {
	rdb     *redis.Client
	limit   int           // max tokens per window
	window  time.Duration // window for limit
	prefix  string
	Message string

	now       func() time.Time
	mu        sync.Mutex
	local     map[string]*bucket
	lastSweep time.Time
}

// bucket is an in-process token bucket and the last time it was used.
type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// New returns a new Limiter. limit is the maximum number of requests per window.
// prefix namespaces keys in Redis so several limiters can share one server.
func New(rdb *redis.Client, limit int, window time.Duration, prefix string) *Limiter {
	if prefix == "" {
		prefix = "rl:"
	} else if !strings.HasPrefix(prefix, "rl:") {
		prefix = "rl:" + prefix
	}
	return &Limiter{
		rdb:     rdb,
		limit:   limit,
		window:  window,
		prefix:  prefix,
		Message: DefaultMessage,
		now:     time.Now,
		local:   map[string]*bucket{},
	}
}

// Allow consumes a token for the given key if available.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 || l.window <= 0 {
		return true, nil
	}
	if l.rdb == nil {
		return l.allowLocal(key), nil
	}
	now := l.now().UnixMilli()
	interval := l.window.Milliseconds() / int64(l.limit)
	if interval < 1 {
		interval = 1
	}
	res, err := l.rdb.Eval(ctx, luaScript, []string{l.prefix + key}, l.limit, interval, now).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// allowLocal refills idle buckets completely after one window, so buckets
// unused for longer than that are dropped.
func (l *Limiter) allowLocal(key string) bool {
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.window {
		for k, b := range l.local {
			if now.Sub(b.seen) >= l.window {
				delete(l.local, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.local[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(l.window/time.Duration(l.limit)), l.limit)}
		l.local[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// ClientIP keys requests by the caller's address.
func ClientIP(c *gin.Context) string { return c.ClientIP() }

// Middleware returns a Gin middleware that rate limits based on the provided
// keyFunc. Redis errors fail open.
func (l *Limiter) Middleware(keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := l.Allow(c.Request.Context(), keyFunc(c))
		if err != nil {
			log.Ctx(c.Request.Context()).Error().Err(err).Msg("rate limit check")
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "message": l.Message})
			return
		}
		c.Next()
	}
}

// luaScript implements a token bucket in Redis. It stores the remaining tokens
// and last refill timestamp in a hash per key.
const luaScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = capacity
  ts = now
else
  local delta = now - ts
  local add = math.floor(delta / interval)
  if add > 0 then
    tokens = math.min(tokens + add, capacity)
    ts = ts + add * interval
  end
end
local allowed = 0
if tokens > 0 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HMSET', key, 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', key, interval * capacity)
return allowed
`
