package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func router(l *Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(l.Middleware(func(c *gin.Context) string { return "key" }))
	r.GET("/", func(c *gin.Context) { c.String(200, "ok") })
	return r
}

func hit(r *gin.Engine) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	return rr
}

func TestRedisMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := router(New(rdb, 2, time.Minute, "api"))

	require.Equal(t, 200, hit(r).Code)
	require.Equal(t, 200, hit(r).Code)
	rr := hit(r)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, DefaultMessage, body["message"])
	assert.True(t, mr.Exists("rl:apikey"))

	// the bucket key expires after a full window
	mr.FastForward(time.Minute)
	assert.Equal(t, 200, hit(r).Code)
}

func TestLocalFallback(t *testing.T) {
	l := New(nil, 1, time.Hour, "auth")
	l.Message = "slow down"
	r := router(l)
	assert.Equal(t, 200, hit(r).Code)
	rr := hit(r)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "slow down")
}

func TestLocalBucketsExpireWhenIdle(t *testing.T) {
	l := New(nil, 1, time.Minute, "")
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		ok, err := l.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "a")
	assert.False(t, ok, "bucket a is spent")
	assert.Len(t, l.local, 3)

	clock = clock.Add(30 * time.Second)
	_, _ = l.Allow(ctx, "d")
	assert.Len(t, l.local, 4)

	clock = clock.Add(45 * time.Second)
	ok, _ = l.Allow(ctx, "d")
	assert.False(t, ok, "bucket d has not refilled")
	assert.Len(t, l.local, 1, "idle buckets should be dropped")
	assert.Contains(t, l.local, "d")

	ok, _ = l.Allow(ctx, "a")
	assert.True(t, ok, "an expired key starts with a full bucket")
}

func TestDisabled(t *testing.T) {
	r := router(New(nil, 0, time.Minute, ""))
	for i := 0; i < 5; i++ {
		assert.Equal(t, 200, hit(r).Code)
	}
}

func TestRedisErrorFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	r := router(New(rdb, 1, time.Minute, ""))
	mr.Close()
	assert.Equal(t, 200, hit(r).Code)
}
