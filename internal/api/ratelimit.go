package api

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	commonerrors "github.com/panditbooking/booking/pkg/errors"
	"github.com/panditbooking/booking/pkg/response"
)

// rateLimiter 固定窗口计数，按调用方限流
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string]*bucket
	limit    int
	window   time.Duration
	now      func() time.Time
	lastGC   time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		requests: make(map[string]*bucket),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// allow 返回是否放行，以及拒绝时距离窗口重置的时间
func (rl *rateLimiter) allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastGC) > rl.window {
		rl.cleanupLocked(now)
		rl.lastGC = now
	}

	b, ok := rl.requests[key]
	if !ok || now.After(b.resetAt) {
		rl.requests[key] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}
	if b.count >= rl.limit {
		return false, b.resetAt.Sub(now)
	}
	b.count++
	return true, 0
}

func (rl *rateLimiter) cleanupLocked(now time.Time) {
	for key, b := range rl.requests {
		if now.After(b.resetAt) {
			delete(rl.requests, key)
		}
	}
}

// rateLimit 必须挂在 authenticate 之后
func rateLimit(rl *rateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := actorFrom(c).ID.String()
		ok, retryAfter := rl.allow(key)
		if !ok {
			secs := int(retryAfter / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			response.WriteErrorCode(c.Writer, c.Request, commonerrors.CodeRateLimited, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}
