// Package ratelimit guards the job-creating endpoints with a per-tenant
// token bucket kept in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"voiceforge/internal/apperr"
	"voiceforge/internal/telemetry"
)

// TenantHeader selects the bucket; requests without it share "default".
const TenantHeader = "X-Tenant-ID"

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
}

// TokenBucket is a Redis-backed token bucket. Refill and consume happen in one
// Lua script so concurrent API replicas see a consistent count.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for key if one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	allowed, _ := arr[0].(int64)
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case string:
		remaining, _ = strconv.ParseFloat(v, 64)
	}
	return Decision{Allowed: allowed == 1, Remaining: remaining}, nil
}

// Key is the bucket key of a tenant.
func Key(tenant string) string {
	return "rl:" + tenant
}

// TenantFromRequest reads the tenant header, defaulting to "default".
func TenantFromRequest(r *http.Request) string {
	if v := r.Header.Get(TenantHeader); v != "" {
		return v
	}
	return "default"
}

// ErrorWriter renders a classified error onto the response.
type ErrorWriter func(w http.ResponseWriter, err error)

// Middleware rejects requests whose tenant bucket is empty. Redis errors are
// logged and the request is let through.
func (b *TokenBucket) Middleware(log *slog.Logger, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := TenantFromRequest(r)
			d, err := b.Allow(r.Context(), Key(tenant))
			if err != nil {
				log.Warn("rate limiter unavailable", "tenant", tenant, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Floor(d.Remaining))))
			if !d.Allowed {
				telemetry.RateLimitRejects.Inc()
				writeErr(w, &apperr.Error{Kind: apperr.KindRateLimited, Message: "rate limit exceeded, retry later"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Remaining tokens are returned as a string: Lua numbers are truncated to
// integers when converted to Redis replies.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
