package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceforge/internal/apperr"
)

func newBucket(t *testing.T, capacity int) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, 1, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2)
	start := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return start }

	d, err := bucket.Allow(ctx, Key("tenant"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 1, d.Remaining, 0.001)

	d, _ = bucket.Allow(ctx, Key("tenant"))
	assert.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, Key("tenant"))
	assert.False(t, d.Allowed, "third token should be rejected")

	// The script takes its clock from the caller, so refill is driven here.
	bucket.now = func() time.Time { return start.Add(1500 * time.Millisecond) }
	d, _ = bucket.Allow(ctx, Key("tenant"))
	assert.True(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Remaining, 0.001)

	d, _ = bucket.Allow(ctx, Key("other"))
	assert.True(t, d.Allowed, "tenants have separate buckets")
}

func TestTenantFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Equal(t, "default", TenantFromRequest(r))
	r.Header.Set(TenantHeader, "studio-a")
	assert.Equal(t, "studio-a", TenantFromRequest(r))
}

func TestMiddleware(t *testing.T) {
	bucket, mr := newBucket(t, 1)
	writeErr := func(w http.ResponseWriter, err error) {
		w.WriteHeader(apperr.HTTPStatus(apperr.KindOf(err)))
		_ = json.NewEncoder(w).Encode(map[string]string{"kind": string(apperr.KindOf(err))})
	}
	h := bucket.Middleware(slog.Default(), writeErr)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/train", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/train", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limited")

	// Fail open when Redis is gone.
	mr.Close()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/train", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
