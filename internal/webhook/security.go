package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// HeaderSignature carries the HMAC of the body when a webhook secret is set.
const HeaderSignature = "X-Hub-Signature"

func verifySignature(payload []byte, signature, secret string) error {
	if signature == "" {
		return errors.New("missing signature header")
	}
	expected := computeSignature(payload, secret)
	if !hmac.Equal([]byte(normalizeSignature(signature)), []byte(expected)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func computeSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func normalizeSignature(sig string) string {
	s := strings.TrimSpace(sig)
	return strings.ToLower(strings.TrimPrefix(s, "sha256="))
}

// rateLimiter keeps one token bucket per client address. Idle buckets expire.
type rateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newRateLimiter(requestsPerMin int) *rateLimiter {
	return &rateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](1000, nil, 5*time.Minute),
		rate:     rate.Limit(float64(requestsPerMin) / 60.0),
		burst:    max(1, requestsPerMin/10),
	}
}

func (rl *rateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters.Add(key, limiter)
	}
	rl.mu.Unlock()
	return limiter.Allow()
}
