package handlers

import (
	"testing"
	"time"
)

func TestSimpleRateLimiterWindowReset(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	limiter := NewSimpleRateLimiter(2, time.Minute, func() time.Time { return now })

	if !limiter.Allow("ip:1.2.3.4") || !limiter.Allow("ip:1.2.3.4") {
		t.Fatal("expected first two requests to pass")
	}
	if limiter.Allow("ip:1.2.3.4") {
		t.Fatal("expected third request within the window to be rejected")
	}
	if !limiter.Allow("ip:5.6.7.8") {
		t.Fatal("expected a different key to be unaffected")
	}

	now = now.Add(61 * time.Second)
	if !limiter.Allow("ip:1.2.3.4") {
		t.Fatal("expected request after window expiry to pass")
	}
}

func TestSimpleRateLimiterDisabled(t *testing.T) {
	if limiter := NewSimpleRateLimiter(0, time.Minute, nil); limiter != nil {
		t.Fatal("expected nil limiter for zero limit")
	}
	if limiter := NewSimpleRateLimiter(10, 0, nil); limiter != nil {
		t.Fatal("expected nil limiter for zero window")
	}
}

func TestTieredRateLimiterDispatch(t *testing.T) {
	fallback := NewSimpleRateLimiter(1, time.Minute, nil)
	operator := NewSimpleRateLimiter(2, time.Minute, nil)
	limiter := NewTieredRateLimiter(fallback, operator)

	if !limiter.Allow("ip:1.2.3.4") {
		t.Fatal("expected first anonymous request to pass")
	}
	if limiter.Allow("ip:1.2.3.4") {
		t.Fatal("expected second anonymous request to hit the fallback limit")
	}

	if !limiter.Allow("op:op-7") || !limiter.Allow("op:op-7") {
		t.Fatal("expected operator requests to use the operator limit")
	}
	if limiter.Allow("op:op-7") {
		t.Fatal("expected third operator request to be rejected")
	}
}

func TestTieredRateLimiterNilTiers(t *testing.T) {
	if limiter := NewTieredRateLimiter(nil, nil); limiter != nil {
		t.Fatal("expected nil limiter when both tiers are nil")
	}

	limiter := NewTieredRateLimiter(NewSimpleRateLimiter(1, time.Minute, nil), nil)
	if !limiter.Allow("op:op-7") || !limiter.Allow("op:op-7") {
		t.Fatal("expected operator keys to be unthrottled without an operator tier")
	}
}
