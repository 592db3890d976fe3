package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(perMinute, burst int) *Limiter {
	return New(Config{
		RequestsPerMinute: perMinute,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
}

func TestAllowBurstThenDeny(t *testing.T) {
	limiter := newTestLimiter(60, 5)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Errorf("request %d should fit in the burst", i)
		}
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("request past the burst should be denied")
	}

	// One token refills per second at 60/min.
	time.Sleep(1100 * time.Millisecond)
	if !limiter.Allow("10.0.0.1") {
		t.Error("request after refill should be allowed")
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	limiter := newTestLimiter(60, 3)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("10.0.0.1")
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("first client should be throttled")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Error("second client has its own bucket")
	}
}

func TestRefillIsGradual(t *testing.T) {
	limiter := newTestLimiter(600, 1) // 10 tokens per second
	defer limiter.Stop()

	if !limiter.Allow("10.0.0.1") {
		t.Fatal("first request should be allowed")
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("second immediate request should be denied")
	}

	time.Sleep(110 * time.Millisecond)
	if !limiter.Allow("10.0.0.1") {
		t.Error("request after refill window should be allowed")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
