package ratelimit

import (
	"testing"
	"time"
)

// Scenario 6 (§8): maxRequests=3, windowMs=60000 — first three succeed, the
// fourth is rejected.
func TestSlidingWindowAdmitsThreeRejectsFourth(t *testing.T) {
	l := New(60*time.Second, 3, true)
	addr := "10.0.0.1"

	for i := 0; i < 3; i++ {
		if !l.Allow(addr) {
			t.Fatalf("attempt %d should be admitted", i+1)
		}
	}
	if l.Allow(addr) {
		t.Fatal("4th attempt within the window should be rejected")
	}
}

func TestSlidingWindowPerAddressOnly(t *testing.T) {
	l := New(60*time.Second, 1, true)
	if !l.Allow("1.1.1.1") {
		t.Fatal("first attempt from 1.1.1.1 should be admitted")
	}
	if !l.Allow("2.2.2.2") {
		t.Fatal("different address should have its own window")
	}
	if l.Allow("1.1.1.1") {
		t.Fatal("second attempt from 1.1.1.1 should be rejected")
	}
}

func TestDisabledLimiterAlwaysAdmits(t *testing.T) {
	l := New(time.Second, 1, false)
	for i := 0; i < 10; i++ {
		if !l.Allow("x") {
			t.Fatal("disabled limiter should never reject")
		}
	}
}

func TestWindowExpiryReadmits(t *testing.T) {
	l := New(20*time.Millisecond, 1, true)
	if !l.Allow("a") {
		t.Fatal("first attempt should be admitted")
	}
	if l.Allow("a") {
		t.Fatal("second attempt within window should be rejected")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.Allow("a") {
		t.Fatal("attempt after window elapses should be admitted again")
	}
}

func TestPurgeExpiredDropsStaleAddresses(t *testing.T) {
	l := New(10*time.Millisecond, 5, true)
	l.Allow("a")
	time.Sleep(20 * time.Millisecond)
	l.PurgeExpired()
	l.mu.Lock()
	_, ok := l.windows["a"]
	l.mu.Unlock()
	if ok {
		t.Fatal("expired address should be purged")
	}
}
