package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestIncrRate(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.IncrRate(ctx, "agent-a")
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != want {
			t.Fatalf("count = %d, want %d", n, want)
		}
	}

	// The window expiry is armed on the first increment.
	ttl := mr.TTL(rateKeyPrefix + "agent-a")
	if ttl <= 0 || ttl > rateWindow {
		t.Errorf("ttl = %v, want (0, %v]", ttl, rateWindow)
	}

	// After the window lapses the counter restarts.
	mr.FastForward(rateWindow + time.Second)
	n, err := s.IncrRate(ctx, "agent-a")
	if err != nil {
		t.Fatalf("incr after expiry: %v", err)
	}
	if n != 1 {
		t.Errorf("count after window = %d, want 1", n)
	}
}

func TestIncrRatePerAgent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if _, err := s.IncrRate(ctx, "agent-a"); err != nil {
		t.Fatal(err)
	}
	n, err := s.IncrRate(ctx, "agent-b")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("agent-b count = %d, want 1 (counters shared?)", n)
	}
}

func TestBlacklistLifecycle(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	listed, err := s.IsBlacklisted(ctx, "agent-a")
	if err != nil {
		t.Fatal(err)
	}
	if listed {
		t.Fatal("fresh agent reported blacklisted")
	}

	if err := s.Blacklist(ctx, "agent-a", time.Hour); err != nil {
		t.Fatal(err)
	}
	if listed, _ = s.IsBlacklisted(ctx, "agent-a"); !listed {
		t.Fatal("blacklisted agent not reported")
	}

	// The entry lapses with its TTL.
	mr.FastForward(2 * time.Hour)
	if listed, _ = s.IsBlacklisted(ctx, "agent-a"); listed {
		t.Fatal("blacklist survived its TTL")
	}

	if err := s.Blacklist(ctx, "agent-a", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.Unblacklist(ctx, "agent-a"); err != nil {
		t.Fatal(err)
	}
	if listed, _ = s.IsBlacklisted(ctx, "agent-a"); listed {
		t.Fatal("blacklist survived explicit removal")
	}
}

func TestMessageWindowOrderAndTrim(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	for i := 0; i < windowLen+5; i++ {
		if err := s.PushMessageFingerprint(ctx, "agent-a", fmt.Sprintf("fp-%d", i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	window, err := s.MessageWindow(ctx, "agent-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != windowLen {
		t.Fatalf("window length = %d, want %d", len(window), windowLen)
	}
	// Newest first; the oldest five fell off.
	if window[0] != fmt.Sprintf("fp-%d", windowLen+4) {
		t.Errorf("window head = %s", window[0])
	}
	if window[windowLen-1] != "fp-5" {
		t.Errorf("window tail = %s", window[windowLen-1])
	}
}

func TestThreatIntelSets(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if err := s.AddBadIP(ctx, "203.0.113.66"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddBadDomain(ctx, "malware.example"); err != nil {
		t.Fatal(err)
	}

	bad, err := s.IsBadIP(ctx, "203.0.113.66")
	if err != nil {
		t.Fatal(err)
	}
	if !bad {
		t.Error("known bad IP not reported")
	}
	if bad, _ = s.IsBadIP(ctx, "198.51.100.1"); bad {
		t.Error("clean IP reported bad")
	}
	if bad, _ = s.IsBadDomain(ctx, "malware.example"); !bad {
		t.Error("known bad domain not reported")
	}
	if bad, _ = s.IsBadDomain(ctx, "example.org"); bad {
		t.Error("clean domain reported bad")
	}
}
