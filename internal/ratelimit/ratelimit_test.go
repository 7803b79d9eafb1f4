package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLimiter(client, nil), mr
}

func TestClientIP_PrefersCDNHeader(t *testing.T) {
	r := &http.Request{Header: http.Header{
		"Cf-Connecting-Ip": {"1.1.1.1"},
		"X-Real-Ip":        {"2.2.2.2"},
	}, RemoteAddr: "3.3.3.3:5000"}
	if got := ClientIP(r); got != "1.1.1.1" {
		t.Fatalf("got %s, want 1.1.1.1", got)
	}
}

func TestClientIP_FallsBackToRealIP(t *testing.T) {
	r := &http.Request{Header: http.Header{
		"X-Real-Ip": {"2.2.2.2"},
	}, RemoteAddr: "3.3.3.3:5000"}
	if got := ClientIP(r); got != "2.2.2.2" {
		t.Fatalf("got %s, want 2.2.2.2", got)
	}
}

func TestClientIP_FallsBackToForwardedForLeftmost(t *testing.T) {
	r := &http.Request{Header: http.Header{
		"X-Forwarded-For": {"4.4.4.4, 5.5.5.5"},
	}, RemoteAddr: "3.3.3.3:5000"}
	if got := ClientIP(r); got != "4.4.4.4" {
		t.Fatalf("got %s, want 4.4.4.4", got)
	}
}

func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	r := &http.Request{Header: http.Header{}, RemoteAddr: "3.3.3.3:5000"}
	if got := ClientIP(r); got != "3.3.3.3" {
		t.Fatalf("got %s, want 3.3.3.3", got)
	}
}

func TestPressTiersStricterThanGeneral(t *testing.T) {
	if PressBurst.Limit >= GeneralBurst.Limit {
		t.Fatalf("press burst limit should be stricter than general")
	}
	if PressSustained.Limit >= GeneralSustained.Limit {
		t.Fatalf("press sustained limit should be stricter than general")
	}
}

func TestCheck_AllowsUpToLimitThenRejectsWithRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t)
	tier := Tier{Name: "rl:test", Limit: 3, Window: time.Second}

	for i := 0; i < 3; i++ {
		result := l.Check(context.Background(), "9.9.9.9", tier)
		if !result.Allowed {
			t.Fatalf("request %d: expected allowed, got rejected", i+1)
		}
	}

	result := l.Check(context.Background(), "9.9.9.9", tier)
	if result.Allowed {
		t.Fatalf("expected the request past the limit to be rejected")
	}
	if result.RetryAfter < time.Second {
		t.Fatalf("retry after = %v, want >= 1s", result.RetryAfter)
	}
}

func TestCheck_WindowSlidesPastExpiredMembers(t *testing.T) {
	l, _ := newTestLimiter(t)
	tier := Tier{Name: "rl:test", Limit: 1, Window: time.Second}

	base := time.Now()
	l.now = func() time.Time { return base }
	if result := l.Check(context.Background(), "9.9.9.9", tier); !result.Allowed {
		t.Fatalf("first request should be allowed")
	}
	if result := l.Check(context.Background(), "9.9.9.9", tier); result.Allowed {
		t.Fatalf("second request within the window should be rejected")
	}

	l.now = func() time.Time { return base.Add(2 * time.Second) }
	if result := l.Check(context.Background(), "9.9.9.9", tier); !result.Allowed {
		t.Fatalf("request after the window elapsed should be allowed")
	}
}

func TestCheck_IndependentIPsDoNotShareABudget(t *testing.T) {
	l, _ := newTestLimiter(t)
	tier := Tier{Name: "rl:test", Limit: 1, Window: time.Second}

	if result := l.Check(context.Background(), "1.1.1.1", tier); !result.Allowed {
		t.Fatalf("first IP's request should be allowed")
	}
	if result := l.Check(context.Background(), "2.2.2.2", tier); !result.Allowed {
		t.Fatalf("second IP's request should be allowed independently")
	}
}

func TestCheck_BlocklistedIPRejectedBeforeTierCheck(t *testing.T) {
	l, _ := newTestLimiter(t)
	if err := l.Block(context.Background(), "6.6.6.6"); err != nil {
		t.Fatalf("block: %v", err)
	}

	result := l.Check(context.Background(), "6.6.6.6", GeneralBurst)
	if result.Allowed || !result.Blocklisted {
		t.Fatalf("expected blocklisted rejection, got %+v", result)
	}
}

func TestCheck_UnblockRestoresAccess(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	if err := l.Block(ctx, "6.6.6.6"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := l.Unblock(ctx, "6.6.6.6"); err != nil {
		t.Fatalf("unblock: %v", err)
	}

	result := l.Check(ctx, "6.6.6.6", GeneralBurst)
	if !result.Allowed {
		t.Fatalf("expected the unblocked IP to pass, got %+v", result)
	}
}
