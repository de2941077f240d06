package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/relaykit/relaykit/dedupe"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, opts...), mr
}

func TestRecordThenDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	out, err := s.RecordIfAbsent(ctx, "wh-1", "evt_1", time.Minute)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if out != dedupe.Recorded {
		t.Fatalf("first = %s", out)
	}

	out, err = s.RecordIfAbsent(ctx, "wh-1", "evt_1", time.Minute)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if out != dedupe.Duplicate {
		t.Fatalf("second = %s", out)
	}
}

func TestEntryExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if out, _ := s.RecordIfAbsent(ctx, "wh-1", "evt_1", time.Second); out != dedupe.Recorded {
		t.Fatalf("first = %s", out)
	}

	mr.FastForward(2 * time.Second)

	if out, _ := s.RecordIfAbsent(ctx, "wh-1", "evt_1", time.Second); out != dedupe.Recorded {
		t.Fatalf("after expiry = %s, want recorded", out)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if out, _ := s.RecordIfAbsent(ctx, "wh-1", "evt_1", time.Minute); out != dedupe.Recorded {
		t.Fatalf("wh-1 = %s", out)
	}
	if out, _ := s.RecordIfAbsent(ctx, "wh-2", "evt_1", time.Minute); out != dedupe.Recorded {
		t.Fatalf("wh-2 = %s", out)
	}
}

func TestEvictsOldestBeyondCap(t *testing.T) {
	s, _ := newTestStore(t, WithMaxPerScope(3))
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	for i := 0; i < 4; i++ {
		token := fmt.Sprintf("evt_%d", i)
		if out, err := s.RecordIfAbsent(ctx, "wh-1", token, time.Hour); err != nil || out != dedupe.Recorded {
			t.Fatalf("token %s: out=%s err=%v", token, out, err)
		}
	}

	if out, _ := s.RecordIfAbsent(ctx, "wh-1", "evt_0", time.Hour); out != dedupe.Recorded {
		t.Fatalf("evicted oldest should record again, got %s", out)
	}
	if out, _ := s.RecordIfAbsent(ctx, "wh-1", "evt_3", time.Hour); out != dedupe.Duplicate {
		t.Fatalf("newest should survive eviction, got %s", out)
	}
}

func TestRedisDownSurfacesError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	s := New(rdb)
	mr.Close()

	if _, err := s.RecordIfAbsent(context.Background(), "wh-1", "evt_1", time.Minute); err == nil {
		t.Fatal("expected an error when redis is down")
	}
}
