package slotlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newService(t *testing.T) (*miniredis.Miniredis, *Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(client)
}

func TestKeyFormat(t *testing.T) {
	provider := uuid.MustParse("0b8c2f57-3c1e-4b7e-9d55-2f6f0f3b4a10")
	ist := time.FixedZone("IST", 5*3600+1800)
	at := time.Date(2026, 4, 14, 15, 30, 0, 0, ist)

	want := "slot_lock:0b8c2f57-3c1e-4b7e-9d55-2f6f0f3b4a10:2026-04-14T10:00:00Z"
	if got := Key(provider, at); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestSecondAcquireFailsWhileFirstLives(t *testing.T) {
	mr, svc := newService(t)
	ctx := context.Background()
	key := Key(uuid.New(), time.Now())

	ok, err := svc.Acquire(ctx, key, "booking-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire, got ok=%v err=%v", ok, err)
	}
	ok, err = svc.Acquire(ctx, key, "booking-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail, got ok=%v err=%v", ok, err)
	}
	owner, held, err := svc.Peek(ctx, key)
	if err != nil || !held || owner != "booking-a" {
		t.Fatalf("expected booking-a to hold the lock, got %q held=%v err=%v", owner, held, err)
	}

	mr.FastForward(2 * time.Minute)
	ok, err = svc.Acquire(ctx, key, "booking-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire after expiry, got ok=%v err=%v", ok, err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	_, svc := newService(t)
	ctx := context.Background()
	key := Key(uuid.New(), time.Now())

	if _, err := svc.Acquire(ctx, key, "booking-a", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := svc.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := svc.Release(ctx, key); err != nil {
		t.Fatalf("expected releasing an absent lock to succeed, got %v", err)
	}
	if _, held, _ := svc.Peek(ctx, key); held {
		t.Fatal("expected lock to be gone")
	}
}

func TestReleaseOwnedKeepsOtherOwner(t *testing.T) {
	mr, svc := newService(t)
	ctx := context.Background()
	key := Key(uuid.New(), time.Now())

	if _, err := svc.Acquire(ctx, key, "booking-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	released, err := svc.ReleaseOwned(ctx, key, "booking-b")
	if err != nil || released {
		t.Fatalf("expected foreign release to be refused, got %v (%v)", released, err)
	}
	if !mr.Exists(key) {
		t.Fatal("expected lock to survive foreign release")
	}
	released, err = svc.ReleaseOwned(ctx, key, "booking-a")
	if err != nil || !released {
		t.Fatalf("expected owner release, got %v (%v)", released, err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	_, svc := newService(t)
	ctx := context.Background()
	key := Key(uuid.New(), time.Now())

	var (
		wg   sync.WaitGroup
		wins int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := svc.Acquire(ctx, key, uuid.NewString(), time.Minute)
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestAcquireError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	svc := New(client)
	mock.ExpectSetNX("slot_lock:x", "owner", time.Minute).SetErr(errors.New("connection refused"))

	if _, err := svc.Acquire(context.Background(), "slot_lock:x", "owner", time.Minute); err == nil {
		t.Fatal("expected redis error to propagate")
	}
}
