package keylock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0xEthamin/hangar-back/internal/domain"
)

func TestMemoryLockerSerialisesSameKey(t *testing.T) {
	locker := NewMemory()
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), ProjectKey("site"))
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("expected at most one holder, saw %d", peak)
	}
	if n := locker.(*memoryLocker).size(); n != 0 {
		t.Fatalf("expected entries to be released, %d left", n)
	}
}

func TestMemoryLockerReturnsBusyWhenContextEnds(t *testing.T) {
	locker := NewMemory()
	unlock, err := locker.Lock(context.Background(), DatabaseKey("alice"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, DatabaseKey("alice")); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if n := locker.(*memoryLocker).entries[DatabaseKey("alice")].refs; n != 1 {
		t.Fatalf("expected waiter to drop its reference, refs=%d", n)
	}
}

func TestMemoryLockerIndependentKeys(t *testing.T) {
	locker := NewMemory()
	unlockA, err := locker.Lock(context.Background(), ProjectKey("a"))
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := locker.Lock(ctx, ProjectKey("b"))
	if err != nil {
		t.Fatalf("lock b blocked by a: %v", err)
	}
	unlockB()
	unlockB()
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("HANGAR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HANGAR_TEST_REDIS_ADDR not set")
	}
	locker, err := NewRedis(addr, "", 0, 3*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer locker.Close()

	key := ProjectKey("keylock-test-" + time.Now().Format("150405.000000"))
	unlock, err := locker.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, key); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	unlock()
	again, err := locker.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}
