package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

func TestMemoryFailsFast(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	release, ok, err := m.TryAcquire(ctx, "api:alice")
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := m.TryAcquire(ctx, "api:alice"); ok {
		t.Fatal("expected second acquire of the same key to fail")
	}
	otherRelease, ok, _ := m.TryAcquire(ctx, "api:bob")
	if !ok {
		t.Fatal("expected a different key not to contend")
	}
	otherRelease()

	release()
	release()
	again, ok, _ := m.TryAcquire(ctx, "api:alice")
	if !ok {
		t.Fatal("expected re-acquire after release")
	}
	again()
}

func TestMemoryNeverGrantsTwoHolders(t *testing.T) {
	m := NewMemory()
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
		start   = make(chan struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 50; j++ {
				release, ok, _ := m.TryAcquire(context.Background(), "api:alice")
				if !ok {
					continue
				}
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(time.Microsecond)
				inside.Add(-1)
				release()
			}
		}()
	}
	close(start)
	wg.Wait()
	if overlap.Load() {
		t.Fatal("expected at most one holder at a time")
	}
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("DEFICHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DEFICHAT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRedis(client, RedisOptions{Prefix: "defichat:test:" + t.Name() + ":", TTL: 5 * time.Second})
	ctx := context.Background()

	release, ok, err := r.TryAcquire(ctx, "api:alice")
	if err != nil || !ok {
		t.Fatalf("expected acquire, ok=%v err=%v", ok, err)
	}
	if _, ok, err := r.TryAcquire(ctx, "api:alice"); err != nil || ok {
		t.Fatalf("expected busy key, ok=%v err=%v", ok, err)
	}
	release()
	again, ok, err := r.TryAcquire(ctx, "api:alice")
	if err != nil || !ok {
		t.Fatalf("expected re-acquire after release, ok=%v err=%v", ok, err)
	}
	again()
}
