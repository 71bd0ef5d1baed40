package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemory_FIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	for _, step := range []string{"import_resource", "publish_resource", "create_geonode_resource"} {
		if err := q.Enqueue(ctx, Task{ExecID: "e1", Step: step}); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Errorf("Len() = %d, want 3", n)
	}
	for _, want := range []string{"import_resource", "publish_resource", "create_geonode_resource"} {
		d, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if d.Task.Step != want {
			t.Errorf("Dequeue() = %s, want %s", d.Task.Step, want)
		}
	}
}

func TestMemory_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory()
	got := make(chan Task, 1)
	go func() {
		d, err := q.Dequeue(context.Background())
		if err == nil {
			got <- d.Task
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(context.Background(), Task{ExecID: "e2", Step: "import_resource"})

	select {
	case task := <-got:
		if task.ExecID != "e2" {
			t.Errorf("task = %v", task)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake up")
	}
}

func TestMemory_CancelAndClose(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Dequeue() error = %v, want deadline exceeded", err)
	}

	q.Close()
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Dequeue() after Close error = %v, want ErrClosed", err)
	}
	if err := q.Enqueue(context.Background(), Task{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after Close error = %v, want ErrClosed", err)
	}
}

func TestPool_RunsEveryTask(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	wg.Add(21)
	pool := NewPool(q, 4, func(_ context.Context, task Task) error {
		defer wg.Done()
		mu.Lock()
		seen[task.ExecID] = true
		mu.Unlock()
		if task.ExecID == "e3" {
			panic("boom")
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	for i := range 20 {
		q.Enqueue(ctx, Task{ExecID: "e" + string(rune('a'+i)), Step: "s"})
	}
	q.Enqueue(ctx, Task{ExecID: "e3", Step: "s"})

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks not processed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v, want nil on cancel", err)
	}
	if len(seen) != 21 {
		t.Errorf("processed %d distinct tasks, want 21", len(seen))
	}
}

func TestFanout(t *testing.T) {
	var running, peak int32
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	var sum int64
	err := Fanout(context.Background(), 2, items, func(_ context.Context, n int) error {
		cur := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt64(&sum, int64(n))
		return nil
	})
	if err != nil {
		t.Fatalf("Fanout() error = %v", err)
	}
	if sum != 36 {
		t.Errorf("sum = %d, want 36", sum)
	}
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}

	boom := errors.New("boom")
	err = Fanout(context.Background(), 0, items, func(_ context.Context, n int) error {
		if n == 5 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("Fanout() error = %v, want boom", err)
	}
}

func TestTaskCodec(t *testing.T) {
	raw, err := encodeTask(Task{ExecID: "abc", Step: "publish_resource"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeTask(raw)
	if err != nil || got.ExecID != "abc" || got.Step != "publish_resource" {
		t.Errorf("decodeTask() = %+v, %v", got, err)
	}
	if _, err := decodeTask("not json"); err == nil {
		t.Error("decodeTask(garbage) = nil error")
	}
}

// Requires a reachable Redis; set GEOIMPORT_TEST_REDIS=host:port.
func TestRedis_RoundTrip(t *testing.T) {
	addr := os.Getenv("GEOIMPORT_TEST_REDIS")
	if addr == "" {
		t.Skip("GEOIMPORT_TEST_REDIS not set")
	}
	ctx := context.Background()
	q, err := NewRedis(ctx, RedisConfig{Addr: addr, Key: "geoimport:test:" + time.Now().Format("150405.000"), Poll: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	if err := q.Enqueue(ctx, Task{ExecID: "r1", Step: "import_resource"}); err != nil {
		t.Fatal(err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil || d.Task.ExecID != "r1" {
		t.Fatalf("Dequeue() = %+v, %v", d, err)
	}
	if n, _ := q.Recover(ctx); n != 1 {
		t.Errorf("Recover() = %d, want 1 unacked task", n)
	}
	d, _ = q.Dequeue(ctx)
	if err := q.Ack(ctx, d); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Recover(ctx); n != 0 {
		t.Errorf("Recover() after Ack = %d, want 0", n)
	}
}
