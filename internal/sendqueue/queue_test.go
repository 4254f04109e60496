package sendqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDoIsFIFOAndExclusive(t *testing.T) {
	q := New("to_game", nil)
	release, err := q.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var (
		mu     sync.Mutex
		order  []int
		active int
		peak   int
		wg     sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				active++
				peak = max(peak, active)
				order = append(order, i)
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}(i)
		// let each waiter enqueue before the next
		for q.Depth() < i+2 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(2 * time.Millisecond)
	}
	release()
	wg.Wait()

	if peak != 1 {
		t.Fatalf("peak concurrency = %d", peak)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
	if q.Depth() != 0 {
		t.Fatalf("depth = %d", q.Depth())
	}
}

func TestDoCancelledWhileWaiting(t *testing.T) {
	q := New("to_chat", nil)
	release, _ := q.Acquire(context.Background())
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ran := false
	err := q.Do(ctx, func(context.Context) error { ran = true; return nil })
	if !errors.Is(err, context.DeadlineExceeded) || ran {
		t.Fatalf("err = %v ran = %v", err, ran)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	q := New("q", nil)
	release, _ := q.Acquire(context.Background())
	release()
	release()
	if q.Depth() != 0 {
		t.Fatalf("depth = %d", q.Depth())
	}
	if err := q.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Do after release: %v", err)
	}
}
