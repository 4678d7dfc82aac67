package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWorkerPoolExecutesSubmittedTasks(t *testing.T) {
	pool := NewWorkerPool(2, 8, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		pool.Submit(func() { wg.Done() })
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all submitted tasks ran")
	}
	pool.Stop()
}

func TestWorkerPoolDropsOnFullQueue(t *testing.T) {
	pool := NewWorkerPool(1, 1, nil, zerolog.Nop())
	block := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	pool.Submit(func() { <-block })
	// Give the single worker a chance to pick up the blocking task so
	// the next two submissions land entirely in (then overflow) the queue.
	time.Sleep(20 * time.Millisecond)
	pool.Submit(func() {})
	pool.Submit(func() {})

	if pool.Dropped() == 0 {
		t.Fatal("expected at least one task to be dropped")
	}
	close(block)
}

func TestWorkerPoolRecoversFromPanic(t *testing.T) {
	pool := NewWorkerPool(1, 4, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	pool.Submit(func() { panic("boom") })
	pool.Submit(func() { wg.Done() })

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover from panic and continue processing")
	}
	pool.Stop()
}
