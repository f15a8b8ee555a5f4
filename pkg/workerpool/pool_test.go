package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRequiresWorkerFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Error("expected error for nil worker func")
	}
}

func TestSubmitWaitReturnsOwnResult(t *testing.T) {
	p, err := New(Config{Workers: 4, QueueSize: 8}, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true, Data: task.Payload}
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("task-%d", i)
			res, err := p.SubmitWait(context.Background(), &Task{ID: id, Payload: i})
			if err != nil {
				t.Errorf("SubmitWait(%s): %v", id, err)
				return
			}
			if res.TaskID != id || res.Data != i {
				t.Errorf("got result for %s (%v), want %s", res.TaskID, res.Data, id)
			}
		}(i)
	}
	wg.Wait()

	if s := p.Stats(); s.TasksCompleted != 32 || s.TasksFailed != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls int32
	p, err := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &Result{TaskID: task.ID, Error: errors.New("transient")}
		}
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatalf("SubmitWait failed: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success after retries, got %v", res.Error)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if s := p.Stats(); s.TasksRetried != 2 {
		t.Errorf("expected 2 retries, got %d", s.TasksRetried)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	var calls int32
	p, err := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 5, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		return &Result{TaskID: task.ID, Error: fmt.Errorf("decode: %w", ErrPermanent)}
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "t"})
	if err != nil {
		t.Fatalf("SubmitWait failed: %v", err)
	}
	if res.Success || !errors.Is(res.Error, ErrPermanent) {
		t.Errorf("expected permanent failure, got %+v", res)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := p.Submit(&Task{ID: "late"}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
	if _, err := p.SubmitWait(context.Background(), &Task{ID: "late"}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	release := make(chan struct{})
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		<-release
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Not started: the queue holds exactly one task.
	if err := p.Submit(&Task{ID: "a"}); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if err := p.Submit(&Task{ID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if p.IsHealthy() {
		t.Error("expected full queue to be unhealthy")
	}

	close(release)
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	res, ok := <-p.Results()
	if !ok || res.TaskID != "a" || !res.Success {
		t.Errorf("expected result for a, got %+v", res)
	}
}

func TestPanicBecomesPermanentFailure(t *testing.T) {
	var calls int32
	p, err := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("nil map")
		}
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "boom"})
	if err != nil {
		t.Fatalf("SubmitWait failed: %v", err)
	}
	if res.Success || !errors.Is(res.Error, ErrPermanent) {
		t.Errorf("expected permanent failure, got %+v", res)
	}

	res, err = p.SubmitWait(context.Background(), &Task{ID: "after"})
	if err != nil || !res.Success {
		t.Errorf("worker should survive a panic, got %+v %v", res, err)
	}
	if s := p.Stats(); s.TasksPanicked != 1 {
		t.Errorf("expected one panic, got %d", s.TasksPanicked)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{RetryDelay: 100 * time.Millisecond, MaxRetryDelay: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for retry, w := range want {
		if got := cfg.backoff(retry); got != w {
			t.Errorf("backoff(%d) = %s, want %s", retry, got, w)
		}
	}
	if got := (Config{}).backoff(3); got != 0 {
		t.Errorf("zero delay should not wait, got %s", got)
	}
	if got := cfg.backoff(80); got != time.Second {
		t.Errorf("overflowing shift should cap, got %s", got)
	}
}

func TestStopReleasesBlockedSubmitters(t *testing.T) {
	release := make(chan struct{})
	p, err := New(Config{Workers: 1, QueueSize: 1, GracefulShutdownTimeout: time.Second}, func(ctx context.Context, task *Task) *Result {
		<-release
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Not started: the first task fills the queue, the second blocks.
	if err := p.Submit(&Task{ID: "a"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	blocked := make(chan error, 1)
	go func() {
		_, err := p.SubmitWait(context.Background(), &Task{ID: "b"})
		blocked <- err
	}()
	time.Sleep(20 * time.Millisecond)

	close(release)
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	select {
	case err := <-blocked:
		if err != nil && !errors.Is(err, ErrPoolClosed) {
			t.Errorf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked submitter was not released")
	}
}
