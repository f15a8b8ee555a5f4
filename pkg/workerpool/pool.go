// Package workerpool runs tasks on a fixed set of goroutines behind a bounded
// queue, retrying failed tasks with capped exponential backoff.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned when submitting to a stopped pool.
	ErrPoolClosed = errors.New("pool is shutting down")
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("task queue is full")
	// ErrPermanent marks a task error that must not be retried. Wrap it:
	// fmt.Errorf("decode: %w", workerpool.ErrPermanent).
	ErrPermanent = errors.New("permanent failure")
)

// Task is a unit of work. Context, when set, bounds every attempt.
type Task struct {
	ID      string
	Payload any
	Context context.Context

	reply chan *Result
}

// Result is the outcome of a task after retries.
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    any
}

// WorkerFunc processes one attempt of a task.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config sizes the pool.
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// RetryDelay is the wait before the first retry; it doubles per retry up
	// to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued tasks.
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a single normalizer instance.
func DefaultConfig() Config {
	return Config{
		Workers:                 16,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		MaxRetryDelay:           5 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) backoff(retry int) time.Duration {
	if c.RetryDelay <= 0 {
		return 0
	}
	d := c.RetryDelay << retry
	if d <= 0 || (c.MaxRetryDelay > 0 && d > c.MaxRetryDelay) {
		return c.MaxRetryDelay
	}
	return d
}

type counters struct {
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	panicked  atomic.Int64
	active    atomic.Int64
	queued    atomic.Int64
}

// Pool dispatches tasks to workers.
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks   chan *Task
	results chan *Result
	wg      sync.WaitGroup

	// mu guards tasks against sends after Stop closes it.
	mu     sync.RWMutex
	closed bool

	stopping chan struct{}
	stopOnce sync.Once
	stats    counters
}

// New validates cfg, fills defaults and returns a pool that is not yet
// running.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	return &Pool{
		config:   cfg,
		fn:       fn,
		logger:   logger,
		tasks:    make(chan *Task, cfg.QueueSize),
		results:  make(chan *Result, cfg.QueueSize),
		stopping: make(chan struct{}),
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	p.wg.Add(p.config.Workers)
	for id := range p.config.Workers {
		go p.work(id)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize),
		zap.Int("max_retries", p.config.MaxRetries))
}

// Submit queues a task without blocking. Its result is delivered on Results.
func (p *Pool) Submit(task *Task) error {
	return p.push(context.Background(), task, false)
}

// SubmitWait queues a task, blocking while the queue is full, and returns
// its result. Each call receives its own result.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.reply = make(chan *Result, 1)
	if err := p.push(ctx, task, true); err != nil {
		return nil, err
	}
	select {
	case res := <-task.reply:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) push(ctx context.Context, task *Task, block bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	if !block {
		select {
		case p.tasks <- task:
		default:
			return ErrQueueFull
		}
	} else {
		select {
		case p.tasks <- task:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopping:
			return ErrPoolClosed
		}
	}
	p.stats.submitted.Add(1)
	p.stats.queued.Add(1)
	return nil
}

// Results delivers results of tasks queued with Submit. It is closed once
// Stop has drained the queue.
func (p *Pool) Results() <-chan *Result {
	return p.results
}

// Stop refuses new tasks and waits up to GracefulShutdownTimeout for queued
// ones to finish. A second call is a no-op.
func (p *Pool) Stop() error {
	// Release blocked SubmitWait callers before taking the write lock.
	p.stopOnce.Do(func() { close(p.stopping) })

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		close(p.results)
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out", zap.Int64("queued", p.stats.queued.Load()))
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.stats.queued.Add(-1)
		p.stats.active.Add(1)
		res := p.run(task)
		p.stats.active.Add(-1)
		p.deliver(id, task, res)
	}
}

func (p *Pool) deliver(workerID int, task *Task, res *Result) {
	if res.Success {
		p.stats.completed.Add(1)
	} else {
		p.stats.failed.Add(1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(res.Error))
	}

	if task.reply != nil {
		task.reply <- res
		return
	}
	select {
	case p.results <- res:
	default:
		p.logger.Warn("result buffer full, dropping result", zap.String("task_id", task.ID))
	}
}

// run attempts task until it succeeds, fails permanently, runs out of
// retries or its context ends.
func (p *Pool) run(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	var last *Result
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{TaskID: task.ID, Error: err}
		}
		last = p.attempt(ctx, task)
		if last.Success || errors.Is(last.Error, ErrPermanent) {
			return last
		}
		if attempt == p.config.MaxRetries {
			break
		}

		wait := p.config.backoff(attempt)
		p.stats.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(last.Error))
		select {
		case <-ctx.Done():
			return &Result{TaskID: task.ID, Error: ctx.Err()}
		case <-time.After(wait):
		}
	}

	return &Result{
		TaskID: task.ID,
		Error:  fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, last.Error),
	}
}

// attempt calls the worker function once. A panic becomes a permanent
// failure so the worker goroutine survives it.
func (p *Pool) attempt(ctx context.Context, task *Task) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.panicked.Add(1)
			p.logger.Error("task panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res = &Result{TaskID: task.ID, Error: fmt.Errorf("panic: %v: %w", r, ErrPermanent)}
		}
	}()

	res = p.fn(ctx, task)
	if res == nil {
		res = &Result{TaskID: task.ID, Error: errors.New("worker returned no result")}
	}
	return res
}

// Stats is a snapshot of pool counters.
type Stats struct {
	TasksSubmitted int64 `json:"tasks_submitted"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	TasksRetried   int64 `json:"tasks_retried"`
	TasksPanicked  int64 `json:"tasks_panicked"`
	ActiveWorkers  int64 `json:"active_workers"`
	QueueDepth     int64 `json:"queue_depth"`
	QueueCapacity  int   `json:"queue_capacity"`
	Workers        int   `json:"workers"`
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.stats.submitted.Load(),
		TasksCompleted: p.stats.completed.Load(),
		TasksFailed:    p.stats.failed.Load(),
		TasksRetried:   p.stats.retried.Load(),
		TasksPanicked:  p.stats.panicked.Load(),
		ActiveWorkers:  p.stats.active.Load(),
		QueueDepth:     p.stats.queued.Load(),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity.
func (p *Pool) IsHealthy() bool {
	return float64(p.stats.queued.Load()) < 0.9*float64(p.config.QueueSize)
}
