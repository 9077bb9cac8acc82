// Package pool 提供可分兩階段關閉的工作池
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wolf/internal/logger"
)

var (
	ErrPoolShutdown  = errors.New("worker pool is shut down")
	ErrQueueFull     = errors.New("worker pool queue is full")
	ErrTaskDiscarded = errors.New("task discarded by forceful shutdown")
)

// Task 工作項目。ctx 在 forceful 關閉時取消
type Task func(ctx context.Context)

type Options struct {
	MaxWorkers int
	QueueSize  int
	Logger     *logger.Logger
}

// Stats 工作池統計
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int64 `json:"active"`
	Queued    int   `json:"queued"`
	Completed int64 `json:"completed"`
	Discarded int64 `json:"discarded"`
	Panicked  int64 `json:"panicked"`
}

type job struct {
	task Task
	done chan error
}

// Executor 固定數量 worker 的工作池
type Executor struct {
	workers int
	log     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	queue    chan *job
	graceful sync.Once
	forceful sync.Once

	wg         sync.WaitGroup
	terminated chan struct{}

	active    atomic.Int64
	completed atomic.Int64
	discarded atomic.Int64
	panicked  atomic.Int64
}

// NewExecutor 建立並啟動工作池。QueueSize 為 0 時只接受能立即交給閒置 worker 的工作
func NewExecutor(opts Options) (*Executor, error) {
	if opts.MaxWorkers < 1 {
		return nil, fmt.Errorf("max workers must be at least 1, got %d", opts.MaxWorkers)
	}
	if opts.QueueSize < 0 {
		return nil, fmt.Errorf("queue size cannot be negative, got %d", opts.QueueSize)
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		workers:    opts.MaxWorkers,
		log:        log.WithComponent("pool"),
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan *job, opts.QueueSize),
		terminated: make(chan struct{}),
	}

	e.wg.Add(opts.MaxWorkers)
	for i := 0; i < opts.MaxWorkers; i++ {
		go e.worker()
	}
	go func() {
		e.wg.Wait()
		e.cancel()
		close(e.terminated)
	}()

	return e, nil
}

// Submit 提交工作。回傳的 channel 在工作結束時收到 nil，被丟棄時收到 ErrTaskDiscarded
func (e *Executor) Submit(task Task) (<-chan error, error) {
	j := &job{task: task, done: make(chan error, 1)}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrPoolShutdown
	}

	select {
	case e.queue <- j:
		return j.done, nil
	default:
		return nil, ErrQueueFull
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()

	for j := range e.queue {
		if e.ctx.Err() != nil {
			e.discard(j)
			continue
		}
		e.run(j)
	}
}

func (e *Executor) run(j *job) {
	e.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			e.panicked.Add(1)
			e.log.Error("task panicked", slog.String("panic", fmt.Sprintf("%v", r)))
		}
		e.active.Add(-1)
		e.completed.Add(1)
		j.done <- nil
	}()

	j.task(e.ctx)
}

func (e *Executor) discard(j *job) {
	e.discarded.Add(1)
	j.done <- ErrTaskDiscarded
}

// closeIntake 停止接受新工作，回傳是否由這次呼叫關閉
func (e *Executor) closeIntake() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	e.closed = true
	close(e.queue)
	return true
}

// ShutdownGracefully 停止接受新工作，已排隊與執行中的工作會繼續完成
func (e *Executor) ShutdownGracefully() {
	e.graceful.Do(func() {
		e.closeIntake()
		stats := e.Stats()
		e.log.Info("worker pool shutting down gracefully",
			slog.Int64("active", stats.Active),
			slog.Int("queued", stats.Queued),
		)
	})
}

// ShutdownForcefully 取消執行中工作的 context 並丟棄排隊中的工作
func (e *Executor) ShutdownForcefully() {
	e.forceful.Do(func() {
		e.closeIntake()
		e.cancel()

		// 與 worker 一起清空佇列，worker 看到 ctx 已取消也會丟棄
		dropped := 0
		for j := range e.queue {
			e.discard(j)
			dropped++
		}
		e.log.Warn("worker pool shut down forcefully",
			slog.Int64("active", e.active.Load()),
			slog.Int("discarded", dropped),
		)
	})
}

// AwaitTermination 等待所有 worker 結束，最多 timeout
func (e *Executor) AwaitTermination(timeout time.Duration) bool {
	if timeout <= 0 {
		return e.Terminated()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.terminated:
		return true
	case <-timer.C:
		return false
	}
}

// Terminated 所有 worker 是否已結束
func (e *Executor) Terminated() bool {
	select {
	case <-e.terminated:
		return true
	default:
		return false
	}
}

// Accepting 是否仍接受新工作
func (e *Executor) Accepting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

func (e *Executor) Stats() Stats {
	return Stats{
		Workers:   e.workers,
		Active:    e.active.Load(),
		Queued:    len(e.queue),
		Completed: e.completed.Load(),
		Discarded: e.discarded.Load(),
		Panicked:  e.panicked.Load(),
	}
}
