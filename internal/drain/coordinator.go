// Package drain 實作關機時的排空協調流程：
// 從服務註冊中心註銷、等待上游快取過期、暫停接收新連線，最後分兩階段關閉工作池。
package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wolf/internal/logger"
)

// Registry 服務註冊中心客戶端，Deregister 需為冪等
type Registry interface {
	Deregister(ctx context.Context) error
}

// Acceptor 連線接收端
type Acceptor interface {
	Pause()
	WorkerPool() WorkerPool
}

// WorkerPool 處理請求的工作池，所有關閉操作都必須可以重複呼叫
type WorkerPool interface {
	ShutdownGracefully()
	ShutdownForcefully()
	AwaitTermination(timeout time.Duration) bool
}

// Options 協調器設定
type Options struct {
	QuiesceWait       time.Duration
	PoolDrainTimeout  time.Duration
	DeregisterTimeout time.Duration
	Logger            *logger.Logger
}

const (
	defaultPoolDrainTimeout  = 30 * time.Second
	defaultDeregisterTimeout = 5 * time.Second
)

// Report 單次 OnShutdown 呼叫的結果
type Report struct {
	First         bool
	DeregisterErr error
	Quiesced      bool
	Interrupted   bool
	DrainSkipped  bool
	Phase         Phase
	Elapsed       time.Duration
}

// Coordinator 執行四階段的關機排空流程
type Coordinator struct {
	registry Registry
	opts     Options
	state    *State
	log      *logger.Logger
}

// NewCoordinator registry 可以為 nil，代表不需要註銷
func NewCoordinator(registry Registry, opts Options) *Coordinator {
	if opts.PoolDrainTimeout <= 0 {
		opts.PoolDrainTimeout = defaultPoolDrainTimeout
	}
	if opts.DeregisterTimeout <= 0 {
		opts.DeregisterTimeout = defaultDeregisterTimeout
	}
	if opts.QuiesceWait < 0 {
		opts.QuiesceWait = 0
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	return &Coordinator{
		registry: registry,
		opts:     opts,
		state:    &State{},
		log:      log.WithComponent("drain"),
	}
}

// Install 在啟動期間設定 acceptor，只能呼叫一次
func (c *Coordinator) Install(a Acceptor) error {
	if a == nil {
		return errors.New("acceptor cannot be nil")
	}
	return c.state.install(a)
}

// State 唯讀的關機狀態
func (c *Coordinator) State() *State {
	return c.state
}

// OnShutdown 執行關機流程。ctx 取消代表中斷：當下的等待提早結束並進入下一階段，
// 之後的工作池等待仍各自受 PoolDrainTimeout 限制。
// 任何協作者的錯誤或 panic 都不會傳出此函式。
func (c *Coordinator) OnShutdown(ctx context.Context) Report {
	start := time.Now()
	report := Report{}

	report.First = c.state.triggered.CompareAndSwap(false, true)
	if report.First {
		c.log.LogDrainEvent(logger.DrainEventTriggered, "shutdown sequence started",
			slog.Duration("quiesce_wait", c.opts.QuiesceWait),
			slog.Duration("pool_drain_timeout", c.opts.PoolDrainTimeout),
		)
		report.DeregisterErr = c.deregister(ctx)
	} else {
		c.log.LogDrainEvent(logger.DrainEventDuplicateTrigger, "shutdown already in progress, skipping deregistration")
	}

	report.Quiesced, report.Interrupted = c.quiesce(ctx)

	acceptor := c.state.Acceptor()
	if acceptor == nil {
		c.log.LogDrainEvent(logger.DrainEventAcceptorMissing, "no acceptor installed, skipping pause and drain")
		report.DrainSkipped = true
	} else {
		report.Phase, report.DrainSkipped = c.pauseAndDrain(ctx, acceptor)
	}

	report.Elapsed = time.Since(start)
	c.log.LogDrainEvent(logger.DrainEventComplete, "shutdown sequence returned",
		slog.String("phase", report.Phase.String()),
		slog.Bool("first", report.First),
		slog.Duration("elapsed", report.Elapsed),
	)
	return report
}

// deregister 階段一。呼叫受 DeregisterTimeout 限制，即使實作忽略 ctx 也不會卡住
func (c *Coordinator) deregister(ctx context.Context) error {
	if c.registry == nil {
		c.log.Info("no registry configured, skipping deregistration")
		return nil
	}

	start := time.Now()
	c.log.LogDrainEvent(logger.DrainEventDeregisterStart, "deregistering from service registry")

	dctx, cancel := context.WithTimeout(ctx, c.opts.DeregisterTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		var err error
		if !c.safely("deregister", func() { err = c.registry.Deregister(dctx) }) {
			err = errors.New("deregister panicked")
		}
		result <- err
	}()

	var err error
	select {
	case err = <-result:
	case <-dctx.Done():
		err = fmt.Errorf("deregister did not finish: %w", dctx.Err())
	}

	if err != nil {
		c.log.LogDrainEvent(logger.DrainEventDeregisterFailed, "deregistration failed, continuing shutdown",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return err
	}
	c.log.LogStageDuration(logger.DrainEventDeregisterSuccess, "deregister", time.Since(start))
	return nil
}

// quiesce 階段二。只有第一個通過 CAS 的呼叫者會等待
func (c *Coordinator) quiesce(ctx context.Context) (slept, interrupted bool) {
	if !c.state.quiesced.CompareAndSwap(false, true) {
		c.log.LogDrainEvent(logger.DrainEventQuiesceSkipped, "quiesce wait already performed by another caller")
		return false, false
	}

	wait := c.opts.QuiesceWait
	start := time.Now()
	c.log.LogDrainEvent(logger.DrainEventQuiesceStart, "waiting for registry consumers to drop this instance",
		slog.Duration("wait", wait),
	)
	if wait == 0 {
		c.log.LogStageDuration(logger.DrainEventQuiesceDone, "quiesce", 0)
		return true, false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		c.log.LogStageDuration(logger.DrainEventQuiesceDone, "quiesce", time.Since(start))
		return true, false
	case <-ctx.Done():
		c.log.LogDrainEvent(logger.DrainEventQuiesceInterrupted, "quiesce wait interrupted, proceeding",
			slog.Duration("elapsed", time.Since(start)),
		)
		return true, true
	}
}

// pauseAndDrain 階段三與四
func (c *Coordinator) pauseAndDrain(ctx context.Context, acceptor Acceptor) (Phase, bool) {
	start := time.Now()
	if c.safely("pause", acceptor.Pause) {
		c.log.LogStageDuration(logger.DrainEventAcceptorPaused, "pause", time.Since(start))
	}

	var pool WorkerPool
	c.safely("worker_pool", func() { pool = acceptor.WorkerPool() })
	if pool == nil {
		c.log.LogDrainEvent(logger.DrainEventAcceptorMissing, "acceptor has no worker pool, skipping drain")
		return c.state.Phase(), true
	}

	return c.drainPool(ctx, pool), false
}

// safely 執行 fn 並攔截 panic，回傳是否正常結束
func (c *Coordinator) safely(stage string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.LogDrainEvent(logger.DrainEventStagePanic, "shutdown stage panicked",
				slog.String("stage", stage),
				slog.String("panic", fmt.Sprintf("%v", r)),
			)
			ok = false
		}
	}()
	fn()
	return true
}
