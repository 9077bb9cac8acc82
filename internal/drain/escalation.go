package drain

import (
	"context"
	"log/slog"
	"time"

	"wolf/internal/logger"
)

// awaitGrace AwaitTermination 本身超過期限時額外容忍的時間
const awaitGrace = 250 * time.Millisecond

// drainPool Running → Draining → ForceDraining → Terminated|TimedOut。
// 只有在 graceful 等待結束（逾時或被中斷）之後才會要求 forceful 關閉。
// 中斷只作用在發生當下的那一段等待；進入時 ctx 已取消代表中斷已被前一階段消耗。
func (c *Coordinator) drainPool(ctx context.Context, pool WorkerPool) Phase {
	timeout := c.opts.PoolDrainTimeout
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	c.state.advance(PhaseDraining)
	c.log.LogDrainEvent(logger.DrainEventGracefulStart, "shutting down worker pool gracefully",
		slog.Duration("timeout", timeout),
	)
	c.safely("shutdown_gracefully", pool.ShutdownGracefully)

	if c.await(ctx, pool, "graceful") {
		return c.terminated("graceful")
	}
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	c.log.LogDrainEvent(logger.DrainEventEscalate, "worker pool did not shut down gracefully, proceeding with forceful shutdown",
		slog.Duration("timeout", timeout),
	)
	c.state.advance(PhaseForceDraining)
	c.safely("shutdown_forcefully", pool.ShutdownForcefully)

	if c.await(ctx, pool, "forceful") {
		return c.terminated("forceful")
	}

	c.state.advance(PhaseTimedOut)
	c.log.LogDrainEvent(logger.DrainEventTimedOut, "worker pool did not terminate",
		slog.Duration("timeout", timeout),
	)
	return PhaseTimedOut
}

func (c *Coordinator) terminated(window string) Phase {
	c.state.advance(PhaseTerminated)
	c.log.LogDrainEvent(logger.DrainEventTerminated, "worker pool terminated",
		slog.String("window", window),
	)
	return PhaseTerminated
}

// await 等待工作池結束，最多 PoolDrainTimeout；ctx 取消時不再等待，只檢查一次是否已結束
func (c *Coordinator) await(ctx context.Context, pool WorkerPool, window string) bool {
	timeout := c.opts.PoolDrainTimeout

	done := make(chan bool, 1)
	go func() {
		terminated := false
		c.safely("await_"+window, func() { terminated = pool.AwaitTermination(timeout) })
		done <- terminated
	}()

	timer := time.NewTimer(timeout + awaitGrace)
	defer timer.Stop()

	select {
	case ok := <-done:
		return ok
	case <-timer.C:
		return false
	case <-ctx.Done():
		c.log.LogDrainEvent(logger.DrainEventWaitInterrupted, "worker pool wait interrupted",
			slog.String("window", window),
		)
		return c.terminatedNow(pool, done, window)
	}
}

func (c *Coordinator) terminatedNow(pool WorkerPool, done <-chan bool, window string) bool {
	select {
	case ok := <-done:
		return ok
	default:
	}
	terminated := false
	c.safely("await_"+window+"_now", func() { terminated = pool.AwaitTermination(0) })
	return terminated
}
