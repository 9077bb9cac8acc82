package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wolf/internal/logger"
)

// JobClient river.Client 中關閉相關的方法
type JobClient interface {
	Stop(ctx context.Context) error
	StopAndCancel(ctx context.Context) error
	Stopped() <-chan struct{}
}

// JobPool 讓背景工作佇列跟請求一起排空：
// graceful 對應 river 的 Stop（等待執行中的工作），forceful 對應 StopAndCancel。
type JobPool struct {
	client JobClient
	log    *logger.Logger

	started  atomic.Bool
	graceful sync.Once
	forceful sync.Once

	stopCtx    context.Context
	stopCancel context.CancelFunc
}

func NewJobPool(client JobClient, log *logger.Logger) *JobPool {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobPool{
		client:     client,
		log:        log.WithComponent("jobs"),
		stopCtx:    ctx,
		stopCancel: cancel,
	}
}

// MarkStarted client.Start 成功後呼叫；未啟動的 client 視為已結束
func (p *JobPool) MarkStarted() {
	p.started.Store(true)
}

func (p *JobPool) ShutdownGracefully() {
	if !p.started.Load() {
		return
	}
	p.graceful.Do(func() {
		p.log.Info("stopping job client, waiting for running jobs")
		go func() {
			if err := p.client.Stop(p.stopCtx); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Warn("job client stop failed", slog.String("error", err.Error()))
			}
		}()
	})
}

func (p *JobPool) ShutdownForcefully() {
	if !p.started.Load() {
		return
	}
	p.forceful.Do(func() {
		p.stopCancel()
		p.log.Warn("cancelling running jobs")
		go func() {
			if err := p.client.StopAndCancel(context.Background()); err != nil {
				p.log.Warn("job client stop and cancel failed", slog.String("error", err.Error()))
			}
		}()
	})
}

func (p *JobPool) AwaitTermination(timeout time.Duration) bool {
	if !p.started.Load() {
		return true
	}

	stopped := p.client.Stopped()
	if timeout <= 0 {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-stopped:
		return true
	case <-timer.C:
		return false
	}
}
