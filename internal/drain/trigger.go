package drain

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"wolf/internal/logger"
)

// Shutdowner 由 Trigger 驅動的關機流程
type Shutdowner interface {
	OnShutdown(ctx context.Context) Report
}

// Trigger 將多個關機來源（信號、HTTP 生命週期端點）接到同一個協調器。
// 來源之間可能同時觸發，協調器本身的 CAS 保證只做一次註銷與靜默等待。
type Trigger struct {
	target Shutdowner
	log    *logger.Logger

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	report Report
}

func NewTrigger(target Shutdowner, log *logger.Logger) *Trigger {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Trigger{
		target: target,
		log:    log.WithComponent("trigger"),
		done:   make(chan struct{}),
	}
}

// Fire 同步執行關機流程。只有執行了註銷的那次呼叫（Report.First）結束時才關閉 Done，
// 重複的呼叫可能在註銷完成前就返回。
func (t *Trigger) Fire(ctx context.Context, source string) Report {
	t.log.Info("shutdown trigger fired", slog.String("source", source))

	report := t.target.OnShutdown(ctx)
	if !report.First {
		return report
	}

	t.once.Do(func() {
		t.mu.Lock()
		t.report = report
		t.mu.Unlock()
		close(t.done)
	})
	return report
}

// FireAsync 在新的 goroutine 中執行 Fire
func (t *Trigger) FireAsync(ctx context.Context, source string) {
	go t.Fire(ctx, source)
}

// Done 完整的關機流程（含註銷）結束後關閉
func (t *Trigger) Done() <-chan struct{} {
	return t.done
}

// Report 完整關機流程的結果；Done 關閉前為零值
func (t *Trigger) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report
}

// NotifySignals 監聽作業系統信號。第一個信號啟動關機流程，
// 第二個信號取消流程的 context，使進行中的等待提早結束。
// 回傳的 stop 會解除監聽。
func (t *Trigger) NotifySignals(ctx context.Context, sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case sig := <-ch:
			t.FireAsync(runCtx, "signal:"+sig.String())
		case <-runCtx.Done():
			return
		}

		select {
		case sig := <-ch:
			t.log.Warn("second signal received, interrupting shutdown waits", slog.String("signal", sig.String()))
			cancel()
		case <-t.done:
		case <-runCtx.Done():
		}
	}()

	return func() {
		signal.Stop(ch)
		cancel()
	}
}
