package drain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type fakeRegistry struct {
	calls   atomic.Int32
	err     error
	panics  bool
	release chan struct{} // 非 nil 時忽略 ctx 一直阻塞到關閉
}

func (r *fakeRegistry) Deregister(ctx context.Context) error {
	r.calls.Add(1)
	if r.panics {
		panic("registry exploded")
	}
	if r.release != nil {
		<-r.release
	}
	return r.err
}

type fakeAcceptor struct {
	pool         WorkerPool
	pauses       atomic.Int32
	panicOnPause bool

	mu       sync.Mutex
	pausedAt time.Time
}

func (a *fakeAcceptor) Pause() {
	a.pauses.Add(1)
	a.mu.Lock()
	if a.pausedAt.IsZero() {
		a.pausedAt = time.Now()
	}
	a.mu.Unlock()
	if a.panicOnPause {
		panic("pause exploded")
	}
}

func (a *fakeAcceptor) WorkerPool() WorkerPool {
	return a.pool
}

func (a *fakeAcceptor) firstPause() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pausedAt
}

const never = -1

// fakePool 在 ShutdownGracefully / ShutdownForcefully 之後經過指定時間才結束；never 表示永不結束
type fakePool struct {
	gracefulAfter time.Duration
	forcefulAfter time.Duration

	mu            sync.Mutex
	events        []string
	gracefulAt    time.Time
	forcefulAt    time.Time
	gracefulCalls int
	forcefulCalls int
}

func newFakePool(gracefulAfter, forcefulAfter time.Duration) *fakePool {
	return &fakePool{gracefulAfter: gracefulAfter, forcefulAfter: forcefulAfter}
}

func (p *fakePool) ShutdownGracefully() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "graceful")
	p.gracefulCalls++
	if p.gracefulAt.IsZero() {
		p.gracefulAt = time.Now()
	}
}

func (p *fakePool) ShutdownForcefully() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "forceful")
	p.forcefulCalls++
	if p.forcefulAt.IsZero() {
		p.forcefulAt = time.Now()
	}
}

func (p *fakePool) terminatedLocked(now time.Time) bool {
	if !p.gracefulAt.IsZero() && p.gracefulAfter >= 0 && !now.Before(p.gracefulAt.Add(p.gracefulAfter)) {
		return true
	}
	if !p.forcefulAt.IsZero() && p.forcefulAfter >= 0 && !now.Before(p.forcefulAt.Add(p.forcefulAfter)) {
		return true
	}
	return false
}

func (p *fakePool) AwaitTermination(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		now := time.Now()
		p.mu.Lock()
		terminated := p.terminatedLocked(now)
		p.mu.Unlock()

		if terminated || !now.Before(deadline) {
			p.mu.Lock()
			p.events = append(p.events, fmt.Sprintf("await(%s)=%t", timeout, terminated))
			p.mu.Unlock()
			return terminated
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (p *fakePool) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *fakePool) Calls() (graceful, forceful int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gracefulCalls, p.forcefulCalls
}
