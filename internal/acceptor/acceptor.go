// Package acceptor 接收 HTTP 連線，每個請求都交給工作池執行，
// 因此關機排空時「執行中的請求」就是工作池裡的工作。
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/render"

	"wolf/internal/drain"
	"wolf/internal/logger"
	"wolf/internal/pool"
)

type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Logger       *logger.Logger
}

// Acceptor 實作 drain.Acceptor
type Acceptor struct {
	handler http.Handler
	exec    *pool.Executor
	pools   drain.WorkerPool
	srv     *http.Server
	log     *logger.Logger

	mu        sync.Mutex
	ln        net.Listener
	paused    atomic.Bool
	pauseOnce sync.Once
	rejected  atomic.Int64
}

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// New extra 中的工作池（例如背景工作）會與 exec 一起排空
func New(handler http.Handler, exec *pool.Executor, opts Options, extra ...pool.Drainable) (*Acceptor, error) {
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if exec == nil {
		return nil, errors.New("executor cannot be nil")
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	a := &Acceptor{
		handler: handler,
		exec:    exec,
		log:     log.WithComponent("acceptor"),
	}

	if len(extra) == 0 {
		a.pools = exec
	} else {
		a.pools = pool.NewGroup(append([]pool.Drainable{exec}, extra...)...)
	}

	a.srv = &http.Server{
		Addr:         opts.Addr,
		Handler:      a,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	return a, nil
}

// ServeHTTP 把請求包成工作提交到工作池，並等到工作結束或被丟棄
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.paused.Load() {
		a.reject(w, r, "server is shutting down")
		return
	}

	done, err := a.exec.Submit(func(taskCtx context.Context) {
		// forceful 關閉時取消請求的 context
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(taskCtx, cancel)
		defer stop()

		a.handler.ServeHTTP(w, r.WithContext(ctx))
	})
	switch {
	case errors.Is(err, pool.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		a.reject(w, r, "server is busy")
		return
	case err != nil:
		a.reject(w, r, "server is shutting down")
		return
	}

	if err := <-done; err != nil {
		a.reject(w, r, "request discarded during shutdown")
	}
}

func (a *Acceptor) reject(w http.ResponseWriter, r *http.Request, msg string) {
	a.rejected.Add(1)
	if a.paused.Load() {
		w.Header().Set("Connection", "close")
	}
	render.Status(r, http.StatusServiceUnavailable)
	render.JSON(w, r, errorResponse{Error: msg, Status: http.StatusServiceUnavailable})
}

// ListenAndServe 監聽設定的位址，Pause 之後回傳 nil
func (a *Acceptor) ListenAndServe() error {
	ln, err := net.Listen("tcp", a.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.srv.Addr, err)
	}
	return a.Serve(ln)
}

func (a *Acceptor) Serve(ln net.Listener) error {
	a.mu.Lock()
	if a.paused.Load() {
		a.mu.Unlock()
		ln.Close()
		return nil
	}
	a.ln = ln
	a.mu.Unlock()

	a.log.Info("accepting connections", slog.String("addr", ln.Addr().String()))

	err := a.srv.Serve(ln)
	if a.paused.Load() || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr 實際監聽的位址；尚未 Serve 時為 nil
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Pause 停止接受新連線。已建立的連線上的新請求回應 503 並要求關閉連線。
// 可重複呼叫
func (a *Acceptor) Pause() {
	a.pauseOnce.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		a.paused.Store(true)
		a.srv.SetKeepAlivesEnabled(false)
		if a.ln != nil {
			if err := a.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				a.log.Warn("failed to close listener", slog.String("error", err.Error()))
			}
		}
		a.log.Info("acceptor paused", slog.Int64("in_flight", a.exec.Stats().Active))
	})
}

func (a *Acceptor) Paused() bool {
	return a.paused.Load()
}

// WorkerPool 實作 drain.Acceptor
func (a *Acceptor) WorkerPool() drain.WorkerPool {
	return a.pools
}

// Rejected 以 503 拒絕的請求數
func (a *Acceptor) Rejected() int64 {
	return a.rejected.Load()
}

// Close 排空之後關閉剩下的閒置連線
func (a *Acceptor) Close(ctx context.Context) error {
	a.Pause()
	// Pause 已關閉 listener
	if err := a.srv.Shutdown(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close http server: %w", err)
	}
	return nil
}
