// Package server 提供 HTTP 介面：示範 API、健康檢查與關機生命週期端點
package server

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wolf/internal/drain"
	"wolf/internal/logger"
	"wolf/internal/pool"
	"wolf/internal/queue"
)

// ShutdownTrigger 關機生命週期端點觸發的目標
type ShutdownTrigger interface {
	FireAsync(ctx context.Context, source string)
}

// DrainState 唯讀的關機狀態
type DrainState interface {
	Phase() drain.Phase
	Triggered() bool
	Quiesced() bool
}

// PoolStats 工作池統計來源
type PoolStats interface {
	Stats() pool.Stats
}

// RejectionCounter 暫停接受請求後以 503 拒絕的次數
type RejectionCounter interface {
	Rejected() int64
}

// JobEnqueuer 排入背景工作；未啟用背景工作時為 nil
type JobEnqueuer interface {
	EnqueueHello(ctx context.Context, args queue.HelloArgs) (int64, error)
	EnqueueBatch(ctx context.Context, args queue.HelloBatchArgs) (int64, error)
}

type Options struct {
	Trigger    ShutdownTrigger
	State      DrainState
	Pool       PoolStats
	Jobs       JobEnqueuer
	AdminToken string
	Logger     *logger.Logger
}

type Server struct {
	router     chi.Router
	api        huma.API
	opts       Options
	log        *logger.Logger
	rejections atomic.Pointer[RejectionCounter]
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	// 初始化 Chi router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	config := huma.DefaultConfig("Wolf API", "1.0.0")
	api := humachi.New(r, config)

	s := &Server{
		router: r,
		api:    api,
		opts:   opts,
		log:    log.WithComponent("http"),
	}

	api.UseMiddleware(
		ErrorHandlingMiddleware,
		s.RequestLogMiddleware,
	)

	s.registerAPIRoutes()
	s.registerLifecycleRoutes()

	return s
}

func (s *Server) registerAPIRoutes() {
	s.registerHelloAPI()
	s.registerStatusAPI()
}

// Handler 交給 acceptor 的 http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetRejections 接上拒絕計數。acceptor 包裝 Handler，只能在建立 Server 之後設定
func (s *Server) SetRejections(r RejectionCounter) {
	s.rejections.Store(&r)
}
