package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type lifecycleResponse struct {
	Status string `json:"status"`
	Phase  string `json:"phase,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// registerLifecycleRoutes 健康檢查與關機端點不經過 huma，方便負載平衡器與部署工具直接使用
func (s *Server) registerLifecycleRoutes() {
	s.router.Get("/healthz", s.healthz)
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuthMiddleware)
		r.Post("/shutdown", s.shutdown)
	})
}

// healthz 觸發關機後回 503，讓負載平衡器停止導流
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.opts.State != nil && s.opts.State.Triggered() {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, lifecycleResponse{Status: "draining", Phase: s.opts.State.Phase().String()})
		return
	}
	render.JSON(w, r, lifecycleResponse{Status: "up"})
}

// shutdown 非同步觸發關機流程並立即回 202
func (s *Server) shutdown(w http.ResponseWriter, r *http.Request) {
	if s.opts.Trigger == nil {
		render.Status(r, http.StatusNotImplemented)
		render.JSON(w, r, errorResponse{Error: "shutdown trigger not configured"})
		return
	}

	already := s.opts.State != nil && s.opts.State.Triggered()
	s.log.Info("shutdown requested via lifecycle endpoint",
		slog.String("remote_addr", r.RemoteAddr),
		slog.Bool("already_triggered", already),
	)

	// 流程要比這個請求活得久
	s.opts.Trigger.FireAsync(context.WithoutCancel(r.Context()), "http:"+r.URL.Path)

	status := "shutdown_initiated"
	if already {
		status = "shutdown_in_progress"
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, lifecycleResponse{Status: status})
}

// adminAuthMiddleware 設定 admin_token 時要求 Bearer token
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Bearer realm="wolf admin"`)
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, errorResponse{Error: "unauthorized"})
	})
}
