package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

// RequestLogMiddleware 請求日誌中間件
func (s *Server) RequestLogMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)

	operation := ctx.Operation()
	if operation == nil {
		return
	}
	s.log.Debug("api request",
		slog.String("method", ctx.Method()),
		slog.String("path", ctx.URL().Path),
		slog.String("operation", operation.OperationID),
		slog.Int("status", ctx.Status()),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// ErrorHandlingMiddleware 統一錯誤處理中間件
func ErrorHandlingMiddleware(ctx huma.Context, next func(huma.Context)) {
	defer func() {
		if r := recover(); r != nil {
			ctx.SetHeader("Content-Type", "application/json")
			ctx.SetStatus(http.StatusInternalServerError)
			ctx.BodyWriter().Write([]byte(fmt.Sprintf(`{"error": "internal server error: %v"}`, r)))
		}
	}()

	next(ctx)
}
