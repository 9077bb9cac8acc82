package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"wolf/internal/pool"
	"wolf/internal/queue"
)

const helloMessage = "have a good day"

// ===== 示範 API Input/Output Types =====

// HelloInput 同步 hello 的輸入
type HelloInput struct {
	Delay int `query:"delay" minimum:"0" maximum:"600000" default:"0" doc:"回應前等待的毫秒數" example:"3000"`
}

// HelloOutput 同步 hello 的輸出
type HelloOutput struct {
	Body struct {
		Name string `json:"name" doc:"問候語" example:"have a good day"`
	}
}

// HelloAsyncInput 背景 hello 的輸入
type HelloAsyncInput struct {
	Body struct {
		Name        string `json:"name,omitempty" maxLength:"64" default:"wolf" doc:"工作名稱" example:"wolf"`
		DelayMillis int    `json:"delay_millis,omitempty" minimum:"0" maximum:"600000" default:"1000" doc:"工作執行時間（毫秒）" example:"5000"`
		Count       int    `json:"count,omitempty" minimum:"1" maximum:"1000" default:"1" doc:"工作數量，大於 1 時以批次排入" example:"1"`
	}
}

// HelloAsyncOutput 背景 hello 的輸出
type HelloAsyncOutput struct {
	Body struct {
		JobID int64  `json:"job_id" doc:"工作 ID" example:"1"`
		Kind  string `json:"kind" doc:"工作類型" example:"hello"`
	}
}

// StatusOutput 關機狀態與工作池統計
type StatusOutput struct {
	Body struct {
		Phase     string     `json:"phase" doc:"排空階段" example:"running"`
		Triggered bool       `json:"triggered" doc:"是否已觸發關機"`
		Quiesced  bool       `json:"quiesced" doc:"是否已進入靜默等待"`
		Pool      pool.Stats `json:"pool" doc:"請求工作池統計"`
		Jobs      bool       `json:"jobs" doc:"是否啟用背景工作"`
		Rejected  int64      `json:"rejected" doc:"暫停後以 503 拒絕的請求數"`
	}
}

// ===== 示範 API Handlers =====

func (s *Server) registerHelloAPI() {
	huma.Register(s.api, huma.Operation{
		OperationID: "hello",
		Method:      http.MethodGet,
		Path:        "/hello",
		Summary:     "等待後回應問候",
		Description: "等待 delay 毫秒後回應，用來觀察關機時執行中的請求如何被排空",
		Tags:        []string{"hello"},
	}, s.hello)

	huma.Register(s.api, huma.Operation{
		OperationID:   "helloAsync",
		Method:        http.MethodPost,
		Path:          "/hello/async",
		Summary:       "排入背景 hello 工作",
		Description:   "背景工作在關機時與 HTTP 請求一起排空",
		Tags:          []string{"hello"},
		DefaultStatus: http.StatusAccepted,
	}, s.helloAsync)
}

func (s *Server) registerStatusAPI() {
	huma.Register(s.api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "查詢關機狀態",
		Tags:        []string{"lifecycle"},
	}, s.status)
}

// hello 在請求被 forceful 關閉取消時提早結束
func (s *Server) hello(ctx context.Context, input *HelloInput) (*HelloOutput, error) {
	if input.Delay > 0 {
		timer := time.NewTimer(time.Duration(input.Delay) * time.Millisecond)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, huma.Error503ServiceUnavailable("request cancelled during shutdown", ctx.Err())
		}
	}

	out := &HelloOutput{}
	out.Body.Name = helloMessage
	return out, nil
}

func (s *Server) helloAsync(ctx context.Context, input *HelloAsyncInput) (*HelloAsyncOutput, error) {
	if s.opts.Jobs == nil {
		return nil, huma.Error503ServiceUnavailable("background jobs are disabled")
	}
	if s.opts.State != nil && s.opts.State.Triggered() {
		return nil, huma.Error503ServiceUnavailable("server is shutting down")
	}

	out := &HelloAsyncOutput{}
	var err error
	if input.Body.Count > 1 {
		out.Body.Kind = queue.HelloBatchArgs{}.Kind()
		out.Body.JobID, err = s.opts.Jobs.EnqueueBatch(ctx, queue.HelloBatchArgs{
			Name:        input.Body.Name,
			Count:       input.Body.Count,
			DelayMillis: input.Body.DelayMillis,
		})
	} else {
		out.Body.Kind = queue.HelloArgs{}.Kind()
		out.Body.JobID, err = s.opts.Jobs.EnqueueHello(ctx, queue.HelloArgs{
			Name:        input.Body.Name,
			DelayMillis: input.Body.DelayMillis,
		})
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, huma.Error503ServiceUnavailable("request cancelled during shutdown", err)
		}
		return nil, huma.Error500InternalServerError("failed to enqueue job", err)
	}
	return out, nil
}

func (s *Server) status(ctx context.Context, input *struct{}) (*StatusOutput, error) {
	out := &StatusOutput{}
	if s.opts.State != nil {
		out.Body.Phase = s.opts.State.Phase().String()
		out.Body.Triggered = s.opts.State.Triggered()
		out.Body.Quiesced = s.opts.State.Quiesced()
	}
	if s.opts.Pool != nil {
		out.Body.Pool = s.opts.Pool.Stats()
	}
	out.Body.Jobs = s.opts.Jobs != nil
	if r := s.rejections.Load(); r != nil {
		out.Body.Rejected = (*r).Rejected()
	}
	return out, nil
}
