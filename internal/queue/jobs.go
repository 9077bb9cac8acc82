// Package queue 背景工作定義。背景工作由 river 執行，關機時跟 HTTP 請求一起排空
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"wolf/internal/config"
	"wolf/internal/logger"
)

// HelloArgs 模擬需要一段時間的背景工作
type HelloArgs struct {
	Name        string `json:"name"`
	DelayMillis int    `json:"delay_millis"`
}

// Kind 實現 river.JobArgs 介面
func (HelloArgs) Kind() string { return "hello" }

// InsertOpts 實現 river.JobArgsWithInsertOpts 介面，禁用重試機制
func (HelloArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 1,
	}
}

func (a HelloArgs) Delay() time.Duration {
	return time.Duration(a.DelayMillis) * time.Millisecond
}

// HelloWorker 等待 DelayMillis 後完成；ctx 取消時（StopAndCancel）提早結束
type HelloWorker struct {
	river.WorkerDefaults[HelloArgs]
	log *logger.Logger
}

func NewHelloWorker(log *logger.Logger) *HelloWorker {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &HelloWorker{log: log.WithComponent("hello_worker")}
}

func (w *HelloWorker) Work(ctx context.Context, job *river.Job[HelloArgs]) error {
	args := job.Args
	w.log.Info("hello job started",
		slog.Int64("job_id", job.ID),
		slog.String("name", args.Name),
		slog.Duration("delay", args.Delay()),
	)

	timer := time.NewTimer(args.Delay())
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		w.log.Warn("hello job cancelled", slog.Int64("job_id", job.ID))
		return fmt.Errorf("hello job %d cancelled: %w", job.ID, ctx.Err())
	}

	w.log.Info("hello job finished", slog.Int64("job_id", job.ID), slog.String("name", args.Name))
	return nil
}

// HelloBatchArgs 一次排入多個 HelloArgs
type HelloBatchArgs struct {
	Name        string `json:"name"`
	Count       int    `json:"count"`
	DelayMillis int    `json:"delay_millis"`
}

func (HelloBatchArgs) Kind() string { return "hello_batch" }

func (HelloBatchArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 1,
	}
}

// HelloBatchWorker 透過執行中的 river client 批次插入 hello 工作
type HelloBatchWorker struct {
	river.WorkerDefaults[HelloBatchArgs]
	log *logger.Logger
}

func NewHelloBatchWorker(log *logger.Logger) *HelloBatchWorker {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &HelloBatchWorker{log: log.WithComponent("hello_batch_worker")}
}

func (w *HelloBatchWorker) Work(ctx context.Context, job *river.Job[HelloBatchArgs]) error {
	params := BatchParams(job.Args)
	if len(params) == 0 {
		return nil
	}

	client := river.ClientFromContext[pgx.Tx](ctx)
	if _, err := client.InsertMany(ctx, params); err != nil {
		return fmt.Errorf("failed to insert hello jobs: %w", err)
	}

	w.log.Info("hello batch enqueued", slog.Int64("job_id", job.ID), slog.Int("count", len(params)))
	return nil
}

// BatchParams 把批次參數展開成個別工作
func BatchParams(args HelloBatchArgs) []river.InsertManyParams {
	params := make([]river.InsertManyParams, 0, args.Count)
	for i := 0; i < args.Count; i++ {
		params = append(params, river.InsertManyParams{
			Args: HelloArgs{
				Name:        fmt.Sprintf("%s-%d", args.Name, i+1),
				DelayMillis: args.DelayMillis,
			},
		})
	}
	return params
}

// NewWorkers 註冊所有 worker
func NewWorkers(log *logger.Logger) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker(workers, NewHelloWorker(log))
	river.AddWorker(workers, NewHelloBatchWorker(log))
	return workers
}

// NewClient 建立使用 pgx 的 river client，尚未啟動
func NewClient(pool *pgxpool.Pool, cfg config.JobsConfig, log *logger.Logger) (*river.Client[pgx.Tx], error) {
	if pool == nil {
		return nil, errors.New("database pool cannot be nil")
	}
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: log.WithComponent("river").Logger,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: NewWorkers(log),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize river client: %w", err)
	}
	return client, nil
}

// Inserter river.Client 的 Insert
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Enqueuer 提供 HTTP 層排入工作的入口
type Enqueuer struct {
	client Inserter
}

func NewEnqueuer(client Inserter) *Enqueuer {
	return &Enqueuer{client: client}
}

// EnqueueHello 回傳工作 ID
func (e *Enqueuer) EnqueueHello(ctx context.Context, args HelloArgs) (int64, error) {
	res, err := e.client.Insert(ctx, args, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue hello job: %w", err)
	}
	return res.Job.ID, nil
}

// EnqueueBatch 回傳批次工作的 ID
func (e *Enqueuer) EnqueueBatch(ctx context.Context, args HelloBatchArgs) (int64, error) {
	res, err := e.client.Insert(ctx, args, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue hello batch: %w", err)
	}
	return res.Job.ID, nil
}
