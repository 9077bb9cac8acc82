package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wolf/internal/acceptor"
	"wolf/internal/config"
	"wolf/internal/database"
	"wolf/internal/drain"
	"wolf/internal/logger"
	"wolf/internal/pool"
	"wolf/internal/queue"
	"wolf/internal/registry"
	"wolf/internal/server"
)

// closeTimeout 排空結束後關閉閒置連線的時間上限
const closeTimeout = 5 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "啟動 HTTP 服務",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// WorstCaseDrain 關機流程最長的時間：註銷 + 靜默等待 + 兩個排空階段
func WorstCaseDrain(s config.ShutdownConfig) time.Duration {
	return s.DeregisterTimeout() + s.QuiesceWait() + 2*s.PoolDrainTimeout()
}

// listenPort 從監聽位址取出埠號，無法解析時回傳 0
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCfg := logger.LoggingConfig(cfg.Logging)
	if err := logger.InitDefaultLogger(&logCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.GetDefaultLogger()

	exec, err := pool.NewExecutor(pool.Options{
		MaxWorkers: cfg.Pool.MaxWorkers,
		QueueSize:  cfg.Pool.QueueSize,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	var (
		extra []pool.Drainable
		jobs  server.JobEnqueuer
	)
	if cfg.Jobs.Enabled {
		dbPool, err := database.Connect(ctx, cfg.Database, log)
		if err != nil {
			return err
		}
		defer dbPool.Close()

		if err := database.MigrateRiver(ctx, dbPool, log); err != nil {
			return err
		}

		client, err := queue.NewClient(dbPool, cfg.Jobs, log)
		if err != nil {
			return err
		}
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job client: %w", err)
		}
		log.Info("job client started", slog.Int("max_workers", cfg.Jobs.MaxWorkers))

		jobPool := pool.NewJobPool(client, log)
		jobPool.MarkStarted()
		extra = append(extra, jobPool)
		jobs = queue.NewEnqueuer(client)
	}

	if cfg.Registry.Port == 0 {
		cfg.Registry.Port = listenPort(cfg.Server.Addr)
	}
	reg, err := registry.New(cfg.Registry, log)
	if err != nil {
		return fmt.Errorf("failed to create registry client: %w", err)
	}

	coordinator := drain.NewCoordinator(reg, drain.Options{
		QuiesceWait:       cfg.Shutdown.QuiesceWait(),
		PoolDrainTimeout:  cfg.Shutdown.PoolDrainTimeout(),
		DeregisterTimeout: cfg.Shutdown.DeregisterTimeout(),
		Logger:            log,
	})
	trigger := drain.NewTrigger(coordinator, log)

	srv := server.New(server.Options{
		Trigger:    trigger,
		State:      coordinator.State(),
		Pool:       exec,
		Jobs:       jobs,
		AdminToken: cfg.Server.AdminToken,
		Logger:     log,
	})

	acc, err := acceptor.New(srv.Handler(), exec, acceptor.Options{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Logger:       log,
	}, extra...)
	if err != nil {
		return fmt.Errorf("failed to create acceptor: %w", err)
	}
	srv.SetRejections(acc)
	if err := coordinator.Install(acc); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- acc.ListenAndServe() }()

	stop := trigger.NotifySignals(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reg.Register(ctx); err != nil {
		log.Warn("service registration failed, serving without discovery",
			slog.String("error", err.Error()),
		)
	}

	log.Info("wolf started",
		slog.String("addr", cfg.Server.Addr),
		slog.Duration("worst_case_drain", WorstCaseDrain(cfg.Shutdown)),
	)

	var failure error
	select {
	case <-trigger.Done():
	case err := <-serveErr:
		if err != nil {
			// 仍然執行關機流程，確保從註冊中心註銷
			failure = fmt.Errorf("server failed: %w", err)
			log.Error("server failed, shutting down", slog.String("error", err.Error()))
			trigger.FireAsync(ctx, "serve_error")
		}
		<-trigger.Done()
	}

	report := trigger.Report()

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := acc.Close(closeCtx); err != nil {
		log.Warn("failed to close connections", slog.String("error", err.Error()))
	}

	log.Info("wolf stopped",
		slog.String("phase", report.Phase.String()),
		slog.Duration("elapsed", report.Elapsed),
	)

	if failure != nil {
		return failure
	}
	if report.Phase == drain.PhaseTimedOut {
		return errors.New("worker pool did not terminate before the drain timeout")
	}
	return nil
}
