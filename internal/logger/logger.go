package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 包裝 slog.Logger 提供結構化日誌記錄
type Logger struct {
	*slog.Logger
	level slog.Level
}

// LoggingConfig 日誌配置結構
type LoggingConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Output     string `koanf:"output"`
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`
	Compress   bool   `koanf:"compress"`
}

// DrainEvent 關機排空流程的日誌事件類型
type DrainEvent string

const (
	DrainEventTriggered          DrainEvent = "shutdown_triggered"
	DrainEventDuplicateTrigger   DrainEvent = "shutdown_duplicate_trigger"
	DrainEventDeregisterStart    DrainEvent = "deregister_start"
	DrainEventDeregisterSuccess  DrainEvent = "deregister_success"
	DrainEventDeregisterFailed   DrainEvent = "deregister_failed"
	DrainEventQuiesceStart       DrainEvent = "quiesce_start"
	DrainEventQuiesceDone        DrainEvent = "quiesce_done"
	DrainEventQuiesceInterrupted DrainEvent = "quiesce_interrupted"
	DrainEventQuiesceSkipped     DrainEvent = "quiesce_skipped"
	DrainEventAcceptorPaused     DrainEvent = "acceptor_paused"
	DrainEventAcceptorMissing    DrainEvent = "acceptor_missing"
	DrainEventGracefulStart      DrainEvent = "drain_graceful_start"
	DrainEventWaitInterrupted    DrainEvent = "drain_wait_interrupted"
	DrainEventEscalate           DrainEvent = "drain_escalate"
	DrainEventTerminated         DrainEvent = "drain_terminated"
	DrainEventTimedOut           DrainEvent = "drain_timed_out"
	DrainEventStagePanic         DrainEvent = "stage_panic"
	DrainEventComplete           DrainEvent = "shutdown_complete"
	DrainEventRegistered         DrainEvent = "registry_registered"
	DrainEventHeartbeat          DrainEvent = "registry_heartbeat"
	DrainEventHeartbeatFailed    DrainEvent = "registry_heartbeat_failed"
)

var defaultLogger *Logger

// NewLogger 創建新的結構化日誌記錄器
func NewLogger(config *LoggingConfig) (*Logger, error) {
	if config == nil {
		config = &LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		}
	}

	// 解析日誌級別
	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	// 創建輸出目標
	writer, err := createWriter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}

	// 創建處理器
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	switch strings.ToLower(config.Format) {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
	}, nil
}

// New 以指定 writer 創建文字格式的日誌記錄器，測試時用來捕獲輸出
func New(w io.Writer, level slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})),
		level:  level,
	}
}

// Discard 丟棄所有輸出
func Discard() *Logger {
	return New(io.Discard, slog.LevelError+1)
}

// InitDefaultLogger 初始化默認日誌記錄器，同時設定 slog 預設值
func InitDefaultLogger(config *LoggingConfig) error {
	logger, err := NewLogger(config)
	if err != nil {
		return err
	}
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
	return nil
}

// GetDefaultLogger 獲取默認日誌記錄器
func GetDefaultLogger() *Logger {
	if defaultLogger == nil {
		// 如果沒有初始化，創建一個基本的日誌記錄器
		logger, _ := NewLogger(nil)
		defaultLogger = logger
	}
	return defaultLogger
}

// Level 目前的日誌級別
func (l *Logger) Level() slog.Level {
	return l.level
}

// WithComponent 回傳附帶 component 屬性的子記錄器
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("component", component)),
		level:  l.level,
	}
}

// parseLogLevel 解析日誌級別字符串
func parseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

// createWriter 根據配置創建日誌輸出目標
func createWriter(config *LoggingConfig) (io.Writer, error) {
	switch strings.ToLower(config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "file":
		if config.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}

		// 確保日誌目錄存在
		dir := filepath.Dir(config.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		// 使用 lumberjack 進行日誌輪轉
		return &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported output type: %s", config.Output)
	}
}

// EventLevel 事件對應的日誌級別
func EventLevel(event DrainEvent) slog.Level {
	switch event {
	case DrainEventTimedOut, DrainEventStagePanic:
		return slog.LevelError
	case DrainEventDeregisterFailed, DrainEventEscalate, DrainEventAcceptorMissing,
		DrainEventQuiesceInterrupted, DrainEventWaitInterrupted, DrainEventHeartbeatFailed:
		return slog.LevelWarn
	case DrainEventHeartbeat, DrainEventQuiesceSkipped:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// LogDrainEvent 記錄排空流程事件，級別由事件類型決定
func (l *Logger) LogDrainEvent(event DrainEvent, message string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
	}

	allAttrs := append(baseAttrs, attrs...)

	// 轉換 slog.Attr 到 any
	anyAttrs := make([]any, len(allAttrs))
	for i, attr := range allAttrs {
		anyAttrs[i] = attr
	}

	switch EventLevel(event) {
	case slog.LevelError:
		l.Error(message, anyAttrs...)
	case slog.LevelWarn:
		l.Warn(message, anyAttrs...)
	case slog.LevelDebug:
		l.Debug(message, anyAttrs...)
	default:
		l.Info(message, anyAttrs...)
	}
}

// LogStageDuration 記錄單一階段耗時
func (l *Logger) LogStageDuration(event DrainEvent, stage string, elapsed time.Duration, attrs ...slog.Attr) {
	all := append([]slog.Attr{
		slog.String("stage", stage),
		slog.Duration("elapsed", elapsed),
	}, attrs...)
	l.LogDrainEvent(event, "shutdown stage finished", all...)
}

// LogDrainEvent 使用默認日誌記錄器記錄排空事件
func LogDrainEvent(event DrainEvent, message string, attrs ...slog.Attr) {
	GetDefaultLogger().LogDrainEvent(event, message, attrs...)
}
