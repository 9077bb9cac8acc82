package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix 環境變數前綴，區段之間以雙底線分隔，例如 WOLF_SHUTDOWN__QUIESCE_WAIT_SECONDS
const EnvPrefix = "WOLF_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Shutdown ShutdownConfig `koanf:"shutdown"`
	Pool     PoolConfig     `koanf:"pool"`
	Registry RegistryConfig `koanf:"registry"`
	Jobs     JobsConfig     `koanf:"jobs"`
	Database DatabaseConfig `koanf:"database"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
	// AdminToken 非空時 /admin/shutdown 需要 Bearer token
	AdminToken string `koanf:"admin_token"`
}

// ShutdownConfig 關機排空流程設定
type ShutdownConfig struct {
	QuiesceWaitSeconds       int `koanf:"quiesce_wait_seconds"`
	PoolDrainTimeoutSeconds  int `koanf:"pool_drain_timeout_seconds"`
	DeregisterTimeoutSeconds int `koanf:"deregister_timeout_seconds"`
}

// QuiesceWait 註銷後等待上游快取過期的時間
func (c ShutdownConfig) QuiesceWait() time.Duration {
	return time.Duration(c.QuiesceWaitSeconds) * time.Second
}

// PoolDrainTimeout 每個排空階段（graceful / forceful）各自的等待上限
func (c ShutdownConfig) PoolDrainTimeout() time.Duration {
	return time.Duration(c.PoolDrainTimeoutSeconds) * time.Second
}

func (c ShutdownConfig) DeregisterTimeout() time.Duration {
	return time.Duration(c.DeregisterTimeoutSeconds) * time.Second
}

type PoolConfig struct {
	MaxWorkers int `koanf:"max_workers"`
	QueueSize  int `koanf:"queue_size"`
}

type RegistryConfig struct {
	URL               string        `koanf:"url"` // 空值表示不註冊
	App               string        `koanf:"app"`
	InstanceID        string        `koanf:"instance_id"`
	HostName          string        `koanf:"host_name"`
	Port              int           `koanf:"port"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	DeregisterRetries int           `koanf:"deregister_retries"`
	RetryInterval     time.Duration `koanf:"retry_interval"`
}

// Enabled 是否啟用服務註冊
func (c RegistryConfig) Enabled() bool {
	return c.URL != ""
}

type JobsConfig struct {
	Enabled    bool `koanf:"enabled"`
	MaxWorkers int  `koanf:"max_workers"`
}

type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	DBName   string `koanf:"dbname"`
	SSLMode  string `koanf:"sslmode"`
	TimeZone string `koanf:"timezone"`
}

type LoggingConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`   // log file path when output is file
	MaxSize    int    `koanf:"max_size"`    // max size in MB
	MaxBackups int    `koanf:"max_backups"` // max number of backup files
	MaxAge     int    `koanf:"max_age"`     // max age in days
	Compress   bool   `koanf:"compress"`    // compress old log files
}

// Default 回傳所有預設值。載入時先套用預設值再覆寫，因此明確設定的 0 會被保留
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Shutdown: ShutdownConfig{
			QuiesceWaitSeconds:       10,
			PoolDrainTimeoutSeconds:  30,
			DeregisterTimeoutSeconds: 5,
		},
		Pool: PoolConfig{
			MaxWorkers: 200,
			QueueSize:  100,
		},
		Registry: RegistryConfig{
			App:               "WOLF",
			HeartbeatInterval: 30 * time.Second,
			RequestTimeout:    5 * time.Second,
			RetryInterval:     time.Second,
		},
		Jobs: JobsConfig{
			MaxWorkers: 10,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "postgres",
			DBName:   "wolf",
			SSLMode:  "disable",
			TimeZone: "UTC",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSize:    100, // 100MB
			MaxBackups: 3,
			MaxAge:     28, // 28 days
		},
	}
}

func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			log.Printf("Warning: failed to load config file %s: %v", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config := Default()
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// envKey WOLF_SHUTDOWN__QUIESCE_WAIT_SECONDS -> shutdown.quiesce_wait_seconds
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(
		strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func (c *DatabaseConfig) PGXDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&timezone=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode, c.TimeZone)
}

// Validate 驗證所有區段
func Validate(cfg *Config) error {
	if err := validateServerConfig(&cfg.Server); err != nil {
		return fmt.Errorf("server config validation failed: %w", err)
	}

	if err := validateShutdownConfig(&cfg.Shutdown); err != nil {
		return fmt.Errorf("shutdown config validation failed: %w", err)
	}

	if err := validatePoolConfig(&cfg.Pool); err != nil {
		return fmt.Errorf("pool config validation failed: %w", err)
	}

	if err := validateRegistryConfig(&cfg.Registry); err != nil {
		return fmt.Errorf("registry config validation failed: %w", err)
	}

	if cfg.Jobs.Enabled {
		if cfg.Jobs.MaxWorkers < 1 {
			return fmt.Errorf("jobs config validation failed: max_workers must be at least 1, got %d", cfg.Jobs.MaxWorkers)
		}
		if err := validateDatabaseConfig(&cfg.Database); err != nil {
			return fmt.Errorf("database config validation failed: %w", err)
		}
	}

	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}

	return nil
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg.Addr == "" {
		return fmt.Errorf("server addr cannot be empty")
	}

	if cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 || cfg.IdleTimeout < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}

	return nil
}

func validateShutdownConfig(cfg *ShutdownConfig) error {
	if cfg.QuiesceWaitSeconds < 0 {
		return fmt.Errorf("quiesce_wait_seconds cannot be negative, got %d", cfg.QuiesceWaitSeconds)
	}

	if cfg.QuiesceWaitSeconds > 600 {
		return fmt.Errorf("quiesce_wait_seconds cannot exceed 600, got %d", cfg.QuiesceWaitSeconds)
	}

	if cfg.PoolDrainTimeoutSeconds < 1 {
		return fmt.Errorf("pool_drain_timeout_seconds must be at least 1, got %d", cfg.PoolDrainTimeoutSeconds)
	}

	if cfg.PoolDrainTimeoutSeconds > 3600 {
		return fmt.Errorf("pool_drain_timeout_seconds cannot exceed 3600, got %d", cfg.PoolDrainTimeoutSeconds)
	}

	if cfg.DeregisterTimeoutSeconds < 1 {
		return fmt.Errorf("deregister_timeout_seconds must be at least 1, got %d", cfg.DeregisterTimeoutSeconds)
	}

	return nil
}

func validatePoolConfig(cfg *PoolConfig) error {
	if cfg.MaxWorkers < 1 {
		return fmt.Errorf("pool max_workers must be at least 1, got %d", cfg.MaxWorkers)
	}

	if cfg.MaxWorkers > 10000 {
		return fmt.Errorf("pool max_workers cannot exceed 10000, got %d", cfg.MaxWorkers)
	}

	if cfg.QueueSize < 0 {
		return fmt.Errorf("pool queue_size cannot be negative, got %d", cfg.QueueSize)
	}

	return nil
}

func validateRegistryConfig(cfg *RegistryConfig) error {
	if !cfg.Enabled() {
		return nil
	}

	if cfg.App == "" {
		return fmt.Errorf("registry app cannot be empty")
	}

	if cfg.HeartbeatInterval < time.Second {
		return fmt.Errorf("registry heartbeat interval must be at least 1 second, got %v", cfg.HeartbeatInterval)
	}

	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("registry request timeout must be positive, got %v", cfg.RequestTimeout)
	}

	if cfg.DeregisterRetries < 0 || cfg.DeregisterRetries > 10 {
		return fmt.Errorf("registry deregister retries must be between 0 and 10, got %d", cfg.DeregisterRetries)
	}

	if cfg.DeregisterRetries > 0 && cfg.RetryInterval <= 0 {
		return fmt.Errorf("registry retry interval must be positive when retries are enabled")
	}

	return nil
}

func validateDatabaseConfig(cfg *DatabaseConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}

	if cfg.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}

	if cfg.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}

	return nil
}

func validateLoggingConfig(cfg *LoggingConfig) error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[cfg.Level] {
		return fmt.Errorf("invalid logging level: %s, must be one of: debug, info, warn, error", cfg.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[cfg.Format] {
		return fmt.Errorf("invalid logging format: %s, must be one of: json, text", cfg.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}

	if !validOutputs[cfg.Output] {
		return fmt.Errorf("invalid logging output: %s, must be one of: stdout, stderr, file", cfg.Output)
	}

	if cfg.Output == "file" && cfg.FilePath == "" {
		return fmt.Errorf("file_path must be specified when output is 'file'")
	}

	if cfg.MaxSize < 1 || cfg.MaxSize > 1000 {
		return fmt.Errorf("max_size must be between 1 and 1000 MB, got %d", cfg.MaxSize)
	}

	if cfg.MaxBackups < 0 || cfg.MaxBackups > 100 {
		return fmt.Errorf("max_backups must be between 0 and 100, got %d", cfg.MaxBackups)
	}

	if cfg.MaxAge < 1 || cfg.MaxAge > 365 {
		return fmt.Errorf("max_age must be between 1 and 365 days, got %d", cfg.MaxAge)
	}

	return nil
}
