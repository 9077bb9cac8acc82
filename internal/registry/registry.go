// Package registry 服務註冊中心客戶端（Eureka REST 協定）
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"wolf/internal/config"
	"wolf/internal/logger"
)

// Service 行程啟動時註冊、關機時註銷
type Service interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
	InstanceID() string
}

// New registry.url 為空時回傳 Noop
func New(cfg config.RegistryConfig, log *logger.Logger) (Service, error) {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	if !cfg.Enabled() {
		return &Noop{log: log.WithComponent("registry")}, nil
	}
	return NewClient(cfg, nil, log)
}

// DefaultInstanceID {hostname}:{app}:{uuid}
func DefaultInstanceID(hostName, app string) string {
	return fmt.Sprintf("%s:%s:%s", hostName, app, uuid.NewString())
}

func hostName(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to resolve hostname: %w", err)
	}
	if name == "" {
		return "", errors.New("hostname is empty")
	}
	return name, nil
}

// Noop 未設定註冊中心時使用
type Noop struct {
	log *logger.Logger
}

func (n *Noop) Register(ctx context.Context) error {
	n.log.Info("service registry disabled, skipping registration")
	return nil
}

func (n *Noop) Deregister(ctx context.Context) error {
	n.log.Info("service registry disabled, nothing to deregister")
	return nil
}

func (n *Noop) InstanceID() string {
	return ""
}

var _ Service = (*Noop)(nil)
var _ Service = (*Client)(nil)

func instanceAttr(id string) slog.Attr {
	return slog.String("instance_id", id)
}
