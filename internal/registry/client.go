package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wolf/internal/config"
	"wolf/internal/logger"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultRequestTimeout    = 5 * time.Second
	defaultRetryInterval     = time.Second

	// 租約長度為心跳間隔的三倍，與 Eureka 預設 30s / 90s 相同
	leaseMultiplier = 3
)

// Client Eureka REST 客戶端。註冊後會定期送出心跳，Deregister 前先停止心跳
type Client struct {
	baseURL    string
	app        string
	instanceID string
	hostName   string
	port       int

	heartbeatInterval time.Duration
	requestTimeout    time.Duration
	retries           int
	retryInterval     time.Duration

	http *http.Client
	log  *logger.Logger

	mu           sync.Mutex
	hbCancel     context.CancelFunc
	hbDone       chan struct{}
	deregistered atomic.Bool
	heartbeats   atomic.Int64
}

type registration struct {
	Instance instanceInfo `json:"instance"`
}

type instanceInfo struct {
	InstanceID     string         `json:"instanceId"`
	HostName       string         `json:"hostName"`
	App            string         `json:"app"`
	IPAddr         string         `json:"ipAddr"`
	VIPAddress     string         `json:"vipAddress"`
	Status         string         `json:"status"`
	Port           portInfo       `json:"port"`
	DataCenterInfo dataCenterInfo `json:"dataCenterInfo"`
	LeaseInfo      leaseInfo      `json:"leaseInfo"`
}

type portInfo struct {
	Port    int    `json:"$"`
	Enabled string `json:"@enabled"`
}

type dataCenterInfo struct {
	Class string `json:"@class"`
	Name  string `json:"name"`
}

type leaseInfo struct {
	RenewalIntervalInSecs int `json:"renewalIntervalInSecs"`
	DurationInSecs        int `json:"durationInSecs"`
}

// NewClient httpClient 為 nil 時使用 http.DefaultClient
func NewClient(cfg config.RegistryConfig, httpClient *http.Client, log *logger.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid registry url %q: %w", cfg.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("registry url must be http or https, got %q", cfg.URL)
	}
	if cfg.App == "" {
		return nil, errors.New("registry app name is required")
	}
	host, err := hostName(cfg.HostName)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	app := strings.ToUpper(cfg.App)
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = DefaultInstanceID(host, app)
	}

	c := &Client{
		baseURL:           strings.TrimRight(cfg.URL, "/"),
		app:               app,
		instanceID:        instanceID,
		hostName:          host,
		port:              cfg.Port,
		heartbeatInterval: cfg.HeartbeatInterval,
		requestTimeout:    cfg.RequestTimeout,
		retries:           cfg.DeregisterRetries,
		retryInterval:     cfg.RetryInterval,
		http:              httpClient,
		log:               log.WithComponent("registry"),
	}
	if c.heartbeatInterval <= 0 {
		c.heartbeatInterval = defaultHeartbeatInterval
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.retryInterval <= 0 {
		c.retryInterval = defaultRetryInterval
	}
	if c.retries < 0 {
		c.retries = 0
	}
	return c, nil
}

func (c *Client) InstanceID() string {
	return c.instanceID
}

// Heartbeats 成功送出的心跳次數
func (c *Client) Heartbeats() int64 {
	return c.heartbeats.Load()
}

func (c *Client) appURL() string {
	return c.baseURL + "/apps/" + url.PathEscape(c.app)
}

func (c *Client) instanceURL() string {
	return c.appURL() + "/" + url.PathEscape(c.instanceID)
}

// Register 註冊並啟動心跳。重複呼叫會重新送出註冊但只保留一個心跳迴圈。
// 網路請求期間不持有鎖，註銷不必等待緩慢的註冊。
func (c *Client) Register(ctx context.Context) error {
	if c.deregistered.Load() {
		return errAlreadyDeregistered(c.instanceID)
	}
	if err := c.register(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// 註冊期間已經註銷：撤回這次註冊，不啟動心跳
	if c.deregistered.Load() {
		if err := c.send(ctx, "deregister", http.MethodDelete, c.instanceURL(), nil); err != nil && !errors.Is(err, ErrNotRegistered) {
			c.log.Warn("failed to withdraw registration raced by deregister",
				instanceAttr(c.instanceID),
				slog.String("error", err.Error()),
			)
		}
		return errAlreadyDeregistered(c.instanceID)
	}

	c.log.LogDrainEvent(logger.DrainEventRegistered, "registered with service registry",
		instanceAttr(c.instanceID),
		slog.String("app", c.app),
		slog.Duration("heartbeat_interval", c.heartbeatInterval),
	)

	if c.hbCancel == nil {
		hbCtx, cancel := context.WithCancel(context.Background())
		c.hbCancel = cancel
		c.hbDone = make(chan struct{})
		go c.heartbeatLoop(hbCtx, c.hbDone)
	}
	return nil
}

func errAlreadyDeregistered(instance string) error {
	return &Error{Op: "register", Instance: instance, Err: errors.New("instance already deregistered")}
}

func (c *Client) register(ctx context.Context) error {
	body, err := json.Marshal(c.registration())
	if err != nil {
		return &Error{Op: "register", Instance: c.instanceID, Err: err}
	}
	return c.send(ctx, "register", http.MethodPost, c.appURL(), body)
}

func (c *Client) registration() registration {
	lease := int(c.heartbeatInterval / time.Second)
	if lease < 1 {
		lease = 1
	}
	return registration{Instance: instanceInfo{
		InstanceID: c.instanceID,
		HostName:   c.hostName,
		App:        c.app,
		IPAddr:     localIP(c.hostName),
		VIPAddress: strings.ToLower(c.app),
		Status:     "UP",
		Port:       portInfo{Port: c.port, Enabled: "true"},
		DataCenterInfo: dataCenterInfo{
			Class: "com.netflix.appinfo.InstanceInfo$DefaultDataCenterInfo",
			Name:  "MyOwn",
		},
		LeaseInfo: leaseInfo{
			RenewalIntervalInSecs: lease,
			DurationInSecs:        lease * leaseMultiplier,
		},
	}}
}

func (c *Client) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	err := c.send(ctx, "heartbeat", http.MethodPut, c.instanceURL(), nil)
	if err == nil {
		c.heartbeats.Add(1)
		c.log.LogDrainEvent(logger.DrainEventHeartbeat, "heartbeat sent", instanceAttr(c.instanceID))
		return
	}
	if ctx.Err() != nil {
		return
	}

	// 註冊中心遺失租約時重新註冊
	if errors.Is(err, ErrNotRegistered) {
		c.log.Warn("registry lost this instance, registering again", instanceAttr(c.instanceID))
		err = c.register(ctx)
		if err == nil {
			return
		}
	}
	c.log.LogDrainEvent(logger.DrainEventHeartbeatFailed, "heartbeat failed",
		instanceAttr(c.instanceID),
		slog.String("error", err.Error()),
	)
}

func (c *Client) stopHeartbeat() {
	if c.hbCancel == nil {
		return
	}
	c.hbCancel()
	<-c.hbDone
	c.hbCancel = nil
}

// Deregister 停止心跳並從註冊中心移除。成功後再呼叫不會發出請求；
// 404 代表註冊中心已經沒有這個實例，視為成功
func (c *Client) Deregister(ctx context.Context) error {
	if c.deregistered.Load() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deregistered.Load() {
		return nil
	}
	c.stopHeartbeat()

	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.retryInterval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("deregister retry interrupted: %w", errors.Join(err, ctx.Err()))
			}
		}

		err = c.send(ctx, "deregister", http.MethodDelete, c.instanceURL(), nil)
		if err == nil || errors.Is(err, ErrNotRegistered) {
			c.deregistered.Store(true)
			c.log.Info("deregistered from service registry",
				instanceAttr(c.instanceID),
				slog.Int("attempts", attempt+1),
			)
			return nil
		}

		var rerr *Error
		if errors.As(err, &rerr) && !rerr.Temporary() {
			break
		}
		if attempt < c.retries {
			c.log.Warn("deregister attempt failed, retrying",
				instanceAttr(c.instanceID),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
		}
	}
	return err
}

func (c *Client) send(ctx context.Context, op, method, target string, body []byte) error {
	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(rctx, method, target, reader)
	if err != nil {
		return &Error{Op: op, Instance: c.instanceID, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Instance: c.instanceID, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &Error{Op: op, Instance: c.instanceID, Code: resp.StatusCode, Err: ErrNotRegistered}
	default:
		return &Error{Op: op, Instance: c.instanceID, Code: resp.StatusCode, Err: ErrUnexpectedStatus}
	}
}

// localIP 第一個非 loopback 的 IPv4 位址，找不到時使用主機名稱
func localIP(fallback string) string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return fallback
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip := ipNet.IP.To4(); ip != nil {
			return ip.String()
		}
	}
	return fallback
}
