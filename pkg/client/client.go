package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	headerServiceToken = "X-Service-Token"
	maxRegisterRetries = 5
)

// RegistryClient keeps one service instance registered with the gateway's
// heartbeat directory until Shutdown.
type RegistryClient struct {
	gatewayURL string
	token      string

	lastRegisterReq RegisterRequest
	instanceID      string

	httpClient        *http.Client
	initialBackoff    time.Duration
	heartbeatInterval time.Duration
	stopCh            chan struct{}
	stopCancel        context.CancelFunc
	wg                sync.WaitGroup
	mu                sync.RWMutex
	registered        bool
	stopped           bool

	logger *slog.Logger
}

type Option func(*RegistryClient)

func WithLogger(logger *slog.Logger) Option {
	return func(c *RegistryClient) {
		c.logger = logger
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *RegistryClient) {
		c.httpClient = hc
	}
}

// WithInitialBackoff sets the first retry delay; it doubles up to 30s.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *RegistryClient) {
		c.initialBackoff = d
	}
}

func NewRegistryClient(gatewayURL, token string, opts ...Option) *RegistryClient {
	c := &RegistryClient{
		gatewayURL: gatewayURL,
		token:      token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		initialBackoff: time.Second,
		stopCh:         make(chan struct{}),
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *RegistryClient) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	c.mu.Lock()
	if c.registered {
		c.mu.Unlock()
		return nil, fmt.Errorf("already registered, call Shutdown first")
	}
	c.lastRegisterReq = req
	c.mu.Unlock()

	resp, err := c.registerWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()

	c.startHeartbeat()

	c.logger.Info("service registered",
		"service", req.ServiceName,
		"instance_id", resp.InstanceID,
		"heartbeat_interval", resp.HeartbeatInterval,
	)

	return resp, nil
}

func (c *RegistryClient) registerWithRetry(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp *RegisterResponse
	err := c.retryWithBackoff(ctx, maxRegisterRetries, func() error {
		var err error
		resp, err = c.doRegister(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.instanceID = resp.InstanceID
	c.heartbeatInterval = time.Duration(resp.HeartbeatInterval) * time.Second
	c.mu.Unlock()
	return resp, nil
}

func (c *RegistryClient) doRegister(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.post(ctx, "/internal/registry/register", req, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RegistryClient) reregister(ctx context.Context) error {
	c.mu.RLock()
	req := c.lastRegisterReq
	c.mu.RUnlock()

	resp, err := c.registerWithRetry(ctx, req)
	if err != nil {
		return err
	}

	c.logger.Info("service re-registered",
		"instance_id", resp.InstanceID,
		"heartbeat_interval", resp.HeartbeatInterval,
	)
	return nil
}

func (c *RegistryClient) Deregister(ctx context.Context) error {
	c.mu.RLock()
	instanceID := c.instanceID
	c.mu.RUnlock()

	if instanceID == "" {
		return nil
	}

	err := c.post(ctx, "/internal/registry/deregister", map[string]string{"instance_id": instanceID}, http.StatusOK, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("deregister: %w", err)
	}

	c.logger.Info("service deregistered", "instance_id", instanceID)
	return nil
}

func (c *RegistryClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.mu.RLock()
	cancel := c.stopCancel
	c.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out waiting for heartbeat to stop")
	}

	return c.Deregister(ctx)
}

func (c *RegistryClient) InstanceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceID
}

// post sends body as JSON and decodes the answer into out when the status is
// the expected one.
func (c *RegistryClient) post(ctx context.Context, path string, body any, want int, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerServiceToken, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != want {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var errBody struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errBody) == nil {
			statusErr.Code, statusErr.Message = errBody.Error, errBody.Message
		}
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *RegistryClient) retryWithBackoff(ctx context.Context, maxRetries int, fn func() error) error {
	var lastErr error
	backoff := c.initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return err
		}

		if attempt < maxRetries {
			c.logger.Warn("operation failed, retrying",
				"attempt", attempt+1,
				"max_retries", maxRetries,
				"backoff", backoff,
				"error", err,
			)

			select {
			case <-time.After(backoff):
				backoff *= 2
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, lastErr)
}
