package client

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// failuresBeforeAlarm is how many heartbeats in a row may fail before the
// client logs at error level; one TTL is usually three heartbeats.
const failuresBeforeAlarm = 3

// heartbeatPeriod beats at a third of the gateway's TTL so a single lost
// heartbeat never marks the instance unhealthy.
func heartbeatPeriod(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 10 * time.Second
	}
	if ttl >= 3*time.Second {
		return ttl / 3
	}
	return ttl
}

func (c *RegistryClient) startHeartbeat() {
	c.mu.RLock()
	period := heartbeatPeriod(c.heartbeatInterval)
	c.mu.RUnlock()

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.stopCancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.heartbeatLoop(ctx, period)
	}()
}

func (c *RegistryClient) heartbeatLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}

		err := c.sendHeartbeat(ctx)
		switch {
		case err == nil:
			if failures > 0 {
				c.logger.Info("heartbeat recovered", "instance_id", c.InstanceID(), "failed_beats", failures)
			}
			failures = 0

		case errors.Is(err, ErrInstanceNotFound):
			c.logger.Warn("gateway forgot this instance, re-registering", "instance_id", c.InstanceID())
			if reErr := c.reregister(ctx); reErr != nil {
				c.logger.Error("re-registration failed", "error", reErr)
				continue
			}
			failures = 0

		default:
			failures++
			if failures >= failuresBeforeAlarm {
				c.logger.Error("heartbeat failing", "failed_beats", failures, "error", err)
			} else {
				c.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (c *RegistryClient) sendHeartbeat(ctx context.Context) error {
	instanceID := c.InstanceID()
	if instanceID == "" {
		return errors.New("not registered")
	}

	err := c.post(ctx, "/internal/registry/heartbeat", map[string]string{"instance_id": instanceID}, http.StatusOK, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return ErrInstanceNotFound
	}
	return err
}
