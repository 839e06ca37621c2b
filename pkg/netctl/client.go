// Package netctl is the HTTP client for the external enforcement mechanism
// (the firewall/DNS control plane running beside the gateway). The gateway
// treats it as a black box: transient failures are retried with backoff,
// and the caller's context bounds the whole exchange.
package netctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/bastion-xolot/gateway/internal/types"
)

// Config for the control-plane client.
type Config struct {
	Endpoint string
	Token    string
	// Timeout bounds a single HTTP attempt. The caller's context bounds
	// the overall call including retries.
	Timeout time.Duration
}

// Client talks to the control plane.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	log        *logrus.Logger
}

// NewClient creates a control-plane client.
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

type controlRequest struct {
	Action string `json:"action"`
	Target string `json:"target"`
}

// ApplyControl asks the control plane to effect an action against a target.
func (c *Client) ApplyControl(ctx context.Context, action types.EnforcementAction, target string) error {
	return c.post(ctx, "/api/v1/controls/apply", controlRequest{Action: string(action), Target: target})
}

// RevertControl asks the control plane to undo a previously applied action.
func (c *Client) RevertControl(ctx context.Context, action types.EnforcementAction, target string) error {
	return c.post(ctx, "/api/v1/controls/revert", controlRequest{Action: string(action), Target: target})
}

func (c *Client) post(ctx context.Context, path string, payload controlRequest) error {
	if c.endpoint == "" {
		return fmt.Errorf("control plane not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal control request: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network errors and per-attempt timeouts are retryable until
			// the caller's context expires.
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("control plane returned %d", resp.StatusCode)
		default:
			// 4xx means the request itself is wrong; retrying won't help.
			return backoff.Permanent(fmt.Errorf("control plane rejected request: %d", resp.StatusCode))
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0 // the context is the deadline

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"action": payload.Action, "target": payload.Target,
		}).Warn("Control plane call failed")
		return err
	}
	return nil
}
