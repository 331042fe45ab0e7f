// Package runner implements the worker daemon: it registers with the
// coordinator, long-polls for dispatched runs, spawns executor subprocesses,
// and reports their outcomes.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/common/logger"
	v1 "github.com/runfleet/runfleet/pkg/api/v1"
)

// Client talks to the coordinator's runner-facing HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates a coordinator client. The HTTP client carries no global
// timeout because long-poll requests are bounded per call via context.
func NewClient(baseURL, apiKey string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
		logger:  log.WithFields(zap.String("component", "coordinator-client")),
	}
}

// Register announces the runner and returns the coordinator's polling
// contract.
func (c *Client) Register(ctx context.Context, req *v1.RegisterRunnerRequest) (*v1.RegisterRunnerResponse, error) {
	var resp v1.RegisterRunnerResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/runner/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Poll long-polls the dispatcher. A nil response with nil error means the
// poll timed out with nothing to deliver.
func (c *Client) Poll(ctx context.Context, runnerID string, tags []string, timeout time.Duration) (*v1.PollResponse, error) {
	// Give the server's long-poll window room to complete before the
	// client-side deadline fires.
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	q := url.Values{}
	q.Set("runner_id", runnerID)
	if len(tags) > 0 {
		q.Set("tags", strings.Join(tags, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/runner/runs?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.UpstreamUnavailable(err, "coordinator unreachable")
	}
	defer httpResp.Body.Close()

	switch httpResp.StatusCode {
	case http.StatusOK:
		var envelope v1.PollResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&envelope); err != nil {
			return nil, fmt.Errorf("failed to decode poll response: %w", err)
		}
		return &envelope, nil
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, decodeError(httpResp)
	}
}

// Heartbeat refreshes the runner's liveness window.
func (c *Client) Heartbeat(ctx context.Context, runnerID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runner/heartbeat", &v1.HeartbeatRequest{RunnerID: runnerID}, nil)
}

// Deregister tells the coordinator the runner is going away for good.
func (c *Client) Deregister(ctx context.Context, runnerID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runner/deregister", &v1.HeartbeatRequest{RunnerID: runnerID}, nil)
}

// ReportStarted reports that the executor subprocess spawned successfully.
func (c *Client) ReportStarted(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runner/runs/"+runID+"/started", nil, nil)
}

// ReportCompleted reports a zero exit.
func (c *Client) ReportCompleted(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runner/runs/"+runID+"/completed", nil, nil)
}

// ReportFailed reports a spawn failure or non-zero exit with its error text.
func (c *Client) ReportFailed(ctx context.Context, runID, errMsg string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runner/runs/"+runID+"/failed",
		&v1.ReportFailedRequest{Error: errMsg}, nil)
}

// ReportStopped reports a stop, naming the signal that ended the process.
func (c *Client) ReportStopped(ctx context.Context, runID, signal string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runner/runs/"+runID+"/stopped",
		&v1.ReportStoppedRequest{Signal: signal}, nil)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// do executes a request with a JSON body and optionally decodes a JSON
// response into out. Transport failures are surfaced as upstream_unavailable
// so the caller's retry logic can tell them from coordinator rejections.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.UpstreamUnavailable(err, "coordinator unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError rebuilds the coordinator's AppError body so the caller sees
// the same kind the server raised.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var appErr errors.AppError
	if err := json.Unmarshal(data, &appErr); err == nil && appErr.Kind != "" {
		appErr.HTTPStatus = resp.StatusCode
		return &appErr
	}
	return errors.New(errors.KindInternal, "coordinator returned %d: %s",
		resp.StatusCode, strings.TrimSpace(string(data)))
}
