// Package main implements a mock executor binary for development and e2e
// testing. It reads the versioned invocation payload from stdin, binds its
// own session identifier against the coordinator, emits a couple of session
// events, and reports a canned result.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/runfleet/runfleet/internal/runner/protocol"
)

func main() {
	coordinatorURL := flag.String("coordinator", envOr("RUNFLEET_COORDINATOR_URL", "http://localhost:8080"), "coordinator base URL")
	apiKey := flag.String("api-key", os.Getenv("RUNFLEET_RUNNER_API_KEY"), "bearer token for the coordinator")
	result := flag.String("result", "", "result text to report (defaults to echoing the prompt)")
	failWith := flag.String("fail", "", "report run_failed with this error instead of completing")
	delay := flag.Duration("delay", 0, "pause between binding and finishing")
	flag.Parse()

	if err := run(*coordinatorURL, *apiKey, *result, *failWith, *delay); err != nil {
		fmt.Fprintf(os.Stderr, "mock-executor: %v\n", err)
		os.Exit(1)
	}
}

func run(baseURL, apiKey, result, failWith string, delay time.Duration) error {
	stdin, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read stdin: %w", err)
	}
	payload, err := protocol.Unmarshal(stdin)
	if err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	for key := range payload.Unknown {
		fmt.Fprintf(os.Stderr, "mock-executor: ignoring unknown payload key %q\n", key)
	}
	for _, field := range payload.ResumeIgnoredFields() {
		fmt.Fprintf(os.Stderr, "mock-executor: %s is ignored in resume mode\n", field)
	}

	client := &apiClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// The contract requires binding before any other event.
	executorSessionID := fmt.Sprintf("mock-exec-%d", os.Getpid())
	if err := client.post(ctx, "/api/v1/sessions/"+payload.SessionID+"/bind", map[string]interface{}{
		"executor_session_id": executorSessionID,
		"project_dir":         payload.ProjectDir,
	}); err != nil {
		return fmt.Errorf("bind failed: %w", err)
	}

	if err := client.post(ctx, "/api/v1/sessions/"+payload.SessionID+"/events", map[string]interface{}{
		"event_type": "message",
		"payload":    map[string]interface{}{"text": "working on: " + payload.Prompt},
	}); err != nil {
		return fmt.Errorf("event append failed: %w", err)
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	if failWith != "" {
		if err := client.post(ctx, "/api/v1/sessions/"+payload.SessionID+"/events", map[string]interface{}{
			"event_type": "run_failed",
			"payload":    map[string]interface{}{"error": failWith},
		}); err != nil {
			return fmt.Errorf("failure report failed: %w", err)
		}
		return fmt.Errorf("failed as requested: %s", failWith)
	}

	if result == "" {
		result = "echo: " + payload.Prompt
	}
	if err := client.post(ctx, "/api/v1/sessions/"+payload.SessionID+"/events", map[string]interface{}{
		"event_type": "run_completed",
		"payload":    map[string]interface{}{"result": result},
	}); err != nil {
		return fmt.Errorf("completion report failed: %w", err)
	}
	return nil
}

type apiClient struct {
	baseURL string
	apiKey  string
}

func (c *apiClient) post(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
