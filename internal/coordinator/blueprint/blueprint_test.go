package blueprint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/common/logger"
)

const testBlueprint = `
name: reviewer
description: reviews code
system_prompt: "You review ${params.language} code in ${runtime.session_id}"
executor_type: claude-code
demands: [linux]
config_schema:
  type: object
  required: [language]
  properties:
    language:
      type: string
mcp_servers:
  - name: github
    config:
      repo: ${scope.repo}
`

const testMCPDefaults = `
github:
  config:
    command: github-mcp
    token: ${env.GITHUB_TOKEN}
  required: [token, repo]
`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "reviewer.yaml"), []byte(testBlueprint), 0o644); err != nil {
		t.Fatalf("failed to write blueprint: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mcp_servers.yaml"), []byte(testMCPDefaults), 0o644); err != nil {
		t.Fatalf("failed to write mcp defaults: %v", err)
	}

	r, err := LoadRegistry(dir, logger.Default())
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}
	return r
}

func TestRegistry_LoadAndGet(t *testing.T) {
	r := newTestRegistry(t)

	bp, err := r.Get("reviewer")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if bp.ExecutorType != "claude-code" || len(bp.Demands) != 1 {
		t.Errorf("blueprint fields not loaded: %+v", bp)
	}

	if _, err := r.Get("missing"); errors.KindOf(err) != errors.KindNotFound {
		t.Errorf("expected not_found for unknown agent, got %v", err)
	}

	if got := r.List(); len(got) != 1 || got[0].Name != "reviewer" {
		t.Errorf("unexpected list: %+v", got)
	}
}

func TestRegistry_MissingDirectoryStartsEmpty(t *testing.T) {
	r, err := LoadRegistry(filepath.Join(t.TempDir(), "nope"), logger.Default())
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}
	if len(r.List()) != 0 {
		t.Error("expected empty registry")
	}
}

func TestRegistry_ValidateParams(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.ValidateParams("reviewer", map[string]interface{}{"language": "go"}); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
	err := r.ValidateParams("reviewer", map[string]interface{}{})
	if errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("expected invalid_input for missing required param, got %v", err)
	}
	// No schema registered means anything goes.
	if err := r.ValidateParams("unknown", nil); err != nil {
		t.Errorf("unknown agent must not fail validation: %v", err)
	}
}

func TestResolveString_Sources(t *testing.T) {
	rc := &ResolveContext{
		Params:  map[string]interface{}{"language": "go", "count": float64(3)},
		Scope:   map[string]interface{}{"repo": "acme/api"},
		Env:     func(k string) (string, bool) { return "tok-123", k == "GITHUB_TOKEN" },
		Runtime: map[string]string{"session_id": "s1", "run_id": "r1"},
	}

	cases := map[string]string{
		"${params.language}":        "go",
		"${params.count} retries":   "3 retries",
		"${scope.repo}":             "acme/api",
		"${env.GITHUB_TOKEN}":       "tok-123",
		"${runtime.session_id}":     "s1",
		"${runner.workspace}/src":   "${runner.workspace}/src", // runner-side
		"${params.missing}":         "${params.missing}",       // preserved
		"${mystery.key}":            "${mystery.key}",          // unknown source
		"plain text, no tokens":     "plain text, no tokens",
		"${params.language}-${runtime.run_id}": "go-r1",
	}
	for in, want := range cases {
		if got := rc.ResolveString(in); got != want {
			t.Errorf("ResolveString(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveValue_WalksStructure(t *testing.T) {
	rc := &ResolveContext{Params: map[string]interface{}{"x": "X"}}
	in := map[string]interface{}{
		"a": "${params.x}",
		"b": []interface{}{"${params.x}", float64(7)},
		"c": map[string]interface{}{"d": "${params.x}"},
	}
	out := rc.ResolveValue(in).(map[string]interface{})
	if out["a"] != "X" {
		t.Errorf("top-level string not resolved: %v", out["a"])
	}
	if list := out["b"].([]interface{}); list[0] != "X" || list[1] != float64(7) {
		t.Errorf("slice not resolved: %v", list)
	}
	if nested := out["c"].(map[string]interface{}); nested["d"] != "X" {
		t.Errorf("nested map not resolved: %v", nested)
	}
}

func TestResolve_MCPMergeAndRequired(t *testing.T) {
	r := newTestRegistry(t)
	bp, _ := r.Get("reviewer")

	rc := &ResolveContext{
		Params:  map[string]interface{}{"language": "go"},
		Scope:   map[string]interface{}{"repo": "acme/api"},
		Env:     func(k string) (string, bool) { return "tok-123", k == "GITHUB_TOKEN" },
		Runtime: map[string]string{"session_id": "s1", "run_id": "r1"},
	}

	doc, err := r.Resolve(bp, rc, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if prompt := doc["system_prompt"].(string); prompt != "You review go code in s1" {
		t.Errorf("system prompt not resolved: %q", prompt)
	}

	servers := doc["mcp_servers"].(map[string]interface{})
	github := servers["github"].(map[string]interface{})
	if github["command"] != "github-mcp" || github["token"] != "tok-123" || github["repo"] != "acme/api" {
		t.Errorf("mcp merge wrong: %+v", github)
	}
}

func TestResolve_CallerOverridesWin(t *testing.T) {
	r := newTestRegistry(t)
	bp, _ := r.Get("reviewer")

	rc := &ResolveContext{
		Scope: map[string]interface{}{"repo": "acme/api"},
		Env:   func(string) (string, bool) { return "", false },
	}
	callerMCP := map[string]interface{}{
		"github": map[string]interface{}{"token": "caller-token"},
	}

	doc, err := r.Resolve(bp, rc, callerMCP)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	github := doc["mcp_servers"].(map[string]interface{})["github"].(map[string]interface{})
	if github["token"] != "caller-token" {
		t.Errorf("caller config must win, got %v", github["token"])
	}
}

func TestResolve_MissingRequiredBlocksCreation(t *testing.T) {
	r := newTestRegistry(t)
	bp, _ := r.Get("reviewer")

	// No env token, no scope repo: both required keys stay unresolved.
	rc := &ResolveContext{Env: func(string) (string, bool) { return "", false }}

	_, err := r.Resolve(bp, rc, nil)
	if errors.KindOf(err) != errors.KindInvalidConfig {
		t.Fatalf("expected invalid_config, got %v", err)
	}
	appErr := errors.AsAppError(err)
	if appErr == nil || len(appErr.Details) != 2 {
		t.Fatalf("expected both missing keys listed, got %+v", appErr)
	}
	for _, key := range appErr.Details {
		if !strings.HasPrefix(key, "github.") {
			t.Errorf("unexpected missing key %q", key)
		}
	}
}
