package blueprint

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/runfleet/runfleet/internal/common/errors"
)

// placeholderPattern matches ${source.key} tokens. The key part may itself
// contain dots.
var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\.([a-zA-Z0-9_.-]+)\}`)

// ResolveContext supplies values for each placeholder source.
type ResolveContext struct {
	Params map[string]interface{} // ${params.key}
	Scope  map[string]interface{} // ${scope.key}
	Env    func(string) (string, bool)
	// Runtime carries session_id and run_id for ${runtime.*}.
	Runtime map[string]string
}

// NewResolveContext builds a context reading env from the process
// environment.
func NewResolveContext(params, scope map[string]interface{}, sessionID, runID string) *ResolveContext {
	return &ResolveContext{
		Params: params,
		Scope:  scope,
		Env:    os.LookupEnv,
		Runtime: map[string]string{
			"session_id": sessionID,
			"run_id":     runID,
		},
	}
}

// ResolveString substitutes every placeholder in s whose source and key are
// known. ${runner.*} stays for runner-side substitution; unknown sources or
// missing keys are preserved verbatim.
func (rc *ResolveContext) ResolveString(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		groups := placeholderPattern.FindStringSubmatch(token)
		source, key := groups[1], groups[2]

		switch source {
		case "params":
			if v, ok := rc.Params[key]; ok {
				return stringify(v)
			}
		case "scope":
			if v, ok := rc.Scope[key]; ok {
				return stringify(v)
			}
		case "env":
			if rc.Env != nil {
				if v, ok := rc.Env(key); ok {
					return v
				}
			}
		case "runtime":
			if v, ok := rc.Runtime[key]; ok {
				return v
			}
		}
		return token
	})
}

// ResolveValue walks an arbitrary decoded structure, substituting in every
// string. Maps and slices are copied, other types pass through.
func (rc *ResolveContext) ResolveValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return rc.ResolveString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = rc.ResolveValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = rc.ResolveValue(item)
		}
		return out
	default:
		return v
	}
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing .0.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	case nil:
		return ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// Resolve produces the fully resolved blueprint document for a run: the
// blueprint config with placeholders substituted and MCP-server references
// expanded against registry defaults plus caller overrides. Required MCP
// keys still missing after resolution block run creation.
func (r *Registry) Resolve(bp *Blueprint, rc *ResolveContext, callerMCP map[string]interface{}) (map[string]interface{}, error) {
	doc := map[string]interface{}{
		"name": bp.Name,
	}
	if bp.SystemPrompt != "" {
		doc["system_prompt"] = rc.ResolveString(bp.SystemPrompt)
	}
	if bp.ExecutorType != "" {
		doc["executor_type"] = bp.ExecutorType
	}
	if len(bp.Config) > 0 {
		doc["config"] = rc.ResolveValue(bp.Config)
	}

	if len(bp.MCPServers) > 0 {
		servers, missing, err := r.expandMCPServers(bp, rc, callerMCP)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, errors.InvalidConfig("missing required MCP config keys: %s",
				strings.Join(missing, ", ")).WithDetails(missing...)
		}
		doc["mcp_servers"] = servers
	}
	return doc, nil
}

// expandMCPServers merges, per referenced server: registry defaults, then
// blueprint overrides, then caller-supplied config — later layers win.
// Returns the expanded servers and the required keys still unresolved.
func (r *Registry) expandMCPServers(bp *Blueprint, rc *ResolveContext, callerMCP map[string]interface{}) (map[string]interface{}, []string, error) {
	servers := make(map[string]interface{}, len(bp.MCPServers))
	var missing []string

	for _, ref := range bp.MCPServers {
		defaults, _ := r.MCPDefaults(ref.Name)

		merged := make(map[string]interface{})
		for k, v := range defaults.Config {
			merged[k] = v
		}
		for k, v := range ref.Config {
			merged[k] = v
		}
		if caller, ok := callerMCP[ref.Name].(map[string]interface{}); ok {
			for k, v := range caller {
				merged[k] = v
			}
		}

		resolved, ok := rc.ResolveValue(merged).(map[string]interface{})
		if !ok {
			return nil, nil, errors.New(errors.KindInternal, "mcp config for %s resolved to non-map", ref.Name)
		}

		for _, req := range defaults.Required {
			v, present := resolved[req]
			if !present || isUnresolved(v) {
				missing = append(missing, ref.Name+"."+req)
			}
		}
		servers[ref.Name] = resolved
	}
	return servers, missing, nil
}

// isUnresolved reports whether a value is empty or still a placeholder
// token, excluding ${runner.*} which is resolved later by the runner.
func isUnresolved(v interface{}) bool {
	s, ok := v.(string)
	if !ok {
		return v == nil
	}
	if s == "" {
		return true
	}
	groups := placeholderPattern.FindStringSubmatch(s)
	if groups == nil {
		return false
	}
	return groups[1] != "runner"
}
