// Package blueprint loads declarative agent definitions from YAML files and
// resolves their placeholder tokens at run-creation time.
package blueprint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/runfleet/runfleet/internal/common/errors"
	"github.com/runfleet/runfleet/internal/common/logger"
)

// Blueprint is a declarative agent definition.
type Blueprint struct {
	Name         string                 `yaml:"name" json:"name"`
	Description  string                 `yaml:"description,omitempty" json:"description,omitempty"`
	SystemPrompt string                 `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	ExecutorType string                 `yaml:"executor_type,omitempty" json:"executor_type,omitempty"`
	Demands      []string               `yaml:"demands,omitempty" json:"demands,omitempty"`
	ConfigSchema map[string]interface{} `yaml:"config_schema,omitempty" json:"config_schema,omitempty"`
	MCPServers   []MCPServerRef         `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
	Config       map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

// MCPServerRef names an MCP server and carries blueprint-level overrides of
// the registry defaults.
type MCPServerRef struct {
	Name   string                 `yaml:"name" json:"name"`
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

// MCPServerDefault is a registry entry for an MCP server: base config plus
// the keys that must be present after resolution.
type MCPServerDefault struct {
	Config   map[string]interface{} `yaml:"config,omitempty"`
	Required []string               `yaml:"required,omitempty"`
}

// Registry serves blueprints loaded from a directory of YAML files, plus
// the MCP-server defaults file.
type Registry struct {
	mu          sync.RWMutex
	blueprints  map[string]*Blueprint
	mcpDefaults map[string]MCPServerDefault
	schemas     map[string]*jsonschema.Schema
	logger      *logger.Logger
}

// mcpDefaultsFile sits next to the blueprint files.
const mcpDefaultsFile = "mcp_servers.yaml"

// LoadRegistry reads every *.yaml/*.yml file under dir. A missing directory
// yields an empty registry so a coordinator can run without blueprints.
func LoadRegistry(dir string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		blueprints:  make(map[string]*Blueprint),
		mcpDefaults: make(map[string]MCPServerDefault),
		schemas:     make(map[string]*jsonschema.Schema),
		logger:      log.WithFields(zap.String("component", "blueprint-registry")),
	}
	if dir == "" {
		return r, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("blueprint directory missing, starting empty", zap.String("dir", dir))
			return r, nil
		}
		return nil, fmt.Errorf("failed to read blueprint directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if entry.Name() == mcpDefaultsFile {
			if err := r.loadMCPDefaults(path); err != nil {
				return nil, err
			}
			continue
		}
		if err := r.loadBlueprint(path); err != nil {
			return nil, err
		}
	}

	r.logger.Info("blueprints loaded",
		zap.Int("count", len(r.blueprints)),
		zap.Int("mcp_servers", len(r.mcpDefaults)))
	return r, nil
}

func (r *Registry) loadBlueprint(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read blueprint %s: %w", path, err)
	}
	var bp Blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return fmt.Errorf("failed to parse blueprint %s: %w", path, err)
	}
	if bp.Name == "" {
		bp.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	if len(bp.ConfigSchema) > 0 {
		schema, err := compileSchema(bp.Name, bp.ConfigSchema)
		if err != nil {
			return fmt.Errorf("blueprint %s: %w", bp.Name, err)
		}
		r.schemas[bp.Name] = schema
	}
	r.blueprints[bp.Name] = &bp
	return nil
}

func (r *Registry) loadMCPDefaults(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read mcp defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, &r.mcpDefaults); err != nil {
		return fmt.Errorf("failed to parse mcp defaults: %w", err)
	}
	return nil
}

// compileSchema round-trips the YAML-decoded schema through JSON so the
// compiler sees the types it expects.
func compileSchema(name string, raw map[string]interface{}) (*jsonschema.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode config schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	resource := name + "-config.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("failed to add config schema: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	return schema, nil
}

// Get returns a blueprint by name.
func (r *Registry) Get(name string) (*Blueprint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bp, ok := r.blueprints[name]
	if !ok {
		return nil, errors.NotFound("unknown agent %q", name)
	}
	return bp, nil
}

// List returns all blueprints sorted by name.
func (r *Registry) List() []*Blueprint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Blueprint, 0, len(r.blueprints))
	for _, bp := range r.blueprints {
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateParams checks run parameters against the blueprint's config
// schema. Blueprints without a schema accept anything.
func (r *Registry) ValidateParams(name string, params map[string]interface{}) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	// The validator wants plain JSON types.
	data, err := json.Marshal(params)
	if err != nil {
		return errors.InvalidInput("params are not serializable: %v", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.InvalidInput("params are not valid JSON: %v", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return errors.InvalidInput("params failed schema validation: %v", err)
	}
	return nil
}

// MCPDefaults returns the registry entry for an MCP server name.
func (r *Registry) MCPDefaults(name string) (MCPServerDefault, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.mcpDefaults[name]
	return d, ok
}
