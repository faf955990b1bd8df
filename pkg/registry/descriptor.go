// Package registry maps tool names to external operations and executes
// them against the booking platform in preview or commit mode.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Descriptor is the static binding of a tool name to an external HTTP
// operation. Descriptors are immutable for the process lifetime.
type Descriptor struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description,omitempty"`
	// Mutating marks tools that support proposal semantics. Read-only
	// tools are always called directly, without a confirm parameter.
	Mutating bool `json:"mutating"`
	// ParamsSchema is an optional JSON Schema (draft 2020-12) validated
	// against the params before any call leaves the process.
	ParamsSchema string `json:"-"`
}

// Fingerprint is the SHA-256 of the RFC 8785 canonical JSON form of the
// descriptor. Two registries agree on a tool exactly when the
// fingerprints match.
func (d *Descriptor) Fingerprint() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal descriptor: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize descriptor: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if d.Path == "" {
		return fmt.Errorf("tool %q: path is required", d.Name)
	}
	if d.Method == "" {
		return fmt.Errorf("tool %q: method is required", d.Name)
	}
	return nil
}

// Registry holds the known tools. Built once at startup and read-only
// afterwards, so lookups need no locking.
type Registry struct {
	tools   map[string]*Descriptor
	schemas map[string]*jsonschema.Schema
}

// New builds a registry from descriptors, compiling each params schema.
func New(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]*Descriptor, len(descriptors)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for i := range descriptors {
		d := descriptors[i]
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, exists := r.tools[d.Name]; exists {
			return nil, fmt.Errorf("tool %q registered twice", d.Name)
		}
		r.tools[d.Name] = &d

		if d.ParamsSchema == "" {
			continue
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://findyourwork.dev/schemas/tools/%s.schema.json", d.Name)
		if err := c.AddResource(url, strings.NewReader(d.ParamsSchema)); err != nil {
			return nil, fmt.Errorf("tool %q: schema load failed: %w", d.Name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool %q: schema compile failed: %w", d.Name, err)
		}
		r.schemas[d.Name] = compiled
	}
	return r, nil
}

// Get returns the descriptor for a tool name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.tools[name]
	return d, ok
}

// List returns all tool names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateParams checks params against the tool's schema, if one is
// configured. Unknown tools fail closed.
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	if _, ok := r.tools[name]; !ok {
		return &ToolError{Message: "unknown tool"}
	}
	schema, ok := r.schemas[name]
	if !ok {
		return nil
	}
	// The schema validator wants plain JSON types; params already are.
	if err := schema.Validate(normalizeParams(params)); err != nil {
		return &ToolError{Message: fmt.Sprintf("invalid params for %s: %v", name, err)}
	}
	return nil
}

// normalizeParams round-trips params through JSON so numeric types match
// what the schema validator expects regardless of how the map was built.
func normalizeParams(params map[string]any) any {
	if params == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return params
	}
	return out
}
