// Package workflow implements the declarative pipeline engine: loading
// workflow definitions, executing their node lists under the processor state
// machine, and launching nested workflows that share the parent's
// cancellation scope.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NodeTypeStandard is the default node kind. Unrecognized type tags degrade
// to it with a warning rather than failing the run.
const NodeTypeStandard = "Standard"

// NodeConfig is the open, loosely-typed configuration of one pipeline node.
// Meaning is fully determined by the required "type" tag; everything else is
// interpreted by the handler that tag selects.
type NodeConfig map[string]interface{}

// Type returns the node's type tag, defaulting to Standard when absent
func (n NodeConfig) Type() string {
	if t := n.String("type"); t != "" {
		return t
	}
	return NodeTypeStandard
}

// String returns the named field as a string, or "" when absent or not a string
func (n NodeConfig) String(key string) string {
	if v, ok := n[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the named field as a bool, or false when absent or not a bool
func (n NodeConfig) Bool(key string) bool {
	if v, ok := n[key].(bool); ok {
		return v
	}
	return false
}

// Int returns the named field as an int, or def when absent or not numeric
func (n NodeConfig) Int(key string, def int) int {
	switch v := n[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Has reports whether the named field is present
func (n NodeConfig) Has(key string) bool {
	_, ok := n[key]
	return ok
}

// StringMap returns the named field as a map of strings. Non-string values
// are skipped.
func (n NodeConfig) StringMap(key string) map[string]string {
	raw, ok := n[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// StringSlice returns the named field as a slice of strings. Non-string
// elements are skipped.
func (n NodeConfig) StringSlice(key string) []string {
	raw, ok := n[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a shallow copy of the node configuration. The processor
// mutates a clone when splicing prompt overrides so the loaded definition
// stays pristine.
func (n NodeConfig) Clone() NodeConfig {
	out := make(NodeConfig, len(n))
	for k, v := range n {
		out[k] = v
	}
	return out
}

// Definition is one workflow: an ordered node list plus optional static named
// values. Node order is execution order and is preserved verbatim; duplicate
// type tags are allowed.
type Definition struct {
	Name    string
	Nodes   []NodeConfig
	Statics map[string]string
}

type definitionFile struct {
	Nodes   []NodeConfig      `yaml:"nodes"`
	Statics map[string]string `yaml:"statics"`
}

// ParseDefinition decodes a workflow definition document. Two layouts are
// accepted: a bare node list, or a mapping with "nodes" and optional
// "statics". A bare list is equivalent to an empty statics mapping.
func ParseDefinition(name string, data []byte) (*Definition, error) {
	var nodes []NodeConfig
	if err := yaml.Unmarshal(data, &nodes); err == nil {
		return &Definition{Name: name, Nodes: nodes, Statics: map[string]string{}}, nil
	}

	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse workflow '%s': %w", name, err)
	}
	if file.Statics == nil {
		file.Statics = map[string]string{}
	}
	return &Definition{Name: name, Nodes: file.Nodes, Statics: file.Statics}, nil
}

// Loader resolves workflow names into definitions. Definitions are loaded
// fresh per run so edits to the workflow directory take effect immediately.
type Loader interface {
	Load(name string) (*Definition, error)
}

// DirLoader loads workflow definitions from a directory, trying the .yaml,
// .yml and .json extensions in that order.
type DirLoader struct {
	Dir string
}

// NewDirLoader creates a loader over the given workflow directory
func NewDirLoader(dir string) *DirLoader {
	return &DirLoader{Dir: dir}
}

// Load reads and parses the named workflow definition
func (l *DirLoader) Load(name string) (*Definition, error) {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(l.Dir, name+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read workflow '%s': %w", name, err)
		}
		return ParseDefinition(name, data)
	}
	return nil, fmt.Errorf("%w: '%s' in %s", errWorkflowNotFound, name, l.Dir)
}

// MapLoader serves definitions from memory; useful in tests and examples
type MapLoader map[string]*Definition

// Load returns the named definition
func (l MapLoader) Load(name string) (*Definition, error) {
	def, ok := l[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", errWorkflowNotFound, name)
	}
	return def, nil
}
