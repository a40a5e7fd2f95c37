// Package llm dispatches prompts to OpenAI-compatible backends. Endpoints
// describe where and how to reach a backend (chat or completions API);
// presets bundle the sampling parameters a node may reference by name.
package llm

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// API styles supported by an endpoint
const (
	// APITypeChat is the OpenAI chat-completions wire format
	APITypeChat = "chat"
	// APITypeCompletions is the legacy text-completions wire format.
	// Backends of this style receive a flattened transcript and may strip
	// the leading speaker prefix from their first streamed token.
	APITypeCompletions = "completions"
)

// Endpoint describes one reachable LLM backend
type Endpoint struct {
	// Name is the identifier nodes reference via endpointName
	Name string `yaml:"name"`

	// BaseURL is the backend's OpenAI-compatible API root
	BaseURL string `yaml:"baseUrl"`

	// APIKey authenticates against the backend; may be empty for local backends
	APIKey string `yaml:"apiKey"`

	// Model is the model identifier sent with every request
	Model string `yaml:"model"`

	// APIType selects the wire format: "chat" (default) or "completions"
	APIType string `yaml:"apiType"`
}

// Validate checks the endpoint and applies defaults
func (e *Endpoint) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("endpoint name cannot be empty")
	}
	if e.BaseURL == "" {
		return fmt.Errorf("endpoint '%s': baseUrl cannot be empty", e.Name)
	}
	if e.Model == "" {
		return fmt.Errorf("endpoint '%s': model cannot be empty", e.Name)
	}
	if e.APIType == "" {
		e.APIType = APITypeChat
	}
	if e.APIType != APITypeChat && e.APIType != APITypeCompletions {
		return fmt.Errorf("endpoint '%s': unknown apiType '%s'", e.Name, e.APIType)
	}
	return nil
}

// Preset bundles sampling parameters referenced by name from node configuration
type Preset struct {
	Name        string   `yaml:"name"`
	Temperature float32  `yaml:"temperature"`
	TopP        float32  `yaml:"topP"`
	MaxTokens   int      `yaml:"maxTokens"`

	// Stop lists the stop markers passed to the backend. The streaming
	// assembler also strips them from the stored output value, since some
	// backends echo the marker before finishing.
	Stop []string `yaml:"stop"`
}

// Config holds the full set of configured endpoints and presets
type Config struct {
	Endpoints []Endpoint `yaml:"endpoints"`
	Presets   []Preset   `yaml:"presets"`
}

// Validate checks every endpoint
func (c *Config) Validate() error {
	for i := range c.Endpoints {
		if err := c.Endpoints[i].Validate(); err != nil {
			return err
		}
	}
	for _, p := range c.Presets {
		if p.Name == "" {
			return fmt.Errorf("preset name cannot be empty")
		}
	}
	return nil
}

// LoadConfig reads an endpoint/preset configuration file (YAML)
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read llm config '%s': %w", filepath.Base(path), err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse llm config '%s': %w", filepath.Base(path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
