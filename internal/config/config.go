// Package config handles fsagent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultProject is the tracing project runs are recorded under when the
// configuration does not name one.
const DefaultProject = "itprodirect/agents-course-live"

// DefaultTraceDB is the SQLite trace file used when tracing is enabled
// without any sink configured. Relative to the base directory.
const DefaultTraceDB = "traces.db"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./fsagent.yaml, ~/.config/fsagent/config.yaml, /etc/fsagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"fsagent.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fsagent", "config.yaml"))
	}

	paths = append(paths, "/etc/fsagent/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no explicit path was given
// and none of the default locations exist. Callers treat it as "use
// defaults" rather than a failure.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns ErrNoConfig (wrapped) if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all fsagent configuration.
type Config struct {
	// Project is the tracing project identifier ("<owner>/<project-name>").
	Project string `yaml:"project"`

	// BaseDir anchors relative SamplesDir and OutputsDir. Empty means
	// the current working directory.
	BaseDir    string `yaml:"base_dir"`
	SamplesDir string `yaml:"samples_dir"`
	OutputsDir string `yaml:"outputs_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	MCP       MCPConfig       `yaml:"mcp"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Agent     AgentConfig     `yaml:"agent"`
	Trace     TraceConfig     `yaml:"trace"`
}

// MCPConfig describes how the filesystem tool server is launched.
type MCPConfig struct {
	// Runners are the package-runner executables tried in order on the
	// search path. The first one found wins.
	Runners []string `yaml:"runners"`

	// InstallFlag is passed to the runner before the package name so a
	// missing package is installed without prompting.
	InstallFlag string `yaml:"install_flag"`

	// Package is the npm package name of the filesystem tool server.
	Package string `yaml:"package"`

	// InitTimeout bounds subprocess start plus the initialize handshake.
	// The first run of the runner may download the package.
	InitTimeout time.Duration `yaml:"init_timeout"`

	// CallTimeout bounds each individual tool call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Client selects the MCP client implementation: "native" (the
	// built-in JSON-RPC client) or "sdk" (the official Go SDK).
	Client string `yaml:"client"`

	// Expose selects what the agent sees: "files" (list, read, and
	// write through the filesystem capability) or "all" (every tool the
	// server advertises, bridged under mcp_<server>_<tool> names).
	Expose string `yaml:"expose"`

	// Env are extra "KEY=VALUE" entries for the subprocess environment.
	Env []string `yaml:"env"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic
}

// AgentConfig tunes the tool-calling loop.
type AgentConfig struct {
	Name     string `yaml:"name"`
	MaxTurns int    `yaml:"max_turns"`
}

// TraceConfig defines where run traces are recorded.
type TraceConfig struct {
	Enabled bool         `yaml:"enabled"`
	Sinks   []SinkConfig `yaml:"sinks"`
}

// SinkConfig is one trace destination. Kind selects which of the
// remaining fields apply.
type SinkConfig struct {
	// Kind is sqlite, http, or mqtt.
	Kind string `yaml:"kind"`

	// Path and Driver apply to sqlite. Driver is "sqlite3" (cgo) or
	// "sqlite" (pure Go).
	Path   string `yaml:"path"`
	Driver string `yaml:"driver"`

	// URL and APIKey apply to http.
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`

	// Broker, Username, Password, and TopicPrefix apply to mqtt.
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing and defaults are applied to any
// field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no config file exists.
// It matches the behavior of running the scripted flows with no setup:
// local Ollama, traces to a SQLite file next to the outputs.
func Default() *Config {
	cfg := &Config{Trace: TraceConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Project == "" {
		c.Project = DefaultProject
	}
	if c.SamplesDir == "" {
		c.SamplesDir = "sample_files"
	}
	if c.OutputsDir == "" {
		c.OutputsDir = "outputs"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if len(c.MCP.Runners) == 0 {
		c.MCP.Runners = []string{"npx", "npx.cmd"}
	}
	if c.MCP.InstallFlag == "" {
		c.MCP.InstallFlag = "-y"
	}
	if c.MCP.Package == "" {
		c.MCP.Package = "@modelcontextprotocol/server-filesystem"
	}
	if c.MCP.InitTimeout == 0 {
		c.MCP.InitTimeout = 60 * time.Second
	}
	if c.MCP.CallTimeout == 0 {
		c.MCP.CallTimeout = 60 * time.Second
	}
	if c.MCP.Client == "" {
		c.MCP.Client = "native"
	}
	if c.MCP.Expose == "" {
		c.MCP.Expose = "files"
	}

	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}

	if c.Agent.Name == "" {
		c.Agent.Name = "Assistant"
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = 10
	}

	if c.Trace.Enabled && len(c.Trace.Sinks) == 0 {
		c.Trace.Sinks = []SinkConfig{{Kind: "sqlite", Path: DefaultTraceDB}}
	}
	for i := range c.Trace.Sinks {
		s := &c.Trace.Sinks[i]
		if s.Kind == "sqlite" && s.Driver == "" {
			s.Driver = "sqlite3"
		}
		if s.Kind == "mqtt" && s.TopicPrefix == "" {
			s.TopicPrefix = "fsagent"
		}
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q: expected text or json", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MCP.InitTimeout < 0 || c.MCP.CallTimeout < 0 {
		return fmt.Errorf("mcp timeouts must not be negative")
	}
	switch c.MCP.Client {
	case "native", "sdk":
	default:
		return fmt.Errorf("mcp.client %q: expected native or sdk", c.MCP.Client)
	}
	switch c.MCP.Expose {
	case "files", "all":
	default:
		return fmt.Errorf("mcp.expose %q: expected files or all", c.MCP.Expose)
	}
	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must not be negative")
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "anthropic":
		default:
			return fmt.Errorf("model %s: unknown provider %q", m.Name, m.Provider)
		}
	}
	for i, s := range c.Trace.Sinks {
		switch s.Kind {
		case "sqlite":
			if s.Path == "" {
				return fmt.Errorf("trace.sinks[%d]: sqlite sink requires path", i)
			}
			if s.Driver != "sqlite3" && s.Driver != "sqlite" {
				return fmt.Errorf("trace.sinks[%d]: unknown sqlite driver %q", i, s.Driver)
			}
		case "http":
			if s.URL == "" {
				return fmt.Errorf("trace.sinks[%d]: http sink requires url", i)
			}
		case "mqtt":
			if s.Broker == "" {
				return fmt.Errorf("trace.sinks[%d]: mqtt sink requires broker", i)
			}
		default:
			return fmt.Errorf("trace.sinks[%d]: unknown kind %q", i, s.Kind)
		}
	}
	return nil
}
