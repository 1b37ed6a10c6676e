// Package config handles Opal configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./opal.yaml, ~/.config/opal/opal.yaml, /etc/opal/opal.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"opal.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "opal", "opal.yaml"))
	}

	paths = append(paths, "/etc/opal/opal.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Opal configuration.
type Config struct {
	Agent      AgentConfig       `yaml:"agent"`
	Models     ModelsConfig      `yaml:"models"`
	Workspace  WorkspaceConfig   `yaml:"workspace"`
	ShellExec  ShellExecConfig   `yaml:"shell_exec"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
	Verify     VerifyConfig      `yaml:"verify"`
	Transcript TranscriptConfig  `yaml:"transcript"`
	Listen     ListenConfig      `yaml:"listen"`
	LogLevel   string            `yaml:"log_level"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	// MaxIterations caps completion/tool cycles per run (default 10).
	MaxIterations int `yaml:"max_iterations"`
	// Planning enables plan generation for complex requests.
	Planning bool `yaml:"planning"`
	// ConfirmTimeoutSec bounds how long a remote caller has to answer a
	// tool confirmation before it is treated as declined (default 60).
	ConfirmTimeoutSec int `yaml:"confirm_timeout_sec"`
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for file operations.
	// All file tool paths are relative to this directory.
	// If empty, file tools are disabled.
	Path string `yaml:"path"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// ModelsConfig defines the completion provider settings.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	OllamaURL string `yaml:"ollama_url"`
}

// MCPServerConfig defines one external tool protocol server.
type MCPServerConfig struct {
	Name string `yaml:"name"`
	// Transport is "stdio" or "http".
	Transport string `yaml:"transport"`
	// Command and Args define the subprocess for stdio transports.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Env are additional environment variables ("KEY=VALUE").
	Env []string `yaml:"env"`
	// URL is the endpoint for http transports.
	URL string `yaml:"url"`
	// Headers are sent with every http request (e.g., Authorization).
	Headers map[string]string `yaml:"headers"`
	// ConnectTimeoutSec bounds the handshake (default 15).
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	// IncludeTools / ExcludeTools filter which server tools are bridged.
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// VerifyConfig defines the verify_change tool.
type VerifyConfig struct {
	// Command runs the project's tests. Empty means auto-detect from the
	// workspace's build files; when nothing is detected the tool is
	// disabled.
	Command string `yaml:"command"`
	// TimeoutSec bounds one verification run (default 300).
	TimeoutSec int `yaml:"timeout_sec"`
}

// TranscriptConfig defines the run transcript store.
type TranscriptConfig struct {
	// Path is the sqlite database file. Empty disables transcripts.
	Path string `yaml:"path"`
}

// ListenConfig defines the RPC server settings for -serve mode.
type ListenConfig struct {
	// Address is a TCP bind address ("127.0.0.1:7700"). Empty means the
	// RPC channel runs over stdin/stdout.
	Address string `yaml:"address"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.ConfirmTimeoutSec <= 0 {
		c.Agent.ConfirmTimeoutSec = 60
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:8b"
	}
	if c.ShellExec.DefaultTimeoutSec <= 0 {
		c.ShellExec.DefaultTimeoutSec = 30
	}
	if c.Verify.TimeoutSec <= 0 {
		c.Verify.TimeoutSec = 300
	}
	for i := range c.MCPServers {
		if c.MCPServers[i].ConnectTimeoutSec <= 0 {
			c.MCPServers[i].ConnectTimeoutSec = 15
		}
		if c.MCPServers[i].Transport == "" {
			c.MCPServers[i].Transport = "stdio"
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, s := range c.MCPServers {
		if s.Name == "" {
			return fmt.Errorf("mcp_servers: every server needs a name")
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp_servers: duplicate server name %q", s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp_servers: %s: stdio transport needs a command", s.Name)
			}
		case "http":
			if s.URL == "" {
				return fmt.Errorf("mcp_servers: %s: http transport needs a url", s.Name)
			}
		default:
			return fmt.Errorf("mcp_servers: %s: unknown transport %q (valid: stdio, http)", s.Name, s.Transport)
		}
	}
	return nil
}
