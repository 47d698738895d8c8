// Package config handles configuration loading from TOML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure, TOML-decoded from a single
// config file. Validate collects every problem found across the provider
// table rather than stopping at the first, joining them with errors.Join.
type Config struct {
	DefaultProvider string                    `toml:"default_provider"`
	Providers       map[string]ProviderConfig `toml:"providers"`
	MCP             MCPConfig                 `toml:"mcp"`
	Cache           CacheConfig               `toml:"cache"`

	Model       string  `toml:"model"`
	Mode        string  `toml:"mode"` // "plan" | "build"
	Temperature float64 `toml:"temperature"`

	LLM         LLMConfig             `toml:"llm"`
	AutoApprove bool                  `toml:"auto_approve"`
	ToolFilter  []string              `toml:"tool_filter"`
	Security    SecurityConfig        `toml:"security"`
	Tools       ToolsConfig           `toml:"tools"`
	Memory      MemoryConfig          `toml:"memory"`
	Sessions    SessionsConfig        `toml:"sessions"`
	Compaction  CompactionConfig      `toml:"compaction"`
	ModelLimits map[string]ModelLimit `toml:"model_limits"`
}

// LLMConfig holds LLM call tuning independent of any one provider.
type LLMConfig struct {
	TimeoutMs  int `toml:"timeout_ms"`
	MaxRetries int `toml:"max_retries"`
}

// SecurityConfig holds the permission engine's global gates.
type SecurityConfig struct {
	AllowExternalPaths bool `toml:"allow_external_paths"`
	BlockGitPush       bool `toml:"block_git_push"`
}

// ToolsConfig groups the per-tool-family caps and timeouts.
type ToolsConfig struct {
	Read           ReadToolConfig    `toml:"read"`
	Bash           BashToolConfig    `toml:"bash"`
	WorkspaceShell TimeoutConfig     `toml:"workspace_shell"`
	HTTP           TimeoutConfig     `toml:"http"`
}

// ReadToolConfig caps the Read tool's implicit (no explicit range) output.
type ReadToolConfig struct {
	MaxLines int `toml:"max_lines"`
}

// BashToolConfig holds the Bash/Shell background-job defaults.
type BashToolConfig struct {
	BackgroundTTLMs          int `toml:"background_ttl_ms"`
	BackgroundCaptureMs      int `toml:"background_capture_ms"`
	BackgroundCaptureLines   int `toml:"background_capture_lines"`
}

// TimeoutConfig is a bare millisecond timeout, reused by workspace-shell and
// HTTP-backed tools.
type TimeoutConfig struct {
	TimeoutMs int `toml:"timeout_ms"`
}

// MemoryConfig holds the memory.* output caps. No tool in this tree reads
// them.
type MemoryConfig struct {
	Get   MemoryGetConfig   `toml:"get"`
	Cache MemoryCacheConfig `toml:"cache"`
}

// MemoryGetConfig caps a single memory read.
type MemoryGetConfig struct {
	MaxLines int `toml:"max_lines"`
}

// MemoryCacheConfig holds the memory.cache.* caps (unused, see MemoryConfig).
type MemoryCacheConfig struct {
	MaxEntries      int `toml:"max_entries"`
	MaxSnippetChars int `toml:"max_snippet_chars"`
}

// SessionsConfig controls session persistence (internal/sessionstore).
type SessionsConfig struct {
	Persist         bool `toml:"persist"`
	MaxSessions     int  `toml:"max_sessions"`
	MaxSessionBytes int  `toml:"max_session_bytes"`
}

// CompactionConfig mirrors internal/compaction.Policy's tunable fields.
type CompactionConfig struct {
	Auto               bool `toml:"auto"`
	Prune              bool `toml:"prune"`
	PruneProtectTokens int  `toml:"prune_protect_tokens"`
	PruneMinimumTokens int  `toml:"prune_minimum_tokens"`
}

// ModelLimit is one entry of the modelLimits map: model_id -> {context, output?}.
type ModelLimit struct {
	Context int `toml:"context"`
	Output  int `toml:"output,omitempty"`
}

// CacheConfig holds web cache settings.
type CacheConfig struct {
	TTLHours int `toml:"ttl_hours"`
}

// CacheTTLOrDefault returns the configured TTL or 24 hours if unset.
func (c CacheConfig) CacheTTLOrDefault() int {
	if c.TTLHours <= 0 {
		return 24
	}
	return c.TTLHours
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
}

// MCPConfig holds MCP proxy settings.
type MCPConfig struct {
	Upstream string `toml:"upstream"`
}

// Load reads configuration from a TOML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
		// Persist defaults true: toml.DecodeFile only overwrites keys present
		// in the file, so an omitted sessions.persist leaves this default in
		// place, while an explicit "persist = false" still takes effect.
		Sessions: SessionsConfig{Persist: true},
	}

	// Config file is required
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	// File must exist
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Load from file
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills the zero-valued tunables with the engine's defaults so
// a minimal config file (just providers) still runs sensibly.
func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = "build"
	}
	if cfg.LLM.MaxRetries <= 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.TimeoutMs <= 0 {
		cfg.LLM.TimeoutMs = 120_000
	}
	if cfg.Tools.Read.MaxLines <= 0 {
		cfg.Tools.Read.MaxLines = 2000
	}
	if cfg.Tools.Bash.BackgroundTTLMs <= 0 {
		cfg.Tools.Bash.BackgroundTTLMs = 10 * 60 * 1000
	}
	if cfg.Tools.Bash.BackgroundCaptureMs <= 0 {
		cfg.Tools.Bash.BackgroundCaptureMs = 2000
	}
	if cfg.Tools.Bash.BackgroundCaptureLines <= 0 {
		cfg.Tools.Bash.BackgroundCaptureLines = 100
	}
	if cfg.Tools.WorkspaceShell.TimeoutMs <= 0 {
		cfg.Tools.WorkspaceShell.TimeoutMs = 60_000
	}
	if cfg.Tools.HTTP.TimeoutMs <= 0 {
		cfg.Tools.HTTP.TimeoutMs = 15_000
	}
	if cfg.Memory.Get.MaxLines <= 0 {
		cfg.Memory.Get.MaxLines = 500
	}
	if cfg.Memory.Cache.MaxEntries <= 0 {
		cfg.Memory.Cache.MaxEntries = 200
	}
	if cfg.Memory.Cache.MaxSnippetChars <= 0 {
		cfg.Memory.Cache.MaxSnippetChars = 2000
	}
	if cfg.Sessions.MaxSessions <= 0 {
		cfg.Sessions.MaxSessions = 200
	}
	if cfg.Sessions.MaxSessionBytes <= 0 {
		cfg.Sessions.MaxSessionBytes = 10 << 20
	}
	if cfg.Compaction.PruneProtectTokens <= 0 {
		cfg.Compaction.PruneProtectTokens = 4000
	}
	if cfg.Compaction.PruneMinimumTokens <= 0 {
		cfg.Compaction.PruneMinimumTokens = 2000
	}
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	// Validate default provider if specified
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if c.Mode != "" && c.Mode != "plan" && c.Mode != "build" {
		errs = append(errs, fmt.Errorf("mode=%q must be \"plan\" or \"build\"", c.Mode))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.Endpoint == "" {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint is required", name))
	} else if err := validateEndpoint(cfg.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint=%q is invalid: %v", name, cfg.Endpoint, err))
	}

	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}

	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}

	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"SYMB_MCP_ENDPOINT", func(v string) {
			if v != "" {
				cfg.MCP.Upstream = v
			}
		}},
		{"SYMB_MODE", func(v string) {
			if v != "" {
				cfg.Mode = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DataDir returns the path to the Symb data directory (~/.config/symb).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "symb"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
