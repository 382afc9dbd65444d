// Package config loads runtime configuration from TOML with env overrides.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Memory   MemoryConfig   `toml:"memory"`
	Tools    ToolsConfig    `toml:"tools"`
	Agent    AgentConfig    `toml:"agent"`
	Failover FailoverConfig `toml:"failover"`
	Database DatabaseConfig `toml:"database"`
	Persona  PersonaConfig  `toml:"persona"`
	Observer ObserverConfig `toml:"observer"`
}

type LLMConfig struct {
	Provider    string           `toml:"provider"`
	Model       string           `toml:"model"`
	APIKey      string           `toml:"api_key"`
	BaseURL     string           `toml:"base_url"`
	Temperature *float64         `toml:"temperature"`
	MaxTokens   int              `toml:"max_tokens"`
	Fallbacks   []ProviderConfig `toml:"fallbacks"`
}

// ProviderConfig describes one fallback provider, tried in list order after
// the primary.
type ProviderConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

type MemoryConfig struct {
	CacheSize int `toml:"cache_size"`
	CacheTTLS int `toml:"cache_ttl_s"`
	RetrieveK int `toml:"retrieve_top_k"`
}

type ToolsConfig struct {
	TimeoutS       int      `toml:"timeout_s"`
	MaxParallel    int      `toml:"max_parallel"`
	AllowPaths     []string `toml:"allow_paths"`
	ShellBlocklist []string `toml:"shell_blocklist"`
}

type AgentConfig struct {
	MaxIterations        int    `toml:"max_iterations"`
	TargetPromptTokens   int    `toml:"target_prompt_tokens"`
	RecentEntityMax      int    `toml:"recent_entity_max"`
	RecentEntityTTLS     int    `toml:"recent_entity_ttl_s"`
	RetrospectThresholdS int    `toml:"retrospect_threshold_s"`
	RetrospectEnabled    bool   `toml:"retrospect_enabled"`
	RetrospectDir        string `toml:"retrospect_dir"`
}

type FailoverConfig struct {
	FailureThreshold     int     `toml:"failure_threshold"`
	RecoveryThreshold    int     `toml:"recovery_threshold"`
	CooldownBaseS        int     `toml:"cooldown_base_s"`
	CooldownMaxS         int     `toml:"cooldown_max_s"`
	CooldownMultiplier   float64 `toml:"cooldown_multiplier"`
	HealthCheckIntervalS int     `toml:"health_check_interval_s"`
}

type DatabaseConfig struct {
	// Engine selects the store backend: "sqlite" (default) or "postgres".
	Engine string `toml:"engine"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type PersonaConfig struct {
	Dir string `toml:"dir"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Memory: MemoryConfig{
			CacheSize: 1000,
			RetrieveK: 5,
		},
		Tools: ToolsConfig{
			TimeoutS:    30,
			MaxParallel: 3,
			ShellBlocklist: []string{
				"rm -rf /", "mkfs", "dd if=", ":(){", "shutdown", "reboot",
			},
		},
		Agent: AgentConfig{
			MaxIterations:        10,
			RecentEntityMax:      20,
			RecentEntityTTLS:     300,
			RetrospectThresholdS: 60,
			RetrospectEnabled:    true,
			RetrospectDir:        "retrospects",
		},
		Failover: FailoverConfig{
			FailureThreshold:     3,
			RecoveryThreshold:    2,
			CooldownBaseS:        30,
			CooldownMaxS:         300,
			CooldownMultiplier:   2.0,
			HealthCheckIntervalS: 60,
		},
		Database: DatabaseConfig{Engine: "sqlite", Path: "ember.db"},
		Persona:  PersonaConfig{Dir: "persona"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "ember.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("EMBER_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("EMBER_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("EMBER_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("EMBER_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("EMBER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("EMBER_DB_DSN"); v != "" {
		cfg.Database.DSN = v
		cfg.Database.Engine = "postgres"
	}
	if v := os.Getenv("EMBER_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallback providers inherit the primary key when unset.
	for i := range cfg.LLM.Fallbacks {
		if cfg.LLM.Fallbacks[i].APIKey == "" {
			cfg.LLM.Fallbacks[i].APIKey = cfg.LLM.APIKey
		}
	}

	return cfg
}
