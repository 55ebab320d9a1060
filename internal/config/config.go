package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Agent     AgentConfig     `toml:"agent"`
	LLM       LLMConfig       `toml:"llm"`
	Vision    VisionConfig    `toml:"vision"`
	Summarize SummarizeConfig `toml:"summarize"`
	Tools     ToolsConfig     `toml:"tools"`
	Database  DatabaseConfig  `toml:"database"`
	Server    ServerConfig    `toml:"server"`
	Observer  ObserverConfig  `toml:"observer"`
}

type AgentConfig struct {
	Name            string `toml:"name"`
	DefaultActivity string `toml:"default_activity"`
}

type LLMConfig struct {
	// Provider selects the model backend: "gemini" or "openai". The latter
	// covers any OpenAI-compatible endpoint via BaseURL.
	Provider string `toml:"provider"`
	// BaseURL overrides the OpenAI-compatible endpoint; ignored for gemini.
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	// DecisionModel handles turn and routing decisions; usually a smaller
	// model than the conversational one.
	DecisionModel string `toml:"decision_model"`
	APIKey        string `toml:"api_key"`
	// RPM caps model requests per minute across all concerns. Zero disables
	// the cap.
	RPM int `toml:"rpm"`
}

type VisionConfig struct {
	Model string `toml:"model"`
	// CachePath is where enriched link annotations persist.
	CachePath string `toml:"cache_path"`
}

type SummarizeConfig struct {
	Model string `toml:"model"`
	// SizeThreshold is the base region size for recent messages.
	SizeThreshold int `toml:"size_threshold"`
	// ChannelSizeThreshold is the region size ceiling for day-old messages.
	ChannelSizeThreshold int `toml:"channel_size_threshold"`
	// MinContentSize skips regions with less combined text than this.
	MinContentSize int `toml:"min_content_size"`
	// RetentionDays is how long messages outlive their summaries.
	RetentionDays int `toml:"retention_days"`
}

type ToolsConfig struct {
	// QuickResponseSeconds is how long a run waits for in-flight tools.
	QuickResponseSeconds int `toml:"quick_response_seconds"`
}

type DatabaseConfig struct {
	// Driver selects the checkpoint store: "sqlite", "postgres" or "file".
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	// URL is the postgres connection string when Driver is "postgres".
	URL string `toml:"url"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Agent: AgentConfig{Name: "Cadence", DefaultActivity: "conversing"},
		LLM:   LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash", DecisionModel: "gemini-2.5-flash-lite"},
		Summarize: SummarizeConfig{
			SizeThreshold:        4000,
			ChannelSizeThreshold: 20000,
			MinContentSize:       300,
			RetentionDays:        5,
		},
		Vision:   VisionConfig{CachePath: "./data/vision"},
		Tools:    ToolsConfig{QuickResponseSeconds: 2},
		Database: DatabaseConfig{Driver: "sqlite", Path: "cadence.db"},
		Server:   ServerConfig{Addr: ":8080"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "cadence.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CADENCE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CADENCE_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
		cfg.Database.Driver = "postgres"
	}
	if v := os.Getenv("CADENCE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CADENCE_OBSERVER_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
		cfg.Observer.Enabled = true
	}
	if os.Getenv("CADENCE_OBSERVER_ENABLED") == "true" || os.Getenv("CADENCE_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.LLM.DecisionModel == "" {
		cfg.LLM.DecisionModel = cfg.LLM.Model
	}
	if cfg.Vision.Model == "" {
		cfg.Vision.Model = cfg.LLM.Model
	}
	if cfg.Summarize.Model == "" {
		cfg.Summarize.Model = cfg.LLM.Model
	}

	return cfg
}

// QuickResponseWindow converts the configured seconds to a duration.
func (c ToolsConfig) QuickResponseWindow() time.Duration {
	return time.Duration(c.QuickResponseSeconds) * time.Second
}

// Retention converts the configured days to a duration.
func (c SummarizeConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
