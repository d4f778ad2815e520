// Package config loads agent configuration: defaults, then a TOML file,
// then environment variables (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Telegram  TelegramConfig  `toml:"telegram"`
	GitHub    GitHubConfig    `toml:"github"`
	Playbooks PlaybooksConfig `toml:"playbooks"`
	Providers ProvidersConfig `toml:"providers"`
	Audit     AuditConfig     `toml:"audit"`
	Observer  ObserverConfig  `toml:"observer"`

	HeartbeatInterval int    `toml:"heartbeat_interval"`
	LogLevel          string `toml:"log_level"`
	DataDir           string `toml:"data_dir"`
	LogDir            string `toml:"log_dir"`
	SourceDir         string `toml:"source_dir"`
}

type TelegramConfig struct {
	Token       string `toml:"token"`
	AllowedUser string `toml:"allowed_user"`
}

type GitHubConfig struct {
	PAT  string `toml:"pat"`
	Org  string `toml:"org"`
	Repo string `toml:"repo"`
}

type PlaybooksConfig struct {
	APIKey string `toml:"api_key"`
	GUID   string `toml:"guid"`
}

// ProviderConfig describes one LLM backend. Providers without an API key
// are skipped at wiring time.
type ProviderConfig struct {
	APIKey    string  `toml:"api_key"`
	Model     string  `toml:"model"`
	BaseURL   string  `toml:"base_url"`
	Priority  int     `toml:"priority"`
	MaxRPM    int     `toml:"max_rpm"`
	CostPer1K float64 `toml:"cost_per_1k"`
}

type ProvidersConfig struct {
	Gemini     ProviderConfig `toml:"gemini"`
	MiniMax    ProviderConfig `toml:"minimax"`
	Groq       ProviderConfig `toml:"groq"`
	OpenRouter ProviderConfig `toml:"openrouter"`
	OpenAI     ProviderConfig `toml:"openai"`
}

// AuditConfig selects where provider-call audit records go. Driver is
// "sqlite", "postgres", or "" for no audit log.
type AuditConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"` // sqlite file path
	DSN    string `toml:"dsn"`  // postgres connection string
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{AllowedUser: "@matebenyovszky"},
		GitHub:   GitHubConfig{Org: "agenthatchery", Repo: "cradle"},
		Providers: ProvidersConfig{
			Gemini: ProviderConfig{
				Model:     "gemini-3.1-pro",
				BaseURL:   "https://generativelanguage.googleapis.com/v1beta",
				Priority:  1,
				MaxRPM:    60,
				CostPer1K: 0.00015,
			},
			MiniMax: ProviderConfig{
				Model:    "MiniMax-M1",
				BaseURL:  "https://api.minimaxi.chat/v1",
				Priority: 2,
				MaxRPM:   20,
			},
			Groq: ProviderConfig{
				Model:    "llama-3.3-70b-versatile",
				BaseURL:  "https://api.groq.com/openai/v1",
				Priority: 3,
				MaxRPM:   60,
			},
			OpenRouter: ProviderConfig{
				Model:    "meta-llama/llama-3.3-70b-instruct:free",
				BaseURL:  "https://openrouter.ai/api/v1",
				Priority: 4,
				MaxRPM:   60,
			},
			OpenAI: ProviderConfig{
				Model:     "gpt-4.1-mini",
				BaseURL:   "https://api.openai.com/v1",
				Priority:  5,
				MaxRPM:    60,
				CostPer1K: 0.0004,
			},
		},
		Audit:             AuditConfig{Driver: "sqlite", Path: "audit.db"},
		HeartbeatInterval: 30,
		LogLevel:          "INFO",
		DataDir:           "/app/data",
		LogDir:            "/app/logs",
		SourceDir:         ".",
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "cradle.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	setString(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Telegram.AllowedUser, "ALLOWED_TELEGRAM_USER")
	setString(&cfg.GitHub.PAT, "GITHUB_PAT")
	setString(&cfg.GitHub.Org, "GITHUB_ORG")
	setString(&cfg.GitHub.Repo, "GITHUB_REPO")
	setString(&cfg.Playbooks.APIKey, "AGENTPLAYBOOKS_KEY")
	setString(&cfg.Playbooks.GUID, "AGENTPLAYBOOKS_GUID")

	setString(&cfg.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&cfg.Providers.Gemini.Model, "GEMINI_MODEL")
	setString(&cfg.Providers.MiniMax.APIKey, "MINIMAX_API_KEY")
	setString(&cfg.Providers.Groq.APIKey, "GROQ_API_KEY")
	setString(&cfg.Providers.OpenRouter.APIKey, "OPENROUTER_API_KEY")
	setString(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")

	setString(&cfg.Audit.Driver, "AUDIT_DRIVER")
	setString(&cfg.Audit.Path, "AUDIT_PATH")
	setString(&cfg.Audit.DSN, "AUDIT_DSN")

	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DataDir, "DATA_DIR")
	setString(&cfg.LogDir, "LOG_DIR")
	setString(&cfg.SourceDir, "SOURCE_DIR")
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HeartbeatInterval = n
		}
	}
	if v := os.Getenv("OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	setString(&cfg.Observer.Endpoint, "OBSERVER_ENDPOINT")

	return cfg
}

// Validate returns warnings about missing configuration. The agent still
// starts; each warning names a degraded capability.
func (c Config) Validate() []string {
	var warnings []string
	if !c.HasProviders() {
		warnings = append(warnings, "No LLM providers configured — agent cannot think!")
	}
	if c.Telegram.Token == "" {
		warnings = append(warnings, "No Telegram bot token — no human communication channel")
	}
	if c.GitHub.PAT == "" {
		warnings = append(warnings, "No GitHub PAT — cannot self-evolve via git")
	}
	if c.Playbooks.APIKey == "" || c.Playbooks.GUID == "" {
		warnings = append(warnings, "No AgentPlaybooks credentials — external memory disabled")
	}
	return warnings
}

// HasProviders reports whether at least one provider has an API key.
func (c Config) HasProviders() bool {
	for _, p := range []ProviderConfig{
		c.Providers.Gemini, c.Providers.MiniMax, c.Providers.Groq,
		c.Providers.OpenRouter, c.Providers.OpenAI,
	} {
		if p.APIKey != "" {
			return true
		}
	}
	return false
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
