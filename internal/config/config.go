// Package config loads the runtime configuration: a YAML file with
// environment variable expansion, OMNI_AGENT_* env overrides, and
// defaults applied by Validate. Resolution precedence is
// cli > env > file > default; the CLI layer applies its flags after
// Load returns.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Valkey     ValkeyConfig     `yaml:"valkey"`
	Session    SessionConfig    `yaml:"session"`
	Agent      AgentConfig      `yaml:"agent"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Memory     MemoryConfig     `yaml:"memory"`
	Tools      ToolsConfig      `yaml:"tools"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Router     RouterConfig     `yaml:"router"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"OMNI_AGENT_LOG_LEVEL"`
	Format string `yaml:"format" env:"OMNI_AGENT_LOG_FORMAT"`
}

type ValkeyConfig struct {
	// URL enables the distributed backends for the session gate,
	// ingress dedup, and the send rate window.
	URL string `yaml:"url" env:"VALKEY_URL"`
	// KeyPrefix namespaces every key this process writes.
	KeyPrefix string `yaml:"key_prefix" env:"OMNI_AGENT_VALKEY_KEY_PREFIX"`
}

type SessionConfig struct {
	// StorePath is the SQLite session store; empty keeps sessions in
	// memory.
	StorePath string `yaml:"store_path" env:"OMNI_AGENT_SESSION_STORE_PATH"`
	// Partition is the initial partitioning strategy.
	Partition string `yaml:"partition" env:"OMNI_AGENT_SESSION_PARTITION"`
	// GateAcquireTimeoutSecs bounds the distributed lease acquisition.
	GateAcquireTimeoutSecs int `yaml:"gate_acquire_timeout_secs" env:"OMNI_AGENT_GATE_ACQUIRE_TIMEOUT_SECS"`
	// GateLeaseTTLSecs is the distributed lease lifetime.
	GateLeaseTTLSecs int `yaml:"gate_lease_ttl_secs" env:"OMNI_AGENT_GATE_LEASE_TTL_SECS"`
}

type AgentConfig struct {
	SystemPrompt   string  `yaml:"system_prompt" env:"OMNI_AGENT_SYSTEM_PROMPT"`
	MaxToolRounds  int     `yaml:"max_tool_rounds" env:"OMNI_AGENT_MAX_TOOL_ROUNDS"`
	MaxTokens      int     `yaml:"max_tokens" env:"OMNI_AGENT_MAX_TOKENS"`
	BudgetTokens   int     `yaml:"budget_tokens" env:"OMNI_AGENT_BUDGET_TOKENS"`
	ReserveTokens  int     `yaml:"reserve_tokens" env:"OMNI_AGENT_RESERVE_TOKENS"`
	BaseK1         int     `yaml:"base_k1" env:"OMNI_AGENT_BASE_K1"`
	BaseK2         int     `yaml:"base_k2" env:"OMNI_AGENT_BASE_K2"`
	BaseLambda     float64 `yaml:"base_lambda" env:"OMNI_AGENT_BASE_LAMBDA"`
	WindowMaxTurns int     `yaml:"window_max_turns" env:"OMNI_AGENT_WINDOW_MAX_TURNS"`
}

type ProvidersConfig struct {
	// Default selects the provider: "openai" or "anthropic".
	Default   string         `yaml:"default" env:"OMNI_AGENT_PROVIDER"`
	OpenAI    ProviderConfig `yaml:"openai" envPrefix:"OMNI_AGENT_OPENAI_"`
	Anthropic ProviderConfig `yaml:"anthropic" envPrefix:"OMNI_AGENT_ANTHROPIC_"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	Model   string `yaml:"model" env:"MODEL"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
}

type EmbeddingsConfig struct {
	BaseURL string `yaml:"base_url" env:"OMNI_AGENT_EMBEDDINGS_BASE_URL"`
	APIKey  string `yaml:"api_key" env:"OMNI_AGENT_EMBEDDINGS_API_KEY"`
	Model   string `yaml:"model" env:"OMNI_AGENT_EMBEDDINGS_MODEL"`
	// FallbackTool is the pool tool used when the HTTP endpoint fails.
	FallbackTool string `yaml:"fallback_tool" env:"OMNI_AGENT_EMBEDDINGS_FALLBACK_TOOL"`
}

type MemoryConfig struct {
	// StorePath is the SQLite episode store; empty disables memory.
	StorePath string `yaml:"store_path" env:"OMNI_AGENT_MEMORY_STORE_PATH"`
}

type ToolsConfig struct {
	// Servers are the tool server base URLs.
	Servers         []string `yaml:"servers" env:"OMNI_AGENT_TOOL_SERVERS" envSeparator:","`
	PoolSize        int      `yaml:"pool_size" env:"OMNI_AGENT_TOOL_POOL_SIZE"`
	ToolTimeoutSecs int      `yaml:"tool_timeout_secs" env:"OMNI_AGENT_TOOL_TIMEOUT_SECS"`
	ConnectRetries  int      `yaml:"connect_retries" env:"OMNI_AGENT_TOOL_CONNECT_RETRIES"`
	ListCacheSecs   int      `yaml:"list_cache_secs" env:"OMNI_AGENT_TOOL_LIST_CACHE_SECS"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	// QueueSize bounds the shared ingress queue.
	QueueSize int `yaml:"queue_size" env:"OMNI_AGENT_INGRESS_QUEUE_SIZE"`
	// DedupTTLSecs bounds the at-most-once window per update.
	DedupTTLSecs int `yaml:"dedup_ttl_secs" env:"OMNI_AGENT_DEDUP_TTL_SECS"`
	// AllowedUsers and AllowedGroups are the ingress ACL; empty lists
	// allow everyone.
	AllowedUsers  []string `yaml:"allowed_users" env:"OMNI_AGENT_ALLOWED_USERS" envSeparator:","`
	AllowedGroups []string `yaml:"allowed_groups" env:"OMNI_AGENT_ALLOWED_GROUPS" envSeparator:","`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled" env:"OMNI_AGENT_TELEGRAM_ENABLED"`
	Token   string `yaml:"token" env:"OMNI_AGENT_TELEGRAM_TOKEN"`
	// Mode is "polling" or "webhook".
	Mode          string `yaml:"mode" env:"OMNI_AGENT_TELEGRAM_MODE"`
	WebhookURL    string `yaml:"webhook_url" env:"OMNI_AGENT_TELEGRAM_WEBHOOK_URL"`
	WebhookSecret string `yaml:"webhook_secret" env:"OMNI_AGENT_TELEGRAM_WEBHOOK_SECRET"`
	ListenAddr    string `yaml:"listen_addr" env:"OMNI_AGENT_TELEGRAM_LISTEN_ADDR"`
	// DedupBackend is "memory" or "valkey" (alias "redis").
	DedupBackend string `yaml:"webhook_dedup_backend" env:"OMNI_AGENT_TELEGRAM_WEBHOOK_DEDUP_BACKEND"`
	SendTyping   bool   `yaml:"send_typing" env:"OMNI_AGENT_TELEGRAM_SEND_TYPING"`
}

type DiscordConfig struct {
	Enabled       bool     `yaml:"enabled" env:"OMNI_AGENT_DISCORD_ENABLED"`
	Token         string   `yaml:"token" env:"OMNI_AGENT_DISCORD_TOKEN"`
	AllowedGuilds []string `yaml:"allowed_guilds" env:"OMNI_AGENT_DISCORD_ALLOWED_GUILDS" envSeparator:","`
	SendTyping    bool     `yaml:"send_typing" env:"OMNI_AGENT_DISCORD_SEND_TYPING"`
}

type JobsConfig struct {
	QueueSize                 int `yaml:"queue_size" env:"OMNI_AGENT_JOB_QUEUE_SIZE"`
	MaxInFlight               int `yaml:"max_in_flight" env:"OMNI_AGENT_JOB_MAX_IN_FLIGHT"`
	JobTimeoutSecs            int `yaml:"job_timeout_secs" env:"OMNI_AGENT_JOB_TIMEOUT_SECS"`
	HeartbeatIntervalSecs     int `yaml:"heartbeat_interval_secs" env:"OMNI_AGENT_HEARTBEAT_INTERVAL_SECS"`
	HeartbeatProbeTimeoutSecs int `yaml:"heartbeat_probe_timeout_secs" env:"OMNI_AGENT_HEARTBEAT_PROBE_TIMEOUT_SECS"`
}

type RouterConfig struct {
	// ControlRules and SlashRules are "<selector>=>user1,user2" strings.
	ControlRules []string `yaml:"control_rules" env:"OMNI_AGENT_CONTROL_RULES" envSeparator:";"`
	SlashRules   []string `yaml:"slash_rules" env:"OMNI_AGENT_SLASH_RULES" envSeparator:";"`
}

type MetricsConfig struct {
	// ListenAddr exposes /metrics; empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr" env:"OMNI_AGENT_METRICS_LISTEN_ADDR"`
}

// Load reads the YAML file at path (optional), applies env overrides,
// and validates. An empty path loads from env and defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	applyLogLevelAlias(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyLogLevelAlias honors RUST_LOG when no explicit level is set. Only
// the coarse level is taken; per-module filters are ignored.
func applyLogLevelAlias(cfg *Config) {
	if cfg.Logging.Level != "" {
		return
	}
	rustLog := strings.TrimSpace(os.Getenv("RUST_LOG"))
	if rustLog == "" {
		return
	}
	level := rustLog
	if idx := strings.IndexAny(rustLog, ",="); idx >= 0 {
		level = rustLog[:idx]
	}
	switch strings.ToLower(level) {
	case "trace", "debug":
		cfg.Logging.Level = "debug"
	case "info", "warn", "warning", "error":
		cfg.Logging.Level = strings.ToLower(level)
	}
}

// Validate applies defaults and rejects invalid combinations.
func (c *Config) Validate() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Valkey.KeyPrefix == "" {
		c.Valkey.KeyPrefix = "omniagent"
	}
	if c.Session.Partition == "" {
		c.Session.Partition = "chat_user"
	}
	if c.Session.GateAcquireTimeoutSecs <= 0 {
		c.Session.GateAcquireTimeoutSecs = 30
	}
	if c.Session.GateLeaseTTLSecs <= 0 {
		c.Session.GateLeaseTTLSecs = 120
	}
	if c.Agent.MaxToolRounds <= 0 {
		c.Agent.MaxToolRounds = 8
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = 4096
	}
	if c.Agent.BaseK1 <= 0 {
		c.Agent.BaseK1 = 20
	}
	if c.Agent.BaseK2 <= 0 {
		c.Agent.BaseK2 = 6
	}
	if c.Agent.BaseLambda <= 0 {
		c.Agent.BaseLambda = 0.5
	}
	if c.Agent.WindowMaxTurns <= 0 {
		c.Agent.WindowMaxTurns = 64
	}
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	switch c.Providers.Default {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("providers.default %q: want openai or anthropic", c.Providers.Default)
	}
	if c.Tools.PoolSize <= 0 {
		c.Tools.PoolSize = 4
	}
	if c.Tools.ToolTimeoutSecs <= 0 {
		c.Tools.ToolTimeoutSecs = 30
	}
	if c.Tools.ConnectRetries <= 0 {
		c.Tools.ConnectRetries = 3
	}
	if c.Tools.ListCacheSecs <= 0 {
		c.Tools.ListCacheSecs = 300
	}
	if c.Channels.QueueSize <= 0 {
		c.Channels.QueueSize = 256
	}
	if c.Channels.DedupTTLSecs <= 0 {
		c.Channels.DedupTTLSecs = 600
	}
	if err := c.validateTelegram(); err != nil {
		return err
	}
	if c.Jobs.QueueSize <= 0 {
		c.Jobs.QueueSize = 64
	}
	if c.Jobs.MaxInFlight <= 0 {
		c.Jobs.MaxInFlight = 4
	}
	if c.Jobs.JobTimeoutSecs <= 0 {
		c.Jobs.JobTimeoutSecs = 300
	}
	if c.Jobs.HeartbeatProbeTimeoutSecs <= 0 {
		c.Jobs.HeartbeatProbeTimeoutSecs = 5
	}
	return nil
}

func (c *Config) validateTelegram() error {
	tg := &c.Channels.Telegram
	if tg.Mode == "" {
		tg.Mode = "polling"
	}
	switch tg.Mode {
	case "polling", "webhook":
	default:
		return fmt.Errorf("channels.telegram.mode %q: want polling or webhook", tg.Mode)
	}
	if tg.DedupBackend == "" {
		tg.DedupBackend = "memory"
	}
	switch tg.DedupBackend {
	case "memory":
	case "valkey", "redis":
		if c.Valkey.URL == "" {
			return fmt.Errorf("channels.telegram.webhook_dedup_backend %q requires valkey.url", tg.DedupBackend)
		}
	default:
		return fmt.Errorf("channels.telegram.webhook_dedup_backend %q: want memory, valkey, or redis", tg.DedupBackend)
	}
	if tg.Enabled {
		if tg.Token == "" {
			return fmt.Errorf("channels.telegram.token is required when telegram is enabled")
		}
		if tg.Mode == "webhook" && tg.WebhookURL == "" {
			return fmt.Errorf("channels.telegram.webhook_url is required in webhook mode")
		}
	}
	if tg.ListenAddr == "" {
		tg.ListenAddr = ":8443"
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return fmt.Errorf("channels.discord.token is required when discord is enabled")
	}
	return nil
}

// GateTimeout returns the acquire timeout as a duration.
func (c *SessionConfig) GateTimeout() time.Duration {
	return time.Duration(c.GateAcquireTimeoutSecs) * time.Second
}

// LeaseTTL returns the lease lifetime as a duration.
func (c *SessionConfig) LeaseTTL() time.Duration {
	return time.Duration(c.GateLeaseTTLSecs) * time.Second
}
