// Package config provides application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	AppEnv          string
	FrontendURL     string
	LogLevel        string
	DB              DBConfig
	Session         SessionConfig
	Auth            AuthConfig
	Invite          InviteConfig
	LLM             LLMConfig
	Sandbox         SandboxConfig
	Deploy          DeployConfig
	GitHubToken     string
	NATSURL         string
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	Timeout         TimeoutConfig
	Retry           RetryConfig
	ConversationLog ConversationLogConfig
}

// DBConfig selects the relational store.
type DBConfig struct {
	Driver     string // "postgres" or "sqlite"
	URL        string
	SQLitePath string
}

// SessionConfig tunes the transient session store.
type SessionConfig struct {
	RedisURL   string
	TTL        time.Duration
	MaxEntries int
}

// AuthConfig holds Clerk session token verification settings.
type AuthConfig struct {
	JWTKey            string
	AuthorizedParties []string
	DevUserID         string
	AdminUserIDs      []string
}

// InviteConfig controls invite gating.
type InviteConfig struct {
	Required       bool
	RateLimitRPS   float64
	RateLimitBurst int
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider        string
	Model           string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GroqAPIKey      string
	GeminiAPIKey    string
	MaxTokens       int
}

// SandboxConfig selects the code execution backend.
type SandboxConfig struct {
	Provider    string // "e2b", "docker" or "none"
	E2BAPIKey   string
	E2BTemplate string
	DockerImage string
	TTL         time.Duration
}

// DeployConfig holds Vercel credentials.
type DeployConfig struct {
	VercelToken  string
	VercelTeamID string
}

// RateLimitConfig bounds agent requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig tunes server-sent event streams.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
	ReplayQueueSize    int
}

// TimeoutConfig holds per-operation timeouts.
type TimeoutConfig struct {
	HealthCheck    time.Duration
	SandboxCleanup time.Duration
	DeployPoll     time.Duration
	DeployWait     time.Duration
}

// RetryConfig tunes store conflict retries.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Supported LLM providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGroq      = "groq"
	ProviderGemini    = "gemini"
)

// Supported sandbox providers.
const (
	SandboxE2B    = "e2b"
	SandboxDocker = "docker"
	SandboxNone   = "none"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("app_env", "production")
	v.SetDefault("frontend_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("database_url", "")
	v.SetDefault("sqlite_path", "./data/heysme.db")
	v.SetDefault("redis_url", "")
	v.SetDefault("session_ttl", 24*time.Hour)
	v.SetDefault("session_max_entries", 10000)
	v.SetDefault("nats_url", "")
	v.SetDefault("clerk_jwt_key", "")
	v.SetDefault("clerk_authorized_parties", "")
	v.SetDefault("dev_user_id", "")
	v.SetDefault("admin_user_ids", "")
	v.SetDefault("invite_required", true)
	v.SetDefault("invite_rate_limit_rps", 1.0)
	v.SetDefault("invite_rate_limit_burst", 5)
	v.SetDefault("llm_provider", ProviderAnthropic)
	v.SetDefault("llm_model", "")
	v.SetDefault("llm_max_tokens", 4096)
	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("groq_api_key", "")
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("sandbox_provider", SandboxNone)
	v.SetDefault("e2b_api_key", "")
	v.SetDefault("e2b_template", "base")
	v.SetDefault("docker_sandbox_image", "node:20-alpine")
	v.SetDefault("sandbox_ttl", 30*time.Minute)
	v.SetDefault("vercel_token", "")
	v.SetDefault("vercel_team_id", "")
	v.SetDefault("github_token", "")
	v.SetDefault("rate_limit_requests", 20)
	v.SetDefault("rate_limit_window", time.Minute)
	v.SetDefault("sse_keepalive", 10*time.Second)
	v.SetDefault("sse_retry", 5*time.Second)
	v.SetDefault("sse_max_body", int64(1<<20))
	v.SetDefault("sse_replay_queue_size", 100)
	v.SetDefault("health_check_timeout", 5*time.Second)
	v.SetDefault("sandbox_cleanup_timeout", 30*time.Second)
	v.SetDefault("deploy_poll_interval", 3*time.Second)
	v.SetDefault("deploy_wait_timeout", 10*time.Minute)
	v.SetDefault("db_max_retries", 3)
	v.SetDefault("db_retry_base_delay", 50*time.Millisecond)
	v.SetDefault("conversation_log_enabled", true)
	v.SetDefault("conversation_log_dir", "./data/logs/conversations")
	v.SetDefault("conversation_log_queue_size", 1000)
}

// Load reads configuration from environment variables and, if path is
// non-empty, from a config file. Environment variables win.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	queueSize := v.GetInt("conversation_log_queue_size")
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        v.GetString("port"),
		AppEnv:      strings.ToLower(v.GetString("app_env")),
		FrontendURL: v.GetString("frontend_url"),
		LogLevel:    v.GetString("log_level"),
		DB: DBConfig{
			Driver:     strings.ToLower(v.GetString("db_driver")),
			URL:        v.GetString("database_url"),
			SQLitePath: v.GetString("sqlite_path"),
		},
		Session: SessionConfig{
			RedisURL:   v.GetString("redis_url"),
			TTL:        v.GetDuration("session_ttl"),
			MaxEntries: v.GetInt("session_max_entries"),
		},
		Auth: AuthConfig{
			JWTKey:            normalizePEM(v.GetString("clerk_jwt_key")),
			AuthorizedParties: splitList(v.GetString("clerk_authorized_parties")),
			DevUserID:         v.GetString("dev_user_id"),
			AdminUserIDs:      splitList(v.GetString("admin_user_ids")),
		},
		Invite: InviteConfig{
			Required:       v.GetBool("invite_required"),
			RateLimitRPS:   v.GetFloat64("invite_rate_limit_rps"),
			RateLimitBurst: v.GetInt("invite_rate_limit_burst"),
		},
		LLM: LLMConfig{
			Provider:        strings.ToLower(v.GetString("llm_provider")),
			Model:           v.GetString("llm_model"),
			AnthropicAPIKey: v.GetString("anthropic_api_key"),
			OpenAIAPIKey:    v.GetString("openai_api_key"),
			GroqAPIKey:      v.GetString("groq_api_key"),
			GeminiAPIKey:    v.GetString("gemini_api_key"),
			MaxTokens:       v.GetInt("llm_max_tokens"),
		},
		Sandbox: SandboxConfig{
			Provider:    strings.ToLower(v.GetString("sandbox_provider")),
			E2BAPIKey:   v.GetString("e2b_api_key"),
			E2BTemplate: v.GetString("e2b_template"),
			DockerImage: v.GetString("docker_sandbox_image"),
			TTL:         v.GetDuration("sandbox_ttl"),
		},
		Deploy: DeployConfig{
			VercelToken:  v.GetString("vercel_token"),
			VercelTeamID: v.GetString("vercel_team_id"),
		},
		GitHubToken: v.GetString("github_token"),
		NATSURL:     v.GetString("nats_url"),
		RateLimit: RateLimitConfig{
			RequestsPerWindow: v.GetInt("rate_limit_requests"),
			WindowDuration:    v.GetDuration("rate_limit_window"),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  v.GetDuration("sse_keepalive"),
			RetryDelay:         v.GetDuration("sse_retry"),
			MaxRequestBodySize: v.GetInt64("sse_max_body"),
			ReplayQueueSize:    v.GetInt("sse_replay_queue_size"),
		},
		Timeout: TimeoutConfig{
			HealthCheck:    v.GetDuration("health_check_timeout"),
			SandboxCleanup: v.GetDuration("sandbox_cleanup_timeout"),
			DeployPoll:     v.GetDuration("deploy_poll_interval"),
			DeployWait:     v.GetDuration("deploy_wait_timeout"),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     v.GetInt("db_max_retries"),
			DatabaseRetryBaseDelay: v.GetDuration("db_retry_base_delay"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   v.GetBool("conversation_log_enabled"),
			Dir:       v.GetString("conversation_log_dir"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DB.Driver {
	case "postgres":
		if c.DB.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	case "sqlite":
		if c.DB.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH cannot be empty")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGroq, ProviderGemini:
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLM.Provider)
	}
	switch c.Sandbox.Provider {
	case SandboxE2B:
		if c.Sandbox.E2BAPIKey == "" {
			return fmt.Errorf("E2B_API_KEY is required when SANDBOX_PROVIDER=e2b")
		}
	case SandboxDocker, SandboxNone:
	default:
		return fmt.Errorf("unsupported SANDBOX_PROVIDER %q", c.Sandbox.Provider)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Session.MaxEntries <= 0 {
		return fmt.Errorf("SESSION_MAX_ENTRIES must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Invite.RateLimitRPS <= 0 || c.Invite.RateLimitBurst <= 0 {
		return fmt.Errorf("INVITE_RATE_LIMIT_RPS and INVITE_RATE_LIMIT_BURST must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	if !c.IsDevelopment() && c.Auth.DevUserID != "" {
		return fmt.Errorf("DEV_USER_ID is only allowed when APP_ENV=development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if c.AppEnv != "" {
		return c.AppEnv == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AIEnabled reports whether an API key is configured for the selected provider.
func (c *Config) AIEnabled() bool {
	return c.LLM.APIKey() != ""
}

// APIKey returns the key of the selected provider.
func (c LLMConfig) APIKey() string {
	switch c.Provider {
	case ProviderAnthropic:
		return c.AnthropicAPIKey
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	case ProviderGroq:
		return c.GroqAPIKey
	case ProviderGemini:
		return c.GeminiAPIKey
	default:
		return ""
	}
}

// IsAdmin reports whether userID is listed in ADMIN_USER_IDS.
func (c AuthConfig) IsAdmin(userID string) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizePEM restores newlines in keys passed through single-line env vars.
func normalizePEM(key string) string {
	return strings.ReplaceAll(strings.TrimSpace(key), `\n`, "\n")
}
