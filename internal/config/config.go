package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New creates a new configuration instance
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/lead-router/")
	v.AddConfigPath("$HOME/.lead-router")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("LEAD_ROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults
	}

	return &Config{v: v}, nil
}

// NewFromFile loads a specific configuration file on top of the defaults
func NewFromFile(path string) (*Config, error) {
	v := NewEmptyViper()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvPrefix("LEAD_ROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listen_address", "0.0.0.0:8000")
	v.SetDefault("server.frontend_url", "http://localhost:3000")
	v.SetDefault("server.keepalive_interval", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.gin_mode", "release")

	// OAuth defaults
	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.redirect_url", "http://localhost:8000/auth/callback")
	v.SetDefault("oauth.scopes", []string{
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/gmail.modify",
		"https://www.googleapis.com/auth/gmail.send",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"openid",
	})
	v.SetDefault("oauth.refresh_timeout", "30s")

	// Storage defaults
	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.credentials_path", "data/credentials.json")
	v.SetDefault("storage.leads_path", "data/leads.json")
	v.SetDefault("storage.sqlite_path", "data/lead_router.db")
	v.SetDefault("storage.mysql_dsn", "user:password@tcp(localhost:3306)/lead_router")

	// Transport defaults
	v.SetDefault("transport.type", "pubsub")
	v.SetDefault("transport.mode", "pull")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.subscription_id", "gmail-notifications-sub")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("pubsub.credentials_file", "")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", "MAIL")
	v.SetDefault("nats.subject", "mail.notifications")
	v.SetDefault("nats.durable", "lead-router")
	v.SetDefault("nats.dead_letter_subject", "mail.dead_letters")
	v.SetDefault("nats.duplicate_window", "2m")

	// Ingestion defaults
	v.SetDefault("ingestion.batch_size", 10)
	v.SetDefault("ingestion.pull_wait", "30s")
	v.SetDefault("ingestion.poll_interval", "5s")
	v.SetDefault("ingestion.ack_timeout", "10s")

	// Orchestrator defaults
	v.SetDefault("orchestrator.timeout", "2m")
	v.SetDefault("orchestrator.shutdown_timeout", "30s")
	v.SetDefault("orchestrator.unread_fallback", 10)
	v.SetDefault("orchestrator.skip_domains", []string{})

	// Classifier defaults
	v.SetDefault("classifier.provider", "agent")
	v.SetDefault("classifier.cold_template",
		"Hi,\n\nThanks for reaching out. We'd love to learn more about what you're looking for. "+
			"Could you share a few details about your needs and timeline?\n\nBest regards")

	v.SetDefault("agent.url", "http://localhost:8001")
	v.SetDefault("agent.timeout", "120s")

	// Bedrock defaults
	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.model_id", "anthropic.claude-v2")
	v.SetDefault("bedrock.max_tokens", 1500)
	v.SetDefault("bedrock.temperature", 0.2)
	v.SetDefault("bedrock.top_p", 0.9)
	v.SetDefault("bedrock.max_body_size", 8192)

	// Gemini defaults
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model_name", "gemini-pro")
	v.SetDefault("gemini.max_tokens", 1500)
	v.SetDefault("gemini.temperature", 0.2)
	v.SetDefault("gemini.top_p", 0.9)
	v.SetDefault("gemini.max_body_size", 8192)

	// OpenAI defaults
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model_name", "gpt-4")
	v.SetDefault("openai.max_tokens", 1500)
	v.SetDefault("openai.temperature", 0.2)
	v.SetDefault("openai.top_p", 0.9)
	v.SetDefault("openai.max_body_size", 8192)

	// Mail defaults
	v.SetDefault("mail.reply_transport", "gmail")
	v.SetDefault("mail.breaker_timeout", "30s")

	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.starttls", true)

	// Hub defaults
	v.SetDefault("hub.max_buffer", 256)

	// Dedup defaults
	v.SetDefault("dedup.type", "memory")
	v.SetDefault("dedup.enabled", true)
	v.SetDefault("dedup.ttl", "10m")
	v.SetDefault("dedup.cleanup_frequency", "1m")
	v.SetDefault("dedup.redis_addr", "localhost:6379")
	v.SetDefault("dedup.redis_password", "")
	v.SetDefault("dedup.redis_db", 0)
	v.SetDefault("dedup.key_prefix", "lead-router:dedup:")

	v.SetDefault("dead_letters.capacity", 100)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetFloat64 gets a float64 value from the configuration
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	d, err := time.ParseDuration(c.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

// Set overrides a value, mainly for command line flags
func (c *Config) Set(key string, value any) {
	c.v.Set(key, value)
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}
