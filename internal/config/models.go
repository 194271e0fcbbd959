package config

import "time"

// ServerConfig represents the HTTP server configuration
type ServerConfig struct {
	ListenAddress     string
	FrontendURL       string
	KeepaliveInterval time.Duration
	ShutdownTimeout   time.Duration
	GinMode           string
}

// OAuthConfig represents the OAuth client configuration
type OAuthConfig struct {
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	Scopes         []string
	RefreshTimeout time.Duration
}

// StorageConfig represents the snapshot persistence configuration
type StorageConfig struct {
	Type            string
	CredentialsPath string
	LeadsPath       string
	SQLitePath      string
	MySQLDSN        string
}

// TransportConfig selects the notification transport
type TransportConfig struct {
	Type string
	Mode string
}

// PubSubConfig represents the Google Cloud Pub/Sub configuration
type PubSubConfig struct {
	ProjectID       string
	SubscriptionID  string
	Topic           string
	CredentialsFile string
}

// NATSConfig represents the NATS JetStream configuration
type NATSConfig struct {
	URL               string
	Stream            string
	Subject           string
	Durable           string
	DeadLetterSubject string
	DuplicateWindow   time.Duration
}

// IngestionConfig represents the notification loop configuration
type IngestionConfig struct {
	BatchSize    int
	PullWait     time.Duration
	PollInterval time.Duration
	AckTimeout   time.Duration
}

// OrchestratorConfig represents the classification pipeline configuration
type OrchestratorConfig struct {
	Timeout         time.Duration
	ShutdownTimeout time.Duration
	UnreadFallback  int64
	SkipDomains     []string
}

// ClassifierConfig selects the classifier
type ClassifierConfig struct {
	Provider     string
	ColdTemplate string
}

// AgentConfig represents the external agent service configuration
type AgentConfig struct {
	URL     string
	Timeout time.Duration
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// MailConfig represents the mailbox API configuration
type MailConfig struct {
	ReplyTransport string
	BreakerTimeout time.Duration
}

// SMTPConfig represents the SMTP submission configuration
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	StartTLS bool
}

// DedupConfig represents the delivery dedup window configuration
type DedupConfig struct {
	Type             string
	Enabled          bool
	TTL              time.Duration
	CleanupFrequency time.Duration
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	KeyPrefix        string
}

// GetServer returns the server configuration
func (c *Config) GetServer() ServerConfig {
	return ServerConfig{
		ListenAddress:     c.GetString("server.listen_address"),
		FrontendURL:       c.GetString("server.frontend_url"),
		KeepaliveInterval: c.v.GetDuration("server.keepalive_interval"),
		ShutdownTimeout:   c.v.GetDuration("server.shutdown_timeout"),
		GinMode:           c.GetString("server.gin_mode"),
	}
}

// GetOAuth returns the OAuth configuration
func (c *Config) GetOAuth() OAuthConfig {
	return OAuthConfig{
		ClientID:       c.GetString("oauth.client_id"),
		ClientSecret:   c.GetString("oauth.client_secret"),
		RedirectURL:    c.GetString("oauth.redirect_url"),
		Scopes:         c.GetStringSlice("oauth.scopes"),
		RefreshTimeout: c.v.GetDuration("oauth.refresh_timeout"),
	}
}

// GetStorage returns the storage configuration
func (c *Config) GetStorage() StorageConfig {
	return StorageConfig{
		Type:            c.GetString("storage.type"),
		CredentialsPath: c.GetString("storage.credentials_path"),
		LeadsPath:       c.GetString("storage.leads_path"),
		SQLitePath:      c.GetString("storage.sqlite_path"),
		MySQLDSN:        c.GetString("storage.mysql_dsn"),
	}
}

// GetTransport returns the transport selection
func (c *Config) GetTransport() TransportConfig {
	return TransportConfig{
		Type: c.GetString("transport.type"),
		Mode: c.GetString("transport.mode"),
	}
}

// GetPubSub returns the Pub/Sub configuration
func (c *Config) GetPubSub() PubSubConfig {
	return PubSubConfig{
		ProjectID:       c.GetString("pubsub.project_id"),
		SubscriptionID:  c.GetString("pubsub.subscription_id"),
		Topic:           c.GetString("pubsub.topic"),
		CredentialsFile: c.GetString("pubsub.credentials_file"),
	}
}

// GetNATS returns the NATS configuration
func (c *Config) GetNATS() NATSConfig {
	return NATSConfig{
		URL:               c.GetString("nats.url"),
		Stream:            c.GetString("nats.stream"),
		Subject:           c.GetString("nats.subject"),
		Durable:           c.GetString("nats.durable"),
		DeadLetterSubject: c.GetString("nats.dead_letter_subject"),
		DuplicateWindow:   c.v.GetDuration("nats.duplicate_window"),
	}
}

// GetIngestion returns the ingestion loop configuration
func (c *Config) GetIngestion() IngestionConfig {
	return IngestionConfig{
		BatchSize:    c.GetInt("ingestion.batch_size"),
		PullWait:     c.v.GetDuration("ingestion.pull_wait"),
		PollInterval: c.v.GetDuration("ingestion.poll_interval"),
		AckTimeout:   c.v.GetDuration("ingestion.ack_timeout"),
	}
}

// GetOrchestrator returns the orchestrator configuration
func (c *Config) GetOrchestrator() OrchestratorConfig {
	return OrchestratorConfig{
		Timeout:         c.v.GetDuration("orchestrator.timeout"),
		ShutdownTimeout: c.v.GetDuration("orchestrator.shutdown_timeout"),
		UnreadFallback:  c.v.GetInt64("orchestrator.unread_fallback"),
		SkipDomains:     c.GetStringSlice("orchestrator.skip_domains"),
	}
}

// GetClassifier returns the classifier selection
func (c *Config) GetClassifier() ClassifierConfig {
	return ClassifierConfig{
		Provider:     c.GetString("classifier.provider"),
		ColdTemplate: c.GetString("classifier.cold_template"),
	}
}

// GetAgent returns the agent service configuration
func (c *Config) GetAgent() AgentConfig {
	return AgentConfig{
		URL:     c.GetString("agent.url"),
		Timeout: c.v.GetDuration("agent.timeout"),
	}
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
		MaxBodySize: c.GetInt("bedrock.max_body_size"),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
		MaxBodySize: c.GetInt("gemini.max_body_size"),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		BaseURL:     c.GetString("openai.base_url"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
		MaxBodySize: c.GetInt("openai.max_body_size"),
	}
}

// GetMail returns the mailbox API configuration
func (c *Config) GetMail() MailConfig {
	return MailConfig{
		ReplyTransport: c.GetString("mail.reply_transport"),
		BreakerTimeout: c.v.GetDuration("mail.breaker_timeout"),
	}
}

// GetSMTP returns the SMTP configuration
func (c *Config) GetSMTP() SMTPConfig {
	return SMTPConfig{
		Host:     c.GetString("smtp.host"),
		Port:     c.GetInt("smtp.port"),
		Username: c.GetString("smtp.username"),
		Password: c.GetString("smtp.password"),
		From:     c.GetString("smtp.from"),
		StartTLS: c.GetBool("smtp.starttls"),
	}
}

// GetDedup returns the dedup window configuration
func (c *Config) GetDedup() DedupConfig {
	return DedupConfig{
		Type:             c.GetString("dedup.type"),
		Enabled:          c.GetBool("dedup.enabled"),
		TTL:              c.v.GetDuration("dedup.ttl"),
		CleanupFrequency: c.v.GetDuration("dedup.cleanup_frequency"),
		RedisAddr:        c.GetString("dedup.redis_addr"),
		RedisPassword:    c.GetString("dedup.redis_password"),
		RedisDB:          c.GetInt("dedup.redis_db"),
		KeyPrefix:        c.GetString("dedup.key_prefix"),
	}
}
