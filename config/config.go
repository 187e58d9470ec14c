package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig
	Signing   SigningConfig
	Cron      CronConfig
	Auth      AuthConfig
	Bot       BotConfig
	AI        AIConfig
	Embedding EmbeddingConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Pipeline  PipelineConfig
	NATS      NATSConfig
	STT       STTConfig
	RateLimit RateLimitConfig
}

type AppConfig struct {
	Port        string
	Environment string
	BaseURL     string // public base URL the queue dispatcher calls back into
	JobBudget   time.Duration

	AllowedOrigins []string // websocket origins; empty allows all
	AutoMigrate    bool
}

type SigningConfig struct {
	QueueKeys      []string // current, next
	BotWebhookKeys []string // current, next
	MaxSkew        time.Duration
}

type CronConfig struct {
	Secret          string
	InternalKeyHash string   // bcrypt hash of the internal key
	SchedulerKeys   []string // HS256 keys for scheduler-signed callbacks
}

// AuthConfig verifies admin bearer tokens.
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string // optional
	JWTAudience string // optional
}

type BotConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type AIConfig struct {
	Chain          []ProviderSpec
	VertexProject  string
	VertexLocation string
	OllamaBaseURL  string
	OpenAIBaseURL  string
	OpenAIAPIKey   string
	Timeout        time.Duration
	Deterministic  bool
}

// ProviderSpec names one entry of the ordered provider chain.
type ProviderSpec struct {
	Family string `yaml:"family"` // vertex|ollama|openai
	Model  string `yaml:"model"`
}

type EmbeddingConfig struct {
	Provider      string // gemini|ollama|none
	Model         string
	GeminiAPIKey  string
	OllamaBaseURL string
}

type StorageConfig struct {
	GCSBucket         string
	MaxRecordingBytes int64
}

type QueueConfig struct {
	Stream     string
	Group      string
	DelayedKey string
	Consumers  int
	ClaimIdle  time.Duration
}

type PipelineConfig struct {
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	GraceWindow        time.Duration
	BatchSize          int
	CandidateDelay     time.Duration
	MinTranscriptChars int
	RecentSessions     int
	ContextCacheTTL    time.Duration
	SweepLockTTL       time.Duration
}

type NATSConfig struct {
	URL    string
	Stream string
}

type STTConfig struct {
	FallbackEnabled bool
	Language        string
}

type RateLimitConfig struct {
	WebhookPerMinute int
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, using system environment")
	}

	chain, err := loadProviderChain(getEnv("PROVIDER_CHAIN_FILE", ""), getEnv("PROVIDER_CHAIN", "vertex:gemini-1.5-pro,openai:meta-llama/Llama-3.1-70B-Instruct,ollama:llama3"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: AppConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("GO_ENV", "development"),
			BaseURL:     strings.TrimRight(getEnv("APP_BASE_URL", "http://localhost:8080"), "/"),
			JobBudget:   getEnvAsDuration("JOB_BUDGET", 5*time.Minute),

			AllowedOrigins: splitList(getEnv("WS_ALLOWED_ORIGINS", "")),
			AutoMigrate:    getEnvAsBool("AUTO_MIGRATE", true),
		},
		Signing: SigningConfig{
			QueueKeys:      getEnvAsList("QUEUE_CURRENT_SIGNING_KEY", "QUEUE_NEXT_SIGNING_KEY"),
			BotWebhookKeys: getEnvAsList("BOT_WEBHOOK_CURRENT_KEY", "BOT_WEBHOOK_NEXT_KEY"),
			MaxSkew:        getEnvAsDuration("SIGNATURE_MAX_SKEW", 5*time.Minute),
		},
		Cron: CronConfig{
			Secret:          getEnv("CRON_SECRET", ""),
			InternalKeyHash: getEnv("INTERNAL_KEY_HASH", ""),
			SchedulerKeys:   getEnvAsList("SCHEDULER_CURRENT_SIGNING_KEY", "SCHEDULER_NEXT_SIGNING_KEY"),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("ADMIN_JWT_SECRET", ""),
			JWTIssuer:   getEnv("ADMIN_JWT_ISSUER", ""),
			JWTAudience: getEnv("ADMIN_JWT_AUDIENCE", ""),
		},
		Bot: BotConfig{
			BaseURL: strings.TrimRight(getEnv("BOT_API_BASE_URL", "https://us-west-2.recall.ai/api/v1"), "/"),
			APIKey:  getEnv("BOT_API_KEY", ""),
			Timeout: getEnvAsDuration("BOT_API_TIMEOUT", 30*time.Second),
		},
		AI: AIConfig{
			Chain:          chain,
			VertexProject:  getEnv("VERTEX_PROJECT_ID", ""),
			VertexLocation: getEnv("VERTEX_LOCATION", "us-central1"),
			OllamaBaseURL:  getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", "https://router.huggingface.co/v1"),
			OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
			Timeout:        getEnvAsDuration("PROVIDER_TIMEOUT", 90*time.Second),
			Deterministic:  getEnvAsBool("PROVIDER_DETERMINISTIC", true),
		},
		Embedding: EmbeddingConfig{
			Provider:      getEnv("EMBEDDING_PROVIDER", "gemini"),
			Model:         getEnv("EMBEDDING_MODEL", ""),
			GeminiAPIKey:  getEnv("GOOGLE_GEMINI_API_KEY", ""),
			OllamaBaseURL: getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		},
		Storage: StorageConfig{
			GCSBucket:         getEnv("GCS_BUCKET", ""),
			MaxRecordingBytes: int64(getEnvAsInt("MAX_RECORDING_MB", 512)) << 20,
		},
		Queue: QueueConfig{
			Stream:     getEnv("QUEUE_STREAM", "jobs:stream"),
			Group:      getEnv("QUEUE_GROUP", "job-dispatchers"),
			DelayedKey: getEnv("QUEUE_DELAYED_KEY", "jobs:delayed"),
			Consumers:  getEnvAsInt("QUEUE_CONSUMERS", 4),
			ClaimIdle:  getEnvAsDuration("QUEUE_CLAIM_IDLE", 10*time.Minute),
		},
		Pipeline: PipelineConfig{
			MaxRetries:         getEnvAsInt("MAX_RETRIES", 3),
			RetryBaseDelay:     getEnvAsDuration("RETRY_BASE_DELAY", 2*time.Minute),
			RetryMaxDelay:      getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Minute),
			GraceWindow:        getEnvAsDuration("RECONCILE_GRACE_WINDOW", 2*time.Hour),
			BatchSize:          getEnvAsInt("RECONCILE_BATCH_SIZE", 25),
			CandidateDelay:     getEnvAsDuration("RECONCILE_CANDIDATE_DELAY", time.Second),
			MinTranscriptChars: getEnvAsInt("MIN_TRANSCRIPT_CHARS", 50),
			RecentSessions:     getEnvAsInt("CONTEXT_RECENT_SESSIONS", 5),
			ContextCacheTTL:    getEnvAsDuration("CONTEXT_CACHE_TTL", 10*time.Minute),
			SweepLockTTL:       getEnvAsDuration("RECONCILE_LOCK_TTL", 30*time.Minute),
		},
		NATS: NATSConfig{
			URL:    getEnv("NATS_URL", "nats://localhost:4222"),
			Stream: getEnv("NATS_STREAM", "NOTIFICATIONS"),
		},
		STT: STTConfig{
			FallbackEnabled: getEnvAsBool("STT_FALLBACK_ENABLED", false),
			Language:        getEnv("STT_LANGUAGE", "en-US"),
		},
		RateLimit: RateLimitConfig{
			WebhookPerMinute: getEnvAsInt("WEBHOOK_RATE_PER_MINUTE", 600),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Signing.QueueKeys) == 0 {
		return errors.New("QUEUE_CURRENT_SIGNING_KEY environment variable is not set")
	}
	if c.Pipeline.MaxRetries <= 0 {
		return errors.New("MAX_RETRIES must be > 0")
	}
	if len(c.AI.Chain) == 0 {
		return errors.New("provider chain is empty")
	}
	return nil
}

// loadProviderChain reads the ordered chain from a YAML file when one is given,
// otherwise from a "family:model,family:model" list.
func loadProviderChain(path, spec string) ([]ProviderSpec, error) {
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read provider chain file: %w", err)
		}
		var doc struct {
			Providers []ProviderSpec `yaml:"providers"`
		}
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("parse provider chain file: %w", err)
		}
		for i, p := range doc.Providers {
			if p.Family == "" || p.Model == "" {
				return nil, fmt.Errorf("provider chain entry %d: family and model are required", i)
			}
		}
		return doc.Providers, nil
	}
	return ParseProviderChain(spec)
}

func ParseProviderChain(spec string) ([]ProviderSpec, error) {
	var out []ProviderSpec
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		family, model, ok := strings.Cut(item, ":")
		if !ok || family == "" || model == "" {
			return nil, fmt.Errorf("invalid provider chain entry %q (want family:model)", item)
		}
		out = append(out, ProviderSpec{Family: strings.ToLower(family), Model: model})
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

// getEnvAsList collects the non-empty values of the given keys, in order.
func getEnvAsList(keys ...string) []string {
	var out []string
	for _, k := range keys {
		if v := strings.TrimSpace(getEnv(k, "")); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// splitList parses a comma separated env value.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
