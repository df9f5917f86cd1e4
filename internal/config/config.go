package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/phenom-core/internal/models"
)

const (
	// DefaultDecisionThreshold is the complexity score at or above which hybrid mode prefers the cloud.
	DefaultDecisionThreshold = 0.5

	// DefaultLengthThreshold is the prompt length in characters that adds one complexity point.
	DefaultLengthThreshold = 500

	// DefaultComplexityDenominator normalizes the raw complexity count into [0,1].
	DefaultComplexityDenominator = 5.0

	// DefaultPersonalPrefix is the environment namespace collected when no explicit keys are configured.
	DefaultPersonalPrefix = "PHENOM_"

	// DefaultPersonalDirective precedes injected personal facts in the system prompt.
	DefaultPersonalDirective = "Use the user's personal information to provide personalized replies when appropriate."

	// DefaultMaxContextChars is the retrieval context character budget.
	DefaultMaxContextChars = 2000

	// DefaultMaxHistory is the conversation log cap.
	DefaultMaxHistory = 1000
)

// DefaultComplexityKeywords are phrases whose presence marks a prompt as complex.
var DefaultComplexityKeywords = []string{
	"analyze in detail",
	"complex analysis",
	"detailed explanation",
	"comprehensive",
	"research paper",
	"creative writing",
	"translate entire",
}

// Cloud provider names.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
)

// ValidCloudProviders is the closed set of cloud providers.
var ValidCloudProviders = []string{ProviderOpenAI, ProviderAnthropic, ProviderOpenRouter}

// Config holds all configuration for phenom-core.
type Config struct {
	AI        AIConfig        `mapstructure:"ai"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	API       APIConfig       `mapstructure:"api"`
}

// AIConfig holds routing and backend settings.
type AIConfig struct {
	Mode              string                  `mapstructure:"mode"`
	DecisionThreshold float64                 `mapstructure:"decision_threshold"`
	Complexity        ComplexityConfig        `mapstructure:"complexity"`
	Workers           int                     `mapstructure:"workers"`
	PersonalInjection PersonalInjectionConfig `mapstructure:"personal_injection"`
	Local             LocalConfig             `mapstructure:"local"`
	Cloud             CloudConfig             `mapstructure:"cloud"`
	ProviderOverrides map[string]CloudConfig  `mapstructure:"providers"`
}

// ComplexityConfig tunes the hybrid routing score.
type ComplexityConfig struct {
	Keywords        []string `mapstructure:"keywords"`
	LengthThreshold int      `mapstructure:"length_threshold"`
	Denominator     float64  `mapstructure:"denominator"`
}

// PersonalInjectionConfig controls the opt-in personal system prompt.
type PersonalInjectionConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	EnvKeys   []string `mapstructure:"env_keys"`
	Prefix    string   `mapstructure:"prefix"`
	Directive string   `mapstructure:"directive"`
}

// LocalConfig holds the local inference server settings.
type LocalConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Model         string        `mapstructure:"model"`
	BaseURL       string        `mapstructure:"base_url"`
	Temperature   float64       `mapstructure:"temperature"`
	NumCtx        int           `mapstructure:"num_ctx"`
	NumThread     int           `mapstructure:"num_thread"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	ProbeCacheTTL time.Duration `mapstructure:"probe_cache_ttl"`
}

// CloudConfig holds the cloud provider settings.
type CloudConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
}

// String returns a safe representation of CloudConfig with the API key masked.
func (c CloudConfig) String() string {
	return fmt.Sprintf("CloudConfig{Enabled:%t, Provider:%s, Model:%s, APIKey:%s}",
		c.Enabled, c.Provider, c.Model, maskAPIKey(c.APIKey))
}

// maskAPIKey shows first 4 + last 4 chars, replacing the middle with asterisks.
func maskAPIKey(key string) string {
	const visible = 4
	if len(key) <= visible*2 {
		return "***"
	}
	return key[:visible] + "****" + key[len(key)-visible:]
}

// RetrievalConfig holds the retrieval-augmentation settings.
type RetrievalConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Provider          string `mapstructure:"provider"`
	Path              string `mapstructure:"path"`
	Collection        string `mapstructure:"collection"`
	EmbeddingProvider string `mapstructure:"embedding_provider"`
	EmbeddingModel    string `mapstructure:"embedding_model"`
	EmbeddingBaseURL  string `mapstructure:"embedding_base_url"`
	EmbeddingAPIKey   string `mapstructure:"embedding_api_key"`
	Dimension         int    `mapstructure:"dimension"`
	TopK              int    `mapstructure:"top_k"`
	MaxContextChars   int    `mapstructure:"max_context_chars"`
	EmbedCacheSize    int64  `mapstructure:"embed_cache_size"`
}

// MemoryConfig holds conversation memory persistence settings.
type MemoryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Backend         string        `mapstructure:"backend"`
	Dir             string        `mapstructure:"dir"`
	MaxHistory      int           `mapstructure:"max_history"`
	LearningRate    float64       `mapstructure:"learning_rate"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	CompactInterval time.Duration `mapstructure:"compact_interval"`
	CompactEvery    int           `mapstructure:"compact_every"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	AuthToken  string `mapstructure:"auth_token"`
}

// BackendMode returns the parsed routing mode. Call after Validate.
func (c *Config) BackendMode() models.BackendMode {
	m, err := models.ParseBackendMode(c.AI.Mode)
	if err != nil {
		return models.ModeHybrid
	}
	return m
}

// Load reads configuration from a .env file, the config file and environment variables.
// An empty path searches $HOME/.phenom and the working directory for config.yaml.
func Load(path string) (*Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch re-reads the config file whenever it changes and calls onChange with the
// freshly decoded configuration. It returns immediately; watching stops with the process.
func Watch(path string, onChange func(*Config, error)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return errors.New("no config file to watch")
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(homeDir(), ".phenom"))
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("PHENOM_CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map specific env vars
	_ = v.BindEnv("ai.mode", "AI_MODE", "PHENOM_CORE_AI_MODE")
	_ = v.BindEnv("ai.cloud.provider", "CLOUD_AI_PROVIDER", "PHENOM_CORE_AI_CLOUD_PROVIDER")
	_ = v.BindEnv("ai.local.base_url", "OLLAMA_BASE_URL", "PHENOM_CORE_AI_LOCAL_BASE_URL")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "PHENOM_CORE_LOGGING_LEVEL")
	_ = v.BindEnv("api.auth_token", "PHENOM_CORE_API_AUTH_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is OK: use defaults + env vars
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ai.mode", string(models.ModeHybrid))
	v.SetDefault("ai.decision_threshold", DefaultDecisionThreshold)
	v.SetDefault("ai.complexity.keywords", DefaultComplexityKeywords)
	v.SetDefault("ai.complexity.length_threshold", DefaultLengthThreshold)
	v.SetDefault("ai.complexity.denominator", DefaultComplexityDenominator)
	v.SetDefault("ai.workers", 8)

	v.SetDefault("ai.personal_injection.enabled", false)
	v.SetDefault("ai.personal_injection.env_keys", []string{})
	v.SetDefault("ai.personal_injection.prefix", DefaultPersonalPrefix)
	v.SetDefault("ai.personal_injection.directive", DefaultPersonalDirective)

	v.SetDefault("ai.local.enabled", true)
	v.SetDefault("ai.local.model", "phi3:mini")
	v.SetDefault("ai.local.base_url", "http://localhost:11434")
	v.SetDefault("ai.local.temperature", 0.7)
	v.SetDefault("ai.local.num_ctx", 2048)
	v.SetDefault("ai.local.num_thread", 4)
	v.SetDefault("ai.local.max_tokens", 0)
	v.SetDefault("ai.local.timeout", 60*time.Second)
	v.SetDefault("ai.local.probe_timeout", 2*time.Second)
	v.SetDefault("ai.local.probe_cache_ttl", 5*time.Second)

	v.SetDefault("ai.cloud.enabled", false)
	v.SetDefault("ai.cloud.provider", ProviderOpenAI)
	v.SetDefault("ai.cloud.model", "")
	v.SetDefault("ai.cloud.base_url", "")
	v.SetDefault("ai.cloud.api_key", "")
	v.SetDefault("ai.cloud.temperature", 0.7)
	v.SetDefault("ai.cloud.max_tokens", 1024)
	v.SetDefault("ai.cloud.timeout", 60*time.Second)
	v.SetDefault("ai.cloud.rate_limit", 0)

	v.SetDefault("retrieval.enabled", true)
	v.SetDefault("retrieval.provider", "chromem")
	v.SetDefault("retrieval.path", filepath.Join("data", "vector_db"))
	v.SetDefault("retrieval.collection", "documents")
	v.SetDefault("retrieval.embedding_provider", "ollama")
	v.SetDefault("retrieval.embedding_model", "nomic-embed-text")
	v.SetDefault("retrieval.embedding_base_url", "")
	v.SetDefault("retrieval.embedding_api_key", "")
	v.SetDefault("retrieval.dimension", 768)
	v.SetDefault("retrieval.top_k", 3)
	v.SetDefault("retrieval.max_context_chars", DefaultMaxContextChars)
	v.SetDefault("retrieval.embed_cache_size", 10000)

	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.backend", "journal")
	v.SetDefault("memory.dir", "data")
	v.SetDefault("memory.max_history", DefaultMaxHistory)
	v.SetDefault("memory.learning_rate", 0.1)
	v.SetDefault("memory.flush_interval", 2*time.Second)
	v.SetDefault("memory.compact_interval", 5*time.Minute)
	v.SetDefault("memory.compact_every", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.auth_token", "")
}

// applyProviderDefaults fills the cloud model, base URL and key from the provider
// when they were not configured explicitly.
func (c *Config) applyProviderDefaults() {
	c.AI.Cloud = WithProviderDefaults(c.AI.Cloud)
	for name, pc := range c.AI.ProviderOverrides {
		if pc.Provider == "" {
			pc.Provider = name
		}
		c.AI.ProviderOverrides[name] = WithProviderDefaults(pc)
	}
}

// WithProviderDefaults returns c with the provider's default model, endpoint and API key applied.
func WithProviderDefaults(c CloudConfig) CloudConfig {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	switch c.Provider {
	case ProviderOpenAI:
		if c.Model == "" {
			c.Model = "gpt-3.5-turbo"
		}
		if c.BaseURL == "" {
			c.BaseURL = "https://api.openai.com/v1"
		}
		if c.APIKey == "" {
			c.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	case ProviderAnthropic:
		if c.Model == "" {
			c.Model = "claude-3-sonnet-20240229"
		}
		if c.APIKey == "" {
			c.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	case ProviderOpenRouter:
		if c.Model == "" {
			c.Model = "anthropic/claude-3.5-sonnet"
		}
		if c.BaseURL == "" {
			c.BaseURL = os.Getenv("OPENROUTER_BASE_URL")
		}
		if c.BaseURL == "" {
			c.BaseURL = "https://openrouter.ai/api/v1"
		}
		if c.APIKey == "" {
			c.APIKey = os.Getenv("OPENROUTER_API_KEY")
		}
	}
	return c
}

// Validate checks that required configuration fields are set and consistent.
func (c *Config) Validate() error {
	if _, err := models.ParseBackendMode(c.AI.Mode); err != nil {
		return fmt.Errorf("ai.mode: %w", err)
	}
	if c.AI.DecisionThreshold < 0 || c.AI.DecisionThreshold > 1 {
		return fmt.Errorf("ai.decision_threshold must be between 0 and 1")
	}
	if c.AI.Complexity.Denominator <= 0 {
		return fmt.Errorf("ai.complexity.denominator must be greater than 0")
	}
	if c.AI.Complexity.LengthThreshold < 0 {
		return fmt.Errorf("ai.complexity.length_threshold must be >= 0")
	}
	if c.AI.Workers < 1 {
		return fmt.Errorf("ai.workers must be at least 1")
	}
	if c.AI.Local.Timeout <= 0 {
		return fmt.Errorf("ai.local.timeout must be greater than 0")
	}
	if c.AI.Local.ProbeTimeout <= 0 || c.AI.Local.ProbeTimeout > 3*time.Second {
		return fmt.Errorf("ai.local.probe_timeout must be in (0s, 3s]")
	}
	if c.AI.Local.Enabled && c.AI.Local.BaseURL == "" {
		return fmt.Errorf("ai.local.base_url must not be empty")
	}
	if err := validateCloud("ai.cloud", c.AI.Cloud); err != nil {
		return err
	}
	for name, pc := range c.AI.ProviderOverrides {
		if err := validateCloud("ai.providers."+name, pc); err != nil {
			return err
		}
	}
	if err := c.Retrieval.validate(); err != nil {
		return err
	}
	if err := c.Memory.validate(); err != nil {
		return err
	}
	return nil
}

func validateCloud(prefix string, c CloudConfig) error {
	if !isValidProvider(c.Provider) {
		return fmt.Errorf("%s.provider %q must be one of %s", prefix, c.Provider, strings.Join(ValidCloudProviders, ", "))
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%s.timeout must be greater than 0", prefix)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("%s.max_tokens must be at least 1", prefix)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%s.rate_limit must be >= 0", prefix)
	}
	return nil
}

func isValidProvider(p string) bool {
	for _, v := range ValidCloudProviders {
		if p == v {
			return true
		}
	}
	return false
}

func (r RetrievalConfig) validate() error {
	if !r.Enabled {
		return nil
	}
	switch r.Provider {
	case "chromem", "memory":
	default:
		return fmt.Errorf("retrieval.provider %q must be chromem or memory", r.Provider)
	}
	switch r.EmbeddingProvider {
	case "ollama", "openai", "hash":
	default:
		return fmt.Errorf("retrieval.embedding_provider %q must be ollama, openai or hash", r.EmbeddingProvider)
	}
	if r.TopK < 1 {
		return fmt.Errorf("retrieval.top_k must be at least 1")
	}
	if r.MaxContextChars < 1 {
		return fmt.Errorf("retrieval.max_context_chars must be at least 1")
	}
	if r.Dimension < 1 {
		return fmt.Errorf("retrieval.dimension must be greater than 0")
	}
	return nil
}

func (m MemoryConfig) validate() error {
	switch m.Backend {
	case "journal", "sqlite":
	default:
		return fmt.Errorf("memory.backend %q must be journal or sqlite", m.Backend)
	}
	if m.MaxHistory < 1 {
		return fmt.Errorf("memory.max_history must be at least 1")
	}
	if m.LearningRate <= 0 || m.LearningRate > 1 {
		return fmt.Errorf("memory.learning_rate must be in (0, 1]")
	}
	if m.FlushInterval <= 0 {
		return fmt.Errorf("memory.flush_interval must be greater than 0")
	}
	if m.CompactEvery < 0 {
		return fmt.Errorf("memory.compact_every must be >= 0")
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
