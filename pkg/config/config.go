package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xaenox/threadkeeper/internal/models"
	"github.com/xaenox/threadkeeper/internal/resolver"
)

type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// RequestTimeout bounds handling of a single update.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type ClassifierConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence"`
	MaxEntities   int     `mapstructure:"max_entities"`
}

type OpenAIConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	BaseURL        string  `mapstructure:"base_url"`
	Model          string  `mapstructure:"model"`
	EmbeddingModel string  `mapstructure:"embedding_model"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	Temperature    float64 `mapstructure:"temperature"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	Burst          int     `mapstructure:"burst"`
}

// RedisConfig selects the shared fingerprint ledger. An empty URL keeps the
// ledger in process memory.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type ResolverConfig struct {
	ContinuationThreshold float64        `mapstructure:"semantic_continuation_threshold"`
	CreationThreshold     float64        `mapstructure:"semantic_creation_threshold"`
	RescueThreshold       float64        `mapstructure:"dormant_rescue_threshold"`
	Hysteresis            float64        `mapstructure:"hysteresis"`
	DormancyThreshold     time.Duration  `mapstructure:"dormancy_threshold"`
	MaxThreadAge          time.Duration  `mapstructure:"max_thread_age"`
	DecayTau              time.Duration  `mapstructure:"decay_tau"`
	ResolutionDeadlineMS  int            `mapstructure:"resolution_deadline_ms"`
	SignalTimeoutMS       int            `mapstructure:"signal_timeout_ms"`
	MaxDormantCandidates  int            `mapstructure:"max_dormant_candidates"`
	DedupeWindow          time.Duration  `mapstructure:"dedupe_window"`
	ScoreWeights          models.Weights `mapstructure:"score_weights"`
	LearningRate          float64        `mapstructure:"profile_learning_rate"`
	LockShards            int            `mapstructure:"lock_shards"`
}

type CacheConfig struct {
	Shards        int           `mapstructure:"shards"`
	UsersPerShard int           `mapstructure:"users_per_shard"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ToResolverConfig converts the file representation to resolver.Config.
func (c ResolverConfig) ToResolverConfig() resolver.Config {
	return resolver.Config{
		ContinuationThreshold: c.ContinuationThreshold,
		CreationThreshold:     c.CreationThreshold,
		RescueThreshold:       c.RescueThreshold,
		Hysteresis:            c.Hysteresis,
		DormancyThreshold:     c.DormancyThreshold,
		MaxThreadAge:          c.MaxThreadAge,
		DecayTau:              c.DecayTau,
		ResolutionDeadline:    time.Duration(c.ResolutionDeadlineMS) * time.Millisecond,
		SignalTimeout:         time.Duration(c.SignalTimeoutMS) * time.Millisecond,
		MaxDormantCandidates:  c.MaxDormantCandidates,
		DedupeWindow:          c.DedupeWindow,
		Weights:               c.ScoreWeights,
		LearningRate:          c.LearningRate,
		LockShards:            c.LockShards,
	}
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.request_timeout", "5s")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("classifier.min_confidence", 0.7)
	v.SetDefault("classifier.max_entities", 10)
	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.max_tokens", 150)
	v.SetDefault("openai.temperature", 0.0)
	v.SetDefault("openai.rate_limit", 20.0)
	v.SetDefault("openai.burst", 5)

	v.SetDefault("resolver.semantic_continuation_threshold", 0.7)
	v.SetDefault("resolver.semantic_creation_threshold", 0.4)
	v.SetDefault("resolver.dormant_rescue_threshold", 0.6)
	v.SetDefault("resolver.hysteresis", 0.05)
	v.SetDefault("resolver.dormancy_threshold", "2h")
	v.SetDefault("resolver.max_thread_age", "720h")
	v.SetDefault("resolver.resolution_deadline_ms", 200)
	v.SetDefault("resolver.signal_timeout_ms", 50)
	v.SetDefault("resolver.max_dormant_candidates", 5)
	v.SetDefault("resolver.dedupe_window", "30s")
	v.SetDefault("resolver.score_weights.semantic", 0.4)
	v.SetDefault("resolver.score_weights.temporal", 0.25)
	v.SetDefault("resolver.score_weights.intent", 0.2)
	v.SetDefault("resolver.score_weights.entity", 0.15)
	v.SetDefault("resolver.profile_learning_rate", 0.2)
	v.SetDefault("resolver.lock_shards", 64)

	v.SetDefault("cache.shards", 16)
	v.SetDefault("cache.users_per_shard", 1024)
	v.SetDefault("cache.ttl", "1m")

	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("logging.development", false)
}

// LoadConfig reads path and applies environment overrides. A missing file is
// not an error; defaults and the environment are enough to run.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support, RESOLVER_HYSTERESIS etc.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if redisURL := v.GetString("REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
	}

	rc := config.Resolver.ToResolverConfig()
	rc.ApplyDefaults()
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resolver section: %w", err)
	}

	return &config, nil
}
