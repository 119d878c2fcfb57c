package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	EventPrefix string

	RateLimitMax    int
	RateLimitWindow time.Duration
	CORSOrigins     string
	AccessLog       bool

	DockerHost       string
	CellTimeout      time.Duration
	CodeRunMemoryMB  int
	CodeRunCPUShares int
	WorkspaceRoot    string
	SandboxWorkers   int

	FeaturePatternSlots int
	FeatureCacheTTL     time.Duration

	CommentDensityTarget float64
	NarrativeWordTarget  int

	BlendWeight   float64
	MinConfidence int
	BatchWorkers  int

	MinCorpusSize int
	RidgeLambda   float64
	AutoRetrain   bool

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string
	CloudinaryFolder    string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.url", "sqlite://grader.db")
	v.SetDefault("events.prefix", "grader")
	v.SetDefault("http.rate_limit_max", 30)
	v.SetDefault("http.rate_limit_window", "1m")
	v.SetDefault("http.cors_origins", "*")
	v.SetDefault("http.access_log", false)
	v.SetDefault("sandbox.cell_timeout_ms", 30000)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.cpu_shares", 512)
	v.SetDefault("sandbox.workers", 4)
	v.SetDefault("features.pattern_slots", 8)
	v.SetDefault("features.cache_ttl", "24h")
	v.SetDefault("scoring.comment_density_target", 0.2)
	v.SetDefault("scoring.narrative_word_target", 150)
	v.SetDefault("grading.blend_weight", 0.5)
	v.SetDefault("grading.min_confidence", 10)
	v.SetDefault("grading.batch_workers", 8)
	v.SetDefault("training.min_corpus", 10)
	v.SetDefault("training.ridge_lambda", 1.0)
	v.SetDefault("training.auto_retrain", false)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("cloudinary.folder", "gema/models")

	cacheTTL, err := time.ParseDuration(v.GetString("features.cache_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid feature cache ttl: %w", err)
	}

	rateWindow, err := time.ParseDuration(v.GetString("http.rate_limit_window"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid rate limit window: %w", err)
	}

	timeoutMs := v.GetInt("sandbox.cell_timeout_ms")
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}

	cfg := Config{
		AppName:              v.GetString("app.name"),
		AppEnv:               v.GetString("app.env"),
		AppPort:              v.GetString("app.port"),
		DatabaseURL:          v.GetString("database.url"),
		RedisURL:             v.GetString("redis.url"),
		NATSURL:              v.GetString("nats.url"),
		EventPrefix:          v.GetString("events.prefix"),
		RateLimitMax:         v.GetInt("http.rate_limit_max"),
		RateLimitWindow:      rateWindow,
		CORSOrigins:          v.GetString("http.cors_origins"),
		AccessLog:            v.GetBool("http.access_log"),
		DockerHost:           v.GetString("docker_host"),
		CellTimeout:          time.Duration(timeoutMs) * time.Millisecond,
		CodeRunMemoryMB:      v.GetInt("sandbox.memory_mb"),
		CodeRunCPUShares:     v.GetInt("sandbox.cpu_shares"),
		WorkspaceRoot:        v.GetString("sandbox.workspace_root"),
		SandboxWorkers:       v.GetInt("sandbox.workers"),
		FeaturePatternSlots:  v.GetInt("features.pattern_slots"),
		FeatureCacheTTL:      cacheTTL,
		CommentDensityTarget: v.GetFloat64("scoring.comment_density_target"),
		NarrativeWordTarget:  v.GetInt("scoring.narrative_word_target"),
		BlendWeight:          v.GetFloat64("grading.blend_weight"),
		MinConfidence:        v.GetInt("grading.min_confidence"),
		BatchWorkers:         v.GetInt("grading.batch_workers"),
		MinCorpusSize:        v.GetInt("training.min_corpus"),
		RidgeLambda:          v.GetFloat64("training.ridge_lambda"),
		AutoRetrain:          v.GetBool("training.auto_retrain"),
		OpenAIAPIKey:         v.GetString("openai_api_key"),
		OpenAIBaseURL:        v.GetString("openai.base_url"),
		OpenAIModel:          v.GetString("openai.model"),
		CloudinaryCloudName:  v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:     v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:  v.GetString("cloudinary.api_secret"),
		CloudinaryFolder:     v.GetString("cloudinary.folder"),
	}

	if cfg.BlendWeight < 0 || cfg.BlendWeight > 1 {
		return Config{}, fmt.Errorf("grading blend weight must be within [0,1], got %v", cfg.BlendWeight)
	}

	if cfg.MinCorpusSize <= 0 {
		return Config{}, fmt.Errorf("training min corpus must be positive")
	}

	if cfg.CodeRunMemoryMB <= 0 {
		cfg.CodeRunMemoryMB = 512
	}

	if cfg.CodeRunCPUShares <= 0 {
		cfg.CodeRunCPUShares = 512
	}

	if cfg.SandboxWorkers <= 0 {
		cfg.SandboxWorkers = 4
	}

	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = 8
	}

	if cfg.FeaturePatternSlots < 0 {
		cfg.FeaturePatternSlots = 0
	}

	if cfg.RidgeLambda <= 0 {
		cfg.RidgeLambda = 1.0
	}

	return cfg, nil
}
