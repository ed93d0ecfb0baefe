// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type AdminConfig struct {
	Port      int    `yaml:"port"`
	APIKey    string `yaml:"api_key"`
	JWTSecret string `yaml:"jwt_secret"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type AIConfig struct {
	OpenAIKey       string        `yaml:"openai_key"`
	GeminiKey       string        `yaml:"gemini_key"`
	GeminiURL       string        `yaml:"gemini_url"`
	DefaultModel    string        `yaml:"default_model"`
	VerifyModel     string        `yaml:"verify_model"` // L2 runs on an independent model when set
	SpamModel       string        `yaml:"spam_model"`
	MaxTokens       int           `yaml:"max_tokens"`
	Temperature     float64       `yaml:"temperature"`
	ConcurrentLimit int           `yaml:"concurrent_limit"` // max concurrent direct AI calls
	CallTimeout     time.Duration `yaml:"call_timeout"`
}

type BatchConfig struct {
	MinBatchSize     int           `yaml:"min_batch_size"`     // flush floor
	MaxBatchSize     int           `yaml:"max_batch_size"`     // forced-flush ceiling
	ProviderJobLimit int           `yaml:"provider_job_limit"` // hard per-job cap on the provider side
	MaxWait          time.Duration `yaml:"max_wait"`           // oldest-pending age that forces a flush
	PollInterval     time.Duration `yaml:"poll_interval"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	CompletionWindow time.Duration `yaml:"completion_window"` // provider-side deadline
	SubmitHours      []int         `yaml:"submit_hours"`      // preferred low-load hours (local), empty = any
}

type AnalysisConfig struct {
	SpamFilterEnabled   bool          `yaml:"spam_filter_enabled"`
	SpamConfidenceMin   float64       `yaml:"spam_confidence_min"`   // L0 verdict threshold
	DivergenceThreshold float64       `yaml:"divergence_threshold"`  // above -> needs review
	ConfidenceFloor     float64       `yaml:"confidence_floor"`      // L2 confidence below -> needs review
	LeaseTTL            time.Duration `yaml:"lease_ttl"`             // claim duration per layer call
	BacklogAge          time.Duration `yaml:"backlog_age"`           // stale cutoff for the sweep
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	SweepWorkers        int           `yaml:"sweep_workers"`
	SweepBatchLimit     int           `yaml:"sweep_batch_limit"`
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Admin    AdminConfig    `yaml:"admin"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	AI       AIConfig       `yaml:"ai"`
	Batch    BatchConfig    `yaml:"batch"`
	Analysis AnalysisConfig `yaml:"analysis"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if !dev && cfg.AI.OpenAIKey == "" && cfg.AI.GeminiKey == "" {
		return nil, errors.New("ai.openai_key or ai.gemini_key is required")
	}
	for _, h := range cfg.Batch.SubmitHours {
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("batch.submit_hours: %d out of range", h)
		}
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "gpt-4o-mini"
	}
	if cfg.AI.MaxTokens <= 0 {
		cfg.AI.MaxTokens = 1024
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 8
	}
	if cfg.AI.CallTimeout <= 0 {
		cfg.AI.CallTimeout = 60 * time.Second
	}
	if cfg.Batch.MinBatchSize <= 0 {
		cfg.Batch.MinBatchSize = 10
	}
	if cfg.Batch.MaxBatchSize <= 0 {
		cfg.Batch.MaxBatchSize = 500
	}
	if cfg.Batch.ProviderJobLimit <= 0 {
		cfg.Batch.ProviderJobLimit = 50000
	}
	if cfg.Batch.MaxWait <= 0 {
		cfg.Batch.MaxWait = 30 * time.Minute
	}
	if cfg.Batch.PollInterval <= 0 {
		cfg.Batch.PollInterval = time.Minute
	}
	if cfg.Batch.FlushInterval <= 0 {
		cfg.Batch.FlushInterval = time.Minute
	}
	if cfg.Batch.CompletionWindow <= 0 {
		cfg.Batch.CompletionWindow = 24 * time.Hour
	}
	if cfg.Analysis.SpamConfidenceMin <= 0 {
		cfg.Analysis.SpamConfidenceMin = 0.85
	}
	if cfg.Analysis.DivergenceThreshold <= 0 {
		cfg.Analysis.DivergenceThreshold = 0.35
	}
	if cfg.Analysis.ConfidenceFloor <= 0 {
		cfg.Analysis.ConfidenceFloor = 0.5
	}
	if cfg.Analysis.LeaseTTL <= 0 {
		cfg.Analysis.LeaseTTL = 10 * time.Minute
	}
	if cfg.Analysis.BacklogAge <= 0 {
		cfg.Analysis.BacklogAge = 48 * time.Hour
	}
	if cfg.Analysis.SweepInterval <= 0 {
		cfg.Analysis.SweepInterval = time.Hour
	}
	if cfg.Analysis.SweepWorkers <= 0 {
		cfg.Analysis.SweepWorkers = 4
	}
	if cfg.Analysis.SweepBatchLimit <= 0 {
		cfg.Analysis.SweepBatchLimit = 50
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
