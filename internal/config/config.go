package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Log           LogConfig           `yaml:"log"`
	Redis         RedisConfig         `yaml:"redis"`
	Proxy         ProxyConfig         `yaml:"proxy"`
	Supervisor    SupervisorConfig    `yaml:"supervisor"`
	Warmup        WarmupConfig        `yaml:"warmup"`
	Campaign      CampaignConfig      `yaml:"campaign"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// RedisConfig enables the shared rate limiter when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ProxyConfig tunes health checking and cleanup of the proxy pool.
type ProxyConfig struct {
	HealthTick       time.Duration `yaml:"health_tick"`
	BatchSize        int           `yaml:"batch_size"`
	BatchesPerTick   int           `yaml:"batches_per_tick"`
	BatchDelay       time.Duration `yaml:"batch_delay"`
	CheckConcurrency int           `yaml:"check_concurrency"`
	AssignedInterval time.Duration `yaml:"assigned_interval"`
	ActiveInterval   time.Duration `yaml:"active_interval"`
	OtherIntervalMin time.Duration `yaml:"other_interval_min"`
	OtherIntervalMax time.Duration `yaml:"other_interval_max"`
	ScoreFloor       float64       `yaml:"score_floor"`
	FraudCeiling     float64       `yaml:"fraud_ceiling"`
	SmoothingFactor  float64       `yaml:"smoothing_factor"`
	MaxPoolSize      int           `yaml:"max_pool_size"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	ProbeURL         string        `yaml:"probe_url"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
}

type SupervisorConfig struct {
	LivenessInterval time.Duration   `yaml:"liveness_interval"`
	Backoff          []time.Duration `yaml:"backoff"`
}

// StageConfig is one warmup stage.
type StageConfig struct {
	Name     string        `yaml:"name"`
	Duration time.Duration `yaml:"duration"`
}

type WarmupConfig struct {
	Tick   time.Duration `yaml:"tick"`
	Stages []StageConfig `yaml:"stages"`
}

type CampaignConfig struct {
	JitterPct float64 `yaml:"jitter_pct"`
}

// CollaboratorsConfig points at the external reply and behavior services.
type CollaboratorsConfig struct {
	ReplyURL    string        `yaml:"reply_url"`
	ActivityURL string        `yaml:"activity_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultBackoff is the reconnect schedule in seconds: 5..1800, ten attempts.
var DefaultBackoff = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
	900 * time.Second,
	1800 * time.Second,
}

// DefaultStages is the warmup progression used when the config names none.
var DefaultStages = []StageConfig{
	{Name: "initial-setup", Duration: 6 * time.Hour},
	{Name: "profile-completion", Duration: 12 * time.Hour},
	{Name: "contact-building", Duration: 24 * time.Hour},
	{Name: "group-joining", Duration: 48 * time.Hour},
	{Name: "conversation-starters", Duration: 72 * time.Hour},
	{Name: "activity-increase", Duration: 96 * time.Hour},
	{Name: "advanced-interactions", Duration: 120 * time.Hour},
	{Name: "stabilization", Duration: 168 * time.Hour},
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "9724"},
		Database: DatabaseConfig{DSN: "file:outreach.db?_foreign_keys=on"},
		Log:      LogConfig{Level: "info"},
		Proxy: ProxyConfig{
			HealthTick:       time.Minute,
			BatchSize:        50,
			BatchesPerTick:   4,
			BatchDelay:       2 * time.Second,
			CheckConcurrency: 10,
			AssignedInterval: 5 * time.Minute,
			ActiveInterval:   15 * time.Minute,
			OtherIntervalMin: 30 * time.Minute,
			OtherIntervalMax: 60 * time.Minute,
			ScoreFloor:       30,
			FraudCeiling:     0.7,
			SmoothingFactor:  0.3,
			MaxPoolSize:      20000,
			CleanupInterval:  time.Hour,
			ProbeURL:         "https://httpbin.org/get",
			ProbeTimeout:     10 * time.Second,
		},
		Supervisor: SupervisorConfig{
			LivenessInterval: 30 * time.Second,
			Backoff:          append([]time.Duration(nil), DefaultBackoff...),
		},
		Warmup: WarmupConfig{
			Tick:   time.Minute,
			Stages: append([]StageConfig(nil), DefaultStages...),
		},
		Campaign:      CampaignConfig{JitterPct: 0.5},
		Collaborators: CollaboratorsConfig{Timeout: 60 * time.Second},
	}
}

// Load reads the YAML file at path (if it exists) over the defaults and then
// applies environment overrides. A .env file in the working directory is honored.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("REPLY_URL"); v != "" {
		c.Collaborators.ReplyURL = v
	}
	if v := os.Getenv("ACTIVITY_URL"); v != "" {
		c.Collaborators.ActivityURL = v
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("config: database.dsn required")
	}
	if len(c.Supervisor.Backoff) == 0 {
		return errors.New("config: supervisor.backoff must not be empty")
	}
	if len(c.Warmup.Stages) == 0 {
		return errors.New("config: warmup.stages must not be empty")
	}
	if c.Proxy.FraudCeiling < 0 || c.Proxy.FraudCeiling > 1 {
		return fmt.Errorf("config: proxy.fraud_ceiling %.2f out of range 0..1", c.Proxy.FraudCeiling)
	}
	if c.Proxy.OtherIntervalMax < c.Proxy.OtherIntervalMin {
		c.Proxy.OtherIntervalMax = c.Proxy.OtherIntervalMin
	}
	return nil
}

// StageDurations flattens the warmup stages.
func (w WarmupConfig) StageDurations() []time.Duration {
	out := make([]time.Duration, len(w.Stages))
	for i, s := range w.Stages {
		out[i] = s.Duration
	}
	return out
}

// StageNames flattens the warmup stage names.
func (w WarmupConfig) StageNames() []string {
	out := make([]string, len(w.Stages))
	for i, s := range w.Stages {
		out[i] = s.Name
	}
	return out
}
