package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Fundingflow FundingflowConfig `yaml:"fundingflow"`
	API         APIConfig         `yaml:"api"`
	Market      MarketConfig      `yaml:"market"`
	Leverage    LeverageConfig    `yaml:"leverage"`
	Cache       CacheConfig       `yaml:"cache"`
	Database    DatabaseConfig    `yaml:"database"`
	Vault       VaultConfig       `yaml:"vault"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type FundingflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type APIConfig struct {
	Address string `yaml:"address"`
}

type MarketConfig struct {
	SnapshotTTL     time.Duration `yaml:"snapshot_ttl"`
	StaleFactor     float64       `yaml:"stale_factor"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	FanoutBudget    time.Duration `yaml:"fanout_budget"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
}

type LeverageConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type VaultConfig struct {
	Secret string `yaml:"secret"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	Prefix  string `yaml:"prefix"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Market: MarketConfig{
			SnapshotTTL:     60 * time.Second,
			StaleFactor:     30,
			ExchangeTimeout: 25 * time.Second,
			RequestTimeout:  10 * time.Second,
			FanoutBudget:    12 * time.Second,
			MaxConcurrency:  8,
		},
		Leverage: LeverageConfig{
			Enabled: true,
			TTL:     time.Hour,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Deployment secrets come from the environment, never the yaml file.
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		config.Cache.Redis.Address = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Cache.Redis.Password = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		config.Database.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("VAULT_SECRET"); v != "" {
		config.Vault.Secret = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Fundingflow.Name == "" {
		return fmt.Errorf("fundingflow.name is required")
	}
	if cfg.Fundingflow.Version == "" {
		return fmt.Errorf("fundingflow.version is required")
	}

	if cfg.API.Address == "" {
		return fmt.Errorf("api.address is required")
	}

	if cfg.Market.SnapshotTTL <= 0 {
		return fmt.Errorf("market.snapshot_ttl must be greater than 0")
	}
	if cfg.Market.StaleFactor <= 0 {
		return fmt.Errorf("market.stale_factor must be greater than 0")
	}
	if cfg.Market.ExchangeTimeout <= 0 {
		return fmt.Errorf("market.exchange_timeout must be greater than 0")
	}
	if cfg.Market.RequestTimeout <= 0 {
		return fmt.Errorf("market.request_timeout must be greater than 0")
	}
	if cfg.Market.FanoutBudget <= 0 {
		return fmt.Errorf("market.fanout_budget must be greater than 0")
	}
	if cfg.Market.MaxConcurrency <= 0 {
		return fmt.Errorf("market.max_concurrency must be greater than 0")
	}

	if cfg.Database.Enabled && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when the database is enabled")
	}

	// Replicas only agree on snapshots through the shared cache.
	if IsProductionLike(AppEnvironment()) && cfg.Cache.Redis.Address == "" {
		return fmt.Errorf("cache.redis.address is required in %s", AppEnvironment())
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
