package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigParsesAndDefaults(t *testing.T) {
	path := writeConfig(t, `fundingflow:
  name: TestApp
  version: 1.0.0
api:
  address: ":8080"
market:
  snapshot_ttl: 30s
logging:
  level: debug
  format: json
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Fundingflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Fundingflow.Name)
	}
	if cfg.Market.SnapshotTTL != 30*time.Second {
		t.Errorf("snapshot_ttl: got %v", cfg.Market.SnapshotTTL)
	}
	// unset knobs keep their defaults
	if cfg.Market.StaleFactor != 30 {
		t.Errorf("stale_factor default: got %v", cfg.Market.StaleFactor)
	}
	if cfg.Market.MaxConcurrency != 8 {
		t.Errorf("max_concurrency default: got %v", cfg.Market.MaxConcurrency)
	}
	if !cfg.Leverage.Enabled || cfg.Leverage.TTL != time.Hour {
		t.Errorf("leverage defaults: %+v", cfg.Leverage)
	}
}

func TestLoadConfigRequiresNameAndAddress(t *testing.T) {
	path := writeConfig(t, `fundingflow:
  version: 1.0.0
api:
  address: ":8080"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Error("missing name must fail validation")
	}

	path = writeConfig(t, `fundingflow:
  name: TestApp
  version: 1.0.0
`)
	if _, err := LoadConfig(path); err == nil {
		t.Error("missing api.address must fail validation")
	}
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDRESS", "redis.internal:6379")
	t.Setenv("DATABASE_DSN", "postgres://override")

	path := writeConfig(t, `fundingflow:
  name: TestApp
  version: 1.0.0
api:
  address: ":8080"
cache:
  redis:
    address: localhost:6379
database:
  enabled: true
  dsn: postgres://file
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Cache.Redis.Address != "redis.internal:6379" {
		t.Errorf("redis override: got %s", cfg.Cache.Redis.Address)
	}
	if cfg.Database.DSN != "postgres://override" {
		t.Errorf("dsn override: got %s", cfg.Database.DSN)
	}
}

func TestLoadConfigProductionRequiresRedis(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	path := writeConfig(t, `fundingflow:
  name: TestApp
  version: 1.0.0
api:
  address: ":8080"
`)
	if _, err := LoadConfig(path); err == nil {
		t.Error("production without a redis address must fail validation")
	}

	t.Setenv("REDIS_ADDRESS", "redis.internal:6379")
	if _, err := LoadConfig(path); err != nil {
		t.Errorf("redis via environment should satisfy production validation: %v", err)
	}
}

func TestLoadConfigS3Validation(t *testing.T) {
	path := writeConfig(t, `fundingflow:
  name: TestApp
  version: 1.0.0
api:
  address: ":8080"
storage:
  s3:
    enabled: true
    bucket: "Invalid_Bucket"
    region: us-east-1
`)
	if _, err := LoadConfig(path); err == nil {
		t.Error("invalid bucket name must fail validation")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	valid := []string{"funding-archive", "a.b-c", "abc"}
	invalid := []string{"ab", "UPPER", "double..dot", ".lead", "trail."}
	for _, name := range valid {
		if !isValidS3Bucket(name) {
			t.Errorf("%q should be valid", name)
		}
	}
	for _, name := range invalid {
		if isValidS3Bucket(name) {
			t.Errorf("%q should be invalid", name)
		}
	}
}
