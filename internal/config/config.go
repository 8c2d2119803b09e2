package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when PROMPTDOCK_CONFIG is unset. It is optional.
const DefaultConfigFile = "promptdock.yaml"

type Config struct {
	Addr          string `yaml:"addr"`
	LogLevel      string `yaml:"log_level"`
	DatabaseURL   string `yaml:"database_url"`
	MigrationsDir string `yaml:"migrations_dir"`
	TokenSecret   string `yaml:"token_secret"`
	CORSOrigin    string `yaml:"cors_origin"`
	// Local store
	RedisURL      string `yaml:"redis_url"`
	Namespace     string `yaml:"namespace"`
	MaxValueBytes int    `yaml:"max_value_bytes"`
	CacheMaxBytes int64  `yaml:"cache_max_bytes"`
	// Undo and sync
	UndoWindow      time.Duration `yaml:"undo_window"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
	SyncConcurrency int           `yaml:"sync_concurrency"`
	// Revision history
	HistoryDir string `yaml:"history_dir"`
	// Search
	MeiliURL       string `yaml:"meili_url"`
	MeiliMasterKey string `yaml:"meili_master_key"`
	// Snapshot backups
	BackupEndpoint  string `yaml:"backup_endpoint"`
	BackupAccessKey string `yaml:"backup_access_key"`
	BackupSecretKey string `yaml:"backup_secret_key"`
	BackupBucket    string `yaml:"backup_bucket"`
	BackupUseSSL    bool   `yaml:"backup_use_ssl"`
}

func Defaults() Config {
	return Config{
		Addr:            ":8790",
		LogLevel:        "info",
		DatabaseURL:     "",
		MigrationsDir:   "./db/migrations",
		TokenSecret:     "promptdock-dev-secret",
		CORSOrigin:      "*",
		RedisURL:        "redis://localhost:6379/0",
		Namespace:       "promptdock:",
		MaxValueBytes:   5 << 20,
		CacheMaxBytes:   32 << 20,
		UndoWindow:      5 * time.Second,
		SyncInterval:    30 * time.Second,
		SyncConcurrency: 4,
		HistoryDir:      "./data/history",
		BackupBucket:    "promptdock-snapshots",
	}
}

// Load reads defaults < YAML file < environment.
func Load() (Config, error) {
	return LoadFrom(getenv("PROMPTDOCK_CONFIG", DefaultConfigFile))
}

func LoadFrom(path string) (Config, error) {
	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return Config{}, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config validate: %w", err)
	}
	return cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *Config) {
	cfg.Addr = getenv("PROMPTDOCK_ADDR", cfg.Addr)
	cfg.LogLevel = getenv("PROMPTDOCK_LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	cfg.MigrationsDir = getenv("PROMPTDOCK_MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.TokenSecret = getenv("PROMPTDOCK_TOKEN_SECRET", cfg.TokenSecret)
	cfg.CORSOrigin = getenv("PROMPTDOCK_CORS_ORIGIN", cfg.CORSOrigin)
	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.Namespace = getenv("PROMPTDOCK_NAMESPACE", cfg.Namespace)
	cfg.MaxValueBytes = getenvInt("PROMPTDOCK_MAX_VALUE_BYTES", cfg.MaxValueBytes)
	cfg.CacheMaxBytes = int64(getenvInt("PROMPTDOCK_CACHE_MAX_BYTES", int(cfg.CacheMaxBytes)))
	cfg.UndoWindow = getenvDuration("PROMPTDOCK_UNDO_WINDOW", cfg.UndoWindow)
	cfg.SyncInterval = getenvDuration("PROMPTDOCK_SYNC_INTERVAL", cfg.SyncInterval)
	cfg.SyncConcurrency = getenvInt("PROMPTDOCK_SYNC_CONCURRENCY", cfg.SyncConcurrency)
	cfg.HistoryDir = getenv("PROMPTDOCK_HISTORY_DIR", cfg.HistoryDir)
	cfg.MeiliURL = getenv("MEILI_URL", cfg.MeiliURL)
	cfg.MeiliMasterKey = getenv("MEILI_MASTER_KEY", cfg.MeiliMasterKey)
	cfg.BackupEndpoint = getenv("BACKUP_ENDPOINT", cfg.BackupEndpoint)
	cfg.BackupAccessKey = getenv("BACKUP_ACCESS_KEY", cfg.BackupAccessKey)
	cfg.BackupSecretKey = getenv("BACKUP_SECRET_KEY", cfg.BackupSecretKey)
	cfg.BackupBucket = getenv("BACKUP_BUCKET", cfg.BackupBucket)
	cfg.BackupUseSSL = getenvBool("BACKUP_USE_SSL", cfg.BackupUseSSL)
}

func validate(cfg Config) error {
	if cfg.Namespace == "" {
		return errors.New("namespace must not be empty")
	}
	if cfg.UndoWindow <= 0 {
		return errors.New("undo window must be positive")
	}
	if cfg.SyncConcurrency < 1 {
		return errors.New("sync concurrency must be at least 1")
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
