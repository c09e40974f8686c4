package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"storyverse/internal/offline"
	"storyverse/internal/progress"
)

// ConfigPath is used when READER_CONFIG is unset.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string           `yaml:"port"`
	LogLevel       string           `yaml:"logLevel"`
	CatalogPath    string           `yaml:"catalogPath"`
	TrustedProxies []string         `yaml:"trustedProxies"`
	AllowedOrigins []string         `yaml:"allowedOrigins"`
	DatabaseURL    string           `yaml:"databaseURL"`
	Redis          RedisConfig      `yaml:"redis"`
	Progress       ProgressConfig   `yaml:"progress"`
	Reader         ReaderConfig     `yaml:"reader"`
	Chat           ChatConfig       `yaml:"chat"`
	Engagement     EngagementConfig `yaml:"engagement"`
	Offline        OfflineConfig    `yaml:"offline"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

// ProgressConfig selects where the per-device record lives.
type ProgressConfig struct {
	Backend     string `yaml:"backend"` // memory | file | redis | postgres
	Dir         string `yaml:"dir"`
	RedisPrefix string `yaml:"redisPrefix"`
}

type ReaderConfig struct {
	DefaultZoom         float64 `yaml:"defaultZoom"`
	PrefetchMargin      float64 `yaml:"prefetchMargin"`
	RenderWorkers       int     `yaml:"renderWorkers"`
	MaxDocumentBytes    int64   `yaml:"maxDocumentBytes"`
	FetchTimeoutSeconds int     `yaml:"fetchTimeoutSeconds"`
}

type ChatConfig struct {
	Provider           string  `yaml:"provider"` // gemini | ollama | openai-compat
	APIKey             string  `yaml:"apiKey"`
	BaseURL            string  `yaml:"baseURL"`
	Model              string  `yaml:"model"`
	Temperature        float64 `yaml:"temperature"`
	TopP               float64 `yaml:"topP"`
	TopK               int     `yaml:"topK"`
	HistoryWindow      int     `yaml:"historyWindow"`
	RetryDelayMs       int     `yaml:"retryDelayMs"`
	RateLimitPerMinute int     `yaml:"rateLimitPerMinute"`
}

type EngagementConfig struct {
	Transport string `yaml:"transport"` // none | http | redis | amqp | nats
	URL       string `yaml:"url"`
	Secret    string `yaml:"secret"`
	Issuer    string `yaml:"issuer"`
	Stream    string `yaml:"stream"`
	AMQPURL   string `yaml:"amqpURL"`
	Exchange  string `yaml:"exchange"`
	NATSURL   string `yaml:"natsURL"`
	Subject   string `yaml:"subject"`
}

type OfflineConfig struct {
	Enabled     bool        `yaml:"enabled"`
	Backend     string      `yaml:"backend"` // disk | minio
	Dir         string      `yaml:"dir"`
	Version     string      `yaml:"version"`
	ShellAssets []string    `yaml:"shellAssets"`
	Minio       MinioConfig `yaml:"minio"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// PathFromEnv returns READER_CONFIG or ConfigPath.
func PathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("READER_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Override with environment variables
func applyEnv(cfg *FileConfig) error {
	if v := os.Getenv("READER_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("READER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("ENGAGEMENT_URL"); v != "" {
		cfg.Engagement.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Engagement.NATSURL = v
	}
	if v := os.Getenv("ENGAGEMENT_SECRET"); v != "" {
		cfg.Engagement.Secret = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Offline.Minio.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Offline.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Offline.Minio.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Offline.Minio.Bucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: invalid MINIO_USE_SSL %q", v)
		}
		cfg.Offline.Minio.UseSSL = b
	}
	return nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8090"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = "catalog.yaml"
	}
	if cfg.Progress.Backend == "" {
		cfg.Progress.Backend = "file"
	}
	if cfg.Progress.Dir == "" {
		cfg.Progress.Dir = "data/progress"
	}
	if cfg.Progress.RedisPrefix == "" {
		cfg.Progress.RedisPrefix = "reader:"
	}
	if cfg.Reader.DefaultZoom == 0 {
		cfg.Reader.DefaultZoom = 1.4
	}
	if cfg.Reader.PrefetchMargin == 0 {
		cfg.Reader.PrefetchMargin = 1000
	}
	if cfg.Reader.RenderWorkers == 0 {
		cfg.Reader.RenderWorkers = 2
	}
	if cfg.Reader.MaxDocumentBytes == 0 {
		cfg.Reader.MaxDocumentBytes = 64 << 20
	}
	if cfg.Reader.FetchTimeoutSeconds == 0 {
		cfg.Reader.FetchTimeoutSeconds = 60
	}
	if cfg.Chat.Provider == "" {
		cfg.Chat.Provider = "gemini"
	}
	if cfg.Chat.Model == "" && cfg.Chat.Provider == "gemini" {
		cfg.Chat.Model = "gemini-2.0-flash"
	}
	if cfg.Chat.HistoryWindow == 0 {
		cfg.Chat.HistoryWindow = 12
	}
	if cfg.Chat.RetryDelayMs == 0 {
		cfg.Chat.RetryDelayMs = 2000
	}
	if cfg.Engagement.Transport == "" {
		cfg.Engagement.Transport = "none"
		if cfg.Engagement.URL != "" {
			cfg.Engagement.Transport = "http"
		}
	}
	if cfg.Engagement.Issuer == "" {
		cfg.Engagement.Issuer = "storyverse-reader"
	}
	if cfg.Offline.Backend == "" {
		cfg.Offline.Backend = "disk"
	}
	if cfg.Offline.Dir == "" {
		cfg.Offline.Dir = "data/offline"
	}
	if cfg.Offline.Version == "" {
		cfg.Offline.Version = "reader-v1"
	}
}

func validateConfig(cfg FileConfig) error {
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return fmt.Errorf("config: port must be numeric, got %q", cfg.Port)
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown logLevel %q", cfg.LogLevel)
	}
	for _, origin := range cfg.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" || u.Path != "" {
			return fmt.Errorf("config: allowedOrigins entry %q must be scheme://host[:port]", origin)
		}
	}
	switch cfg.Progress.Backend {
	case "memory", "file":
	case "redis":
		if cfg.Redis.Addr == "" {
			return errors.New("config: redis.addr is required for the redis progress backend (set in config.yaml or REDIS_ADDR)")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres progress backend (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown progress.backend %q", cfg.Progress.Backend)
	}
	if cfg.Reader.DefaultZoom < 0.25 || cfg.Reader.DefaultZoom > 5 {
		return fmt.Errorf("config: reader.defaultZoom %.2f out of range [0.25, 5]", cfg.Reader.DefaultZoom)
	}
	if cfg.Reader.RenderWorkers < 0 || cfg.Reader.PrefetchMargin < 0 || cfg.Reader.MaxDocumentBytes < 0 {
		return errors.New("config: reader values must not be negative")
	}
	switch cfg.Chat.Provider {
	case "gemini", "ollama", "openai-compat":
	default:
		return fmt.Errorf("config: unknown chat.provider %q", cfg.Chat.Provider)
	}
	if cfg.Chat.Provider != "gemini" && cfg.Chat.Model == "" {
		return errors.New("config: chat.model is required (set in config.yaml)")
	}
	if cfg.Chat.Provider == "openai-compat" && cfg.Chat.BaseURL == "" {
		return errors.New("config: chat.baseURL is required for openai-compat")
	}
	if cfg.Chat.HistoryWindow < 0 || cfg.Chat.RetryDelayMs < 0 || cfg.Chat.RateLimitPerMinute < 0 {
		return errors.New("config: chat values must not be negative")
	}
	switch cfg.Engagement.Transport {
	case "none":
	case "http":
		if cfg.Engagement.URL == "" {
			return errors.New("config: engagement.url is required (set in config.yaml or ENGAGEMENT_URL)")
		}
		if cfg.Engagement.Secret != "" && len(cfg.Engagement.Secret) < 16 {
			return errors.New("config: engagement.secret must be at least 16 bytes")
		}
	case "redis":
		if cfg.Redis.Addr == "" {
			return errors.New("config: redis.addr is required for the redis engagement transport")
		}
	case "amqp":
		if cfg.Engagement.AMQPURL == "" {
			return errors.New("config: engagement.amqpURL is required for the amqp engagement transport")
		}
	case "nats":
		if cfg.Engagement.NATSURL == "" {
			return errors.New("config: engagement.natsURL is required for the nats engagement transport (set in config.yaml or NATS_URL)")
		}
	default:
		return fmt.Errorf("config: unknown engagement.transport %q", cfg.Engagement.Transport)
	}
	if cfg.Offline.Enabled {
		switch cfg.Offline.Backend {
		case "disk":
		case "minio":
			m := cfg.Offline.Minio
			if m.Endpoint == "" || m.AccessKey == "" || m.SecretKey == "" || m.Bucket == "" {
				return errors.New("config: offline.minio endpoint, accessKey, secretKey and bucket are required")
			}
		default:
			return fmt.Errorf("config: unknown offline.backend %q", cfg.Offline.Backend)
		}
		if strings.ContainsAny(cfg.Offline.Version, `/\`) {
			return fmt.Errorf("config: offline.version %q must not contain path separators", cfg.Offline.Version)
		}
	}
	return nil
}

// ProgressBackend maps the file config onto the progress store selector.
func (c FileConfig) ProgressBackend() progress.BackendConfig {
	return progress.BackendConfig{
		Backend:       c.Progress.Backend,
		Dir:           c.Progress.Dir,
		RedisAddr:     c.Redis.Addr,
		RedisPassword: c.Redis.Password,
		RedisPrefix:   c.Progress.RedisPrefix,
		DatabaseURL:   c.DatabaseURL,
	}
}

// OfflineBackend maps the file config onto the offline cache selector.
func (c FileConfig) OfflineBackend() offline.BackendConfig {
	m := c.Offline.Minio
	return offline.BackendConfig{
		Backend:        c.Offline.Backend,
		Dir:            c.Offline.Dir,
		MinioEndpoint:  m.Endpoint,
		MinioAccessKey: m.AccessKey,
		MinioSecretKey: m.SecretKey,
		MinioBucket:    m.Bucket,
		MinioUseSSL:    m.UseSSL,
	}
}
