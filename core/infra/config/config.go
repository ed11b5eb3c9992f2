package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	defaultComfyBase  = "http://127.0.0.1:8188"
	defaultRedisURL   = "redis://localhost:6379"
	defaultInstallDir = "/workspace/ComfyUI"

	envComfyBase         = "COMFYUI_API_BASE"
	envCacheType         = "API_CACHE"
	envRedisURL          = "REDIS_URL"
	envInstallDir        = "COMFYUI_INSTALL_PATH"
	envWorkersConfigPath = "WORKERS_CONFIG_PATH"
	envListenAddr        = "LISTEN_ADDR"
	envMetricsAddr       = "METRICS_ADDR"

	envPreprocessWorkers  = "PREPROCESS_WORKERS"
	envGenerationWorkers  = "GENERATION_WORKERS"
	envPostprocessWorkers = "POSTPROCESS_WORKERS"

	envS3AccessKey   = "S3_ACCESS_KEY_ID"
	envS3SecretKey   = "S3_SECRET_ACCESS_KEY"
	envS3EndpointURL = "S3_ENDPOINT_URL"
	envS3Bucket      = "S3_BUCKET_NAME"
	envS3Region      = "S3_REGION"

	envWebhookURL     = "WEBHOOK_URL"
	envWebhookTimeout = "WEBHOOK_TIMEOUT"
)

// Config holds runtime configuration for the API wrapper.
type Config struct {
	// Backend endpoints, derived from the ComfyUI base URL.
	ComfyBaseURL      string
	ComfyPromptURL    string
	ComfyHistoryURL   string
	ComfyInterruptURL string
	ComfyWebsocketURL string

	CacheType string // "memory" or "redis"
	RedisURL  string

	InputDir  string
	OutputDir string

	ListenAddr  string
	MetricsAddr string

	Workers WorkerCounts

	S3AccessKey   string
	S3SecretKey   string
	S3EndpointURL string
	S3Bucket      string
	S3Region      string

	WebhookURL     string
	WebhookTimeout int // seconds

	WorkersConfigPath string
}

// WorkerCounts holds the pool size per stage.
type WorkerCounts struct {
	Preprocess  int `yaml:"preprocess"`
	Generation  int `yaml:"generation"`
	Postprocess int `yaml:"postprocess"`
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	base := strings.TrimRight(getenv(envComfyBase, defaultComfyBase), "/")

	cacheType := "memory"
	if strings.EqualFold(os.Getenv(envCacheType), "redis") {
		cacheType = "redis"
	}

	installDir := strings.TrimRight(getenv(envInstallDir, defaultInstallDir), "/")

	return &Config{
		ComfyBaseURL:      base,
		ComfyPromptURL:    base + "/prompt",
		ComfyHistoryURL:   base + "/history",
		ComfyInterruptURL: base + "/api/interrupt",
		ComfyWebsocketURL: websocketURL(base) + "/ws",

		CacheType: cacheType,
		RedisURL:  getenv(envRedisURL, defaultRedisURL),

		InputDir:  installDir + "/input",
		OutputDir: installDir + "/output",

		ListenAddr:  getenv(envListenAddr, ":8000"),
		MetricsAddr: getenv(envMetricsAddr, ":9090"),

		Workers: WorkerCounts{
			Preprocess:  getenvInt(envPreprocessWorkers, 2),
			Generation:  getenvInt(envGenerationWorkers, 1),
			Postprocess: getenvInt(envPostprocessWorkers, 2),
		},

		S3AccessKey:   os.Getenv(envS3AccessKey),
		S3SecretKey:   os.Getenv(envS3SecretKey),
		S3EndpointURL: os.Getenv(envS3EndpointURL),
		S3Bucket:      os.Getenv(envS3Bucket),
		S3Region:      os.Getenv(envS3Region),

		WebhookURL:     os.Getenv(envWebhookURL),
		WebhookTimeout: getenvInt(envWebhookTimeout, 30),

		WorkersConfigPath: os.Getenv(envWorkersConfigPath),
	}
}

// S3Enabled reports whether the process-wide S3 fallback is fully configured.
func (c *Config) S3Enabled() bool {
	return c.S3AccessKey != "" && c.S3SecretKey != "" && c.S3Bucket != ""
}

// WebhookEnabled reports whether the process-wide webhook fallback is configured.
func (c *Config) WebhookEnabled() bool {
	return c.WebhookURL != ""
}

func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
