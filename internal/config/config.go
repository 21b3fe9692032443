package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime configuration for the generation gateway. It is loaded once
// and passed by value; nothing reads the environment after startup.
type Config struct {
	Env         string
	HTTPPort    string
	LogLevel    string
	APIKey      string
	MetricsPath string

	EngineURL        string
	ModelName        string
	FilenamePrefix   string
	DefaultSteps     int
	DefaultCFG       float64
	DefaultWidth     int
	DefaultHeight    int
	EnableSafety     bool
	PollInterval     time.Duration
	JobTimeout       time.Duration
	SubmitTimeout    time.Duration
	HealthTimeout    time.Duration
	ArtifactMaxBytes int64

	CallbackTimeout time.Duration
	ShutdownTimeout time.Duration

	OutputDir         string
	AuditLogPath      string
	AuditPostgresDSN  string
	OutputS3Bucket    string
	OutputS3Region    string
	OutputS3Endpoint  string
	OutputS3PathStyle bool

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64
}

// Load reads configuration from .env files (when present) and environment
// variables, falling back to defaults suited to a single-GPU deployment.
func Load() Config {
	_ = godotenv.Load(".env", ".env.local")

	outputDir := getEnv("OUTPUT_DIR", "/workspace/ComfyUI/output")
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		APIKey:      getEnv("API_KEY", ""),
		MetricsPath: getEnv("METRICS_PATH", "/metrics"),

		EngineURL:        strings.TrimRight(getEnv("COMFYUI_URL", "http://127.0.0.1:8188"), "/"),
		ModelName:        getEnv("MODEL_NAME", "juggernautXL_v9.safetensors"),
		FilenamePrefix:   getEnv("FILENAME_PREFIX", "gateway"),
		DefaultSteps:     getEnvInt("DEFAULT_STEPS", 32),
		DefaultCFG:       getEnvFloat("DEFAULT_CFG", 6.0),
		DefaultWidth:     getEnvInt("DEFAULT_WIDTH", 1024),
		DefaultHeight:    getEnvInt("DEFAULT_HEIGHT", 1024),
		EnableSafety:     getEnvBool("ENABLE_SAFETY", true),
		PollInterval:     getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		JobTimeout:       getEnvDuration("JOB_TIMEOUT", DefaultJobTimeout),
		SubmitTimeout:    getEnvDuration("SUBMIT_TIMEOUT", 30*time.Second),
		HealthTimeout:    getEnvDuration("HEALTH_TIMEOUT", 5*time.Second),
		ArtifactMaxBytes: int64(getEnvInt("ARTIFACT_MAX_BYTES", 64*1024*1024)),

		CallbackTimeout: getEnvDuration("CALLBACK_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", DefaultJobTimeout+30*time.Second),

		OutputDir:         outputDir,
		AuditLogPath:      getEnv("AUDIT_LOG_PATH", outputDir+"/audit.jsonl"),
		AuditPostgresDSN:  getEnv("AUDIT_POSTGRES_DSN", ""),
		OutputS3Bucket:    getEnv("OUTPUT_S3_BUCKET", ""),
		OutputS3Region:    getEnv("OUTPUT_S3_REGION", "us-east-1"),
		OutputS3Endpoint:  getEnv("OUTPUT_S3_ENDPOINT", ""),
		OutputS3PathStyle: getEnvBool("OUTPUT_S3_PATH_STYLE", false),

		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 0),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 1),
	}
}

// Poll cadence and deadline. The deadline is sized for cold-start model loading.
const (
	DefaultPollInterval = time.Second
	DefaultJobTimeout   = 300 * time.Second
)

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
