package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port            string
	Env             string
	CORSAllowOrigin []string
	DatabaseURL     string

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	SSEKMSKeyID     string

	GuidelineLibraryPath string

	LLMProvider       string
	LLMModel          string
	ReasoningEffort   string
	MockResponsesFile string

	JobConcurrency    int64
	JobStagger        time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	for _, path := range []string{".env", "cmd/.env"} {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			log.Printf("config: load %s: %v", path, err)
		}
	}

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		Env:             env,
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		DatabaseURL:     dbURL,

		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),

		GuidelineLibraryPath: getEnv("GUIDELINE_LIBRARY_PATH", "prompt_library.xml"),

		LLMProvider:       normalizeProvider(getEnv("LLM_PROVIDER", "openai")),
		LLMModel:          getEnv("LLM_MODEL", "o3-pro"),
		ReasoningEffort:   getEnv("LLM_REASONING_EFFORT", "medium"),
		MockResponsesFile: getEnv("MOCK_RESPONSES_FILE", ""),

		JobConcurrency:    int64(getEnvInt("JOB_CONCURRENCY", 3)),
		JobStagger:        getEnvSeconds("JOB_STAGGER_SECONDS", 5),
		HeartbeatInterval: getEnvSeconds("HEARTBEAT_INTERVAL_SECONDS", 5),
		StaleAfter:        getEnvSeconds("STALE_AFTER_SECONDS", 120),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return def
	}
	return val
}

func getEnvSeconds(key string, def int) time.Duration {
	return time.Duration(getEnvInt(key, def)) * time.Second
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

func normalizeProvider(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "mock":
		return "mock"
	default:
		return "openai"
	}
}
