package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the application.
// The values are loaded from environment variables.
type AppConfig struct {
	// Core settings
	Port         string
	DatabasePath string
	LogLevel     string

	// Security settings
	JWTSecret          string
	MaxUploadSizeBytes int64
	AllowedOrigins     []string

	// Upload quota: completed imports allowed per user in a rolling 24h window
	UploadLimit int

	// AI mapping service (OpenAI-compatible chat completions)
	AIProvider string
	AIBaseURL  string
	AIAPIKey   string
	AIModel    string
	AITimeout  time.Duration

	// Ingestion tuning
	MappingConfidenceThreshold float64
	FormatMatchThreshold       float64
	ImportTimezone             *time.Location
	BatchRetention             time.Duration
}

// Cfg is a global instance of the AppConfig.
var Cfg *AppConfig

// LoadConfig loads configuration from environment variables or a .env file.
// It sets Cfg and returns it so the bootstrap can pass it on explicitly.
func LoadConfig() *AppConfig {
	errEnv := godotenv.Load()
	if errEnv != nil {
		errEnv = godotenv.Load("../.env")
	}

	if errEnv != nil {
		if os.IsNotExist(errEnv) {
			log.Println("Info: No .env file found in current or parent directory. Relying on OS environment variables.")
		} else {
			log.Printf("Warning: Error loading .env file: %v. Relying on OS environment variables.", errEnv)
		}
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	maxUploadSizeBytesStr := getEnv("MAX_UPLOAD_SIZE_BYTES", "10485760") // 10MB default
	maxUploadSizeBytes, err := strconv.ParseInt(maxUploadSizeBytesStr, 10, 64)
	if err != nil {
		log.Printf("WARNING: Invalid MAX_UPLOAD_SIZE_BYTES format '%s'. Using default 10MB. Error: %v", maxUploadSizeBytesStr, err)
		maxUploadSizeBytes = 10 * 1024 * 1024
	}

	Cfg = &AppConfig{
		Port:         getEnv("PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "./tradejournal.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		JWTSecret:          getRequiredEnv("JWT_SECRET"),
		MaxUploadSizeBytes: maxUploadSizeBytes,
		AllowedOrigins:     getEnvAsList("ALLOWED_ORIGINS", "http://localhost:3000"),

		UploadLimit: getEnvAsInt("UPLOAD_LIMIT", 50),

		AIProvider: getEnv("AI_PROVIDER", "openai"),
		AIBaseURL:  getEnv("AI_BASE_URL", "https://api.openai.com"),
		AIAPIKey:   getEnv("AI_API_KEY", ""),
		AIModel:    getEnv("AI_MODEL", "gpt-4o-mini"),
		AITimeout:  getEnvAsDuration("AI_TIMEOUT", 30*time.Second),

		MappingConfidenceThreshold: getEnvAsFloat("MAPPING_CONFIDENCE_THRESHOLD", 0.7),
		FormatMatchThreshold:       getEnvAsFloat("FORMAT_MATCH_THRESHOLD", 0.85),
		ImportTimezone:             getEnvAsLocation("IMPORT_TIMEZONE", time.UTC),
		BatchRetention:             getEnvAsDuration("BATCH_RETENTION", 72*time.Hour),
	}

	if Cfg.AIAPIKey == "" {
		log.Println("Info: AI_API_KEY not set. Low-confidence mappings go to review without an AI proposal.")
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, AIModel=%s",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.AIModel)
	return Cfg
}

// getEnv retrieves an environment variable or returns a fallback value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getRequiredEnv retrieves an environment variable or terminates the application if not set.
func getRequiredEnv(key string) string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set or is empty. Application cannot start securely.", key)
	}
	return value
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil || value <= 0 || value > 1 {
		log.Printf("Invalid ratio value for %s ('%s'), using default: %.2f", key, valueStr, fallback)
		return fallback
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a time.Duration or returns a fallback.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}

func getEnvAsLocation(key string, fallback *time.Location) *time.Location {
	name := getEnv(key, "")
	if name == "" {
		return fallback
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("Invalid time zone for %s ('%s'), using default: %s", key, name, fallback.String())
		return fallback
	}
	return loc
}

// getEnvAsList parses a comma-separated variable into trimmed, non-empty items.
func getEnvAsList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	items := []string{}
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
