package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Auth
	JWTSecret     string
	TokenTTLHours int

	// Upstream completion provider
	OpenRouterBaseURL string

	// Relay
	RelaySubscriberBufferSize int
	RelaySendTimeoutMillis    int
	RelayIdleTimeoutSeconds   int // 0 disables the idle watchdog
	RelayPersistTimeoutSecs   int

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string

	// Title generation
	TitleGeneration *TitleGenerationConfig `yaml:"title_generation"`
}

// TitleGenerationConfig holds the prompt and model used for chat title suggestions.
type TitleGenerationConfig struct {
	Prompt    string `yaml:"prompt"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

const defaultTitlePrompt = "Suggest a short, descriptive chat title for this conversation:"

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/quillchat?sslmode=disable"),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Auth
		JWTSecret:     getEnvOrDefault("JWT_SECRET", "dev-secret"),
		TokenTTLHours: getEnvAsInt("TOKEN_TTL_HOURS", 72),

		// Upstream
		OpenRouterBaseURL: getEnvOrDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),

		// Relay
		RelaySubscriberBufferSize: getEnvAsInt("RELAY_SUBSCRIBER_BUFFER_SIZE", 100),
		RelaySendTimeoutMillis:    getEnvAsInt("RELAY_SEND_TIMEOUT_MILLIS", 100),
		RelayIdleTimeoutSeconds:   getEnvAsInt("RELAY_IDLE_TIMEOUT_SECONDS", 300),
		RelayPersistTimeoutSecs:   getEnvAsInt("RELAY_PERSIST_TIMEOUT_SECONDS", 30),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Load settings from a configuration file when present. Only used for
	// settings that should not come from environment variables, like the
	// title generation prompt.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	if configFile, err := os.Open(configFilePath); err == nil {
		defer configFile.Close()
		log.Printf("Loading config file: %v", configFilePath)
		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if AppConfig.TitleGeneration == nil {
		AppConfig.TitleGeneration = &TitleGenerationConfig{}
	}
	if AppConfig.TitleGeneration.Prompt == "" {
		AppConfig.TitleGeneration.Prompt = defaultTitlePrompt
	}
	if AppConfig.TitleGeneration.MaxTokens == 0 {
		AppConfig.TitleGeneration.MaxTokens = 1000
	}

	if AppConfig.JWTSecret == "dev-secret" {
		log.Println("Warning: JWT_SECRET is not set, using insecure development default.")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// RelaySendTimeout returns the per-subscriber send timeout as a duration.
func (c *Config) RelaySendTimeout() time.Duration {
	return time.Duration(c.RelaySendTimeoutMillis) * time.Millisecond
}

// RelayIdleTimeout returns the idle watchdog window, zero when disabled.
func (c *Config) RelayIdleTimeout() time.Duration {
	return time.Duration(c.RelayIdleTimeoutSeconds) * time.Second
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
