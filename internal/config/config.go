package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BundlePath       string
	OutputDir        string
	OpenRouterAPIKey string
	Model            string
	RequestTimeout   time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	OutreachWorkers  int
	LogToConsole     bool
}

func LoadConfig() *Config {
	err := godotenv.Load() // Looks for ".env" in the current directory
	if err != nil {
		log.Println("No .env file found, using environment variables or default values")
	}

	return &Config{
		BundlePath:       getEnv("DATA_PATH", "data/patients.json"),
		OutputDir:        getEnv("OUTPUT_DIR", "output"),
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),
		Model:            getEnv("OPENROUTER_MODEL", "deepseek/deepseek-r1:free"),
		RequestTimeout:   time.Duration(getEnvInt("LLM_TIMEOUT_SECONDS", 30)) * time.Second,
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   time.Duration(getEnvInt("RETRY_BASE_DELAY_MS", 500)) * time.Millisecond,
		OutreachWorkers:  getEnvInt("OUTREACH_WORKERS", 3),
		LogToConsole:     strings.EqualFold(getEnv("LOG_TO_CONSOLE", "true"), "true"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid value %q for %s, using default %d", value, key, fallback)
		return fallback
	}
	return parsed
}
