package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration. It is loaded once at startup and
// shared read-only by every connection.
type Config struct {
	Host            string
	Port            int
	GeminiAPIKey    string
	Model           string
	Voice           string
	MediaResolution string
	SystemPrompt    string
	AllowedOrigins  []string
	MaxConnections  int
	ReadLimit       int64         // Maximum client message size in bytes
	WriteTimeout    time.Duration // Deadline for each write to the client
	RedisURL        string        // Empty disables the presence registry
	RedisPassword   string
	SessionTTL      time.Duration
	LogLevel        string
	LogFormat       string // "text" or "json"
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// .env.local wins over .env; neither is required
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	config := &Config{
		Host:            "0.0.0.0",
		Port:            8765,
		Model:           "models/gemini-2.5-flash-native-audio-preview-09-2025",
		Voice:           "Zephyr",
		MediaResolution: "MEDIA_RESOLUTION_MEDIUM",
		AllowedOrigins:  []string{"*"},
		MaxConnections:  100,
		ReadLimit:       512 * 1024,
		WriteTimeout:    10 * time.Second,
		SessionTTL:      30 * time.Minute,
		LogLevel:        "info",
		LogFormat:       "text",
	}

	// Required: GEMINI_API_KEY
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if config.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	if host := os.Getenv("HOST"); host != "" {
		config.Host = host
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		config.Model = model
	}

	if voice := os.Getenv("GEMINI_VOICE"); voice != "" {
		config.Voice = voice
	}

	if res := os.Getenv("MEDIA_RESOLUTION"); res != "" {
		switch res {
		case "MEDIA_RESOLUTION_LOW", "MEDIA_RESOLUTION_MEDIUM", "MEDIA_RESOLUTION_HIGH":
			config.MediaResolution = res
		default:
			return nil, fmt.Errorf("invalid MEDIA_RESOLUTION: %q", res)
		}
	}

	config.SystemPrompt = os.Getenv("SYSTEM_PROMPT")

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, o)
			}
		}
	}

	if maxConns := os.Getenv("MAX_CONNECTIONS"); maxConns != "" {
		m, err := strconv.Atoi(maxConns)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_CONNECTIONS: %w", err)
		}
		config.MaxConnections = m
	}

	// Optional: READ_LIMIT (in bytes)
	if limit := os.Getenv("READ_LIMIT"); limit != "" {
		l, err := strconv.ParseInt(limit, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid READ_LIMIT: %w", err)
		}
		config.ReadLimit = l
	}

	// Optional: WRITE_TIMEOUT (in seconds)
	if timeout := os.Getenv("WRITE_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
		}
		config.WriteTimeout = time.Duration(t) * time.Second
	}

	config.RedisURL = os.Getenv("REDIS_URL")
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Optional: SESSION_TTL (in minutes)
	if ttl := os.Getenv("SESSION_TTL"); ttl != "" {
		t, err := strconv.Atoi(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TTL: %w", err)
		}
		if t <= 0 {
			return nil, fmt.Errorf("invalid SESSION_TTL: must be a positive number of minutes")
		}
		config.SessionTTL = time.Duration(t) * time.Minute
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = strings.ToLower(level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		switch format {
		case "text", "json":
			config.LogFormat = format
		default:
			return nil, fmt.Errorf("invalid LOG_FORMAT: must be 'text' or 'json'")
		}
	}

	return config, nil
}
