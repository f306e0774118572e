package profile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the main server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for server
	Addr string
	// Port is the binding port for server
	Port int
	// Data is the data directory
	Data string
	// DSN points to where compass stores its own data
	DSN string
	// Driver is the database driver (sqlite or postgres)
	Driver string
	// Version is the current version of server
	Version string

	// LLM configuration
	LLMProvider string // COMPASS_LLM_PROVIDER (default: openai)
	LLMAPIKey   string // COMPASS_LLM_API_KEY
	LLMBaseURL  string // COMPASS_LLM_BASE_URL
	LLMModel    string // COMPASS_LLM_MODEL (default: gpt-4o-mini)

	// Chat tuning
	CompressionThreshold int           // COMPASS_CHAT_COMPRESSION_THRESHOLD (default: 20)
	TailMessagesKept     int           // COMPASS_CHAT_TAIL_MESSAGES (default: 8)
	ContextCacheTTL      time.Duration // COMPASS_CONTEXT_CACHE_TTL (default: 5m)
	MaxToolIterations    int           // COMPASS_CHAT_MAX_TOOL_ITERATIONS (default: 8)
	SummarizerThreshold  int           // COMPASS_CHAT_SUMMARIZER_THRESHOLD (default: 24)
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled returns true if an LLM backend is configured.
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMAPIKey != "" || p.LLMBaseURL != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// FromEnv loads configuration from COMPASS_* environment variables.
func (p *Profile) FromEnv() {
	p.Mode = getEnvOrDefault("COMPASS_MODE", p.Mode)
	p.Addr = getEnvOrDefault("COMPASS_ADDR", p.Addr)
	if port := getEnvIntOrDefault("COMPASS_PORT", 0); port != 0 {
		p.Port = port
	}
	p.Data = getEnvOrDefault("COMPASS_DATA", p.Data)
	p.DSN = getEnvOrDefault("COMPASS_DSN", p.DSN)
	p.Driver = getEnvOrDefault("COMPASS_DRIVER", p.Driver)

	p.LLMProvider = getEnvOrDefault("COMPASS_LLM_PROVIDER", p.LLMProvider)
	p.LLMAPIKey = getEnvOrDefault("COMPASS_LLM_API_KEY", p.LLMAPIKey)
	p.LLMBaseURL = getEnvOrDefault("COMPASS_LLM_BASE_URL", p.LLMBaseURL)
	p.LLMModel = getEnvOrDefault("COMPASS_LLM_MODEL", p.LLMModel)

	p.CompressionThreshold = getEnvIntOrDefault("COMPASS_CHAT_COMPRESSION_THRESHOLD", p.CompressionThreshold)
	p.TailMessagesKept = getEnvIntOrDefault("COMPASS_CHAT_TAIL_MESSAGES", p.TailMessagesKept)
	p.ContextCacheTTL = getEnvDurationOrDefault("COMPASS_CONTEXT_CACHE_TTL", p.ContextCacheTTL)
	p.MaxToolIterations = getEnvIntOrDefault("COMPASS_CHAT_MAX_TOOL_ITERATIONS", p.MaxToolIterations)
	p.SummarizerThreshold = getEnvIntOrDefault("COMPASS_CHAT_SUMMARIZER_THRESHOLD", p.SummarizerThreshold)
}

// Validate normalizes the profile and fills in defaults.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Port == 0 {
		p.Port = 8230
	}
	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported database driver %q", p.Driver)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn is required for postgres driver")
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		if p.Data == "" {
			p.Data = "."
		}
		p.DSN = fmt.Sprintf("%s/compass_%s.db", strings.TrimRight(p.Data, "/"), p.Mode)
	}
	if p.LLMProvider == "" {
		p.LLMProvider = "openai"
	}
	if p.LLMModel == "" {
		p.LLMModel = "gpt-4o-mini"
	}
	if p.CompressionThreshold <= 0 {
		p.CompressionThreshold = 20
	}
	if p.TailMessagesKept <= 0 {
		p.TailMessagesKept = 8
	}
	if p.ContextCacheTTL <= 0 {
		p.ContextCacheTTL = 5 * time.Minute
	}
	if p.MaxToolIterations <= 0 {
		p.MaxToolIterations = 8
	}
	if p.SummarizerThreshold <= 0 {
		p.SummarizerThreshold = 24
	}
	return nil
}
