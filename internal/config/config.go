// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    string
	SessionTTL  time.Duration
	ChartDir    string
	PromptsFile string
	CORSOrigins []string

	Upload    UploadConfig
	Planner   PlannerConfig
	Engine    EngineConfig
	RateLimit RateLimitConfig
}

// UploadConfig bounds dataset uploads.
type UploadConfig struct {
	MaxBytes   int64
	Extensions []string
}

// PlannerConfig selects the completion provider used for plan negotiation.
type PlannerConfig struct {
	Provider      string
	Model         string
	GoogleAPIKey  string
	OpenAIAPIKey  string
	HistoryWindow int
}

// EngineConfig selects the analysis engine backend.
type EngineConfig struct {
	Backend string // grpc, docker or fake
	Addr    string
	Model   string
	Timeout time.Duration
	Image   string
	WorkDir string
	Runtime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	Network string
}

// RateLimitConfig caps chat turns per user.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/dataroom.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		SessionTTL:  getEnvDuration("SESSION_TTL", 60*time.Minute),
		ChartDir:    getEnv("CHART_DIR", "exports/charts"),
		PromptsFile: getEnv("PROMPTS_FILE", ""),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		Upload: UploadConfig{
			MaxBytes:   int64(getEnvInt("UPLOAD_MAX_BYTES", 10*1024*1024)),
			Extensions: getEnvList("UPLOAD_EXTENSIONS", []string{".csv", ".xlsx"}),
		},
		Planner: PlannerConfig{
			Provider:      strings.ToLower(getEnv("PLANNER_PROVIDER", "gemini")),
			Model:         getEnv("PLANNER_MODEL", "gemini-2.5-flash"),
			GoogleAPIKey:  getEnv("GOOGLE_API_KEY", ""),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			HistoryWindow: getEnvInt("PLANNER_HISTORY_WINDOW", 5),
		},
		Engine: EngineConfig{
			Backend: strings.ToLower(getEnv("ENGINE_BACKEND", "grpc")),
			Addr:    getEnv("ENGINE_ADDR", "localhost:50061"),
			Model:   getEnv("ENGINE_MODEL", "gemini/gemini-2.5-flash"),
			Timeout: getEnvDuration("ENGINE_TIMEOUT", 3*time.Minute),
			Image:   getEnv("ENGINE_IMAGE", "dataroom-engine:latest"),
			WorkDir: getEnv("ENGINE_WORKDIR", "./data/runs"),
			Runtime: getEnv("ENGINE_RUNTIME", ""),
			Network: getEnv("ENGINE_NETWORK", ""),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ChartDir == "" {
		return fmt.Errorf("CHART_DIR cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be > 0")
	}
	if len(c.Upload.Extensions) == 0 {
		return fmt.Errorf("UPLOAD_EXTENSIONS cannot be empty")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Planner.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("PLANNER_PROVIDER must be gemini or openai, got %q", c.Planner.Provider)
	}
	if c.Planner.HistoryWindow <= 0 {
		return fmt.Errorf("PLANNER_HISTORY_WINDOW must be > 0")
	}
	switch c.Engine.Backend {
	case "grpc":
		if c.Engine.Addr == "" {
			return fmt.Errorf("ENGINE_ADDR cannot be empty for the grpc backend")
		}
	case "docker":
		if c.Engine.Image == "" || c.Engine.WorkDir == "" {
			return fmt.Errorf("ENGINE_IMAGE and ENGINE_WORKDIR are required for the docker backend")
		}
	case "fake":
	default:
		return fmt.Errorf("ENGINE_BACKEND must be grpc, docker or fake, got %q", c.Engine.Backend)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// PlannerAPIKey returns the key for the selected planner provider.
func (c *Config) PlannerAPIKey() string {
	if c.Planner.Provider == "openai" {
		return c.Planner.OpenAIAPIKey
	}
	return c.Planner.GoogleAPIKey
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ParseLevel maps LOG_LEVEL values to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", s)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if getEnvBool("CONTAINER", false) {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
