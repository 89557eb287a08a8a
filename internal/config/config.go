package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
)

// Config contains all runtime settings for the avatar reply service.
type Config struct {
	Port            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	DebugRoutes     bool
	ChatStreaming   bool

	MetricsNamespace string

	OpenAIAPIKey  string
	ParamPrefix   string
	OpenAIBaseURL string
	LLMModel      string
	LLMMaxTokens  int
	LLMTemp       float64
	TTSModel      string
	TTSVoice      string

	FFmpegPath        string
	RhubarbPath       string
	RhubarbRecognizer string
	ScratchDir        string

	MaxMemory         int
	MaxUsers          int
	PlannerMaxRetries int

	HistoryBackend string
	StateTable     string
	DatabaseURL    string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:              envOrDefault("PORT", "3000"),
		MetricsNamespace:  envOrDefault("METRICS_NAMESPACE", "avatar"),
		OpenAIAPIKey:      trimmedEnv("OPENAI_API_KEY"),
		ParamPrefix:       trimmedEnv("PARAM_PREFIX"),
		OpenAIBaseURL:     envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		LLMModel:          envOrDefault("LLM_MODEL", "gpt-4o-mini-2024-07-18"),
		TTSModel:          envOrDefault("TTS_MODEL", "tts-1"),
		TTSVoice:          envOrDefault("TTS_VOICE", "nova"),
		RhubarbRecognizer: envOrDefault("RHUBARB_RECOGNIZER", "phonetic"),
		ScratchDir:        envOrDefault("SCRATCH_DIR", os.TempDir()),
		HistoryBackend:    strings.ToLower(envOrDefault("HISTORY_BACKEND", BackendMemory)),
		StateTable:        trimmedEnv("STATE_TABLE"),
		DatabaseURL:       trimmedEnv("DATABASE_URL"),
		AllowedOrigins:    splitList(envOrDefault("ALLOWED_ORIGINS", "*")),
		LLMMaxTokens:      1000,
		LLMTemp:           0.8,
		MaxMemory:         10,
		MaxUsers:          1000,
		PlannerMaxRetries: 5,
		ChatStreaming:     true,
		ShutdownTimeout:   15 * time.Second,
	}
	cfg.FFmpegPath = toolPath(trimmedEnv("FFMPEG_PATH"), "FFmpeg", "ffmpeg")
	cfg.RhubarbPath = toolPath(trimmedEnv("RHUBARB_PATH"), "Rhubarb", "rhubarb")

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.DebugRoutes, err = boolFromEnv("DEBUG_ROUTES", false); err != nil {
		return Config{}, err
	}
	if cfg.ChatStreaming, err = boolFromEnv("CHAT_STREAMING", cfg.ChatStreaming); err != nil {
		return Config{}, err
	}
	if cfg.LLMMaxTokens, err = intFromEnv("LLM_MAX_TOKENS", cfg.LLMMaxTokens); err != nil {
		return Config{}, err
	}
	if cfg.LLMTemp, err = floatFromEnv("LLM_TEMPERATURE", cfg.LLMTemp); err != nil {
		return Config{}, err
	}
	if cfg.MaxMemory, err = intFromEnv("MAX_MEMORY", cfg.MaxMemory); err != nil {
		return Config{}, err
	}
	if cfg.MaxUsers, err = intFromEnv("MAX_USERS", cfg.MaxUsers); err != nil {
		return Config{}, err
	}
	if cfg.PlannerMaxRetries, err = intFromEnv("PLANNER_MAX_RETRIES", cfg.PlannerMaxRetries); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.LLMMaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be positive")
	}
	if c.LLMTemp < 0 || c.LLMTemp > 2 {
		return fmt.Errorf("LLM_TEMPERATURE must be between 0 and 2")
	}
	if c.MaxMemory <= 0 {
		return fmt.Errorf("MAX_MEMORY must be positive")
	}
	if c.MaxUsers <= 0 {
		return fmt.Errorf("MAX_USERS must be positive")
	}
	if c.PlannerMaxRetries < 0 {
		return fmt.Errorf("PLANNER_MAX_RETRIES must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	switch c.HistoryBackend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.StateTable == "" {
			return fmt.Errorf("STATE_TABLE is required for the dynamodb history backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres history backend")
		}
	default:
		return fmt.Errorf("HISTORY_BACKEND must be one of memory, dynamodb, postgres; got %q", c.HistoryBackend)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.Port
}

// RhubarbDir is the directory holding the rhubarb binary and its resources,
// or "" when rhubarb is resolved from PATH.
func (c Config) RhubarbDir() string {
	if !strings.ContainsRune(c.RhubarbPath, filepath.Separator) {
		return ""
	}
	return filepath.Dir(c.RhubarbPath)
}

// toolPath prefers an explicit path, then a bundled copy next to the
// executable (<exe dir>/<dir>/<name>), then the bare name for a PATH lookup.
func toolPath(explicit, dir, name string) string {
	if explicit != "" {
		return explicit
	}
	if exe, err := os.Executable(); err == nil {
		bundled := filepath.Join(filepath.Dir(exe), dir, name)
		if info, err := os.Stat(bundled); err == nil && !info.IsDir() {
			return bundled
		}
	}
	return name
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
