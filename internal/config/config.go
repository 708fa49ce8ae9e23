package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

type Config struct {
	Env        string
	ListenAddr string
	LogLevel   string
	LogFile    string

	AllowedOrigins []string
	AdminToken     string

	Upstream  UpstreamConfig
	RateLimit RateLimitConfig
	WebRTC    WebRTCConfig
	Session   SessionConfig

	// TokenEndpoint is where voicectl asks for credentials.
	TokenEndpoint string
}

type UpstreamConfig struct {
	BaseURL                 string
	APIKey                  string
	Model                   string
	Voice                   string
	Instructions            string
	Temperature             float64
	MaxResponseOutputTokens int
	TranscriptionModel      string
	CredentialTTL           time.Duration
	Timeout                 time.Duration
}

type RateLimitConfig struct {
	MaxRequests           int
	Window                time.Duration
	SuspiciousMaxRequests int
	ViolationThreshold    int
	TrackingPeriod        time.Duration
	BlockDuration         time.Duration
}

type WebRTCConfig struct {
	STUNServers        []string
	IncludeLoopback    bool
	ICEGatherTimeout   time.Duration
	MediaTimeout       time.Duration
	ChannelOpenTimeout time.Duration
}

type SessionConfig struct {
	Backend     string // memory, file, redis, postgres
	Key         string
	Dir         string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	RedisTTL    time.Duration
	DatabaseURL string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:            getEnv("APP_ENV", EnvDevelopment),
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFile:        os.Getenv("LOG_FILE"),
		AllowedOrigins: listFromEnv("ALLOWED_ORIGINS", []string{"*"}),
		AdminToken:     os.Getenv("ADMIN_TOKEN"),
		TokenEndpoint:  getEnv("VOICELINK_TOKEN_URL", "http://localhost:8080/v1/realtime/token"),
		Upstream: UpstreamConfig{
			BaseURL:            getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:             os.Getenv("OPENAI_API_KEY"),
			Model:              getEnv("REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
			Voice:              getEnv("REALTIME_VOICE", "alloy"),
			Instructions:       getEnv("REALTIME_INSTRUCTIONS", "You are a helpful voice assistant for this website. Keep answers short and conversational."),
			TranscriptionModel: getEnv("REALTIME_TRANSCRIPTION_MODEL", "whisper-1"),
		},
		WebRTC: WebRTCConfig{
			STUNServers: listFromEnv("STUN_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		},
		Session: SessionConfig{
			Backend:     getEnv("SESSION_BACKEND", "file"),
			Key:         getEnv("SESSION_KEY", "default"),
			Dir:         getEnv("SESSION_DIR", defaultSessionDir()),
			RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPass:   os.Getenv("REDIS_PASSWORD"),
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
	}

	var err error
	u := &cfg.Upstream
	if u.Temperature, err = floatFromEnv("REALTIME_TEMPERATURE", 0.8); err != nil {
		return nil, err
	}
	if u.MaxResponseOutputTokens, err = intFromEnv("REALTIME_MAX_OUTPUT_TOKENS", 4096); err != nil {
		return nil, err
	}
	if u.CredentialTTL, err = durationFromEnv("CREDENTIAL_TTL", time.Minute); err != nil {
		return nil, err
	}
	if u.Timeout, err = durationFromEnv("UPSTREAM_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	rl := &cfg.RateLimit
	if rl.MaxRequests, err = intFromEnv("RATE_LIMIT_MAX_REQUESTS", 10); err != nil {
		return nil, err
	}
	if rl.Window, err = durationFromEnv("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if rl.SuspiciousMaxRequests, err = intFromEnv("RATE_LIMIT_SUSPICIOUS_MAX_REQUESTS", 2); err != nil {
		return nil, err
	}
	if rl.ViolationThreshold, err = intFromEnv("RATE_LIMIT_VIOLATION_THRESHOLD", 3); err != nil {
		return nil, err
	}
	if rl.TrackingPeriod, err = durationFromEnv("RATE_LIMIT_TRACKING_PERIOD", 10*time.Minute); err != nil {
		return nil, err
	}
	if rl.BlockDuration, err = durationFromEnv("RATE_LIMIT_BLOCK_DURATION", 15*time.Minute); err != nil {
		return nil, err
	}

	w := &cfg.WebRTC
	if w.IncludeLoopback, err = boolFromEnv("ICE_INCLUDE_LOOPBACK", false); err != nil {
		return nil, err
	}
	if w.ICEGatherTimeout, err = durationFromEnv("ICE_GATHER_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if w.MediaTimeout, err = durationFromEnv("MEDIA_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if w.ChannelOpenTimeout, err = durationFromEnv("CHANNEL_OPEN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	if cfg.Session.RedisDB, err = intFromEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Session.RedisTTL, err = durationFromEnv("SESSION_REDIS_TTL", 24*time.Hour); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Validate checks values that would otherwise fail much later at request time.
func (c *Config) Validate() error {
	if err := ValidateUpstreamURL(c.Upstream.BaseURL); err != nil {
		return fmt.Errorf("OPENAI_BASE_URL: %w", err)
	}
	if c.Upstream.CredentialTTL < 10*time.Second || c.Upstream.CredentialTTL > 10*time.Minute {
		return fmt.Errorf("CREDENTIAL_TTL must be between 10s and 10m, got %s", c.Upstream.CredentialTTL)
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if c.RateLimit.SuspiciousMaxRequests < 0 || c.RateLimit.SuspiciousMaxRequests > c.RateLimit.MaxRequests {
		return fmt.Errorf("RATE_LIMIT_SUSPICIOUS_MAX_REQUESTS must be between 0 and RATE_LIMIT_MAX_REQUESTS")
	}
	if c.RateLimit.ViolationThreshold <= 0 {
		return fmt.Errorf("RATE_LIMIT_VIOLATION_THRESHOLD must be positive")
	}
	if c.RateLimit.TrackingPeriod <= 0 {
		return fmt.Errorf("RATE_LIMIT_TRACKING_PERIOD must be positive")
	}
	if c.RateLimit.BlockDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_BLOCK_DURATION must be positive")
	}
	switch c.Session.Backend {
	case "memory", "file", "redis":
	case "postgres":
		if c.Session.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres session backend")
		}
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", c.Session.Backend)
	}
	return nil
}

func defaultSessionDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".voicelink"
	}
	return filepath.Join(dir, "voicelink", "sessions")
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func listFromEnv(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
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
	v := strings.TrimSpace(os.Getenv(key))
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
	v := strings.TrimSpace(os.Getenv(key))
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
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s parse error: %w", key, err)
	}
	return b, nil
}
