package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default upstream endpoints. API_URL and friends override these; the
// fallback list is tried in order on connection errors and rate limits.
const (
	DefaultUserAgent = "antigravity/1.11.5 windows/amd64"
)

// Config describes runtime options for the gateway.
type Config struct {
	Port int
	Host string

	// Upstream endpoint overrides. Empty means the built-in host list.
	APIURL         string
	APIModelsURL   string
	APINoStreamURL string
	APIHost        string
	APIUserAgent   string

	// Sampling defaults applied when the client omits them.
	DefaultTemperature *float64
	DefaultTopP        *float64
	DefaultTopK        *int
	DefaultMaxTokens   int

	MaxRequestSize int64
	Timeout        time.Duration
	MaxImages      int
	ImageBaseURL   string

	CredentialMaxUsagePerHour int
	RetryStatusCodes          []int
	RetryMaxAttempts          int

	SystemInstruction string
	Proxy             string

	CredentialsPath string
	CooldownsPath   string
	// UsageDSN selects the usage database: a plain path opens sqlite, a
	// postgres:// URL opens postgres.
	UsageDSN string

	LogLevel string

	// Secrets, environment only. Never written back to the config file.
	PanelUser     string
	PanelPassword string
	APIKey        string
}

// Load reads the optional YAML config file and applies environment overrides.
// Environment variables always win over file values.
func Load(path string) (Config, error) {
	fileValues := map[string]string{}
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(b, &fileValues); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	get := func(key string) string {
		return firstNonEmpty(os.Getenv(key), fileValues[strings.ToLower(key)])
	}

	cfg := Config{
		Port:                      parseOptionalInt(get("PORT"), 3000),
		Host:                      firstNonEmpty(get("HOST"), "0.0.0.0"),
		APIURL:                    get("API_URL"),
		APIModelsURL:              get("API_MODELS_URL"),
		APINoStreamURL:            get("API_NO_STREAM_URL"),
		APIHost:                   get("API_HOST"),
		APIUserAgent:              firstNonEmpty(get("API_USER_AGENT"), DefaultUserAgent),
		DefaultMaxTokens:          parseOptionalInt(get("DEFAULT_MAX_TOKENS"), 64000),
		MaxRequestSize:            int64(parseOptionalInt(get("MAX_REQUEST_SIZE"), 50*1024*1024)),
		MaxImages:                 parseOptionalInt(get("MAX_IMAGES"), 16),
		ImageBaseURL:              get("IMAGE_BASE_URL"),
		CredentialMaxUsagePerHour: parseOptionalInt(get("CREDENTIAL_MAX_USAGE_PER_HOUR"), 20),
		RetryMaxAttempts:          parseOptionalInt(get("RETRY_MAX_ATTEMPTS"), 3),
		SystemInstruction:         get("SYSTEM_INSTRUCTION"),
		Proxy:                     get("PROXY"),
		CredentialsPath:           firstNonEmpty(get("CREDENTIALS_PATH"), "credentials.json"),
		CooldownsPath:             firstNonEmpty(get("COOLDOWNS_PATH"), "cooldowns.json"),
		UsageDSN:                  firstNonEmpty(get("USAGE_DSN"), "usage.db"),
		LogLevel:                  firstNonEmpty(get("LOG_LEVEL"), "info"),
		PanelUser:                 os.Getenv("PANEL_USER"),
		PanelPassword:             os.Getenv("PANEL_PASSWORD"),
		APIKey:                    os.Getenv("API_KEY"),
	}

	cfg.DefaultTemperature = parseOptionalFloat(get("DEFAULT_TEMPERATURE"))
	cfg.DefaultTopP = parseOptionalFloat(get("DEFAULT_TOP_P"))
	if v := strings.TrimSpace(get("DEFAULT_TOP_K")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.DefaultTopK = &parsed
		}
	}

	timeoutSecs := parseOptionalInt(get("TIMEOUT"), 180)
	if timeoutSecs <= 0 {
		timeoutSecs = 180
	}
	cfg.Timeout = time.Duration(timeoutSecs) * time.Second

	cfg.RetryStatusCodes = parseIntCSV(firstNonEmpty(get("RETRY_STATUS_CODES"), "429,500,502,503,504"))

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Port)
	}
	return cfg, nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ShouldRetry reports whether an upstream HTTP status is retryable.
func (c Config) ShouldRetry(status int) bool {
	for _, code := range c.RetryStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalFloat(v string) *float64 {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return &parsed
	}
	return nil
}

func parseIntCSV(input string) []int {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(input, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if parsed, err := strconv.Atoi(trimmed); err == nil {
			out = append(out, parsed)
		}
	}
	return out
}
