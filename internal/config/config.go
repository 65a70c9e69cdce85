package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/markm8/grading-api/internal/ledger"
	"github.com/markm8/grading-api/internal/models"
)

// Grading modes.
const (
	ModeMock = "mock"
	ModeLive = "live"
)

// RunSpec configures one independent grading run.
type RunSpec struct {
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// RetryPolicy bounds how often a failed run is retried and how long the
// executor sleeps between attempts. Attempts past the end of the schedule
// reuse the last configured delay.
type RetryPolicy struct {
	MaxRetries int
	BackoffMs  []int
}

// Delay returns the backoff delay for the given zero-based attempt index.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.BackoffMs) == 0 {
		return 0
	}
	if attempt >= len(p.BackoffMs) {
		attempt = len(p.BackoffMs) - 1
	}
	return time.Duration(p.BackoffMs[attempt]) * time.Millisecond
}

// GradingConfig describes one grading cycle. It is validated before every
// cycle; a config that fails validation never reaches execution.
type GradingConfig struct {
	Mode                    string
	Temperature             float32
	Runs                    []RunSpec
	OutlierThresholdPercent float64
	Retry                   RetryPolicy
	MaxTokens               int
	CreditCost              string
	RequestTimeout          time.Duration
}

// SynthesisConfig controls the optional feedback-merge stage. When disabled
// the synthesis stage is skipped and the deterministic fallback applies.
type SynthesisConfig struct {
	Enabled     bool
	Model       string
	Temperature float32
	MaxTokens   int
}

// Validate performs the hard validation gate ahead of a grading cycle.
func (g GradingConfig) Validate() error {
	if g.Mode != ModeMock && g.Mode != ModeLive {
		return fmt.Errorf("grading mode must be %q or %q, got %q", ModeMock, ModeLive, g.Mode)
	}
	if g.Temperature < 0 || g.Temperature > 1 {
		return fmt.Errorf("temperature must be within [0,1], got %v", g.Temperature)
	}
	if len(g.Runs) < 1 || len(g.Runs) > 10 {
		return fmt.Errorf("between 1 and 10 runs must be configured, got %d", len(g.Runs))
	}
	for i, run := range g.Runs {
		if strings.TrimSpace(run.Model) == "" {
			return fmt.Errorf("run %d has no model identifier", i)
		}
	}
	if g.OutlierThresholdPercent < 0 || g.OutlierThresholdPercent > 100 {
		return fmt.Errorf("outlier threshold must be within [0,100], got %v", g.OutlierThresholdPercent)
	}
	if g.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", g.Retry.MaxRetries)
	}
	for i, delay := range g.Retry.BackoffMs {
		if delay < 0 {
			return fmt.Errorf("backoff delay %d must not be negative, got %d", i, delay)
		}
	}
	if g.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", g.MaxTokens)
	}

	positive, err := ledger.IsPositive(g.CreditCost)
	if err != nil {
		return fmt.Errorf("credit cost: %w", err)
	}
	if !positive {
		return fmt.Errorf("credit cost must be positive, got %q", g.CreditCost)
	}

	return nil
}

// Validate checks the synthesis section. A disabled config is always valid.
func (s SynthesisConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Model) == "" {
		return fmt.Errorf("synthesis model must be set when synthesis is enabled")
	}
	if s.Temperature < 0 || s.Temperature > 1 {
		return fmt.Errorf("synthesis temperature must be within [0,1], got %v", s.Temperature)
	}
	if s.MaxTokens <= 0 {
		return fmt.Errorf("synthesis max tokens must be positive, got %d", s.MaxTokens)
	}
	return nil
}

// Config holds runtime configuration values for the grading API service.
type Config struct {
	AppName         string
	AppEnv          string
	AppPort         string
	DatabaseURL     string
	RedisURL        string
	NATSURL         string
	JWTSecret       string
	ProviderBaseURL string
	ProviderAPIKey  string
	SignupBonus     string
	Grading         GradingConfig
	Synthesis       SynthesisConfig
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and an optional
// .env file. Grading and synthesis sections are validated here so a broken
// deployment fails at boot rather than mid-cycle.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("MARKM8")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "MarkM8 Grading API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("provider.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("signup.bonus", "3.00")
	v.SetDefault("grading.mode", ModeMock)
	v.SetDefault("grading.temperature", 0.2)
	v.SetDefault("grading.models", "anthropic/claude-sonnet-4,openai/gpt-5.2,google/gemini-3-flash-preview")
	v.SetDefault("grading.outlier_threshold_percent", 20.0)
	v.SetDefault("grading.max_retries", 3)
	v.SetDefault("grading.backoff_ms", "500,1000,2000")
	v.SetDefault("grading.max_tokens", 2048)
	v.SetDefault("grading.credit_cost", "1.00")
	v.SetDefault("grading.request_timeout_ms", 120000)
	v.SetDefault("synthesis.enabled", true)
	v.SetDefault("synthesis.model", "anthropic/claude-sonnet-4")
	v.SetDefault("synthesis.temperature", 0.3)
	v.SetDefault("synthesis.max_tokens", 2048)

	runs, err := parseRunSpecs(v.GetString("grading.models"))
	if err != nil {
		return Config{}, err
	}

	backoff, err := parseBackoffSchedule(v.GetString("grading.backoff_ms"))
	if err != nil {
		return Config{}, err
	}

	timeoutMs := v.GetInt("grading.request_timeout_ms")
	if timeoutMs <= 0 {
		timeoutMs = 120000
	}

	cfg := Config{
		AppName:         v.GetString("app.name"),
		AppEnv:          v.GetString("app.env"),
		AppPort:         v.GetString("app.port"),
		DatabaseURL:     v.GetString("database.url"),
		RedisURL:        v.GetString("redis.url"),
		NATSURL:         v.GetString("nats.url"),
		JWTSecret:       v.GetString("jwt.secret"),
		ProviderBaseURL: v.GetString("provider.base_url"),
		ProviderAPIKey:  v.GetString("provider.api_key"),
		SignupBonus:     v.GetString("signup.bonus"),
		Grading: GradingConfig{
			Mode:                    strings.ToLower(v.GetString("grading.mode")),
			Temperature:             float32(v.GetFloat64("grading.temperature")),
			Runs:                    runs,
			OutlierThresholdPercent: v.GetFloat64("grading.outlier_threshold_percent"),
			Retry: RetryPolicy{
				MaxRetries: v.GetInt("grading.max_retries"),
				BackoffMs:  backoff,
			},
			MaxTokens:      v.GetInt("grading.max_tokens"),
			CreditCost:     v.GetString("grading.credit_cost"),
			RequestTimeout: time.Duration(timeoutMs) * time.Millisecond,
		},
		Synthesis: SynthesisConfig{
			Enabled:     v.GetBool("synthesis.enabled"),
			Model:       v.GetString("synthesis.model"),
			Temperature: float32(v.GetFloat64("synthesis.temperature")),
			MaxTokens:   v.GetInt("synthesis.max_tokens"),
		},
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.Grading.Mode == ModeLive && cfg.ProviderAPIKey == "" {
		return Config{}, fmt.Errorf("provider api key must be provided in live mode")
	}

	if err := cfg.Grading.Validate(); err != nil {
		return Config{}, fmt.Errorf("grading config: %w", err)
	}

	if err := cfg.Synthesis.Validate(); err != nil {
		return Config{}, fmt.Errorf("synthesis config: %w", err)
	}

	return cfg, nil
}

// parseRunSpecs reads a comma-separated model list. Each entry is either a
// bare model id or "model:effort" when the run should grade with a specific
// reasoning effort.
func parseRunSpecs(raw string) ([]RunSpec, error) {
	entries := strings.Split(raw, ",")
	runs := make([]RunSpec, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		spec := RunSpec{Model: entry}
		if idx := strings.LastIndex(entry, ":"); idx > 0 {
			effort := strings.ToLower(strings.TrimSpace(entry[idx+1:]))
			switch effort {
			case models.ReasoningEffortLow, models.ReasoningEffortMedium, models.ReasoningEffortHigh:
				spec.Model = strings.TrimSpace(entry[:idx])
				spec.ReasoningEffort = effort
			}
		}

		runs = append(runs, spec)
	}

	if len(runs) == 0 {
		return nil, fmt.Errorf("at least one grading model must be configured")
	}

	return runs, nil
}

func parseBackoffSchedule(raw string) ([]int, error) {
	entries := strings.Split(raw, ",")
	schedule := make([]int, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		delay, err := strconv.Atoi(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid backoff delay %q: %w", entry, err)
		}
		schedule = append(schedule, delay)
	}
	return schedule, nil
}
