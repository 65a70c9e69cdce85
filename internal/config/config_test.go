package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/markm8/grading-api/internal/models"
)

func validGradingConfig() GradingConfig {
	return GradingConfig{
		Mode:                    ModeMock,
		Temperature:             0.2,
		Runs:                    []RunSpec{{Model: "model-a"}, {Model: "model-b"}},
		OutlierThresholdPercent: 20,
		Retry:                   RetryPolicy{MaxRetries: 3, BackoffMs: []int{500, 1000}},
		MaxTokens:               2048,
		CreditCost:              "1.00",
	}
}

func TestGradingConfigValidate(t *testing.T) {
	require.NoError(t, validGradingConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*GradingConfig)
	}{
		{"unknown mode", func(g *GradingConfig) { g.Mode = "dry-run" }},
		{"temperature above one", func(g *GradingConfig) { g.Temperature = 1.5 }},
		{"no runs", func(g *GradingConfig) { g.Runs = nil }},
		{"too many runs", func(g *GradingConfig) {
			g.Runs = make([]RunSpec, 11)
			for i := range g.Runs {
				g.Runs[i] = RunSpec{Model: "m"}
			}
		}},
		{"blank model", func(g *GradingConfig) { g.Runs[0].Model = "  " }},
		{"threshold above hundred", func(g *GradingConfig) { g.OutlierThresholdPercent = 120 }},
		{"negative retries", func(g *GradingConfig) { g.Retry.MaxRetries = -1 }},
		{"negative backoff", func(g *GradingConfig) { g.Retry.BackoffMs = []int{-5} }},
		{"zero max tokens", func(g *GradingConfig) { g.MaxTokens = 0 }},
		{"zero credit cost", func(g *GradingConfig) { g.CreditCost = "0.00" }},
		{"malformed credit cost", func(g *GradingConfig) { g.CreditCost = "one" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validGradingConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSynthesisConfigValidate(t *testing.T) {
	require.NoError(t, SynthesisConfig{Enabled: false}.Validate())

	valid := SynthesisConfig{Enabled: true, Model: "merge-model", Temperature: 0.3, MaxTokens: 1024}
	require.NoError(t, valid.Validate())

	missingModel := valid
	missingModel.Model = " "
	require.Error(t, missingModel.Validate())

	badTokens := valid
	badTokens.MaxTokens = 0
	require.Error(t, badTokens.Validate())
}

func TestRetryPolicyDelayClampsToLastEntry(t *testing.T) {
	policy := RetryPolicy{BackoffMs: []int{500, 1000, 2000}}

	require.Equal(t, 500*time.Millisecond, policy.Delay(0))
	require.Equal(t, 2*time.Second, policy.Delay(2))
	require.Equal(t, 2*time.Second, policy.Delay(9))

	require.Equal(t, time.Duration(0), RetryPolicy{}.Delay(0))
}

func TestParseRunSpecs(t *testing.T) {
	runs, err := parseRunSpecs("anthropic/claude-sonnet-4, openai/gpt-5.2:high ,google/gemini-3-flash-preview")
	require.NoError(t, err)
	require.Len(t, runs, 3)

	require.Equal(t, RunSpec{Model: "anthropic/claude-sonnet-4"}, runs[0])
	require.Equal(t, RunSpec{Model: "openai/gpt-5.2", ReasoningEffort: models.ReasoningEffortHigh}, runs[1])
	require.Equal(t, RunSpec{Model: "google/gemini-3-flash-preview"}, runs[2])

	// A colon that is not a known effort stays part of the model id.
	runs, err = parseRunSpecs("provider/model:v2")
	require.NoError(t, err)
	require.Equal(t, "provider/model:v2", runs[0].Model)
	require.Empty(t, runs[0].ReasoningEffort)

	_, err = parseRunSpecs(" , ")
	require.Error(t, err)
}

func TestParseBackoffSchedule(t *testing.T) {
	schedule, err := parseBackoffSchedule("500, 1000,2000")
	require.NoError(t, err)
	require.Equal(t, []int{500, 1000, 2000}, schedule)

	_, err = parseBackoffSchedule("500,fast")
	require.Error(t, err)
}
