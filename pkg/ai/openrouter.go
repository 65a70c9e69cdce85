package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	openai "github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	gradeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "markm8",
		Subsystem: "ai",
		Name:      "grade_duration_seconds",
		Help:      "Duration of grading model requests",
	}, []string{"model"})

	gradeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "markm8",
		Subsystem: "ai",
		Name:      "grade_failures_total",
		Help:      "Number of grading model failures",
	}, []string{"model", "kind"})

	synthesisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "markm8",
		Subsystem: "ai",
		Name:      "synthesis_duration_seconds",
		Help:      "Duration of feedback synthesis requests",
	}, []string{"model"})
)

// gradeResponseSchema constrains the JSON a grading model must return before
// any of it is trusted.
const gradeResponseSchema = `{
  "type": "object",
  "required": ["percentage", "feedback"],
  "properties": {
    "percentage": {"type": "number", "minimum": 0, "maximum": 100},
    "feedback": {"type": "string", "minLength": 1},
    "category_scores": {
      "type": "object",
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 100}
    }
  }
}`

const synthesisResponseSchema = `{
  "type": "object",
  "required": ["feedback"],
  "properties": {
    "feedback": {"type": "string", "minLength": 1}
  }
}`

// Rough usage-based cost estimate recorded per run for audit display. The
// actual charge per grade is the fixed configured credit cost.
var costPerThousandTokens = decimal.RequireFromString("0.01")

// OpenRouterConfig defines configuration options for the OpenRouter-backed
// grader. BaseURL defaults to the OpenRouter chat-completions endpoint but
// any OpenAI-compatible API works.
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
	Logger  zerolog.Logger
}

// OpenRouterClient implements Grader against an OpenAI-compatible API.
type OpenRouterClient struct {
	client          *openai.Client
	tracer          trace.Tracer
	logger          zerolog.Logger
	gradeSchema     *jsonschema.Schema
	synthesisSchema *jsonschema.Schema
}

// NewOpenRouterClient builds a grader using the provided configuration.
func NewOpenRouterClient(cfg OpenRouterConfig) (*OpenRouterClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider api key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	gradeSchema, err := jsonschema.CompileString("grade.json", gradeResponseSchema)
	if err != nil {
		return nil, fmt.Errorf("compile grade schema: %w", err)
	}

	synthSchema, err := jsonschema.CompileString("synthesis.json", synthesisResponseSchema)
	if err != nil {
		return nil, fmt.Errorf("compile synthesis schema: %w", err)
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &OpenRouterClient{
		client:          openai.NewClientWithConfig(clientConfig),
		tracer:          otel.Tracer("github.com/markm8/grading-api/pkg/ai/openrouter"),
		logger:          logger.With().Str("component", "openrouter_client").Logger(),
		gradeSchema:     gradeSchema,
		synthesisSchema: synthSchema,
	}, nil
}

// Grade sends one grading request and parses the structured response.
func (c *OpenRouterClient) Grade(parent context.Context, input GradeInput) (GradeOutput, error) {
	ctx, span := c.tracer.Start(parent, "openrouter.grade", trace.WithAttributes(
		attribute.String("model", input.Model),
	))
	defer span.End()

	request := openai.ChatCompletionRequest{
		Model:       input.Model,
		MaxTokens:   input.MaxTokens,
		Temperature: input.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: graderSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: buildGradePrompt(input)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}
	if input.ReasoningEffort != "" {
		request.ReasoningEffort = input.ReasoningEffort
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, request)
	gradeDuration.WithLabelValues(input.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		providerErr := classifyOpenAIError(err)
		gradeFailures.WithLabelValues(input.Model, string(providerErr.Kind)).Inc()
		span.RecordError(providerErr)
		span.SetStatus(codes.Error, string(providerErr.Kind))
		return GradeOutput{}, providerErr
	}

	content, providerErr := firstChoice(resp)
	if providerErr != nil {
		gradeFailures.WithLabelValues(input.Model, string(providerErr.Kind)).Inc()
		span.RecordError(providerErr)
		span.SetStatus(codes.Error, string(providerErr.Kind))
		return GradeOutput{}, providerErr
	}

	output, providerErr := c.parseGradeResponse(content)
	if providerErr != nil {
		gradeFailures.WithLabelValues(input.Model, string(providerErr.Kind)).Inc()
		span.RecordError(providerErr)
		span.SetStatus(codes.Error, string(providerErr.Kind))
		return GradeOutput{}, providerErr
	}

	output.PromptTokens = int64(resp.Usage.PromptTokens)
	output.CompletionTokens = int64(resp.Usage.CompletionTokens)
	output.Cost = estimateCost(resp.Usage.TotalTokens)

	span.SetAttributes(attribute.Float64("grade.percentage", output.Percentage))
	return output, nil
}

// Synthesize merges several graders' feedback into one narrative.
func (c *OpenRouterClient) Synthesize(parent context.Context, input SynthesisInput) (SynthesisOutput, error) {
	ctx, span := c.tracer.Start(parent, "openrouter.synthesize", trace.WithAttributes(
		attribute.String("model", input.Model),
		attribute.Int("synthesis.sources", len(input.Feedback)),
	))
	defer span.End()

	request := openai.ChatCompletionRequest{
		Model:       input.Model,
		MaxTokens:   input.MaxTokens,
		Temperature: input.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: synthesisSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: buildSynthesisPrompt(input)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, request)
	synthesisDuration.WithLabelValues(input.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		providerErr := classifyOpenAIError(err)
		span.RecordError(providerErr)
		span.SetStatus(codes.Error, string(providerErr.Kind))
		return SynthesisOutput{}, providerErr
	}

	content, providerErr := firstChoice(resp)
	if providerErr != nil {
		span.RecordError(providerErr)
		span.SetStatus(codes.Error, string(providerErr.Kind))
		return SynthesisOutput{}, providerErr
	}

	var raw interface{}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		providerErr := &ProviderError{Kind: FailureMalformedResponse, Message: "synthesis response is not JSON", Err: err}
		span.RecordError(providerErr)
		return SynthesisOutput{}, providerErr
	}
	if err := c.synthesisSchema.Validate(raw); err != nil {
		providerErr := &ProviderError{Kind: FailureMalformedResponse, Message: "synthesis response failed schema validation", Err: err}
		span.RecordError(providerErr)
		return SynthesisOutput{}, providerErr
	}

	var payload struct {
		Feedback string `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return SynthesisOutput{}, &ProviderError{Kind: FailureMalformedResponse, Message: "decode synthesis payload", Err: err}
	}

	return SynthesisOutput{
		Feedback:         strings.TrimSpace(payload.Feedback),
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

func (c *OpenRouterClient) parseGradeResponse(content string) (GradeOutput, *ProviderError) {
	var raw interface{}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return GradeOutput{}, &ProviderError{Kind: FailureMalformedResponse, Message: "grade response is not JSON", Err: err}
	}
	if err := c.gradeSchema.Validate(raw); err != nil {
		return GradeOutput{}, &ProviderError{Kind: FailureMalformedResponse, Message: "grade response failed schema validation", Err: err}
	}

	var payload struct {
		Percentage     float64            `json:"percentage"`
		Feedback       string             `json:"feedback"`
		CategoryScores map[string]float64 `json:"category_scores"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return GradeOutput{}, &ProviderError{Kind: FailureMalformedResponse, Message: "decode grade payload", Err: err}
	}

	return GradeOutput{
		Percentage:     payload.Percentage,
		Feedback:       strings.TrimSpace(payload.Feedback),
		CategoryScores: payload.CategoryScores,
	}, nil
}

func firstChoice(resp openai.ChatCompletionResponse) (string, *ProviderError) {
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Kind: FailureProvider, Message: "no choices returned"}
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", &ProviderError{Kind: FailureMalformedResponse, Message: "empty completion content"}
	}
	return content, nil
}

func classifyOpenAIError(err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return &ProviderError{Kind: FailureRateLimited, Message: "provider rate limit", Err: err}
		case apiErr.HTTPStatusCode >= 500:
			return &ProviderError{Kind: FailureProvider, Message: "provider internal error", Err: err}
		case strings.Contains(strings.ToLower(apiErr.Message), "content policy"),
			strings.Contains(strings.ToLower(apiErr.Message), "moderation"):
			return &ProviderError{Kind: FailureContentPolicy, Message: "content policy rejection", Err: err}
		default:
			return &ProviderError{Kind: FailureInvalidRequest, Message: "provider rejected request", Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ProviderError{Kind: FailureTimeout, Message: "request timed out", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Kind: FailureTimeout, Message: "network timeout", Err: err}
	}

	return &ProviderError{Kind: FailureProvider, Message: "transport failure", Err: err}
}

func estimateCost(totalTokens int) string {
	if totalTokens <= 0 {
		return ""
	}
	tokens := decimal.NewFromInt(int64(totalTokens))
	return tokens.Div(decimal.NewFromInt(1000)).Mul(costPerThousandTokens).StringFixed(2)
}

func graderSystemPrompt() string {
	return "You are an experienced essay grader. Grade the essay strictly against the provided rubric. " +
		"Respond with a JSON object containing percentage (0-100), feedback (detailed, constructive prose " +
		"addressed to the student), and category_scores mapping each rubric category to a 0-100 score."
}

func synthesisSystemPrompt() string {
	return "You are an editor combining several graders' essay feedback into one coherent response. " +
		"Preserve points of agreement, reconcile disagreements conservatively, and keep the tone constructive. " +
		"Respond with a JSON object containing a single feedback field."
}

func buildGradePrompt(input GradeInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Essay\n")
	builder.WriteString(input.EssayTitle)
	builder.WriteString("\n\n## Content\n")
	builder.WriteString(input.EssayContent)
	if input.AssignmentBrief != "" {
		builder.WriteString("\n\n## Assignment Brief\n")
		builder.WriteString(input.AssignmentBrief)
	}
	builder.WriteString("\n\n## Rubric\n")
	builder.WriteString(input.Rubric)
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func buildSynthesisPrompt(input SynthesisInput) string {
	feedback := make([]GraderFeedback, len(input.Feedback))
	copy(feedback, input.Feedback)
	sort.SliceStable(feedback, func(i, j int) bool {
		return feedback[i].Percentage < feedback[j].Percentage
	})

	builder := strings.Builder{}
	builder.WriteString("# Essay\n")
	builder.WriteString(input.EssayTitle)
	builder.WriteString("\n\n## Rubric\n")
	builder.WriteString(input.Rubric)
	for i, entry := range feedback {
		builder.WriteString(fmt.Sprintf("\n\n## Grader %d (%s, %.1f%%)\n", i+1, entry.Model, entry.Percentage))
		builder.WriteString(entry.Feedback)
	}
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}
