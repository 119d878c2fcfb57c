package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxCodeChars      = 12000
	maxNarrativeChars = 6000
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "commentary_duration_seconds",
		Help:      "Duration of commentary requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "commentary_failures_total",
		Help:      "Number of commentary failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI commentator.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAICommentator implements Commentator against the OpenAI chat completion API.
type OpenAICommentator struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAICommentator builds a new commentator using the provided configuration.
func NewOpenAICommentator(cfg OpenAIConfig) (*OpenAICommentator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 600
	}

	tracer := otel.Tracer("github.com/noah-isme/gema-grader/pkg/ai/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(config)

	return &OpenAICommentator{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger.With().Str("component", "openai_commentator").Logger(),
	}, nil
}

// Provider names the backing model.
func (e *OpenAICommentator) Provider() string {
	return "openai:" + e.cfg.Model
}

// Comment sends the graded submission to OpenAI and parses the reply.
func (e *OpenAICommentator) Comment(parent context.Context, input CommentaryInput) (Commentary, error) {
	ctx, span := e.tracer.Start(parent, "openai.comment", trace.WithAttributes(
		attribute.String("model", e.cfg.Model),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: commentarySystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := e.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(e.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return Commentary{}, e.fail(span, fmt.Errorf("openai comment: %w", err))
	}

	if len(resp.Choices) == 0 {
		return Commentary{}, e.fail(span, fmt.Errorf("no choices returned from openai"))
	}

	commentary, err := parseCommentary(strings.TrimSpace(resp.Choices[0].Message.Content))
	if err != nil {
		return Commentary{}, e.fail(span, err)
	}

	commentary.Raw = map[string]interface{}{
		"usage": resp.Usage,
	}
	return commentary, nil
}

func (e *OpenAICommentator) fail(span trace.Span, err error) error {
	aiFailures.WithLabelValues(e.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Warn().Err(err).Msg("commentary request failed")
	return err
}

func commentarySystemPrompt() string {
	return "You are a teaching assistant reviewing a student's data analysis notebook. The score is final; do not " +
		"change or dispute it. Respond with a JSON object containing summary (string), strengths (array of strings) " +
		"and improvements (array of strings). Be specific and encouraging."
}

func buildUserPrompt(input CommentaryInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Assignment\n")
	builder.WriteString(input.AssignmentTitle)
	builder.WriteString("\n\n## Language\n")
	builder.WriteString(input.Language)
	builder.WriteString(fmt.Sprintf("\n\n## Score\n%.2f / %.2f\n", input.Total, input.MaxPoints))
	if len(input.Feedback) > 0 {
		builder.WriteString("\n## Rubric Feedback\n")
		for _, line := range input.Feedback {
			builder.WriteString("- ")
			builder.WriteString(line)
			builder.WriteString("\n")
		}
	}
	builder.WriteString("\n## Code\n")
	builder.WriteString(truncate(input.Code, maxCodeChars))
	if input.Narrative != "" {
		builder.WriteString("\n\n## Written Answers\n")
		builder.WriteString(truncate(input.Narrative, maxNarrativeChars))
	}
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "\n[truncated]"
}

func parseCommentary(content string) (Commentary, error) {
	var data Commentary
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return Commentary{}, fmt.Errorf("parse commentary json: %w", err)
	}
	data.Summary = strings.TrimSpace(data.Summary)
	if data.Summary == "" {
		return Commentary{}, fmt.Errorf("commentary summary is empty")
	}
	return data, nil
}
