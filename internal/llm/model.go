// Package llm provides the generation and embedding gateways on langchaingo.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/raphaelgruber/kbchat/internal/config"
	"github.com/raphaelgruber/kbchat/internal/metrics"
)

// Model wraps a langchaingo chat model for text generation.
type Model struct {
	llm       llms.Model
	modelName string
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewModel creates an LLM model based on configuration.
func NewModel(cfg config.Config, collector *metrics.Collector, logger *slog.Logger) (*Model, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return &Model{
		llm:       model,
		modelName: cfg.LLMModel,
		collector: collector,
		logger:    logger,
	}, nil
}

// Model returns the chat model name.
func (m *Model) Model() string {
	return m.modelName
}

// Generate produces a complete, non-streamed response. Used for title and
// summary generation.
func (m *Model) Generate(ctx context.Context, history []ChatMessage) (string, error) {
	start := time.Now()
	resp, err := m.llm.GenerateContent(ctx, toLLMMessages(history))
	if err != nil {
		return "", wrapFatalError(fmt.Errorf("generate: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}

	choice := resp.Choices[0]
	m.record(metrics.OpLLMGenerate, start, choice.GenerationInfo)
	return choice.Content, nil
}

// GenerateStream produces a streamed response, invoking onDelta for each text
// fragment in arrival order. Returns the accumulated text. An error from
// onDelta aborts generation.
func (m *Model) GenerateStream(ctx context.Context, history []ChatMessage, onDelta func(string) error) (string, error) {
	step, err := m.step(ctx, history, nil, onDelta)
	if err != nil {
		return "", err
	}
	return step.Text, nil
}

// GenerateWithTools runs a single tool-loop iteration: text fragments stream
// through onDelta, and any tool-invocation requests the model produced are
// returned for the caller to resolve.
func (m *Model) GenerateWithTools(ctx context.Context, history []ChatMessage, tools []llms.Tool, onDelta func(string) error) (*StepResult, error) {
	return m.step(ctx, history, tools, onDelta)
}

func (m *Model) step(ctx context.Context, history []ChatMessage, tools []llms.Tool, onDelta func(string) error) (*StepResult, error) {
	var text string

	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			text += string(chunk)
			if onDelta != nil {
				return onDelta(string(chunk))
			}
			return nil
		}),
	}
	if len(tools) > 0 {
		opts = append(opts, llms.WithTools(tools))
	}

	start := time.Now()
	resp, err := m.llm.GenerateContent(ctx, toLLMMessages(history), opts...)
	if err != nil {
		return nil, wrapFatalError(fmt.Errorf("generate stream: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices")
	}

	choice := resp.Choices[0]
	m.record(metrics.OpLLMStream, start, choice.GenerationInfo)

	// Some providers only deliver the full text on the final response; fall
	// back to it when no fragments streamed.
	if text == "" {
		text = choice.Content
	}

	step := &StepResult{Text: text}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		step.ToolCalls = append(step.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}
	return step, nil
}

func (m *Model) record(op string, start time.Time, info map[string]any) {
	if m.collector == nil {
		return
	}
	in, out := tokenUsage(info)
	m.collector.RecordLLMUsage(op, time.Since(start), in, out)
}

// tokenUsage extracts prompt/completion token counts from a provider's
// generation info. Providers that report nothing yield zeros.
func tokenUsage(info map[string]any) (int64, int64) {
	return intFromInfo(info, "PromptTokens"), intFromInfo(info, "CompletionTokens")
}

func intFromInfo(info map[string]any, key string) int64 {
	if info == nil {
		return 0
	}
	switch v := info[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
