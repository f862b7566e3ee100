package pixie

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// AIProviderName is a closed union over the supported LLM vendors.
type AIProviderName string

const (
	ProviderOpenAI AIProviderName = "openai"
	ProviderGroq   AIProviderName = "groq"
)

// groqBaseURL is Groq's OpenAI-compatible endpoint, used with the
// openai client.
const groqBaseURL = "https://api.groq.com/openai/v1"

const (
	DefaultOpenAIModel           = "gpt-4o-mini"
	DefaultGroqModel             = "mixtral-8x7b-32768"
	DefaultTemperature           = float32(0.7)
	DefaultMaxTokens             = 2000
	DefaultMaxConversationLength = 10
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnknownModel    = errors.New("unknown model for provider")
)

// ModelCapability describes one model's limits for call-time
// validation.
type ModelCapability struct {
	Name           string
	MaxTokens      int
	TemperatureMin float32
	TemperatureMax float32
}

// providerModels is the per-provider model-capability table. A
// requested model must belong to the requested provider's set.
var providerModels = map[AIProviderName]map[string]ModelCapability{
	ProviderOpenAI: {
		"gpt-4.1":      {Name: "gpt-4.1", MaxTokens: 8192, TemperatureMin: 0, TemperatureMax: 2},
		"gpt-4.1-mini": {Name: "gpt-4.1-mini", MaxTokens: 4096, TemperatureMin: 0, TemperatureMax: 2},
		"gpt-4.1-nano": {Name: "gpt-4.1-nano", MaxTokens: 2048, TemperatureMin: 0, TemperatureMax: 2},
		"gpt-4o":       {Name: "gpt-4o", MaxTokens: 8192, TemperatureMin: 0, TemperatureMax: 2},
		"gpt-4o-mini":  {Name: "gpt-4o-mini", MaxTokens: 4096, TemperatureMin: 0, TemperatureMax: 2},
		"gpt-4-turbo":  {Name: "gpt-4-turbo", MaxTokens: 4096, TemperatureMin: 0, TemperatureMax: 2},
		"gpt-4":        {Name: "gpt-4", MaxTokens: 8192, TemperatureMin: 0, TemperatureMax: 2},
		"o1":           {Name: "o1", MaxTokens: 8192, TemperatureMin: 0, TemperatureMax: 2},
		"o1-mini":      {Name: "o1-mini", MaxTokens: 4096, TemperatureMin: 0, TemperatureMax: 2},
	},
	ProviderGroq: {
		"meta-llama/llama-4-scout-17b-16e-instruct": {
			Name:      "meta-llama/llama-4-scout-17b-16e-instruct",
			MaxTokens: 32768, TemperatureMin: 0, TemperatureMax: 2,
		},
		"deepseek-r1-distill-llama-70b": {
			Name:      "deepseek-r1-distill-llama-70b",
			MaxTokens: 32768, TemperatureMin: 0, TemperatureMax: 2,
		},
		"llama-3.3-70b-versatile": {
			Name:      "llama-3.3-70b-versatile",
			MaxTokens: 32768, TemperatureMin: 0, TemperatureMax: 2,
		},
		"llama-3.1-8b-instant": {
			Name:      "llama-3.1-8b-instant",
			MaxTokens: 32768, TemperatureMin: 0, TemperatureMax: 2,
		},
		"mistral-saba-24b": {
			Name:      "mistral-saba-24b",
			MaxTokens: 32768, TemperatureMin: 0, TemperatureMax: 2,
		},
		"qwen-qwq-32b": {
			Name:      "qwen-qwq-32b",
			MaxTokens: 32768, TemperatureMin: 0, TemperatureMax: 2,
		},
		"mixtral-8x7b-32768": {
			Name:      "mixtral-8x7b-32768",
			MaxTokens: 32768, TemperatureMin: 0, TemperatureMax: 2,
		},
		"gemma2-9b-it": {
			Name:      "gemma2-9b-it",
			MaxTokens: 32768, TemperatureMin: 0, TemperatureMax: 2,
		},
	},
}

// defaultProviderModels maps each provider to the model used when a
// guild hasn't picked one.
var defaultProviderModels = map[AIProviderName]string{
	ProviderOpenAI: "gpt-4-turbo",
	ProviderGroq:   DefaultGroqModel,
}

// ValidateProviderModel checks that the named model belongs to the
// named provider's capability table.
func ValidateProviderModel(provider AIProviderName, model string) (ModelCapability, error) {
	models, ok := providerModels[provider]
	if !ok {
		return ModelCapability{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	capability, ok := models[model]
	if !ok {
		return ModelCapability{}, fmt.Errorf(
			"%w %s: %s", ErrUnknownModel, provider, model,
		)
	}
	return capability, nil
}

// ProviderModelNames lists the model names known for a provider.
func ProviderModelNames(provider AIProviderName) []string {
	models := providerModels[provider]
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	return names
}

// ChatOptions carries the per-request completion parameters.
type ChatOptions struct {
	Temperature float32
	MaxTokens   int
}

// ChatStream yields completion text fragments. A stream is finite and
// not restartable; a fresh StreamChat call must be made per request.
// Recv returns io.EOF when the stream is exhausted.
type ChatStream interface {
	Recv() (string, error)
	Close() error
}

// ChatStreamer is the single model-call contract exposed by each
// provider adapter.
type ChatStreamer interface {
	StreamChat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (
		ChatStream,
		error,
	)
	Name() AIProviderName
}

// ProviderAdapter is a streaming-completion client over one backing
// vendor. Both supported vendors speak the OpenAI wire protocol, so a
// single openai client serves either one; Groq is reached through its
// compatibility endpoint.
type ProviderAdapter struct {
	name           AIProviderName
	model          string
	client         *openai.Client
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

// NewProviderAdapter builds an adapter for the given provider/model
// pair. The provider's credential is validated before any network
// call; a missing credential fails fast naming the provider.
func NewProviderAdapter(
	name AIProviderName,
	model string,
	cfg *ProviderConfig,
	logger *slog.Logger,
	httpClient *http.Client,
) (*ProviderAdapter, error) {
	if model == "" {
		model = defaultProviderModels[name]
	}
	if _, err := ValidateProviderModel(name, model); err != nil {
		return nil, err
	}

	var token string
	switch name {
	case ProviderOpenAI:
		token = cfg.OpenAIToken
	case ProviderGroq:
		token = cfg.GroqToken
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if token == "" {
		return nil, fmt.Errorf("%s API key is not configured", strings.ToUpper(string(name)))
	}

	clientCfg := openai.DefaultConfig(token)
	if name == ProviderGroq {
		clientCfg.BaseURL = groqBaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	if logger == nil {
		logger = slog.Default()
	}
	maxPerSecond := cfg.MaxRequestsPerSecond
	if maxPerSecond <= 0 {
		maxPerSecond = DefaultProviderMaxRequestsPerSecond
	}

	return &ProviderAdapter{
		name:           name,
		model:          model,
		client:         openai.NewClientWithConfig(clientCfg),
		logger:         logger.With(loggerNameKey, string(name)),
		requestLimiter: rate.NewLimiter(rate.Limit(maxPerSecond), 1),
	}, nil
}

func (p *ProviderAdapter) Name() AIProviderName {
	return p.name
}

func (p *ProviderAdapter) Model() string {
	return p.model
}

// StreamChat requests a streaming completion. The system-role message,
// if present among the input, is relocated to the first position
// before dispatch to satisfy provider ordering expectations.
func (p *ProviderAdapter) StreamChat(
	ctx context.Context,
	messages []ChatMessage,
	opts ChatOptions,
) (ChatStream, error) {
	if err := p.requestLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	ordered := orderSystemFirst(messages)
	chatMessages := make([]openai.ChatCompletionMessage, 0, len(ordered))
	for _, m := range ordered {
		chatMessages = append(
			chatMessages, openai.ChatCompletionMessage{
				Role:    m.Role,
				Content: m.Content,
			},
		)
	}

	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    chatMessages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      true,
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("AI provider error (%s): %w", p.name, err)
	}
	return &openaiChatStream{stream: stream}, nil
}

// orderSystemFirst moves the system-role message (if any) to the front
// of the slice, preserving the relative order of the rest.
func orderSystemFirst(messages []ChatMessage) []ChatMessage {
	systemAt := -1
	for i, m := range messages {
		if m.Role == RoleSystem {
			systemAt = i
			break
		}
	}
	if systemAt <= 0 {
		return messages
	}
	ordered := make([]ChatMessage, 0, len(messages))
	ordered = append(ordered, messages[systemAt])
	for i, m := range messages {
		if i != systemAt {
			ordered = append(ordered, m)
		}
	}
	return ordered
}

type openaiChatStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openaiChatStream) Recv() (string, error) {
	for {
		response, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		return delta, nil
	}
}

func (s *openaiChatStream) Close() error {
	return s.stream.Close()
}

// CollectStream drains a ChatStream, concatenating all fragments.
func CollectStream(stream ChatStream) (string, error) {
	defer func() {
		_ = stream.Close()
	}()
	var sb strings.Builder
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(fragment)
	}
}
