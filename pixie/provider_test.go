package pixie

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateProviderModel(t *testing.T) {
	capability, err := ValidateProviderModel(ProviderOpenAI, "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", capability.Name)
	assert.Positive(t, capability.MaxTokens)

	_, err = ValidateProviderModel("anthropic", "claude")
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = ValidateProviderModel(ProviderOpenAI, "mixtral-8x7b-32768")
	require.ErrorIs(t, err, ErrUnknownModel)

	_, err = ValidateProviderModel(ProviderGroq, "llama-3.3-70b-versatile")
	require.NoError(t, err)
}

func TestProviderModelNames(t *testing.T) {
	names := ProviderModelNames(ProviderOpenAI)
	assert.Contains(t, names, DefaultOpenAIModel)
	assert.Contains(t, names, defaultProviderModels[ProviderOpenAI])

	names = ProviderModelNames(ProviderGroq)
	assert.Contains(t, names, DefaultGroqModel)

	assert.Empty(t, ProviderModelNames("anthropic"))
}

func TestNewProviderAdapter(t *testing.T) {
	cfg := &ProviderConfig{OpenAIToken: "sk-test", GroqToken: "gsk-test"}

	adapter, err := NewProviderAdapter(
		ProviderOpenAI,
		"gpt-4o",
		cfg,
		testLogger(t),
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, adapter.Name())
	assert.Equal(t, "gpt-4o", adapter.Model())

	// An empty model falls back to the provider default.
	adapter, err = NewProviderAdapter(ProviderOpenAI, "", cfg, testLogger(t), nil)
	require.NoError(t, err)
	assert.Equal(t, defaultProviderModels[ProviderOpenAI], adapter.Model())

	adapter, err = NewProviderAdapter(ProviderGroq, "", cfg, testLogger(t), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultGroqModel, adapter.Model())

	// Cross-provider models are rejected.
	_, err = NewProviderAdapter(ProviderGroq, "gpt-4o", cfg, testLogger(t), nil)
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestNewProviderAdapterMissingCredentials(t *testing.T) {
	cfg := &ProviderConfig{}

	_, err := NewProviderAdapter(ProviderOpenAI, "gpt-4o", cfg, testLogger(t), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI")

	_, err = NewProviderAdapter(
		ProviderGroq,
		"llama-3.1-8b-instant",
		cfg,
		testLogger(t),
		nil,
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GROQ")
}

func TestOrderSystemFirst(t *testing.T) {
	system := ChatMessage{Role: RoleSystem, Content: "context"}
	first := ChatMessage{Role: RoleUser, Content: "first"}
	second := ChatMessage{Role: RoleAssistant, Content: "second"}

	// A mid-list system message moves to the front; the rest keep
	// their relative order.
	ordered := orderSystemFirst([]ChatMessage{first, system, second})
	require.Len(t, ordered, 3)
	assert.Equal(t, []ChatMessage{system, first, second}, ordered)

	// Already first: unchanged.
	input := []ChatMessage{system, first, second}
	assert.Equal(t, input, orderSystemFirst(input))

	// No system message: unchanged.
	input = []ChatMessage{first, second}
	assert.Equal(t, input, orderSystemFirst(input))

	assert.Empty(t, orderSystemFirst(nil))
}

func TestCollectStream(t *testing.T) {
	stream := &scriptedStream{fragments: []string{"Hello", ", ", "world"}}
	collected, err := CollectStream(stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", collected)
	assert.True(t, stream.closed)

	failing := &scriptedStream{
		fragments: []string{"partial"},
		err:       errors.New("connection reset"),
	}
	collected, err = CollectStream(failing)
	require.Error(t, err)
	assert.Equal(t, "partial", collected)
	assert.True(t, failing.closed)
}
