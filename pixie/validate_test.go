package pixie

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStruct(t *testing.T) {
	type payload struct {
		Name  string `binding:"required"`
		Scope string `binding:"omitempty,oneof=user guild"`
	}

	require.NoError(t, validateStruct(payload{Name: "ok", Scope: "user"}))
	require.NoError(t, validateStruct(payload{Name: "ok"}))

	err := validateStruct(payload{Scope: "other"})
	require.Error(t, err)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Len(t, validationErr.Reasons, 2)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestValidateGuildSettings(t *testing.T) {
	valid := func() *GuildSettings {
		return DefaultGuildSettings(1)
	}

	testCases := []struct {
		name   string
		mutate func(*GuildSettings)
		reason string
	}{
		{
			name:   "unknown provider",
			mutate: func(s *GuildSettings) { s.AIProvider = "anthropic" },
			reason: ErrUnknownProvider.Error(),
		},
		{
			name: "model from the wrong provider",
			mutate: func(s *GuildSettings) {
				s.AIProvider = string(ProviderGroq)
			},
			reason: ErrUnknownModel.Error(),
		},
		{
			name:   "temperature too high",
			mutate: func(s *GuildSettings) { s.Temperature = 3.5 },
			reason: "temperature",
		},
		{
			name:   "temperature below range",
			mutate: func(s *GuildSettings) { s.Temperature = -0.5 },
			reason: "temperature",
		},
		{
			name:   "zero max tokens",
			mutate: func(s *GuildSettings) { s.MaxTokens = 0 },
			reason: "max_tokens",
		},
		{
			name:   "max tokens over model cap",
			mutate: func(s *GuildSettings) { s.MaxTokens = 1 << 20 },
			reason: "max_tokens",
		},
		{
			name:   "non-positive conversation length",
			mutate: func(s *GuildSettings) { s.MaxConversationLength = 0 },
			reason: "max_conversation_length",
		},
		{
			name:   "malformed allowed channels",
			mutate: func(s *GuildSettings) { s.AllowedChannels = "{not json" },
			reason: "allowed_channels",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				settings := valid()
				tc.mutate(settings)
				err := ValidateGuildSettings(settings)
				require.Error(t, err)
				var validationErr *ValidationError
				require.True(t, errors.As(err, &validationErr))
				assert.Contains(
					t,
					strings.Join(validationErr.Reasons, "; "),
					tc.reason,
				)
			},
		)
	}

	require.NoError(t, ValidateGuildSettings(valid()))

	// Groq settings validate against the groq capability table.
	groq := valid()
	groq.AIProvider = string(ProviderGroq)
	groq.AIModel = DefaultGroqModel
	groq.MaxTokens = 4096
	require.NoError(t, ValidateGuildSettings(groq))

	// Multiple violations are reported together.
	broken := valid()
	broken.Temperature = 9
	broken.MaxTokens = 0
	broken.MaxConversationLength = -1
	err := ValidateGuildSettings(broken)
	require.Error(t, err)
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Len(t, validationErr.Reasons, 3)
}
