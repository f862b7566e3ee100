package pixie

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

// ValidationError carries a human-readable reason list. Validation
// failures are never silently coerced; the reasons surface verbatim
// to API callers.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Reasons, "; "))
}

func newValidationError(reasons ...string) *ValidationError {
	return &ValidationError{Reasons: reasons}
}

// validateStruct runs binding-tag validation, converting field errors
// into a ValidationError reason list.
func validateStruct(v any) error {
	err := structValidator.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	reasons := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		reasons = append(
			reasons,
			fmt.Sprintf("%s failed '%s' validation", fe.Field(), fe.Tag()),
		)
	}
	return &ValidationError{Reasons: reasons}
}

// ValidateGuildSettings checks a settings row against the provider
// capability tables and value bounds before it's persisted.
func ValidateGuildSettings(settings *GuildSettings) error {
	var reasons []string

	provider := AIProviderName(settings.AIProvider)
	capability, err := ValidateProviderModel(provider, settings.AIModel)
	if err != nil {
		reasons = append(reasons, err.Error())
	} else {
		if settings.Temperature < capability.TemperatureMin ||
			settings.Temperature > capability.TemperatureMax {
			reasons = append(
				reasons,
				fmt.Sprintf(
					"temperature %.2f outside [%.1f, %.1f] for model %s",
					settings.Temperature,
					capability.TemperatureMin,
					capability.TemperatureMax,
					settings.AIModel,
				),
			)
		}
		if settings.MaxTokens <= 0 || settings.MaxTokens > capability.MaxTokens {
			reasons = append(
				reasons,
				fmt.Sprintf(
					"max_tokens %d outside (0, %d] for model %s",
					settings.MaxTokens,
					capability.MaxTokens,
					settings.AIModel,
				),
			)
		}
	}

	if settings.MaxConversationLength <= 0 {
		reasons = append(reasons, "max_conversation_length must be positive")
	}

	if settings.AllowedChannels != "" {
		var channels []string
		if err := json.Unmarshal(
			[]byte(settings.AllowedChannels), &channels,
		); err != nil {
			reasons = append(
				reasons,
				"allowed_channels must be a JSON array of channel IDs",
			)
		}
	}

	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}
