package pixie

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/lmittmann/tint"
)

// Classifier completions are cheap and tightly bounded: near-zero
// temperature and a hard token ceiling, since only a YES/NO (or a
// short location string) is ever needed.
const (
	classifierTemperature = float32(0.1)
	classifierMaxTokens   = 10
	extractionMaxTokens   = 20
)

const needsWebSearchInstruction = "Your task is to determine if a web search " +
	"is needed to properly answer the user query. Respond with \"YES\" or " +
	"\"NO\". Only respond YES if the question requires current or real-time " +
	"information."

const isWeatherQueryInstruction = "Your task is to determine if the user is " +
	"asking about current weather conditions or a weather forecast for some " +
	"location. Respond with \"YES\" or \"NO\"."

const extractLocationInstruction = "Extract the location name from the " +
	"user's weather question. Respond with only the location, nothing else. " +
	"If there is no location, respond with \"NONE\".\n\n" +
	"Examples:\n" +
	"Input: what's the weather like in Paris?\nOutput: Paris\n" +
	"Input: is it raining in New York City right now\nOutput: New York City\n" +
	"Input: how cold is it outside?\nOutput: NONE"

// locationPatterns are tried in order before any model call. Each
// pattern captures the location in its first group.
var locationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bweather\s+(?:like\s+)?(?:in|at|for|near)\s+(.+?)\s*[?.!]*$`),
	regexp.MustCompile(`(?i)\btemperature\s+(?:in|at|for|near)\s+(.+?)\s*[?.!]*$`),
	regexp.MustCompile(`(?i)\bforecast\s+(?:in|at|for|near)\s+(.+?)\s*[?.!]*$`),
	regexp.MustCompile(`(?i)\b(?:raining|snowing|sunny|cold|hot|windy)\s+(?:in|at|near)\s+(.+?)\s*[?.!]*$`),
}

// locationPrepositions are stripped from the front of an extracted
// location.
var locationPrepositions = map[string]bool{
	"in":     true,
	"at":     true,
	"on":     true,
	"for":    true,
	"near":   true,
	"around": true,
	"of":     true,
	"the":    true,
}

// IntentClassifier answers yes/no routing questions about a user
// query with constrained one-shot completions.
type IntentClassifier struct {
	provider ChatStreamer
	logger   *slog.Logger
}

func NewIntentClassifier(provider ChatStreamer, logger *slog.Logger) *IntentClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentClassifier{
		provider: provider,
		logger:   logger.With(loggerNameKey, "intent"),
	}
}

// NeedsWebSearch reports whether a query requires current or
// real-time information. Classification errors report false, so a
// misbehaving provider degrades to the no-tools path.
func (c *IntentClassifier) NeedsWebSearch(ctx context.Context, query string) bool {
	return c.classify(ctx, needsWebSearchInstruction, query)
}

// IsWeatherQuery reports whether a query asks about weather
// conditions or a forecast.
func (c *IntentClassifier) IsWeatherQuery(ctx context.Context, query string) bool {
	return c.classify(ctx, isWeatherQueryInstruction, query)
}

// classify runs one yes/no completion. Any fragment containing "yes"
// (case-insensitive) is a positive signal; the stream is abandoned as
// soon as one is seen.
func (c *IntentClassifier) classify(
	ctx context.Context,
	instruction string,
	query string,
) bool {
	stream, err := c.provider.StreamChat(
		ctx,
		[]ChatMessage{
			{Role: RoleSystem, Content: instruction},
			{Role: RoleUser, Content: query},
		},
		ChatOptions{Temperature: classifierTemperature, MaxTokens: classifierMaxTokens},
	)
	if err != nil {
		c.logger.ErrorContext(ctx, "classification call failed", tint.Err(err))
		return false
	}
	defer func() {
		_ = stream.Close()
	}()

	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return false
		}
		if err != nil {
			c.logger.ErrorContext(ctx, "classification stream failed", tint.Err(err))
			return false
		}
		if strings.Contains(strings.ToLower(fragment), "yes") {
			return true
		}
	}
}

// matchLocationPattern is the pure pattern-matching stage of location
// extraction. It reports the captured location and whether any
// pattern matched.
func matchLocationPattern(query string) (string, bool) {
	for _, pattern := range locationPatterns {
		match := pattern.FindStringSubmatch(query)
		if len(match) < 2 {
			continue
		}
		location := trimLocationPrepositions(match[1])
		if location != "" {
			return location, true
		}
	}
	return "", false
}

// trimLocationPrepositions drops leading prepositions and articles
// from an extracted location string.
func trimLocationPrepositions(location string) string {
	words := strings.Fields(strings.TrimSpace(location))
	for len(words) > 0 && locationPrepositions[strings.ToLower(words[0])] {
		words = words[1:]
	}
	return strings.Join(words, " ")
}

// ExtractLocation pulls the location out of a weather query. The
// pattern stage runs first; the model fallback is only consulted when
// no pattern matches. An empty result means the user must be asked to
// name a location; it is not an error.
func (c *IntentClassifier) ExtractLocation(ctx context.Context, query string) string {
	if location, ok := matchLocationPattern(query); ok {
		return location
	}

	stream, err := c.provider.StreamChat(
		ctx,
		[]ChatMessage{
			{Role: RoleSystem, Content: extractLocationInstruction},
			{Role: RoleUser, Content: query},
		},
		ChatOptions{Temperature: classifierTemperature, MaxTokens: extractionMaxTokens},
	)
	if err != nil {
		c.logger.ErrorContext(ctx, "location extraction failed", tint.Err(err))
		return ""
	}

	extracted, err := CollectStream(stream)
	if err != nil {
		c.logger.ErrorContext(ctx, "location extraction stream failed", tint.Err(err))
		return ""
	}

	extracted = strings.TrimSpace(extracted)
	if extracted == "" || strings.EqualFold(extracted, "none") {
		return ""
	}
	return trimLocationPrepositions(extracted)
}
