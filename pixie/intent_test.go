package pixie

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchLocationPattern(t *testing.T) {
	testCases := []struct {
		name     string
		query    string
		expected string
		matched  bool
	}{
		{
			name:     "weather in",
			query:    "what's the weather like in Paris?",
			expected: "Paris",
			matched:  true,
		},
		{
			name:     "weather for",
			query:    "weather for Tokyo",
			expected: "Tokyo",
			matched:  true,
		},
		{
			name:     "temperature in",
			query:    "what is the temperature in New York City",
			expected: "New York City",
			matched:  true,
		},
		{
			name:     "forecast near",
			query:    "forecast near Lake Tahoe!",
			expected: "Lake Tahoe",
			matched:  true,
		},
		{
			name:     "condition phrasing",
			query:    "is it raining in Seattle right now?",
			expected: "Seattle right now",
			matched:  true,
		},
		{
			name:     "leading article trimmed",
			query:    "what's the weather like in the Bay Area?",
			expected: "Bay Area",
			matched:  true,
		},
		{
			name:    "no location",
			query:   "how cold is it outside?",
			matched: false,
		},
		{
			name:    "not a weather query",
			query:   "explain binary search",
			matched: false,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				location, ok := matchLocationPattern(tc.query)
				assert.Equal(t, tc.matched, ok)
				assert.Equal(t, tc.expected, location)
			},
		)
	}
}

func TestTrimLocationPrepositions(t *testing.T) {
	assert.Equal(t, "Paris", trimLocationPrepositions("in Paris"))
	assert.Equal(t, "Bay Area", trimLocationPrepositions("around the Bay Area"))
	assert.Equal(t, "Oslo", trimLocationPrepositions("  Oslo "))
	assert.Empty(t, trimLocationPrepositions("in the"))
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name      string
		fragments []string
		streamErr error
		expected  bool
	}{
		{
			name:      "affirmative",
			fragments: []string{"YES"},
			expected:  true,
		},
		{
			name:      "affirmative lowercase split",
			fragments: []string{"ye", "yes, definitely"},
			expected:  true,
		},
		{
			name:      "negative",
			fragments: []string{"NO"},
			expected:  false,
		},
		{
			name:      "empty stream",
			fragments: nil,
			expected:  false,
		},
		{
			name:      "stream error reads as negative",
			fragments: nil,
			streamErr: errors.New("rate limited"),
			expected:  false,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				provider := &scriptedProvider{
					streams: []ChatStream{
						&scriptedStream{fragments: tc.fragments, err: tc.streamErr},
					},
				}
				classifier := NewIntentClassifier(provider, testLogger(t))
				assert.Equal(
					t,
					tc.expected,
					classifier.NeedsWebSearch(context.Background(), "some query"),
				)
				require.Len(t, provider.calls, 1)
				assert.Equal(t, classifierMaxTokens, provider.calls[0].opts.MaxTokens)
			},
		)
	}
}

func TestClassifyProviderError(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("no credentials")}}
	classifier := NewIntentClassifier(provider, testLogger(t))
	assert.False(t, classifier.IsWeatherQuery(context.Background(), "weather?"))
}

func TestExtractLocationPatternFirst(t *testing.T) {
	// A pattern match never reaches the model.
	provider := &scriptedProvider{}
	classifier := NewIntentClassifier(provider, testLogger(t))

	location := classifier.ExtractLocation(
		context.Background(),
		"what's the weather like in Lisbon?",
	)
	assert.Equal(t, "Lisbon", location)
	assert.Empty(t, provider.calls)
}

func TestExtractLocationModelFallback(t *testing.T) {
	testCases := []struct {
		name      string
		fragments []string
		expected  string
	}{
		{
			name:      "model names a location",
			fragments: []string{"London"},
			expected:  "London",
		},
		{
			name:      "model output is trimmed",
			fragments: []string{"  in Oslo \n"},
			expected:  "Oslo",
		},
		{
			name:      "NONE reads as no location",
			fragments: []string{"NONE"},
			expected:  "",
		},
		{
			name:      "empty output reads as no location",
			fragments: nil,
			expected:  "",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				provider := &scriptedProvider{
					streams: []ChatStream{&scriptedStream{fragments: tc.fragments}},
				}
				classifier := NewIntentClassifier(provider, testLogger(t))
				location := classifier.ExtractLocation(
					context.Background(),
					"will I need an umbrella tomorrow",
				)
				assert.Equal(t, tc.expected, location)
				require.Len(t, provider.calls, 1)
				assert.Equal(t, extractionMaxTokens, provider.calls[0].opts.MaxTokens)
			},
		)
	}
}

func TestExtractLocationProviderError(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("unavailable")}}
	classifier := NewIntentClassifier(provider, testLogger(t))
	assert.Empty(
		t,
		classifier.ExtractLocation(context.Background(), "will it snow tonight"),
	)
}
