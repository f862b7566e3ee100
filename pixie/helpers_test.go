package pixie

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a logger suitable for test output.
func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return newTintLogger(os.Stdout, slog.LevelWarn, t.Name())
}

// testDBI creates a migrated, seeded sqlite database in a temp dir
// and wraps it in the DBI interface.
func testDBI(t testing.TB) DBI {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", filepath.Base(t.Name())))

	ctx := context.Background()
	db, err := CreateDB(ctx, dbTypeSQLite, dbfile)
	require.NoError(t, err)
	require.NoError(t, seedPermissions(ctx, db, testLogger(t)))

	dbi := NewDatabase(db, testLogger(t))
	require.NoError(t, dbi.Connect(ctx))
	t.Cleanup(
		func() {
			_ = dbi.Disconnect()
		},
	)
	return dbi
}

// scriptedStream replays fixed fragments, then io.EOF (or err, when
// set).
type scriptedStream struct {
	fragments []string
	err       error
	closed    bool
}

func (s *scriptedStream) Recv() (string, error) {
	if len(s.fragments) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	fragment := s.fragments[0]
	s.fragments = s.fragments[1:]
	return fragment, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type providerCall struct {
	messages []ChatMessage
	opts     ChatOptions
}

// scriptedProvider hands out one scripted stream per StreamChat call,
// recording the messages and options it was called with. Calls past
// the end of the script get an empty stream.
type scriptedProvider struct {
	streams []ChatStream
	errs    []error
	calls   []providerCall
}

func (p *scriptedProvider) StreamChat(
	_ context.Context,
	messages []ChatMessage,
	opts ChatOptions,
) (ChatStream, error) {
	p.calls = append(p.calls, providerCall{messages: messages, opts: opts})
	i := len(p.calls) - 1
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i < len(p.streams) {
		return p.streams[i], nil
	}
	return &scriptedStream{}, nil
}

func (p *scriptedProvider) Name() AIProviderName {
	return ProviderOpenAI
}

// recordingNotifier records callback order and payloads.
type recordingNotifier struct {
	events  []string
	results [][]SearchResult
}

func (n *recordingNotifier) SearchStarted(context.Context) {
	n.events = append(n.events, "search_started")
}

func (n *recordingNotifier) SearchResults(_ context.Context, results []SearchResult) {
	n.events = append(n.events, "search_results")
	n.results = append(n.results, results)
}

func (n *recordingNotifier) WeatherStarted(context.Context) {
	n.events = append(n.events, "weather_started")
}

// stubSearcher returns fixed results, recording each query.
type stubSearcher struct {
	results []SearchResult
	queries []string
	limits  []int
}

func (s *stubSearcher) Search(_ context.Context, query string, limit int) []SearchResult {
	s.queries = append(s.queries, query)
	s.limits = append(s.limits, limit)
	return s.results
}

// stubWeather returns a fixed report, recording each location.
type stubWeather struct {
	report    *WeatherReport
	err       error
	locations []string
}

func (s *stubWeather) CurrentWeather(
	_ context.Context,
	location string,
) (*WeatherReport, error) {
	s.locations = append(s.locations, location)
	return s.report, s.err
}

func TestTruncate(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{
			name:     "shorter than limit",
			input:    "short",
			limit:    10,
			expected: "short",
		},
		{
			name:     "equal to limit",
			input:    "exactly",
			limit:    7,
			expected: "exactly",
		},
		{
			name:     "longer than limit",
			input:    "this is a long string",
			limit:    4,
			expected: "this",
		},
		{
			name:     "multibyte runes counted as one",
			input:    "héllo wörld",
			limit:    5,
			expected: "héllo",
		},
		{
			name:     "empty input",
			input:    "",
			limit:    5,
			expected: "",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, truncate(tc.input, tc.limit))
			},
		)
	}
}

func TestSplitNotificationPayload(t *testing.T) {
	notifierID, payload, ok := splitNotificationPayload("abc123:9876")
	require.True(t, ok)
	assert.Equal(t, "abc123", notifierID)
	assert.Equal(t, "9876", payload)

	_, _, ok = splitNotificationPayload("no-separator")
	assert.False(t, ok)

	notifierID, payload, ok = splitNotificationPayload("id:")
	require.True(t, ok)
	assert.Equal(t, "id", notifierID)
	assert.Empty(t, payload)
}

func TestGenerateRandomHexString(t *testing.T) {
	first, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Equal(t, 32, len(first))

	second, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestStructToSlogValueRedactsTaggedFields(t *testing.T) {
	type secretive struct {
		Name   string `json:"name"`
		Token  string `json:"token" log:"[redacted]"`
		Ignore string `json:"-"`
	}

	value := structToSlogValue(
		secretive{
			Name:  "pixie",
			Token: "super-secret-token",
		},
	)
	require.Equal(t, slog.KindGroup, value.Kind())

	attrs := map[string]string{}
	for _, attr := range value.Group() {
		attrs[attr.Key] = attr.Value.String()
	}
	assert.Equal(t, "pixie", attrs["name"])
	assert.Equal(t, "[redacted]", attrs["token"])
	assert.NotContains(t, fmt.Sprintf("%v", value), "super-secret-token")
}

func TestStructToSlogValueSkipsEmptyFields(t *testing.T) {
	type inner struct {
		Set   string  `json:"set"`
		Empty string  `json:"empty"`
		Nil   *string `json:"nil"`
	}

	value := structToSlogValue(&inner{Set: "yes"})
	require.Equal(t, slog.KindGroup, value.Kind())
	group := value.Group()
	require.Len(t, group, 1)
	assert.Equal(t, "set", group[0].Key)

	assert.Equal(t, slog.KindAny, structToSlogValue(nil).Kind())
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()
	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	logger := testLogger(t)
	ctx = WithLogger(ctx, logger)
	found, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, found)
}
