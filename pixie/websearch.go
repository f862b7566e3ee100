package pixie

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const webSearchSourceName = "Tavily Search"

// SearchResult is one normalized web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Source  string `json:"source"`
}

// WebSearcher is the web search tool contract. Implementations are
// best-effort: transport failures surface as empty result sets, never
// as errors.
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) []SearchResult
}

// TavilySearch invokes the Tavily search API.
type TavilySearch struct {
	baseURL     string
	apiKey      string
	searchDepth string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewTavilySearch builds a search client from config. The API key is
// required; its absence is a configuration error surfaced at startup
// rather than at query time.
func NewTavilySearch(
	cfg *TavilyConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*TavilySearch, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("tavily API key is not configured")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultTavilyBaseURL
	}
	searchDepth := cfg.SearchDepth
	if searchDepth == "" {
		searchDepth = DefaultTavilySearchDepth
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTavilyTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TavilySearch{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      cfg.Token,
		searchDepth: searchDepth,
		httpClient:  httpClient,
		logger:      logger.With(loggerNameKey, "web_search"),
	}, nil
}

type tavilySearchRequest struct {
	APIKey            string   `json:"api_key"`
	Query             string   `json:"query"`
	SearchDepth       string   `json:"search_depth"`
	MaxResults        int      `json:"max_results"`
	IncludeDomains    []string `json:"include_domains"`
	ExcludeDomains    []string `json:"exclude_domains"`
	IncludeAnswer     bool     `json:"include_answer"`
	IncludeRawContent bool     `json:"include_raw_content"`
	IncludeImages     bool     `json:"include_images"`
}

type tavilySearchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search queries Tavily, returning at most limit normalized results.
// Any failure (transport, status, decode) returns an empty slice.
func (t *TavilySearch) Search(
	ctx context.Context,
	query string,
	limit int,
) []SearchResult {
	if limit <= 0 {
		limit = DefaultTavilyMaxResults
	}
	payload := tavilySearchRequest{
		APIKey:         t.apiKey,
		Query:          query,
		SearchDepth:    t.searchDepth,
		MaxResults:     limit,
		IncludeDomains: []string{},
		ExcludeDomains: []string{},
		IncludeAnswer:  true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.logger.ErrorContext(ctx, "tavily request marshal failed", tint.Err(err))
		return []SearchResult{}
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		t.baseURL+"/search",
		bytes.NewReader(body),
	)
	if err != nil {
		t.logger.ErrorContext(ctx, "tavily request build failed", tint.Err(err))
		return []SearchResult{}
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.ErrorContext(ctx, "tavily search failed", tint.Err(err))
		return []SearchResult{}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		t.logger.ErrorContext(
			ctx,
			"tavily search returned non-200",
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", time.Since(started)),
		)
		return []SearchResult{}
	}

	var decoded tavilySearchResponse
	if err = json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.logger.ErrorContext(ctx, "tavily response decode failed", tint.Err(err))
		return []SearchResult{}
	}

	results := make([]SearchResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		results = append(
			results, SearchResult{
				Title:   r.Title,
				Link:    r.URL,
				Snippet: r.Content,
				Source:  webSearchSourceName,
			},
		)
	}
	t.logger.DebugContext(
		ctx,
		"tavily search complete",
		slog.String("query", query),
		slog.Int("results", len(results)),
		slog.Duration("duration", time.Since(started)),
	)
	return results
}

// FormatSearchResults renders results as markdown links with
// snippets, for embedding into a system message.
func FormatSearchResults(results []SearchResult) string {
	if len(results) == 0 {
		return "No search results found."
	}
	formatted := make([]string, 0, len(results))
	for _, r := range results {
		formatted = append(
			formatted,
			fmt.Sprintf("[%s](%s)\n%s", r.Title, r.Link, r.Snippet),
		)
	}
	return strings.Join(formatted, "\n\n")
}
