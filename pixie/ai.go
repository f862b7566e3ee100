package pixie

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// User-facing notices for the gated and degraded paths.
const (
	NoticeAIDisabled        = "AI features are currently disabled for this server."
	NoticeChannelNotAllowed = "I'm not allowed to respond in this channel. " +
		"Ask a server admin to add it to my allowed channels."
	NoticeLocationUnclear = "I couldn't figure out which location you meant. " +
		"Could you tell me the city or place you'd like the weather for?"
	NoticeWeatherNotFound = "I couldn't find weather information for %q. " +
		"Try a nearby city or check the spelling."
)

// creatorNamePatterns canonicalize known variants of the creator's
// name in streamed completion text.
var creatorNamePatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)Code\s*Me\s*APixel`), "CodeMeAPixel"},
	{regexp.MustCompile(`(?i)Pixelated`), "CodeMeAPixel"},
}

// cleanResponse rewrites creator-name variants to their canonical
// spelling and trims surrounding whitespace.
func cleanResponse(text string) string {
	for _, p := range creatorNamePatterns {
		text = p.pattern.ReplaceAllString(text, p.replacement)
	}
	return strings.TrimSpace(text)
}

// Notifier receives single-fire status callbacks while a message is
// being handled, so the caller can update an in-flight status
// message. Callbacks arrive in order; SearchResults always fires
// before the completion call that consumes the results.
type Notifier interface {
	SearchStarted(ctx context.Context)
	SearchResults(ctx context.Context, results []SearchResult)
	WeatherStarted(ctx context.Context)
}

type noopNotifier struct{}

func (noopNotifier) SearchStarted(context.Context)                 {}
func (noopNotifier) SearchResults(context.Context, []SearchResult) {}
func (noopNotifier) WeatherStarted(context.Context)                {}

// EffectiveSettings is the resolved per-message configuration, from
// guild settings or DM defaults.
type EffectiveSettings struct {
	AIEnabled             bool
	Provider              AIProviderName
	Model                 string
	Temperature           float32
	MaxTokens             int
	MaxConversationLength int
	EnableWebSearch       bool
	EnableWeather         bool
}

// MessageOptions carries the per-message opt-ins and the notifier.
// Web search and weather are opt-in for DMs, where no guild settings
// apply.
type MessageOptions struct {
	EnableWebSearch bool
	EnableWeather   bool
	Notifier        Notifier
}

// MessageRequest is one inbound message for the orchestrator.
type MessageRequest struct {
	// Content is the raw message text, possibly carrying the bot
	// mention.
	Content string

	// BotUserID is the bot's own Discord user ID, for mention
	// stripping.
	BotUserID string

	User *User

	// Guild is nil for direct messages.
	Guild *Guild

	Channel ChannelInfo

	Prompt PromptContext

	Options MessageOptions
}

// providerFactory builds a ChatStreamer for a provider/model pair.
// Swappable in tests.
type providerFactory func(name AIProviderName, model string) (ChatStreamer, error)

// AIClient is the top-level message orchestrator: it resolves
// settings, loads history, classifies intent, invokes tools, streams
// the completion, and persists the exchange.
type AIClient struct {
	db            DBI
	conversations *ConversationStore
	webSearch     WebSearcher
	weather       WeatherFetcher
	botLog        *BotLogWriter
	config        *Config
	logger        *slog.Logger
	newProvider   providerFactory
}

func NewAIClient(
	db DBI,
	conversations *ConversationStore,
	webSearch WebSearcher,
	weather WeatherFetcher,
	botLog *BotLogWriter,
	cfg *Config,
	logger *slog.Logger,
) *AIClient {
	if logger == nil {
		logger = slog.Default()
	}
	componentLogger := logger.With(loggerNameKey, "ai")
	client := &AIClient{
		db:            db,
		conversations: conversations,
		webSearch:     webSearch,
		weather:       weather,
		botLog:        botLog,
		config:        cfg,
		logger:        componentLogger,
	}
	client.newProvider = func(name AIProviderName, model string) (ChatStreamer, error) {
		return NewProviderAdapter(
			name,
			model,
			cfg.Providers,
			componentLogger,
			cfg.HTTPClient,
		)
	}
	return client
}

// stripBotMention removes the bot's own mention token from the raw
// message text.
func stripBotMention(content, botUserID string) string {
	if botUserID == "" {
		return strings.TrimSpace(content)
	}
	mention := regexp.MustCompile(`<@!?` + regexp.QuoteMeta(botUserID) + `>\s*`)
	return strings.TrimSpace(mention.ReplaceAllString(content, ""))
}

// GetOrCreateGuildSettings loads the settings row for a guild,
// creating the default baseline if none exists yet.
func (c *AIClient) GetOrCreateGuildSettings(
	ctx context.Context,
	guild *Guild,
) (*GuildSettings, error) {
	var settings GuildSettings
	err := c.db.DB().WithContext(ctx).
		Where(fmt.Sprintf("%s = ?", columnGuildID), guild.ID).
		First(&settings).Error
	if err == nil {
		return &settings, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error loading guild settings: %w", err)
	}
	defaults := DefaultGuildSettings(guild.ID)
	if _, err = c.db.Create(ctx, defaults); err != nil {
		return nil, fmt.Errorf("error creating guild settings: %w", err)
	}
	return defaults, nil
}

// resolveSettings produces the effective per-message configuration.
// Guild messages use the guild's settings row; DMs use the provider
// defaults with tools explicitly opt-in via options.
func (c *AIClient) resolveSettings(
	ctx context.Context,
	req MessageRequest,
) (EffectiveSettings, error) {
	if req.Guild == nil {
		return EffectiveSettings{
			AIEnabled:             true,
			Provider:              ProviderOpenAI,
			Model:                 DefaultOpenAIModel,
			Temperature:           DefaultTemperature,
			MaxTokens:             DefaultMaxTokens,
			MaxConversationLength: DefaultMaxConversationLength,
			EnableWebSearch:       req.Options.EnableWebSearch,
			EnableWeather:         req.Options.EnableWeather,
		}, nil
	}

	settings, err := c.GetOrCreateGuildSettings(ctx, req.Guild)
	if err != nil {
		return EffectiveSettings{}, err
	}

	effective := EffectiveSettings{
		AIEnabled:             settings.AIEnabled,
		Provider:              AIProviderName(settings.AIProvider),
		Model:                 settings.AIModel,
		Temperature:           settings.Temperature,
		MaxTokens:             settings.MaxTokens,
		MaxConversationLength: settings.MaxConversationLength,
		EnableWebSearch:       settings.EnableWebSearch,
		EnableWeather:         settings.EnableWeather,
	}
	if effective.Provider == "" {
		effective.Provider = ProviderOpenAI
	}
	if effective.Model == "" {
		effective.Model = DefaultOpenAIModel
	}
	if effective.MaxConversationLength <= 0 {
		effective.MaxConversationLength = DefaultMaxConversationLength
	}
	return effective, nil
}

// HandleMessage runs the full orchestration flow for one inbound
// message and returns the final response text. Every successful exit
// path persists the (query, response) pair; unexpected errors are
// recorded to the bot log with truncated context and re-raised.
func (c *AIClient) HandleMessage(ctx context.Context, req MessageRequest) (string, error) {
	response, err := c.handleMessage(ctx, req)
	if err != nil {
		c.recordError(ctx, req, err)
		return "", err
	}
	return response, nil
}

func (c *AIClient) handleMessage(ctx context.Context, req MessageRequest) (string, error) {
	notifier := req.Options.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	settings, err := c.resolveSettings(ctx, req)
	if err != nil {
		return "", err
	}
	if !settings.AIEnabled {
		return NoticeAIDisabled, nil
	}

	history, err := c.conversations.GetRecentMessages(
		ctx,
		req.User.ID,
		req.Channel.DiscordID,
		settings.MaxConversationLength,
	)
	if err != nil {
		return "", err
	}

	query := stripBotMention(req.Content, req.BotUserID)

	var guildID *uint
	if req.Guild != nil {
		guildID = uintPointer(req.Guild.ID)
	}

	classifier := NewIntentClassifier(
		c.classifierProvider(settings),
		c.logger,
	)

	if settings.EnableWeather && c.weather != nil && classifier.IsWeatherQuery(ctx, query) {
		return c.handleWeatherQuery(ctx, req, classifier, notifier, guildID, query)
	}

	messages := make([]ChatMessage, 0, len(history)+3)
	messages = append(messages, history...)

	if settings.EnableWebSearch && c.webSearch != nil && classifier.NeedsWebSearch(ctx, query) {
		c.botLog.Record(
			ctx, "info", "Web search started", map[string]any{
				"user_id":    req.User.ID,
				"guild_id":   guildID,
				"channel_id": req.Channel.DiscordID,
				"query":      query,
			},
		)

		results := c.webSearch.Search(ctx, query, c.searchLimit())
		if len(results) > 0 {
			// Fired only once results exist, so a listener's status
			// message is never left pointing at an empty search.
			notifier.SearchStarted(ctx)
			c.botLog.Record(
				ctx, "info", "Web search completed", map[string]any{
					"user_id":       req.User.ID,
					"guild_id":      guildID,
					"channel_id":    req.Channel.DiscordID,
					"results_count": len(results),
				},
			)

			messages = append(
				messages, ChatMessage{
					Role:    RoleSystem,
					Content: searchContextMessage(results),
				},
			)

			// The results callback must land before the completion
			// call so a listener can update its status message while
			// the completion streams.
			notifier.SearchResults(ctx, results)
		}
	}

	messages = append(messages, ChatMessage{Role: RoleUser, Content: query})

	response, err := c.complete(ctx, messages, settings, req.Prompt)
	if err != nil {
		return "", err
	}

	if err = c.persistExchange(ctx, req, guildID, query, response); err != nil {
		return "", err
	}
	return response, nil
}

// handleWeatherQuery runs the weather sub-flow. It bypasses web
// search and the general completion path entirely.
func (c *AIClient) handleWeatherQuery(
	ctx context.Context,
	req MessageRequest,
	classifier *IntentClassifier,
	notifier Notifier,
	guildID *uint,
	query string,
) (string, error) {
	notifier.WeatherStarted(ctx)

	location := classifier.ExtractLocation(ctx, query)
	if location == "" {
		response := NoticeLocationUnclear
		if err := c.persistExchange(ctx, req, guildID, query, response); err != nil {
			return "", err
		}
		return response, nil
	}

	report, err := c.weather.CurrentWeather(ctx, location)
	if err != nil {
		return "", err
	}

	var response string
	if report == nil {
		response = fmt.Sprintf(NoticeWeatherNotFound, location)
	} else {
		response = FormatWeatherReport(report)
	}

	if err = c.persistExchange(ctx, req, guildID, query, response); err != nil {
		return "", err
	}
	return response, nil
}

// classifierProvider builds the cheap classifier adapter for the
// effective settings, reusing the guild's configured provider.
func (c *AIClient) classifierProvider(settings EffectiveSettings) ChatStreamer {
	provider, err := c.newProvider(settings.Provider, settings.Model)
	if err != nil {
		c.logger.Error("classifier provider unavailable", tint.Err(err))
		return unavailableProvider{err: err}
	}
	return provider
}

// unavailableProvider fails every call with the construction error,
// letting classification degrade to its negative default.
type unavailableProvider struct {
	err error
}

func (p unavailableProvider) StreamChat(
	context.Context,
	[]ChatMessage,
	ChatOptions,
) (ChatStream, error) {
	return nil, p.err
}

func (p unavailableProvider) Name() AIProviderName {
	return ""
}

// complete requests a streamed completion with the assembled system
// prompt, aggregating and cleaning fragments into the final text.
func (c *AIClient) complete(
	ctx context.Context,
	messages []ChatMessage,
	settings EffectiveSettings,
	prompt PromptContext,
) (string, error) {
	provider, err := c.newProvider(settings.Provider, settings.Model)
	if err != nil {
		return "", err
	}

	withSystem := make([]ChatMessage, 0, len(messages)+1)
	withSystem = append(
		withSystem,
		ChatMessage{Role: RoleSystem, Content: GenerateSystemPrompt(prompt)},
	)
	withSystem = append(withSystem, messages...)

	stream, err := provider.StreamChat(
		ctx,
		withSystem,
		ChatOptions{
			Temperature: settings.Temperature,
			MaxTokens:   settings.MaxTokens,
		},
	)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = stream.Close()
	}()

	var sb strings.Builder
	for {
		fragment, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", fmt.Errorf("completion stream failed: %w", recvErr)
		}
		sb.WriteString(fragment)
	}
	return cleanResponse(sb.String()), nil
}

// persistExchange appends the (user query, assistant response) pair
// to the conversation.
func (c *AIClient) persistExchange(
	ctx context.Context,
	req MessageRequest,
	guildID *uint,
	query string,
	response string,
) error {
	_, err := c.conversations.CreateOrUpdateConversation(
		ctx,
		req.User.ID,
		req.Channel,
		guildID,
		[]ChatMessage{
			{Role: RoleUser, Content: query},
			{Role: RoleAssistant, Content: response},
		},
	)
	return err
}

func (c *AIClient) searchLimit() int {
	if c.config != nil && c.config.Tavily != nil && c.config.Tavily.MaxResults > 0 {
		return c.config.Tavily.MaxResults
	}
	return DefaultTavilyMaxResults
}

// searchContextMessage embeds search snippets into a system message
// with usage instructions.
func searchContextMessage(results []SearchResult) string {
	var sb strings.Builder
	sb.WriteString("Recent web search results:")
	for _, r := range results {
		fmt.Fprintf(&sb, "\n\n%s\n%s", r.Title, r.Snippet)
	}
	sb.WriteString(
		"\n\nUse this information to provide an accurate, up-to-date " +
			"answer. Do not mention that you used web search unless " +
			"explicitly asked.",
	)
	return sb.String()
}

// recordError writes an orchestration failure to the bot log with
// truncated context before the error propagates.
func (c *AIClient) recordError(ctx context.Context, req MessageRequest, err error) {
	metadata := map[string]any{
		"user_id":    req.User.ID,
		"channel_id": req.Channel.DiscordID,
		"error":      truncate(err.Error(), 500),
	}
	if req.Guild != nil {
		metadata["guild_id"] = req.Guild.ID
	}
	c.botLog.Record(ctx, "error", "Message handling failed", metadata)
	c.logger.ErrorContext(
		ctx,
		"message handling failed",
		tint.Err(err),
		slog.Any("user", req.User),
		slog.String("channel_id", req.Channel.DiscordID),
	)
}
