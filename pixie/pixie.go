// Package pixie implements the Pixie Discord bot: an AI chat
// assistant backed by OpenAI or Groq, with per-guild settings,
// tiered permissions, conversation history, web search and weather
// tools, and a backend admin API.
package pixie

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/CodeMeAPixel/Pixie-Bot/pixie.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// Pixie is the top-level bot instance, wiring the database, the
// Discord gateway, the AI orchestrator, and the admin API together.
type Pixie struct {
	config *Config

	db            DBI
	discord       *Discord
	ai            *AIClient
	conversations *ConversationStore
	permissions   *PermissionResolver
	botLog        *BotLogWriter
	api           *API
	notifier      DBNotifier

	logger     *slog.Logger
	logHandler slog.Handler

	// signalStop enables an explicit stop signal to be sent to the
	// bot, via the /api/quit endpoint or a database notification.
	signalStop chan struct{}

	// triggerGuildSettingsRefreshCh receives guild IDs whose settings
	// rows changed, either locally or on another instance.
	triggerGuildSettingsRefreshCh chan string

	runMu     sync.Mutex
	startedAt time.Time
}

// New creates a Pixie instance from the given config. The database
// isn't touched until Run.
func New(config *Config) (*Pixie, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	p := &Pixie{
		config:                        config,
		triggerGuildSettingsRefreshCh: make(chan string, 1),
	}

	p.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	p.logger = slog.New(p.logHandler)
	slog.SetDefault(p.logger)

	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = newTintLogger(
			defaultLogWriter,
			config.Discord.LogLevel,
			"discord",
		)
		disc.p = p
		p.discord = disc
	}

	return p, errors.Join(errs...)
}

// ValidateConfig validates the bot configuration against its binding
// rules.
func (p *Pixie) ValidateConfig() error {
	return structValidator.Struct(p.config)
}

// Run starts the bot and blocks until the given context is canceled
// or a stop signal arrives, then shuts down gracefully.
func (p *Pixie) Run(ctx context.Context) error {
	// prevents concurrent runs
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.signalStop = make(chan struct{}, 1)
	p.startedAt = time.Now()
	logger := p.logger

	if err := p.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", p.config))

	// runtime context: canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			p.signalStop <- struct{}{}
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, p.config.StartupTimeout)
	defer startCancel()

	if err := p.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	runtimeWG := &sync.WaitGroup{}

	go func() {
		if serveErr := p.api.Serve(); serveErr != nil {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(serveErr))
		}
	}()

	if err := p.initDiscord(startCtx); err != nil {
		logger.ErrorContext(ctx, "error starting discord session", tint.Err(err))
		return err
	}

	p.startSettingsRefresher(ctx, runtimeWG)

	for _, channel := range []string{
		p.notifier.GuildSettingsChannelName(),
		p.notifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		channel := channel
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := p.notifier.Listen(ctx, channel); e != nil {
				logger.ErrorContext(
					ctx,
					"error listening on notify channel",
					tint.Err(e),
					slog.String("channel", channel),
				)
			}
		}()
	}

	logger.InfoContext(ctx, "pixie is running")
	<-ctx.Done()

	return p.shutdown(runtimeWG)
}

// initRun connects the database and constructs every component that
// depends on it.
func (p *Pixie) initRun(ctx context.Context) error {
	gormDB, err := CreateDB(ctx, p.config.DatabaseType, p.config.Database)
	if err != nil {
		return fmt.Errorf("error creating database: %w", err)
	}

	p.db = NewDatabase(gormDB, p.logger)
	if err = p.db.Connect(ctx); err != nil {
		return err
	}

	if err = seedPermissions(ctx, p.db.DB(), p.logger); err != nil {
		return fmt.Errorf("error seeding permissions: %w", err)
	}

	p.conversations = NewConversationStore(p.db, p.logger)
	p.permissions = NewPermissionResolver(p.db, p.logger)
	p.botLog = NewBotLogWriter(p.db, p.logger)

	var webSearch WebSearcher
	if p.config.Tavily.Token != "" {
		tavily, searchErr := NewTavilySearch(
			p.config.Tavily,
			p.config.HTTPClient,
			p.logger,
		)
		if searchErr != nil {
			return searchErr
		}
		webSearch = tavily
	} else {
		p.logger.Warn("tavily API key not set, web search disabled")
	}

	weather := NewOpenMeteoClient(
		p.config.Weather,
		p.config.HTTPClient,
		p.logger,
	)

	p.ai = NewAIClient(
		p.db,
		p.conversations,
		webSearch,
		weather,
		p.botLog,
		p.config,
		p.logger,
	)

	notifier, err := newDBNotifier(p)
	if err != nil {
		return err
	}
	p.notifier = notifier

	api, err := newAPI(p, p.config.API)
	if err != nil {
		return err
	}
	p.api = api
	return nil
}

// initDiscord opens the gateway session, registers event handlers,
// and overwrites the application's slash commands.
func (p *Pixie) initDiscord(ctx context.Context) error {
	session, err := p.discord.newSession()
	if err != nil {
		return err
	}
	p.discord.session = session

	p.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(p.discord.handlerReady()),
		session.AddHandler(p.discord.handlerConnect()),
		session.AddHandler(p.discord.handlerDisconnect()),
		session.AddHandler(p.discord.handlerMessageCreate()),
		session.AddHandler(p.discord.handlerGuildCreate()),
		session.AddHandler(p.discord.handlerGuildDelete()),
		session.AddHandler(p.discord.handlerInteractionCreate()),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if err = p.discord.registerCommands(ctx); err != nil {
		return fmt.Errorf("error registering slash commands: %w", err)
	}
	return nil
}

// startSettingsRefresher consumes guild-settings update signals.
// Settings are read from the database on each message, so the signal
// only needs to be drained and surfaced.
func (p *Pixie) startSettingsRefresher(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case guildID := <-p.triggerGuildSettingsRefreshCh:
				p.logger.InfoContext(
					ctx,
					"guild settings updated",
					slog.String("guild_id", guildID),
				)
			}
		}
	}()
}

func (p *Pixie) shutdown(runtimeWG *sync.WaitGroup) error {
	p.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		p.config.ShutdownTimeout,
	)
	defer cancel()

	var errs []error

	if p.discord != nil && p.discord.session != nil {
		for _, removeHandler := range p.discord.discordgoRemoveHandlerFuncs {
			removeHandler()
		}
		if err := p.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	if p.api != nil {
		if err := p.api.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("error stopping api server: %w", err))
		}
	}

	done := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		done <- struct{}{}
	}()
	select {
	case <-done:
		//
	case <-shutdownCtx.Done():
		p.logger.Warn("timed out waiting for runtime goroutines")
	}

	if p.db != nil {
		if err := p.db.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("error disconnecting database: %w", err))
		}
	}

	p.logger.Info("shutdown complete", slog.Duration("uptime", time.Since(p.startedAt)))
	return errors.Join(errs...)
}

// GetOrCreateGuild loads a guild row by its Discord ID, creating one
// if it doesn't exist yet.
func (p *Pixie) GetOrCreateGuild(ctx context.Context, discordID string) (*Guild, error) {
	if discordID == "" {
		return nil, errors.New("empty guild ID")
	}
	guild := Guild{DiscordID: discordID}
	err := p.db.DB().WithContext(ctx).
		Where("discord_id = ?", discordID).
		FirstOrCreate(&guild).Error
	if err != nil {
		return nil, fmt.Errorf("error loading guild %s: %w", discordID, err)
	}
	return &guild, nil
}

// FindGuild loads a guild row by its Discord ID, returning nil
// without error when no row exists.
func (p *Pixie) FindGuild(ctx context.Context, discordID string) (*Guild, error) {
	var guild Guild
	err := p.db.DB().WithContext(ctx).
		Where("discord_id = ?", discordID).
		First(&guild).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &guild, nil
}
