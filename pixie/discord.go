package pixie

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// typingRefreshInterval refreshes the typing indicator slightly
	// faster than Discord's 10-second expiry.
	typingRefreshInterval = 9 * time.Second

	searchingStatusMessage = "\U0001f50d Searching online sources for relevant information..."
	analyzingStatusMessage = "\U0001f4ad Analyzing online information..."
	weatherStatusMessage   = "\U0001f324️ Checking the weather..."

	permissionDeniedMessage = "You do not have permission to use AI features in this server."
)

// DiscordSessionHandler abstracts the discordgo session operations the
// bot uses, so handlers can be exercised against a stub.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as
	// a reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageEdit(
		channelID string,
		messageID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping fires the typing indicator in the given channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	Channel(channelID string, options ...discordgo.RequestOption) (
		*discordgo.Channel,
		error,
	)

	// ApplicationCommandBulkOverwrite overwrites the bot's slash
	// commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given
	// string
	UpdateCustomStatus(status string) error

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session].
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Debug(
		"sending reply",
		slog.String("channel_id", channelID),
		slog.Int("content_length", len(content)),
	)
	return d.session.ChannelMessageSendReply(channelID, content, reference, options...)
}

func (d DiscordSession) ChannelMessageEdit(
	channelID string,
	messageID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEdit(channelID, messageID, content, options...)
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl {
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("unknown log level: %v", lvl)
	}
	return nil
}

// Discord manages the gateway session and event handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	connected                   atomic.Bool
	botUserID                   atomic.Value
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricMessagesHandled       atomic.Int64
	discordgoRemoveHandlerFuncs []func()
	p                           *Pixie
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token is not configured")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes the discordgo session with the configured
// intents and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.Identify.Intents = d.config.GatewayIntents
	disc.LogLevel = discordgo.LogDebug
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's own user ID, empty until the first
// ready event.
func (d *Discord) BotUserID() string {
	if v, ok := d.botUserID.Load().(string); ok {
		return v
	}
	return ""
}

func (d *Discord) handlerReady() func(*discordgo.Session, *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		d.logger.Info("discord ready", slog.String("bot_user_id", d.BotUserID()))
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("error setting custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(*discordgo.Session, *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		d.metricConnects.Add(1)
		d.logger.Info("connected to discord gateway")
	}
}

func (d *Discord) handlerDisconnect() func(*discordgo.Session, *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected from discord gateway")
	}
}

// startTypingRefresh fires the typing indicator immediately and then
// every typingRefreshInterval until the returned cancel func runs.
// Every handler exit path must call cancel to avoid leaking the
// ticker.
func (d *Discord) startTypingRefresh(
	ctx context.Context,
	channelID string,
) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	_ = d.session.ChannelTyping(channelID)
	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = d.session.ChannelTyping(channelID)
			}
		}
	}()
	return cancel
}

// banNotice renders the access-denied reply for a banned user or
// guild, with the expiry if the ban is temporary.
func banNotice(state BanState, supportInvite string) string {
	var notice string
	if state.BanExpiresAt != nil {
		expires := time.UnixMilli(*state.BanExpiresAt).UTC()
		notice = fmt.Sprintf(
			"Access denied: you are banned until %s.",
			expires.Format("January 2, 2006 15:04 MST"),
		)
	} else {
		notice = "Access denied: you are permanently banned."
	}
	if state.BanReason != "" {
		notice = fmt.Sprintf("%s Reason: %s", notice, state.BanReason)
	}
	if supportInvite != "" {
		notice = fmt.Sprintf(
			"%s\n\nIf you believe this is a mistake, join our support server: %s",
			notice,
			supportInvite,
		)
	}
	return notice
}

// searchStatusNotifier posts and edits an in-channel status message
// as the orchestrator's tool callbacks fire.
type searchStatusNotifier struct {
	d         *Discord
	channelID string
	reference *discordgo.MessageReference

	mu            sync.Mutex
	statusMessage *discordgo.Message
}

func (n *searchStatusNotifier) SearchStarted(ctx context.Context) {
	msg, err := n.d.session.ChannelMessageSendReply(
		n.channelID,
		searchingStatusMessage,
		n.reference,
	)
	if err != nil {
		n.d.logger.WarnContext(ctx, "error sending search status", tint.Err(err))
		return
	}
	n.mu.Lock()
	n.statusMessage = msg
	n.mu.Unlock()
}

func (n *searchStatusNotifier) SearchResults(ctx context.Context, _ []SearchResult) {
	n.mu.Lock()
	msg := n.statusMessage
	n.mu.Unlock()
	if msg == nil {
		return
	}
	if _, err := n.d.session.ChannelMessageEdit(
		n.channelID, msg.ID, analyzingStatusMessage,
	); err != nil {
		n.d.logger.WarnContext(ctx, "error updating search status", tint.Err(err))
	}
}

func (n *searchStatusNotifier) WeatherStarted(ctx context.Context) {
	msg, err := n.d.session.ChannelMessageSendReply(
		n.channelID,
		weatherStatusMessage,
		n.reference,
	)
	if err != nil {
		n.d.logger.WarnContext(ctx, "error sending weather status", tint.Err(err))
		return
	}
	n.mu.Lock()
	n.statusMessage = msg
	n.mu.Unlock()
}

// StatusMessage returns the in-flight status message, if one was
// posted.
func (n *searchStatusNotifier) StatusMessage() *discordgo.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.statusMessage
}

// messageMentionsUser reports whether the message mentions the given
// user ID.
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == userID {
			return true
		}
	}
	return false
}

// messageRepliesToUser reports whether the message is a reply to one
// of the given user's messages.
func messageRepliesToUser(m *discordgo.Message, userID string) bool {
	return m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == userID
}

// handlerMessageCreate is the main inbound-message entrypoint. It
// runs the access gates and hands allowed messages to the
// orchestrator.
func (d *Discord) handlerMessageCreate() func(
	*discordgo.Session,
	*discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		botUserID := d.BotUserID()
		if m.Author.ID == botUserID {
			return
		}

		ctx := WithLogger(context.Background(), d.logger)
		d.metricMessagesHandled.Add(1)

		user, _, err := d.p.db.GetOrCreateUser(
			ctx, m.Author.ID, UserProfile{
				Username:      m.Author.Username,
				Discriminator: m.Author.Discriminator,
				Avatar:        m.Author.Avatar,
			},
		)
		if err != nil {
			d.logger.ErrorContext(ctx, "error resolving user", tint.Err(err))
			return
		}

		if user.Banned(time.Now()) {
			d.reply(m.Message, banNotice(user.BanState, d.config.SupportServerInvite))
			return
		}

		if m.GuildID == "" {
			d.handleDirectMessage(ctx, m.Message, user)
			return
		}
		d.handleGuildMessage(ctx, m.Message, user)
	}
}

// reply sends content as a reply to the given message, logging (but
// not propagating) failures.
func (d *Discord) reply(m *discordgo.Message, content string) {
	if content == "" {
		return
	}
	_, err := d.session.ChannelMessageSendReply(
		m.ChannelID,
		truncate(content, discordMaxMessageLength),
		m.Reference(),
	)
	if err != nil {
		d.logger.Error("error sending reply", tint.Err(err))
	}
}

// channelInfo resolves display attributes for a channel, falling back
// to bare IDs if the lookup fails.
func (d *Discord) channelInfo(channelID string, dm bool) ChannelInfo {
	info := ChannelInfo{DiscordID: channelID, Type: ChannelTypeText}
	if dm {
		info.Type = ChannelTypeDM
		info.Name = "DM"
		return info
	}
	channel, err := d.session.Channel(channelID)
	if err != nil || channel == nil {
		return info
	}
	info.Name = channel.Name
	info.IsNSFW = channel.NSFW
	return info
}

func (d *Discord) handleDirectMessage(
	ctx context.Context,
	m *discordgo.Message,
	user *User,
) {
	cancelTyping := d.startTypingRefresh(ctx, m.ChannelID)
	defer cancelTyping()

	d.p.botLog.Record(
		ctx, "info", "DM message received", map[string]any{
			"user_id":    user.ID,
			"channel_id": m.ChannelID,
		},
	)

	notifier := &searchStatusNotifier{
		d:         d,
		channelID: m.ChannelID,
		reference: m.Reference(),
	}

	response, err := d.p.ai.HandleMessage(
		ctx, MessageRequest{
			Content:   m.Content,
			BotUserID: d.BotUserID(),
			User:      user,
			Channel:   d.channelInfo(m.ChannelID, true),
			Prompt: PromptContext{
				UserDiscordID:    user.DiscordID,
				Username:         user.Username,
				Discriminator:    user.Discriminator,
				ChannelDiscordID: m.ChannelID,
			},
			Options: MessageOptions{
				EnableWebSearch: true,
				EnableWeather:   true,
				Notifier:        notifier,
			},
		},
	)
	cancelTyping()
	d.deliver(m, notifier, response, err)
}

func (d *Discord) handleGuildMessage(
	ctx context.Context,
	m *discordgo.Message,
	user *User,
) {
	botUserID := d.BotUserID()
	if !messageMentionsUser(m, botUserID) && !messageRepliesToUser(m, botUserID) {
		return
	}

	guild, err := d.p.GetOrCreateGuild(ctx, m.GuildID)
	if err != nil {
		d.logger.ErrorContext(ctx, "error resolving guild", tint.Err(err))
		return
	}

	if guild.Banned(time.Now()) {
		d.p.botLog.Record(
			ctx, "warning", "Banned guild attempted access", map[string]any{
				"guild_id": guild.DiscordID,
				"reason":   truncate(guild.BanReason, 100),
			},
		)
		d.reply(m, banNotice(guild.BanState, d.config.SupportServerInvite))
		return
	}

	settings, err := d.p.ai.GetOrCreateGuildSettings(ctx, guild)
	if err != nil {
		d.logger.ErrorContext(ctx, "error loading guild settings", tint.Err(err))
		return
	}
	if !settings.AIEnabled {
		d.reply(m, NoticeAIDisabled)
		return
	}
	if !settings.ChannelAllowed(m.ChannelID) {
		d.reply(m, NoticeChannelNotAllowed)
		return
	}
	if err = d.p.permissions.RequirePermission(
		ctx,
		DiscordRef(user.DiscordID),
		DiscordRef(guild.DiscordID),
		PermissionUseAI,
	); err != nil {
		d.reply(m, permissionDeniedMessage)
		return
	}

	cancelTyping := d.startTypingRefresh(ctx, m.ChannelID)
	defer cancelTyping()

	notifier := &searchStatusNotifier{
		d:         d,
		channelID: m.ChannelID,
		reference: m.Reference(),
	}

	response, err := d.p.ai.HandleMessage(
		ctx, MessageRequest{
			Content:   m.Content,
			BotUserID: botUserID,
			User:      user,
			Guild:     guild,
			Channel:   d.channelInfo(m.ChannelID, false),
			Prompt: PromptContext{
				UserDiscordID:    user.DiscordID,
				Username:         user.Username,
				Discriminator:    user.Discriminator,
				GuildName:        guild.Name,
				ChannelDiscordID: m.ChannelID,
			},
			Options: MessageOptions{
				EnableWebSearch: settings.EnableWebSearch,
				EnableWeather:   settings.EnableWeather,
				Notifier:        notifier,
			},
		},
	)
	cancelTyping()
	d.deliver(m, notifier, response, err)
}

// deliver sends the final response, editing the in-flight status
// message when one exists rather than posting a second reply.
func (d *Discord) deliver(
	m *discordgo.Message,
	notifier *searchStatusNotifier,
	response string,
	err error,
) {
	if err != nil {
		d.reply(m, DefaultDiscordErrorMessage)
		return
	}
	if response == "" {
		return
	}
	response = truncate(response, discordMaxMessageLength)
	if status := notifier.StatusMessage(); status != nil {
		if _, editErr := d.session.ChannelMessageEdit(
			m.ChannelID, status.ID, response,
		); editErr == nil {
			return
		}
	}
	d.reply(m, response)
}

// adminPermissions are the platform permissions that mark a member as
// a guild admin at bootstrap time.
const adminPermissions = discordgo.PermissionAdministrator |
	discordgo.PermissionManageServer |
	discordgo.PermissionManageRoles |
	discordgo.PermissionManageChannels

// handlerGuildCreate bootstraps a newly joined guild: guild row with
// default settings, text channel rows, membership rows with admin
// detection, and baseline permission grants.
func (d *Discord) handlerGuildCreate() func(
	*discordgo.Session,
	*discordgo.GuildCreate,
) {
	return func(s *discordgo.Session, gc *discordgo.GuildCreate) {
		ctx := WithLogger(context.Background(), d.logger)
		if err := d.bootstrapGuild(ctx, s, gc.Guild); err != nil {
			d.logger.ErrorContext(
				ctx,
				"guild bootstrap failed",
				tint.Err(err),
				slog.String("guild_id", gc.ID),
			)
		}
	}
}

func (d *Discord) bootstrapGuild(
	ctx context.Context,
	s *discordgo.Session,
	g *discordgo.Guild,
) error {
	logger := d.logger.With(slog.String("guild_id", g.ID))
	logger.InfoContext(
		ctx,
		"initializing guild",
		slog.String("name", g.Name),
	)

	guild, err := d.p.GetOrCreateGuild(ctx, g.ID)
	if err != nil {
		return err
	}
	if guild.Name != g.Name || guild.Icon != g.Icon {
		guild.Name = g.Name
		guild.Icon = g.Icon
		if _, err = d.p.db.Save(ctx, guild); err != nil {
			return err
		}
	}

	if _, err = d.p.ai.GetOrCreateGuildSettings(ctx, guild); err != nil {
		return err
	}

	guildID := uintPointer(guild.ID)
	for _, channel := range g.Channels {
		if channel.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		row := Channel{
			DiscordID: channel.ID,
			GuildID:   guildID,
			Name:      channel.Name,
			Type:      ChannelTypeText,
			IsNSFW:    channel.NSFW,
		}
		if err = d.p.db.DB().WithContext(ctx).Where(
			Channel{DiscordID: channel.ID},
		).FirstOrCreate(&row).Error; err != nil {
			return fmt.Errorf("error creating channel %s: %w", channel.ID, err)
		}
	}

	for _, member := range g.Members {
		if member.User == nil || member.User.Bot {
			continue
		}
		isOwner := member.User.ID == g.OwnerID
		isAdmin := isOwner || d.memberHasAdminPermissions(s, g, member)
		if err = d.bootstrapMember(ctx, guild, member, isOwner, isAdmin); err != nil {
			logger.WarnContext(
				ctx,
				"error bootstrapping member",
				tint.Err(err),
				slog.String("user_id", member.User.ID),
			)
		}
	}

	logger.InfoContext(ctx, "guild initialized")
	return nil
}

// memberHasAdminPermissions checks the member's role permissions for
// any of the admin-marking bits.
func (d *Discord) memberHasAdminPermissions(
	s *discordgo.Session,
	g *discordgo.Guild,
	member *discordgo.Member,
) bool {
	if s == nil {
		return false
	}
	permissions, err := s.State.MessagePermissions(
		&discordgo.Message{
			GuildID:   g.ID,
			ChannelID: g.ID,
			Author:    member.User,
		},
	)
	if err == nil && permissions&int64(adminPermissions) != 0 {
		return true
	}
	// Fall back to role inspection when state lookup fails.
	roles := map[string]*discordgo.Role{}
	for _, role := range g.Roles {
		roles[role.ID] = role
	}
	for _, roleID := range member.Roles {
		role := roles[roleID]
		if role != nil && role.Permissions&int64(adminPermissions) != 0 {
			return true
		}
	}
	return false
}

// bootstrapMember creates the user and membership rows for one guild
// member and grants the baseline permissions: admins get everything
// via the admin flag plus explicit use_ai/manage_ai grants, regular
// members get use_ai.
func (d *Discord) bootstrapMember(
	ctx context.Context,
	guild *Guild,
	member *discordgo.Member,
	isOwner bool,
	isAdmin bool,
) error {
	user, _, err := d.p.db.GetOrCreateUser(
		ctx, member.User.ID, UserProfile{
			Username:      member.User.Username,
			Discriminator: member.User.Discriminator,
			Avatar:        member.User.Avatar,
		},
	)
	if err != nil {
		return err
	}

	row := GuildMember{UserID: user.ID, GuildID: guild.ID}
	if err = d.p.db.DB().WithContext(ctx).Where(
		GuildMember{UserID: user.ID, GuildID: guild.ID},
	).FirstOrCreate(&row).Error; err != nil {
		return fmt.Errorf("error creating membership: %w", err)
	}
	if isAdmin && !row.IsGuildAdmin {
		row.IsGuildAdmin = true
		if _, err = d.p.db.Save(ctx, &row); err != nil {
			return err
		}
	}

	grants := []string{PermissionUseAI}
	if isAdmin {
		grants = append(grants, PermissionManageAI)
	}
	if isOwner {
		grants = append(grants, PermissionManageGuild, PermissionManageUsers)
	}
	for _, name := range grants {
		if err = d.p.permissions.GrantMemberPermission(ctx, &row, name); err != nil {
			return err
		}
	}
	return nil
}

// handlerGuildDelete removes everything owned by a guild the bot
// left.
func (d *Discord) handlerGuildDelete() func(
	*discordgo.Session,
	*discordgo.GuildDelete,
) {
	return func(_ *discordgo.Session, gd *discordgo.GuildDelete) {
		// Unavailable means an outage, not a removal.
		if gd.Unavailable {
			return
		}
		ctx := WithLogger(context.Background(), d.logger)
		guild, err := d.p.FindGuild(ctx, gd.ID)
		if err != nil {
			d.logger.ErrorContext(ctx, "error loading guild", tint.Err(err))
			return
		}
		if guild == nil {
			d.logger.InfoContext(
				ctx,
				"guild not in database, skipping cleanup",
				slog.String("guild_id", gd.ID),
			)
			return
		}
		if err = d.p.conversations.DeleteGuildData(ctx, guild.ID); err != nil {
			d.logger.ErrorContext(ctx, "guild cleanup failed", tint.Err(err))
			return
		}
		d.logger.InfoContext(
			ctx,
			"cleaned up guild",
			slog.String("guild_id", gd.ID),
		)
	}
}
