package pixie

import (
	"context"
	"log/slog"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDiscordSession records interaction responses and no-ops the rest
// of the session surface.
type stubDiscordSession struct {
	responses []*discordgo.InteractionResponse
}

func (s *stubDiscordSession) Open() error  { return nil }
func (s *stubDiscordSession) Close() error { return nil }

func (s *stubDiscordSession) AddHandler(any) func() {
	return func() {}
}

func (s *stubDiscordSession) ChannelMessageSend(
	string,
	string,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (s *stubDiscordSession) ChannelMessageSendReply(
	string,
	string,
	*discordgo.MessageReference,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (s *stubDiscordSession) ChannelMessageEdit(
	string,
	string,
	string,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (s *stubDiscordSession) ChannelTyping(
	string,
	...discordgo.RequestOption,
) error {
	return nil
}

func (s *stubDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: channelID}, nil
}

func (s *stubDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (s *stubDiscordSession) UpdateCustomStatus(string) error { return nil }

func (s *stubDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	s.responses = append(s.responses, resp)
	return nil
}

func (s *stubDiscordSession) InteractionResponseEdit(
	*discordgo.Interaction,
	*discordgo.WebhookEdit,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (s *stubDiscordSession) SetHTTPClient(*http.Client) {}

func (s *stubDiscordSession) SetLogLevel(slog.Level) error { return nil }

// lastResponseContent returns the content of the most recent
// interaction response.
func (s *stubDiscordSession) lastResponseContent(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, s.responses)
	resp := s.responses[len(s.responses)-1]
	require.NotNil(t, resp.Data)
	return resp.Data.Content
}

// newTestDiscord wires a Discord handler onto a sqlite-backed Pixie
// with a stub session.
func newTestDiscord(t *testing.T) (*Discord, *stubDiscordSession, *Pixie) {
	t.Helper()
	cfg := DefaultConfig()
	dbi := testDBI(t)
	logger := testLogger(t)

	p := &Pixie{
		config:                        cfg,
		db:                            dbi,
		logger:                        logger,
		triggerGuildSettingsRefreshCh: make(chan string, 1),
		signalStop:                    make(chan struct{}, 1),
	}
	p.conversations = NewConversationStore(dbi, logger)
	p.permissions = NewPermissionResolver(dbi, logger)
	p.botLog = NewBotLogWriter(dbi, logger)
	p.ai = NewAIClient(dbi, p.conversations, nil, nil, p.botLog, cfg, logger)

	notifier, err := newDBNotifier(p)
	require.NoError(t, err)
	p.notifier = notifier

	session := &stubDiscordSession{}
	d := &Discord{
		session: session,
		config:  cfg.Discord,
		logger:  logger,
		p:       p,
	}
	p.discord = d
	return d, session, p
}

func settingsInteraction(userID, guildID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionApplicationCommand,
			GuildID: guildID,
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID, Username: "someone"},
			},
		},
	}
}

func settingsSetData(
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) discordgo.ApplicationCommandInteractionData {
	return discordgo.ApplicationCommandInteractionData{
		Name: DiscordSlashCommandSettings,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:    settingsSubcommandSet,
				Type:    discordgo.ApplicationCommandOptionSubCommand,
				Options: options,
			},
		},
	}
}

func TestCommandSettingsSetRequiresManageGuild(t *testing.T) {
	d, session, p := newTestDiscord(t)
	ctx := context.Background()

	user := &User{DiscordID: "user-1", Username: "someone"}
	_, err := p.db.Create(ctx, user)
	require.NoError(t, err)
	guild, err := p.GetOrCreateGuild(ctx, "guild-1")
	require.NoError(t, err)
	member := &GuildMember{UserID: user.ID, GuildID: guild.ID}
	_, err = p.db.Create(ctx, member)
	require.NoError(t, err)

	disable := &discordgo.ApplicationCommandInteractionDataOption{
		Name:  "ai_enabled",
		Type:  discordgo.ApplicationCommandOptionBoolean,
		Value: false,
	}

	// manage_ai alone does not confer settings management; the command
	// requires manage_guild.
	require.NoError(
		t,
		p.permissions.GrantMemberPermission(ctx, member, PermissionManageAI),
	)
	d.commandSettings(
		ctx,
		settingsInteraction("user-1", "guild-1"),
		settingsSetData(disable),
	)
	assert.Contains(
		t,
		session.lastResponseContent(t),
		"do not have permission",
	)

	var row GuildSettings
	require.NoError(
		t,
		p.db.DB().Where("guild_id = ?", guild.ID).First(&row).Error,
	)
	assert.True(t, row.AIEnabled)

	// With manage_guild granted the same invocation lands.
	require.NoError(
		t,
		p.permissions.GrantMemberPermission(ctx, member, PermissionManageGuild),
	)
	d.commandSettings(
		ctx,
		settingsInteraction("user-1", "guild-1"),
		settingsSetData(disable),
	)
	assert.Equal(t, "Settings updated.", session.lastResponseContent(t))

	require.NoError(
		t,
		p.db.DB().Where("guild_id = ?", guild.ID).First(&row).Error,
	)
	assert.False(t, row.AIEnabled)

	select {
	case guildID := <-p.triggerGuildSettingsRefreshCh:
		assert.Equal(t, "guild-1", guildID)
	default:
		t.Fatal("expected a settings refresh signal")
	}
}

func TestCommandSettingsRequiresGuild(t *testing.T) {
	d, session, _ := newTestDiscord(t)

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			User: &discordgo.User{ID: "user-1"},
		},
	}
	d.commandSettings(context.Background(), i, settingsSetData())
	assert.Contains(
		t,
		session.lastResponseContent(t),
		"only be used in a server",
	)
}

func TestCommandClear(t *testing.T) {
	d, session, p := newTestDiscord(t)
	ctx := context.Background()

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ChannelID: "chan-1",
			User: &discordgo.User{
				ID:       "user-1",
				Username: "someone",
			},
		},
	}
	d.commandClear(ctx, i)
	assert.Contains(t, session.lastResponseContent(t), "has been cleared")

	user := p.db.ReloadUser("user-1")
	require.NotNil(t, user)

	// Clearing also works with history present.
	conversation, err := p.conversations.CreateOrUpdateConversation(
		ctx,
		user.ID,
		testChannelInfo("chan-1"),
		nil,
		[]ChatMessage{
			{Role: RoleUser, Content: "hello"},
			{Role: RoleAssistant, Content: "hi!"},
		},
	)
	require.NoError(t, err)
	require.NotNil(t, conversation)

	d.commandClear(ctx, i)
	assert.Contains(t, session.lastResponseContent(t), "has been cleared")

	var count int64
	require.NoError(
		t,
		p.db.DB().Model(&Message{}).
			Where("conversation_id = ?", conversation.ID).
			Count(&count).Error,
	)
	assert.Zero(t, count)
}
