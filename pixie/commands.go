package pixie

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// Slash command names.
const (
	DiscordSlashCommandSettings = "settings"
	DiscordSlashCommandClear    = "clear"
	DiscordSlashCommandModels   = "models"
	DiscordSlashCommandInvite   = "invite"
)

const (
	settingsSubcommandView = "view"
	settingsSubcommandSet  = "set"
)

// getDiscordUser returns the invoking user for either guild or DM
// interactions.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil {
		return i.Member.User
	}
	return i.User
}

func (*Discord) appCommandSettings() *discordgo.ApplicationCommand {
	minTemperature := 0.0
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandSettings,
		Description: "View and manage this server's AI settings",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:        settingsSubcommandView,
				Description: "View this server's settings",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
			},
			{
				Name:        settingsSubcommandSet,
				Description: "Change this server's settings",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandOption{
					{
						Name:        "ai_enabled",
						Description: "Enable or disable AI features",
						Type:        discordgo.ApplicationCommandOptionBoolean,
					},
					{
						Name:        "provider",
						Description: "LLM provider",
						Type:        discordgo.ApplicationCommandOptionString,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "OpenAI", Value: string(ProviderOpenAI)},
							{Name: "Groq", Value: string(ProviderGroq)},
						},
					},
					{
						Name:        "model",
						Description: "Model name (see /models)",
						Type:        discordgo.ApplicationCommandOptionString,
					},
					{
						Name:        "temperature",
						Description: "Sampling temperature",
						Type:        discordgo.ApplicationCommandOptionNumber,
						MinValue:    &minTemperature,
						MaxValue:    2,
					},
					{
						Name:        "max_tokens",
						Description: "Maximum completion tokens",
						Type:        discordgo.ApplicationCommandOptionInteger,
					},
					{
						Name:        "history_length",
						Description: "How many prior messages to include as context",
						Type:        discordgo.ApplicationCommandOptionInteger,
					},
				},
			},
		},
	}
}

func (*Discord) appCommandClear() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandClear,
		Description: "Clear your conversation history with me in this channel",
	}
}

func (*Discord) appCommandModels() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandModels,
		Description: "View a list of my supported LLM models and providers",
	}
}

func (*Discord) appCommandInvite() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandInvite,
		Description: "Get the invite link for the bot",
	}
}

// registerCommands bulk-overwrites the bot's slash commands, scoped
// to a single guild when GuildID is configured.
func (d *Discord) registerCommands(ctx context.Context) error {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandSettings(),
		d.appCommandClear(),
		d.appCommandModels(),
		d.appCommandInvite(),
	}
	registered, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
	)
	if err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	names := make([]string, 0, len(registered))
	for _, cmd := range registered {
		names = append(names, cmd.Name)
	}
	d.logger.InfoContext(
		ctx,
		"registered slash commands",
		slog.String("commands", strings.Join(names, ", ")),
	)
	return nil
}

// respondEphemeral sends an ephemeral text response to an
// interaction.
func (d *Discord) respondEphemeral(i *discordgo.InteractionCreate, content string) {
	err := d.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: truncate(content, discordMaxMessageLength),
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		d.logger.Error("error responding to interaction", tint.Err(err))
	}
}

func (d *Discord) respondEmbed(i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	err := d.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
			},
		},
	)
	if err != nil {
		d.logger.Error("error responding to interaction", tint.Err(err))
	}
}

// handlerInteractionCreate dispatches slash command invocations.
func (d *Discord) handlerInteractionCreate() func(
	*discordgo.Session,
	*discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		ctx := WithLogger(context.Background(), d.logger)
		data := i.ApplicationCommandData()
		switch data.Name {
		case DiscordSlashCommandSettings:
			d.commandSettings(ctx, i, data)
		case DiscordSlashCommandClear:
			d.commandClear(ctx, i)
		case DiscordSlashCommandModels:
			d.commandModels(i)
		case DiscordSlashCommandInvite:
			d.commandInvite(i)
		default:
			d.logger.WarnContext(
				ctx,
				"unknown command",
				slog.String("name", data.Name),
			)
		}
	}
}

func (d *Discord) commandSettings(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	if i.GuildID == "" {
		d.respondEphemeral(i, "This command can only be used in a server.")
		return
	}
	guild, err := d.p.GetOrCreateGuild(ctx, i.GuildID)
	if err != nil {
		d.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	settings, err := d.p.ai.GetOrCreateGuildSettings(ctx, guild)
	if err != nil {
		d.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}

	if len(data.Options) == 0 {
		d.respondEphemeral(i, "Please specify a subcommand.")
		return
	}
	sub := data.Options[0]
	switch sub.Name {
	case settingsSubcommandView:
		d.respondEmbed(i, settingsEmbed(guild, settings))
	case settingsSubcommandSet:
		d.commandSettingsSet(ctx, i, guild, settings, sub.Options)
	default:
		d.respondEphemeral(i, "Please specify a subcommand.")
	}
}

func (d *Discord) commandSettingsSet(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	guild *Guild,
	settings *GuildSettings,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) {
	actor := getDiscordUser(i)
	if actor == nil {
		d.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	if err := d.p.permissions.RequirePermission(
		ctx,
		DiscordRef(actor.ID),
		DiscordRef(guild.DiscordID),
		PermissionManageGuild,
	); err != nil {
		d.respondEphemeral(
			i,
			"You do not have permission to manage settings in this server.",
		)
		return
	}
	if len(options) == 0 {
		d.respondEphemeral(i, "Nothing to change.")
		return
	}

	updated := *settings
	for _, opt := range options {
		switch opt.Name {
		case "ai_enabled":
			updated.AIEnabled = opt.BoolValue()
		case "provider":
			updated.AIProvider = opt.StringValue()
		case "model":
			updated.AIModel = opt.StringValue()
		case "temperature":
			updated.Temperature = float32(opt.FloatValue())
		case "max_tokens":
			updated.MaxTokens = int(opt.IntValue())
		case "history_length":
			updated.MaxConversationLength = int(opt.IntValue())
		}
	}

	if err := ValidateGuildSettings(&updated); err != nil {
		d.respondEphemeral(i, err.Error())
		return
	}
	if _, err := d.p.db.Save(ctx, &updated); err != nil {
		d.logger.ErrorContext(ctx, "error saving settings", tint.Err(err))
		d.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	d.p.notifier.GuildSettingsUpdated(ctx, guild.DiscordID)
	d.respondEphemeral(i, "Settings updated.")
}

func enabledMark(enabled bool) string {
	if enabled {
		return "✅ Enabled"
	}
	return "❌ Disabled"
}

func settingsEmbed(guild *Guild, settings *GuildSettings) *discordgo.MessageEmbed {
	allowedChannels := "All Channels"
	if channels, err := settings.AllowedChannelList(); err == nil && len(channels) > 0 {
		allowedChannels = strings.Join(channels, ", ")
	}
	return &discordgo.MessageEmbed{
		Title:       "Server Settings",
		Description: fmt.Sprintf("Settings for %s", guild.Name),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "AI Status", Value: enabledMark(settings.AIEnabled), Inline: true},
			{Name: "AI Provider", Value: settings.AIProvider, Inline: true},
			{Name: "AI Model", Value: settings.AIModel, Inline: true},
			{Name: "Max Tokens", Value: fmt.Sprintf("%d", settings.MaxTokens), Inline: true},
			{Name: "Temperature", Value: fmt.Sprintf("%.2f", settings.Temperature), Inline: true},
			{Name: "History Length", Value: fmt.Sprintf("%d", settings.MaxConversationLength), Inline: true},
			{Name: "Allowed Channels", Value: allowedChannels, Inline: true},
			{Name: "Reasoning", Value: enabledMark(settings.EnableReasoning), Inline: true},
			{Name: "Web Search", Value: enabledMark(settings.EnableWebSearch), Inline: true},
			{Name: "Weather", Value: enabledMark(settings.EnableWeather), Inline: true},
		},
	}
}

func (d *Discord) commandClear(ctx context.Context, i *discordgo.InteractionCreate) {
	actor := getDiscordUser(i)
	if actor == nil {
		d.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	user, _, err := d.p.db.GetOrCreateUser(
		ctx, actor.ID, UserProfile{
			Username:      actor.Username,
			Discriminator: actor.Discriminator,
			Avatar:        actor.Avatar,
		},
	)
	if err != nil {
		d.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	if err = d.p.conversations.ClearConversation(ctx, user.ID, i.ChannelID); err != nil {
		d.logger.ErrorContext(ctx, "error clearing conversation", tint.Err(err))
		d.respondEphemeral(i, DefaultDiscordErrorMessage)
		return
	}
	d.respondEphemeral(i, "Your conversation history in this channel has been cleared.")
}

func (d *Discord) commandModels(i *discordgo.InteractionCreate) {
	providers := []AIProviderName{ProviderOpenAI, ProviderGroq}
	fields := make([]*discordgo.MessageEmbedField, 0, len(providers))
	for _, provider := range providers {
		names := ProviderModelNames(provider)
		sort.Strings(names)
		var sb strings.Builder
		sb.WriteString("```\n")
		for _, name := range names {
			capability := providerModels[provider][name]
			short := name
			if idx := strings.LastIndex(short, "/"); idx >= 0 {
				short = short[idx+1:]
			}
			fmt.Fprintf(&sb, "%-30s %d tokens\n", short, capability.MaxTokens)
		}
		sb.WriteString("```")
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  strings.ToUpper(string(provider)),
				Value: sb.String(),
			},
		)
	}
	d.respondEmbed(
		i, &discordgo.MessageEmbed{
			Title:       "Supported Models",
			Description: "Providers and models available via /settings set",
			Fields:      fields,
		},
	)
}

func (d *Discord) commandInvite(i *discordgo.InteractionCreate) {
	fields := []*discordgo.MessageEmbedField{}
	if d.config.BotInvite != "" {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:   "Invite Link",
				Value:  fmt.Sprintf("[Click here to invite me to your server](%s)", d.config.BotInvite),
				Inline: true,
			},
		)
	}
	if d.config.SupportServerInvite != "" {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:   "Support Server",
				Value:  fmt.Sprintf("[Join the support server](%s)", d.config.SupportServerInvite),
				Inline: true,
			},
		)
	}
	d.respondEmbed(
		i, &discordgo.MessageEmbed{
			Title:       "Woah, you want to invite me?",
			Description: "Hey there, thanks for wanting to invite me to your server!",
			Fields:      fields,
		},
	)
}
