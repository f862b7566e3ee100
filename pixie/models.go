//nolint:lll // struct tags can't be split
package pixie

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

const (
	columnUserID         = "user_id"
	columnDiscordID      = "discord_id"
	columnGuildID        = "guild_id"
	columnChannelID      = "channel_id"
	columnConversationID = "conversation_id"
	columnIsBanned       = "is_banned"
	columnBanReason      = "ban_reason"
	columnBanExpiresAt   = "ban_expires_at"
	columnIsGuildAdmin   = "is_guild_admin"
)

// Message roles, as sent to the model providers and stored with
// each Conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Channel types
const (
	ChannelTypeText  = "text"
	ChannelTypeVoice = "voice"
	ChannelTypeDM    = "DM"
)

// botLogMetadataMaxLength caps the size of the serialized metadata
// attached to a BotLog row.
const botLogMetadataMaxLength = 2000

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion, stored in milliseconds.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// BanState is an embeddable model carrying the ban flag, reason and
// optional expiry shared by User, Guild and GuildMember.
type BanState struct {
	IsBanned     bool   `json:"is_banned" gorm:"type:bool;default:false"`
	BanReason    string `json:"ban_reason,omitempty" gorm:"type:string"`
	BanExpiresAt *int64 `json:"ban_expires_at,omitempty" gorm:"column:ban_expires_at"`
}

// Banned reports whether the ban is currently in effect, taking the
// optional expiry into account.
func (b BanState) Banned(now time.Time) bool {
	if !b.IsBanned {
		return false
	}
	if b.BanExpiresAt == nil {
		return true
	}
	return now.UnixMilli() < *b.BanExpiresAt
}

// User is a record of a Discord user, and their current state.
//
// The row ID is internal. DiscordID holds the platform identifier and
// is unique. Users are created the first time a message or interaction
// from them is seen.
type User struct {
	ModelUintID

	// DiscordID is the Discord user ID (snowflake)
	DiscordID string `json:"discord_id" gorm:"uniqueIndex;type:string;not null"`

	Username      string `json:"username" gorm:"type:string"`
	Discriminator string `json:"discriminator" gorm:"type:string"`
	Avatar        string `json:"avatar" gorm:"type:string"`

	// IsBotAdmin grants every permission in every scope
	IsBotAdmin bool `json:"is_bot_admin" gorm:"type:bool;default:false"`

	BanState

	Permissions   []Permission   `json:"-" gorm:"many2many:user_permissions"`
	Conversations []Conversation `json:"-" gorm:"foreignKey:UserID"`
	Memberships   []GuildMember  `json:"-" gorm:"foreignKey:UserID"`

	ModelUnixTime
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.DiscordID)
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("id", uint64(u.ID)),
		slog.String("discord_id", u.DiscordID),
		slog.String("username", u.Username),
		slog.Bool("is_bot_admin", u.IsBotAdmin),
		slog.Bool("is_banned", u.IsBanned),
	)
}

// Guild is a record of a Discord guild (server) the bot has joined.
// Settings are created alongside the guild with default values.
type Guild struct {
	ModelUintID

	// DiscordID is the Discord guild ID (snowflake)
	DiscordID string `json:"discord_id" gorm:"uniqueIndex;type:string;not null"`

	Name string `json:"name" gorm:"type:string"`
	Icon string `json:"icon" gorm:"type:string"`

	BanState

	Settings    *GuildSettings `json:"settings,omitempty" gorm:"foreignKey:GuildID"`
	Members     []GuildMember  `json:"-" gorm:"foreignKey:GuildID"`
	Channels    []Channel      `json:"-" gorm:"foreignKey:GuildID"`
	Permissions []Permission   `json:"-" gorm:"many2many:guild_permissions"`

	ModelUnixTime
}

func (g *Guild) String() string {
	return fmt.Sprintf("%s [%s]", g.Name, g.DiscordID)
}

func (g *Guild) LogValue() slog.Value {
	if g == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("id", uint64(g.ID)),
		slog.String("discord_id", g.DiscordID),
		slog.String("name", g.Name),
		slog.Bool("is_banned", g.IsBanned),
	)
}

// GuildSettings holds the per-guild AI configuration. Exactly one row
// exists per guild.
type GuildSettings struct {
	ModelUintID

	GuildID uint `json:"guild_id" gorm:"uniqueIndex;not null"`

	// AIEnabled gates all AI features for the guild. No column default:
	// GORM omits zero-valued fields with defaults on insert, which
	// would flip an explicit false back to enabled. DefaultGuildSettings
	// supplies the baseline instead.
	AIEnabled bool `json:"ai_enabled" gorm:"type:bool"`

	// AIProvider selects the backing LLM vendor ("openai" or "groq")
	AIProvider string `json:"ai_provider" gorm:"type:string"`

	// AIModel must belong to the configured provider's model set
	AIModel string `json:"ai_model" gorm:"type:string"`

	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`

	// MaxConversationLength bounds how many prior messages are loaded
	// as context for each completion
	MaxConversationLength int `json:"max_conversation_length"`

	// AllowedChannels is a JSON array of Discord channel IDs the bot
	// may respond in. Empty list or "*" entry allows all channels.
	AllowedChannels string `json:"allowed_channels" gorm:"type:string;default:'[]'"`

	EnableReasoning bool `json:"enable_reasoning" gorm:"type:bool"`
	EnableWebSearch bool `json:"enable_web_search" gorm:"type:bool"`
	EnableWeather   bool `json:"enable_weather" gorm:"type:bool"`

	ModelUnixTime
}

// AllowedChannelList parses the AllowedChannels JSON column. A malformed
// column value is returned as an error rather than silently coerced.
func (s GuildSettings) AllowedChannelList() ([]string, error) {
	if s.AllowedChannels == "" {
		return nil, nil
	}
	var channels []string
	if err := json.Unmarshal([]byte(s.AllowedChannels), &channels); err != nil {
		return nil, fmt.Errorf("malformed allowed_channels list: %w", err)
	}
	return channels, nil
}

// ChannelAllowed reports whether the bot may respond in the given
// Discord channel ID per the AllowedChannels list. An empty list, or a
// list containing "*", allows every channel.
func (s GuildSettings) ChannelAllowed(channelDiscordID string) bool {
	channels, err := s.AllowedChannelList()
	if err != nil || len(channels) == 0 {
		return true
	}
	for _, id := range channels {
		if id == "*" || id == channelDiscordID {
			return true
		}
	}
	return false
}

// DefaultGuildSettings returns the baseline settings assigned when a
// guild is first seen.
func DefaultGuildSettings(guildID uint) *GuildSettings {
	return &GuildSettings{
		GuildID:               guildID,
		AIEnabled:             true,
		AIProvider:            string(ProviderOpenAI),
		AIModel:               DefaultOpenAIModel,
		Temperature:           DefaultTemperature,
		MaxTokens:             DefaultMaxTokens,
		MaxConversationLength: DefaultMaxConversationLength,
		AllowedChannels:       "[]",
		EnableReasoning:       true,
		EnableWebSearch:       true,
		EnableWeather:         true,
	}
}

// GuildMember joins a User to a Guild. The membership carries the
// guild-admin flag and its own permission assignments; it's owned by
// neither side (deleting either cascades the membership).
type GuildMember struct {
	ModelUintID

	UserID  uint `json:"user_id" gorm:"uniqueIndex:idx_member_user_guild;not null"`
	GuildID uint `json:"guild_id" gorm:"uniqueIndex:idx_member_user_guild;not null"`

	// IsGuildAdmin grants every permission within this guild
	IsGuildAdmin bool `json:"is_guild_admin" gorm:"type:bool;default:false"`

	BanState

	User        *User        `json:"-" gorm:"foreignKey:UserID"`
	Guild       *Guild       `json:"-" gorm:"foreignKey:GuildID"`
	Permissions []Permission `json:"-" gorm:"many2many:guild_member_permissions"`

	ModelUnixTime
}

// Permission is a named capability assignable to users, guilds, or
// guild members. Rows are seeded once at startup and never duplicated.
type Permission struct {
	ModelUintID

	Name        string `json:"name" gorm:"uniqueIndex;type:string;not null"`
	Description string `json:"description" gorm:"type:string"`

	ModelUnixTime
}

// Channel is a message stream, scoped to a guild or guild-less for
// direct messages.
type Channel struct {
	ModelUintID

	// DiscordID is the Discord channel ID (snowflake)
	DiscordID string `json:"discord_id" gorm:"index:idx_channel_discord_guild;type:string;not null"`

	// GuildID is nil for DM channels
	GuildID *uint `json:"guild_id,omitempty" gorm:"index:idx_channel_discord_guild"`

	Name   string `json:"name" gorm:"type:string"`
	Type   string `json:"type" gorm:"type:string"`
	IsNSFW bool   `json:"is_nsfw" gorm:"type:bool;default:false"`

	ModelUnixTime
}

// Conversation is the message history for one (user, channel) pair.
// The pair is unique; messages are insertion-ordered and immutable
// once written.
type Conversation struct {
	ModelUintID

	UserID    uint  `json:"user_id" gorm:"uniqueIndex:idx_conversation_user_channel;not null"`
	ChannelID uint  `json:"channel_id" gorm:"uniqueIndex:idx_conversation_user_channel;not null"`
	GuildID   *uint `json:"guild_id,omitempty"`

	Messages []Message `json:"messages,omitempty" gorm:"foreignKey:ConversationID"`

	ModelUnixTime
}

// Message is one turn in a Conversation.
type Message struct {
	ModelUintID

	ConversationID uint   `json:"conversation_id" gorm:"index;not null"`
	Role           string `json:"role" gorm:"type:string;not null"`
	Content        string `json:"content" gorm:"type:string;not null"`

	ModelUnixTime
}

// BotLog is an append-only operational event record. It's written by
// the orchestration layer and never read back by core logic.
type BotLog struct {
	ModelUintID

	Level    string `json:"level" gorm:"type:string"`
	Message  string `json:"message" gorm:"type:string"`
	Metadata string `json:"metadata,omitempty" gorm:"type:string"`

	ModelUnixTime
}

// ChatMessage is the provider-facing {role, content} shape, detached
// from any persistence concerns.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// deleteConversationCascade removes a conversation and its messages.
// Messages are deleted before the parent row; the caller supplies the
// transaction. Deletes are unscoped: a soft-deleted conversation would
// still occupy the unique (user, channel) index and block the pair
// from ever being recreated.
func deleteConversationCascade(tx *gorm.DB, conversationID uint) error {
	if err := tx.Unscoped().Where(
		"conversation_id = ?", conversationID,
	).Delete(&Message{}).Error; err != nil {
		return fmt.Errorf("error deleting conversation messages: %w", err)
	}
	if err := tx.Unscoped().Delete(&Conversation{}, conversationID).Error; err != nil {
		return fmt.Errorf("error deleting conversation: %w", err)
	}
	return nil
}

// deleteConversationsWhere removes all conversations matching the given
// condition, cascading messages first.
func deleteConversationsWhere(tx *gorm.DB, query string, args ...any) error {
	var conversations []Conversation
	if err := tx.Where(query, args...).Find(&conversations).Error; err != nil {
		return fmt.Errorf("error loading conversations: %w", err)
	}
	for i := range conversations {
		if err := deleteConversationCascade(tx, conversations[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// deleteChannelCascade removes a channel, its conversations and their
// messages.
func deleteChannelCascade(tx *gorm.DB, channelID uint) error {
	if err := deleteConversationsWhere(tx, "channel_id = ?", channelID); err != nil {
		return err
	}
	if err := tx.Unscoped().Delete(&Channel{}, channelID).Error; err != nil {
		return fmt.Errorf("error deleting channel: %w", err)
	}
	return nil
}

// deleteUserCascade removes a user, their conversations (with
// messages), their guild memberships, and their permission
// assignments.
func deleteUserCascade(tx *gorm.DB, userID uint) error {
	if err := deleteConversationsWhere(tx, "user_id = ?", userID); err != nil {
		return err
	}
	if err := tx.Unscoped().Where(
		"user_id = ?", userID,
	).Delete(&GuildMember{}).Error; err != nil {
		return fmt.Errorf("error deleting guild memberships: %w", err)
	}
	if err := tx.Exec(
		"DELETE FROM user_permissions WHERE user_id = ?", userID,
	).Error; err != nil {
		return fmt.Errorf("error deleting user permission assignments: %w", err)
	}
	if err := tx.Unscoped().Delete(&User{}, userID).Error; err != nil {
		return fmt.Errorf("error deleting user: %w", err)
	}
	return nil
}

// deleteGuildCascade removes a guild and everything it owns: settings,
// channels (with conversations and messages), memberships, and
// permission assignments.
func deleteGuildCascade(tx *gorm.DB, guildID uint) error {
	var channels []Channel
	if err := tx.Where("guild_id = ?", guildID).Find(&channels).Error; err != nil {
		return fmt.Errorf("error loading guild channels: %w", err)
	}
	for i := range channels {
		if err := deleteChannelCascade(tx, channels[i].ID); err != nil {
			return err
		}
	}
	if err := tx.Unscoped().Where(
		"guild_id = ?", guildID,
	).Delete(&GuildSettings{}).Error; err != nil {
		return fmt.Errorf("error deleting guild settings: %w", err)
	}
	var members []GuildMember
	if err := tx.Where("guild_id = ?", guildID).Find(&members).Error; err != nil {
		return fmt.Errorf("error loading guild members: %w", err)
	}
	for i := range members {
		if err := tx.Exec(
			"DELETE FROM guild_member_permissions WHERE guild_member_id = ?",
			members[i].ID,
		).Error; err != nil {
			return fmt.Errorf("error deleting member permission assignments: %w", err)
		}
	}
	if err := tx.Unscoped().Where(
		"guild_id = ?", guildID,
	).Delete(&GuildMember{}).Error; err != nil {
		return fmt.Errorf("error deleting guild members: %w", err)
	}
	if err := tx.Exec(
		"DELETE FROM guild_permissions WHERE guild_id = ?", guildID,
	).Error; err != nil {
		return fmt.Errorf("error deleting guild permission assignments: %w", err)
	}
	if err := tx.Unscoped().Delete(&Guild{}, guildID).Error; err != nil {
		return fmt.Errorf("error deleting guild: %w", err)
	}
	return nil
}

// NewBotLog builds a BotLog row, marshaling and truncating the given
// metadata.
func NewBotLog(level, message string, metadata map[string]any) *BotLog {
	entry := &BotLog{Level: level, Message: message}
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err == nil {
			entry.Metadata = truncate(string(data), botLogMetadataMaxLength)
		}
	}
	return entry
}
