package pixie

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// sessionGapThreshold is the idle gap between two messages that marks
// a new conversation session.
const sessionGapThreshold = 30 * time.Minute

const (
	// summaryTopicWordMinLength is the minimum length for a content
	// word to count as a topic.
	summaryTopicWordMinLength = 5

	// summaryTopicsPerMessage caps how many topic words one message
	// contributes.
	summaryTopicsPerMessage = 3

	// summaryQuestionCount is how many trailing question fragments the
	// summary retains.
	summaryQuestionCount = 2

	// summaryQuestionMaxLength truncates each retained question
	// fragment.
	summaryQuestionMaxLength = 100
)

// ChannelInfo carries the channel attributes needed to lazily create
// a Channel row on first write.
type ChannelInfo struct {
	DiscordID string
	Name      string
	Type      string
	IsNSFW    bool
}

// ConversationStore persists and retrieves per-(user, channel)
// message history.
type ConversationStore struct {
	db     DBI
	logger *slog.Logger
}

func NewConversationStore(db DBI, logger *slog.Logger) *ConversationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{
		db:     db,
		logger: logger.With(loggerNameKey, "conversations"),
	}
}

// GetRecentMessages loads the history for (user, channel), bounded by
// limit. Messages are partitioned into sessions at 30-minute idle
// gaps; the most recent sessions are returned verbatim, and any older
// sessions beyond the limit are collapsed into one synthetic
// system-role summary message. A pair with no history returns an
// empty slice, never an error.
func (s *ConversationStore) GetRecentMessages(
	ctx context.Context,
	userID uint,
	channelDiscordID string,
	limit int,
) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultMaxConversationLength
	}

	channel, err := s.findChannel(ctx, channelDiscordID)
	if err != nil {
		return nil, err
	}
	if channel == nil {
		return []ChatMessage{}, nil
	}

	conversation, err := s.findConversation(ctx, userID, channel.ID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return []ChatMessage{}, nil
	}

	var messages []Message
	err = s.db.DB().WithContext(ctx).
		Where(fmt.Sprintf("%s = ?", columnConversationID), conversation.ID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("error loading conversation messages: %w", err)
	}
	if len(messages) == 0 {
		return []ChatMessage{}, nil
	}

	sessions := partitionSessions(messages)

	// Walk sessions newest-first until the limit is spent. The newest
	// session is always kept whole.
	kept := 0
	keptSessions := 0
	for i := len(sessions) - 1; i >= 0; i-- {
		if keptSessions > 0 && kept+len(sessions[i]) > limit {
			break
		}
		kept += len(sessions[i])
		keptSessions++
	}

	recent := make([]ChatMessage, 0, kept+1)
	var older []Message
	for i, session := range sessions {
		if i < len(sessions)-keptSessions {
			older = append(older, session...)
			continue
		}
		for _, m := range session {
			recent = append(recent, ChatMessage{Role: m.Role, Content: m.Content})
		}
	}

	if len(older) == 0 {
		return recent, nil
	}

	summary := summarizeMessages(older)
	result := make([]ChatMessage, 0, len(recent)+1)
	result = append(result, ChatMessage{Role: RoleSystem, Content: summary})
	result = append(result, recent...)
	return result, nil
}

// partitionSessions splits an ordered message slice into sessions,
// starting a new session whenever the gap between consecutive
// messages exceeds sessionGapThreshold. Timestamps are unix millis.
func partitionSessions(messages []Message) [][]Message {
	var sessions [][]Message
	var current []Message
	gap := sessionGapThreshold.Milliseconds()

	for i, m := range messages {
		if i > 0 && m.CreatedAt-messages[i-1].CreatedAt > gap {
			sessions = append(sessions, current)
			current = nil
		}
		current = append(current, m)
	}
	if len(current) > 0 {
		sessions = append(sessions, current)
	}
	return sessions
}

// summarizeMessages collapses older history into one summary string:
// deduplicated topic words, the last two question fragments, and the
// total message count.
func summarizeMessages(messages []Message) string {
	seen := map[string]bool{}
	var topics []string
	var questions []string

	for _, m := range messages {
		perMessage := 0
		for _, word := range splitContentWords(m.Content) {
			if perMessage >= summaryTopicsPerMessage {
				break
			}
			lower := strings.ToLower(word)
			if len(lower) <= summaryTopicWordMinLength || seen[lower] {
				continue
			}
			seen[lower] = true
			topics = append(topics, lower)
			perMessage++
		}
		if strings.Contains(m.Content, "?") {
			questions = append(
				questions,
				truncate(strings.TrimSpace(m.Content), summaryQuestionMaxLength),
			)
		}
	}

	if len(questions) > summaryQuestionCount {
		questions = questions[len(questions)-summaryQuestionCount:]
	}

	var sb strings.Builder
	fmt.Fprintf(
		&sb,
		"Earlier conversation context (%d previous messages).",
		len(messages),
	)
	if len(topics) > 0 {
		fmt.Fprintf(&sb, " Topics discussed: %s.", strings.Join(topics, ", "))
	}
	if len(questions) > 0 {
		fmt.Fprintf(
			&sb,
			" Recent questions: %s",
			strings.Join(questions, " | "),
		)
	}
	return sb.String()
}

// splitContentWords breaks content into words on any non-letter,
// non-digit rune.
func splitContentWords(content string) []string {
	return strings.FieldsFunc(
		content, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		},
	)
}

// filterStorableMessages keeps only user/assistant messages with
// non-empty trimmed content.
func filterStorableMessages(messages []ChatMessage) []ChatMessage {
	filtered := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		filtered = append(filtered, m)
	}
	return filtered
}

// CreateOrUpdateConversation appends messages to the conversation for
// (user, channel), creating the backing Channel and Conversation rows
// as needed, all inside one transaction. Messages are filtered to
// user/assistant roles with non-empty content; if nothing survives
// the filter, this is a no-op returning nil without error.
func (s *ConversationStore) CreateOrUpdateConversation(
	ctx context.Context,
	userID uint,
	channelInfo ChannelInfo,
	guildID *uint,
	messages []ChatMessage,
) (*Conversation, error) {
	filtered := filterStorableMessages(messages)
	if len(filtered) == 0 {
		return nil, nil
	}

	var conversation *Conversation
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			channel := Channel{
				DiscordID: channelInfo.DiscordID,
				GuildID:   guildID,
				Name:      channelInfo.Name,
				Type:      channelInfo.Type,
				IsNSFW:    channelInfo.IsNSFW,
			}
			if err := tx.Where(
				Channel{DiscordID: channelInfo.DiscordID},
			).FirstOrCreate(&channel).Error; err != nil {
				return fmt.Errorf("error resolving channel: %w", err)
			}

			conv := Conversation{
				UserID:    userID,
				ChannelID: channel.ID,
				GuildID:   guildID,
			}
			if err := tx.Where(
				Conversation{UserID: userID, ChannelID: channel.ID},
			).FirstOrCreate(&conv).Error; err != nil {
				return fmt.Errorf("error resolving conversation: %w", err)
			}

			rows := make([]Message, 0, len(filtered))
			for _, m := range filtered {
				rows = append(
					rows, Message{
						ConversationID: conv.ID,
						Role:           m.Role,
						Content:        m.Content,
					},
				)
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("error appending messages: %w", err)
			}

			// Touch the parent row so staleness checks see activity.
			if err := tx.Model(&conv).Update(
				"updated_at", time.Now().UnixMilli(),
			).Error; err != nil {
				return fmt.Errorf("error touching conversation: %w", err)
			}

			conversation = &conv
			return nil
		},
	)
	if err != nil {
		s.logger.ErrorContext(
			ctx,
			"conversation write failed",
			tint.Err(err),
			slog.Uint64("user_id", uint64(userID)),
			slog.String("channel_id", channelInfo.DiscordID),
		)
		return nil, err
	}
	return conversation, nil
}

// ClearConversation deletes the conversation (and its messages) for
// (user, channel). Clearing a pair with no history is a no-op.
func (s *ConversationStore) ClearConversation(
	ctx context.Context,
	userID uint,
	channelDiscordID string,
) error {
	channel, err := s.findChannel(ctx, channelDiscordID)
	if err != nil {
		return err
	}
	if channel == nil {
		return nil
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return deleteConversationsWhere(
				tx,
				"user_id = ? AND channel_id = ?",
				userID,
				channel.ID,
			)
		},
	)
}

// DeleteConversation removes one conversation row and its messages.
func (s *ConversationStore) DeleteConversation(
	ctx context.Context,
	conversationID uint,
) error {
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return deleteConversationCascade(tx, conversationID)
		},
	)
}

// DeleteUserData removes a user and everything they own.
func (s *ConversationStore) DeleteUserData(ctx context.Context, userID uint) error {
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return deleteUserCascade(tx, userID)
		},
	)
}

// DeleteGuildData removes a guild and everything it owns.
func (s *ConversationStore) DeleteGuildData(ctx context.Context, guildID uint) error {
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return deleteGuildCascade(tx, guildID)
		},
	)
}

// DeleteChannelData removes a channel and its conversations.
func (s *ConversationStore) DeleteChannelData(ctx context.Context, channelID uint) error {
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return deleteChannelCascade(tx, channelID)
		},
	)
}

// CleanupStaleConversations deletes conversations with no writes for
// at least maxAge, returning the number removed.
func (s *ConversationStore) CleanupStaleConversations(
	ctx context.Context,
	maxAge time.Duration,
) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	var stale []Conversation
	err := s.db.DB().WithContext(ctx).
		Where("updated_at < ?", cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("error loading stale conversations: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for i := range stale {
				if err := deleteConversationCascade(tx, stale[i].ID); err != nil {
					return err
				}
			}
			return nil
		},
	)
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(
		ctx,
		"removed stale conversations",
		slog.Int("count", len(stale)),
	)
	return len(stale), nil
}

func (s *ConversationStore) findChannel(
	ctx context.Context,
	discordID string,
) (*Channel, error) {
	var channel Channel
	err := s.db.DB().WithContext(ctx).
		Where(fmt.Sprintf("%s = ?", columnDiscordID), discordID).
		First(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading channel: %w", err)
	}
	return &channel, nil
}

func (s *ConversationStore) findConversation(
	ctx context.Context,
	userID uint,
	channelID uint,
) (*Conversation, error) {
	var conversation Conversation
	err := s.db.DB().WithContext(ctx).
		Where("user_id = ? AND channel_id = ?", userID, channelID).
		First(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading conversation: %w", err)
	}
	return &conversation, nil
}
