package pixie

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Permission names seeded at startup.
const (
	PermissionUseAI       = "use_ai"
	PermissionManageAI    = "manage_ai"
	PermissionManageGuild = "manage_guild"
	PermissionManageUsers = "manage_users"
)

// defaultPermissions are created on startup if absent. Existing rows
// are never modified.
var defaultPermissions = []Permission{
	{Name: PermissionUseAI, Description: "Allows users to interact with the AI"},
	{Name: PermissionManageAI, Description: "Allows users to manage AI settings"},
	{Name: PermissionManageGuild, Description: "Allows users to manage guild settings"},
	{Name: PermissionManageUsers, Description: "Allows users to manage user permissions"},
}

var ErrPermissionDenied = errors.New("permission denied")

// RefKind distinguishes the identifier namespace a Ref belongs to.
type RefKind uint8

const (
	// RefDiscord is a Discord snowflake ID
	RefDiscord RefKind = iota

	// RefInternal is a database row ID
	RefInternal
)

// Ref identifies a User or Guild by either its Discord snowflake or
// its internal row ID. The caller states which namespace an ID lives
// in at construction time, so lookups never guess from the ID's shape.
type Ref struct {
	kind       RefKind
	discordID  string
	internalID uint
}

// DiscordRef builds a Ref for a Discord snowflake ID.
func DiscordRef(id string) Ref {
	return Ref{kind: RefDiscord, discordID: id}
}

// InternalRef builds a Ref for a database row ID.
func InternalRef(id uint) Ref {
	return Ref{kind: RefInternal, internalID: id}
}

func (r Ref) Kind() RefKind {
	return r.kind
}

func (r Ref) String() string {
	if r.kind == RefInternal {
		return fmt.Sprintf("internal:%d", r.internalID)
	}
	return fmt.Sprintf("discord:%s", r.discordID)
}

func (r Ref) LogValue() slog.Value {
	return slog.StringValue(r.String())
}

// IsZero reports whether the Ref identifies nothing.
func (r Ref) IsZero() bool {
	return r.discordID == "" && r.internalID == 0
}

// permissionScope names the join-table namespace an assignment lives
// in.
type permissionScope string

const (
	scopeUser        permissionScope = "user"
	scopeGuild       permissionScope = "guild"
	scopeGuildMember permissionScope = "guild_member"
)

// scopeJoinTables maps a scope to its join table and owner column.
var scopeJoinTables = map[permissionScope]struct {
	table  string
	column string
}{
	scopeUser:        {table: "user_permissions", column: "user_id"},
	scopeGuild:       {table: "guild_permissions", column: "guild_id"},
	scopeGuildMember: {table: "guild_member_permissions", column: "guild_member_id"},
}

// PermissionResolver answers "may this user do X in this guild"
// against the three-tier permission model. All resolution errors are
// treated as denial.
type PermissionResolver struct {
	db     DBI
	logger *slog.Logger
}

func NewPermissionResolver(db DBI, logger *slog.Logger) *PermissionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionResolver{
		db:     db,
		logger: logger.With(loggerNameKey, "permissions"),
	}
}

// resolveUser loads the User a Ref points at, or nil if absent.
func (r *PermissionResolver) resolveUser(ctx context.Context, ref Ref) (*User, error) {
	var user User
	query := r.db.DB().WithContext(ctx)
	switch ref.kind {
	case RefInternal:
		query = query.Where("id = ?", ref.internalID)
	default:
		query = query.Where(fmt.Sprintf("%s = ?", columnDiscordID), ref.discordID)
	}
	err := query.First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// resolveGuild loads the Guild a Ref points at, or nil if absent.
func (r *PermissionResolver) resolveGuild(ctx context.Context, ref Ref) (*Guild, error) {
	var guild Guild
	query := r.db.DB().WithContext(ctx)
	switch ref.kind {
	case RefInternal:
		query = query.Where("id = ?", ref.internalID)
	default:
		query = query.Where(fmt.Sprintf("%s = ?", columnDiscordID), ref.discordID)
	}
	err := query.First(&guild).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &guild, nil
}

// scopeHasPermission reports whether the named permission is assigned
// to the given owner row in the given scope.
func (r *PermissionResolver) scopeHasPermission(
	ctx context.Context,
	scope permissionScope,
	ownerID uint,
	name string,
) (bool, error) {
	join := scopeJoinTables[scope]
	var count int64
	err := r.db.DB().WithContext(ctx).
		Table(join.table).
		Joins(
			fmt.Sprintf(
				"JOIN permissions ON permissions.id = %s.permission_id",
				join.table,
			),
		).
		Where(
			fmt.Sprintf("%s.%s = ? AND permissions.name = ?", join.table, join.column),
			ownerID,
			name,
		).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HasPermission resolves the named permission for a user within a
// guild. Bot admins pass every check. Banned users and unknown
// users/guilds/members always fail. Guild admins pass every check
// within their guild. Otherwise the permission is granted if any of
// the user, guild, or membership scopes carries it.
func (r *PermissionResolver) HasPermission(
	ctx context.Context,
	userRef Ref,
	guildRef Ref,
	name string,
) bool {
	logger := r.logger.With(
		slog.Any("user_ref", userRef),
		slog.Any("guild_ref", guildRef),
		slog.String("permission", name),
	)

	user, err := r.resolveUser(ctx, userRef)
	if err != nil {
		logger.ErrorContext(ctx, "user lookup failed", tint.Err(err))
		return false
	}
	if user == nil {
		logger.DebugContext(ctx, "user not found")
		return false
	}
	if user.Banned(time.Now()) {
		logger.DebugContext(ctx, "user is banned")
		return false
	}
	if user.IsBotAdmin {
		return true
	}

	guild, err := r.resolveGuild(ctx, guildRef)
	if err != nil {
		logger.ErrorContext(ctx, "guild lookup failed", tint.Err(err))
		return false
	}
	if guild == nil {
		logger.DebugContext(ctx, "guild not found")
		return false
	}

	member, err := r.GetMember(ctx, user.ID, guild.ID)
	if err != nil {
		logger.ErrorContext(ctx, "member lookup failed", tint.Err(err))
		return false
	}
	if member == nil {
		logger.DebugContext(ctx, "user is not a member of the guild")
		return false
	}
	if member.IsGuildAdmin {
		return true
	}

	userHas, err := r.scopeHasPermission(ctx, scopeUser, user.ID, name)
	if err != nil {
		logger.ErrorContext(ctx, "user scope check failed", tint.Err(err))
		return false
	}
	if userHas {
		return true
	}

	guildHas, err := r.scopeHasPermission(ctx, scopeGuild, guild.ID, name)
	if err != nil {
		logger.ErrorContext(ctx, "guild scope check failed", tint.Err(err))
		return false
	}
	if guildHas {
		return true
	}

	memberHas, err := r.scopeHasPermission(ctx, scopeGuildMember, member.ID, name)
	if err != nil {
		logger.ErrorContext(ctx, "member scope check failed", tint.Err(err))
		return false
	}
	return memberHas
}

// RequirePermission is HasPermission returning ErrPermissionDenied on
// failure, for call sites that propagate errors.
func (r *PermissionResolver) RequirePermission(
	ctx context.Context,
	userRef Ref,
	guildRef Ref,
	name string,
) error {
	if !r.HasPermission(ctx, userRef, guildRef, name) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, name)
	}
	return nil
}

// IsBotAdmin reports whether the referenced user is a bot admin.
// Unknown users and lookup errors report false.
func (r *PermissionResolver) IsBotAdmin(ctx context.Context, userRef Ref) bool {
	user, err := r.resolveUser(ctx, userRef)
	if err != nil {
		r.logger.ErrorContext(ctx, "user lookup failed", tint.Err(err))
		return false
	}
	return user != nil && user.IsBotAdmin
}

// IsGuildAdmin reports whether the referenced user administers the
// referenced guild.
func (r *PermissionResolver) IsGuildAdmin(
	ctx context.Context,
	userRef Ref,
	guildRef Ref,
) bool {
	user, err := r.resolveUser(ctx, userRef)
	if err != nil || user == nil {
		return false
	}
	guild, err := r.resolveGuild(ctx, guildRef)
	if err != nil || guild == nil {
		return false
	}
	member, err := r.GetMember(ctx, user.ID, guild.ID)
	if err != nil || member == nil {
		return false
	}
	return member.IsGuildAdmin
}

// GetMember loads the membership row for (user, guild), or nil if the
// user isn't a member.
func (r *PermissionResolver) GetMember(
	ctx context.Context,
	userID uint,
	guildID uint,
) (*GuildMember, error) {
	var member GuildMember
	err := r.db.DB().WithContext(ctx).
		Where("user_id = ? AND guild_id = ?", userID, guildID).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// getPermissionByName loads a seeded Permission row.
func (r *PermissionResolver) getPermissionByName(
	ctx context.Context,
	name string,
) (*Permission, error) {
	var permission Permission
	err := r.db.DB().WithContext(ctx).
		Where("name = ?", name).
		First(&permission).Error
	if err != nil {
		return nil, fmt.Errorf("permission %q: %w", name, err)
	}
	return &permission, nil
}

// GrantUserPermission assigns a permission in the user scope.
func (r *PermissionResolver) GrantUserPermission(
	ctx context.Context,
	user *User,
	name string,
) error {
	permission, err := r.getPermissionByName(ctx, name)
	if err != nil {
		return err
	}
	return r.db.DB().WithContext(ctx).
		Model(user).
		Association("Permissions").
		Append(permission)
}

// RevokeUserPermission removes a permission from the user scope.
func (r *PermissionResolver) RevokeUserPermission(
	ctx context.Context,
	user *User,
	name string,
) error {
	permission, err := r.getPermissionByName(ctx, name)
	if err != nil {
		return err
	}
	return r.db.DB().WithContext(ctx).
		Model(user).
		Association("Permissions").
		Delete(permission)
}

// GrantGuildPermission assigns a permission in the guild scope.
func (r *PermissionResolver) GrantGuildPermission(
	ctx context.Context,
	guild *Guild,
	name string,
) error {
	permission, err := r.getPermissionByName(ctx, name)
	if err != nil {
		return err
	}
	return r.db.DB().WithContext(ctx).
		Model(guild).
		Association("Permissions").
		Append(permission)
}

// RevokeGuildPermission removes a permission from the guild scope.
func (r *PermissionResolver) RevokeGuildPermission(
	ctx context.Context,
	guild *Guild,
	name string,
) error {
	permission, err := r.getPermissionByName(ctx, name)
	if err != nil {
		return err
	}
	return r.db.DB().WithContext(ctx).
		Model(guild).
		Association("Permissions").
		Delete(permission)
}

// GrantMemberPermission assigns a permission in the membership scope.
func (r *PermissionResolver) GrantMemberPermission(
	ctx context.Context,
	member *GuildMember,
	name string,
) error {
	permission, err := r.getPermissionByName(ctx, name)
	if err != nil {
		return err
	}
	return r.db.DB().WithContext(ctx).
		Model(member).
		Association("Permissions").
		Append(permission)
}

// RevokeMemberPermission removes a permission from the membership
// scope.
func (r *PermissionResolver) RevokeMemberPermission(
	ctx context.Context,
	member *GuildMember,
	name string,
) error {
	permission, err := r.getPermissionByName(ctx, name)
	if err != nil {
		return err
	}
	return r.db.DB().WithContext(ctx).
		Model(member).
		Association("Permissions").
		Delete(permission)
}

// seedPermissions creates any missing default permissions. Existing
// rows keep their descriptions.
func seedPermissions(ctx context.Context, db *gorm.DB, logger *slog.Logger) error {
	for _, p := range defaultPermissions {
		permission := p
		result := db.WithContext(ctx).
			Where(Permission{Name: permission.Name}).
			FirstOrCreate(&permission)
		if result.Error != nil {
			return fmt.Errorf("seeding permission %q: %w", p.Name, result.Error)
		}
		if result.RowsAffected > 0 && logger != nil {
			logger.InfoContext(
				ctx,
				"created permission",
				slog.String("name", permission.Name),
			)
		}
	}
	return nil
}

// parseInternalID parses a decimal row ID for API handlers that accept
// either namespace.
func parseInternalID(s string) (uint, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}
