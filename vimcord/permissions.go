package vimcord

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// DenyReason classifies why a permission check failed. Every reason is a
// user-facing denial; none are fatal.
type DenyReason string

const (
	DenyContextMismatch   DenyReason = "context_mismatch"
	DenyIdentityDenied    DenyReason = "identity_denied"
	DenyBlacklisted       DenyReason = "blacklisted"
	DenyNotWhitelisted    DenyReason = "not_whitelisted"
	DenyMissingRole       DenyReason = "missing_role"
	DenyMissingPermission DenyReason = "missing_permission"
)

// Decision is the outcome of evaluating a [PermissionSpec] against a
// [CallerContext]. When Allowed is false, Reason says which check failed
// and Detail carries the first missing permission/role name, if any.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  DenyReason `json:"reason,omitempty"`
	Detail  string     `json:"detail,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason DenyReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

func (d Decision) LogValue() slog.Value {
	if d.Allowed {
		return slog.GroupValue(slog.Bool("allowed", true))
	}
	return slog.GroupValue(
		slog.Bool("allowed", false),
		slog.String("reason", string(d.Reason)),
		slog.String("detail", d.Detail),
	)
}

// PermissionSpec is the declarative permission set attached to a
// [Definition]. The zero value allows everyone.
type PermissionSpec struct {
	// GuildOnly rejects invocations outside a guild (DMs)
	GuildOnly bool `json:"guild_only,omitempty"`

	// GuildOwnerOnly restricts the command to the guild's owner
	GuildOwnerOnly bool `json:"guild_owner_only,omitempty"`

	// BotOwnerOnly restricts the command to the bot owner
	BotOwnerOnly bool `json:"bot_owner_only,omitempty"`

	// BotStaffOnly restricts the command to the bot owner plus the
	// configured superuser set
	BotStaffOnly bool `json:"bot_staff_only,omitempty"`

	// UserBlacklist denies the listed user IDs. Checked before any
	// whitelist, so an explicit block always wins.
	UserBlacklist []string `json:"user_blacklist,omitempty"`

	// RoleBlacklist denies callers holding any of the listed role IDs
	RoleBlacklist []string `json:"role_blacklist,omitempty"`

	// UserWhitelist, when non-empty, allows only the listed user IDs
	UserWhitelist []string `json:"user_whitelist,omitempty"`

	// RequiredRoles, when non-empty, requires the caller to hold at
	// least one of the listed role IDs
	RequiredRoles []string `json:"required_roles,omitempty"`

	// UserPermissions is a discordgo permission bitfield the caller
	// must fully satisfy in the invoking channel
	UserPermissions int64 `json:"user_permissions,omitempty"`

	// BotPermissions is a discordgo permission bitfield the bot itself
	// must fully satisfy in the invoking channel
	BotPermissions int64 `json:"bot_permissions,omitempty"`
}

// CallerContext is the resolved identity and surroundings of one
// invocation, assembled by the dispatcher from the inbound event and
// client configuration before evaluation.
type CallerContext struct {
	// UserID is the invoking user's Discord ID
	UserID string `json:"user_id"`

	// GuildID is empty for direct messages
	GuildID string `json:"guild_id,omitempty"`

	// GuildOwnerID is the owner of the invoking guild, if any
	GuildOwnerID string `json:"guild_owner_id,omitempty"`

	// RoleIDs are the caller's resolved roles in the invoking guild
	RoleIDs []string `json:"role_ids,omitempty"`

	// CallerPermissions is the caller's permission bitfield in the
	// invoking channel
	CallerPermissions int64 `json:"caller_permissions,omitempty"`

	// BotPermissions is the bot's own permission bitfield in the
	// invoking channel
	BotPermissions int64 `json:"bot_permissions,omitempty"`

	// BotOwnerID is the configured bot owner
	BotOwnerID string `json:"bot_owner_id,omitempty"`

	// Superusers is the configured bot staff set
	Superusers []string `json:"superusers,omitempty"`
}

// Evaluate checks the spec against the caller, short-circuiting on the
// first failing check. The order is fixed: context, identity, blacklist,
// whitelist, then Discord permissions (caller before bot). Pure function
// of its two inputs.
func (p PermissionSpec) Evaluate(caller CallerContext) Decision {
	// 1. Context
	if p.GuildOnly && caller.GuildID == "" {
		return deny(DenyContextMismatch, "guild_only")
	}
	if p.GuildOwnerOnly {
		if caller.GuildID == "" {
			return deny(DenyContextMismatch, "guild_owner_only")
		}
		if caller.UserID != caller.GuildOwnerID {
			return deny(DenyContextMismatch, "guild_owner_only")
		}
	}

	// 2. Identity
	if p.BotOwnerOnly && caller.UserID != caller.BotOwnerID {
		return deny(DenyIdentityDenied, "bot_owner_only")
	}
	if p.BotStaffOnly && !callerIsBotStaff(caller) {
		return deny(DenyIdentityDenied, "bot_staff_only")
	}

	// 3. Blacklists - an explicit block beats any later whitelist match
	if containsString(p.UserBlacklist, caller.UserID) {
		return deny(DenyBlacklisted, caller.UserID)
	}
	if roleID, found := firstCommonRole(p.RoleBlacklist, caller.RoleIDs); found {
		return deny(DenyBlacklisted, roleID)
	}

	// 4. Whitelists
	if len(p.UserWhitelist) > 0 && !containsString(p.UserWhitelist, caller.UserID) {
		return deny(DenyNotWhitelisted, caller.UserID)
	}
	if len(p.RequiredRoles) > 0 {
		if _, found := firstCommonRole(p.RequiredRoles, caller.RoleIDs); !found {
			return deny(DenyMissingRole, p.RequiredRoles[0])
		}
	}

	// 5. Discord permission bitfields, caller first
	if missing, ok := firstMissingPermission(p.UserPermissions, caller.CallerPermissions); ok {
		return deny(DenyMissingPermission, missing)
	}
	if missing, ok := firstMissingPermission(p.BotPermissions, caller.BotPermissions); ok {
		return deny(DenyMissingPermission, "bot: "+missing)
	}

	return allow()
}

func callerIsBotStaff(caller CallerContext) bool {
	if caller.UserID == caller.BotOwnerID && caller.BotOwnerID != "" {
		return true
	}
	return containsString(caller.Superusers, caller.UserID)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// firstCommonRole returns the first ID from spec that also appears in
// held, preserving spec order so denial messages are deterministic.
func firstCommonRole(spec []string, held []string) (string, bool) {
	for _, id := range spec {
		if containsString(held, id) {
			return id, true
		}
	}
	return "", false
}

// firstMissingPermission returns the name of the lowest permission bit
// set in required but absent from held.
func firstMissingPermission(required int64, held int64) (string, bool) {
	missing := required &^ held
	if missing == 0 {
		return "", false
	}
	for bit := 0; bit < 64; bit++ {
		flag := int64(1) << bit
		if missing&flag != 0 {
			return permissionName(flag), true
		}
	}
	return "", false
}

// permissionName maps a single discordgo permission bit to its
// conventional name. Unknown bits are rendered as hex so new Discord
// permissions still produce a usable denial message.
func permissionName(flag int64) string {
	if name, ok := permissionNames[flag]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", flag)
}

var permissionNames = map[int64]string{
	discordgo.PermissionCreateInstantInvite: "CreateInstantInvite",
	discordgo.PermissionKickMembers:         "KickMembers",
	discordgo.PermissionBanMembers:          "BanMembers",
	discordgo.PermissionAdministrator:       "Administrator",
	discordgo.PermissionManageChannels:      "ManageChannels",
	discordgo.PermissionManageServer:        "ManageServer",
	discordgo.PermissionAddReactions:        "AddReactions",
	discordgo.PermissionViewAuditLogs:       "ViewAuditLogs",
	discordgo.PermissionViewChannel:         "ViewChannel",
	discordgo.PermissionSendMessages:        "SendMessages",
	discordgo.PermissionSendTTSMessages:     "SendTTSMessages",
	discordgo.PermissionManageMessages:      "ManageMessages",
	discordgo.PermissionEmbedLinks:          "EmbedLinks",
	discordgo.PermissionAttachFiles:         "AttachFiles",
	discordgo.PermissionReadMessageHistory:  "ReadMessageHistory",
	discordgo.PermissionMentionEveryone:     "MentionEveryone",
	discordgo.PermissionUseExternalEmojis:   "UseExternalEmojis",
	discordgo.PermissionVoiceConnect:        "Connect",
	discordgo.PermissionVoiceSpeak:          "Speak",
	discordgo.PermissionVoiceMuteMembers:    "MuteMembers",
	discordgo.PermissionVoiceDeafenMembers:  "DeafenMembers",
	discordgo.PermissionVoiceMoveMembers:    "MoveMembers",
	discordgo.PermissionChangeNickname:      "ChangeNickname",
	discordgo.PermissionManageNicknames:     "ManageNicknames",
	discordgo.PermissionManageRoles:         "ManageRoles",
	discordgo.PermissionManageWebhooks:      "ManageWebhooks",
	discordgo.PermissionManageEmojis:        "ManageEmojis",
	discordgo.PermissionManageThreads:       "ManageThreads",
	discordgo.PermissionModerateMembers:     "ModerateMembers",
}
