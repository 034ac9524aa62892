package vimcord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestPermissionSpecEvaluate(t *testing.T) {
	t.Parallel()

	guildCaller := CallerContext{
		UserID:       "u1",
		GuildID:      "g1",
		GuildOwnerID: "owner",
		RoleIDs:      []string{"r1", "r2"},
		BotOwnerID:   "bot_owner",
		Superusers:   []string{"staff1"},
	}

	tests := []struct {
		name       string
		spec       PermissionSpec
		caller     CallerContext
		allowed    bool
		wantReason DenyReason
	}{
		{
			name:    "zero spec allows everyone",
			spec:    PermissionSpec{},
			caller:  guildCaller,
			allowed: true,
		},
		{
			name: "guild only in dm",
			spec: PermissionSpec{GuildOnly: true},
			caller: CallerContext{
				UserID: "u1",
			},
			wantReason: DenyContextMismatch,
		},
		{
			name:    "guild only in guild",
			spec:    PermissionSpec{GuildOnly: true},
			caller:  guildCaller,
			allowed: true,
		},
		{
			name:       "guild owner only, wrong user",
			spec:       PermissionSpec{GuildOwnerOnly: true},
			caller:     guildCaller,
			wantReason: DenyContextMismatch,
		},
		{
			name: "guild owner only, owner",
			spec: PermissionSpec{GuildOwnerOnly: true},
			caller: CallerContext{
				UserID: "owner", GuildID: "g1", GuildOwnerID: "owner",
			},
			allowed: true,
		},
		{
			name:       "bot owner only",
			spec:       PermissionSpec{BotOwnerOnly: true},
			caller:     guildCaller,
			wantReason: DenyIdentityDenied,
		},
		{
			name: "bot staff via superusers",
			spec: PermissionSpec{BotStaffOnly: true},
			caller: CallerContext{
				UserID: "staff1", Superusers: []string{"staff1"},
			},
			allowed: true,
		},
		{
			name:       "bot staff denies others",
			spec:       PermissionSpec{BotStaffOnly: true},
			caller:     guildCaller,
			wantReason: DenyIdentityDenied,
		},
		{
			name:       "user blacklist",
			spec:       PermissionSpec{UserBlacklist: []string{"u1"}},
			caller:     guildCaller,
			wantReason: DenyBlacklisted,
		},
		{
			name: "blacklist beats whitelist",
			spec: PermissionSpec{
				UserBlacklist: []string{"u1"},
				UserWhitelist: []string{"u1"},
			},
			caller:     guildCaller,
			wantReason: DenyBlacklisted,
		},
		{
			name:       "role blacklist",
			spec:       PermissionSpec{RoleBlacklist: []string{"r2"}},
			caller:     guildCaller,
			wantReason: DenyBlacklisted,
		},
		{
			name:       "whitelist excludes",
			spec:       PermissionSpec{UserWhitelist: []string{"someone_else"}},
			caller:     guildCaller,
			wantReason: DenyNotWhitelisted,
		},
		{
			name:    "whitelist includes",
			spec:    PermissionSpec{UserWhitelist: []string{"u1"}},
			caller:  guildCaller,
			allowed: true,
		},
		{
			name:       "required roles, none held",
			spec:       PermissionSpec{RequiredRoles: []string{"r9"}},
			caller:     guildCaller,
			wantReason: DenyMissingRole,
		},
		{
			name:    "required roles, any held suffices",
			spec:    PermissionSpec{RequiredRoles: []string{"r9", "r2"}},
			caller:  guildCaller,
			allowed: true,
		},
		{
			name: "caller missing permission bit",
			spec: PermissionSpec{
				UserPermissions: discordgo.PermissionBanMembers,
			},
			caller:     guildCaller,
			wantReason: DenyMissingPermission,
		},
		{
			name: "bot missing permission bit",
			spec: PermissionSpec{
				BotPermissions: discordgo.PermissionSendMessages,
			},
			caller:     guildCaller,
			wantReason: DenyMissingPermission,
		},
		{
			name: "permission bits satisfied",
			spec: PermissionSpec{
				UserPermissions: discordgo.PermissionSendMessages,
				BotPermissions:  discordgo.PermissionSendMessages,
			},
			caller: CallerContext{
				UserID:            "u1",
				GuildID:           "g1",
				CallerPermissions: discordgo.PermissionSendMessages | discordgo.PermissionEmbedLinks,
				BotPermissions:    discordgo.PermissionSendMessages,
			},
			allowed: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				decision := tt.spec.Evaluate(tt.caller)
				assert.Equal(t, tt.allowed, decision.Allowed)
				if !tt.allowed {
					assert.Equal(t, tt.wantReason, decision.Reason)
				}
			},
		)
	}
}

// TestPermissionSpecEvaluateOrder sets up a caller who would fail
// several checks at once and verifies the earliest check in the fixed
// order is the one reported.
func TestPermissionSpecEvaluateOrder(t *testing.T) {
	t.Parallel()

	spec := PermissionSpec{
		GuildOnly:       true,
		BotOwnerOnly:    true,
		UserBlacklist:   []string{"u1"},
		UserPermissions: discordgo.PermissionAdministrator,
	}

	// fails context, identity, blacklist, and bitfield checks; context
	// is first
	dm := CallerContext{UserID: "u1"}
	decision := spec.Evaluate(dm)
	assert.Equal(t, DenyContextMismatch, decision.Reason)

	// in a guild, identity is next
	inGuild := CallerContext{UserID: "u1", GuildID: "g1"}
	decision = spec.Evaluate(inGuild)
	assert.Equal(t, DenyIdentityDenied, decision.Reason)

	// as the bot owner, the blacklist fires before the bitfield check
	asOwner := CallerContext{UserID: "u1", GuildID: "g1", BotOwnerID: "u1"}
	decision = spec.Evaluate(asOwner)
	assert.Equal(t, DenyBlacklisted, decision.Reason)
}

func TestPermissionSpecEvaluateIsPure(t *testing.T) {
	t.Parallel()

	spec := PermissionSpec{RequiredRoles: []string{"r1"}}
	caller := CallerContext{UserID: "u1", GuildID: "g1", RoleIDs: []string{"r1"}}

	first := spec.Evaluate(caller)
	second := spec.Evaluate(caller)
	assert.Equal(t, first, second)
	assert.True(t, first.Allowed)
}

func TestFirstMissingPermissionNames(t *testing.T) {
	t.Parallel()

	name, missing := firstMissingPermission(
		discordgo.PermissionBanMembers|discordgo.PermissionKickMembers,
		discordgo.PermissionKickMembers,
	)
	assert.True(t, missing)
	assert.Equal(t, "BanMembers", name)

	_, missing = firstMissingPermission(0, 0)
	assert.False(t, missing)

	// unknown bits render as hex rather than being dropped
	unknown := int64(1) << 62
	name, missing = firstMissingPermission(unknown, 0)
	assert.True(t, missing)
	assert.Equal(t, "0x4000000000000000", name)

	name, missing = firstMissingPermission(discordgo.PermissionManageServer, 0)
	assert.True(t, missing)
	assert.Equal(t, "ManageServer", name)
}
