package vimcord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lmittmann/tint"
)

// Store extensions: reusable behavior layered over the schema stores as
// free functions. Extensions compose the store's primitive operations
// (and each other) without touching store internals, so they
// participate in transactions through the caller's context like any
// other store call.

// EnsureGuild returns the settings document for guildID, creating a
// default one if the guild has never been seen.
func EnsureGuild(
	ctx context.Context,
	guilds *Store[Guild],
	guildID string,
) (*Guild, error) {
	return guilds.Fetch(
		ctx,
		Filter{"guild_id": guildID},
		FetchOptions{Upsert: true},
	)
}

// EffectivePrefix returns the text command prefix in effect for
// guildID: the guild's stored override when set, otherwise
// defaultPrefix. Outside a guild (empty guildID), the default applies.
func EffectivePrefix(
	ctx context.Context,
	guilds *Store[Guild],
	guildID string,
	defaultPrefix string,
) (string, error) {
	if guildID == "" {
		return defaultPrefix, nil
	}
	guild, err := guilds.Fetch(ctx, Filter{"guild_id": guildID})
	if err != nil {
		return defaultPrefix, err
	}
	if guild == nil || guild.Prefix == "" {
		return defaultPrefix, nil
	}
	return guild.Prefix, nil
}

// SetGuildPrefix stores a guild-specific text command prefix, creating
// the guild document if needed.
func SetGuildPrefix(
	ctx context.Context,
	guilds *Store[Guild],
	guildID string,
	prefix string,
) error {
	_, err := guilds.Update(
		ctx,
		Filter{"guild_id": guildID},
		NewPatch().Set("prefix", prefix),
		UpdateOptions{Upsert: true},
	)
	return err
}

// RecordCommandUsage bumps the per-guild usage counter for
// definitionID. The increment is atomic, so concurrent dispatches never
// lose counts.
func RecordCommandUsage(
	ctx context.Context,
	usage *Store[CommandUsage],
	definitionID string,
	guildID string,
	userID string,
) error {
	_, err := usage.Update(
		ctx,
		Filter{"definition_id": definitionID, "guild_id": guildID},
		NewPatch().Inc("count", 1).Set("last_user_id", userID),
		UpdateOptions{Upsert: true},
	)
	return err
}

// TransferKarma atomically moves amount karma from one member to
// another within a guild, inside a transaction: either both balances
// change or neither does, and the guild's karma total is invariant
// under any number of concurrent transfers.
func TransferKarma(
	ctx context.Context,
	members *Store[MemberProfile],
	guildID string,
	fromUserID string,
	toUserID string,
	amount int64,
) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	if fromUserID == toUserID {
		return fmt.Errorf("cannot transfer karma to self")
	}
	return members.UseTransaction(ctx, func(txCtx context.Context) error {
		_, err := members.Update(
			txCtx,
			Filter{"guild_id": guildID, "user_id": fromUserID},
			NewPatch().Inc("karma", -amount),
			UpdateOptions{Upsert: true},
		)
		if err != nil {
			return err
		}
		_, err = members.Update(
			txCtx,
			Filter{"guild_id": guildID, "user_id": toUserID},
			NewPatch().Inc("karma", amount),
			UpdateOptions{Upsert: true},
		)
		return err
	})
}

// KarmaLeaderboard returns the top n members of a guild by karma, as
// lean rows with user_id and karma only.
func KarmaLeaderboard(
	ctx context.Context,
	members *Store[MemberProfile],
	guildID string,
	n int,
) ([]map[string]any, error) {
	return members.Aggregate(
		ctx,
		Match(Filter{"guild_id": guildID}),
		Sort("karma", true),
		Limit(n),
		Project("user_id", "karma"),
	)
}

// roleAssigner is the slice of the discord session needed to apply a
// role to a member.
type roleAssigner interface {
	GuildMemberRoleAdd(
		guildID, userID, roleID string,
		options ...RequestOption,
	) error
}

// SyncMemberRole applies the guild's staff role to a member via the
// discord API and records the sync in the member's profile. Members
// already marked synced, and guilds with no staff role configured, are
// no-ops.
func SyncMemberRole(
	ctx context.Context,
	guilds *Store[Guild],
	members *Store[MemberProfile],
	session roleAssigner,
	logger *slog.Logger,
	guildID string,
	userID string,
) error {
	if logger == nil {
		logger = slog.Default()
	}
	guild, err := guilds.Fetch(ctx, Filter{"guild_id": guildID})
	if err != nil {
		return err
	}
	if guild == nil || guild.StaffRoleID == "" {
		return nil
	}

	member, err := members.Fetch(
		ctx,
		Filter{"guild_id": guildID, "user_id": userID},
		FetchOptions{Upsert: true},
	)
	if err != nil {
		return err
	}
	if member.RoleSynced {
		return nil
	}

	if err = session.GuildMemberRoleAdd(
		guildID, userID, guild.StaffRoleID,
	); err != nil {
		logger.WarnContext(
			ctx,
			"failed to assign role",
			"guild_id", guildID,
			"user_id", userID,
			"role_id", guild.StaffRoleID,
			tint.Err(err),
		)
		return err
	}

	_, err = members.Update(
		ctx,
		Filter{"guild_id": guildID, "user_id": userID},
		NewPatch().Set("role_synced", true),
	)
	return err
}
