package vimcord

import (
	"encoding/json"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Guild is the per-guild settings document. GuildID is unique: two live
// documents can never share a guild.
type Guild struct {
	ModelUintID
	ModelUnixTime

	GuildID string `json:"guild_id" gorm:"uniqueIndex;not null;default:null"`

	// Prefix overrides the client's default text command prefix when
	// non-empty
	Prefix string `json:"prefix,omitempty" gorm:"type:string"`

	Locale string `json:"locale,omitempty" gorm:"type:string"`

	// StaffRoleID is the guild's designated staff role, managed via
	// the staff-role store extensions
	StaffRoleID string `json:"staff_role_id,omitempty" gorm:"type:string"`

	// Disabled guilds are excluded from dispatch entirely
	Disabled bool `json:"disabled,omitempty"`
}

func (g Guild) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String("prefix", g.Prefix),
		slog.String("locale", g.Locale),
	)
}

// MemberProfile tracks per-member state within a guild. The
// (guild_id, user_id) pair is unique.
type MemberProfile struct {
	ModelUintID
	ModelUnixTime

	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_member_guild_user;not null;default:null"`
	UserID  string `json:"user_id" gorm:"uniqueIndex:idx_member_guild_user;not null;default:null"`

	// Karma is an arbitrary per-member counter, moved between members
	// atomically via [TransferKarma]
	Karma int64 `json:"karma"`

	// RoleSynced records whether the member's presence-derived role has
	// been applied
	RoleSynced bool `json:"role_synced,omitempty"`
}

// CommandUsage aggregates invocation counts per definition and guild.
// The (definition_id, guild_id) pair is unique; counts are bumped with
// a single atomic increment upsert by [RecordCommandUsage].
type CommandUsage struct {
	ModelUintID
	ModelUnixTime

	DefinitionID string `json:"definition_id" gorm:"uniqueIndex:idx_usage_definition_guild;not null;default:null"`
	GuildID      string `json:"guild_id" gorm:"uniqueIndex:idx_usage_definition_guild"`
	Count        int64  `json:"count"`
	LastUserID   string `json:"last_user_id,omitempty"`
}

// InteractionLog records details about an inbound Discord interaction,
// written on receipt before dispatch.
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) *InteractionLog {
	p, err := json.Marshal(i)
	if err != nil {
		slog.Default().Error("error marshaling interaction", tint.Err(err))
	}
	return &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
}

func (m InteractionLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("interaction_id", m.InteractionID),
		slog.String("type", m.Type),
		slog.String("user_id", m.UserID),
		slog.String("guild_id", m.GuildID),
		slog.String("channel_id", m.ChannelID),
	)
}
