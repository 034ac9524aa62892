package vimcord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Built-in definitions. None are registered automatically; callers pick
// what they want and hand it to [Vimcord.Register].

// PingCommand returns a minimal slash command that reports dispatch
// round-trip latency.
func PingCommand() *Definition {
	return &Definition{
		Kind:        CommandKindSlash,
		Name:        "ping",
		Description: "Check that the bot is responsive",
		Ephemeral:   true,
		RateLimit: RateLimitSpec{
			Max:      5,
			Interval: 30 * time.Second,
			Scope:    RateLimitScopeUser,
		},
		BeforeExecute: func(_ context.Context, inv *Invocation) error {
			// Config is computed fresh per dispatch, so scribbling on it
			// never leaks into other invocations
			inv.Config["started_at"] = time.Now()
			return nil
		},
		Execute: func(ctx context.Context, inv *Invocation) (any, error) {
			elapsed := "n/a"
			if started, ok := inv.Config["started_at"].(time.Time); ok {
				elapsed = time.Since(started).Round(time.Millisecond).String()
			}
			return nil, inv.Reply(ctx, fmt.Sprintf("Pong! (%s)", elapsed))
		},
	}
}

// ReadyStatusListener returns a one-shot listener that applies the
// given custom status once the gateway reports ready.
func ReadyStatusListener(status string) *Definition {
	return &Definition{
		Kind:    CommandKindEvent,
		Name:    "set_status",
		Trigger: "ready",
		Once:    true,
		Execute: func(_ context.Context, inv *Invocation) (any, error) {
			if inv.Client == nil {
				return nil, nil
			}
			return nil, inv.Client.Session().UpdateCustomStatus(status)
		},
	}
}

// SetPrefixCommand returns a guild-owner-only prefix command that
// stores a guild-specific text command prefix, e.g. `!setprefix ?`.
func SetPrefixCommand() *Definition {
	return &Definition{
		Kind:    CommandKindPrefix,
		Name:    "setprefix",
		Aliases: []string{"prefix"},
		Permissions: PermissionSpec{
			GuildOnly:      true,
			GuildOwnerOnly: true,
		},
		Execute: func(ctx context.Context, inv *Invocation) (any, error) {
			if len(inv.Event.Args) == 0 {
				return nil, inv.Reply(ctx, "Usage: setprefix <prefix>")
			}
			prefix := inv.Event.Args[0]
			err := SetGuildPrefix(
				ctx, inv.Client.Guilds, inv.Event.GuildID, prefix,
			)
			if err != nil {
				return nil, err
			}
			return prefix, inv.Reply(
				ctx, fmt.Sprintf("Prefix set to `%s`", prefix),
			)
		},
	}
}

// KarmaCommand returns a routed slash command: `/karma give` transfers
// karma between members, `/karma top` shows the guild leaderboard.
func KarmaCommand() *Definition {
	return &Definition{
		Kind:        CommandKindSlash,
		Name:        "karma",
		Description: "Give karma, or view the leaderboard",
		DeferReply:  true,
		Permissions: PermissionSpec{GuildOnly: true},
		RateLimit: RateLimitSpec{
			Max:      10,
			Interval: time.Minute,
			Scope:    RateLimitScopeUser,
		},
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "give",
				Description: "Give karma to a member",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "member",
						Description: "Who to give karma to",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "amount",
						Description: "How much karma to give",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "top",
				Description: "Show the karma leaderboard",
			},
		},
		Routes: map[string]HandlerFunc{
			"give": karmaGive,
			"top":  karmaTop,
		},
	}
}

func karmaGive(ctx context.Context, inv *Invocation) (any, error) {
	target, _ := inv.Event.Options["member"].(string)
	amount := int64(0)
	if raw, ok := inv.Event.Options["amount"].(float64); ok {
		amount = int64(raw)
	}
	if target == "" || amount <= 0 {
		return nil, inv.Reply(ctx, "Pick a member and a positive amount.")
	}

	err := TransferKarma(
		ctx,
		inv.Client.Members,
		inv.Event.GuildID,
		inv.Event.UserID,
		target,
		amount,
	)
	if err != nil {
		var constraintErr *ConstraintViolationError
		if errors.As(err, &constraintErr) {
			return nil, inv.Reply(ctx, "Something collided; try again.")
		}
		return nil, err
	}
	return amount, inv.Reply(
		ctx, fmt.Sprintf("Gave %d karma to <@%s>.", amount, target),
	)
}

func karmaTop(ctx context.Context, inv *Invocation) (any, error) {
	rows, err := KarmaLeaderboard(ctx, inv.Client.Members, inv.Event.GuildID, 10)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return rows, inv.Reply(ctx, "No karma here yet.")
	}

	var b strings.Builder
	b.WriteString("**Karma leaderboard**\n")
	for rank, row := range rows {
		fmt.Fprintf(
			&b, "%d. <@%v> — %v\n", rank+1, row["user_id"], row["karma"],
		)
	}
	return rows, inv.Reply(ctx, b.String())
}
