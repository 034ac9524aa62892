package vimcord

import (
	"context"
	"log/slog"
)

// ResponsePayload is the reply content handed back through a
// [ResponseHandler]. How it is physically delivered is the transport's
// concern.
type ResponsePayload struct {
	Content   string `json:"content"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// ResponseHandler is the reply capability attached to an inbound event.
// The dispatch core only knows these three operations; gateway and
// webhook transports provide their own implementations.
type ResponseHandler interface {
	// Acknowledge defers the interaction, extending the window before a
	// final response is required. Must complete within Discord's fixed
	// acknowledgment deadline or the interaction is unrecoverably
	// expired.
	Acknowledge(ctx context.Context, ephemeral bool) error

	// Respond sends the initial visible response
	Respond(ctx context.Context, payload ResponsePayload) error

	// EditResponse replaces a previously sent or deferred response
	EditResponse(ctx context.Context, payload ResponsePayload) error
}

// Event is an inbound interaction, message, or gateway event after the
// transport has decoded it into entity references and a reply
// capability. The dispatcher only reads from it.
type Event struct {
	// Kind selects which definitions this event can match
	Kind CommandKind `json:"kind"`

	// Name is the command name for command kinds; empty for events
	Name string `json:"name,omitempty"`

	// Trigger is the gateway event name for event kinds
	Trigger string `json:"trigger,omitempty"`

	// SubcommandPath is the dot-joined subcommand path ("group.sub"),
	// empty when the command was invoked bare
	SubcommandPath string `json:"subcommand_path,omitempty"`

	UserID        string `json:"user_id,omitempty"`
	GuildID       string `json:"guild_id,omitempty"`
	ChannelID     string `json:"channel_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	InteractionID string `json:"interaction_id,omitempty"`

	// Args are the whitespace-split arguments of a prefix command
	Args []string `json:"args,omitempty"`

	// Options are the decoded slash command option values, keyed by
	// option name
	Options map[string]any `json:"options,omitempty"`

	// Caller is the resolved identity/context used for permission
	// evaluation
	Caller CallerContext `json:"caller"`

	// Responder is the reply capability; nil for events with no
	// addressable response (e.g. ready)
	Responder ResponseHandler `json:"-"`

	// Payload is the raw decoded transport event, for handlers that
	// need transport-specific fields
	Payload any `json:"-"`
}

func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(e.Kind)),
	}
	if e.Name != "" {
		attrs = append(attrs, slog.String("name", e.Name))
	}
	if e.Trigger != "" {
		attrs = append(attrs, slog.String("trigger", e.Trigger))
	}
	if e.SubcommandPath != "" {
		attrs = append(attrs, slog.String("subcommand_path", e.SubcommandPath))
	}
	if e.UserID != "" {
		attrs = append(attrs, slog.String("user_id", e.UserID))
	}
	if e.GuildID != "" {
		attrs = append(attrs, slog.String("guild_id", e.GuildID))
	}
	if e.ChannelID != "" {
		attrs = append(attrs, slog.String("channel_id", e.ChannelID))
	}
	if e.InteractionID != "" {
		attrs = append(attrs, slog.String("interaction_id", e.InteractionID))
	}
	return slog.GroupValue(attrs...)
}

// scopeKey returns the partition key for the given rate limit scope.
func (e Event) scopeKey(scope RateLimitScope) string {
	switch scope {
	case RateLimitScopeGuild:
		return e.GuildID
	case RateLimitScopeChannel:
		return e.ChannelID
	case RateLimitScopeGlobal:
		return globalScopeKey
	default:
		return e.UserID
	}
}

// Invocation is everything a handler receives for one dispatch: the
// event, the matched definition, the merged configuration, a logger
// pre-annotated with dispatch identity, and a capability handle for the
// client (schema stores, session access).
type Invocation struct {
	// DispatchID uniquely identifies this dispatch task in logs
	DispatchID string

	Event      Event
	Definition *Definition

	// Config is the effective configuration for this invocation
	Config EffectiveConfig

	Logger *slog.Logger

	// Client is the owning [Vimcord] instance; nil in isolated
	// dispatcher tests
	Client *Vimcord

	// acknowledged is set by the dispatcher once a deferral
	// acknowledgment has actually succeeded. Denials fire before the
	// deferral step, so DeferReply alone does not imply an initial
	// response exists to edit.
	acknowledged bool
}

// Acknowledged reports whether this invocation's interaction has been
// deferred.
func (inv *Invocation) Acknowledged() bool {
	return inv.acknowledged
}

// Reply responds through the event's responder, editing the deferred
// response once the interaction has been acknowledged.
func (inv *Invocation) Reply(ctx context.Context, content string) error {
	if inv.Event.Responder == nil {
		return nil
	}
	payload := ResponsePayload{
		Content:   content,
		Ephemeral: inv.Definition.Ephemeral,
	}
	if inv.acknowledged {
		return inv.Event.Responder.EditResponse(ctx, payload)
	}
	return inv.Event.Responder.Respond(ctx, payload)
}
