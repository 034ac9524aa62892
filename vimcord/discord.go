package vimcord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// RequestOption aliases the discordgo request option type so stores and
// extensions don't import discordgo directly.
type RequestOption = discordgo.RequestOption

// Discord manages the gateway connection: session lifecycle, slash
// command registration, and translation of inbound gateway payloads
// into dispatchable [Event] values.
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool
	removeHandlerFns  []func()
	client            *Vimcord
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:           config,
		removeHandlerFns: []func(){},
	}
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and
// configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = true
	disc.Identify.Intents = d.config.GatewayIntents
	disc.LogLevel = discordgoLogLevel(d.config.DiscordGoLogLevel.Level())
	disc.Client = http.DefaultClient
	session.session = disc
	return session, nil
}

// discordgoLogLevel converts a slog level into discordgo's log level.
func discordgoLogLevel(lvl slog.Level) int {
	switch {
	case lvl <= slog.LevelDebug:
		return discordgo.LogDebug
	case lvl <= slog.LevelInfo:
		return discordgo.LogInformational
	case lvl <= slog.LevelWarn:
		return discordgo.LogWarning
	default:
		return discordgo.LogError
	}
}

// registerCommands bulk-overwrites the application command set from the
// registry's slash, user and message definitions. With a configured
// guild ID, commands are registered guild-scoped (instant propagation);
// otherwise globally.
func (d *Discord) registerCommands(
	ctx context.Context,
	registry *Registry,
) error {
	commands := buildApplicationCommands(registry.Definitions())
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	d.logger.InfoContext(
		ctx,
		"registered application commands",
		"count", len(created),
		"guild_id", d.config.GuildID,
	)
	return nil
}

// buildApplicationCommands converts registered slash/user/message
// definitions into discord application command payloads. Route paths
// with no explicitly declared option are synthesized as subcommand
// (group) options so routed definitions register correctly without
// duplicating their route table.
func buildApplicationCommands(
	defs []*Definition,
) []*discordgo.ApplicationCommand {
	var commands []*discordgo.ApplicationCommand
	for _, def := range defs {
		if def.Disabled {
			continue
		}
		switch def.Kind {
		case CommandKindSlash:
			commands = append(
				commands, &discordgo.ApplicationCommand{
					Name:        def.Name,
					Description: def.Description,
					Options:     slashCommandOptions(def),
				},
			)
		case CommandKindUser:
			commands = append(
				commands, &discordgo.ApplicationCommand{
					Name: def.Name,
					Type: discordgo.UserApplicationCommand,
				},
			)
		case CommandKindMessage:
			commands = append(
				commands, &discordgo.ApplicationCommand{
					Name: def.Name,
					Type: discordgo.MessageApplicationCommand,
				},
			)
		}
	}
	return commands
}

func slashCommandOptions(
	def *Definition,
) []*discordgo.ApplicationCommandOption {
	options := def.Options
	declared := map[string]bool{}
	for _, opt := range options {
		declared[opt.Name] = true
	}

	groups := map[string]*discordgo.ApplicationCommandOption{}
	paths := make([]string, 0, len(def.Routes))
	for path := range def.Routes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		parts := strings.SplitN(path, routePathSeparator, 2)
		if len(parts) == 1 {
			if declared[parts[0]] {
				continue
			}
			options = append(
				options, &discordgo.ApplicationCommandOption{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        parts[0],
					Description: parts[0],
				},
			)
			declared[parts[0]] = true
			continue
		}
		if declared[parts[0]] {
			continue
		}
		group := groups[parts[0]]
		if group == nil {
			group = &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
				Name:        parts[0],
				Description: parts[0],
			}
			groups[parts[0]] = group
			options = append(options, group)
		}
		group.Options = append(
			group.Options, &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        parts[1],
				Description: parts[1],
			},
		)
	}
	return options
}

// interactionResponder adapts an interaction to the [ResponseHandler]
// capability the dispatch core replies through.
type interactionResponder struct {
	session     DiscordSessionHandler
	interaction *discordgo.Interaction
}

func (r interactionResponder) Acknowledge(
	ctx context.Context,
	ephemeral bool,
) error {
	response := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
	if ephemeral {
		response.Data = &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		}
	}
	return r.session.InteractionRespond(
		r.interaction, response, discordgo.WithContext(ctx),
	)
}

func (r interactionResponder) Respond(
	ctx context.Context,
	payload ResponsePayload,
) error {
	data := &discordgo.InteractionResponseData{
		Content: truncate(payload.Content, discordMaxMessageLength),
	}
	if payload.Ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return r.session.InteractionRespond(
		r.interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
		discordgo.WithContext(ctx),
	)
}

func (r interactionResponder) EditResponse(
	ctx context.Context,
	payload ResponsePayload,
) error {
	content := truncate(payload.Content, discordMaxMessageLength)
	_, err := r.session.InteractionResponseEdit(
		r.interaction,
		&discordgo.WebhookEdit{Content: &content},
		discordgo.WithContext(ctx),
	)
	return err
}

// messageResponder replies to prefix commands in-channel, referencing
// the invoking message. Ephemeral delivery and acknowledgment don't
// exist for plain messages, so Acknowledge is a no-op and Ephemeral is
// ignored.
type messageResponder struct {
	session   DiscordSessionHandler
	channelID string
	reference *discordgo.MessageReference
}

func (messageResponder) Acknowledge(context.Context, bool) error {
	return nil
}

func (r messageResponder) Respond(
	ctx context.Context,
	payload ResponsePayload,
) error {
	content := truncate(payload.Content, discordMaxMessageLength)
	var err error
	if r.reference != nil {
		_, err = r.session.ChannelMessageSendReply(
			r.channelID, content, r.reference, discordgo.WithContext(ctx),
		)
	} else {
		_, err = r.session.ChannelMessageSend(
			r.channelID, content, discordgo.WithContext(ctx),
		)
	}
	return err
}

func (r messageResponder) EditResponse(
	ctx context.Context,
	payload ResponsePayload,
) error {
	// no deferred message to edit; send a fresh reply
	return r.Respond(ctx, payload)
}

// DiscordSessionHandler defines the subset of `discordgo.Session`
// methods the client uses, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites the application's
	// command set in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// GuildMemberRoleAdd adds a role to a guild member
	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	// Guild retrieves a guild (state cache first, then the API)
	Guild(
		guildID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Guild, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session]
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "name", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	if d.session.State != nil {
		if guild, err := d.session.State.Guild(guildID); err == nil {
			return guild, nil
		}
	}
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}
