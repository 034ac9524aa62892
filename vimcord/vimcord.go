package vimcord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Vimcord is the bot client: it owns the gateway connection, the
// definition registry, the dispatcher, the rate limiter, the schema
// stores, and the optional status API. Construct one with [New],
// register definitions, then call [Vimcord.Run].
type Vimcord struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db         *gorm.DB
	registry   *Registry
	limiter    *RateLimiter
	dispatcher *Dispatcher
	discord    *Discord
	api        *API

	// Guilds holds per-guild settings (prefix overrides, staff role)
	Guilds *Store[Guild]

	// Members holds per-member profiles within guilds
	Members *Store[MemberProfile]

	// Usage aggregates per-guild command invocation counts
	Usage *Store[CommandUsage]

	// Interactions logs inbound discord interactions
	Interactions *Store[InteractionLog]

	// prevents concurrent runs
	runMu sync.Mutex

	startedAt time.Time

	// eventWG tracks in-flight dispatch goroutines for graceful shutdown
	eventWG sync.WaitGroup
}

// New assembles a client from config. The returned client has an empty
// registry; register definitions before calling [Vimcord.Run].
func New(config *Config) (*Vimcord, error) {
	var errs []error

	if config == nil {
		config = DefaultConfig()
	}
	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	if config.Discord == nil {
		errs = append(errs, errors.New("missing discord config"))
		return nil, errors.Join(errs...)
	}

	v := &Vimcord{config: config}

	v.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	v.logger = slog.New(v.logHandler)
	slog.SetDefault(v.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	v.registry = NewRegistry(v.logger)
	v.limiter = NewRateLimiter(v.logger)

	v.dispatcher = NewDispatcher(
		v.registry,
		v.limiter,
		v.logger,
		DispatcherOptions{
			Environment:      config.Environment,
			GlobalConfig:     config.CommandDefaults,
			ErrorMessage:     config.Discord.ErrorMessage,
			RateLimitMessage: config.Discord.RateLimitMessage,
			AckTimeout:       DefaultAckTimeout,
			AfterDispatch:    v.afterDispatch,
		},
	)
	v.dispatcher.SetClient(v)

	disc := newDiscord(config.Discord)
	disc.logger = newTintLogger(config.Discord.LogLevel).
		With(loggerNameKey, "discord")
	disc.client = v
	v.discord = disc

	if config.API != nil && config.API.Enabled {
		v.api = newAPI(v, config.API)
	}

	return v, errors.Join(errs...)
}

// Registry returns the client's definition registry.
func (v *Vimcord) Registry() *Registry {
	return v.registry
}

// Register adds definitions to the client's registry; see
// [Registry.Register].
func (v *Vimcord) Register(defs ...*Definition) error {
	return v.registry.Register(defs...)
}

// Session returns the discord session handle, for handlers needing
// direct API access.
func (v *Vimcord) Session() DiscordSessionHandler {
	return v.discord.session
}

// DB returns the underlying database connection.
func (v *Vimcord) DB() *gorm.DB {
	return v.db
}

// ValidateConfig checks the client configuration's binding constraints.
func (v *Vimcord) ValidateConfig() error {
	return structValidator.Struct(v.config)
}

// Run connects to discord and blocks until ctx is canceled, then shuts
// down gracefully: the gateway closes first so no new events arrive,
// in-flight dispatches get ShutdownTimeout to drain, and the database
// closes last.
func (v *Vimcord) Run(ctx context.Context) error {
	v.runMu.Lock()
	defer v.runMu.Unlock()

	v.startedAt = time.Now()
	logger := v.logger

	if err := v.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx, cancel := context.WithCancel(WithLogger(ctx, logger))
	defer cancel()

	logger.LogAttrs(
		ctx, slog.LevelInfo, "starting", slog.Any("config", v.config),
	)

	startCtx, startCancel := context.WithTimeout(ctx, v.config.StartupTimeout)
	defer startCancel()

	if err := v.initDB(startCtx); err != nil {
		logger.Error("error initializing database", tint.Err(err))
		return err
	}

	if err := v.initDiscordSession(startCtx); err != nil {
		logger.Error("error initializing discord session", tint.Err(err))
		return err
	}

	if regErr := v.discord.registerCommands(startCtx, v.registry); regErr != nil {
		logger.Error("error registering commands", tint.Err(regErr))
		return regErr
	}

	if v.api != nil {
		go func() {
			httpErr := v.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api", tint.Err(httpErr))
			}
		}()
	}

	if v.config.BucketSweepInterval > 0 {
		go v.sweepBuckets(ctx)
	}

	logger.InfoContext(ctx, "running", "definitions", v.registry.Len())
	<-ctx.Done()

	return v.shutdown()
}

func (v *Vimcord) initDB(ctx context.Context) error {
	db, err := CreateDB(
		ctx,
		v.config.DatabaseType,
		v.config.Database,
		v.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return err
	}
	v.db = db

	storeLogger := slog.New(v.logHandler)
	v.Guilds = NewStore[Guild](db, storeLogger)
	v.Members = NewStore[MemberProfile](db, storeLogger)
	v.Usage = NewStore[CommandUsage](db, storeLogger)
	v.Interactions = NewStore[InteractionLog](db, storeLogger)
	return nil
}

func (v *Vimcord) initDiscordSession(ctx context.Context) error {
	session, err := v.discord.newSession()
	if err != nil {
		return err
	}
	v.discord.session = session

	v.discord.removeHandlerFns = append(
		v.discord.removeHandlerFns,
		session.AddHandler(v.handleInteractionCreate),
		session.AddHandler(v.handleMessageCreate),
		session.AddHandler(v.handleReady),
		session.AddHandler(
			func(_ *discordgo.Session, _ *discordgo.Connect) {
				v.discord.metricConnects.Add(1)
				v.discord.connected.Store(true)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, _ *discordgo.Disconnect) {
				v.discord.metricDisconnects.Add(1)
				v.discord.connected.Store(false)
			},
		),
	)

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	v.logger.InfoContext(ctx, "discord session open")
	return nil
}

// sweepBuckets periodically drops expired rate-limit buckets. Expiry is
// otherwise passive, so without this a rarely-used bucket lingers until
// process exit.
func (v *Vimcord) sweepBuckets(ctx context.Context) {
	ticker := time.NewTicker(v.config.BucketSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := v.limiter.Sweep(v.config.BucketSweepInterval)
			if removed > 0 {
				v.logger.Debug("swept rate limit buckets", "removed", removed)
			}
		}
	}
}

func (v *Vimcord) shutdown() error {
	logger := v.logger
	logger.Warn("shutting down")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), v.config.ShutdownTimeout,
	)
	defer cancel()

	for _, removeHandler := range v.discord.removeHandlerFns {
		removeHandler()
	}
	v.discord.removeHandlerFns = nil

	if v.discord.session != nil {
		if err := v.discord.session.Close(); err != nil {
			logger.Error("error closing discord session", tint.Err(err))
		}
	}

	// wait for in-flight dispatches, bounded by the shutdown deadline
	drained := make(chan struct{})
	go func() {
		v.eventWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info("all dispatches drained")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown deadline reached with dispatches in flight")
	}

	if v.api != nil {
		v.api.Shutdown(shutdownCtx)
	}

	if v.db != nil {
		sqlDB, err := v.db.DB()
		if err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				logger.Error("error closing database", tint.Err(closeErr))
			}
		}
	}

	logger.Warn("shutdown complete")
	return nil
}

// dispatch runs one event through the dispatcher on its own goroutine,
// tracked for shutdown draining.
func (v *Vimcord) dispatch(ctx context.Context, event Event) {
	v.eventWG.Add(1)
	go func() {
		defer v.eventWG.Done()
		v.dispatcher.Dispatch(ctx, event)
	}()
}

// afterDispatch records successful command invocations in the usage
// store. Event-kind invocations aren't usage-counted.
func (v *Vimcord) afterDispatch(
	ctx context.Context,
	inv *Invocation,
	_ any,
	dispatchErr error,
) {
	if dispatchErr != nil || inv.Definition.Kind == CommandKindEvent {
		return
	}
	err := RecordCommandUsage(
		ctx,
		v.Usage,
		inv.Definition.ID(),
		inv.Event.GuildID,
		inv.Event.UserID,
	)
	if err != nil {
		inv.Logger.Warn("failed to record command usage", tint.Err(err))
	}
}

// callerContext assembles the identity snapshot permission evaluation
// runs against. The guild owner is resolved through the session's state
// cache when available.
func (v *Vimcord) callerContext(
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) CallerContext {
	caller := CallerContext{
		UserID:            user.ID,
		GuildID:           i.GuildID,
		RoleIDs:           memberRoleIDs(i),
		CallerPermissions: callerPermissions(i),
		BotOwnerID:        v.config.Discord.OwnerID,
		Superusers:        v.config.Discord.Superusers,
	}
	caller.BotPermissions = i.AppPermissions
	if i.GuildID != "" {
		if guild, err := v.discord.session.Guild(i.GuildID); err == nil {
			caller.GuildOwnerID = guild.OwnerID
		}
	}
	return caller
}

// handleInteractionCreate is the gateway handler for interactions:
// slash commands and context menu commands. The interaction is logged
// on receipt, then dispatched on its own goroutine so slow handlers
// never block the gateway reader.
func (v *Vimcord) handleInteractionCreate(
	_ *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	user := getDiscordUser(i)
	if user == nil {
		v.logger.Warn(
			"no user found for interaction", interactionLogAttrs(*i)...,
		)
		return
	}

	ctx := WithLogger(context.Background(), v.logger)

	logCtx, logCancel := context.WithTimeout(ctx, dbOperationTimeout)
	if err := v.Interactions.Create(
		logCtx, newInteractionLog(i, user),
	); err != nil {
		v.logger.Warn("failed to log interaction", tint.Err(err))
	}
	logCancel()

	data := i.ApplicationCommandData()
	var kind CommandKind
	switch data.CommandType {
	case discordgo.UserApplicationCommand:
		kind = CommandKindUser
	case discordgo.MessageApplicationCommand:
		kind = CommandKindMessage
	default:
		kind = CommandKindSlash
	}

	path, leafOptions := subcommandPath(data)

	event := Event{
		Kind:           kind,
		Name:           data.Name,
		SubcommandPath: path,
		UserID:         user.ID,
		GuildID:        i.GuildID,
		ChannelID:      i.ChannelID,
		InteractionID:  i.ID,
		Options:        optionValues(leafOptions),
		Caller:         v.callerContext(i, user),
		Responder: interactionResponder{
			session:     v.discord.session,
			interaction: i.Interaction,
		},
		Payload: i,
	}
	v.dispatch(ctx, event)
}

// handleMessageCreate is the gateway handler for messages: prefixed
// text commands, plus a "message_create" trigger for event listeners.
// Bot and webhook messages are ignored entirely.
func (v *Vimcord) handleMessageCreate(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot || m.WebhookID != "" {
		return
	}

	ctx := WithLogger(context.Background(), v.logger)

	caller := CallerContext{
		UserID:     m.Author.ID,
		GuildID:    m.GuildID,
		BotOwnerID: v.config.Discord.OwnerID,
		Superusers: v.config.Discord.Superusers,
	}
	if m.Member != nil {
		caller.RoleIDs = m.Member.Roles
	}
	if m.GuildID != "" {
		if perms, err := s.State.UserChannelPermissions(
			m.Author.ID, m.ChannelID,
		); err == nil {
			caller.CallerPermissions = perms
		}
		if s.State.User != nil {
			if perms, err := s.State.UserChannelPermissions(
				s.State.User.ID, m.ChannelID,
			); err == nil {
				caller.BotPermissions = perms
			}
		}
		if guild, err := v.discord.session.Guild(m.GuildID); err == nil {
			caller.GuildOwnerID = guild.OwnerID
		}
	}

	responder := messageResponder{
		session:   v.discord.session,
		channelID: m.ChannelID,
		reference: m.Reference(),
	}

	if name, args, ok := v.parseCommandMessage(ctx, s, m); ok {
		v.dispatch(
			ctx, Event{
				Kind:      CommandKindPrefix,
				Name:      name,
				UserID:    m.Author.ID,
				GuildID:   m.GuildID,
				ChannelID: m.ChannelID,
				MessageID: m.ID,
				Args:      args,
				Caller:    caller,
				Responder: responder,
				Payload:   m,
			},
		)
		return
	}

	v.dispatch(
		ctx, Event{
			Kind:      CommandKindEvent,
			Trigger:   "message_create",
			UserID:    m.Author.ID,
			GuildID:   m.GuildID,
			ChannelID: m.ChannelID,
			MessageID: m.ID,
			Caller:    caller,
			Responder: responder,
			Payload:   m,
		},
	)
}

// parseCommandMessage splits a message into a prefix command name and
// arguments. The effective prefix is the guild's stored override or the
// configured default; mentioning the bot user also works as a prefix.
func (v *Vimcord) parseCommandMessage(
	ctx context.Context,
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) (name string, args []string, ok bool) {
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return "", nil, false
	}

	prefixCtx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	prefix, err := EffectivePrefix(
		prefixCtx, v.Guilds, m.GuildID, v.config.Discord.CommandPrefix,
	)
	cancel()
	if err != nil {
		v.logger.Warn("failed to resolve guild prefix", tint.Err(err))
	}

	var rest string
	switch {
	case prefix != "" && strings.HasPrefix(content, prefix):
		rest = content[len(prefix):]
	case s.State.User != nil && strings.HasPrefix(
		content, s.State.User.Mention(),
	):
		rest = content[len(s.State.User.Mention()):]
	default:
		return "", nil, false
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}

// handleReady dispatches the "ready" trigger to event listeners.
func (v *Vimcord) handleReady(
	_ *discordgo.Session,
	r *discordgo.Ready,
) {
	v.logger.Info(
		"discord ready",
		"username", r.User.Username,
		"session_id", r.SessionID,
		"guilds", len(r.Guilds),
	)
	ctx := WithLogger(context.Background(), v.logger)
	v.dispatch(
		ctx, Event{
			Kind:    CommandKindEvent,
			Trigger: "ready",
			Payload: r,
		},
	)
}
