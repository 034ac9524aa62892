//nolint:lll // struct tags can't be split
package vimcord

import (
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "VIMCORD_ENV_PREFIX"
	DefaultEnvPrefix   = "VIMCORD"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "vimcord.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultLogLevel         = slog.LevelInfo
	DefaultDatabaseLogLevel = slog.LevelInfo
	DefaultDiscordLogLevel  = slog.LevelWarn
	DefaultAPILogLevel      = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultAckTimeout bounds interaction deferrals. Discord expires
	// unacknowledged interactions after 3 seconds.
	DefaultAckTimeout = 3 * time.Second

	DefaultEnvironment      = "production"
	DefaultCommandPrefix    = "!"
	DefaultErrorMessage     = "Sorry, something went wrong!"
	DefaultRateLimitMessage = "You're doing that too fast."

	DefaultBucketSweepInterval = 5 * time.Minute

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPIReadTimeout    = 5 * time.Second
	DefaultAPIWriteTimeout   = 10 * time.Second
	DefaultAPIIdleTimeout    = 30 * time.Second
	defaultListenNetwork     = "tcp"
	DefaultGatewayIntent     = discordgo.IntentsAllWithoutPrivileged
	discordMaxMessageLength  = 2000
	DefaultDiscordgoLogLevel = slog.LevelWarn
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

// Config is the static client configuration, loaded once at startup by
// the cmd/ layer from flags, environment, and .env files. Runtime
// behavior per command comes from the layered handler configuration
// (see [MergeConfig]), not from this struct.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Environment is matched against definition deployment allow-lists
	// (e.g. "production", "development")
	Environment string `yaml:"environment" mapstructure:"environment" json:"environment"`

	// StartupTimeout limits how long the client has to initialize. If
	// this is passed, startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// BucketSweepInterval is how often expired rate-limit buckets are
	// dropped. Expiry is otherwise passive; 0 disables the sweeper.
	BucketSweepInterval time.Duration `yaml:"bucket_sweep_interval" mapstructure:"bucket_sweep_interval" json:"bucket_sweep_interval"`

	// Discord configures the gateway connection and bot identity
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the optional read-only status API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// CommandDefaults is the global (client-wide) handler configuration
	// layer, merged over framework defaults for every invocation
	CommandDefaults map[string]any `yaml:"command_defaults" mapstructure:"command_defaults" json:"command_defaults"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the configuration's binding constraints.
func (c *Config) Validate() error {
	return structValidator.Struct(c)
}

// DiscordConfig configures the discord connection and bot identity.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// OwnerID is the bot owner's user ID, used by owner-only permission checks
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id"`

	// Superusers are additional user IDs treated as bot staff
	Superusers []string `yaml:"superusers" mapstructure:"superusers" json:"superusers"`

	// CommandPrefix is the default prefix for text commands; guilds can
	// override it via their stored settings
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix"`

	// ErrorMessage is shown when a handler error escalates to the
	// global error boundary
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	// RateLimitMessage is shown on rate limit denials
	RateLimitMessage string `yaml:"rate_limit_message" mapstructure:"rate_limit_message" json:"rate_limit_message"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`
}

// APIConfig configures the optional read-only status API server.
type APIConfig struct {
	// Determines if the status API should be active
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000")
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix")
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// AllowOrigins configures CORS for the status endpoints
	AllowOrigins []string `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`

	// Maximum duration for reading the entire request, including the body
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true,min=1s"`
}

// DefaultConfig returns a Config with all default settings populated.
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		Database:              DefaultDatabase,
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		Environment:           DefaultEnvironment,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		BucketSweepInterval:   DefaultBucketSweepInterval,
		Discord: &DiscordConfig{
			CommandPrefix:     DefaultCommandPrefix,
			ErrorMessage:      DefaultErrorMessage,
			RateLimitMessage:  DefaultRateLimitMessage,
			GatewayIntents:    DefaultGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		API: &APIConfig{
			Enabled:       false,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			LogLevel:      apiLogLevel,
			ReadTimeout:   DefaultAPIReadTimeout,
			WriteTimeout:  DefaultAPIWriteTimeout,
			IdleTimeout:   DefaultAPIIdleTimeout,
		},
	}
}
