package vimcord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// CommandKind namespaces definitions by how they are triggered. Names
// only collide within a kind: `slash.ping` and `prefix.ping` are
// distinct definitions.
type CommandKind string

const (
	// CommandKindSlash matches application (slash) command interactions
	// by exact, case-sensitive name
	CommandKindSlash CommandKind = "slash"

	// CommandKindPrefix matches prefixed text commands by
	// case-insensitive name or alias
	CommandKindPrefix CommandKind = "prefix"

	// CommandKindUser matches user context-menu commands
	CommandKindUser CommandKind = "user"

	// CommandKindMessage matches message context-menu commands
	CommandKindMessage CommandKind = "message"

	// CommandKindEvent matches gateway events by trigger name; multiple
	// event definitions may share a trigger
	CommandKindEvent CommandKind = "event"
)

// HandlerFunc is a definition's main body. The returned value is passed
// to AfterExecute on success.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

// HookFunc runs before Execute; a returned error aborts the invocation
// and flows through the same error path as an Execute failure.
type HookFunc func(ctx context.Context, inv *Invocation) error

// AfterFunc runs after a successful Execute, receiving its result.
type AfterFunc func(ctx context.Context, inv *Invocation, result any)

// ErrorFunc handles an error from BeforeExecute/Execute. Returning nil
// marks the error handled; returning an error (the same or another)
// escalates it to the dispatcher's global error boundary.
type ErrorFunc func(ctx context.Context, inv *Invocation, err error) error

// ConditionFunc is an invocation predicate. Returning false skips the
// definition silently; an error is treated the same as false, but is
// logged.
type ConditionFunc func(ctx context.Context, inv *Invocation) (bool, error)

// DeploymentSpec constrains where a definition is live. Empty lists
// impose no constraint.
type DeploymentSpec struct {
	// Environments is an allow-list matched against the client's
	// configured environment name (e.g. "production", "development")
	Environments []string `json:"environments,omitempty"`

	// GuildIDs is an allow-list of guilds the definition fires in
	GuildIDs []string `json:"guild_ids,omitempty"`
}

func (d DeploymentSpec) allows(environment string, guildID string) bool {
	if len(d.Environments) > 0 && !containsString(d.Environments, environment) {
		return false
	}
	if len(d.GuildIDs) > 0 && !containsString(d.GuildIDs, guildID) {
		return false
	}
	return true
}

// Definition is an immutable descriptor of a command or event handler,
// constructed once at load time and registered with a [Registry]. The
// dispatcher never mutates a Definition after registration.
type Definition struct {
	// Kind selects the trigger type and the matching rules
	Kind CommandKind `json:"kind"`

	// Name is the command name, or a label for event definitions. Slash
	// command names are matched case-sensitively, prefix names after
	// lowercasing.
	Name string `json:"name"`

	// Aliases are alternate prefix-command names. Ignored for other
	// kinds.
	Aliases []string `json:"aliases,omitempty"`

	// Description is used when registering slash commands
	Description string `json:"description,omitempty"`

	// Trigger is the gateway event name an event definition listens
	// for (e.g. "ready", "message_create"). Ignored for command kinds.
	Trigger string `json:"trigger,omitempty"`

	// Disabled definitions stay registered but never fire
	Disabled bool `json:"disabled,omitempty"`

	// Priority orders event definitions sharing a trigger; higher runs
	// first, ties broken by registration order.
	Priority int `json:"priority,omitempty"`

	// Once event definitions are deregistered on first delivery and
	// never fire again this process lifetime
	Once bool `json:"once,omitempty"`

	// Conditions are evaluated in order; any false skips the
	// definition silently
	Conditions []ConditionFunc `json:"-"`

	// Permissions gates execution; see [PermissionSpec.Evaluate]
	Permissions PermissionSpec `json:"permissions"`

	// RateLimit, when set, gates execution per its scope
	RateLimit RateLimitSpec `json:"rate_limit"`

	// DeferReply acknowledges the interaction before Execute runs,
	// extending Discord's response window
	DeferReply bool `json:"defer_reply,omitempty"`

	// Ephemeral marks acknowledgments and denial replies
	// visible only to the caller
	Ephemeral bool `json:"ephemeral,omitempty"`

	// Deployment constrains which environments/guilds this fires in
	Deployment DeploymentSpec `json:"deployment"`

	// Routes maps subcommand paths ("group.sub" or "sub") to leaf
	// handlers. When non-empty, Execute is only the fallback for an
	// empty subcommand path.
	Routes map[string]HandlerFunc `json:"-"`

	// Options describe slash command options for registration
	Options []*discordgo.ApplicationCommandOption `json:"-"`

	// Config is the definition's local options layer, merged last
	Config ConfigLayer `json:"config,omitempty"`

	BeforeExecute HookFunc    `json:"-"`
	Execute       HandlerFunc `json:"-"`
	AfterExecute  AfterFunc   `json:"-"`
	OnError       ErrorFunc   `json:"-"`

	// registration order, assigned by the registry
	seq int
}

// ID returns the definition's dot-namespaced identifier, e.g.
// "slash.ping" or "event.ready".
func (d *Definition) ID() string {
	if d.Kind == CommandKindEvent && d.Trigger != "" {
		return fmt.Sprintf("%s.%s.%s", d.Kind, d.Trigger, d.Name)
	}
	return fmt.Sprintf("%s.%s", d.Kind, d.Name)
}

func (d *Definition) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", d.ID()),
		slog.String("kind", string(d.Kind)),
		slog.Int("priority", d.Priority),
	)
}

// validate reports structural defects that would make the definition
// undispatchable. Called at registration, so misconfiguration surfaces
// at startup rather than on first use.
func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition has no name")
	}
	switch d.Kind {
	case CommandKindSlash, CommandKindPrefix, CommandKindUser, CommandKindMessage:
		if d.Execute == nil && len(d.Routes) == 0 {
			return fmt.Errorf("%s: no execute handler or routes", d.ID())
		}
	case CommandKindEvent:
		if d.Trigger == "" {
			return fmt.Errorf("%s: event definition has no trigger", d.ID())
		}
		if d.Execute == nil {
			return fmt.Errorf("%s: no execute handler", d.ID())
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", d.Name, d.Kind)
	}
	for path := range d.Routes {
		if d.Routes[path] == nil {
			return fmt.Errorf("%s: nil handler for route %q", d.ID(), path)
		}
	}
	return nil
}

// Registry holds the assembled definition set. It is an explicit object
// constructed at startup and handed to the dispatcher - there is no
// ambient process-wide instance, so tests can build isolated registries.
//
// Definitions themselves are immutable; the registry only tracks
// membership (registration, and removal of `once` listeners).
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	nextSeq     int
	logger      *slog.Logger
}

// NewRegistry returns an empty definition registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		definitions: map[string]*Definition{},
		logger:      logger.With(loggerNameKey, "registry"),
	}
}

// Register validates and adds definitions. A duplicate ID is a
// configuration defect and fails the whole call; definitions registered
// before the failing one stay registered.
func (r *Registry) Register(defs ...*Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		if err := def.validate(); err != nil {
			return err
		}
		id := def.ID()
		if _, exists := r.definitions[id]; exists {
			return fmt.Errorf("duplicate definition id: %s", id)
		}
		def.seq = r.nextSeq
		r.nextSeq++
		r.definitions[id] = def
		r.logger.Debug("registered definition", "definition", def)
	}
	return nil
}

// Deregister removes the definition with the given ID, reporting
// whether it was present.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.definitions[id]
	delete(r.definitions, id)
	return ok
}

// Command resolves exactly one command definition by kind and name.
// Slash/context names match case-sensitively; prefix names and aliases
// match after lowercasing. A match that is marked Disabled resolves to
// [ErrDefinitionDisabled] rather than [ErrUnknownCommand].
func (r *Registry) Command(kind CommandKind, name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, def := range r.definitions {
		if def.Kind != kind {
			continue
		}
		if commandNameMatches(def, name) {
			if def.Disabled {
				return nil, fmt.Errorf("%w: %s", ErrDefinitionDisabled, def.ID())
			}
			return def, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownCommand, kind, name)
}

func commandNameMatches(def *Definition, name string) bool {
	if def.Kind == CommandKindPrefix {
		lowered := strings.ToLower(name)
		if strings.ToLower(def.Name) == lowered {
			return true
		}
		for _, alias := range def.Aliases {
			if strings.ToLower(alias) == lowered {
				return true
			}
		}
		return false
	}
	return def.Name == name
}

// Listeners returns the enabled event definitions for trigger, ordered
// by descending priority with registration order breaking ties. Any
// `once` definitions in the result are removed from the registry before
// this returns, so a concurrent delivery of the same trigger can never
// resolve them again: the claim happens-before any later dispatch.
func (r *Registry) Listeners(trigger string) []*Definition {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*Definition
	for _, def := range r.definitions {
		if def.Kind != CommandKindEvent || def.Disabled {
			continue
		}
		if def.Trigger != trigger {
			continue
		}
		matched = append(matched, def)
	}

	sort.SliceStable(
		matched, func(i, j int) bool {
			if matched[i].Priority != matched[j].Priority {
				return matched[i].Priority > matched[j].Priority
			}
			return matched[i].seq < matched[j].seq
		},
	)

	for _, def := range matched {
		if def.Once {
			delete(r.definitions, def.ID())
			r.logger.Debug("claimed once listener", "definition", def)
		}
	}
	return matched
}

// Definitions returns a snapshot of all registered definitions, ordered
// by registration.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*Definition, 0, len(r.definitions))
	for _, def := range r.definitions {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].seq < defs[j].seq })
	return defs
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.definitions)
}
