package vimcord

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRoute(t *testing.T) {
	t.Parallel()

	executed := ""
	mark := func(name string) HandlerFunc {
		return func(context.Context, *Invocation) (any, error) {
			executed = name
			return name, nil
		}
	}

	def := &Definition{
		Kind:    CommandKindSlash,
		Name:    "settings",
		Execute: mark("fallback"),
		Routes: map[string]HandlerFunc{
			"prefix":     mark("prefix"),
			"roles.add":  mark("roles.add"),
			"roles.list": mark("roles.list"),
		},
	}

	handler, err := resolveRoute(def, "roles.add")
	require.NoError(t, err)
	_, _ = handler(context.Background(), nil)
	assert.Equal(t, "roles.add", executed)

	// empty path falls back to Execute
	handler, err = resolveRoute(def, "")
	require.NoError(t, err)
	_, _ = handler(context.Background(), nil)
	assert.Equal(t, "fallback", executed)

	// exact match only: no prefix matching
	_, err = resolveRoute(def, "roles")
	require.Error(t, err)
	var routeErr *RouteNotFoundError
	require.ErrorAs(t, err, &routeErr)
	assert.Equal(t, "slash.settings", routeErr.DefinitionID)
	assert.Equal(t, "roles", routeErr.Path)
}

func TestResolveRouteNoFallback(t *testing.T) {
	t.Parallel()

	def := &Definition{
		Kind: CommandKindSlash,
		Name: "settings",
		Routes: map[string]HandlerFunc{
			"prefix": func(context.Context, *Invocation) (any, error) {
				return nil, nil
			},
		},
	}

	// bare invocation of a route-only definition is a defect
	_, err := resolveRoute(def, "")
	var routeErr *RouteNotFoundError
	require.ErrorAs(t, err, &routeErr)
}

func TestSubcommandPath(t *testing.T) {
	t.Parallel()

	leaf := []*discordgo.ApplicationCommandInteractionDataOption{
		{
			Name:  "amount",
			Type:  discordgo.ApplicationCommandOptionInteger,
			Value: float64(5),
		},
	}

	tests := []struct {
		name     string
		options  []*discordgo.ApplicationCommandInteractionDataOption
		wantPath string
	}{
		{
			name:     "bare command",
			options:  nil,
			wantPath: "",
		},
		{
			name: "plain options, no subcommand",
			options: []*discordgo.ApplicationCommandInteractionDataOption{
				{
					Name:  "query",
					Type:  discordgo.ApplicationCommandOptionString,
					Value: "x",
				},
			},
			wantPath: "",
		},
		{
			name: "single subcommand",
			options: []*discordgo.ApplicationCommandInteractionDataOption{
				{
					Name:    "give",
					Type:    discordgo.ApplicationCommandOptionSubCommand,
					Options: leaf,
				},
			},
			wantPath: "give",
		},
		{
			name: "group and subcommand",
			options: []*discordgo.ApplicationCommandInteractionDataOption{
				{
					Name: "roles",
					Type: discordgo.ApplicationCommandOptionSubCommandGroup,
					Options: []*discordgo.ApplicationCommandInteractionDataOption{
						{
							Name:    "add",
							Type:    discordgo.ApplicationCommandOptionSubCommand,
							Options: leaf,
						},
					},
				},
			},
			wantPath: "roles.add",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				data := discordgo.ApplicationCommandInteractionData{
					Name:    "cmd",
					Options: tt.options,
				}
				path, leafOptions := subcommandPath(data)
				assert.Equal(t, tt.wantPath, path)
				if tt.wantPath != "" {
					assert.Equal(t, leaf, leafOptions)
				}
			},
		)
	}
}

func TestOptionValues(t *testing.T) {
	t.Parallel()

	assert.Nil(t, optionValues(nil))

	values := optionValues(
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "member", Value: "u1"},
			{Name: "amount", Value: float64(5)},
		},
	)
	assert.Equal(t, map[string]any{"member": "u1", "amount": float64(5)}, values)
}

func TestSlashCommandOptionsFromRoutes(t *testing.T) {
	t.Parallel()

	def := &Definition{
		Kind: CommandKindSlash,
		Name: "settings",
		Routes: map[string]HandlerFunc{
			"show":       func(context.Context, *Invocation) (any, error) { return nil, nil },
			"roles.add":  func(context.Context, *Invocation) (any, error) { return nil, nil },
			"roles.list": func(context.Context, *Invocation) (any, error) { return nil, nil },
		},
	}

	options := slashCommandOptions(def)
	require.Len(t, options, 2)

	byName := map[string]*discordgo.ApplicationCommandOption{}
	for _, opt := range options {
		byName[opt.Name] = opt
	}

	show := byName["show"]
	require.NotNil(t, show)
	assert.Equal(t, discordgo.ApplicationCommandOptionSubCommand, show.Type)

	roles := byName["roles"]
	require.NotNil(t, roles)
	assert.Equal(t, discordgo.ApplicationCommandOptionSubCommandGroup, roles.Type)
	assert.Len(t, roles.Options, 2)
}

func TestSlashCommandOptionsDeclaredWin(t *testing.T) {
	t.Parallel()

	declared := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        "give",
		Description: "hand-written",
	}
	def := &Definition{
		Kind:    CommandKindSlash,
		Name:    "karma",
		Options: []*discordgo.ApplicationCommandOption{declared},
		Routes: map[string]HandlerFunc{
			"give": func(context.Context, *Invocation) (any, error) { return nil, nil },
		},
	}

	options := slashCommandOptions(def)
	require.Len(t, options, 1)
	assert.Same(t, declared, options[0], "explicit options are not duplicated")
}
