package vimcord

import (
	"strings"

	"github.com/bwmarrin/discordgo"
)

// routePathSeparator joins subcommand group and subcommand names into a
// route path, e.g. "settings.prefix".
const routePathSeparator = "."

// resolveRoute maps a subcommand path to the definition's leaf handler.
// Matching is exact only - no prefix or partial matches. An empty path
// falls back to the definition's Execute handler. A non-empty path with
// no matching route means the registered command schema and the route
// table are out of sync, which is a [RouteNotFoundError], not a user
// denial.
func resolveRoute(def *Definition, path string) (HandlerFunc, error) {
	if path == "" {
		if def.Execute != nil {
			return def.Execute, nil
		}
		return nil, &RouteNotFoundError{DefinitionID: def.ID(), Path: path}
	}
	if handler, ok := def.Routes[path]; ok {
		return handler, nil
	}
	return nil, &RouteNotFoundError{DefinitionID: def.ID(), Path: path}
}

// subcommandPath extracts the dot-joined subcommand path from slash
// command interaction data, along with the leaf option set. Discord
// nests subcommands at most two levels (group then subcommand).
func subcommandPath(
	data discordgo.ApplicationCommandInteractionData,
) (string, []*discordgo.ApplicationCommandInteractionDataOption) {
	options := data.Options
	var segments []string

	for len(options) == 1 {
		opt := options[0]
		switch opt.Type {
		case discordgo.ApplicationCommandOptionSubCommandGroup,
			discordgo.ApplicationCommandOptionSubCommand:
			segments = append(segments, opt.Name)
			options = opt.Options
		default:
			return strings.Join(segments, routePathSeparator), options
		}
	}
	return strings.Join(segments, routePathSeparator), options
}

// optionValues flattens interaction options into a name-keyed map of
// their decoded values.
func optionValues(
	options []*discordgo.ApplicationCommandInteractionDataOption,
) map[string]any {
	if len(options) == 0 {
		return nil
	}
	values := make(map[string]any, len(options))
	for _, opt := range options {
		values[opt.Name] = opt.Value
	}
	return values
}
