package vimcord

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, *Invocation) (any, error) {
	return nil, nil
}

func TestDefinitionID(t *testing.T) {
	t.Parallel()

	slash := &Definition{Kind: CommandKindSlash, Name: "ping"}
	assert.Equal(t, "slash.ping", slash.ID())

	prefix := &Definition{Kind: CommandKindPrefix, Name: "ping"}
	assert.Equal(t, "prefix.ping", prefix.ID())
	assert.NotEqual(t, slash.ID(), prefix.ID(), "kinds namespace names")

	event := &Definition{
		Kind: CommandKindEvent, Name: "greeter", Trigger: "ready",
	}
	assert.Equal(t, "event.ready.greeter", event.ID())
}

func TestDefinitionValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		def     *Definition
		wantErr bool
	}{
		{
			name: "valid slash",
			def: &Definition{
				Kind: CommandKindSlash, Name: "ping", Execute: noopHandler,
			},
		},
		{
			name: "routes without execute is fine",
			def: &Definition{
				Kind: CommandKindSlash,
				Name: "settings",
				Routes: map[string]HandlerFunc{
					"show": noopHandler,
				},
			},
		},
		{
			name:    "missing name",
			def:     &Definition{Kind: CommandKindSlash, Execute: noopHandler},
			wantErr: true,
		},
		{
			name:    "command with no handler",
			def:     &Definition{Kind: CommandKindSlash, Name: "ping"},
			wantErr: true,
		},
		{
			name: "event without trigger",
			def: &Definition{
				Kind: CommandKindEvent, Name: "greeter", Execute: noopHandler,
			},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			def:     &Definition{Kind: "webhook", Name: "x", Execute: noopHandler},
			wantErr: true,
		},
		{
			name: "nil route handler",
			def: &Definition{
				Kind: CommandKindSlash,
				Name: "settings",
				Routes: map[string]HandlerFunc{
					"show": nil,
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				err := tt.def.validate()
				if tt.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
			},
		)
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	t.Parallel()
	registry := NewRegistry(nil)

	require.NoError(
		t,
		registry.Register(
			&Definition{
				Kind: CommandKindSlash, Name: "ping", Execute: noopHandler,
			},
		),
	)

	err := registry.Register(
		&Definition{Kind: CommandKindSlash, Name: "ping", Execute: noopHandler},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	// same name under a different kind is a different ID
	require.NoError(
		t,
		registry.Register(
			&Definition{
				Kind: CommandKindPrefix, Name: "ping", Execute: noopHandler,
			},
		),
	)
	assert.Equal(t, 2, registry.Len())
}

func TestRegistryCommandMatching(t *testing.T) {
	t.Parallel()
	registry := NewRegistry(nil)

	require.NoError(
		t,
		registry.Register(
			&Definition{
				Kind: CommandKindSlash, Name: "Ping", Execute: noopHandler,
			},
			&Definition{
				Kind:    CommandKindPrefix,
				Name:    "Help",
				Aliases: []string{"H", "commands"},
				Execute: noopHandler,
			},
		),
	)

	// slash names are case-sensitive
	def, err := registry.Command(CommandKindSlash, "Ping")
	require.NoError(t, err)
	assert.Equal(t, "Ping", def.Name)

	_, err = registry.Command(CommandKindSlash, "ping")
	require.ErrorIs(t, err, ErrUnknownCommand)

	// prefix names and aliases are case-insensitive
	for _, name := range []string{"help", "HELP", "h", "Commands"} {
		def, err = registry.Command(CommandKindPrefix, name)
		require.NoError(t, err, "name %q", name)
		assert.Equal(t, "Help", def.Name)
	}
}

func TestRegistryCommandSkipsDisabled(t *testing.T) {
	t.Parallel()
	registry := NewRegistry(nil)

	require.NoError(
		t,
		registry.Register(
			&Definition{
				Kind:     CommandKindSlash,
				Name:     "ping",
				Disabled: true,
				Execute:  noopHandler,
			},
		),
	)

	_, err := registry.Command(CommandKindSlash, "ping")
	require.ErrorIs(t, err, ErrDefinitionDisabled)

	_, err = registry.Command(CommandKindSlash, "pong")
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRegistryListenersOrdering(t *testing.T) {
	t.Parallel()
	registry := NewRegistry(nil)

	require.NoError(
		t,
		registry.Register(
			&Definition{
				Kind: CommandKindEvent, Name: "low", Trigger: "ready",
				Priority: 1, Execute: noopHandler,
			},
			&Definition{
				Kind: CommandKindEvent, Name: "first_high", Trigger: "ready",
				Priority: 10, Execute: noopHandler,
			},
			&Definition{
				Kind: CommandKindEvent, Name: "second_high", Trigger: "ready",
				Priority: 10, Execute: noopHandler,
			},
			&Definition{
				Kind: CommandKindEvent, Name: "other", Trigger: "message_create",
				Execute: noopHandler,
			},
			&Definition{
				Kind: CommandKindEvent, Name: "off", Trigger: "ready",
				Priority: 99, Disabled: true, Execute: noopHandler,
			},
		),
	)

	listeners := registry.Listeners("ready")
	require.Len(t, listeners, 3)
	assert.Equal(t, "first_high", listeners[0].Name, "priority first, then registration order")
	assert.Equal(t, "second_high", listeners[1].Name)
	assert.Equal(t, "low", listeners[2].Name)
}

// TestRegistryOnceClaimedExactlyOnce delivers the same trigger from many
// goroutines; a `once` listener may appear in exactly one result set.
func TestRegistryOnceClaimedExactlyOnce(t *testing.T) {
	t.Parallel()
	registry := NewRegistry(nil)

	require.NoError(
		t,
		registry.Register(
			&Definition{
				Kind: CommandKindEvent, Name: "oneshot", Trigger: "ready",
				Once: true, Execute: noopHandler,
			},
			&Definition{
				Kind: CommandKindEvent, Name: "persistent", Trigger: "ready",
				Execute: noopHandler,
			},
		),
	)

	const deliveries = 50
	results := make([][]*Definition, deliveries)

	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = registry.Listeners("ready")
		}(i)
	}
	wg.Wait()

	onceSeen := 0
	for _, listeners := range results {
		for _, def := range listeners {
			if def.Name == "oneshot" {
				onceSeen++
			}
		}
	}
	assert.Equal(t, 1, onceSeen, "once listener must be claimed by exactly one delivery")
	assert.Equal(t, 1, registry.Len(), "only the persistent listener remains")
}

func TestRegistryDeregister(t *testing.T) {
	t.Parallel()
	registry := NewRegistry(nil)

	require.NoError(
		t,
		registry.Register(
			&Definition{
				Kind: CommandKindSlash, Name: "ping", Execute: noopHandler,
			},
		),
	)

	assert.True(t, registry.Deregister("slash.ping"))
	assert.False(t, registry.Deregister("slash.ping"))
	assert.Zero(t, registry.Len())
}
