package vimcord

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureGuild(t *testing.T) {
	t.Parallel()
	guilds := newGuildStore(t)
	ctx := context.Background()

	guild, err := EnsureGuild(ctx, guilds, "g1")
	require.NoError(t, err)
	require.NotNil(t, guild)
	assert.Equal(t, "g1", guild.GuildID)

	again, err := EnsureGuild(ctx, guilds, "g1")
	require.NoError(t, err)
	assert.Equal(t, guild.ID, again.ID)
}

func TestEffectivePrefix(t *testing.T) {
	t.Parallel()
	guilds := newGuildStore(t)
	ctx := context.Background()

	// unknown guild falls back to the default
	prefix, err := EffectivePrefix(ctx, guilds, "g1", "!")
	require.NoError(t, err)
	assert.Equal(t, "!", prefix)

	// DMs always use the default
	prefix, err = EffectivePrefix(ctx, guilds, "", "!")
	require.NoError(t, err)
	assert.Equal(t, "!", prefix)

	require.NoError(t, SetGuildPrefix(ctx, guilds, "g1", "?"))

	prefix, err = EffectivePrefix(ctx, guilds, "g1", "!")
	require.NoError(t, err)
	assert.Equal(t, "?", prefix)
}

func TestRecordCommandUsage(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	usage := NewStore[CommandUsage](db, slog.Default())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(
			t, RecordCommandUsage(ctx, usage, "slash.ping", "g1", "u1"),
		)
	}
	require.NoError(
		t, RecordCommandUsage(ctx, usage, "slash.ping", "g2", "u2"),
	)

	row, err := usage.Fetch(
		ctx, Filter{"definition_id": "slash.ping", "guild_id": "g1"},
	)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(3), row.Count)
	assert.Equal(t, "u1", row.LastUserID)

	other, err := usage.Fetch(
		ctx, Filter{"definition_id": "slash.ping", "guild_id": "g2"},
	)
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, int64(1), other.Count)
}

func TestTransferKarma(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	members := NewStore[MemberProfile](db, slog.Default())
	ctx := context.Background()

	require.NoError(
		t,
		members.Create(
			ctx,
			&MemberProfile{GuildID: "g1", UserID: "u1", Karma: 100},
			&MemberProfile{GuildID: "g1", UserID: "u2", Karma: 0},
		),
	)

	require.NoError(t, TransferKarma(ctx, members, "g1", "u1", "u2", 30))

	from, err := members.Fetch(ctx, Filter{"guild_id": "g1", "user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(70), from.Karma)

	to, err := members.Fetch(ctx, Filter{"guild_id": "g1", "user_id": "u2"})
	require.NoError(t, err)
	assert.Equal(t, int64(30), to.Karma)
}

func TestTransferKarmaValidation(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	members := NewStore[MemberProfile](db, slog.Default())
	ctx := context.Background()

	require.Error(t, TransferKarma(ctx, members, "g1", "u1", "u2", 0))
	require.Error(t, TransferKarma(ctx, members, "g1", "u1", "u2", -5))
	require.Error(t, TransferKarma(ctx, members, "g1", "u1", "u1", 10))
}

// TestTransferKarmaConservation runs a batch of transfers in varying
// directions and checks the guild's karma total is exactly what it
// started as: transfers move karma, they never mint or burn it.
func TestTransferKarmaConservation(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	members := NewStore[MemberProfile](db, slog.Default())
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		require.NoError(
			t,
			members.Create(
				ctx, &MemberProfile{GuildID: "g1", UserID: u, Karma: 100},
			),
		)
	}

	for i := 0; i < 100; i++ {
		from := users[i%len(users)]
		to := users[(i+1)%len(users)]
		require.NoError(
			t, TransferKarma(ctx, members, "g1", from, to, int64(1+i%7)),
		)
	}

	rows, err := members.FetchAllLean(ctx, Filter{"guild_id": "g1"}, []string{"karma"})
	require.NoError(t, err)
	require.Len(t, rows, len(users))

	var total int64
	for _, row := range rows {
		karma, ok := row["karma"].(int64)
		require.True(t, ok, "karma column should scan as int64, got %T", row["karma"])
		total += karma
	}
	assert.Equal(t, int64(400), total)
}

// transferKarmaRetrying retries transient sqlite lock contention; any
// other error is returned as-is.
func transferKarmaRetrying(
	ctx context.Context,
	members *Store[MemberProfile],
	guildID, fromUserID, toUserID string,
	amount int64,
) error {
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		err = TransferKarma(ctx, members, guildID, fromUserID, toUserID, amount)
		if err == nil || !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return err
}

// TestTransferKarmaConcurrentConservation interleaves 100 transfers
// across goroutines; transaction isolation has to keep the guild's
// karma total fixed even when debits and credits race.
func TestTransferKarmaConcurrentConservation(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	members := NewStore[MemberProfile](db, slog.Default())
	ctx := context.Background()

	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		require.NoError(
			t,
			members.Create(
				ctx, &MemberProfile{GuildID: "g1", UserID: u, Karma: 100},
			),
		)
	}

	var wg sync.WaitGroup
	transferErrs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := users[i%len(users)]
			to := users[(i+1)%len(users)]
			transferErrs <- transferKarmaRetrying(
				ctx, members, "g1", from, to, int64(1+i%7),
			)
		}(i)
	}
	wg.Wait()
	close(transferErrs)
	for err := range transferErrs {
		require.NoError(t, err)
	}

	rows, err := members.FetchAllLean(ctx, Filter{"guild_id": "g1"}, []string{"karma"})
	require.NoError(t, err)
	require.Len(t, rows, len(users))

	var total int64
	for _, row := range rows {
		karma, ok := row["karma"].(int64)
		require.True(t, ok, "karma column should scan as int64, got %T", row["karma"])
		total += karma
	}
	assert.Equal(t, int64(400), total, "concurrent transfers must conserve the total")
}

// TestTransferKarmaRollback aborts a transfer mid-flight and checks
// neither balance moved.
func TestTransferKarmaRollback(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	members := NewStore[MemberProfile](db, slog.Default())
	ctx := context.Background()

	require.NoError(
		t,
		members.Create(
			ctx, &MemberProfile{GuildID: "g1", UserID: "u1", Karma: 50},
		),
	)

	sentinel := errors.New("boom")
	err := members.UseTransaction(
		ctx, func(txCtx context.Context) error {
			_, updateErr := members.Update(
				txCtx,
				Filter{"guild_id": "g1", "user_id": "u1"},
				NewPatch().Inc("karma", -20),
			)
			require.NoError(t, updateErr)
			return sentinel
		},
	)
	require.ErrorIs(t, err, sentinel)

	member, err := members.Fetch(ctx, Filter{"guild_id": "g1", "user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), member.Karma, "rolled-back debit must not stick")
}

func TestKarmaLeaderboard(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	members := NewStore[MemberProfile](db, slog.Default())
	ctx := context.Background()

	require.NoError(
		t,
		members.Create(
			ctx,
			&MemberProfile{GuildID: "g1", UserID: "u1", Karma: 5},
			&MemberProfile{GuildID: "g1", UserID: "u2", Karma: 50},
			&MemberProfile{GuildID: "g1", UserID: "u3", Karma: 25},
		),
	)

	rows, err := KarmaLeaderboard(ctx, members, "g1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "u2", rows[0]["user_id"])
	assert.Equal(t, "u3", rows[1]["user_id"])
}

type fakeRoleAssigner struct {
	calls []string
	err   error
}

func (f *fakeRoleAssigner) GuildMemberRoleAdd(
	guildID, userID, roleID string,
	_ ...RequestOption,
) error {
	f.calls = append(f.calls, guildID+"/"+userID+"/"+roleID)
	return f.err
}

func TestSyncMemberRole(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	guilds := NewStore[Guild](db, slog.Default())
	members := NewStore[MemberProfile](db, slog.Default())
	ctx := context.Background()
	session := &fakeRoleAssigner{}

	// no guild document: no-op
	require.NoError(
		t, SyncMemberRole(ctx, guilds, members, session, nil, "g1", "u1"),
	)
	assert.Empty(t, session.calls)

	require.NoError(
		t, guilds.Create(ctx, &Guild{GuildID: "g1", StaffRoleID: "r1"}),
	)

	require.NoError(
		t, SyncMemberRole(ctx, guilds, members, session, nil, "g1", "u1"),
	)
	require.Len(t, session.calls, 1)
	assert.Equal(t, "g1/u1/r1", session.calls[0])

	// already synced: no second API call
	require.NoError(
		t, SyncMemberRole(ctx, guilds, members, session, nil, "g1", "u1"),
	)
	assert.Len(t, session.calls, 1)
}
