package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vjoke/chat-service/internal/config"
	"github.com/vjoke/chat-service/internal/errs"
	"github.com/vjoke/chat-service/internal/state"
)

// ---------------------------------------------------------------------------
// Room lifecycle
// ---------------------------------------------------------------------------

func TestRoom_LobbyScenario(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.connect(t, "alice", "a1")

	_, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomCreate, "lobby", false)
	require.NoError(t, err)

	njoined, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomJoin, "lobby")
	require.NoError(t, err)
	require.Equal(t, 1, njoined)
	users, err := f.store.RoomUsers(bg(), "lobby")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, users)

	id, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomMessage, "lobby", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.Equal(t, 1, alice.count("roomMessage"))

	history, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomRecentHistory, "lobby")
	require.NoError(t, err)
	require.Len(t, history, 1)

	nleft, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomLeave, "lobby")
	require.NoError(t, err)
	require.Equal(t, 0, nleft)
	users, err = f.store.RoomUsers(bg(), "lobby")
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestRoomJoin_MissingRoom(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "alice", "a1")
	_, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomJoin, "ghost")
	require.True(t, errs.HasCode(err, errs.NotFound))
}

func TestRoomJoin_RequiresSocket(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{}))
	_, err := f.svc.Exec(bg(), Context{UserName: "alice"}, CmdRoomJoin, "lobby")
	require.True(t, errs.HasCode(err, errs.Validation))
}

// ---------------------------------------------------------------------------
// Access control
// ---------------------------------------------------------------------------

func TestRoomJoin_WhitelistOnlyDeniesUnlisted(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoom(bg(), "vip", state.RoomMeta{Owner: "alice", WhitelistOnly: true}))
	f.connect(t, "bob", "b1")

	_, err := f.svc.Exec(bg(), f.as("bob", "b1"), CmdRoomJoin, "vip")
	require.True(t, errs.HasCode(err, errs.Authorization))
	users, err := f.store.RoomUsers(bg(), "vip")
	require.NoError(t, err)
	require.Empty(t, users)

	// Whitelisted users, the owner and bypass contexts pass.
	require.NoError(t, f.store.RoomListAdd(bg(), "vip", state.Whitelist, []string{"bob"}))
	_, err = f.svc.Exec(bg(), f.as("bob", "b1"), CmdRoomJoin, "vip")
	require.NoError(t, err)

	f.connect(t, "alice", "al1")
	_, err = f.svc.Exec(bg(), f.as("alice", "al1"), CmdRoomJoin, "vip")
	require.NoError(t, err)

	f.connect(t, "carol", "c1")
	_, err = f.svc.Exec(bg(), Context{UserName: "carol", SocketID: "c1", BypassPermissions: true},
		CmdRoomJoin, "vip")
	require.NoError(t, err)
}

func TestRoomJoin_BlacklistedDenied(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{Owner: "alice"}))
	require.NoError(t, f.store.RoomListAdd(bg(), "lobby", state.Blacklist, []string{"bob"}))
	f.connect(t, "bob", "b1")
	_, err := f.svc.Exec(bg(), f.as("bob", "b1"), CmdRoomJoin, "lobby")
	require.True(t, errs.HasCode(err, errs.Authorization))
}

func TestRoomAccessLists_OwnerOnly(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{Owner: "alice"}))
	f.connect(t, "bob", "b1")

	_, err := f.svc.Exec(bg(), f.as("bob", "b1"), CmdRoomGetAccessList, "lobby", "whitelist")
	require.True(t, errs.HasCode(err, errs.Authorization))
	_, err = f.svc.Exec(bg(), f.as("bob", "b1"), CmdRoomAddToList, "lobby", "whitelist", []string{"x"})
	require.True(t, errs.HasCode(err, errs.Authorization))
	_, err = f.svc.Exec(bg(), f.as("bob", "b1"), CmdRoomSetWhitelistMode, "lobby", true)
	require.True(t, errs.HasCode(err, errs.Authorization))

	owner, err := f.svc.Exec(bg(), Context{UserName: "admin", BypassPermissions: true}, CmdRoomGetOwner, "lobby")
	require.NoError(t, err)
	require.Equal(t, "alice", owner)
}

func TestRoomBlacklistAdd_EvictsMember(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{Owner: "alice"}))
	f.connect(t, "alice", "al1")
	bob := f.connect(t, "bob", "b1")
	_, err := f.svc.Exec(bg(), f.as("alice", "al1"), CmdRoomJoin, "lobby")
	require.NoError(t, err)
	_, err = f.svc.Exec(bg(), f.as("bob", "b1"), CmdRoomJoin, "lobby")
	require.NoError(t, err)

	_, err = f.svc.Exec(bg(), f.as("alice", "al1"), CmdRoomAddToList, "lobby", "blacklist", []string{"bob"})
	require.NoError(t, err)

	require.Equal(t, 1, bob.count("roomAccessRemoved"))
	users, err := f.store.RoomUsers(bg(), "lobby")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, users)
	rooms, err := f.store.UserRooms(bg(), "bob")
	require.NoError(t, err)
	require.Empty(t, rooms)

	// The evicted socket no longer receives room broadcasts.
	_, err = f.svc.Exec(bg(), f.as("alice", "al1"), CmdRoomMessage, "lobby", map[string]any{"text": "gone?"})
	require.NoError(t, err)
	require.Equal(t, 0, bob.count("roomMessage"))
}

func TestRoomWhitelistRemove_EvictsOnlyInWhitelistMode(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{Owner: "alice"}))
	require.NoError(t, f.store.RoomListAdd(bg(), "lobby", state.Whitelist, []string{"bob"}))
	f.connect(t, "bob", "b1")
	_, err := f.svc.Exec(bg(), f.as("bob", "b1"), CmdRoomJoin, "lobby")
	require.NoError(t, err)
	owner := f.as("alice", "")

	// Open mode: removal does not evict.
	_, err = f.svc.Exec(bg(), owner, CmdRoomRemoveFromList, "lobby", "whitelist", []string{"bob"})
	require.NoError(t, err)
	users, err := f.store.RoomUsers(bg(), "lobby")
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, users)

	// Whitelist-only mode: removal revokes access.
	require.NoError(t, f.store.RoomListAdd(bg(), "lobby", state.Whitelist, []string{"bob"}))
	_, err = f.svc.Exec(bg(), owner, CmdRoomSetWhitelistMode, "lobby", true)
	require.NoError(t, err)
	_, err = f.svc.Exec(bg(), owner, CmdRoomRemoveFromList, "lobby", "whitelist", []string{"bob"})
	require.NoError(t, err)
	users, err = f.store.RoomUsers(bg(), "lobby")
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestRoomSetWhitelistMode_EvictsUnlistedMembers(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{Owner: "alice"}))
	require.NoError(t, f.store.RoomListAdd(bg(), "lobby", state.Whitelist, []string{"carol"}))
	f.connect(t, "alice", "al1")
	f.connect(t, "bob", "b1")
	f.connect(t, "carol", "c1")
	for _, u := range []struct{ user, sock string }{{"alice", "al1"}, {"bob", "b1"}, {"carol", "c1"}} {
		_, err := f.svc.Exec(bg(), f.as(u.user, u.sock), CmdRoomJoin, "lobby")
		require.NoError(t, err)
	}

	_, err := f.svc.Exec(bg(), f.as("alice", ""), CmdRoomSetWhitelistMode, "lobby", true)
	require.NoError(t, err)

	// The owner and the whitelisted member stay; bob goes.
	users, err := f.store.RoomUsers(bg(), "lobby")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "carol"}, users)
}

// ---------------------------------------------------------------------------
// Messaging and history
// ---------------------------------------------------------------------------

func TestRoomMessage_RequiresMembership(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{}))
	f.connect(t, "alice", "a1")
	_, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomMessage, "lobby", map[string]any{"text": "hi"})
	require.True(t, errs.HasCode(err, errs.Authorization))
}

func TestRoomMessage_ContentCheckerRejects(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.hooks.RoomMessagesChecker = func(ctx context.Context, who Context, room string, msg json.RawMessage) error {
		return errs.Validationf("no shouting")
	}
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{}))
	f.connect(t, "alice", "a1")
	_, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomJoin, "lobby")
	require.NoError(t, err)

	_, err = f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomMessage, "lobby", map[string]any{"text": "HI"})
	require.True(t, errs.HasCode(err, errs.Authorization))
	info, err := f.store.HistoryInfo(bg(), "lobby")
	require.NoError(t, err)
	require.Zero(t, info.Size)
}

func TestRoomHistory_SequenceAndQueryCap(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.HistoryMaxGetMessages = 2 })
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{}))
	f.connect(t, "alice", "a1")
	_, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomJoin, "lobby")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomMessage, "lobby", map[string]any{"n": i})
		require.NoError(t, err)
	}

	// Forward paging is capped by the per-query limit, not retention.
	got, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomHistoryGet, "lobby", uint64(0))
	require.NoError(t, err)
	msgs := got.([]state.Message)
	require.Len(t, msgs, 2)
	require.Equal(t, uint64(1), msgs[0].ID)
	require.Equal(t, uint64(2), msgs[1].ID)

	got, err = f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomHistoryGet, "lobby", uint64(2))
	require.NoError(t, err)
	msgs = got.([]state.Message)
	require.Len(t, msgs, 1)
	require.Equal(t, uint64(3), msgs[0].ID)

	info, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomHistoryInfo, "lobby")
	require.NoError(t, err)
	reply := info.(HistoryInfoReply)
	require.Equal(t, 3, reply.Size)
	require.Equal(t, uint64(3), reply.LastID)
	require.Equal(t, 2, reply.MaxGetMessages)
}

func TestRoomUserSeen(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{}))
	f.connect(t, "alice", "a1")
	_, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomJoin, "lobby")
	require.NoError(t, err)

	seen, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomUserSeen, "lobby", "alice")
	require.NoError(t, err)
	require.True(t, seen.(state.UserSeen).Joined)
	require.NotZero(t, seen.(state.UserSeen).Timestamp)
}

// ---------------------------------------------------------------------------
// Userlist updates
// ---------------------------------------------------------------------------

func TestRoomUserlistUpdates_PresenceEdgesOnly(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{}))
	alice := f.connect(t, "alice", "a1")
	f.connect(t, "bob", "b1")
	f.connect(t, "bob", "b2")

	_, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomJoin, "lobby")
	require.NoError(t, err)
	require.Equal(t, 1, alice.count("roomUserJoined")) // her own join

	// Bob's first socket announces the join; the second does not.
	_, err = f.svc.Exec(bg(), f.as("bob", "b1"), CmdRoomJoin, "lobby")
	require.NoError(t, err)
	_, err = f.svc.Exec(bg(), f.as("bob", "b2"), CmdRoomJoin, "lobby")
	require.NoError(t, err)
	require.Equal(t, 2, alice.count("roomUserJoined"))

	// Only the last socket out announces the leave.
	_, err = f.svc.Exec(bg(), f.as("bob", "b1"), CmdRoomLeave, "lobby")
	require.NoError(t, err)
	require.Equal(t, 0, alice.count("roomUserLeft"))
	_, err = f.svc.Exec(bg(), f.as("bob", "b2"), CmdRoomLeave, "lobby")
	require.NoError(t, err)
	require.Equal(t, 1, alice.count("roomUserLeft"))
}

// ---------------------------------------------------------------------------
// Room management gates
// ---------------------------------------------------------------------------

func TestRoomManagement_DisabledWithoutBypass(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.EnableRoomsManagement = false })
	f.connect(t, "alice", "a1")

	_, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomCreate, "lobby", false)
	require.True(t, errs.HasCode(err, errs.Authorization))

	// Server-side bypass still manages rooms.
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{}))
	require.NoError(t, f.svc.DeleteRoom(bg(), "lobby"))
}

func TestRoomDelete_EvictsAllMembers(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.AddRoom(bg(), "lobby", state.RoomMeta{Owner: "alice"}))
	bob := f.connect(t, "bob", "b1")
	_, err := f.svc.Exec(bg(), f.as("bob", "b1"), CmdRoomJoin, "lobby")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteRoom(bg(), "lobby"))

	require.Equal(t, 1, bob.count("roomAccessRemoved"))
	ok, err := f.svc.HasRoom(bg(), "lobby")
	require.NoError(t, err)
	require.False(t, ok)
	rooms, err := f.store.UserRooms(bg(), "bob")
	require.NoError(t, err)
	require.Empty(t, rooms)
}

func TestRoomCreate_DuplicateConflicts(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "alice", "a1")
	_, err := f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomCreate, "lobby", false)
	require.NoError(t, err)
	_, err = f.svc.Exec(bg(), f.as("alice", "a1"), CmdRoomCreate, "lobby", false)
	require.True(t, errs.HasCode(err, errs.Conflict))
}
